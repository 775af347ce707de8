//go:build !v8

package quickjs

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/cryguy/jsbridge/internal/core"
	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// qjsRuntime implements core.Engine for the QuickJS engine.
type qjsRuntime struct {
	vm *quickjs.VM

	// cached from VM internals for direct C API access; zero when the
	// unexported layout of modernc.org/quickjs could not be read.
	cRuntime uintptr
	tls      *libc.TLS
}

var _ core.Engine = (*qjsRuntime)(nil)
var _ core.Interrupter = (*qjsRuntime)(nil)

// New creates a QuickJS VM configured from opts. Options QuickJS has no
// equivalent for (native syntax, inspector scripts, old-space sizing,
// retaining paths) are accepted and ignored.
func New(opts core.EngineOptions) (core.Engine, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if opts.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(opts.MemoryLimitMB) * 1024 * 1024)
	}

	r := &qjsRuntime{vm: vm}
	if rt, tls, ok := extractRuntime(vm); ok {
		r.cRuntime, r.tls = rt, tls
	}

	if opts.ExposeGC {
		if err := r.RegisterFunc("gc", func() { _ = r.CollectGarbage() }); err != nil {
			vm.Close()
			return nil, fmt.Errorf("exposing gc: %w", err)
		}
	}
	return r, nil
}

// Eval evaluates JavaScript and discards the result.
func (r *qjsRuntime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *qjsRuntime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	return fmt.Sprint(result), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *qjsRuntime) EvalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

// EvalInt evaluates JavaScript and returns the result as a Go int.
func (r *qjsRuntime) EvalInt(js string) (int, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return 0, err
	}
	switch v := result.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", result)
	}
}

// RegisterFunc registers a Go function as a global JavaScript function.
// Multi-value Go returns (T, error) are automatically unwrapped: on success
// returns T, on error throws a TypeError. This is necessary because the
// QuickJS Go wrapper returns multi-value results as JS arrays.
func (r *qjsRuntime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return r.Eval(wrapJS)
}

// RunMicrotasks pumps the QuickJS microtask queue.
func (r *qjsRuntime) RunMicrotasks() {
	if r.tls == nil {
		return
	}
	for {
		if lib.XJS_ExecutePendingJob(r.tls, r.cRuntime, 0) <= 0 {
			return
		}
	}
}

// CollectGarbage runs a full QuickJS collection cycle.
func (r *qjsRuntime) CollectGarbage() error {
	if r.tls == nil {
		return nil
	}
	lib.XJS_RunGC(r.tls, r.cRuntime)
	return nil
}

// Interrupt aborts the script currently running on the VM.
func (r *qjsRuntime) Interrupt() {
	r.vm.Interrupt()
}

// ClearInterrupt runs a loop long enough to reach the interrupt handler, so
// a pending request is consumed here instead of by the next script.
func (r *qjsRuntime) ClearInterrupt() {
	_ = r.Eval(drainInterruptJS)
}

const drainInterruptJS = "(function() { for (var i = 0; i < 50000; i++) {} })()"

// Close disposes the VM.
func (r *qjsRuntime) Close() error {
	r.vm.Close()
	r.tls = nil
	return nil
}

// extractRuntime uses unsafe reflection to pull the unexported tls and
// cRuntime values out of a *quickjs.VM. The modernc.org/quickjs wrapper never
// calls JS_ExecutePendingJob or JS_RunGC, so both go through the C API.
//
// VM struct layout (modernc.org/quickjs@v0.17.1):
//
//	type VM struct {
//	    cContext       uintptr
//	    goFuncs       map[string]int32
//	    int32_16      lib.TJSValue
//	    int32_2       lib.TJSValue
//	    runtime       *runtime
//	    ...
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
func extractRuntime(vm *quickjs.VM) (cRuntime uintptr, tls *libc.TLS, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			cRuntime, tls, ok = 0, nil, false
		}
	}()

	vmVal := reflect.ValueOf(vm).Elem()

	rtField := vmVal.FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return 0, nil, false
	}
	rtPtr := unsafe.Pointer(rtField.Pointer())
	rtVal := reflect.NewAt(rtField.Type().Elem(), rtPtr).Elem()

	cRuntimeField := rtVal.FieldByName("cRuntime")
	if !cRuntimeField.IsValid() {
		return 0, nil, false
	}
	cRuntime = uintptr(cRuntimeField.Uint())

	tlsField := rtVal.FieldByName("tls")
	if !tlsField.IsValid() || tlsField.IsNil() {
		return 0, nil, false
	}
	tls = (*libc.TLS)(unsafe.Pointer(tlsField.Pointer()))

	return cRuntime, tls, true
}
