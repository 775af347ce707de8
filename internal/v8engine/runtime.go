//go:build v8

package v8engine

import (
	"strconv"
	"sync"

	"github.com/cryguy/jsbridge/internal/core"
	v8 "github.com/tommie/v8go"
)

// engine is one isolate with a single context.
type engine struct {
	iso *v8.Isolate
	ctx *v8.Context

	// gcHook is true when the isolate exposes gc() to script.
	gcHook bool
}

var (
	_ core.Engine      = (*engine)(nil)
	_ core.Interrupter = (*engine)(nil)
)

var flagsOnce sync.Once

// processFlags turns engine options into V8 command line flags.
func processFlags(opts core.EngineOptions) []string {
	var flags []string
	if opts.ExposeGC {
		flags = append(flags, "--expose-gc")
	}
	if opts.ExposeNativeSyntax {
		flags = append(flags, "--allow-natives-syntax")
	}
	if opts.ExposeInspector {
		flags = append(flags, "--expose-inspector-scripts")
	}
	if opts.TrackRetainingPath {
		flags = append(flags, "--track-retaining-path")
	}
	if opts.OldSpaceLimitMB > 0 {
		flags = append(flags, "--max-old-space-size="+strconv.Itoa(opts.OldSpaceLimitMB))
	}
	return flags
}

// New creates an isolate and its context.
//
// V8 flags are process wide and only take effect before the first isolate
// exists, so the first engine created fixes them for the process.
func New(opts core.EngineOptions) (core.Engine, error) {
	flagsOnce.Do(func() {
		if flags := processFlags(opts); len(flags) > 0 {
			v8.SetFlags(flags...)
		}
	})

	var iso *v8.Isolate
	if opts.MemoryLimitMB > 0 {
		limit := uint64(opts.MemoryLimitMB) << 20
		iso = v8.NewIsolate(v8.WithResourceConstraints(limit/2, limit))
	} else {
		iso = v8.NewIsolate()
	}
	return &engine{iso: iso, ctx: v8.NewContext(iso), gcHook: opts.ExposeGC}, nil
}

func (e *engine) run(js string) (*v8.Value, error) {
	return e.ctx.RunScript(js, "bridge.js")
}

func (e *engine) Eval(js string) error {
	_, err := e.run(js)
	return err
}

func (e *engine) EvalString(js string) (string, error) {
	v, err := e.run(js)
	if err != nil || v == nil {
		return "", err
	}
	return v.String(), nil
}

func (e *engine) EvalBool(js string) (bool, error) {
	v, err := e.run(js)
	if err != nil || v == nil {
		return false, err
	}
	return v.Boolean(), nil
}

func (e *engine) EvalInt(js string) (int, error) {
	v, err := e.run(js)
	if err != nil || v == nil {
		return 0, err
	}
	return int(v.Integer()), nil
}

// RunMicrotasks drains the microtask queue of the context.
func (e *engine) RunMicrotasks() {
	e.ctx.PerformMicrotaskCheckpoint()
}

// CollectGarbage calls gc() when the isolate was created with --expose-gc.
// v8go has no other collection hook, so otherwise it is a no-op.
func (e *engine) CollectGarbage() error {
	if !e.gcHook {
		return nil
	}
	return e.Eval("typeof gc === 'function' && gc()")
}

// Interrupt terminates running script. It is safe from any goroutine.
func (e *engine) Interrupt() {
	e.iso.TerminateExecution()
}

// ClearInterrupt lets a pending termination fire on a throwaway script.
func (e *engine) ClearInterrupt() {
	_ = e.Eval("(function() { for (var i = 0; i < 1000; i++) {} })()")
}

func (e *engine) Close() error {
	e.ctx.Close()
	e.iso.Dispose()
	return nil
}
