package jsbridge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/jsbridge/internal/core"
	"go.uber.org/zap"
)

// Runtime is one isolated engine context. It owns every Value and
// CallbackContext created in it; none of them may outlive it.
//
// A Runtime may be used from any goroutine. Engine access is serialized
// through an execution slot that the goroutine already running inside the
// runtime (a host callback, an enumeration consumer) may re-enter.
type Runtime struct {
	id     uint64
	flavor Flavor
	config *Config
	opts   Options
	engine core.Engine
	slot   execSlot

	// lifeMu orders engine disposal against Interrupt, which runs outside
	// the execution slot.
	lifeMu      sync.RWMutex
	closed      atomic.Bool
	interrupted atomic.Bool
	timeout     time.Duration

	// interruptMu guards the active generation. An interrupt is delivered
	// only while the outermost entry it was aimed at still holds the slot.
	interruptMu sync.Mutex
	generation  uint64
	active      uint64 // 0 when no outermost entry is running
	watchdog    *time.Timer

	// guarded by slot
	handles     map[uint64]*Value
	nextHandle  uint64
	contexts    map[int]*CallbackContext
	nextContext int
	closeHooks  []func()

	handleCount  atomic.Int64
	contextCount atomic.Int64

	ext *ExtendedRuntime
}

// NewRuntime creates a base-flavor runtime. A nil cfg uses DefaultConfig.
func NewRuntime(cfg *Config) (*Runtime, error) {
	return CreateRuntime(FlavorBase, cfg)
}

// CreateRuntime validates and seals cfg, starts an engine and registers the
// runtime under its flavor's live count.
func CreateRuntime(flavor Flavor, cfg *Config) (*Runtime, error) {
	if !flavor.valid() {
		return nil, newError(KindInvalidArgument, "create", "unknown flavor "+strconv.Itoa(int(flavor)))
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	opts, err := cfg.sealForRuntime()
	if err != nil {
		return nil, err
	}

	eng, err := newEngine(opts.engineOptions())
	if err != nil {
		return nil, fmt.Errorf("creating %s engine: %w", EngineName, err)
	}

	rt := &Runtime{
		id:       registry.nextID.Add(1),
		flavor:   flavor,
		config:   cfg,
		opts:     opts,
		engine:   eng,
		timeout:  time.Duration(opts.ExecutionTimeoutMS) * time.Millisecond,
		handles:  make(map[uint64]*Value),
		contexts: make(map[int]*CallbackContext),
	}
	rt.slot.maxDepth = opts.MaxCallDepth
	rt.slot.reject = opts.RejectConcurrentAccess

	if err := rt.install(); err != nil {
		_ = eng.Close()
		return nil, err
	}
	if flavor == FlavorExtended {
		ext, err := newExtended(rt)
		if err != nil {
			_ = eng.Close()
			return nil, err
		}
		rt.ext = ext
	}

	registry.add(rt)
	Logger().Debug("runtime created",
		zap.Uint64("runtime", rt.id),
		zap.Stringer("flavor", flavor),
		zap.String("engine", EngineName),
	)
	return rt, nil
}

func (rt *Runtime) install() error {
	if err := rt.engine.RegisterFunc("__bridge_dispatch", rt.dispatch); err != nil {
		return fmt.Errorf("registering dispatch trampoline: %w", err)
	}
	if err := rt.engine.Eval(preludeJS); err != nil {
		return fmt.Errorf("installing bridge prelude: %w", err)
	}
	return nil
}

// ID returns the process-unique runtime id.
func (rt *Runtime) ID() uint64 { return rt.id }

// Flavor returns the runtime's flavor.
func (rt *Runtime) Flavor() Flavor { return rt.flavor }

// Config returns the sealed configuration the runtime was created from.
func (rt *Runtime) Config() *Config { return rt.config }

// Closed reports whether Close has succeeded.
func (rt *Runtime) Closed() bool { return rt.closed.Load() }

// Extended returns the extended view of an extended-flavor runtime.
func (rt *Runtime) Extended() (*ExtendedRuntime, bool) {
	return rt.ext, rt.ext != nil
}

// enter acquires the execution slot for op. Every successful enter must be
// paired with leave.
func (rt *Runtime) enter(op string) error {
	if rt.closed.Load() {
		return newError(KindClosedRuntime, op, "")
	}
	depth, err := rt.slot.enter(op)
	if err != nil {
		return err
	}
	if rt.closed.Load() {
		rt.slot.leave()
		return newError(KindClosedRuntime, op, "")
	}
	if depth == 1 {
		rt.interruptMu.Lock()
		rt.generation++
		gen := rt.generation
		rt.active = gen
		if rt.timeout > 0 {
			rt.watchdog = time.AfterFunc(rt.timeout, func() { rt.expire(gen) })
		}
		rt.interruptMu.Unlock()
	}
	return nil
}

func (rt *Runtime) leave() {
	if rt.slot.depth == 1 {
		// Once active is cleared under the lock, no interrupt for this entry
		// is in flight and none can start.
		rt.interruptMu.Lock()
		rt.active = 0
		if rt.watchdog != nil {
			rt.watchdog.Stop()
			rt.watchdog = nil
		}
		rt.interruptMu.Unlock()

		if rt.interrupted.Swap(false) && !rt.closed.Load() {
			// The interrupt landed after the script returned; it must not
			// abort the next caller.
			if i, ok := rt.engine.(core.Interrupter); ok {
				i.ClearInterrupt()
			}
		}
	}
	rt.slot.leave()
}

// expire is the watchdog callback for the outermost entry gen.
func (rt *Runtime) expire(gen uint64) {
	rt.lifeMu.RLock()
	defer rt.lifeMu.RUnlock()
	rt.interruptMu.Lock()
	defer rt.interruptMu.Unlock()
	if rt.active != gen || rt.closed.Load() {
		return
	}
	Logger().Debug("execution timeout", zap.Uint64("runtime", rt.id), zap.Duration("timeout", rt.timeout))
	_ = rt.interruptLocked()
}

// Interrupt aborts the script currently running in the runtime. It may be
// called from any goroutine and is a no-op while nothing is running.
// Engines without an interrupt hook return ErrUnsupported.
func (rt *Runtime) Interrupt() error {
	rt.lifeMu.RLock()
	defer rt.lifeMu.RUnlock()
	if rt.closed.Load() {
		return newError(KindClosedRuntime, "interrupt", "")
	}
	rt.interruptMu.Lock()
	defer rt.interruptMu.Unlock()
	if rt.active == 0 {
		if _, ok := rt.engine.(core.Interrupter); !ok {
			return newError(KindUnsupported, "interrupt", EngineName)
		}
		return nil
	}
	return rt.interruptLocked()
}

// interruptLocked delivers the interrupt. Caller holds lifeMu and
// interruptMu.
func (rt *Runtime) interruptLocked() error {
	i, ok := rt.engine.(core.Interrupter)
	if !ok {
		return newError(KindUnsupported, "interrupt", EngineName)
	}
	rt.interrupted.Store(true)
	i.Interrupt()
	return nil
}

// Execute runs source as a classic script in the global scope and returns
// the completion value as a new handle.
func (rt *Runtime) Execute(source string) (*Value, error) {
	if err := rt.enter("execute"); err != nil {
		return nil, err
	}
	defer rt.leave()
	return rt.evalWrapped("execute", "__bridge.run("+jsString(source)+","+strconv.FormatBool(rt.opts.StrictMode)+")")
}

// ExecuteVoid runs source and discards the completion value without
// issuing a handle.
func (rt *Runtime) ExecuteVoid(source string) error {
	if err := rt.enter("execute"); err != nil {
		return err
	}
	defer rt.leave()
	if err := rt.engine.Eval("__bridge.exec(" + jsString(source) + "," + strconv.FormatBool(rt.opts.StrictMode) + ")"); err != nil {
		return rt.scriptError(err)
	}
	return nil
}

// Global returns a handle to the global object.
func (rt *Runtime) Global() (*Value, error) {
	if err := rt.enter("global"); err != nil {
		return nil, err
	}
	defer rt.leave()
	return rt.evalWrapped("global", "__bridge.global()")
}

// evalWrapped evaluates a bridge expression yielding a wrapped value and
// adopts it as a new handle. Caller holds the slot.
func (rt *Runtime) evalWrapped(op, js string) (*Value, error) {
	out, err := rt.engine.EvalString(js)
	if err != nil {
		return nil, rt.scriptError(err)
	}
	return rt.adopt(op, out, false)
}

type scriptErrorRecord struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// scriptError turns an engine failure into a ScriptError, picking up the
// name, message and stack the prelude recorded when the exception passed
// through it.
func (rt *Runtime) scriptError(err error) error {
	se := &ScriptError{Message: err.Error(), Cause: err}
	if raw, e := rt.engine.EvalString("__bridge.takeError()"); e == nil && raw != "" {
		var rec scriptErrorRecord
		if json.Unmarshal([]byte(raw), &rec) == nil {
			se.Name, se.Message, se.Stack = rec.Name, rec.Message, rec.Stack
		}
	}
	if rt.interrupted.Swap(false) && se.Name == "" {
		se.Name = "InterruptError"
	}
	return se
}

// HandleCount returns the number of open handles owned by the runtime,
// including transient enumeration and callback-argument handles.
func (rt *Runtime) HandleCount() int {
	return int(rt.handleCount.Load())
}

// CallbackContextCount returns the number of bound capabilities and host
// functions whose contexts have not been destroyed.
func (rt *Runtime) CallbackContextCount() int {
	return int(rt.contextCount.Load())
}

// EngineSlotCount reports how many engine values the bridge is currently
// pinning. It is engine-side instrumentation and normally equals
// HandleCount outside of a callback.
func (rt *Runtime) EngineSlotCount() (int, error) {
	if err := rt.enter("slot-count"); err != nil {
		return 0, err
	}
	defer rt.leave()
	return rt.engine.EvalInt("__bridge.size()")
}

// Close destroys the runtime. It fails with a *LeakError (matching
// ErrResourcesStillLive) while any handle or callback context is still
// live, and never releases them on the caller's behalf. Closing a closed
// runtime returns ErrClosedRuntime.
func (rt *Runtime) Close() error {
	if err := rt.enter("close"); err != nil {
		return err
	}
	if rt.slot.depth > 1 {
		rt.leave()
		return newError(KindConcurrentAccess, "close", "runtime is executing")
	}

	_ = rt.engine.CollectGarbage()

	handles, contexts := rt.HandleCount(), rt.CallbackContextCount()
	if handles > 0 || contexts > 0 {
		leak := &LeakError{Handles: handles, Contexts: contexts, Origins: rt.liveOrigins()}
		rt.leave()
		Logger().Warn("runtime close blocked by live resources",
			zap.Uint64("runtime", rt.id),
			zap.Int("handles", handles),
			zap.Int("contexts", contexts),
			zap.Strings("origins", leak.Origins),
		)
		return leak
	}

	for _, hook := range rt.closeHooks {
		hook()
	}

	rt.lifeMu.Lock()
	rt.closed.Store(true)
	err := rt.engine.Close()
	rt.lifeMu.Unlock()

	registry.remove(rt)
	rt.leave()

	Logger().Debug("runtime closed", zap.Uint64("runtime", rt.id), zap.Stringer("flavor", rt.flavor))
	if err != nil {
		return fmt.Errorf("closing %s engine: %w", EngineName, err)
	}
	return nil
}
