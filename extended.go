package jsbridge

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cryguy/jsbridge/internal/eventloop"
	"github.com/cryguy/jsbridge/internal/modules"
	"go.uber.org/zap"
)

const moduleGlobal = "__bridge_module_exports"

var errPromiseRejected = errors.New("promise rejected")

// ExtendedRuntime is a runtime of FlavorExtended: everything a Runtime
// offers plus ES module resolution, an event loop with timers and a
// captured console. Handle and context accounting is shared with the
// embedded Runtime.
type ExtendedRuntime struct {
	*Runtime

	loop    *eventloop.EventLoop
	modules *modules.Graph
	console *consoleSink
}

// NewExtendedRuntime creates an extended-flavor runtime. A nil cfg uses
// DefaultConfig.
func NewExtendedRuntime(cfg *Config) (*ExtendedRuntime, error) {
	rt, err := CreateRuntime(FlavorExtended, cfg)
	if err != nil {
		return nil, err
	}
	return rt.ext, nil
}

func newExtended(rt *Runtime) (*ExtendedRuntime, error) {
	x := &ExtendedRuntime{
		Runtime: rt,
		loop:    eventloop.New(),
		modules: modules.NewGraph(),
		console: &consoleSink{runtime: rt.id},
	}
	if err := x.loop.Setup(rt.engine); err != nil {
		return nil, fmt.Errorf("installing timers: %w", err)
	}
	if err := x.console.setup(rt); err != nil {
		return nil, fmt.Errorf("installing console: %w", err)
	}
	rt.closeHooks = append(rt.closeHooks, x.loop.Reset)
	return x, nil
}

// RegisterModule adds or replaces an ES module source under specifier.
// Modules may import each other by specifier or by relative path.
func (x *ExtendedRuntime) RegisterModule(specifier, source string) error {
	if x.closed.Load() {
		return newError(KindClosedRuntime, "register-module", "")
	}
	if specifier == "" {
		return newError(KindInvalidArgument, "register-module", "empty specifier")
	}
	x.modules.Add(specifier, source)
	return nil
}

// Modules lists the registered module specifiers.
func (x *ExtendedRuntime) Modules() []string {
	return x.modules.Specifiers()
}

// ImportModule links specifier with its imports, evaluates it and returns
// a handle to its namespace object. Each import evaluates the module graph
// afresh.
func (x *ExtendedRuntime) ImportModule(specifier string) (*Value, error) {
	rt := x.Runtime
	if err := rt.enter("import"); err != nil {
		return nil, err
	}
	defer rt.leave()

	code, err := x.modules.Bundle(specifier, moduleGlobal)
	if err != nil {
		if errors.Is(err, modules.ErrNotFound) {
			return nil, &Error{Kind: KindModuleNotFound, Op: "import", Detail: specifier, Cause: err}
		}
		return nil, &ScriptError{Name: "SyntaxError", Message: err.Error(), Cause: err}
	}
	if err := rt.engine.Eval("__bridge.exec(" + jsString(code) + ",false)"); err != nil {
		return nil, rt.scriptError(err)
	}
	Logger().Debug("module imported", zap.Uint64("runtime", rt.id), zap.String("module", specifier))
	return rt.evalWrapped("import", "__bridge.take('"+moduleGlobal+"')")
}

// RunMicrotasks runs queued promise reactions until the queue is empty.
func (x *ExtendedRuntime) RunMicrotasks() error {
	if err := x.enter("microtasks"); err != nil {
		return err
	}
	defer x.leave()
	x.engine.RunMicrotasks()
	return nil
}

// PendingTimers returns the number of scheduled timers.
func (x *ExtendedRuntime) PendingTimers() int {
	return x.loop.Pending()
}

// RunEventLoop fires timers until none remain or timeout elapses. Timer
// callbacks that throw do not stop the loop; their failures are returned
// together as one *ScriptError.
func (x *ExtendedRuntime) RunEventLoop(timeout time.Duration) error {
	if err := x.enter("event-loop"); err != nil {
		return err
	}
	defer x.leave()
	if err := x.loop.Drain(x.engine, time.Now().Add(timeout)); err != nil {
		return x.timerError(err)
	}
	return nil
}

func (x *ExtendedRuntime) timerError(err error) error {
	_, _ = x.engine.EvalString("__bridge.takeError()")
	return &ScriptError{Name: "TimerError", Message: err.Error(), Cause: err}
}

// Await pumps microtasks and timers until the promise settles or timeout
// elapses. A fulfilled promise yields its value as a new handle; a
// rejected one yields a *ScriptError. Non-promise values resolve to
// themselves.
func (x *ExtendedRuntime) Await(promise *Value, timeout time.Duration) (*Value, error) {
	rt, err := promise.begin("await")
	if err != nil {
		return nil, err
	}
	defer rt.leave()
	if rt != x.Runtime {
		return nil, newError(KindForeignValue, "await", promise.String())
	}

	wid, err := rt.engine.EvalInt("__bridge.watch(" + strconv.Itoa(promise.slot) + ")")
	if err != nil {
		return nil, rt.scriptError(err)
	}
	watcher := strconv.Itoa(wid)
	defer func() { _ = rt.engine.Eval("__bridge.free(" + watcher + ")") }()

	deadline := time.Now().Add(timeout)
	for {
		rt.engine.RunMicrotasks()
		state, err := rt.engine.EvalString("__bridge.state(" + watcher + ")")
		if err != nil {
			return nil, rt.scriptError(err)
		}
		switch state {
		case "fulfilled":
			return rt.evalWrapped("await", "__bridge.settled("+watcher+")")
		case "rejected":
			if _, err := rt.engine.EvalString("__bridge.settled(" + watcher + ")"); err != nil {
				return nil, rt.scriptError(err)
			}
			return nil, rt.scriptError(errPromiseRejected)
		}

		fired, err := x.loop.Step(rt.engine, deadline)
		if err != nil {
			return nil, x.timerError(err)
		}
		if !fired {
			if x.loop.HasPending() {
				return nil, newError(KindTimeout, "await", "promise still pending after "+timeout.String())
			}
			return nil, newError(KindTimeout, "await", "promise is pending with no timers left to settle it")
		}
	}
}
