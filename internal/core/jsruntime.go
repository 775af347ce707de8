package core

// JSRuntime abstracts the JavaScript engine (V8 or QuickJS) behind the
// small surface the bridge needs. Every cross-boundary operation is driven
// through generated JS evaluated with these helpers plus Go trampolines
// registered with RegisterFunc.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and returns the result as a Go int.
	EvalInt(js string) (int, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// The function's Go types are automatically marshaled to/from JS types.
	// On error return, the JS wrapper throws a TypeError instead of
	// returning an array.
	RegisterFunc(name string, fn any) error

	// RunMicrotasks pumps the microtask queue (Promise callbacks, etc.).
	// V8: PerformMicrotaskCheckpoint, QuickJS: ExecutePendingJob loop.
	RunMicrotasks()
}

// Engine is one isolated execution context owned by exactly one bridge
// runtime. It is not safe for concurrent use; the bridge serializes access.
type Engine interface {
	JSRuntime

	// CollectGarbage asks the engine to reclaim unreachable memory now.
	// It is a hint: engines without a reclamation hook return nil.
	CollectGarbage() error

	// Close disposes the engine. The engine must not be used afterwards.
	Close() error
}

// Interrupter is implemented by engines that can abort running script from
// another goroutine. It is the only coarse-grained stop mechanism.
type Interrupter interface {
	Interrupt()

	// ClearInterrupt discards an interrupt request that arrived after the
	// script it was aimed at had already returned.
	ClearInterrupt()
}

// EngineOptions carries the sealed configuration values an engine adapter
// consumes at creation time.
type EngineOptions struct {
	MemoryLimitMB      int
	OldSpaceLimitMB    int
	ExposeGC           bool
	ExposeNativeSyntax bool
	ExposeInspector    bool
	TrackRetainingPath bool
}

// EngineFactory creates engines for a backend.
type EngineFactory func(opts EngineOptions) (Engine, error)
