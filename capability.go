package jsbridge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
)

// Variadic marks an operation that accepts any number of arguments.
const Variadic = -1

// HostFunc implements one script-callable operation. The returned value
// follows ToValue's rules; a returned *Value is copied, not consumed, so
// the host keeps ownership of it. A non-nil error is thrown into the
// script as a TypeError.
type HostFunc func(call *Call) (any, error)

// Operation declares one named operation of a capability.
type Operation struct {
	Name  string
	Arity int // fixed argument count, or Variadic
	Fn    HostFunc
}

// Op is shorthand for an Operation literal.
func Op(name string, arity int, fn HostFunc) Operation {
	return Operation{Name: name, Arity: arity, Fn: fn}
}

// Capability is a statically declared set of host operations. It is
// immutable once built and may be bound into any number of objects and
// runtimes.
type Capability struct {
	name string
	ops  []Operation

	namesJS   string
	aritiesJS string
}

// NewCapability validates the descriptor once so binding never has to.
func NewCapability(name string, ops ...Operation) (*Capability, error) {
	if name == "" {
		return nil, newError(KindInvalidArgument, "capability", "empty name")
	}
	if len(ops) == 0 {
		return nil, newError(KindInvalidArgument, "capability", name+": no operations")
	}
	names := make([]string, len(ops))
	arities := make([]int, len(ops))
	seen := make(map[string]bool, len(ops))
	for i, op := range ops {
		switch {
		case op.Name == "":
			return nil, newError(KindInvalidArgument, "capability", name+": operation "+strconv.Itoa(i)+" has no name")
		case seen[op.Name]:
			return nil, newError(KindInvalidArgument, "capability", name+": duplicate operation "+op.Name)
		case op.Arity < Variadic:
			return nil, newError(KindInvalidArgument, "capability", name+"."+op.Name+": negative arity")
		case op.Fn == nil:
			return nil, newError(KindInvalidArgument, "capability", name+"."+op.Name+": nil function")
		}
		seen[op.Name] = true
		names[i] = op.Name
		arities[i] = op.Arity
	}
	n, _ := json.Marshal(names)
	a, _ := json.Marshal(arities)
	return &Capability{
		name:      name,
		ops:       append([]Operation(nil), ops...),
		namesJS:   string(n),
		aritiesJS: string(a),
	}, nil
}

// Name returns the capability name.
func (c *Capability) Name() string { return c.name }

// Operations returns a copy of the declared operations.
func (c *Capability) Operations() []Operation {
	return append([]Operation(nil), c.ops...)
}

// Call carries one script-to-host invocation. This and Args are transient
// handles closed when the HostFunc returns; Dup any that must outlive it.
type Call struct {
	Runtime   *Runtime
	Operation string
	This      *Value
	Args      []*Value
}

// Arg returns argument i, or nil (undefined) past the end.
func (c *Call) Arg(i int) *Value {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

type contextState uint8

const (
	contextActive contextState = iota
	contextReleasing
	contextReleased
)

// CallbackContext accounts for one binding of a capability into a runtime.
type CallbackContext struct {
	rt         *Runtime
	id         int
	capability *Capability
	owner      uint64
	origin     string
	released   atomic.Bool

	// guarded by the runtime's slot
	group    *aliasGroup
	inflight int
	state    contextState
}

// ID returns the context id, unique within its runtime.
func (c *CallbackContext) ID() int { return c.id }

// Released reports whether the context has been destroyed.
func (c *CallbackContext) Released() bool { return c.released.Load() }

func (c *CallbackContext) String() string {
	return "ctx" + strconv.Itoa(c.id) + "(" + c.capabilityName() + " on #" + strconv.FormatUint(c.owner, 10) + ")"
}

func (c *CallbackContext) capabilityName() string {
	if c.capability == nil {
		return "released"
	}
	return c.capability.name
}

// Unbind removes the capability's functions from the bound object and
// releases the context. A call in flight keeps the context alive until it
// returns. Unbinding twice is a no-op.
func (c *CallbackContext) Unbind() error {
	if c.released.Load() {
		return nil
	}
	rt := c.rt
	if err := rt.enter("unbind"); err != nil {
		return err
	}
	defer rt.leave()
	if g := c.group; g != nil {
		for i, other := range g.contexts {
			if other == c {
				g.contexts = append(g.contexts[:i], g.contexts[i+1:]...)
				break
			}
		}
		c.group = nil
	}
	return rt.releaseContext(c)
}

// Bind installs one script-visible function per operation of c on the
// object and returns the single context accounting for them. The context
// is released by Unbind, or when this handle and all its Dups are closed.
func (v *Value) Bind(c *Capability) (*CallbackContext, error) {
	if c == nil {
		return nil, newError(KindInvalidArgument, "bind", "nil capability")
	}
	rt, err := v.begin("bind")
	if err != nil {
		return nil, err
	}
	defer rt.leave()
	if !v.kind.IsObject() {
		return nil, mismatch("bind", KindObject, v.kind)
	}

	ctx := rt.newContext(c, v.id)
	js := "__bridge.bind(" + strconv.Itoa(v.slot) + "," + strconv.Itoa(ctx.id) + "," + c.namesJS + "," + c.aritiesJS + ")"
	if err := rt.engine.Eval(js); err != nil {
		rt.destroyContext(ctx)
		return nil, rt.scriptError(err)
	}
	g := v.groupOf()
	g.contexts = append(g.contexts, ctx)
	ctx.group = g

	Logger().Debug("capability bound",
		zap.Uint64("runtime", rt.id),
		zap.String("capability", c.name),
		zap.Int("context", ctx.id),
		zap.Int("operations", len(c.ops)),
	)
	return ctx, nil
}

// NewFunction returns a function handle backed by fn. Its callback context
// lives until the handle and all its Dups are closed; script references to
// the function that outlive it throw when called.
func (rt *Runtime) NewFunction(name string, arity int, fn HostFunc) (*Value, error) {
	c, err := NewCapability(name, Op(name, arity, fn))
	if err != nil {
		return nil, err
	}
	if err := rt.enter("new-function"); err != nil {
		return nil, err
	}
	defer rt.leave()

	ctx := rt.newContext(c, 0)
	out, err := rt.engine.EvalString("__bridge.fn(" + strconv.Itoa(ctx.id) + "," + jsString(name) + "," + strconv.Itoa(arity) + ")")
	if err != nil {
		rt.destroyContext(ctx)
		return nil, rt.scriptError(err)
	}
	v, err := rt.adopt("new-function", out, false)
	if err != nil {
		rt.destroyContext(ctx)
		return nil, err
	}
	ctx.owner = v.id
	g := v.groupOf()
	g.contexts = append(g.contexts, ctx)
	ctx.group = g
	return v, nil
}

func (rt *Runtime) sortedContexts() []*CallbackContext {
	out := make([]*CallbackContext, 0, len(rt.contexts))
	for _, ctx := range rt.contexts {
		out = append(out, ctx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (rt *Runtime) newContext(c *Capability, owner uint64) *CallbackContext {
	rt.nextContext++
	ctx := &CallbackContext{rt: rt, id: rt.nextContext, capability: c, owner: owner}
	if rt.opts.TrackRetainingPath {
		ctx.origin = allocationOrigin()
	}
	rt.contexts[ctx.id] = ctx
	rt.contextCount.Add(1)
	return ctx
}

// releaseContext detaches the script-side functions and destroys the
// context, or marks it for destruction when a call is in flight.
func (rt *Runtime) releaseContext(ctx *CallbackContext) error {
	if ctx.state != contextActive {
		return nil
	}
	err := rt.engine.Eval("__bridge.unbind(" + strconv.Itoa(ctx.id) + ")")
	if ctx.inflight > 0 {
		ctx.state = contextReleasing
		Logger().Warn("callback context release deferred until in-flight calls return",
			zap.Uint64("runtime", rt.id),
			zap.Int("context", ctx.id),
			zap.Int("inflight", ctx.inflight),
		)
	} else {
		rt.destroyContext(ctx)
	}
	if err != nil {
		return rt.scriptError(err)
	}
	return nil
}

func (rt *Runtime) destroyContext(ctx *CallbackContext) {
	if ctx.state == contextReleased {
		return
	}
	ctx.state = contextReleased
	ctx.capability = nil
	ctx.released.Store(true)
	delete(rt.contexts, ctx.id)
	rt.contextCount.Add(-1)
}

// dispatch is the trampoline every script-visible host function calls. It
// runs on the goroutine executing the script, which already owns the slot.
func (rt *Runtime) dispatch(ctxID, opIndex int, self, argsJSON string) (string, error) {
	ctx := rt.contexts[ctxID]
	if ctx == nil || ctx.state == contextReleased {
		return "", fmt.Errorf("callback context %d is released", ctxID)
	}
	if opIndex < 0 || opIndex >= len(ctx.capability.ops) {
		return "", fmt.Errorf("%s has no operation %d", ctx.capability.name, opIndex)
	}
	if err := rt.enter("dispatch"); err != nil {
		return "", err
	}
	defer rt.leave()

	operation := ctx.capability.ops[opIndex]
	ctx.inflight++
	defer rt.settle(ctx)

	call, err := rt.newCall(operation.Name, self, argsJSON)
	if err != nil {
		return "", err
	}
	defer rt.endCall(call)

	result, err := invokeHost(operation.Fn, call)
	if err != nil {
		return "", err
	}
	return rt.encode(operation.Name, result)
}

func (rt *Runtime) newCall(op, self, argsJSON string) (*Call, error) {
	var raw []string
	if err := json.Unmarshal([]byte(argsJSON), &raw); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, errMalformedReply, err)
	}
	call := &Call{Runtime: rt, Operation: op, Args: make([]*Value, 0, len(raw))}
	this, err := rt.adopt(op, self, true)
	if err != nil {
		return nil, err
	}
	call.This = this
	for _, s := range raw {
		arg, err := rt.adopt(op, s, true)
		if err != nil {
			rt.endCall(call)
			return nil, err
		}
		call.Args = append(call.Args, arg)
	}
	return call, nil
}

// endCall closes the transient handles of a call. Their engine slots are
// freed by the calling stub.
func (rt *Runtime) endCall(call *Call) {
	_ = rt.release(call.This)
	for _, a := range call.Args {
		_ = rt.release(a)
	}
}

func (rt *Runtime) settle(ctx *CallbackContext) {
	ctx.inflight--
	if ctx.inflight == 0 && ctx.state == contextReleasing {
		rt.destroyContext(ctx)
		Logger().Debug("deferred callback context destroyed",
			zap.Uint64("runtime", rt.id),
			zap.Int("context", ctx.id),
		)
	}
}

func invokeHost(fn HostFunc, call *Call) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("host function panicked: %v", p)
		}
	}()
	return fn(call)
}
