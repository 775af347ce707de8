package jsbridge

import (
	"strconv"
	"sync/atomic"

	"go.uber.org/multierr"
)

// Kind tags the engine value a handle refers to.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBoolean
	KindInteger // 32-bit integral number
	KindLong    // BigInt within int64
	KindDouble
	KindString
	KindSymbol
	KindObject
	KindArray
	KindFunction
	KindMap
	KindSet
	KindPromise
	KindErrorObject
)

var kindNames = [...]string{
	KindUndefined:   "undefined",
	KindNull:        "null",
	KindBoolean:     "boolean",
	KindInteger:     "integer",
	KindLong:        "long",
	KindDouble:      "double",
	KindString:      "string",
	KindSymbol:      "symbol",
	KindObject:      "object",
	KindArray:       "array",
	KindFunction:    "function",
	KindMap:         "map",
	KindSet:         "set",
	KindPromise:     "promise",
	KindErrorObject: "error",
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = Kind(k)
	}
	return m
}()

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// IsPrimitive reports whether values of the kind are immutable scalars.
func (k Kind) IsPrimitive() bool {
	return k <= KindSymbol
}

// IsObject reports whether values of the kind accept properties.
func (k Kind) IsObject() bool {
	return k >= KindObject
}

// Value is a host handle to an engine-resident value. Every Value must be
// closed; Close is idempotent. Handles are bound to the runtime that issued
// them and may only be used while it is open.
type Value struct {
	rt      *Runtime
	id      uint64
	slot    int
	kind    Kind
	payload string // primitive rendering captured at wrap time
	closed  atomic.Bool

	// guarded by the runtime's slot
	engineOwned bool
	group       *aliasGroup
	origin      string
}

// ID returns the handle's identity token, unique within its runtime.
func (v *Value) ID() uint64 { return v.id }

// Kind returns the kind of the referenced value.
func (v *Value) Kind() Kind { return v.kind }

// Runtime returns the owning runtime.
func (v *Value) Runtime() *Runtime { return v.rt }

// Closed reports whether the handle has been closed.
func (v *Value) Closed() bool { return v.closed.Load() }

func (v *Value) String() string {
	return "#" + strconv.FormatUint(v.id, 10) + "(" + v.kind.String() + ")"
}

// begin enters the owning runtime on behalf of an operation on v.
func (v *Value) begin(op string) (*Runtime, error) {
	if v == nil {
		return nil, newError(KindInvalidArgument, op, "nil value")
	}
	rt := v.rt
	if err := rt.enter(op); err != nil {
		return nil, err
	}
	if v.closed.Load() {
		rt.leave()
		return nil, newError(KindUseAfterClose, op, v.String())
	}
	return rt, nil
}

// check guards the lock-free accessors.
func (v *Value) check(op string, kinds ...Kind) error {
	if v == nil {
		return newError(KindInvalidArgument, op, "nil value")
	}
	if v.closed.Load() {
		return newError(KindUseAfterClose, op, v.String())
	}
	for _, k := range kinds {
		if v.kind == k {
			return nil
		}
	}
	return mismatch(op, kinds[0], v.kind)
}

func mismatch(op string, want, have Kind) *Error {
	return newError(KindTypeMismatch, op, "want "+want.String()+", have "+have.String())
}

// AsBoolean reads a boolean handle.
func (v *Value) AsBoolean() (bool, error) {
	if err := v.check("as-boolean", KindBoolean); err != nil {
		return false, err
	}
	return v.payload == "1", nil
}

// AsInteger reads a 32-bit integer handle.
func (v *Value) AsInteger() (int32, error) {
	if err := v.check("as-integer", KindInteger); err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v.payload, 10, 32)
	if err != nil {
		return 0, &Error{Kind: KindTypeMismatch, Op: "as-integer", Cause: err}
	}
	return int32(n), nil
}

// AsLong reads a 64-bit integer handle. Integer handles widen.
func (v *Value) AsLong() (int64, error) {
	if err := v.check("as-long", KindLong, KindInteger); err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v.payload, 10, 64)
	if err != nil {
		return 0, &Error{Kind: KindTypeMismatch, Op: "as-long", Detail: "outside int64", Cause: err}
	}
	return n, nil
}

// AsDouble reads a double handle. Integer handles widen.
func (v *Value) AsDouble() (float64, error) {
	if err := v.check("as-double", KindDouble, KindInteger); err != nil {
		return 0, err
	}
	return parseDouble(v.payload)
}

// AsString reads a string handle. Use ToString to coerce other kinds.
func (v *Value) AsString() (string, error) {
	if err := v.check("as-string", KindString); err != nil {
		return "", err
	}
	return v.payload, nil
}

// IsNullish reports whether the handle refers to null or undefined.
func (v *Value) IsNullish() bool {
	return v.kind == KindNull || v.kind == KindUndefined
}

// ToString converts the value with the engine's String() semantics.
func (v *Value) ToString() (string, error) {
	if v != nil && v.kind == KindString && !v.closed.Load() {
		return v.payload, nil
	}
	rt, err := v.begin("to-string")
	if err != nil {
		return "", err
	}
	defer rt.leave()
	s, err := rt.engine.EvalString("__bridge.str(" + strconv.Itoa(v.slot) + ")")
	if err != nil {
		return "", rt.scriptError(err)
	}
	return s, nil
}

// Dup returns a new, independently counted handle to the same engine value.
func (v *Value) Dup() (*Value, error) {
	rt, err := v.begin("dup")
	if err != nil {
		return nil, err
	}
	defer rt.leave()
	return rt.dup(v)
}

func (rt *Runtime) dup(v *Value) (*Value, error) {
	slot, err := rt.engine.EvalInt("__bridge.dup(" + strconv.Itoa(v.slot) + ")")
	if err != nil {
		return nil, rt.scriptError(err)
	}
	nv := rt.track(slot, v.kind, v.payload)
	g := v.groupOf()
	g.refs++
	nv.group = g
	return nv, nil
}

// Close releases the handle. Closing an already closed handle is a no-op.
func (v *Value) Close() error {
	if v == nil || v.closed.Load() {
		return nil
	}
	rt := v.rt
	if err := rt.enter("close"); err != nil {
		return err
	}
	defer rt.leave()
	return rt.release(v)
}

// CloseAll closes every handle and combines the failures.
func CloseAll(values ...*Value) error {
	var err error
	for _, v := range values {
		err = multierr.Append(err, v.Close())
	}
	return err
}

// Call invokes a function handle with receiver as this (nil for undefined).
// Arguments stay owned by the caller; the result is a new handle.
func (v *Value) Call(receiver *Value, args ...*Value) (*Value, error) {
	rt, err := v.begin("call")
	if err != nil {
		return nil, err
	}
	defer rt.leave()
	if v.kind != KindFunction {
		return nil, mismatch("call", KindFunction, v.kind)
	}
	recv, err := rt.slotOf("call", receiver)
	if err != nil {
		return nil, err
	}

	b := make([]byte, 0, 32+8*len(args))
	if len(args) == 0 {
		b = append(b, "__bridge.call0("...)
		b = strconv.AppendInt(b, int64(v.slot), 10)
		b = append(b, ',')
		b = strconv.AppendInt(b, int64(recv), 10)
		b = append(b, ')')
		return rt.evalWrapped("call", string(b))
	}

	b = append(b, "__bridge.call("...)
	b = strconv.AppendInt(b, int64(v.slot), 10)
	b = append(b, ',')
	b = strconv.AppendInt(b, int64(recv), 10)
	b, err = rt.appendSlots(b, "call", args)
	if err != nil {
		return nil, err
	}
	b = append(b, ')')
	return rt.evalWrapped("call", string(b))
}

// Invoke calls the named method on an object handle.
func (v *Value) Invoke(method string, args ...*Value) (*Value, error) {
	rt, err := v.begin("invoke")
	if err != nil {
		return nil, err
	}
	defer rt.leave()
	if !v.kind.IsObject() {
		return nil, mismatch("invoke", KindObject, v.kind)
	}

	b := make([]byte, 0, 48+len(method)+8*len(args))
	if len(args) == 0 {
		b = append(b, "__bridge.invoke0("...)
		b = strconv.AppendInt(b, int64(v.slot), 10)
		b = append(b, ',')
		b = append(b, jsString(method)...)
		b = append(b, ')')
		return rt.evalWrapped("invoke", string(b))
	}

	b = append(b, "__bridge.invoke("...)
	b = strconv.AppendInt(b, int64(v.slot), 10)
	b = append(b, ',')
	b = append(b, jsString(method)...)
	b, err = rt.appendSlots(b, "invoke", args)
	if err != nil {
		return nil, err
	}
	b = append(b, ')')
	return rt.evalWrapped("invoke", string(b))
}

// New calls a constructor handle as with the new operator.
func (v *Value) New(args ...*Value) (*Value, error) {
	rt, err := v.begin("new")
	if err != nil {
		return nil, err
	}
	defer rt.leave()
	if v.kind != KindFunction {
		return nil, mismatch("new", KindFunction, v.kind)
	}
	b := append(make([]byte, 0, 32+8*len(args)), "__bridge.construct("...)
	b = strconv.AppendInt(b, int64(v.slot), 10)
	b, err = rt.appendSlots(b, "new", args)
	if err != nil {
		return nil, err
	}
	b = append(b, ')')
	return rt.evalWrapped("new", string(b))
}

// appendSlots appends ",[s1,s2,...]" for the argument handles.
func (rt *Runtime) appendSlots(b []byte, op string, args []*Value) ([]byte, error) {
	b = append(b, ",["...)
	for i, a := range args {
		slot, err := rt.slotOf(op, a)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendInt(b, int64(slot), 10)
	}
	return append(b, ']'), nil
}
