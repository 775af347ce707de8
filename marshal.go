package jsbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var errMalformedReply = errors.New("malformed bridge reply")

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// parseWrapped splits an "id:kind:payload" reply.
func parseWrapped(s string) (slot int, kind Kind, payload string, err error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return 0, 0, "", fmt.Errorf("%w: %q", errMalformedReply, s)
	}
	slot, err = strconv.Atoi(s[:i])
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: %q", errMalformedReply, s)
	}
	// The slot is reported even when the rest is malformed so the caller
	// can free it.
	kind, payload, err = parsePrim(s[i+1:])
	return slot, kind, payload, err
}

// parsePrim splits a "kind:payload" reply.
func parsePrim(s string) (Kind, string, error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return 0, "", fmt.Errorf("%w: %q", errMalformedReply, s)
	}
	kind, ok := kindByName[s[:i]]
	if !ok {
		return 0, "", fmt.Errorf("%w: unknown kind %q", errMalformedReply, s[:i])
	}
	return kind, s[i+1:], nil
}

func parseDouble(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &Error{Kind: KindTypeMismatch, Op: "as-double", Cause: err}
	}
	return f, nil
}

// formatDouble renders f so that Number() in the engine restores it exactly.
func formatDouble(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0 && math.Signbit(f):
		return "-0"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func encBool(b bool) string {
	if b {
		return "boolean:1"
	}
	return "boolean:0"
}

func encInteger(n int32) string { return "integer:" + strconv.FormatInt(int64(n), 10) }
func encLong(n int64) string    { return "long:" + strconv.FormatInt(n, 10) }
func encDouble(f float64) string {
	return "double:" + formatDouble(f)
}

// encInt maps a Go int onto a Number, falling back to BigInt only when the
// value cannot be represented exactly as a double.
func encInt(n int64) string {
	switch {
	case n >= math.MinInt32 && n <= math.MaxInt32:
		return encInteger(int32(n))
	case n >= -(1<<53) && n <= 1<<53:
		return "double:" + strconv.FormatInt(n, 10)
	default:
		return encLong(n)
	}
}

// encode renders a Go value in the prelude's input format. Caller holds
// the slot when x may be a *Value.
func (rt *Runtime) encode(op string, x any) (string, error) {
	switch t := x.(type) {
	case nil:
		return "null:", nil
	case *Value:
		if t == nil {
			return "undefined:", nil
		}
		slot, err := rt.slotOf(op, t)
		if err != nil {
			return "", err
		}
		return "slot:" + strconv.Itoa(slot), nil
	case bool:
		return encBool(t), nil
	case string:
		return "string:" + t, nil
	case int:
		return encInt(int64(t)), nil
	case int8:
		return encInteger(int32(t)), nil
	case int16:
		return encInteger(int32(t)), nil
	case int32:
		return encInteger(t), nil
	case int64:
		return encLong(t), nil
	case uint8:
		return encInteger(int32(t)), nil
	case uint16:
		return encInteger(int32(t)), nil
	case uint32:
		return encInt(int64(t)), nil
	case uint:
		if uint64(t) > math.MaxInt64 {
			return "", newError(KindInvalidArgument, op, "uint outside int64")
		}
		return encInt(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return "", newError(KindInvalidArgument, op, "uint64 outside int64")
		}
		return encLong(int64(t)), nil
	case float32:
		return encDouble(float64(t)), nil
	case float64:
		return encDouble(t), nil
	case json.RawMessage:
		return "json:" + string(t), nil
	}
	data, err := json.Marshal(x)
	if err != nil {
		return "", &Error{Kind: KindInvalidArgument, Op: op, Detail: fmt.Sprintf("cannot marshal %T", x), Cause: err}
	}
	return "json:" + string(data), nil
}

// declaredKind returns the kind the host asked for, or "" to let the
// engine classify the decoded value.
func declaredKind(enc string) string {
	i := strings.IndexByte(enc, ':')
	switch k := enc[:i]; k {
	case "undefined", "null", "boolean", "integer", "long", "double", "string":
		return k
	}
	return ""
}

func (rt *Runtime) make(op, enc string) (*Value, error) {
	if err := rt.enter(op); err != nil {
		return nil, err
	}
	defer rt.leave()
	return rt.makeLocked(op, enc)
}

func (rt *Runtime) makeLocked(op, enc string) (*Value, error) {
	return rt.evalWrapped(op, "__bridge.make("+jsString(enc)+",'"+declaredKind(enc)+"')")
}

// NewUndefined returns a handle to undefined.
func (rt *Runtime) NewUndefined() (*Value, error) { return rt.make("new-undefined", "undefined:") }

// NewNull returns a handle to null.
func (rt *Runtime) NewNull() (*Value, error) { return rt.make("new-null", "null:") }

// NewBoolean returns a boolean handle.
func (rt *Runtime) NewBoolean(b bool) (*Value, error) { return rt.make("new-boolean", encBool(b)) }

// NewInteger returns a 32-bit integer handle.
func (rt *Runtime) NewInteger(n int32) (*Value, error) {
	return rt.make("new-integer", encInteger(n))
}

// NewLong returns a handle to a BigInt holding n.
func (rt *Runtime) NewLong(n int64) (*Value, error) { return rt.make("new-long", encLong(n)) }

// NewDouble returns a double handle. NaN, infinities and negative zero
// survive the crossing.
func (rt *Runtime) NewDouble(f float64) (*Value, error) {
	return rt.make("new-double", encDouble(f))
}

// NewString returns a string handle.
func (rt *Runtime) NewString(s string) (*Value, error) { return rt.make("new-string", "string:"+s) }

// NewObject returns a handle to a new empty object.
func (rt *Runtime) NewObject() (*Value, error) { return rt.make("new-object", "object:") }

// NewArray returns a handle to a new empty array.
func (rt *Runtime) NewArray() (*Value, error) { return rt.make("new-array", "array:") }

// NewMap returns a handle to a new empty Map.
func (rt *Runtime) NewMap() (*Value, error) { return rt.make("new-map", "map:") }

// NewSet returns a handle to a new empty Set.
func (rt *Runtime) NewSet() (*Value, error) { return rt.make("new-set", "set:") }

// ToValue converts a Go value into a new handle. Scalars use the primitive
// paths; *Value is duplicated; anything else crosses as JSON.
func (rt *Runtime) ToValue(x any) (*Value, error) {
	if err := rt.enter("to-value"); err != nil {
		return nil, err
	}
	defer rt.leave()
	if v, ok := x.(*Value); ok && v != nil {
		if _, err := rt.slotOf("to-value", v); err != nil {
			return nil, err
		}
		return rt.dup(v)
	}
	enc, err := rt.encode("to-value", x)
	if err != nil {
		return nil, err
	}
	return rt.makeLocked("to-value", enc)
}

// Export converts the value into plain Go data: nil, bool, int32, int64,
// float64, string, or the JSON decoding of objects, arrays, maps and sets.
func (v *Value) Export() (any, error) {
	if v == nil {
		return nil, newError(KindInvalidArgument, "export", "nil value")
	}
	if v.closed.Load() {
		return nil, newError(KindUseAfterClose, "export", v.String())
	}
	switch v.kind {
	case KindUndefined, KindNull:
		return nil, nil
	case KindBoolean:
		return v.AsBoolean()
	case KindInteger:
		return v.AsInteger()
	case KindLong:
		return v.AsLong()
	case KindDouble:
		return v.AsDouble()
	case KindString:
		return v.payload, nil
	case KindSymbol, KindFunction, KindPromise:
		return nil, newError(KindTypeMismatch, "export", v.kind.String()+" has no plain form")
	}
	var out any
	if err := v.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode unmarshals the JSON form of the value into dst. BigInts render as
// decimal strings, Maps as objects and Sets as arrays.
func (v *Value) Decode(dst any) error {
	rt, err := v.begin("decode")
	if err != nil {
		return err
	}
	defer rt.leave()
	s, err := rt.engine.EvalString("__bridge.json(" + strconv.Itoa(v.slot) + ")")
	if err != nil {
		return rt.scriptError(err)
	}
	if s == "" {
		return newError(KindTypeMismatch, "decode", v.kind.String()+" has no JSON form")
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return &Error{Kind: KindTypeMismatch, Op: "decode", Cause: err}
	}
	return nil
}

// keyed enters the runtime for a property operation on v.
func (v *Value) keyed(op string) (*Runtime, error) {
	rt, err := v.begin(op)
	if err != nil {
		return nil, err
	}
	if v.IsNullish() {
		rt.leave()
		return nil, newError(KindTypeMismatch, op, "cannot access properties of "+v.kind.String())
	}
	return rt, nil
}

// Get reads a property (or a Map entry) into a new handle. Keys may be
// strings, numbers or handles.
func (v *Value) Get(key any) (*Value, error) {
	rt, err := v.keyed("get")
	if err != nil {
		return nil, err
	}
	defer rt.leave()
	k, err := rt.encode("get", key)
	if err != nil {
		return nil, err
	}
	return rt.evalWrapped("get", "__bridge.get("+strconv.Itoa(v.slot)+","+jsString(k)+")")
}

// Set writes a property (or a Map entry). val follows ToValue's rules.
func (v *Value) Set(key, val any) error {
	rt, err := v.keyed("set")
	if err != nil {
		return err
	}
	defer rt.leave()
	k, err := rt.encode("set", key)
	if err != nil {
		return err
	}
	enc, err := rt.encode("set", val)
	if err != nil {
		return err
	}
	return rt.setEncoded(v, k, enc)
}

func (rt *Runtime) setEncoded(v *Value, key, enc string) error {
	if err := rt.engine.Eval("__bridge.set(" + strconv.Itoa(v.slot) + "," + jsString(key) + "," + jsString(enc) + ")"); err != nil {
		return rt.scriptError(err)
	}
	return nil
}

// Has reports whether the property (or Map key) exists.
func (v *Value) Has(key any) (bool, error) {
	rt, err := v.keyed("has")
	if err != nil {
		return false, err
	}
	defer rt.leave()
	k, err := rt.encode("has", key)
	if err != nil {
		return false, err
	}
	ok, err := rt.engine.EvalBool("__bridge.has(" + strconv.Itoa(v.slot) + "," + jsString(k) + ")")
	if err != nil {
		return false, rt.scriptError(err)
	}
	return ok, nil
}

// Delete removes the property (or Map key).
func (v *Value) Delete(key any) (bool, error) {
	rt, err := v.keyed("delete")
	if err != nil {
		return false, err
	}
	defer rt.leave()
	k, err := rt.encode("delete", key)
	if err != nil {
		return false, err
	}
	ok, err := rt.engine.EvalBool("__bridge.del(" + strconv.Itoa(v.slot) + "," + jsString(k) + ")")
	if err != nil {
		return false, rt.scriptError(err)
	}
	return ok, nil
}

// Keys returns an array handle of the own enumerable keys (Map keys for a
// Map).
func (v *Value) Keys() (*Value, error) {
	rt, err := v.begin("keys")
	if err != nil {
		return nil, err
	}
	defer rt.leave()
	if !v.kind.IsObject() {
		return nil, mismatch("keys", KindObject, v.kind)
	}
	return rt.evalWrapped("keys", "__bridge.keys("+strconv.Itoa(v.slot)+")")
}

// Length returns the element count of an array, the size of a Map or Set,
// or the number of own enumerable keys of an object.
func (v *Value) Length() (int, error) {
	rt, err := v.begin("length")
	if err != nil {
		return 0, err
	}
	defer rt.leave()
	if !v.kind.IsObject() {
		return 0, mismatch("length", KindObject, v.kind)
	}
	n, err := rt.engine.EvalInt("__bridge.len(" + strconv.Itoa(v.slot) + ")")
	if err != nil {
		return 0, rt.scriptError(err)
	}
	return n, nil
}

// getPrim reads a property as "kind:payload" without issuing a handle.
func (v *Value) getPrim(op, key string) (Kind, string, error) {
	rt, err := v.keyed(op)
	if err != nil {
		return 0, "", err
	}
	defer rt.leave()
	out, err := rt.engine.EvalString("__bridge.prim(" + strconv.Itoa(v.slot) + "," + jsString("string:"+key) + ")")
	if err != nil {
		return 0, "", rt.scriptError(err)
	}
	kind, payload, err := parsePrim(out)
	if err != nil {
		return 0, "", fmt.Errorf("%s: %w", op, err)
	}
	return kind, payload, nil
}

// GetBoolean reads a boolean property without issuing a handle.
func (v *Value) GetBoolean(key string) (bool, error) {
	kind, p, err := v.getPrim("get-boolean", key)
	if err != nil {
		return false, err
	}
	if kind != KindBoolean {
		return false, mismatch("get-boolean", KindBoolean, kind)
	}
	return p == "1", nil
}

// GetInteger reads a 32-bit integer property without issuing a handle.
func (v *Value) GetInteger(key string) (int32, error) {
	kind, p, err := v.getPrim("get-integer", key)
	if err != nil {
		return 0, err
	}
	if kind != KindInteger {
		return 0, mismatch("get-integer", KindInteger, kind)
	}
	n, err := strconv.ParseInt(p, 10, 32)
	if err != nil {
		return 0, &Error{Kind: KindTypeMismatch, Op: "get-integer", Cause: err}
	}
	return int32(n), nil
}

// GetLong reads a BigInt (or 32-bit integer) property without issuing a
// handle.
func (v *Value) GetLong(key string) (int64, error) {
	kind, p, err := v.getPrim("get-long", key)
	if err != nil {
		return 0, err
	}
	if kind != KindLong && kind != KindInteger {
		return 0, mismatch("get-long", KindLong, kind)
	}
	n, err := strconv.ParseInt(p, 10, 64)
	if err != nil {
		return 0, &Error{Kind: KindTypeMismatch, Op: "get-long", Detail: "outside int64", Cause: err}
	}
	return n, nil
}

// GetDouble reads a numeric property without issuing a handle.
func (v *Value) GetDouble(key string) (float64, error) {
	kind, p, err := v.getPrim("get-double", key)
	if err != nil {
		return 0, err
	}
	if kind != KindDouble && kind != KindInteger {
		return 0, mismatch("get-double", KindDouble, kind)
	}
	return parseDouble(p)
}

// GetString reads a string property without issuing a handle.
func (v *Value) GetString(key string) (string, error) {
	kind, p, err := v.getPrim("get-string", key)
	if err != nil {
		return "", err
	}
	if kind != KindString {
		return "", mismatch("get-string", KindString, kind)
	}
	return p, nil
}

func (v *Value) setPrim(op, key, enc string) error {
	rt, err := v.keyed(op)
	if err != nil {
		return err
	}
	defer rt.leave()
	return rt.setEncoded(v, "string:"+key, enc)
}

// SetBoolean writes a boolean property.
func (v *Value) SetBoolean(key string, b bool) error {
	return v.setPrim("set-boolean", key, encBool(b))
}

// SetInteger writes a 32-bit integer property.
func (v *Value) SetInteger(key string, n int32) error {
	return v.setPrim("set-integer", key, encInteger(n))
}

// SetLong writes a BigInt property.
func (v *Value) SetLong(key string, n int64) error {
	return v.setPrim("set-long", key, encLong(n))
}

// SetDouble writes a double property.
func (v *Value) SetDouble(key string, f float64) error {
	return v.setPrim("set-double", key, encDouble(f))
}

// SetString writes a string property.
func (v *Value) SetString(key, s string) error {
	return v.setPrim("set-string", key, "string:"+s)
}
