package jsbridge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

// ForEach visits every element of an array, Set, Map or object in order:
// ascending index for arrays, insertion order for Map and Set, own-key
// order for objects. The handle passed to fn is closed when fn returns;
// Dup it to keep it. An error from fn stops the walk and is returned.
func (v *Value) ForEach(fn func(val *Value) error) error {
	return v.walk("for-each", false, func(_ int, _, val *Value) error {
		return fn(val)
	})
}

// ForEachIndexed is ForEach with the 0-based position of each step.
func (v *Value) ForEachIndexed(fn func(i int, val *Value) error) error {
	return v.walk("for-each-indexed", false, func(i int, _, val *Value) error {
		return fn(i, val)
	})
}

// ForEachEntry visits the key/value pairs of an object or Map. Arrays
// yield their index as an integer key and Sets yield each value as its own
// key. Both handles are closed when fn returns.
func (v *Value) ForEachEntry(fn func(key, val *Value) error) error {
	return v.walk("for-each-entry", true, func(_ int, key, val *Value) error {
		return fn(key, val)
	})
}

// ForEachEntryIndexed is ForEachEntry with the 0-based position of each step.
func (v *Value) ForEachEntryIndexed(fn func(i int, key, val *Value) error) error {
	return v.walk("for-each-entry-indexed", true, fn)
}

// walk snapshots the collection inside the engine and steps through the
// snapshot, so every call re-walks the whole collection and mutation by
// the consumer does not disturb the order.
func (v *Value) walk(op string, keyed bool, step func(i int, key, val *Value) error) (err error) {
	rt, err := v.begin(op)
	if err != nil {
		return err
	}
	defer rt.leave()

	switch v.kind {
	case KindObject, KindMap, KindErrorObject, KindArray, KindSet:
	default:
		return mismatch(op, KindArray, v.kind)
	}

	out, err := rt.engine.EvalString("__bridge.snapshot(" + strconv.Itoa(v.slot) + ",'" + v.kind.String() + "')")
	if err != nil {
		return rt.scriptError(err)
	}
	sid, n, err := parseSnapshot(out)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		err = multierr.Append(err, rt.engine.Eval("__bridge.free("+sid+")"))
	}()

	for i := 0; i < n; i++ {
		key, val, err := rt.stepHandles(op, sid, i, keyed)
		if err != nil {
			return err
		}
		err = step(i, key, val)
		err = multierr.Append(err, rt.release(val))
		if key != nil {
			err = multierr.Append(err, rt.release(key))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// stepHandles issues the transient handles for step i of a snapshot.
func (rt *Runtime) stepHandles(op, sid string, i int, keyed bool) (key, val *Value, err error) {
	idx := strconv.Itoa(i)
	if !keyed {
		out, err := rt.engine.EvalString("__bridge.step(" + sid + "," + idx + ")")
		if err != nil {
			return nil, nil, rt.scriptError(err)
		}
		val, err = rt.adopt(op, out, false)
		return nil, val, err
	}

	out, err := rt.engine.EvalString("__bridge.stepEntry(" + sid + "," + idx + ")")
	if err != nil {
		return nil, nil, rt.scriptError(err)
	}
	var pair [2]string
	if err := json.Unmarshal([]byte(out), &pair); err != nil {
		return nil, nil, fmt.Errorf("%s: %w: %v", op, errMalformedReply, err)
	}
	if key, err = rt.adopt(op, pair[0], false); err != nil {
		return nil, nil, err
	}
	if val, err = rt.adopt(op, pair[1], false); err != nil {
		return nil, nil, multierr.Append(err, rt.release(key))
	}
	return key, val, nil
}

// parseSnapshot splits a "sid:len" reply. The id is kept as text since it
// only ever flows back into generated source.
func parseSnapshot(s string) (string, int, error) {
	sid, count, ok := strings.Cut(s, ":")
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", errMalformedReply, s)
	}
	n, err := strconv.Atoi(count)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", errMalformedReply, s)
	}
	return sid, n, nil
}
