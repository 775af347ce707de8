package jsbridge

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

// aliasGroup is shared by a handle and every Dup of it. Callback contexts
// bound through any member are released when the last member closes.
type aliasGroup struct {
	refs     int
	contexts []*CallbackContext
}

// HandleInfo describes a live handle for leak diagnostics.
type HandleInfo struct {
	ID     uint64
	Kind   Kind
	Origin string // empty unless track-retaining-path is set
}

// track registers a handle for an engine slot. Caller holds the slot.
func (rt *Runtime) track(slot int, kind Kind, payload string) *Value {
	rt.nextHandle++
	v := &Value{
		rt:      rt,
		id:      rt.nextHandle,
		slot:    slot,
		kind:    kind,
		payload: payload,
	}
	if rt.opts.TrackRetainingPath {
		v.origin = allocationOrigin()
	}
	rt.handles[v.id] = v
	rt.handleCount.Add(1)
	return v
}

// adopt parses a wrapped reply from the prelude and registers it.
// engineOwned handles have their slot freed by the prelude itself.
func (rt *Runtime) adopt(op, wrapped string, engineOwned bool) (*Value, error) {
	slot, kind, payload, err := parseWrapped(wrapped)
	if err != nil {
		if slot > 0 && !engineOwned {
			err = multierr.Append(err, rt.engine.Eval("__bridge.free("+strconv.Itoa(slot)+")"))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	v := rt.track(slot, kind, payload)
	v.engineOwned = engineOwned
	return v, nil
}

// release closes v exactly once: the count drops, the engine slot is freed
// and, when v was the last member of its alias group, the contexts bound
// through the group are released. Caller holds the slot.
func (rt *Runtime) release(v *Value) error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	delete(rt.handles, v.id)
	rt.handleCount.Add(-1)

	var err error
	if !v.engineOwned {
		err = rt.engine.Eval("__bridge.free(" + strconv.Itoa(v.slot) + ")")
	}
	if g := v.group; g != nil {
		g.refs--
		if g.refs == 0 {
			for _, ctx := range g.contexts {
				if cerr := rt.releaseContext(ctx); cerr != nil && err == nil {
					err = cerr
				}
			}
			g.contexts = nil
		}
	}
	return err
}

// groupOf returns v's alias group, creating it on first use.
func (v *Value) groupOf() *aliasGroup {
	if v.group == nil {
		v.group = &aliasGroup{refs: 1}
	}
	return v.group
}

// slotOf resolves an argument handle to its engine slot. A nil handle
// stands for undefined.
func (rt *Runtime) slotOf(op string, v *Value) (int, error) {
	if v == nil {
		return 0, nil
	}
	if v.rt != rt {
		return 0, newError(KindForeignValue, op, v.String())
	}
	if v.closed.Load() {
		return 0, newError(KindUseAfterClose, op, v.String())
	}
	return v.slot, nil
}

// LiveHandles lists the open handles of the runtime in creation order.
func (rt *Runtime) LiveHandles() ([]HandleInfo, error) {
	if err := rt.enter("live-handles"); err != nil {
		return nil, err
	}
	defer rt.leave()
	out := make([]HandleInfo, 0, len(rt.handles))
	for _, v := range rt.handles {
		out = append(out, HandleInfo{ID: v.id, Kind: v.kind, Origin: v.origin})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// liveOrigins collects recorded allocation sites. Caller holds the slot.
func (rt *Runtime) liveOrigins() []string {
	if !rt.opts.TrackRetainingPath {
		return nil
	}
	var out []string
	for _, v := range rt.sortedHandles() {
		out = append(out, "handle "+v.String()+" from "+v.origin)
	}
	for _, ctx := range rt.sortedContexts() {
		out = append(out, "context "+ctx.String()+" from "+ctx.origin)
	}
	return out
}

func (rt *Runtime) sortedHandles() []*Value {
	out := make([]*Value, 0, len(rt.handles))
	for _, v := range rt.handles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

const packagePrefix = "github.com/cryguy/jsbridge."

// allocationOrigin returns the first caller frame outside this package,
// treating test files as outside.
func allocationOrigin() string {
	var pcs [16]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, packagePrefix) || strings.HasSuffix(f.File, "_test.go") {
			return f.Function + " " + f.File + ":" + strconv.Itoa(f.Line)
		}
		if !more {
			return "unknown"
		}
	}
}
