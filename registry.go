package jsbridge

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Flavor selects the capability surface of a runtime.
type Flavor int

const (
	// FlavorBase offers execution, handles, binding and enumeration.
	FlavorBase Flavor = iota
	// FlavorExtended adds module resolution and event-loop pumping.
	FlavorExtended

	flavorCount
)

func (f Flavor) String() string {
	switch f {
	case FlavorBase:
		return "base"
	case FlavorExtended:
		return "extended"
	default:
		return "unknown"
	}
}

func (f Flavor) valid() bool {
	return f >= 0 && f < flavorCount
}

// runtimeRegistry is the only process-wide mutable state besides configs.
type runtimeRegistry struct {
	live     [flavorCount]atomic.Int64
	nextID   atomic.Uint64
	runtimes sync.Map // uint64 -> *Runtime
}

var registry runtimeRegistry

func (r *runtimeRegistry) add(rt *Runtime) {
	r.runtimes.Store(rt.id, rt)
	r.live[rt.flavor].Add(1)
}

func (r *runtimeRegistry) remove(rt *Runtime) {
	if _, loaded := r.runtimes.LoadAndDelete(rt.id); loaded {
		r.live[rt.flavor].Add(-1)
	}
}

// LiveCount returns the number of runtimes of the flavor that have been
// created and not yet closed.
func LiveCount(f Flavor) int {
	if !f.valid() {
		return 0
	}
	return int(registry.live[f].Load())
}

// LiveRuntimes lists every open runtime ordered by creation.
func LiveRuntimes() []*Runtime {
	var out []*Runtime
	registry.runtimes.Range(func(_, v any) bool {
		out = append(out, v.(*Runtime))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
