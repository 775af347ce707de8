package jsbridge

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// execSlot serializes engine access for one runtime. The goroutine holding
// the slot may re-enter it (host callbacks calling back into the runtime run
// on the same goroutine as the script that invoked them); any other
// goroutine waits, or is turned away when reject is set.
type execSlot struct {
	mu       sync.Mutex
	owner    atomic.Int64 // goroutine id, 0 when free
	depth    int          // guarded by ownership
	maxDepth int
	reject   bool
}

// enter acquires the slot and returns the nesting depth after entry.
func (s *execSlot) enter(op string) (int, error) {
	id := goroutineID()
	if s.owner.Load() == id {
		if s.maxDepth > 0 && s.depth >= s.maxDepth {
			return 0, newError(KindCallDepthExceeded, op, "depth "+strconv.Itoa(s.depth))
		}
		s.depth++
		return s.depth, nil
	}
	if s.reject {
		if !s.mu.TryLock() {
			return 0, newError(KindConcurrentAccess, op, "runtime is in use by another goroutine")
		}
	} else {
		s.mu.Lock()
	}
	s.owner.Store(id)
	s.depth = 1
	return 1, nil
}

func (s *execSlot) leave() {
	s.depth--
	if s.depth == 0 {
		s.owner.Store(0)
		s.mu.Unlock()
	}
}

// held reports whether the calling goroutine owns the slot.
func (s *execSlot) held() bool {
	return s.owner.Load() == goroutineID()
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the current goroutine's id from its stack header.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		id, err := strconv.ParseInt(string(b[:i]), 10, 64)
		if err == nil {
			return id
		}
	}
	return -1
}
