package eventloop

import (
	"fmt"
	"sync"
	"time"

	"github.com/cryguy/jsbridge/internal/core"
	"go.uber.org/multierr"
)

// timersJS installs setTimeout/setInterval/clearTimeout/clearInterval. The
// callbacks live in globalThis.__timerCallbacks; Go only tracks scheduling.
const timersJS = `
(function() {
	Object.defineProperty(globalThis, '__timerCallbacks', { value: {}, writable: true });
	globalThis.setTimeout = function(fn, delay) {
		if (arguments.length === 0 || typeof fn !== 'function') {
			return 0;
		}
		var args = [];
		for (var i = 2; i < arguments.length; i++) args.push(arguments[i]);
		var id = __timerRegister(delay || 0, false);
		globalThis.__timerCallbacks[id] = { fn: fn, args: args };
		return id;
	};
	globalThis.setInterval = function(fn, interval) {
		if (arguments.length === 0 || typeof fn !== 'function') {
			return 0;
		}
		var args = [];
		for (var i = 2; i < arguments.length; i++) args.push(arguments[i]);
		var id = __timerRegister(interval || 0, true);
		globalThis.__timerCallbacks[id] = { fn: fn, args: args, interval: true };
		return id;
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (arguments.length === 0 || typeof id !== 'number') {
			return;
		}
		__timerClear(id);
		delete globalThis.__timerCallbacks[id];
	};
})();
`

// MinInterval is the shortest period a setInterval timer runs at.
const MinInterval = 10 * time.Millisecond

// timerEntry represents a pending setTimeout or setInterval callback.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
	cleared  bool
}

// EventLoop manages Go-backed timers for setTimeout/setInterval with real
// wall-clock delays.
type EventLoop struct {
	mu     sync.Mutex
	timers map[int]*timerEntry
	nextID int
}

// New creates a new EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
	}
}

// Setup registers the timer trampolines and installs the timer globals.
func (el *EventLoop) Setup(rt core.JSRuntime) error {
	if err := rt.RegisterFunc("__timerRegister", func(delayMs int, isInterval bool) int {
		return el.RegisterTimer(time.Duration(delayMs)*time.Millisecond, isInterval)
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__timerClear", func(id int) {
		el.ClearTimer(id)
	}); err != nil {
		return err
	}
	return rt.Eval(timersJS)
}

// RegisterTimer creates a timer entry and returns its ID.
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	id := el.nextID
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
	}
	if isInterval {
		if delay < MinInterval {
			delay = MinInterval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

// fireTimer invokes the JS-side callback for id.
func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) error {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id)
	if err := rt.Eval(js); err != nil {
		return fmt.Errorf("timer %d: %w", id, err)
	}
	return nil
}

// next returns the earliest live timer, or nil.
func (el *EventLoop) next() *timerEntry {
	el.mu.Lock()
	defer el.mu.Unlock()
	var next *timerEntry
	for _, t := range el.timers {
		if t.cleared {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) || (t.deadline.Equal(next.deadline) && t.id < next.id) {
			next = t
		}
	}
	return next
}

// Step fires the earliest timer if it comes due by deadline, sleeping
// until then, and pumps microtasks after it. It reports false when no
// timer can fire before deadline. Must be called by the goroutine that
// owns rt.
func (el *EventLoop) Step(rt core.JSRuntime, deadline time.Time) (bool, error) {
	next := el.next()
	if next == nil {
		return false, nil
	}
	if wait := time.Until(next.deadline); wait > 0 {
		if time.Now().Add(wait).After(deadline) {
			return false, nil
		}
		time.Sleep(wait)
	}
	if time.Now().After(deadline) {
		return false, nil
	}

	el.mu.Lock()
	if next.cleared {
		el.mu.Unlock()
		return true, nil
	}
	timerID := next.id
	if next.interval > 0 {
		next.deadline = time.Now().Add(next.interval)
	} else {
		delete(el.timers, next.id)
	}
	el.mu.Unlock()

	err := el.fireTimer(rt, timerID)
	rt.RunMicrotasks()
	return true, err
}

// Drain fires pending timers in deadline order until none remain or the
// next one falls after deadline. A throwing callback does not stop the
// loop; every failure is returned combined.
func (el *EventLoop) Drain(rt core.JSRuntime, deadline time.Time) error {
	var errs error
	rt.RunMicrotasks()
	for {
		fired, err := el.Step(rt, deadline)
		errs = multierr.Append(errs, err)
		if !fired {
			return errs
		}
	}
}

// Pending returns the number of active timers.
func (el *EventLoop) Pending() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers)
}

// HasPending returns true if there are any active timers.
func (el *EventLoop) HasPending() bool {
	return el.Pending() > 0
}

// Reset clears all timers.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
}
