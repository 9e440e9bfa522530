package orchestrator

import (
	"sync"
	"time"

	"github.com/example/emergency-dispatch/internal/observability"
)

// TimerRegistry holds at most one escalation timer per request. Every armed
// timer carries a generation; a callback whose generation is no longer the
// registered one does nothing, so Cancel is safe against a timer that has
// already fired.
type TimerRegistry struct {
	mu     sync.Mutex
	timers map[string]*timerEntry
	gen    uint64
}

type timerEntry struct {
	t        *time.Timer
	gen      uint64
	deadline time.Time
}

func NewTimerRegistry() *TimerRegistry {
	return &TimerRegistry{timers: make(map[string]*timerEntry)}
}

// Arm schedules fn at deadline, replacing any timer already armed for id.
func (r *TimerRegistry) Arm(id string, deadline time.Time, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(id)
	r.gen++
	g := r.gen
	e := &timerEntry{gen: g, deadline: deadline}
	e.t = time.AfterFunc(time.Until(deadline), func() {
		r.mu.Lock()
		cur, ok := r.timers[id]
		if !ok || cur.gen != g {
			r.mu.Unlock()
			return
		}
		delete(r.timers, id)
		observability.ActiveTimers.Set(float64(len(r.timers)))
		r.mu.Unlock()
		fn()
	})
	r.timers[id] = e
	observability.ActiveTimers.Set(float64(len(r.timers)))
}

// Cancel disarms the timer of id and reports whether one was armed.
func (r *TimerRegistry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok := r.stopLocked(id)
	observability.ActiveTimers.Set(float64(len(r.timers)))
	return ok
}

func (r *TimerRegistry) Deadline(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

func (r *TimerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Stop disarms every timer.
func (r *TimerRegistry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.timers {
		r.stopLocked(id)
	}
	observability.ActiveTimers.Set(0)
}

func (r *TimerRegistry) stopLocked(id string) bool {
	e, ok := r.timers[id]
	if !ok {
		return false
	}
	e.t.Stop()
	delete(r.timers, id)
	return true
}
