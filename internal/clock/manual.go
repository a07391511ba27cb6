package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests. Callbacks
// registered with AfterFunc run synchronously on the goroutine that calls
// Advance, in deadline order, with the manual time set to their deadline.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	m       *Manual
	seq     uint64
	at      time.Time
	fn      func()
	stopped bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f to run once the manual clock has advanced by d. A
// non-positive d still waits for the next Advance call.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d < 0 {
		d = 0
	}
	m.seq++
	timer := &manualTimer{m: m, seq: m.seq, at: m.now.Add(d), fn: f}
	m.timers = append(m.timers, timer)
	return timer
}

// Stop cancels the timer.
func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped {
		return false
	}
	for i, candidate := range t.m.timers {
		if candidate == t {
			t.m.timers = append(t.m.timers[:i], t.m.timers[i+1:]...)
			t.stopped = true
			return true
		}
	}
	t.stopped = true
	return false
}

// Advance moves time forward by d and fires any due timers, including
// timers scheduled by callbacks that fall due within the same window.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		next := m.nextDueLocked(target)
		if next == nil {
			break
		}
		if next.at.After(m.now) {
			m.now = next.at
		}
		next.stopped = true
		m.mu.Unlock()
		next.fn()
		m.mu.Lock()
	}
	m.now = target
	now := m.now
	m.mu.Unlock()
	return now
}

// nextDueLocked removes and returns the earliest timer due at or before
// target. Ties resolve in scheduling order.
func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	idx := -1
	for i, timer := range m.timers {
		if timer.at.After(target) {
			continue
		}
		if idx < 0 || timer.at.Before(m.timers[idx].at) ||
			(timer.at.Equal(m.timers[idx].at) && timer.seq < m.timers[idx].seq) {
			idx = i
		}
	}
	if idx < 0 {
		return nil
	}
	timer := m.timers[idx]
	m.timers = append(m.timers[:idx], m.timers[idx+1:]...)
	return timer
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
