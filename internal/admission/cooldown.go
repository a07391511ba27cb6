package admission

import (
	"time"

	"pkt.systems/voicelease/internal/clock"
)

type cooldownEntry struct {
	userID  string
	expires time.Time
	timer   clock.Timer
}

// cooldownRegistry suppresses re-claims for a short time after a release.
type cooldownRegistry struct {
	byUser map[string]*cooldownEntry
}

func newCooldownRegistry() *cooldownRegistry {
	return &cooldownRegistry{byUser: make(map[string]*cooldownEntry)}
}

func (r *cooldownRegistry) len() int {
	return len(r.byUser)
}

// remaining returns how long userID stays in cooldown at now.
func (r *cooldownRegistry) remaining(userID string, now time.Time) (time.Duration, bool) {
	e, ok := r.byUser[userID]
	if !ok {
		return 0, false
	}
	left := e.expires.Sub(now)
	if left <= 0 {
		r.remove(e)
		return 0, false
	}
	return left, true
}

// add replaces any previous entry for the same user.
func (r *cooldownRegistry) add(e *cooldownEntry) {
	if prev, ok := r.byUser[e.userID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	r.byUser[e.userID] = e
}

func (r *cooldownRegistry) current(e *cooldownEntry) bool {
	stored, ok := r.byUser[e.userID]
	return ok && stored == e
}

func (r *cooldownRegistry) remove(e *cooldownEntry) {
	if !r.current(e) {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	delete(r.byUser, e.userID)
}

func (r *cooldownRegistry) clear() {
	for _, e := range r.byUser {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	r.byUser = make(map[string]*cooldownEntry)
}
