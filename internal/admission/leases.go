package admission

import (
	"sort"
	"time"

	"github.com/rs/xid"

	"pkt.systems/voicelease/internal/clock"
)

// lease is exclusive ownership of the resource by one user. Timers refer
// back to it by pointer identity and never keep it alive in the store.
type lease struct {
	id       string
	userID   string
	started  time.Time
	duration time.Duration
	timers   []clock.Timer
}

func newLeaseID() string {
	return "lease_" + xid.New().String()
}

func (l *lease) expiresAt() time.Time {
	return l.started.Add(l.duration)
}

func (l *lease) remaining(now time.Time) time.Duration {
	left := l.expiresAt().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

func (l *lease) stopTimers() {
	clock.StopAll(l.timers...)
	l.timers = nil
}

type leaseStore struct {
	byID map[string]*lease
}

func newLeaseStore() *leaseStore {
	return &leaseStore{byID: make(map[string]*lease)}
}

func (s *leaseStore) len() int {
	return len(s.byID)
}

func (s *leaseStore) get(id string) (*lease, bool) {
	l, ok := s.byID[id]
	return l, ok
}

// current reports whether l is still the stored lease for its id.
func (s *leaseStore) current(l *lease) bool {
	stored, ok := s.byID[l.id]
	return ok && stored == l
}

func (s *leaseStore) put(l *lease) {
	s.byID[l.id] = l
}

func (s *leaseStore) remove(l *lease) {
	l.stopTimers()
	delete(s.byID, l.id)
}

func (s *leaseStore) holding(userID string) *lease {
	for _, l := range s.byID {
		if l.userID == userID {
			return l
		}
	}
	return nil
}

// all returns leases ordered by start time.
func (s *leaseStore) all() []*lease {
	out := make([]*lease, 0, len(s.byID))
	for _, l := range s.byID {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].started.Equal(out[j].started) {
			return out[i].id < out[j].id
		}
		return out[i].started.Before(out[j].started)
	})
	return out
}
