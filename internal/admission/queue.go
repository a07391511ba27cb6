package admission

import (
	"time"

	"pkt.systems/voicelease/internal/clock"
)

type queueEntry struct {
	userID   string
	joinedAt time.Time
	position int
	timeout  clock.Timer
}

// waitQueue keeps claimants in arrival order. Positions are 1-based and
// renumbered after every mutation.
type waitQueue struct {
	entries []*queueEntry
	byUser  map[string]*queueEntry
}

func newWaitQueue() *waitQueue {
	return &waitQueue{byUser: make(map[string]*queueEntry)}
}

func (q *waitQueue) len() int {
	return len(q.entries)
}

func (q *waitQueue) get(userID string) (*queueEntry, bool) {
	e, ok := q.byUser[userID]
	return e, ok
}

func (q *waitQueue) current(e *queueEntry) bool {
	stored, ok := q.byUser[e.userID]
	return ok && stored == e
}

func (q *waitQueue) push(e *queueEntry) {
	q.entries = append(q.entries, e)
	q.byUser[e.userID] = e
	e.position = len(q.entries)
}

// remove drops e and returns the entries whose position changed.
func (q *waitQueue) remove(e *queueEntry) []*queueEntry {
	if !q.current(e) {
		return nil
	}
	if e.timeout != nil {
		e.timeout.Stop()
		e.timeout = nil
	}
	delete(q.byUser, e.userID)
	for i, candidate := range q.entries {
		if candidate == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return q.renumber()
}

func (q *waitQueue) head() *queueEntry {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// clear empties the queue and returns the dropped entries in order.
func (q *waitQueue) clear() []*queueEntry {
	dropped := q.entries
	for _, e := range dropped {
		if e.timeout != nil {
			e.timeout.Stop()
			e.timeout = nil
		}
	}
	q.entries = nil
	q.byUser = make(map[string]*queueEntry)
	return dropped
}

func (q *waitQueue) renumber() []*queueEntry {
	var moved []*queueEntry
	for i, e := range q.entries {
		if e.position != i+1 {
			e.position = i + 1
			moved = append(moved, e)
		}
	}
	return moved
}
