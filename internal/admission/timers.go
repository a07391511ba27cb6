package admission

import (
	"context"

	"pkt.systems/voicelease/api"
	"pkt.systems/voicelease/internal/svcfields"
)

// scheduleLeaseTimersLocked arms the staged warnings, the final warning and
// the expiry of l. Thresholds that do not fall strictly inside the lease
// are skipped.
func (c *Controller) scheduleLeaseTimersLocked(l *lease) {
	for _, left := range c.cfg.WarningThresholds {
		if left >= l.duration {
			continue
		}
		minutes := ceilMinutes(left)
		l.timers = append(l.timers, c.clock.AfterFunc(l.duration-left, func() {
			c.onLeaseWarning(l, api.Event{
				Kind:        api.EventTimeWarning,
				MinutesLeft: minutes,
				Message:     messageTimeWarning(minutes),
			})
		}))
	}
	if grace := c.cfg.FinalWarningGrace; grace > 0 && grace < l.duration {
		seconds := ceilSeconds(grace)
		l.timers = append(l.timers, c.clock.AfterFunc(l.duration-grace, func() {
			c.onLeaseWarning(l, api.Event{
				Kind:        api.EventTimeWarningFinal,
				SecondsLeft: seconds,
				Message:     messageTimeWarningFinal(seconds),
			})
		}))
	}
	l.timers = append(l.timers, c.clock.AfterFunc(l.duration, func() { c.onLeaseExpiry(l) }))
}

func (c *Controller) onLeaseWarning(l *lease, ev api.Event) {
	c.mu.Lock()
	if c.closed || !c.leases.current(l) {
		c.mu.Unlock()
		return
	}
	ev.UserID = l.userID
	ev.LeaseID = l.id
	ev.At = c.clock.Now()
	c.mu.Unlock()

	svcfields.WithLease(c.logger, l.id).Debug("admission.lease.warning", "kind", ev.Kind, "minutes_left", ev.MinutesLeft, "seconds_left", ev.SecondsLeft)
	c.dispatch(context.Background(), batch{ev})
}

func (c *Controller) onLeaseExpiry(l *lease) {
	var events batch
	c.mu.Lock()
	if c.closed || !c.leases.current(l) {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	c.releaseLocked(l, api.ReasonTimeExpired, now, &events)
	c.scheduleDrainLocked()
	c.mu.Unlock()

	svcfields.WithUser(svcfields.WithLease(c.logger, l.id), l.userID).Info("admission.lease.expired", "held", now.Sub(l.started))
	c.dispatch(context.Background(), events)
}

// scheduleDrainLocked (re)arms the debounced drain. A new release inside
// the debounce or settle window restarts the whole sequence.
func (c *Controller) scheduleDrainLocked() {
	c.cancelDrainLocked()
	gen := c.drainGen
	c.drainTimer = c.clock.AfterFunc(c.cfg.DrainDebounce, func() { c.runDrain(gen) })
}

func (c *Controller) cancelDrainLocked() {
	c.drainGen++
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
}

func (c *Controller) runDrain(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.drainGen {
		return
	}
	c.drainTimer = nil
	if c.queue.len() == 0 || c.leases.len() >= c.cfg.MaxConcurrent {
		c.metrics.recordDrain("skipped")
		return
	}
	c.settleTimer = c.clock.AfterFunc(c.cfg.DrainSettle, func() { c.runSettle(gen) })
}

// runSettle re-checks capacity after the settle delay. When the slot is
// still free the head entry is told it may claim and leaves the queue; the
// slot itself is never reserved for it.
func (c *Controller) runSettle(gen uint64) {
	var events batch
	c.mu.Lock()
	if c.closed || gen != c.drainGen {
		c.mu.Unlock()
		return
	}
	c.settleTimer = nil
	head := c.queue.head()
	if head == nil || c.leases.len() >= c.cfg.MaxConcurrent {
		c.mu.Unlock()
		c.metrics.recordDrain("occupied")
		return
	}
	now := c.clock.Now()
	moved := c.queue.remove(head)
	events = append(events, api.Event{
		Kind:    api.EventQueueYourTurn,
		UserID:  head.userID,
		Message: messageQueueYourTurn,
		At:      now,
	})
	c.positionEventsLocked(moved, now, &events)
	c.metrics.setLevels(c.leases.len(), c.queue.len())
	c.mu.Unlock()

	c.metrics.recordDrain("notified")
	c.logger.Debug("admission.queue.drain", "user_id", head.userID, "remaining", len(moved))
	c.dispatch(context.Background(), events)
}
