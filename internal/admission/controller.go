// Package admission limits the exclusive conversational resource to a fixed
// number of time-bounded leases, with an advisory FIFO wait queue and a
// cooldown that stops users from re-claiming right after a release.
package admission

import (
	"context"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/voicelease/api"
	"pkt.systems/voicelease/internal/clock"
	"pkt.systems/voicelease/internal/svcfields"
)

// Controller decides who may hold the conversational resource. Every read
// and mutation of the lease store, wait queue and cooldown registry happens
// under mu; timers re-acquire it when they fire and no-op when their target
// is gone.
type Controller struct {
	cfg      Config
	clock    clock.Clock
	logger   pslog.Logger
	notifier Notifier
	metrics  *admissionMetrics

	mu          sync.Mutex
	closed      bool
	leases      *leaseStore
	queue       *waitQueue
	cooldowns   *cooldownRegistry
	lastRelease time.Time
	drainGen    uint64
	drainTimer  clock.Timer
	settleTimer clock.Timer
}

// ClaimResult is the outcome of RequestClaim. Rejections are not errors.
type ClaimResult struct {
	Granted   bool
	LeaseID   string
	TimeLimit int
	ExpiresAt time.Time

	// Reason is api.RejectOccupied or api.RejectCooldown when not granted.
	Reason        string
	Position      int
	EstimatedWait int
	RetryAfter    time.Duration

	Message string
	Stats   api.Stats
}

// ReleaseResult is the outcome of ReleaseClaim.
type ReleaseResult struct {
	Released bool
	LeaseID  string
	UserID   string
	Reason   api.ReleaseReason
}

// ForceResult is the outcome of ForceReleaseAll.
type ForceResult struct {
	Released int
	Cleared  int
}

// events collected under the lock and delivered after it is released.
type batch []api.Event

// New constructs a controller. The caller owns its lifecycle and must call
// Close when done.
func New(cfg Config) (*Controller, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "admission.controller")
	return &Controller{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    logger,
		notifier:  cfg.Notifier,
		metrics:   newAdmissionMetrics(logger),
		leases:    newLeaseStore(),
		queue:     newWaitQueue(),
		cooldowns: newCooldownRegistry(),
	}, nil
}

// MaxConcurrent returns the configured lease capacity.
func (c *Controller) MaxConcurrent() int {
	return c.cfg.MaxConcurrent
}

// LeaseDuration returns the configured lease duration.
func (c *Controller) LeaseDuration() time.Duration {
	return c.cfg.LeaseDuration
}

// RequestClaim tries to grant userID a lease. A user in cooldown is
// rejected; otherwise the user gets a lease when capacity is free or is
// queued (keeping an existing position) when it is not.
func (c *Controller) RequestClaim(ctx context.Context, userID string) (ClaimResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ClaimResult{}, ErrInvalidUser
	}
	if err := ctx.Err(); err != nil {
		return ClaimResult{}, err
	}
	logger := c.loggerFor(ctx)
	var events batch

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ClaimResult{}, ErrClosed
	}
	now := c.clock.Now()

	if wait, cooling := c.cooldowns.remaining(userID, now); cooling {
		res := ClaimResult{
			Reason:     api.RejectCooldown,
			RetryAfter: wait,
			Message:    messageCooldown(wait),
			Stats:      c.statsLocked(now),
		}
		c.mu.Unlock()
		c.metrics.recordClaim("cooldown")
		logger.Debug("admission.claim.cooldown", "user_id", userID, "retry_after", wait)
		return res, nil
	}

	if held := c.leases.holding(userID); held != nil {
		res := c.grantedResultLocked(held, now)
		c.mu.Unlock()
		c.metrics.recordClaim("held")
		logger.Debug("admission.claim.already_held", "user_id", userID, "lease_id", held.id)
		return res, nil
	}

	if c.leases.len() < c.cfg.MaxConcurrent {
		l := c.createLeaseLocked(userID, now, &events)
		res := c.grantedResultLocked(l, now)
		c.mu.Unlock()
		c.metrics.recordClaim("granted")
		logger.Info("admission.lease.granted", "user_id", userID, "lease_id", l.id, "duration", l.duration)
		c.dispatch(ctx, events)
		return res, nil
	}

	entry, existing := c.queue.get(userID)
	if !existing {
		entry = &queueEntry{userID: userID, joinedAt: now}
		c.queue.push(entry)
		entry.timeout = c.clock.AfterFunc(c.cfg.QueueTimeout, func() { c.onQueueTimeout(entry) })
		events = append(events, api.Event{
			Kind:     api.EventQueueJoined,
			UserID:   userID,
			Position: entry.position,
			Message:  messageQueued(entry.position),
			At:       now,
		})
		c.metrics.setLevels(c.leases.len(), c.queue.len())
	}
	res := ClaimResult{
		Reason:        api.RejectOccupied,
		Position:      entry.position,
		EstimatedWait: c.estimatedWaitLocked(entry.position, now),
		Message:       messageQueued(entry.position),
		Stats:         c.statsLocked(now),
	}
	c.mu.Unlock()
	c.metrics.recordClaim("occupied")
	logger.Debug("admission.claim.queued", "user_id", userID, "position", res.Position, "existing", existing)
	c.dispatch(ctx, events)
	return res, nil
}

// ReleaseClaim ends a lease. Unknown or already released leases are a
// no-op reported through Released=false.
func (c *Controller) ReleaseClaim(ctx context.Context, leaseID string, reason api.ReleaseReason) (ReleaseResult, error) {
	leaseID = strings.TrimSpace(leaseID)
	if leaseID == "" {
		return ReleaseResult{}, ErrInvalidLease
	}
	if !reason.Valid() {
		return ReleaseResult{}, ErrInvalidReason
	}
	logger := c.loggerFor(ctx)
	var events batch

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ReleaseResult{}, ErrClosed
	}
	l, ok := c.leases.get(leaseID)
	if !ok {
		c.mu.Unlock()
		logger.Debug("admission.release.unknown", "lease_id", leaseID, "reason", reason)
		return ReleaseResult{LeaseID: leaseID, Reason: reason}, nil
	}
	now := c.clock.Now()
	c.releaseLocked(l, reason, now, &events)
	c.scheduleDrainLocked()
	c.mu.Unlock()

	logger.Info("admission.lease.released", "lease_id", leaseID, "user_id", l.userID, "reason", reason, "held", now.Sub(l.started))
	c.dispatch(ctx, events)
	return ReleaseResult{Released: true, LeaseID: leaseID, UserID: l.userID, Reason: reason}, nil
}

// ForceReleaseAll ends every lease with api.ReasonAdminStop, clears the
// wait queue without admitting anyone and cancels any pending drain.
func (c *Controller) ForceReleaseAll(ctx context.Context) (ForceResult, error) {
	logger := c.loggerFor(ctx)
	var events batch

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ForceResult{}, ErrClosed
	}
	now := c.clock.Now()
	var res ForceResult
	for _, l := range c.leases.all() {
		c.releaseLocked(l, api.ReasonAdminStop, now, &events)
		res.Released++
	}
	for _, e := range c.queue.clear() {
		events = append(events, api.Event{
			Kind:    api.EventQueueCleared,
			UserID:  e.userID,
			Message: messageQueueCleared,
			At:      now,
		})
		res.Cleared++
	}
	c.cancelDrainLocked()
	c.metrics.setLevels(c.leases.len(), c.queue.len())
	c.mu.Unlock()

	logger.Warn("admission.force_release_all", "released", res.Released, "cleared", res.Cleared)
	c.dispatch(ctx, events)
	return res, nil
}

// Stats returns a snapshot of the controller state.
func (c *Controller) Stats() api.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked(c.clock.Now())
}

// SessionInfo describes an active lease.
func (c *Controller) SessionInfo(leaseID string) (api.SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases.get(strings.TrimSpace(leaseID))
	if !ok {
		return api.SessionInfo{}, false
	}
	left := l.remaining(c.clock.Now())
	return api.SessionInfo{
		LeaseID:          l.id,
		UserID:           l.userID,
		StartedAt:        l.started.Unix(),
		ExpiresAt:        l.expiresAt().Unix(),
		RemainingSeconds: int64(left / time.Second),
		RemainingMinutes: ceilMinutes(left),
	}, true
}

// IsActive reports whether leaseID names an active lease.
func (c *Controller) IsActive(leaseID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.leases.get(strings.TrimSpace(leaseID))
	return ok
}

// QueuePosition reports the queue entry of userID.
func (c *Controller) QueuePosition(userID string) (api.QueuePosition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.queue.get(strings.TrimSpace(userID))
	if !ok {
		return api.QueuePosition{}, false
	}
	return api.QueuePosition{
		UserID:        e.userID,
		Position:      e.position,
		JoinedAt:      e.joinedAt.Unix(),
		EstimatedWait: c.estimatedWaitLocked(e.position, c.clock.Now()),
	}, true
}

// CancelQueue removes userID from the wait queue.
func (c *Controller) CancelQueue(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ErrInvalidUser
	}
	var events batch
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	e, ok := c.queue.get(userID)
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	now := c.clock.Now()
	c.positionEventsLocked(c.queue.remove(e), now, &events)
	c.metrics.setLevels(c.leases.len(), c.queue.len())
	c.mu.Unlock()
	c.loggerFor(ctx).Debug("admission.queue.cancelled", "user_id", userID)
	c.dispatch(ctx, events)
	return true, nil
}

// Close stops every timer. Further operations return ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, l := range c.leases.all() {
		c.leases.remove(l)
	}
	c.queue.clear()
	c.cooldowns.clear()
	c.cancelDrainLocked()
	c.metrics.setLevels(0, 0)
}

func (c *Controller) createLeaseLocked(userID string, now time.Time, events *batch) *lease {
	l := &lease{
		id:       newLeaseID(),
		userID:   userID,
		started:  now,
		duration: c.cfg.LeaseDuration,
	}
	c.leases.put(l)
	if e, ok := c.queue.get(userID); ok {
		c.positionEventsLocked(c.queue.remove(e), now, events)
	}
	c.scheduleLeaseTimersLocked(l)
	minutes := ceilMinutes(l.duration)
	*events = append(*events, api.Event{
		Kind:        api.EventSessionStarted,
		UserID:      userID,
		LeaseID:     l.id,
		MinutesLeft: minutes,
		Message:     messageSessionStarted(minutes),
		At:          now,
	})
	c.metrics.setLevels(c.leases.len(), c.queue.len())
	return l
}

func (c *Controller) grantedResultLocked(l *lease, now time.Time) ClaimResult {
	minutes := ceilMinutes(l.duration)
	return ClaimResult{
		Granted:   true,
		LeaseID:   l.id,
		TimeLimit: minutes,
		ExpiresAt: l.expiresAt(),
		Message:   messageSessionStarted(minutes),
		Stats:     c.statsLocked(now),
	}
}

// releaseLocked destroys l, cancels its timers and puts its owner into
// cooldown. Scheduling the drain is left to the caller.
func (c *Controller) releaseLocked(l *lease, reason api.ReleaseReason, now time.Time, events *batch) {
	c.leases.remove(l)
	c.lastRelease = now
	cool := &cooldownEntry{userID: l.userID, expires: now.Add(c.cfg.Cooldown)}
	c.cooldowns.add(cool)
	cool.timer = c.clock.AfterFunc(c.cfg.Cooldown, func() { c.onCooldownExpired(cool) })

	ev := api.Event{UserID: l.userID, LeaseID: l.id, At: now}
	switch reason {
	case api.ReasonTimeExpired:
		ev.Kind, ev.Message = api.EventSessionExpired, messageSessionExpired
	case api.ReasonAdminStop:
		ev.Kind, ev.Message = api.EventSessionInterrupted, messageSessionInterrupted
	default:
		ev.Kind, ev.Message = api.EventSessionEnded, messageSessionEnded
	}
	*events = append(*events, ev)
	c.metrics.recordRelease(string(reason))
	c.metrics.setLevels(c.leases.len(), c.queue.len())
}

func (c *Controller) positionEventsLocked(moved []*queueEntry, now time.Time, events *batch) {
	for _, e := range moved {
		*events = append(*events, api.Event{
			Kind:     api.EventQueuePosition,
			UserID:   e.userID,
			Position: e.position,
			Message:  messageQueuePosition(e.position),
			At:       now,
		})
	}
}

// estimatedWaitLocked is the mean remaining time of the active leases,
// rounded up to minutes, plus one full lease duration for every complete
// round of claimants ahead of position.
func (c *Controller) estimatedWaitLocked(position int, now time.Time) int {
	base := 0
	if n := c.leases.len(); n > 0 {
		var total time.Duration
		for _, l := range c.leases.byID {
			total += l.remaining(now)
		}
		base = ceilMinutes(total / time.Duration(n))
	}
	if position <= 1 {
		return base
	}
	rounds := (position - 1) / c.cfg.MaxConcurrent
	return base + rounds*ceilMinutes(c.cfg.LeaseDuration)
}

func (c *Controller) statsLocked(now time.Time) api.Stats {
	var since int64
	if !c.lastRelease.IsZero() {
		since = now.Sub(c.lastRelease).Milliseconds()
	}
	return api.Stats{
		ActiveSessions:          c.leases.len(),
		QueueLength:             c.queue.len(),
		CooldownUsers:           c.cooldowns.len(),
		TimeSinceLastSessionEnd: since,
		MaxConcurrent:           c.cfg.MaxConcurrent,
	}
}

func (c *Controller) onCooldownExpired(e *cooldownEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.cooldowns.remove(e)
}

func (c *Controller) onQueueTimeout(e *queueEntry) {
	var events batch
	c.mu.Lock()
	if c.closed || !c.queue.current(e) {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	moved := c.queue.remove(e)
	events = append(events, api.Event{
		Kind:    api.EventQueueTimeout,
		UserID:  e.userID,
		Message: messageQueueTimeout,
		At:      now,
	})
	c.positionEventsLocked(moved, now, &events)
	c.metrics.setLevels(c.leases.len(), c.queue.len())
	c.mu.Unlock()

	c.metrics.recordQueueTimeout()
	c.logger.Info("admission.queue.timeout", "user_id", e.userID, "waited", now.Sub(e.joinedAt))
	c.dispatch(context.Background(), events)
}

func (c *Controller) dispatch(ctx context.Context, events batch) {
	for _, ev := range events {
		c.notifier.Notify(ctx, ev)
	}
}

func (c *Controller) loggerFor(ctx context.Context) pslog.Logger {
	if ctx != nil {
		if l := pslog.LoggerFromContext(ctx); l != nil {
			return l
		}
	}
	return c.logger
}
