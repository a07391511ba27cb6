package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/voicelease/api"
	"pkt.systems/voicelease/internal/clock"
	"pkt.systems/voicelease/internal/svcfields"
)

// State is the lifecycle state of a Poller.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateQueued     State = "queued"
	StatePolling    State = "polling"
	StateAttempting State = "attempting"
	StateGranted    State = "granted"
)

const (
	// DefaultPollInterval is the stats polling cadence while queued.
	DefaultPollInterval = 3 * time.Second
	// DefaultMaxPollInterval caps the backoff after repeated poll failures.
	DefaultMaxPollInterval = 10 * time.Second
	// DefaultFailureThreshold is the number of consecutive failures tolerated
	// before the poll interval starts doubling.
	DefaultFailureThreshold = 3
	// DefaultSettleDelay is the wait between seeing a free slot and the
	// authoritative re-check.
	DefaultSettleDelay = 2500 * time.Millisecond
	// DefaultColdSettleDelay replaces DefaultSettleDelay when nobody else is
	// queued or a lease ended very recently.
	DefaultColdSettleDelay = 4 * time.Second
	// DefaultRecentReleaseWindow defines "very recently" for the settle choice.
	DefaultRecentReleaseWindow = 2 * time.Second
)

// ErrPollerActive is returned by Start when the poller is not idle.
var ErrPollerActive = errors.New("client: poller already started")

// ClaimAPI is the subset of *Client the poller drives.
type ClaimAPI interface {
	Claim(ctx context.Context, userID string) (*ClaimOutcome, error)
	Stats(ctx context.Context) (api.Stats, error)
	Release(ctx context.Context, leaseID string, reason api.ReleaseReason) (*api.ReleaseResponse, error)
	End(ctx context.Context, leaseID string) (*api.ReleaseResponse, error)
	CancelQueue(ctx context.Context, userID string) (*api.CancelResponse, error)
}

// PollerOption customises a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxPollInterval overrides DefaultMaxPollInterval.
func WithMaxPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.maxInterval = d
		}
	}
}

// WithFailureThreshold overrides DefaultFailureThreshold.
func WithFailureThreshold(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// WithSettleDelays overrides the warm and cold settle delays.
func WithSettleDelays(warm, cold time.Duration) PollerOption {
	return func(p *Poller) {
		if warm > 0 {
			p.settleWarm = warm
		}
		if cold > 0 {
			p.settleCold = cold
		}
	}
}

// WithPollerClock injects the clock used for every poller timer.
func WithPollerClock(c clock.Clock) PollerOption {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithPollerLogger supplies a logger.
func WithPollerLogger(l pslog.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = svcfields.WithSubsystem(l, "client.poller")
		}
	}
}

// WithOnStateChange registers a callback for every state transition.
func WithOnStateChange(fn func(from, to State)) PollerOption {
	return func(p *Poller) {
		p.onState = fn
	}
}

// WithOnGranted registers the hand-off to the media pipeline.
func WithOnGranted(fn func(api.ClaimResponse)) PollerOption {
	return func(p *Poller) {
		p.onGranted = fn
	}
}

// WithOnQueued registers a callback for every rejection.
func WithOnQueued(fn func(api.QueuedResponse)) PollerOption {
	return func(p *Poller) {
		p.onQueued = fn
	}
}

// Poller waits for a free slot on behalf of one user. It never holds a
// goroutine of its own: every step runs from a clock timer and drops out
// when a newer Start or Disconnect has bumped the generation.
type Poller struct {
	api    ClaimAPI
	userID string
	clock  clock.Clock
	logger pslog.Logger

	interval     time.Duration
	maxInterval  time.Duration
	threshold    int
	settleWarm   time.Duration
	settleCold   time.Duration
	recentWindow time.Duration

	onState   func(from, to State)
	onGranted func(api.ClaimResponse)
	onQueued  func(api.QueuedResponse)

	mu       sync.Mutex
	ctx      context.Context
	state    State
	gen      uint64
	timer    clock.Timer
	failures int
	lease    *api.ClaimResponse
	queued   *api.QueuedResponse
}

// NewPoller constructs an idle poller for userID.
func NewPoller(cli ClaimAPI, userID string, opts ...PollerOption) (*Poller, error) {
	if cli == nil {
		return nil, errors.New("client: poller requires a client")
	}
	if userID == "" {
		return nil, errors.New("client: poller requires a user id")
	}
	p := &Poller{
		api:          cli,
		userID:       userID,
		clock:        clock.Real{},
		logger:       svcfields.WithSubsystem(pslog.NoopLogger(), "client.poller"),
		interval:     DefaultPollInterval,
		maxInterval:  DefaultMaxPollInterval,
		threshold:    DefaultFailureThreshold,
		settleWarm:   DefaultSettleDelay,
		settleCold:   DefaultColdSettleDelay,
		recentWindow: DefaultRecentReleaseWindow,
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = svcfields.WithUser(p.logger, userID)
	if p.maxInterval < p.interval {
		p.maxInterval = p.interval
	}
	return p, nil
}

// State returns the current state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Lease returns the held lease, if any.
func (p *Poller) Lease() (api.ClaimResponse, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lease == nil {
		return api.ClaimResponse{}, false
	}
	return *p.lease, true
}

// Position returns the last position reported by a rejection.
func (p *Poller) Position() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queued == nil {
		return 0
	}
	return p.queued.Position
}

// effects are callbacks collected under the lock and run after it.
type effects []func()

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// Start performs the initial claim. ctx bounds every request the poller
// makes until Disconnect.
func (p *Poller) Start(ctx context.Context) (State, error) {
	var fx effects
	p.mu.Lock()
	if p.state != StateIdle {
		state := p.state
		p.mu.Unlock()
		return state, ErrPollerActive
	}
	p.gen++
	gen := p.gen
	p.ctx = ctx
	p.failures = 0
	p.transitionLocked(StateRequesting, &fx)
	p.mu.Unlock()
	fx.run()

	out, err := p.api.Claim(ctx, p.userID)

	fx = nil
	p.mu.Lock()
	if gen != p.gen {
		state := p.state
		p.mu.Unlock()
		p.abandon(out, err)
		return state, nil
	}
	if err != nil {
		p.transitionLocked(StateIdle, &fx)
		p.mu.Unlock()
		fx.run()
		return StateIdle, err
	}
	p.applyClaimLocked(out, &fx)
	state := p.state
	p.mu.Unlock()
	fx.run()
	return state, nil
}

// Disconnect stops polling. A held lease is released with reason, falling
// back to the beacon path when the release fails; a queue entry is
// cancelled best-effort.
func (p *Poller) Disconnect(ctx context.Context, reason api.ReleaseReason) error {
	var fx effects
	p.mu.Lock()
	lease := p.lease
	wasWaiting := p.state == StateQueued || p.state == StatePolling || p.state == StateAttempting
	p.lease = nil
	p.haltLocked(&fx)
	p.mu.Unlock()
	fx.run()

	if lease != nil {
		return p.releaseLease(ctx, lease.LeaseID, reason)
	}
	if wasWaiting {
		if _, err := p.api.CancelQueue(ctx, p.userID); err != nil {
			p.logger.Debug("client.poller.cancel_failed", "error", err)
		}
	}
	return nil
}

func (p *Poller) releaseLease(ctx context.Context, leaseID string, reason api.ReleaseReason) error {
	_, err := p.api.Release(ctx, leaseID, reason)
	if err == nil {
		p.logger.Info("client.poller.released", "lease_id", leaseID, "reason", reason)
		return nil
	}
	p.logger.Warn("client.poller.release_failed", "lease_id", leaseID, "error", err)
	if _, endErr := p.api.End(ctx, leaseID); endErr != nil {
		return errors.Join(err, endErr)
	}
	p.logger.Info("client.poller.released_by_beacon", "lease_id", leaseID)
	return nil
}

// abandon undoes a claim that finished after Disconnect: a grant is
// released and a fresh queue entry is cancelled.
func (p *Poller) abandon(out *ClaimOutcome, err error) {
	if err != nil || out == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	switch {
	case out.Granted:
		_ = p.releaseLease(ctx, out.Lease.LeaseID, api.ReasonUserDisconnect)
	case out.Queued != nil && out.Queued.Reason == api.RejectOccupied:
		if _, cerr := p.api.CancelQueue(ctx, p.userID); cerr != nil {
			p.logger.Debug("client.poller.cancel_failed", "error", cerr)
		}
	}
}

func (p *Poller) transitionLocked(to State, fx *effects) {
	from := p.state
	if from == to {
		return
	}
	p.state = to
	p.logger.Debug("client.poller.state", "from", from, "to", to)
	if cb := p.onState; cb != nil {
		*fx = append(*fx, func() { cb(from, to) })
	}
}

func (p *Poller) scheduleLocked(d time.Duration, step func(uint64)) {
	if p.timer != nil {
		p.timer.Stop()
	}
	gen := p.gen
	p.timer = p.clock.AfterFunc(d, func() { step(gen) })
}

func (p *Poller) applyClaimLocked(out *ClaimOutcome, fx *effects) {
	if out.Granted {
		lease := *out.Lease
		p.lease = &lease
		p.queued = nil
		p.failures = 0
		p.transitionLocked(StateGranted, fx)
		if cb := p.onGranted; cb != nil {
			*fx = append(*fx, func() { cb(lease) })
		}
		return
	}
	queued := *out.Queued
	p.queued = &queued
	p.transitionLocked(StateQueued, fx)
	if cb := p.onQueued; cb != nil {
		*fx = append(*fx, func() { cb(queued) })
	}
	delay := p.interval
	if queued.Reason == api.RejectCooldown && out.RetryAfter > 0 {
		delay = out.RetryAfter
	}
	p.scheduleLocked(delay, p.poll)
}

// backoffLocked doubles the interval for every failure at or beyond the
// threshold, capped at maxInterval.
func (p *Poller) backoffLocked() time.Duration {
	d := p.interval
	for i := p.threshold; i <= p.failures && d < p.maxInterval; i++ {
		d *= 2
	}
	return min(d, p.maxInterval)
}

func (p *Poller) settleDelay(stats api.Stats) time.Duration {
	if stats.QueueLength == 0 || stats.TimeSinceLastSessionEnd < p.recentWindow.Milliseconds() {
		return p.settleCold
	}
	return p.settleWarm
}

// step checks gen and state, clears the fired timer and returns the
// request context.
func (p *Poller) stepLocked(gen uint64, want ...State) (context.Context, bool) {
	if gen != p.gen {
		return nil, false
	}
	for _, s := range want {
		if p.state == s {
			p.timer = nil
			return p.ctx, true
		}
	}
	return nil, false
}

// haltLocked stops the state machine without contacting the server.
func (p *Poller) haltLocked(fx *effects) {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.queued = nil
	p.transitionLocked(StateIdle, fx)
}

// failLocked backs off after a failed request. A cancelled poller
// context halts instead.
func (p *Poller) failLocked(ctx context.Context, err error, fx *effects) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		p.logger.Debug("client.poller.context_done", "error", err)
		p.haltLocked(fx)
		return
	}
	p.failures++
	delay := p.backoffLocked()
	p.logger.Warn("client.poller.request_failed", "failures", p.failures, "retry_in", delay, "error", err)
	if p.state == StateAttempting {
		p.transitionLocked(StateQueued, fx)
	}
	p.scheduleLocked(delay, p.poll)
}

func (p *Poller) poll(gen uint64) {
	var fx effects
	p.mu.Lock()
	ctx, ok := p.stepLocked(gen, StateQueued, StatePolling)
	if !ok {
		p.mu.Unlock()
		return
	}
	if ctx.Err() != nil {
		p.haltLocked(&fx)
		p.mu.Unlock()
		fx.run()
		return
	}
	p.transitionLocked(StatePolling, &fx)
	p.mu.Unlock()
	fx.run()

	stats, err := p.api.Stats(ctx)

	fx = nil
	p.mu.Lock()
	defer func() {
		p.mu.Unlock()
		fx.run()
	}()
	if gen != p.gen || p.state != StatePolling {
		return
	}
	if err != nil {
		p.failLocked(ctx, err, &fx)
		return
	}
	p.failures = 0
	if !stats.Free() {
		p.scheduleLocked(p.interval, p.poll)
		return
	}
	delay := p.settleDelay(stats)
	p.logger.Debug("client.poller.slot_free", "settle", delay, "queue_length", stats.QueueLength)
	p.transitionLocked(StateAttempting, &fx)
	p.scheduleLocked(delay, p.attempt)
}

// attempt is the single authoritative re-check before claiming.
func (p *Poller) attempt(gen uint64) {
	var fx effects
	p.mu.Lock()
	ctx, ok := p.stepLocked(gen, StateAttempting)
	if ok && ctx.Err() != nil {
		p.haltLocked(&fx)
		ok = false
	}
	p.mu.Unlock()
	fx.run()
	if !ok {
		return
	}

	stats, err := p.api.Stats(ctx)

	fx = nil
	p.mu.Lock()
	if gen != p.gen || p.state != StateAttempting {
		p.mu.Unlock()
		return
	}
	if err != nil {
		p.failLocked(ctx, err, &fx)
		p.mu.Unlock()
		fx.run()
		return
	}
	if !stats.Free() {
		p.logger.Debug("client.poller.slot_taken")
		p.transitionLocked(StateQueued, &fx)
		p.scheduleLocked(p.interval, p.poll)
		p.mu.Unlock()
		fx.run()
		return
	}
	p.mu.Unlock()

	out, err := p.api.Claim(ctx, p.userID)

	p.mu.Lock()
	if gen != p.gen || p.state != StateAttempting {
		p.mu.Unlock()
		p.abandon(out, err)
		return
	}
	if err != nil {
		p.failLocked(ctx, err, &fx)
	} else {
		p.applyClaimLocked(out, &fx)
	}
	p.mu.Unlock()
	fx.run()
}
