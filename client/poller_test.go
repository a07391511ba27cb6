package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/voicelease/api"
	"pkt.systems/voicelease/internal/clock"
)

var errTransport = errors.New("connection refused")

type claimResult struct {
	out *ClaimOutcome
	err error
}

type statsResult struct {
	stats api.Stats
	err   error
}

// fakeAPI replays scripted results; the last entry of each script repeats.
type fakeAPI struct {
	mu         sync.Mutex
	claims     []claimResult
	stats      []statsResult
	claimCalls int
	statsCalls int
	releaseErr error
	released   []string
	reasons    []api.ReleaseReason
	ended      []string
	cancelled  []string
	// onClaim runs inside Claim before the scripted result is returned.
	onClaim func()
}

func (f *fakeAPI) Claim(context.Context, string) (*ClaimOutcome, error) {
	f.mu.Lock()
	f.claimCalls++
	r := f.claims[0]
	if len(f.claims) > 1 {
		f.claims = f.claims[1:]
	}
	hook := f.onClaim
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return r.out, r.err
}

func (f *fakeAPI) Stats(context.Context) (api.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsCalls++
	r := f.stats[0]
	if len(f.stats) > 1 {
		f.stats = f.stats[1:]
	}
	return r.stats, r.err
}

func (f *fakeAPI) Release(_ context.Context, leaseID string, reason api.ReleaseReason) (*api.ReleaseResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, leaseID)
	f.reasons = append(f.reasons, reason)
	if f.releaseErr != nil {
		return nil, f.releaseErr
	}
	return &api.ReleaseResponse{Released: true, LeaseID: leaseID, Reason: reason}, nil
}

func (f *fakeAPI) End(_ context.Context, leaseID string) (*api.ReleaseResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, leaseID)
	return &api.ReleaseResponse{Released: true, LeaseID: leaseID, Reason: api.ReasonUserDisconnect}, nil
}

func (f *fakeAPI) CancelQueue(_ context.Context, userID string) (*api.CancelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, userID)
	return &api.CancelResponse{Cancelled: true, UserID: userID}, nil
}

func (f *fakeAPI) setStats(results ...statsResult) {
	f.mu.Lock()
	f.stats = results
	f.mu.Unlock()
}

func (f *fakeAPI) setClaims(results ...claimResult) {
	f.mu.Lock()
	f.claims = results
	f.mu.Unlock()
}

func (f *fakeAPI) counts() (claims, stats int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimCalls, f.statsCalls
}

func granted(id string) claimResult {
	return claimResult{out: &ClaimOutcome{Granted: true, Lease: &api.ClaimResponse{LeaseID: id, TimeLimit: 5}}}
}

func occupied(pos int) claimResult {
	return claimResult{out: &ClaimOutcome{
		Queued:     &api.QueuedResponse{Reason: api.RejectOccupied, Position: pos},
		RetryAfter: 3 * time.Second,
	}}
}

func busy() statsResult {
	return statsResult{stats: api.Stats{ActiveSessions: 1, QueueLength: 1, MaxConcurrent: 1}}
}

func free(queue int, sinceEnd time.Duration) statsResult {
	return statsResult{stats: api.Stats{QueueLength: queue, TimeSinceLastSessionEnd: sinceEnd.Milliseconds(), MaxConcurrent: 1}}
}

func newTestPoller(t *testing.T, fake *fakeAPI, opts ...PollerOption) (*Poller, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	opts = append([]PollerOption{WithPollerClock(clk)}, opts...)
	p, err := NewPoller(fake, "alice", opts...)
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	return p, clk
}

func TestNewPollerValidates(t *testing.T) {
	if _, err := NewPoller(nil, "alice"); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := NewPoller(&fakeAPI{}, ""); err == nil {
		t.Fatalf("expected error for empty user")
	}
}

func TestPollerGrantedImmediately(t *testing.T) {
	fake := &fakeAPI{claims: []claimResult{granted("L1")}}
	var transitions []State
	var got api.ClaimResponse
	p, _ := newTestPoller(t, fake,
		WithOnStateChange(func(_, to State) { transitions = append(transitions, to) }),
		WithOnGranted(func(lease api.ClaimResponse) { got = lease }),
	)
	state, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if state != StateGranted || p.State() != StateGranted {
		t.Fatalf("expected granted, got %s", state)
	}
	if got.LeaseID != "L1" {
		t.Fatalf("granted callback not invoked: %+v", got)
	}
	if len(transitions) != 2 || transitions[0] != StateRequesting || transitions[1] != StateGranted {
		t.Fatalf("unexpected transitions %v", transitions)
	}
	if _, err := p.Start(context.Background()); !errors.Is(err, ErrPollerActive) {
		t.Fatalf("expected ErrPollerActive, got %v", err)
	}
}

func TestPollerStartTransportErrorReturnsIdle(t *testing.T) {
	fake := &fakeAPI{claims: []claimResult{{err: errTransport}}}
	p, clk := newTestPoller(t, fake)
	state, err := p.Start(context.Background())
	if !errors.Is(err, errTransport) || state != StateIdle {
		t.Fatalf("expected idle with transport error, got %s %v", state, err)
	}
	if clk.Pending() != 0 {
		t.Fatalf("no timer should be armed after a failed start")
	}
}

func TestPollerBackoffAndReset(t *testing.T) {
	fake := &fakeAPI{
		claims: []claimResult{occupied(1)},
		stats:  []statsResult{{err: errTransport}},
	}
	p, clk := newTestPoller(t, fake)
	if state, err := p.Start(context.Background()); err != nil || state != StateQueued {
		t.Fatalf("start: %s %v", state, err)
	}
	if p.Position() != 1 {
		t.Fatalf("expected position 1, got %d", p.Position())
	}

	steps := []struct {
		advance time.Duration
		stats   int
	}{
		{3 * time.Second, 1}, // failure 1, next in 3s
		{3 * time.Second, 2}, // failure 2, next in 3s
		{3 * time.Second, 3}, // failure 3, next in 6s
		{5 * time.Second, 3},
		{1 * time.Second, 4}, // failure 4, next in 10s (capped)
		{9 * time.Second, 4},
		{1 * time.Second, 5}, // failure 5, still 10s
		{10 * time.Second, 6},
	}
	for i, step := range steps {
		clk.Advance(step.advance)
		if _, stats := fake.counts(); stats != step.stats {
			t.Fatalf("step %d: expected %d stats calls, got %d", i, step.stats, stats)
		}
	}

	// failure 6 armed a 10s wait; the next poll succeeds and resets the interval.
	fake.setStats(busy())
	clk.Advance(10 * time.Second)
	if _, stats := fake.counts(); stats != 7 {
		t.Fatalf("expected recovery poll, got %d calls", stats)
	}
	clk.Advance(3 * time.Second)
	if _, stats := fake.counts(); stats != 8 {
		t.Fatalf("expected base interval after success, got %d calls", stats)
	}
	if p.State() != StatePolling {
		t.Fatalf("expected polling, got %s", p.State())
	}
}

func TestPollerSettleDelay(t *testing.T) {
	cases := []struct {
		name  string
		stats statsResult
		delay time.Duration
	}{
		{"empty queue", free(0, 10*time.Second), DefaultColdSettleDelay},
		{"recent release", free(2, time.Second), DefaultColdSettleDelay},
		{"never released", free(2, 0), DefaultColdSettleDelay},
		{"contended", free(2, 5*time.Second), DefaultSettleDelay},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeAPI{
				claims: []claimResult{occupied(1), granted("L1")},
				stats:  []statsResult{tc.stats},
			}
			p, clk := newTestPoller(t, fake)
			if _, err := p.Start(context.Background()); err != nil {
				t.Fatalf("start: %v", err)
			}
			clk.Advance(DefaultPollInterval)
			if p.State() != StateAttempting {
				t.Fatalf("expected attempting, got %s", p.State())
			}
			clk.Advance(tc.delay - time.Millisecond)
			if claims, _ := fake.counts(); claims != 1 {
				t.Fatalf("claimed before settle delay elapsed")
			}
			clk.Advance(time.Millisecond)
			claims, stats := fake.counts()
			if claims != 2 || stats != 2 {
				t.Fatalf("expected re-check and claim, got claims=%d stats=%d", claims, stats)
			}
			if p.State() != StateGranted {
				t.Fatalf("expected granted, got %s", p.State())
			}
			if lease, ok := p.Lease(); !ok || lease.LeaseID != "L1" {
				t.Fatalf("unexpected lease %+v %v", lease, ok)
			}
		})
	}
}

func TestPollerRecheckSeesSlotTaken(t *testing.T) {
	fake := &fakeAPI{
		claims: []claimResult{occupied(2)},
		stats:  []statsResult{free(2, 5*time.Second), busy()},
	}
	p, clk := newTestPoller(t, fake)
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(DefaultPollInterval)
	clk.Advance(DefaultSettleDelay)
	if p.State() != StateQueued {
		t.Fatalf("expected queued after losing the slot, got %s", p.State())
	}
	if claims, _ := fake.counts(); claims != 1 {
		t.Fatalf("must not claim when the re-check sees no capacity")
	}
	clk.Advance(DefaultPollInterval)
	if p.State() != StatePolling {
		t.Fatalf("expected polling to resume, got %s", p.State())
	}
}

func TestPollerRaceLossRequeues(t *testing.T) {
	fake := &fakeAPI{
		claims: []claimResult{occupied(1), occupied(1)},
		stats:  []statsResult{free(0, 5*time.Second)},
	}
	var positions []int
	p, clk := newTestPoller(t, fake, WithOnQueued(func(q api.QueuedResponse) {
		positions = append(positions, q.Position)
	}))
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(DefaultPollInterval)
	clk.Advance(DefaultColdSettleDelay)
	if p.State() != StateQueued {
		t.Fatalf("expected queued after race loss, got %s", p.State())
	}
	if len(positions) != 2 || positions[1] != 1 {
		t.Fatalf("expected queued callback with position, got %v", positions)
	}
	fake.setStats(busy())
	clk.Advance(DefaultPollInterval)
	if _, stats := fake.counts(); stats != 3 {
		t.Fatalf("expected polling to resume, got %d stats calls", stats)
	}
}

func TestPollerCooldownWaitsRetryAfter(t *testing.T) {
	fake := &fakeAPI{
		claims: []claimResult{{out: &ClaimOutcome{
			Queued:     &api.QueuedResponse{Reason: api.RejectCooldown, RetryAfterSeconds: 5},
			RetryAfter: 5 * time.Second,
		}}},
		stats: []statsResult{busy()},
	}
	p, clk := newTestPoller(t, fake)
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(DefaultPollInterval)
	if _, stats := fake.counts(); stats != 0 {
		t.Fatalf("polled before the cooldown elapsed")
	}
	clk.Advance(2 * time.Second)
	if _, stats := fake.counts(); stats != 1 {
		t.Fatalf("expected poll after retry-after, got %d", stats)
	}
}

func TestPollerDisconnectReleasesLease(t *testing.T) {
	fake := &fakeAPI{claims: []claimResult{granted("L1")}}
	p, _ := newTestPoller(t, fake)
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Disconnect(context.Background(), api.ReasonUserDisconnect); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if len(fake.released) != 1 || fake.released[0] != "L1" || fake.reasons[0] != api.ReasonUserDisconnect {
		t.Fatalf("unexpected releases %v %v", fake.released, fake.reasons)
	}
	if len(fake.ended) != 0 {
		t.Fatalf("beacon must not fire when release succeeds")
	}
	if p.State() != StateIdle {
		t.Fatalf("expected idle, got %s", p.State())
	}
	if _, ok := p.Lease(); ok {
		t.Fatalf("lease should be cleared")
	}
}

func TestPollerDisconnectFallsBackToBeacon(t *testing.T) {
	fake := &fakeAPI{claims: []claimResult{granted("L1")}, releaseErr: errTransport}
	p, _ := newTestPoller(t, fake)
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Disconnect(context.Background(), api.ReasonUserDisconnect); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if len(fake.ended) != 1 || fake.ended[0] != "L1" {
		t.Fatalf("expected beacon end, got %v", fake.ended)
	}
}

func TestPollerDisconnectStopsPolling(t *testing.T) {
	fake := &fakeAPI{claims: []claimResult{occupied(1)}, stats: []statsResult{busy()}}
	p, clk := newTestPoller(t, fake)
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Disconnect(context.Background(), api.ReasonUserDisconnect); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	clk.Advance(time.Minute)
	if _, stats := fake.counts(); stats != 0 {
		t.Fatalf("poller kept polling after disconnect")
	}
	if len(fake.cancelled) != 1 || fake.cancelled[0] != "alice" {
		t.Fatalf("expected queue cancel, got %v", fake.cancelled)
	}
	if len(fake.released) != 0 {
		t.Fatalf("nothing to release while queued")
	}

	// A disconnected poller can start over.
	fake.setClaims(granted("L2"))
	if state, err := p.Start(context.Background()); err != nil || state != StateGranted {
		t.Fatalf("restart: %s %v", state, err)
	}
}

func TestPollerStopsOnContextCancel(t *testing.T) {
	cases := []struct {
		name   string
		cancel bool
		stats  statsResult
		calls  int
	}{
		{"context cancelled before poll", true, busy(), 0},
		{"request reports cancellation", false, statsResult{err: context.Canceled}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeAPI{claims: []claimResult{occupied(1)}, stats: []statsResult{tc.stats}}
			var transitions []State
			p, clk := newTestPoller(t, fake, WithOnStateChange(func(_, to State) { transitions = append(transitions, to) }))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if state, err := p.Start(ctx); err != nil || state != StateQueued {
				t.Fatalf("start: %s %v", state, err)
			}
			if tc.cancel {
				cancel()
			}
			for i := 0; i < 50; i++ {
				clk.Advance(DefaultMaxPollInterval)
			}
			if got := p.State(); got != StateIdle {
				t.Fatalf("state %s, want idle", got)
			}
			if _, stats := fake.counts(); stats != tc.calls {
				t.Fatalf("stats calls %d, want %d", stats, tc.calls)
			}
			if n := clk.Pending(); n != 0 {
				t.Fatalf("%d timers still armed", n)
			}
			if transitions[len(transitions)-1] != StateIdle {
				t.Fatalf("transitions %v", transitions)
			}

			// The poller can be started again with a live context.
			fake.setClaims(granted("L1"))
			if state, err := p.Start(context.Background()); err != nil || state != StateGranted {
				t.Fatalf("restart: %s %v", state, err)
			}
		})
	}
}

func TestPollerDisconnectDuringClaimCancelsQueueEntry(t *testing.T) {
	fake := &fakeAPI{claims: []claimResult{occupied(3)}}
	p, clk := newTestPoller(t, fake)
	fake.onClaim = func() {
		if err := p.Disconnect(context.Background(), api.ReasonUserDisconnect); err != nil {
			t.Errorf("disconnect: %v", err)
		}
	}
	state, err := p.Start(context.Background())
	if err != nil || state != StateIdle {
		t.Fatalf("start: %s %v", state, err)
	}
	if len(fake.cancelled) != 1 || fake.cancelled[0] != "alice" {
		t.Fatalf("expected late queue entry to be cancelled, got %v", fake.cancelled)
	}
	if len(fake.released) != 0 {
		t.Fatalf("unexpected release %v", fake.released)
	}
	clk.Advance(time.Minute)
	if _, stats := fake.counts(); stats != 0 {
		t.Fatalf("poller polled after disconnect")
	}
}

func TestPollerAgainstServer(t *testing.T) {
	s := newTestServer(t)
	cli := s.client(t)
	ctx := context.Background()

	holder, err := cli.Claim(ctx, "bob")
	if err != nil || !holder.Granted {
		t.Fatalf("claim bob: %+v %v", holder, err)
	}

	granted := make(chan api.ClaimResponse, 1)
	p, err := NewPoller(cli, "alice",
		WithPollerClock(s.clock),
		WithOnGranted(func(lease api.ClaimResponse) { granted <- lease }),
	)
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	if state, err := p.Start(ctx); err != nil || state != StateQueued {
		t.Fatalf("start: %s %v", state, err)
	}

	if _, err := cli.Release(ctx, holder.Lease.LeaseID, api.ReasonUserDisconnect); err != nil {
		t.Fatalf("release: %v", err)
	}
	// poll at 3s sees the slot free, the settle delay ends at 7s.
	s.clock.Advance(10 * time.Second)

	select {
	case lease := <-granted:
		if !s.ctrl.IsActive(lease.LeaseID) {
			t.Fatalf("granted lease %s not active on the server", lease.LeaseID)
		}
	default:
		t.Fatalf("poller never claimed; state=%s", p.State())
	}

	if err := p.Disconnect(ctx, api.ReasonUserDisconnect); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if stats := s.ctrl.Stats(); stats.ActiveSessions != 0 {
		t.Fatalf("expected lease released, got %+v", stats)
	}
}
