package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/voicelease/api"
	"pkt.systems/voicelease/internal/clock"
)

type recorder struct {
	mu     sync.Mutex
	events []api.Event
}

func (r *recorder) Notify(_ context.Context, ev api.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds(userID string) []api.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []api.EventKind
	for _, ev := range r.events {
		if ev.UserID == userID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (r *recorder) has(userID string, kind api.EventKind) bool {
	for _, k := range r.kinds(userID) {
		if k == kind {
			return true
		}
	}
	return false
}

func newTestController(t *testing.T, cfg Config) (*Controller, *clock.Manual, *recorder) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	rec := &recorder{}
	cfg.Clock = clk
	cfg.Logger = pslog.NoopLogger()
	cfg.Notifier = rec
	ctrl, err := New(cfg)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(ctrl.Close)
	return ctrl, clk, rec
}

func mustClaim(t *testing.T, ctrl *Controller, userID string) ClaimResult {
	t.Helper()
	res, err := ctrl.RequestClaim(context.Background(), userID)
	if err != nil {
		t.Fatalf("claim %s: %v", userID, err)
	}
	return res
}

func mustGrant(t *testing.T, ctrl *Controller, userID string) ClaimResult {
	t.Helper()
	res := mustClaim(t, ctrl, userID)
	if !res.Granted {
		t.Fatalf("expected %s to be granted, got reason=%s position=%d", userID, res.Reason, res.Position)
	}
	return res
}

func mustRelease(t *testing.T, ctrl *Controller, leaseID string, reason api.ReleaseReason) ReleaseResult {
	t.Helper()
	res, err := ctrl.ReleaseClaim(context.Background(), leaseID, reason)
	if err != nil {
		t.Fatalf("release %s: %v", leaseID, err)
	}
	return res
}

func TestUncontendedClaimIsGranted(t *testing.T) {
	ctrl, _, rec := newTestController(t, Config{})
	res := mustGrant(t, ctrl, "u1")
	if res.TimeLimit != 5 {
		t.Fatalf("expected timeLimit 5, got %d", res.TimeLimit)
	}
	if res.LeaseID == "" {
		t.Fatal("expected lease id")
	}
	if !ctrl.IsActive(res.LeaseID) {
		t.Fatal("expected lease to be active")
	}
	if !rec.has("u1", api.EventSessionStarted) {
		t.Fatalf("expected session_started event, got %v", rec.kinds("u1"))
	}
	if stats := ctrl.Stats(); stats.ActiveSessions != 1 || stats.MaxConcurrent != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestOccupiedClaimIsQueued(t *testing.T) {
	ctrl, _, _ := newTestController(t, Config{})
	mustGrant(t, ctrl, "u1")

	res := mustClaim(t, ctrl, "u2")
	if res.Granted || res.Reason != api.RejectOccupied || res.Position != 1 {
		t.Fatalf("expected u2 queued at 1, got %+v", res)
	}
	if res.Message == "" {
		t.Fatal("expected a status message")
	}
	if res.Stats.QueueLength != 1 || res.Stats.ActiveSessions != 1 {
		t.Fatalf("unexpected stats %+v", res.Stats)
	}

	again := mustClaim(t, ctrl, "u2")
	if again.Position != 1 {
		t.Fatalf("expected repeated claim to keep position 1, got %d", again.Position)
	}
	third := mustClaim(t, ctrl, "u3")
	if third.Position != 2 {
		t.Fatalf("expected u3 at position 2, got %d", third.Position)
	}
	if got := ctrl.Stats().QueueLength; got != 2 {
		t.Fatalf("expected queue length 2, got %d", got)
	}
}

func TestHolderClaimReturnsExistingLease(t *testing.T) {
	ctrl, _, _ := newTestController(t, Config{})
	first := mustGrant(t, ctrl, "u1")
	second := mustGrant(t, ctrl, "u1")
	if first.LeaseID != second.LeaseID {
		t.Fatalf("expected same lease, got %s and %s", first.LeaseID, second.LeaseID)
	}
	if got := ctrl.Stats().ActiveSessions; got != 1 {
		t.Fatalf("expected one active lease, got %d", got)
	}
}

func TestCooldownBlocksImmediateReclaim(t *testing.T) {
	ctrl, clk, _ := newTestController(t, Config{})
	res := mustGrant(t, ctrl, "u1")
	mustRelease(t, ctrl, res.LeaseID, api.ReasonUserDisconnect)

	denied := mustClaim(t, ctrl, "u1")
	if denied.Granted || denied.Reason != api.RejectCooldown {
		t.Fatalf("expected cooldown rejection, got %+v", denied)
	}
	if denied.RetryAfter != 3*time.Second {
		t.Fatalf("expected 3s retry, got %s", denied.RetryAfter)
	}
	if denied.Stats.ActiveSessions != 0 {
		t.Fatalf("capacity should be free, got %+v", denied.Stats)
	}
	if got := ctrl.Stats().QueueLength; got != 0 {
		t.Fatalf("cooldown rejection must not enqueue, got %d", got)
	}

	clk.Advance(2 * time.Second)
	if again := mustClaim(t, ctrl, "u1"); again.Granted {
		t.Fatal("expected cooldown to still apply after 2s")
	}
	clk.Advance(time.Second)
	if got := ctrl.Stats().CooldownUsers; got != 0 {
		t.Fatalf("expected cooldown entry to expire, got %d", got)
	}
	mustGrant(t, ctrl, "u1")
}

func TestCooldownDoesNotAffectOtherUsers(t *testing.T) {
	ctrl, _, _ := newTestController(t, Config{})
	res := mustGrant(t, ctrl, "u1")
	mustRelease(t, ctrl, res.LeaseID, api.ReasonUserDisconnect)
	mustGrant(t, ctrl, "u2")
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctrl, clk, _ := newTestController(t, Config{})
	res := mustGrant(t, ctrl, "u1")

	first := mustRelease(t, ctrl, res.LeaseID, api.ReasonUserDisconnect)
	if !first.Released || first.UserID != "u1" {
		t.Fatalf("unexpected first release %+v", first)
	}
	clk.Advance(time.Second)
	second := mustRelease(t, ctrl, res.LeaseID, api.ReasonUserDisconnect)
	if second.Released {
		t.Fatal("second release must be a no-op")
	}
	unknown := mustRelease(t, ctrl, "lease_unknown", api.ReasonAdminStop)
	if unknown.Released {
		t.Fatal("unknown release must be a no-op")
	}

	// the no-op release must not refresh the cooldown
	clk.Advance(2 * time.Second)
	if stats := ctrl.Stats(); stats.CooldownUsers != 0 {
		t.Fatalf("expected cooldown to lapse on schedule, got %+v", stats)
	}
}

func TestReleaseValidation(t *testing.T) {
	ctrl, _, _ := newTestController(t, Config{})
	if _, err := ctrl.ReleaseClaim(context.Background(), "", api.ReasonUserDisconnect); !errors.Is(err, ErrInvalidLease) {
		t.Fatalf("expected ErrInvalidLease, got %v", err)
	}
	if _, err := ctrl.ReleaseClaim(context.Background(), "lease_x", api.ReleaseReason("bored")); !errors.Is(err, ErrInvalidReason) {
		t.Fatalf("expected ErrInvalidReason, got %v", err)
	}
	if _, err := ctrl.RequestClaim(context.Background(), "  "); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
}

func TestEarlyReleaseCancelsExpiry(t *testing.T) {
	ctrl, clk, rec := newTestController(t, Config{})
	first := mustGrant(t, ctrl, "u1")
	clk.Advance(time.Minute)
	mustRelease(t, ctrl, first.LeaseID, api.ReasonUserDisconnect)

	clk.Advance(time.Second)
	second := mustGrant(t, ctrl, "u2")

	// past the first lease's original deadline, before the second's
	clk.Advance(4*time.Minute + time.Second)
	if !ctrl.IsActive(second.LeaseID) {
		t.Fatal("stale expiry released the second lease")
	}
	if rec.has("u1", api.EventSessionExpired) {
		t.Fatal("released lease must not expire")
	}
	for _, k := range rec.kinds("u1") {
		if k == api.EventTimeWarning || k == api.EventTimeWarningFinal {
			t.Fatalf("released lease must not warn, got %v", rec.kinds("u1"))
		}
	}
}

func TestWarningsAndExpiry(t *testing.T) {
	ctrl, clk, rec := newTestController(t, Config{})
	res := mustGrant(t, ctrl, "u1")

	clk.Advance(2 * time.Minute)
	clk.Advance(time.Minute)
	clk.Advance(time.Minute)
	clk.Advance(30 * time.Second)
	if !ctrl.IsActive(res.LeaseID) {
		t.Fatal("lease expired early")
	}
	clk.Advance(30 * time.Second)
	if ctrl.IsActive(res.LeaseID) {
		t.Fatal("lease should have expired")
	}

	want := []api.EventKind{
		api.EventSessionStarted,
		api.EventTimeWarning,
		api.EventTimeWarning,
		api.EventTimeWarning,
		api.EventTimeWarningFinal,
		api.EventSessionExpired,
	}
	got := rec.kinds("u1")
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}

	rec.mu.Lock()
	var minutes []int
	for _, ev := range rec.events {
		if ev.Kind == api.EventTimeWarning {
			minutes = append(minutes, ev.MinutesLeft)
		}
		if ev.Kind == api.EventTimeWarningFinal && ev.SecondsLeft != 30 {
			t.Errorf("expected final warning at 30s, got %d", ev.SecondsLeft)
		}
	}
	rec.mu.Unlock()
	if len(minutes) != 3 || minutes[0] != 3 || minutes[1] != 2 || minutes[2] != 1 {
		t.Fatalf("unexpected warning minutes %v", minutes)
	}
}

func TestAutomaticExpiryEntersCooldown(t *testing.T) {
	ctrl, clk, rec := newTestController(t, Config{})
	res := mustGrant(t, ctrl, "u1")
	clk.Advance(5 * time.Minute)

	stats := ctrl.Stats()
	if stats.ActiveSessions != 0 || stats.CooldownUsers != 1 {
		t.Fatalf("unexpected stats after expiry %+v", stats)
	}
	if ctrl.IsActive(res.LeaseID) {
		t.Fatal("lease still active")
	}
	if !rec.has("u1", api.EventSessionExpired) {
		t.Fatalf("expected session_expired, got %v", rec.kinds("u1"))
	}
	if again := mustClaim(t, ctrl, "u1"); again.Reason != api.RejectCooldown {
		t.Fatalf("expected cooldown after expiry, got %+v", again)
	}
}

func TestDrainNotifiesHeadWithoutGranting(t *testing.T) {
	ctrl, clk, rec := newTestController(t, Config{})
	u1 := mustGrant(t, ctrl, "u1")
	mustClaim(t, ctrl, "u2")
	mustClaim(t, ctrl, "u4")

	mustRelease(t, ctrl, u1.LeaseID, api.ReasonUserDisconnect)
	clk.Advance(500 * time.Millisecond)
	if got := ctrl.Stats().QueueLength; got != 2 {
		t.Fatalf("drain must wait for the settle delay, queue=%d", got)
	}
	clk.Advance(300 * time.Millisecond)

	stats := ctrl.Stats()
	if stats.ActiveSessions != 0 {
		t.Fatalf("drain must not grant, got %+v", stats)
	}
	if stats.QueueLength != 1 {
		t.Fatalf("expected head to leave the queue, got %+v", stats)
	}
	if !rec.has("u2", api.EventQueueYourTurn) {
		t.Fatalf("expected your-turn for u2, got %v", rec.kinds("u2"))
	}
	pos, ok := ctrl.QueuePosition("u4")
	if !ok || pos.Position != 1 {
		t.Fatalf("expected u4 renumbered to 1, got %+v ok=%v", pos, ok)
	}

	// a third party wins the race; u2 goes back to the queue
	mustGrant(t, ctrl, "u3")
	res := mustClaim(t, ctrl, "u2")
	if res.Granted || res.Position != 2 {
		t.Fatalf("expected u2 re-queued behind u4, got %+v", res)
	}
}

func TestRacingClaimAfterReleaseRequeuesLoser(t *testing.T) {
	ctrl, clk, _ := newTestController(t, Config{})
	u1 := mustGrant(t, ctrl, "u1")
	mustClaim(t, ctrl, "u2")
	mustRelease(t, ctrl, u1.LeaseID, api.ReasonUserDisconnect)
	clk.Advance(800 * time.Millisecond)

	mustGrant(t, ctrl, "u3")
	res := mustClaim(t, ctrl, "u2")
	if res.Granted || res.Position != 1 {
		t.Fatalf("expected u2 back at position 1, got %+v", res)
	}
}

func TestQueuedUserWinsFreeSlot(t *testing.T) {
	ctrl, clk, _ := newTestController(t, Config{})
	u1 := mustGrant(t, ctrl, "u1")
	mustClaim(t, ctrl, "u2")
	mustRelease(t, ctrl, u1.LeaseID, api.ReasonUserDisconnect)
	clk.Advance(800 * time.Millisecond)

	if stats := ctrl.Stats(); stats.ActiveSessions != 0 {
		t.Fatalf("expected free slot, got %+v", stats)
	}
	mustGrant(t, ctrl, "u2")
}

func TestDrainDebounceCollapsesBursts(t *testing.T) {
	ctrl, clk, _ := newTestController(t, Config{MaxConcurrent: 2})
	a := mustGrant(t, ctrl, "a")
	b := mustGrant(t, ctrl, "b")
	mustClaim(t, ctrl, "c")
	mustClaim(t, ctrl, "d")

	mustRelease(t, ctrl, a.LeaseID, api.ReasonUserDisconnect)
	clk.Advance(200 * time.Millisecond)
	mustRelease(t, ctrl, b.LeaseID, api.ReasonUserDisconnect)

	clk.Advance(600 * time.Millisecond)
	if got := ctrl.Stats().QueueLength; got != 2 {
		t.Fatalf("burst should restart the debounce, queue=%d", got)
	}
	clk.Advance(200 * time.Millisecond)
	if got := ctrl.Stats().QueueLength; got != 1 {
		t.Fatalf("expected one drain pass, queue=%d", got)
	}
}

func TestDrainSkipsWhenCapacityRetaken(t *testing.T) {
	ctrl, clk, rec := newTestController(t, Config{})
	u1 := mustGrant(t, ctrl, "u1")
	mustClaim(t, ctrl, "u2")
	mustRelease(t, ctrl, u1.LeaseID, api.ReasonUserDisconnect)
	clk.Advance(600 * time.Millisecond)
	mustGrant(t, ctrl, "u3")
	clk.Advance(time.Second)

	if rec.has("u2", api.EventQueueYourTurn) {
		t.Fatal("settle re-check must not notify when the slot was retaken")
	}
	if pos, ok := ctrl.QueuePosition("u2"); !ok || pos.Position != 1 {
		t.Fatalf("expected u2 to keep position 1, got %+v ok=%v", pos, ok)
	}
}

func TestQueueTimeoutPrunesEntry(t *testing.T) {
	ctrl, clk, rec := newTestController(t, Config{LeaseDuration: time.Hour})
	mustGrant(t, ctrl, "u1")
	mustClaim(t, ctrl, "u2")
	clk.Advance(time.Minute)
	mustClaim(t, ctrl, "u3")

	clk.Advance(9 * time.Minute)
	if got := ctrl.Stats().QueueLength; got != 1 {
		t.Fatalf("expected u2 pruned, queue=%d", got)
	}
	if !rec.has("u2", api.EventQueueTimeout) {
		t.Fatalf("expected queue_timeout for u2, got %v", rec.kinds("u2"))
	}
	if pos, ok := ctrl.QueuePosition("u3"); !ok || pos.Position != 1 {
		t.Fatalf("expected u3 at 1, got %+v ok=%v", pos, ok)
	}
	clk.Advance(time.Minute)
	if got := ctrl.Stats().QueueLength; got != 0 {
		t.Fatalf("expected empty queue, got %d", got)
	}
}

func TestQueueTimeoutAfterLeaveIsNoop(t *testing.T) {
	ctrl, clk, rec := newTestController(t, Config{LeaseDuration: time.Hour})
	mustGrant(t, ctrl, "u1")
	mustClaim(t, ctrl, "u2")
	if ok, err := ctrl.CancelQueue(context.Background(), "u2"); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	clk.Advance(time.Second)
	mustClaim(t, ctrl, "u2")
	clk.Advance(9*time.Minute + 59*time.Second)
	if rec.has("u2", api.EventQueueTimeout) {
		t.Fatal("timeout of the cancelled entry fired against the new one")
	}
	clk.Advance(2 * time.Second)
	if !rec.has("u2", api.EventQueueTimeout) {
		t.Fatal("expected the new entry to time out on its own schedule")
	}
}

func TestQueuePositionsStayContiguous(t *testing.T) {
	ctrl, _, _ := newTestController(t, Config{LeaseDuration: time.Hour})
	mustGrant(t, ctrl, "holder")
	users := []string{"a", "b", "c", "d", "e"}
	for _, u := range users {
		mustClaim(t, ctrl, u)
	}
	for _, u := range []string{"c", "a"} {
		if ok, err := ctrl.CancelQueue(context.Background(), u); err != nil || !ok {
			t.Fatalf("cancel %s: ok=%v err=%v", u, ok, err)
		}
	}
	for i, u := range []string{"b", "d", "e"} {
		pos, ok := ctrl.QueuePosition(u)
		if !ok || pos.Position != i+1 {
			t.Fatalf("expected %s at %d, got %+v ok=%v", u, i+1, pos, ok)
		}
	}
	if ok, _ := ctrl.CancelQueue(context.Background(), "zzz"); ok {
		t.Fatal("cancelling an unknown user should report false")
	}
}

func TestEstimatedWait(t *testing.T) {
	ctrl, clk, _ := newTestController(t, Config{})
	mustGrant(t, ctrl, "u1")
	clk.Advance(time.Minute + 10*time.Second)
	u2 := mustClaim(t, ctrl, "u2")
	if u2.EstimatedWait != 4 {
		t.Fatalf("expected 4 minutes, got %d", u2.EstimatedWait)
	}
	u3 := mustClaim(t, ctrl, "u3")
	if u3.EstimatedWait != 9 {
		t.Fatalf("expected 9 minutes, got %d", u3.EstimatedWait)
	}
}

func TestForceReleaseAll(t *testing.T) {
	ctrl, clk, rec := newTestController(t, Config{})
	u1 := mustGrant(t, ctrl, "u1")
	mustClaim(t, ctrl, "u2")
	mustClaim(t, ctrl, "u3")

	// pending drain from a regular release must be cancelled too
	mustRelease(t, ctrl, u1.LeaseID, api.ReasonUserDisconnect)
	clk.Advance(4 * time.Second)
	u4 := mustGrant(t, ctrl, "u4")
	mustRelease(t, ctrl, u4.LeaseID, api.ReasonUserDisconnect)
	u1b := mustGrant(t, ctrl, "u1")

	res, err := ctrl.ForceReleaseAll(context.Background())
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if res.Released != 1 {
		t.Fatalf("expected 1 released, got %+v", res)
	}
	stats := ctrl.Stats()
	if stats.ActiveSessions != 0 || stats.QueueLength != 0 {
		t.Fatalf("expected empty controller, got %+v", stats)
	}
	if ctrl.IsActive(u1b.LeaseID) {
		t.Fatal("lease survived force release")
	}
	if !rec.has("u1", api.EventSessionInterrupted) {
		t.Fatalf("expected session_interrupted, got %v", rec.kinds("u1"))
	}

	before := len(rec.kinds("u2")) + len(rec.kinds("u3"))
	clk.Advance(10 * time.Second)
	after := len(rec.kinds("u2")) + len(rec.kinds("u3"))
	if before != after {
		t.Fatal("cancelled drain still produced queue events")
	}
}

func TestForceReleaseAllClearsQueue(t *testing.T) {
	ctrl, _, rec := newTestController(t, Config{})
	mustGrant(t, ctrl, "u1")
	mustClaim(t, ctrl, "u2")
	mustClaim(t, ctrl, "u3")
	res, err := ctrl.ForceReleaseAll(context.Background())
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if res.Released != 1 || res.Cleared != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !rec.has("u3", api.EventQueueCleared) {
		t.Fatalf("expected queue_cleared for u3, got %v", rec.kinds("u3"))
	}
}

func TestSessionInfo(t *testing.T) {
	ctrl, clk, _ := newTestController(t, Config{})
	res := mustGrant(t, ctrl, "u1")
	clk.Advance(90 * time.Second)
	info, ok := ctrl.SessionInfo(res.LeaseID)
	if !ok {
		t.Fatal("expected session info")
	}
	if info.UserID != "u1" || info.RemainingSeconds != 210 || info.RemainingMinutes != 4 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, ok := ctrl.SessionInfo("lease_missing"); ok {
		t.Fatal("expected missing lease to report false")
	}
}

func TestTimeSinceLastSessionEnd(t *testing.T) {
	ctrl, clk, _ := newTestController(t, Config{})
	if got := ctrl.Stats().TimeSinceLastSessionEnd; got != 0 {
		t.Fatalf("expected 0 before any release, got %d", got)
	}
	res := mustGrant(t, ctrl, "u1")
	mustRelease(t, ctrl, res.LeaseID, api.ReasonUserDisconnect)
	clk.Advance(1500 * time.Millisecond)
	if got := ctrl.Stats().TimeSinceLastSessionEnd; got != 1500 {
		t.Fatalf("expected 1500ms, got %d", got)
	}
}

func TestClosedControllerRejects(t *testing.T) {
	ctrl, clk, rec := newTestController(t, Config{})
	mustGrant(t, ctrl, "u1")
	ctrl.Close()
	if _, err := ctrl.RequestClaim(context.Background(), "u2"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	clk.Advance(10 * time.Minute)
	if rec.has("u1", api.EventSessionExpired) {
		t.Fatal("timers must stop on close")
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"negative duration", Config{LeaseDuration: -time.Second}},
		{"negative capacity", Config{MaxConcurrent: -1}},
		{"zero threshold", Config{WarningThresholds: []time.Duration{0}}},
		{"negative cooldown", Config{Cooldown: -time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestWarningThresholdsOutsideLeaseAreSkipped(t *testing.T) {
	ctrl, clk, rec := newTestController(t, Config{LeaseDuration: 90 * time.Second})
	mustGrant(t, ctrl, "u1")
	clk.Advance(90 * time.Second)
	want := []api.EventKind{api.EventSessionStarted, api.EventTimeWarning, api.EventTimeWarningFinal, api.EventSessionExpired}
	got := rec.kinds("u1")
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
