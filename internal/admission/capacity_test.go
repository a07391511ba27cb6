package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/voicelease/api"
	"pkt.systems/voicelease/internal/clock"
)

func TestConcurrentClaimsNeverExceedCapacity(t *testing.T) {
	for _, capacity := range []int{1, 3} {
		t.Run(fmt.Sprintf("max=%d", capacity), func(t *testing.T) {
			ctrl, err := New(Config{
				MaxConcurrent: capacity,
				LeaseDuration: time.Hour,
				Clock:         clock.Real{},
				Logger:        pslog.NoopLogger(),
			})
			if err != nil {
				t.Fatalf("new controller: %v", err)
			}
			defer ctrl.Close()

			var granted atomic.Int64
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < 64; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					res, err := ctrl.RequestClaim(context.Background(), fmt.Sprintf("user-%d", i))
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if res.Granted {
						granted.Add(1)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			if got := granted.Load(); got != int64(capacity) {
				t.Fatalf("expected %d grants, got %d", capacity, got)
			}
			stats := ctrl.Stats()
			if stats.ActiveSessions != capacity || stats.QueueLength != 64-capacity {
				t.Fatalf("unexpected stats %+v", stats)
			}
		})
	}
}

func TestConcurrentReleaseAndClaimKeepsInvariant(t *testing.T) {
	ctrl, err := New(Config{
		LeaseDuration: time.Hour,
		Cooldown:      time.Millisecond,
		Clock:         clock.Real{},
		Logger:        pslog.NoopLogger(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer ctrl.Close()

	var wg sync.WaitGroup
	var violations atomic.Int64
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			for round := 0; round < 50; round++ {
				res, err := ctrl.RequestClaim(context.Background(), user)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if stats := ctrl.Stats(); stats.ActiveSessions > 1 {
					violations.Add(1)
				}
				if res.Granted {
					if _, err := ctrl.ReleaseClaim(context.Background(), res.LeaseID, api.ReasonUserDisconnect); err != nil {
						t.Errorf("release: %v", err)
						return
					}
				}
			}
		}(i)
	}
	wg.Wait()
	if v := violations.Load(); v != 0 {
		t.Fatalf("observed %d capacity violations", v)
	}
}
