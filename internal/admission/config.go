package admission

import (
	"context"
	"fmt"
	"sort"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/voicelease/api"
	"pkt.systems/voicelease/internal/clock"
)

const (
	// DefaultLeaseDuration is the hard time budget of one lease.
	DefaultLeaseDuration = 5 * time.Minute
	// DefaultFinalWarningGrace is how long before expiry the final warning fires.
	DefaultFinalWarningGrace = 30 * time.Second
	// DefaultMaxConcurrent is the number of leases that may exist at once.
	DefaultMaxConcurrent = 1
	// DefaultQueueTimeout prunes queue entries that never came back.
	DefaultQueueTimeout = 10 * time.Minute
	// DefaultCooldown suppresses re-claims after a release.
	DefaultCooldown = 3 * time.Second
	// DefaultDrainDebounce collapses bursts of releases into one drain pass.
	DefaultDrainDebounce = 500 * time.Millisecond
	// DefaultDrainSettle is the pause before the drain re-checks capacity.
	DefaultDrainSettle = 300 * time.Millisecond
)

// DefaultWarningThresholds returns the default staged warnings, expressed as
// time left before expiry.
func DefaultWarningThresholds() []time.Duration {
	return []time.Duration{3 * time.Minute, 2 * time.Minute, time.Minute}
}

// Notifier receives lifecycle events. Implementations must not call back
// into the controller synchronously.
type Notifier interface {
	Notify(ctx context.Context, ev api.Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev api.Event)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, ev api.Event) {
	f(ctx, ev)
}

// Config tunes the controller. Zero values take the defaults above.
type Config struct {
	LeaseDuration     time.Duration
	WarningThresholds []time.Duration
	FinalWarningGrace time.Duration
	MaxConcurrent     int
	QueueTimeout      time.Duration
	Cooldown          time.Duration
	DrainDebounce     time.Duration
	DrainSettle       time.Duration

	Clock    clock.Clock
	Logger   pslog.Logger
	Notifier Notifier
}

func (c Config) withDefaults() (Config, error) {
	if c.LeaseDuration == 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.LeaseDuration < 0 {
		return c, fmt.Errorf("admission: lease duration must be positive")
	}
	if c.WarningThresholds == nil {
		c.WarningThresholds = DefaultWarningThresholds()
	}
	thresholds := make([]time.Duration, 0, len(c.WarningThresholds))
	for _, th := range c.WarningThresholds {
		if th <= 0 {
			return c, fmt.Errorf("admission: warning threshold %s must be positive", th)
		}
		thresholds = append(thresholds, th)
	}
	sort.Slice(thresholds, func(i, j int) bool { return thresholds[i] > thresholds[j] })
	c.WarningThresholds = thresholds
	if c.FinalWarningGrace == 0 {
		c.FinalWarningGrace = DefaultFinalWarningGrace
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxConcurrent < 0 {
		return c, fmt.Errorf("admission: max concurrent must be positive")
	}
	if c.QueueTimeout == 0 {
		c.QueueTimeout = DefaultQueueTimeout
	}
	if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.DrainDebounce == 0 {
		c.DrainDebounce = DefaultDrainDebounce
	}
	if c.DrainSettle == 0 {
		c.DrainSettle = DefaultDrainSettle
	}
	if c.QueueTimeout < 0 || c.Cooldown < 0 || c.DrainDebounce < 0 || c.DrainSettle < 0 || c.FinalWarningGrace < 0 {
		return c, fmt.Errorf("admission: durations must not be negative")
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Notifier == nil {
		c.Notifier = NotifierFunc(func(context.Context, api.Event) {})
	}
	return c, nil
}
