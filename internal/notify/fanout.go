// Package notify delivers admission lifecycle events to the places a user
// interface can pick them up: the log, websocket subscribers, NATS and
// Redis.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"pkt.systems/pslog"

	"pkt.systems/voicelease/api"
	"pkt.systems/voicelease/internal/svcfields"
)

// DefaultBuffer is the number of events queued ahead of the sinks.
const DefaultBuffer = 256

// Sink receives events from a Fanout. Deliver is called from a single
// goroutine.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev api.Event) error
	Close() error
}

// Fanout queues events and delivers them to every sink in the background,
// so the admission controller never waits on a slow subscriber. Events that
// do not fit in the buffer are dropped and counted.
type Fanout struct {
	logger  pslog.Logger
	sinks   []Sink
	events  chan api.Event
	timeout time.Duration

	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	abort     chan struct{}
	done      chan struct{}
}

// NewFanout starts the delivery goroutine. A non-positive buffer uses
// DefaultBuffer.
func NewFanout(logger pslog.Logger, buffer int, sinks ...Sink) *Fanout {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	f := &Fanout{
		logger:  svcfields.WithSubsystem(logger, "notify.fanout"),
		sinks:   sinks,
		events:  make(chan api.Event, buffer),
		timeout: 5 * time.Second,
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go f.run()
	return f
}

// Notify enqueues ev without blocking.
func (f *Fanout) Notify(_ context.Context, ev api.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.dropped.Inc()
		return
	}
	select {
	case f.events <- ev:
	default:
		f.dropped.Inc()
		f.logger.Warn("notify.event.dropped", "kind", ev.Kind, "user_id", ev.UserID)
	}
}

func (f *Fanout) run() {
	defer close(f.done)
	for ev := range f.events {
		select {
		case <-f.abort:
			f.dropped.Inc()
			continue
		default:
		}
		for _, sink := range f.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			err := sink.Deliver(ctx, ev)
			cancel()
			if err != nil {
				f.failed.Inc()
				f.logger.Warn("notify.sink.failed", "sink", sink.Name(), "kind", ev.Kind, "error", err)
			}
		}
		f.delivered.Inc()
	}
}

// Stats reports delivered, dropped and failed counts.
func (f *Fanout) Stats() (delivered, dropped, failed int64) {
	return f.delivered.Load(), f.dropped.Load(), f.failed.Load()
}

// Close stops accepting events, flushes the buffer and closes every sink.
// When ctx ends first, the remaining buffered events are dropped and the
// sinks are closed in the background once the in-flight delivery returns;
// a sink is never closed while Deliver is running.
func (f *Fanout) Close(ctx context.Context) error {
	var err error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		close(f.events)
		f.mu.Unlock()
		select {
		case <-f.done:
			err = f.closeSinks()
		case <-ctx.Done():
			err = ctx.Err()
			close(f.abort)
			go func() {
				<-f.done
				if cerr := f.closeSinks(); cerr != nil {
					f.logger.Warn("notify.sink.close_failed", "error", cerr)
				}
			}()
		}
	})
	return err
}

func (f *Fanout) closeSinks() error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every event to the structured log.
type LogSink struct {
	logger pslog.Logger
}

// NewLogSink returns a sink logging under the notify.log subsystem.
func NewLogSink(logger pslog.Logger) *LogSink {
	return &LogSink{logger: svcfields.WithSubsystem(logger, "notify.log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, ev api.Event) error {
	s.logger.Info("notify.event",
		"kind", ev.Kind,
		"user_id", ev.UserID,
		"lease_id", ev.LeaseID,
		"position", ev.Position,
		"message", ev.Message,
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
