// Package metering aggregates usage events in memory and drains them to
// the control-plane store on an interval.
//
// Recording is fire-and-forget: callers never block on the sink, and a
// full aggregator drops new buckets rather than growing without bound.
// Loss on crash or shutdown is acceptable by design of the usage
// pipeline.
package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/lakesync/internal/store"
)

// Event types emitted by the core.
const (
	EventPushDeltas   = "push_deltas"
	EventPullDeltas   = "pull_deltas"
	EventFlushBytes   = "flush_bytes"
	EventFlushDeltas  = "flush_deltas"
	EventAPICall      = "api_call"
	EventWSConnection = "ws_connection"
)

// DefaultMaxBuckets bounds the aggregator's in-memory footprint.
const DefaultMaxBuckets = 10000

// DefaultDrainInterval is how often the aggregator drains to its sink.
const DefaultDrainInterval = time.Minute

// Sink receives drained usage rows.
type Sink interface {
	AppendUsageEvents(ctx context.Context, events []store.UsageEvent) error
}

// NopSink discards every drain. Used when metering is disabled.
type NopSink struct{}

func (NopSink) AppendUsageEvents(context.Context, []store.UsageEvent) error { return nil }

type bucketKey struct {
	gatewayID string
	eventType string
	minute    int64
}

// Aggregator buffers usage counts keyed by (gateway, event, minute).
type Aggregator struct {
	sink       Sink
	interval   time.Duration
	maxBuckets int
	now        func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]int64
	dropped int64
}

// Option tweaks an Aggregator.
type Option func(*Aggregator)

// WithInterval overrides the drain interval.
func WithInterval(d time.Duration) Option {
	return func(a *Aggregator) { a.interval = d }
}

// WithMaxBuckets overrides the bucket cap.
func WithMaxBuckets(n int) Option {
	return func(a *Aggregator) { a.maxBuckets = n }
}

// WithNow pins the aggregator's clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an aggregator draining to sink.
func New(sink Sink, opts ...Option) *Aggregator {
	a := &Aggregator{
		sink:       sink,
		interval:   DefaultDrainInterval,
		maxBuckets: DefaultMaxBuckets,
		now:        time.Now,
		buckets:    make(map[bucketKey]int64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record adds count occurrences of an event for a gateway in the
// current minute bucket. When the aggregator is full and the bucket is
// new, the event is dropped and counted as such.
func (a *Aggregator) Record(gatewayID, eventType string, count int64) {
	if count <= 0 {
		return
	}
	key := bucketKey{
		gatewayID: gatewayID,
		eventType: eventType,
		minute:    a.now().Truncate(time.Minute).Unix(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.buckets[key]; !exists && len(a.buckets) >= a.maxBuckets {
		a.dropped++
		return
	}
	a.buckets[key] += count
}

// Drain flushes every buffered bucket to the sink. On sink failure the
// batch is dropped; usage metering never retries.
func (a *Aggregator) Drain(ctx context.Context) {
	a.mu.Lock()
	if len(a.buckets) == 0 {
		a.mu.Unlock()
		return
	}
	batch := make([]store.UsageEvent, 0, len(a.buckets))
	for key, count := range a.buckets {
		batch = append(batch, store.UsageEvent{
			GatewayID: key.gatewayID,
			EventType: key.eventType,
			Count:     count,
			Minute:    time.Unix(key.minute, 0).UTC(),
		})
	}
	dropped := a.dropped
	a.buckets = make(map[bucketKey]int64)
	a.dropped = 0
	a.mu.Unlock()

	if err := a.sink.AppendUsageEvents(ctx, batch); err != nil {
		slog.Warn("usage drain failed, batch dropped",
			"component", "metering",
			"action", "drain_failed",
			"events", len(batch),
			"error", err,
		)
		return
	}
	if dropped > 0 {
		slog.Warn("usage events dropped at capacity",
			"component", "metering",
			"action", "events_dropped",
			"dropped", dropped,
		)
	}
}

// Run drains on the configured interval until the context ends, then
// makes one final best-effort drain.
func (a *Aggregator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "metering-drain",
		"interval", a.interval.String(),
	)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.Drain(drainCtx)
			cancel()
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "metering-drain",
			)
			return
		case <-ticker.C:
			a.Drain(ctx)
		}
	}
}
