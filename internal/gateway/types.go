package gateway

import (
	"time"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
)

// Buffer and request limits, per gateway. Zero fields take defaults.
type Limits struct {
	// MaxBufferBytes is the flush threshold on buffered payload size.
	MaxBufferBytes int
	// HighWatermarkBytes is the backpressure threshold. Zero means
	// equal to MaxBufferBytes.
	HighWatermarkBytes int
	// MaxBufferAge is the flush threshold on the oldest buffered entry.
	MaxBufferAge time.Duration
	// MaxPushPayloadBytes caps one push's approximate payload.
	MaxPushPayloadBytes int
	// MaxDeltasPerPush caps one push's delta count and doubles as the
	// buffer's count-based flush threshold.
	MaxDeltasPerPush int
	// MaxPullLimit caps any single pull.
	MaxPullLimit int
	// DefaultPullLimit applies when a pull names no limit.
	DefaultPullLimit int
}

// DefaultLimits returns the stock limit set.
func DefaultLimits() Limits {
	return Limits{
		MaxBufferBytes:      4 << 20,
		MaxBufferAge:        30 * time.Second,
		MaxPushPayloadBytes: 1 << 20,
		MaxDeltasPerPush:    10000,
		MaxPullLimit:        10000,
		DefaultPullLimit:    100,
	}
}

// withDefaults fills zero fields from DefaultLimits. The high
// watermark defaults to the buffer cap itself.
func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxBufferBytes <= 0 {
		l.MaxBufferBytes = def.MaxBufferBytes
	}
	if l.HighWatermarkBytes <= 0 {
		l.HighWatermarkBytes = l.MaxBufferBytes
	}
	if l.MaxBufferAge <= 0 {
		l.MaxBufferAge = def.MaxBufferAge
	}
	if l.MaxPushPayloadBytes <= 0 {
		l.MaxPushPayloadBytes = def.MaxPushPayloadBytes
	}
	if l.MaxDeltasPerPush <= 0 {
		l.MaxDeltasPerPush = def.MaxDeltasPerPush
	}
	if l.MaxPullLimit <= 0 {
		l.MaxPullLimit = def.MaxPullLimit
	}
	if l.DefaultPullLimit <= 0 {
		l.DefaultPullLimit = def.DefaultPullLimit
	}
	return l
}

// PushRequest is one client push. LastSeenHLC is informational; the
// server's clock advances from each delta's own timestamp.
type PushRequest struct {
	ClientID    string        `json:"clientId"`
	Deltas      []delta.Delta `json:"deltas"`
	LastSeenHLC hlc.Timestamp `json:"lastSeenHlc"`
}

// PushResponse acknowledges a push. Deltas holds the post-merge form
// of every pushed row, in input order.
type PushResponse struct {
	Accepted  int           `json:"accepted"`
	ServerHLC hlc.Timestamp `json:"serverHlc"`
	Deltas    []delta.Delta `json:"deltas,omitempty"`
}

// PullRequest asks for buffered deltas after a watermark.
type PullRequest struct {
	ClientID string        `json:"clientId"`
	Since    hlc.Timestamp `json:"since"`
	Limit    int           `json:"limit"`
}

// PullResponse carries deltas in ascending HLC order.
type PullResponse struct {
	Deltas    []delta.Delta `json:"deltas"`
	ServerHLC hlc.Timestamp `json:"serverHlc"`
	HasMore   bool          `json:"hasMore"`
}

// Stats is the admin view of one session.
type Stats struct {
	GatewayID    string        `json:"gatewayId"`
	BufferBytes  int           `json:"bufferBytes"`
	BufferDeltas int           `json:"bufferDeltas"`
	IndexSize    int           `json:"indexSize"`
	FlushRetries int           `json:"flushRetries"`
	Sockets      int           `json:"sockets"`
	AlarmPending bool          `json:"alarmPending"`
	OldestAge    time.Duration `json:"-"`
}

// Socket is one attached WebSocket as the session sees it: a stable
// identity plus the per-socket attachment and a way to send frames.
type Socket interface {
	ID() string
	ClientID() string
	Claims() map[string]any
	Send(frame []byte) error
}
