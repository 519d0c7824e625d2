// Package hlc implements the hybrid logical clock that totally orders
// deltas across a gateway.
//
// A timestamp packs 48 bits of wall-clock milliseconds and a 16-bit
// logical counter into one uint64, so timestamp comparison is plain
// unsigned comparison. Each gateway session owns exactly one Clock;
// the clock is the single mutator of its state.
package hlc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hyperengineering/lakesync/internal/errs"
)

// MaxDriftMS is the tolerated lead of a remote wall clock over the
// local one. Remote timestamps further ahead are rejected.
const MaxDriftMS = 5000

const (
	counterBits = 16
	counterMask = 1<<counterBits - 1
	maxCounter  = counterMask
)

// Timestamp is a packed hybrid logical timestamp. The zero value sorts
// before every real timestamp and doubles as "no timestamp".
type Timestamp uint64

// FromParts packs a wall time in milliseconds and a logical counter.
func FromParts(wallMS int64, counter uint16) Timestamp {
	return Timestamp(uint64(wallMS)<<counterBits | uint64(counter))
}

// Wall returns the wall-clock component in milliseconds since the Unix
// epoch.
func (t Timestamp) Wall() int64 { return int64(t >> counterBits) }

// Counter returns the logical counter component.
func (t Timestamp) Counter() uint16 { return uint16(t & counterMask) }

// String renders the timestamp as a decimal integer, the form used on
// every JSON surface.
func (t Timestamp) String() string { return strconv.FormatUint(uint64(t), 10) }

// Parse reads a decimal-string timestamp.
func Parse(s string) (Timestamp, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errs.Newf(errs.KindValidation, "invalid HLC %q", s)
	}
	return Timestamp(v), nil
}

// MarshalJSON renders the timestamp as a decimal string. 64-bit values
// do not survive JSON number parsing in every peer runtime, so the
// string form is the wire form.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts both the decimal-string wire form and a bare
// JSON number.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := Parse(s)
		if perr != nil {
			return perr
		}
		*t = parsed
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid HLC value %s", string(data))
	}
	*t = Timestamp(n)
	return nil
}

// Compare orders two timestamps: -1 if a < b, 0 if equal, 1 if a > b.
func Compare(a, b Timestamp) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Clock issues strictly monotonic timestamps for one gateway.
type Clock struct {
	mu      sync.Mutex
	wall    int64
	counter uint32
	nowFn   func() time.Time
}

// NewClock returns a clock reading the system wall clock.
func NewClock() *Clock {
	return &Clock{nowFn: time.Now}
}

// NewClockWithNow returns a clock reading the given time source. Used
// by tests to drive the wall clock deterministically.
func NewClockWithNow(now func() time.Time) *Clock {
	return &Clock{nowFn: now}
}

// Now advances the clock and returns a timestamp strictly greater than
// every timestamp this instance has returned before.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.nowFn().UnixMilli()
	if p > c.wall {
		c.wall = p
		c.counter = 0
	} else {
		c.counter++
	}
	c.rollover()
	return FromParts(c.wall, uint16(c.counter))
}

// Recv merges a remote timestamp into the clock and returns a local
// timestamp strictly greater than both the remote one and everything
// issued locally before. Remote wall clocks more than MaxDriftMS ahead
// of the local wall clock are rejected with a clock-drift error.
func (c *Clock) Recv(remote Timestamp) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rw := remote.Wall()
	rc := uint32(remote.Counter())
	p := c.nowFn().UnixMilli()

	if rw-p > MaxDriftMS {
		return 0, errs.Newf(errs.KindClockDrift,
			"remote HLC wall %d is %dms ahead of local clock", rw, rw-p)
	}

	w := max(p, c.wall)
	switch {
	case rw > w:
		c.wall = rw
		c.counter = rc + 1
	case rw == w:
		c.wall = w
		c.counter = max(c.counter, rc) + 1
	default:
		c.wall = w
		c.counter++
	}
	c.rollover()
	return FromParts(c.wall, uint16(c.counter)), nil
}

// rollover spills counter overflow into the wall component. Callers
// hold the mutex.
func (c *Clock) rollover() {
	if c.counter > maxCounter {
		c.wall++
		c.counter = 0
	}
}
