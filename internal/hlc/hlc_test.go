package hlc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hyperengineering/lakesync/internal/errs"
)

// fixedNow returns a time source pinned to the given Unix milliseconds.
func fixedNow(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestFromParts_PacksFullRange(t *testing.T) {
	const maxWall = int64(1)<<48 - 1

	ts := FromParts(maxWall, 65535)
	if uint64(ts) != ^uint64(0) {
		t.Errorf("FromParts(2^48-1, 65535) = %d, want 2^64-1", uint64(ts))
	}
	if ts.Wall() != maxWall {
		t.Errorf("Wall() = %d, want %d", ts.Wall(), maxWall)
	}
	if ts.Counter() != 65535 {
		t.Errorf("Counter() = %d, want 65535", ts.Counter())
	}
}

func TestClock_NowStrictlyMonotonic(t *testing.T) {
	// Frozen wall clock forces the counter path.
	c := NewClockWithNow(fixedNow(1_700_000_000_000))

	prev := c.Now()
	for i := 0; i < 1000; i++ {
		next := c.Now()
		if next <= prev {
			t.Fatalf("Now() not strictly increasing: %d then %d", prev, next)
		}
		prev = next
	}
}

func TestClock_NowAdvancesWithWall(t *testing.T) {
	ms := int64(1_700_000_000_000)
	c := NewClockWithNow(func() time.Time { ms += 10; return time.UnixMilli(ms) })

	a := c.Now()
	b := c.Now()
	if b.Wall() <= a.Wall() {
		t.Errorf("wall should advance with the time source: %d then %d", a.Wall(), b.Wall())
	}
	if b.Counter() != 0 {
		t.Errorf("counter should reset on wall advance, got %d", b.Counter())
	}
}

func TestClock_CounterOverflowRollsIntoWall(t *testing.T) {
	base := int64(1_700_000_000_000)
	c := NewClockWithNow(fixedNow(base))

	var last Timestamp
	for i := 0; i <= 65536; i++ {
		last = c.Now()
	}
	if last.Wall() != base+1 {
		t.Errorf("overflow wall = %d, want %d", last.Wall(), base+1)
	}
	if last.Counter() != 0 {
		t.Errorf("overflow counter = %d, want 0", last.Counter())
	}
}

func TestClock_RecvWithinDrift(t *testing.T) {
	base := int64(1_700_000_000_000)
	c := NewClockWithNow(fixedNow(base))

	remote := FromParts(base+MaxDriftMS, 7)
	got, err := c.Recv(remote)
	if err != nil {
		t.Fatalf("Recv at exactly MaxDriftMS should succeed, got %v", err)
	}
	if got <= remote {
		t.Errorf("Recv result %d should exceed remote %d", got, remote)
	}
	if got.Wall() != base+MaxDriftMS || got.Counter() != 8 {
		t.Errorf("Recv = (%d,%d), want (%d,8)", got.Wall(), got.Counter(), base+MaxDriftMS)
	}
}

func TestClock_RecvRejectsDrift(t *testing.T) {
	base := int64(1_700_000_000_000)
	c := NewClockWithNow(fixedNow(base))

	_, err := c.Recv(FromParts(base+MaxDriftMS+1, 0))
	if err == nil {
		t.Fatal("Recv beyond MaxDriftMS should fail")
	}
	if errs.KindOf(err) != errs.KindClockDrift {
		t.Errorf("kind = %q, want %q", errs.KindOf(err), errs.KindClockDrift)
	}
}

func TestClock_RecvEqualWallTakesMaxCounter(t *testing.T) {
	base := int64(1_700_000_000_000)
	c := NewClockWithNow(fixedNow(base))
	c.Now() // local state now (base, 0)

	got, err := c.Recv(FromParts(base, 41))
	if err != nil {
		t.Fatal(err)
	}
	if got.Wall() != base || got.Counter() != 42 {
		t.Errorf("Recv = (%d,%d), want (%d,42)", got.Wall(), got.Counter(), base)
	}
}

func TestClock_RecvStaleRemoteStillAdvances(t *testing.T) {
	base := int64(1_700_000_000_000)
	c := NewClockWithNow(fixedNow(base))
	first := c.Now()

	got, err := c.Recv(FromParts(base-10_000, 3))
	if err != nil {
		t.Fatal(err)
	}
	if got <= first {
		t.Errorf("Recv of stale remote must still advance: %d then %d", first, got)
	}
}

func TestClock_MixedSequenceMonotonic(t *testing.T) {
	base := int64(1_700_000_000_000)
	c := NewClockWithNow(fixedNow(base))

	prev := Timestamp(0)
	step := func(ts Timestamp, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		if ts <= prev {
			t.Fatalf("sequence not strictly increasing: %d then %d", prev, ts)
		}
		prev = ts
	}

	step(c.Now(), nil)
	step(c.Recv(FromParts(base+100, 5)))
	step(c.Now(), nil)
	step(c.Recv(FromParts(base-500, 9)))
	step(c.Recv(FromParts(base+100, 5)))
	step(c.Now(), nil)
}

func TestTimestamp_JSONStringForm(t *testing.T) {
	ts := FromParts(1_700_000_000_000, 12)

	data, err := json.Marshal(ts)
	if err != nil {
		t.Fatal(err)
	}
	want := `"` + ts.String() + `"`
	if string(data) != want {
		t.Errorf("Marshal = %s, want %s", data, want)
	}

	var back Timestamp
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != ts {
		t.Errorf("round trip = %d, want %d", back, ts)
	}
}

func TestTimestamp_JSONAcceptsNumber(t *testing.T) {
	var ts Timestamp
	if err := json.Unmarshal([]byte(`6553700`), &ts); err != nil {
		t.Fatal(err)
	}
	if ts != 6553700 {
		t.Errorf("got %d, want 6553700", ts)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-number"); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("Parse should fail with a validation kind, got %v", err)
	}
}

func TestCompare(t *testing.T) {
	a := FromParts(100, 1)
	b := FromParts(100, 2)
	if Compare(a, b) != -1 || Compare(b, a) != 1 || Compare(a, a) != 0 {
		t.Error("Compare ordering is wrong")
	}
}
