// Package buffer holds the in-memory delta log a gateway accumulates
// between flushes.
//
// The log stays sorted by HLC with stable order for ties. A row-key
// index carries the surviving delta per row for LWW replacement, and a
// seen-set of deltaIds makes duplicate pushes idempotent. A Buffer is
// not safe for concurrent use; the owning gateway session serialises
// access.
package buffer

import (
	"slices"
	"sort"
	"time"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
)

// Stats is a point-in-time view of the buffer's footprint.
type Stats struct {
	Bytes     int
	LogSize   int
	IndexSize int
	OldestAt  time.Time
}

// Buffer is the ordered, indexed delta log.
type Buffer struct {
	log    []delta.Delta
	index  map[delta.RowKey]delta.Delta
	ids    map[string]struct{}
	bytes  int
	oldest time.Time
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{
		index: make(map[delta.RowKey]delta.Delta),
		ids:   make(map[string]struct{}),
	}
}

// Len returns the number of deltas in the log.
func (b *Buffer) Len() int { return len(b.log) }

// Bytes returns the approximate buffered payload size.
func (b *Buffer) Bytes() int { return b.bytes }

// Has reports whether a deltaId was already accepted in this buffer
// epoch. Replaced losers stay in the seen-set so re-pushes of them
// remain no-ops.
func (b *Buffer) Has(deltaID string) bool {
	_, ok := b.ids[deltaID]
	return ok
}

// Get returns the surviving delta for a row key.
func (b *Buffer) Get(key delta.RowKey) (delta.Delta, bool) {
	d, ok := b.index[key]
	return d, ok
}

// Stats snapshots the footprint counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		Bytes:     b.bytes,
		LogSize:   len(b.log),
		IndexSize: len(b.index),
		OldestAt:  b.oldest,
	}
}

// Upsert merges one delta into the buffer. Duplicates by deltaId
// no-op and report added=false. A delta for an already-buffered row
// replaces it with the LWW resolution; the log position follows the
// winner's HLC. The returned delta is the one now representing the
// row.
func (b *Buffer) Upsert(d delta.Delta, now time.Time) (delta.Delta, bool, error) {
	if b.Has(d.DeltaID) {
		if cur, ok := b.index[d.Key()]; ok {
			return cur, false, nil
		}
		return d, false, nil
	}

	prior, exists := b.index[d.Key()]
	if !exists {
		b.insert(d, now)
		return d, true, nil
	}

	merged, err := delta.Resolve(prior, d)
	if err != nil {
		return delta.Delta{}, false, err
	}
	b.remove(prior)
	b.insert(merged, now)
	b.ids[d.DeltaID] = struct{}{}
	return merged, true, nil
}

// ScanAfter returns every buffered delta with hlc > since in ascending
// HLC order. The result is a copy; mutating it does not touch the log.
func (b *Buffer) ScanAfter(since hlc.Timestamp) []delta.Delta {
	pos := sort.Search(len(b.log), func(i int) bool { return b.log[i].HLC > since })
	out := make([]delta.Delta, len(b.log)-pos)
	copy(out, b.log[pos:])
	return out
}

// Snapshot returns the full log and resets the buffer to empty. The
// caller owns the returned slice.
func (b *Buffer) Snapshot() []delta.Delta {
	snap := b.log
	b.log = nil
	b.index = make(map[delta.RowKey]delta.Delta)
	b.ids = make(map[string]struct{})
	b.bytes = 0
	b.oldest = time.Time{}
	return snap
}

// Restore merges a failed flush's snapshot back in. Rows pushed while
// the flush was in flight win their LWW merges as usual; with no
// interleaving the buffer returns to its exact pre-snapshot state.
// takenAt restores the age accounting of the snapshot's entries.
func (b *Buffer) Restore(snapshot []delta.Delta, takenAt time.Time) error {
	for _, d := range snapshot {
		if _, _, err := b.Upsert(d, takenAt); err != nil {
			return err
		}
	}
	if !takenAt.IsZero() && (b.oldest.IsZero() || takenAt.Before(b.oldest)) {
		b.oldest = takenAt
	}
	return nil
}

func (b *Buffer) insert(d delta.Delta, now time.Time) {
	pos := sort.Search(len(b.log), func(i int) bool { return b.log[i].HLC > d.HLC })
	b.log = slices.Insert(b.log, pos, d)
	b.index[d.Key()] = d
	b.ids[d.DeltaID] = struct{}{}
	b.bytes += d.Size()
	// Only a drained buffer restarts the age clock; replacing the sole
	// buffered row keeps the original arrival time.
	if b.oldest.IsZero() {
		b.oldest = now
	}
}

func (b *Buffer) remove(prior delta.Delta) {
	pos := sort.Search(len(b.log), func(i int) bool { return b.log[i].HLC >= prior.HLC })
	for pos < len(b.log) && b.log[pos].HLC == prior.HLC {
		if b.log[pos].DeltaID == prior.DeltaID {
			b.log = slices.Delete(b.log, pos, pos+1)
			break
		}
		pos++
	}
	delete(b.index, prior.Key())
	b.bytes -= prior.Size()
}
