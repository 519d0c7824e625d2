package client

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// decodeCheckpoint parses a checkpoint body: a delta list followed by
// the snapshot HLC and a has-more byte. Strings and column values are
// uvarint length-prefixed, HLCs are fixed-width big-endian 64-bit. The
// byte layout matches the gateway's untagged sync-response encoding.
func decodeCheckpoint(body []byte) ([]Delta, error) {
	r := checkpointReader{buf: body}
	deltas := r.deltas()
	r.uint64() // snapshot HLC; the authoritative value rides the header
	r.byte()   // hasMore, always zero for checkpoints
	if r.err != nil {
		return nil, fmt.Errorf("checkpoint: %w", r.err)
	}
	if r.off != len(r.buf) {
		return nil, fmt.Errorf("checkpoint: %d trailing bytes", len(r.buf)-r.off)
	}
	return deltas, nil
}

// checkpointReader is a cursor over a checkpoint body. The first
// failure sticks; later reads return zero values.
type checkpointReader struct {
	buf []byte
	off int
	err error
}

func (r *checkpointReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

func (r *checkpointReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.fail("truncated at offset %d", r.off)
		return 0
	}
	r.off += n
	return v
}

func (r *checkpointReader) uint64() uint64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > len(r.buf) {
		r.fail("truncated at offset %d", r.off)
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *checkpointReader) byte() byte {
	if r.err != nil {
		return 0
	}
	if r.off >= len(r.buf) {
		r.fail("truncated at offset %d", r.off)
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *checkpointReader) take(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)-r.off) {
		r.fail("length %d exceeds remaining %d bytes", n, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b
}

func (r *checkpointReader) string() string {
	return string(r.take(r.uvarint()))
}

func (r *checkpointReader) bytes() []byte {
	b := r.take(r.uvarint())
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *checkpointReader) deltas() []Delta {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)) {
		r.fail("delta count %d exceeds body size", n)
		return nil
	}
	ds := make([]Delta, 0, n)
	for i := uint64(0); i < n && r.err == nil; i++ {
		var d Delta
		d.Op = Op(r.string())
		d.Table = r.string()
		d.RowID = r.string()
		d.ClientID = r.string()
		d.DeltaID = r.string()
		d.HLC = HLC(r.uint64())
		cols := r.uvarint()
		if cols > uint64(len(r.buf)) {
			r.fail("column count %d exceeds body size", cols)
			break
		}
		for j := uint64(0); j < cols && r.err == nil; j++ {
			name := r.string()
			value := r.bytes()
			d.Columns = append(d.Columns, Column{Name: name, Value: json.RawMessage(value)})
		}
		ds = append(ds, d)
	}
	return ds
}
