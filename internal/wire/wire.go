// Package wire implements the binary framing used on WebSocket
// connections and for checkpoint chunks.
//
// A frame is one tag byte followed by the message body. Bodies encode
// fields in a fixed order: strings and byte blobs are uvarint
// length-prefixed, HLC timestamps are fixed-width big-endian 64-bit,
// counts are uvarints. Text frames are never valid.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/errs"
	"github.com/hyperengineering/lakesync/internal/hlc"
)

// Frame tags. Every frame in either direction starts with one of
// these.
const (
	TagSyncPush  byte = 0x01
	TagSyncPull  byte = 0x02
	TagBroadcast byte = 0x03
)

// MaxBodyBytes caps a decoded frame body. Bodies over this limit are
// rejected before any allocation happens.
const MaxBodyBytes = 1 << 20

// SyncPush is a client pushing deltas upstream.
type SyncPush struct {
	ClientID    string
	LastSeenHLC hlc.Timestamp
	Deltas      []delta.Delta
}

// SyncPull is a client requesting deltas it has not seen.
type SyncPull struct {
	ClientID  string
	SinceHLC  hlc.Timestamp
	MaxDeltas int
}

// SyncResponse carries deltas downstream. It is the body of push
// acknowledgements, pull replies, broadcasts and checkpoint chunks.
type SyncResponse struct {
	Deltas    []delta.Delta
	ServerHLC hlc.Timestamp
	HasMore   bool
}

// EncodeSyncPushFrame renders a tagged SyncPush frame.
func EncodeSyncPushFrame(m SyncPush) []byte {
	buf := []byte{TagSyncPush}
	buf = appendString(buf, m.ClientID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.LastSeenHLC))
	buf = appendDeltas(buf, m.Deltas)
	return buf
}

// EncodeSyncPullFrame renders a tagged SyncPull frame.
func EncodeSyncPullFrame(m SyncPull) []byte {
	buf := []byte{TagSyncPull}
	buf = appendString(buf, m.ClientID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.SinceHLC))
	buf = binary.AppendUvarint(buf, uint64(m.MaxDeltas))
	return buf
}

// EncodeBroadcastFrame renders a tagged SyncResponse frame. The same
// frame shape answers pushes, pulls and unsolicited broadcasts.
func EncodeBroadcastFrame(m SyncResponse) []byte {
	return append([]byte{TagBroadcast}, EncodeSyncResponse(m)...)
}

// EncodeSyncResponse renders an untagged SyncResponse body, the form
// stored in checkpoint chunks and returned by checkpoint fan-out.
func EncodeSyncResponse(m SyncResponse) []byte {
	var buf []byte
	buf = appendDeltas(buf, m.Deltas)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.ServerHLC))
	if m.HasMore {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// DecodeSyncPush decodes a SyncPush body (the frame minus its tag).
func DecodeSyncPush(body []byte) (SyncPush, error) {
	r := reader{buf: body}
	var m SyncPush
	m.ClientID = r.string()
	m.LastSeenHLC = hlc.Timestamp(r.uint64())
	m.Deltas = r.deltas()
	if err := r.finish(); err != nil {
		return SyncPush{}, err
	}
	return m, nil
}

// DecodeSyncPull decodes a SyncPull body.
func DecodeSyncPull(body []byte) (SyncPull, error) {
	r := reader{buf: body}
	var m SyncPull
	m.ClientID = r.string()
	m.SinceHLC = hlc.Timestamp(r.uint64())
	m.MaxDeltas = int(r.uvarint())
	if err := r.finish(); err != nil {
		return SyncPull{}, err
	}
	return m, nil
}

// DecodeSyncResponse decodes an untagged SyncResponse body.
func DecodeSyncResponse(body []byte) (SyncResponse, error) {
	r := reader{buf: body}
	var m SyncResponse
	m.Deltas = r.deltas()
	m.ServerHLC = hlc.Timestamp(r.uint64())
	m.HasMore = r.byte() == 1
	if err := r.finish(); err != nil {
		return SyncResponse{}, err
	}
	return m, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func appendDeltas(buf []byte, ds []delta.Delta) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(ds)))
	for _, d := range ds {
		buf = appendString(buf, string(d.Op))
		buf = appendString(buf, d.Table)
		buf = appendString(buf, d.RowID)
		buf = appendString(buf, d.ClientID)
		buf = appendString(buf, d.DeltaID)
		buf = binary.BigEndian.AppendUint64(buf, uint64(d.HLC))
		buf = binary.AppendUvarint(buf, uint64(len(d.Columns)))
		for _, c := range d.Columns {
			buf = appendString(buf, c.Name)
			buf = appendBytes(buf, c.Value)
		}
	}
	return buf
}

// reader is a cursor over a frame body. The first failure sticks; all
// later reads return zero values so decode paths stay linear.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = errs.Newf(errs.KindValidation, format, args...)
	}
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.fail("truncated message at offset %d", r.off)
		return 0
	}
	r.off += n
	return v
}

func (r *reader) uint64() uint64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > len(r.buf) {
		r.fail("truncated message at offset %d", r.off)
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if r.off >= len(r.buf) {
		r.fail("truncated message at offset %d", r.off)
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *reader) take(n uint64) []byte {
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

func (r *reader) string() string {
	return string(r.take(r.uvarint()))
}

func (r *reader) bytes() []byte {
	b := r.take(r.uvarint())
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) deltas() []delta.Delta {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)) {
		// More deltas than bytes left cannot decode; stop before
		// allocating a huge slice from a hostile count.
		r.fail("delta count %d exceeds body size", n)
		return nil
	}
	ds := make([]delta.Delta, 0, n)
	for i := uint64(0); i < n && r.err == nil; i++ {
		var d delta.Delta
		d.Op = delta.Op(r.string())
		d.Table = r.string()
		d.RowID = r.string()
		d.ClientID = r.string()
		d.DeltaID = r.string()
		d.HLC = hlc.Timestamp(r.uint64())
		cols := r.uvarint()
		if cols > uint64(len(r.buf)) {
			r.fail("column count %d exceeds body size", cols)
			break
		}
		for j := uint64(0); j < cols && r.err == nil; j++ {
			name := r.string()
			value := r.bytes()
			d.Columns = append(d.Columns, delta.Column{Name: name, Value: json.RawMessage(value)})
		}
		ds = append(ds, d)
	}
	return ds
}

func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return errs.Newf(errs.KindValidation, "%d trailing bytes after message", len(r.buf)-r.off)
	}
	return nil
}

// UnknownTagMessage renders the close reason for an unrecognised frame
// tag.
func UnknownTagMessage(tag byte) string {
	return fmt.Sprintf("Unknown message tag: 0x%02x", tag)
}
