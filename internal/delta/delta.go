// Package delta defines the row delta model shared by every layer of
// the gateway: the ingest handlers, the LWW resolver, the buffer, the
// flush codecs and the wire protocol.
package delta

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/hyperengineering/lakesync/internal/errs"
	"github.com/hyperengineering/lakesync/internal/hlc"
)

// Op is the kind of row change a delta carries.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Valid reports whether the op is one of the three known kinds.
func (o Op) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// Column is one named cell change. Value holds the raw JSON so scalars
// and objects pass through untouched; order within a delta matters and
// is preserved.
type Column struct {
	Name  string          `json:"column"`
	Value json.RawMessage `json:"value"`
}

// RowKey identifies the logical row a delta touches.
type RowKey struct {
	Table string
	RowID string
}

// Delta is one row change produced by a client. DeltaID is derived
// from the other fields; see ComputeID.
type Delta struct {
	Op       Op            `json:"op"`
	Table    string        `json:"table"`
	RowID    string        `json:"rowId"`
	ClientID string        `json:"clientId"`
	Columns  []Column      `json:"columns"`
	HLC      hlc.Timestamp `json:"hlc"`
	DeltaID  string        `json:"deltaId,omitempty"`
}

// Key returns the row key the delta addresses.
func (d Delta) Key() RowKey {
	return RowKey{Table: d.Table, RowID: d.RowID}
}

// Validate checks the shape of an incoming delta before any schema or
// clock work happens.
func (d Delta) Validate() error {
	if !d.Op.Valid() {
		return errs.Newf(errs.KindValidation, "op must be INSERT, UPDATE or DELETE, got %q", d.Op)
	}
	if d.Table == "" {
		return errs.New(errs.KindValidation, "table is required")
	}
	if d.RowID == "" {
		return errs.New(errs.KindValidation, "rowId is required")
	}
	if d.ClientID == "" {
		return errs.New(errs.KindValidation, "clientId is required")
	}
	if d.HLC == 0 {
		return errs.New(errs.KindValidation, "hlc is required")
	}
	if d.Op == OpDelete && len(d.Columns) > 0 {
		return errs.New(errs.KindValidation, "DELETE must not carry columns")
	}
	if d.Op != OpDelete && len(d.Columns) == 0 {
		return errs.Newf(errs.KindValidation, "%s must carry at least one column", d.Op)
	}
	for _, c := range d.Columns {
		if c.Name == "" {
			return errs.New(errs.KindValidation, "column name is required")
		}
		if !json.Valid(c.Value) {
			return errs.Newf(errs.KindValidation, "column %q has invalid JSON value", c.Name)
		}
	}
	return nil
}

// ComputeID derives the content hash of the delta: lowercase-hex
// SHA-256 over the stable JSON form of (clientId, hlc-as-string,
// table, rowId, columns). Stable means object keys sorted everywhere,
// so producers that order JSON keys differently still agree on the ID.
func (d Delta) ComputeID() (string, error) {
	var buf []byte
	buf = append(buf, `{"clientId":`...)
	buf = appendJSONString(buf, d.ClientID)
	buf = append(buf, `,"columns":[`...)
	for i, c := range d.Columns {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, `{"column":`...)
		buf = appendJSONString(buf, c.Name)
		buf = append(buf, `,"value":`...)
		var err error
		buf, err = appendCanonicalJSON(buf, c.Value)
		if err != nil {
			return "", errs.Wrap(errs.KindValidation, "column "+c.Name, err)
		}
		buf = append(buf, '}')
	}
	buf = append(buf, `],"hlc":`...)
	buf = appendJSONString(buf, d.HLC.String())
	buf = append(buf, `,"rowId":`...)
	buf = appendJSONString(buf, d.RowID)
	buf = append(buf, `,"table":`...)
	buf = appendJSONString(buf, d.Table)
	buf = append(buf, '}')

	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// Size approximates the delta's buffered footprint in bytes. The
// buffer sums these for its byte threshold; the figure tracks payload
// size, not exact heap usage.
func (d Delta) Size() int {
	n := 64 + len(d.Op) + len(d.Table) + len(d.RowID) + len(d.ClientID) + len(d.DeltaID)
	for _, c := range d.Columns {
		n += len(c.Name) + len(c.Value) + 16
	}
	return n
}
