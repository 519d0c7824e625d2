package client

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// HLC is a hybrid logical clock reading: 48 bits of wall-clock
// milliseconds over a 16-bit counter. It travels as a decimal string in
// JSON so 64-bit values survive JavaScript peers.
type HLC uint64

// NewHLC packs a wall-clock reading and counter.
func NewHLC(wallMS int64, counter uint16) HLC {
	return HLC(uint64(wallMS)<<16 | uint64(counter))
}

// Wall returns the wall-clock milliseconds.
func (h HLC) Wall() int64 { return int64(h >> 16) }

// Counter returns the logical counter.
func (h HLC) Counter() uint16 { return uint16(h) }

func (h HLC) String() string { return strconv.FormatUint(uint64(h), 10) }

// MarshalJSON encodes the timestamp as a decimal string.
func (h HLC) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON accepts the decimal string form.
func (h *HLC) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("hlc: %w", err)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("hlc: invalid timestamp %q", s)
	}
	*h = HLC(v)
	return nil
}

// Op is a delta operation.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Column is one changed column.
type Column struct {
	Name  string          `json:"column"`
	Value json.RawMessage `json:"value"`
}

// Delta is one row-level change as the gateway sees it.
type Delta struct {
	Op       Op       `json:"op"`
	Table    string   `json:"table"`
	RowID    string   `json:"rowId"`
	ClientID string   `json:"clientId"`
	Columns  []Column `json:"columns,omitempty"`
	HLC      HLC      `json:"hlc"`
	DeltaID  string   `json:"deltaId,omitempty"`
}

// PushRequest is the JSON push body.
type PushRequest struct {
	ClientID    string  `json:"clientId"`
	Deltas      []Delta `json:"deltas"`
	LastSeenHLC HLC     `json:"lastSeenHlc"`
}

// PushResponse acknowledges a push with the post-merge deltas.
type PushResponse struct {
	Accepted  int     `json:"accepted"`
	ServerHLC HLC     `json:"serverHlc"`
	Deltas    []Delta `json:"deltas,omitempty"`
}

// PullResponse carries a page of deltas in ascending HLC order.
type PullResponse struct {
	Deltas    []Delta `json:"deltas"`
	ServerHLC HLC     `json:"serverHlc"`
	HasMore   bool    `json:"hasMore"`
}

// APIError is the gateway's error body, surfaced verbatim.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Kind    string `json:"kind"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %s (%s, status %d)", e.Message, e.Kind, e.Status)
}
