// Package lake reads and writes the durable artifacts of a gateway:
// immutable flush files and compacted checkpoint chunks.
//
// Flush files are parquet when the gateway has a table schema and
// JSON-lines otherwise. Both forms are self-describing: the exact
// delta list, HLCs and deltaIds included, can be restored from the
// file alone.
package lake

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
)

// File extensions and content types per flush format.
const (
	ExtParquet = "parquet"
	ExtJSONL   = "jsonl"

	contentTypeParquet = "application/vnd.apache.parquet"
	contentTypeJSONL   = "application/jsonl"
)

// flushRow is the parquet envelope for one delta. Column values stay
// inside a JSON payload so rows with different shapes share one
// schema; absent columns are simply not present in the payload.
type flushRow struct {
	Op       string `parquet:"op"`
	Table    string `parquet:"table"`
	RowID    string `parquet:"row_id"`
	ClientID string `parquet:"client_id"`
	HLC      uint64 `parquet:"hlc"`
	DeltaID  string `parquet:"delta_id"`
	Columns  string `parquet:"columns"`
}

// EncodeFlush serialises a snapshot in the format implied by schema
// presence and returns the body plus the extension and content type to
// store it under.
func EncodeFlush(deltas []delta.Delta, hasSchema bool) (body []byte, ext, contentType string, err error) {
	if hasSchema {
		body, err = EncodeParquet(deltas)
		return body, ExtParquet, contentTypeParquet, err
	}
	body, err = EncodeJSONL(deltas)
	return body, ExtJSONL, contentTypeJSONL, err
}

// DecodeFlush restores the delta list from a flush file body, keyed by
// the file extension.
func DecodeFlush(body []byte, ext string) ([]delta.Delta, error) {
	switch ext {
	case ExtParquet:
		return DecodeParquet(body)
	case ExtJSONL:
		return DecodeJSONL(body)
	default:
		return nil, fmt.Errorf("unknown flush format %q", ext)
	}
}

// EncodeParquet writes deltas as a parquet file.
func EncodeParquet(deltas []delta.Delta) ([]byte, error) {
	rows := make([]flushRow, len(deltas))
	for i, d := range deltas {
		cols, err := json.Marshal(d.Columns)
		if err != nil {
			return nil, fmt.Errorf("encode columns for %s: %w", d.DeltaID, err)
		}
		rows[i] = flushRow{
			Op:       string(d.Op),
			Table:    d.Table,
			RowID:    d.RowID,
			ClientID: d.ClientID,
			HLC:      uint64(d.HLC),
			DeltaID:  d.DeltaID,
			Columns:  string(cols),
		}
	}

	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows); err != nil {
		return nil, fmt.Errorf("write parquet: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeParquet restores deltas from a parquet flush file.
func DecodeParquet(body []byte) ([]delta.Delta, error) {
	rows, err := parquet.Read[flushRow](bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}

	deltas := make([]delta.Delta, len(rows))
	for i, row := range rows {
		var cols []delta.Column
		if row.Columns != "" && row.Columns != "null" {
			if err := json.Unmarshal([]byte(row.Columns), &cols); err != nil {
				return nil, fmt.Errorf("decode columns for %s: %w", row.DeltaID, err)
			}
		}
		deltas[i] = delta.Delta{
			Op:       delta.Op(row.Op),
			Table:    row.Table,
			RowID:    row.RowID,
			ClientID: row.ClientID,
			HLC:      hlc.Timestamp(row.HLC),
			DeltaID:  row.DeltaID,
			Columns:  cols,
		}
	}
	return deltas, nil
}

// EncodeJSONL writes deltas as one JSON document per line.
func EncodeJSONL(deltas []delta.Delta) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range deltas {
		if err := enc.Encode(d); err != nil {
			return nil, fmt.Errorf("encode delta %s: %w", d.DeltaID, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeJSONL restores deltas from a JSON-lines flush file.
func DecodeJSONL(body []byte) ([]delta.Delta, error) {
	var deltas []delta.Delta
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var d delta.Delta
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			return nil, fmt.Errorf("decode flush line %d: %w", len(deltas)+1, err)
		}
		deltas = append(deltas, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan flush file: %w", err)
	}
	return deltas, nil
}
