package lake

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
)

func flushDeltas(t *testing.T) []delta.Delta {
	t.Helper()
	ds := []delta.Delta{
		{
			Op:       delta.OpInsert,
			Table:    "tasks",
			RowID:    "r1",
			ClientID: "client-a",
			HLC:      hlc.FromParts(1_700_000_000_000, 3),
			Columns: []delta.Column{
				{Name: "title", Value: json.RawMessage(`"Buy milk"`)},
				{Name: "meta", Value: json.RawMessage(`{"tags":["home"]}`)},
			},
		},
		{
			Op:       delta.OpDelete,
			Table:    "tasks",
			RowID:    "r2",
			ClientID: "client-b",
			HLC:      hlc.FromParts(1_700_000_000_001, 0),
		},
	}
	for i := range ds {
		var err error
		ds[i].DeltaID, err = ds[i].ComputeID()
		if err != nil {
			t.Fatal(err)
		}
	}
	return ds
}

func assertRestored(t *testing.T, want, got []delta.Delta) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("restored %d deltas, want %d", len(got), len(want))
	}
	for i := range want {
		w, g := want[i], got[i]
		if g.Op != w.Op || g.Table != w.Table || g.RowID != w.RowID ||
			g.ClientID != w.ClientID || g.HLC != w.HLC || g.DeltaID != w.DeltaID {
			t.Errorf("delta %d: got %+v, want %+v", i, g, w)
		}
		// Restorability includes the content hash: recomputing the ID
		// from restored fields must reproduce it.
		id, err := g.ComputeID()
		if err != nil {
			t.Fatal(err)
		}
		if id != w.DeltaID {
			t.Errorf("delta %d: restored fields hash to %s, want %s", i, id, w.DeltaID)
		}
	}
}

func TestParquet_RoundTrip(t *testing.T) {
	want := flushDeltas(t)

	body, err := EncodeParquet(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeParquet(body)
	if err != nil {
		t.Fatal(err)
	}
	assertRestored(t, want, got)
}

func TestJSONL_RoundTrip(t *testing.T) {
	want := flushDeltas(t)

	body, err := EncodeJSONL(want)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(body), "\n"); lines != len(want) {
		t.Errorf("jsonl has %d lines, want %d", lines, len(want))
	}
	got, err := DecodeJSONL(body)
	if err != nil {
		t.Fatal(err)
	}
	assertRestored(t, want, got)
}

func TestJSONL_HLCAsString(t *testing.T) {
	body, err := EncodeJSONL(flushDeltas(t))
	if err != nil {
		t.Fatal(err)
	}
	line := strings.SplitN(string(body), "\n", 2)[0]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(raw["hlc"]), `"`) {
		t.Errorf("hlc should be a decimal string, got %s", raw["hlc"])
	}
}

func TestEncodeFlush_FormatSelection(t *testing.T) {
	deltas := flushDeltas(t)

	_, ext, contentType, err := EncodeFlush(deltas, true)
	if err != nil {
		t.Fatal(err)
	}
	if ext != ExtParquet || contentType != contentTypeParquet {
		t.Errorf("schema present: ext=%s ct=%s", ext, contentType)
	}

	_, ext, contentType, err = EncodeFlush(deltas, false)
	if err != nil {
		t.Fatal(err)
	}
	if ext != ExtJSONL || contentType != contentTypeJSONL {
		t.Errorf("no schema: ext=%s ct=%s", ext, contentType)
	}
}

func TestDecodeFlush_UnknownExt(t *testing.T) {
	if _, err := DecodeFlush([]byte("x"), "csv"); err == nil {
		t.Error("unknown extension should fail")
	}
}

func TestFlushKey_Layout(t *testing.T) {
	id := uuid.MustParse("3b241101-e2bb-4255-8caf-4136c566a962")
	ts := hlc.FromParts(1_700_000_000_000, 7)

	key := FlushKey("gw-1", ts, id, ExtParquet)
	want := "flushes/gw-1/" + ts.String() + "-3b241101-e2bb-4255-8caf-4136c566a962.parquet"
	if key != want {
		t.Errorf("key = %s, want %s", key, want)
	}
	if FlushExt(key) != ExtParquet {
		t.Errorf("ext = %s", FlushExt(key))
	}
}
