package lake

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/errs"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/objstore"
)

func putFlush(t *testing.T, store objstore.Adapter, gatewayID string, deltas []delta.Delta) {
	t.Helper()
	body, ext, contentType, err := EncodeFlush(deltas, false)
	if err != nil {
		t.Fatalf("encode flush: %v", err)
	}
	max := deltas[len(deltas)-1].HLC
	key := FlushKey(gatewayID, max, uuid.New(), ext)
	if err := store.PutObject(context.Background(), key, body, contentType); err != nil {
		t.Fatalf("put flush: %v", err)
	}
}

func compactionDelta(t *testing.T, clientID, rowID string, ts hlc.Timestamp, cols map[string]string) delta.Delta {
	t.Helper()
	d := delta.Delta{
		Op:       delta.OpUpdate,
		Table:    "tasks",
		RowID:    rowID,
		ClientID: clientID,
		HLC:      ts,
	}
	for name, v := range cols {
		d.Columns = append(d.Columns, delta.Column{Name: name, Value: json.RawMessage(v)})
	}
	var err error
	d.DeltaID, err = d.ComputeID()
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestBuilder_CompactsAcrossFlushFiles(t *testing.T) {
	store := objstore.NewMem()
	ctx := context.Background()
	const gw = "gw-lake"

	early := compactionDelta(t, "client-a", "r1", hlc.FromParts(1_700_000_000_000, 0),
		map[string]string{"title": `"old"`, "stars": `1`})
	late := compactionDelta(t, "client-b", "r1", hlc.FromParts(1_700_000_000_005, 0),
		map[string]string{"title": `"new"`})
	other := compactionDelta(t, "client-a", "r2", hlc.FromParts(1_700_000_000_001, 0),
		map[string]string{"title": `"keep"`})

	putFlush(t, store, gw, []delta.Delta{early, other})
	putFlush(t, store, gw, []delta.Delta{late})

	manifest, err := NewBuilder(store, 0).Build(ctx, gw)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if manifest.SnapshotHLC != late.HLC {
		t.Fatalf("snapshotHlc = %s, want %s", manifest.SnapshotHLC, late.HLC)
	}
	if manifest.ChunkCount != 1 {
		t.Fatalf("chunkCount = %d, want 1", manifest.ChunkCount)
	}

	resp, err := ReadCheckpoint(ctx, store, gw)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if len(resp.Deltas) != 2 {
		t.Fatalf("checkpoint has %d deltas, want 2 (one per row)", len(resp.Deltas))
	}
	if resp.ServerHLC != late.HLC {
		t.Fatalf("serverHlc = %s, want %s", resp.ServerHLC, late.HLC)
	}
	byRow := make(map[string]delta.Delta, len(resp.Deltas))
	for _, d := range resp.Deltas {
		byRow[d.RowID] = d
	}
	cols := make(map[string]string)
	for _, c := range byRow["r1"].Columns {
		cols[c.Name] = string(c.Value)
	}
	// The later title write wins; the untouched column survives.
	if cols["title"] != `"new"` || cols["stars"] != `1` {
		t.Fatalf("r1 columns = %v, want merged LWW state", cols)
	}
	if len(byRow["r2"].Columns) != 1 {
		t.Fatalf("r2 columns = %+v, want untouched", byRow["r2"].Columns)
	}
}

func TestBuilder_ChunksAndSweepsStale(t *testing.T) {
	store := objstore.NewMem()
	ctx := context.Background()
	const gw = "gw-lake"

	first := []delta.Delta{
		compactionDelta(t, "client-a", "r1", hlc.FromParts(1_700_000_000_000, 0), map[string]string{"n": `1`}),
		compactionDelta(t, "client-a", "r2", hlc.FromParts(1_700_000_000_001, 0), map[string]string{"n": `2`}),
		compactionDelta(t, "client-a", "r3", hlc.FromParts(1_700_000_000_002, 0), map[string]string{"n": `3`}),
	}
	putFlush(t, store, gw, first)

	manifest, err := NewBuilder(store, 2).Build(ctx, gw)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if manifest.ChunkCount != 2 {
		t.Fatalf("chunkCount = %d, want 2 with chunk size 2", manifest.ChunkCount)
	}

	// A rebuild after more data replaces the manifest and sweeps the
	// superseded chunks.
	putFlush(t, store, gw, []delta.Delta{
		compactionDelta(t, "client-a", "r4", hlc.FromParts(1_700_000_000_010, 0), map[string]string{"n": `4`}),
	})
	rebuilt, err := NewBuilder(store, 10).Build(ctx, gw)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.ChunkCount != 1 {
		t.Fatalf("rebuilt chunkCount = %d, want 1", rebuilt.ChunkCount)
	}

	objects, err := store.ListObjects(ctx, CheckpointPrefix(gw))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	live := map[string]struct{}{ManifestKey(gw): {}}
	for _, name := range rebuilt.Chunks {
		live[ChunkKey(gw, name)] = struct{}{}
	}
	for _, obj := range objects {
		if _, ok := live[obj.Key]; !ok {
			t.Fatalf("stale object %s survived the sweep", obj.Key)
		}
	}

	resp, err := ReadCheckpoint(ctx, store, gw)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if len(resp.Deltas) != 4 {
		t.Fatalf("checkpoint has %d deltas, want 4", len(resp.Deltas))
	}
}

func TestBuilder_NoFlushFilesYieldsEmptyManifest(t *testing.T) {
	store := objstore.NewMem()
	manifest, err := NewBuilder(store, 0).Build(context.Background(), "gw-empty")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if manifest.SnapshotHLC != 0 || manifest.ChunkCount != 0 {
		t.Fatalf("manifest = %+v, want empty", manifest)
	}
}

func TestReadCheckpoint_MissingManifestIsNotFound(t *testing.T) {
	_, err := ReadCheckpoint(context.Background(), objstore.NewMem(), "gw-none")
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("err = %v, want not-found kind", err)
	}
}
