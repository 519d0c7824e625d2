package lake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/errs"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/objstore"
	"github.com/hyperengineering/lakesync/internal/wire"
)

// DefaultChunkSize is how many deltas one checkpoint chunk carries.
const DefaultChunkSize = 5000

// Manifest indexes a gateway's checkpoint: the compaction horizon and
// the chunk objects holding the compacted deltas.
type Manifest struct {
	SnapshotHLC hlc.Timestamp `json:"snapshotHlc"`
	Chunks      []string      `json:"chunks"`
	ChunkCount  int           `json:"chunkCount"`
}

// ReadCheckpoint loads a gateway's checkpoint and merges its chunks
// into one SyncResponse. A missing manifest fails with a not-found
// kind so the HTTP layer can answer 404.
func ReadCheckpoint(ctx context.Context, store objstore.Adapter, gatewayID string) (wire.SyncResponse, error) {
	raw, err := store.GetObject(ctx, ManifestKey(gatewayID))
	if errors.Is(err, objstore.ErrNotFound) {
		return wire.SyncResponse{}, errs.Newf(errs.KindNotFound, "no checkpoint for gateway %s", gatewayID)
	}
	if err != nil {
		return wire.SyncResponse{}, errs.Wrap(errs.KindAdapter, "read checkpoint manifest", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return wire.SyncResponse{}, errs.Wrap(errs.KindAdapter, "decode checkpoint manifest", err)
	}

	var deltas []delta.Delta
	for _, name := range manifest.Chunks {
		body, err := store.GetObject(ctx, ChunkKey(gatewayID, name))
		if err != nil {
			return wire.SyncResponse{}, errs.Wrap(errs.KindAdapter, "read checkpoint chunk "+name, err)
		}
		chunk, err := wire.DecodeSyncResponse(body)
		if err != nil {
			return wire.SyncResponse{}, errs.Wrap(errs.KindAdapter, "decode checkpoint chunk "+name, err)
		}
		deltas = append(deltas, chunk.Deltas...)
	}

	return wire.SyncResponse{Deltas: deltas, ServerHLC: manifest.SnapshotHLC}, nil
}

// Builder compacts a gateway's flush files into checkpoint chunks.
type Builder struct {
	store     objstore.Adapter
	chunkSize int
}

// NewBuilder creates a checkpoint builder. chunkSize <= 0 selects
// DefaultChunkSize.
func NewBuilder(store objstore.Adapter, chunkSize int) *Builder {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Builder{store: store, chunkSize: chunkSize}
}

// Build reads every flush file of the gateway, LWW-compacts the deltas
// per row key, writes the result as ordered chunks and replaces the
// manifest. It returns the new manifest; a gateway with no flush files
// yields an empty one.
func (b *Builder) Build(ctx context.Context, gatewayID string) (Manifest, error) {
	objects, err := b.store.ListObjects(ctx, FlushPrefix(gatewayID))
	if err != nil {
		return Manifest{}, errs.Wrap(errs.KindAdapter, "list flush files", err)
	}

	byRow := make(map[delta.RowKey]delta.Delta)
	for _, obj := range objects {
		body, err := b.store.GetObject(ctx, obj.Key)
		if err != nil {
			return Manifest{}, errs.Wrap(errs.KindAdapter, "read flush file "+obj.Key, err)
		}
		deltas, err := DecodeFlush(body, FlushExt(obj.Key))
		if err != nil {
			return Manifest{}, fmt.Errorf("flush file %s: %w", obj.Key, err)
		}
		for _, d := range deltas {
			prior, ok := byRow[d.Key()]
			if !ok {
				byRow[d.Key()] = d
				continue
			}
			merged, err := delta.Resolve(prior, d)
			if err != nil {
				return Manifest{}, fmt.Errorf("compact %s: %w", obj.Key, err)
			}
			byRow[d.Key()] = merged
		}
	}

	compacted := make([]delta.Delta, 0, len(byRow))
	for _, d := range byRow {
		compacted = append(compacted, d)
	}
	sort.SliceStable(compacted, func(i, j int) bool { return compacted[i].HLC < compacted[j].HLC })

	var snapshotHLC hlc.Timestamp
	if n := len(compacted); n > 0 {
		snapshotHLC = compacted[n-1].HLC
	}

	manifest := Manifest{SnapshotHLC: snapshotHLC, Chunks: []string{}}
	for start := 0; start < len(compacted); start += b.chunkSize {
		end := min(start+b.chunkSize, len(compacted))
		name := fmt.Sprintf("%s-%04d.bin", snapshotHLC, len(manifest.Chunks))
		body := wire.EncodeSyncResponse(wire.SyncResponse{
			Deltas:    compacted[start:end],
			ServerHLC: snapshotHLC,
			HasMore:   end < len(compacted),
		})
		if err := b.store.PutObject(ctx, ChunkKey(gatewayID, name), body, ""); err != nil {
			return Manifest{}, errs.Wrap(errs.KindAdapter, "write checkpoint chunk "+name, err)
		}
		manifest.Chunks = append(manifest.Chunks, name)
	}
	manifest.ChunkCount = len(manifest.Chunks)

	raw, err := json.Marshal(manifest)
	if err != nil {
		return Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := b.store.PutObject(ctx, ManifestKey(gatewayID), raw, "application/json"); err != nil {
		return Manifest{}, errs.Wrap(errs.KindAdapter, "write checkpoint manifest", err)
	}

	b.sweepStaleChunks(ctx, gatewayID, manifest)
	return manifest, nil
}

// sweepStaleChunks removes chunk objects superseded by the new
// manifest. Failures are ignored; stale chunks are unreachable and the
// next build retries the sweep.
func (b *Builder) sweepStaleChunks(ctx context.Context, gatewayID string, manifest Manifest) {
	objects, err := b.store.ListObjects(ctx, CheckpointPrefix(gatewayID))
	if err != nil {
		return
	}
	live := make(map[string]struct{}, len(manifest.Chunks)+1)
	live[ManifestKey(gatewayID)] = struct{}{}
	for _, name := range manifest.Chunks {
		live[ChunkKey(gatewayID, name)] = struct{}{}
	}
	var stale []string
	for _, obj := range objects {
		if _, ok := live[obj.Key]; !ok {
			stale = append(stale, obj.Key)
		}
	}
	if len(stale) > 0 {
		_ = b.store.DeleteObjects(ctx, stale)
	}
}
