package lake

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hyperengineering/lakesync/internal/hlc"
)

// FlushPrefix is the object-store prefix holding a gateway's flush
// files.
func FlushPrefix(gatewayID string) string {
	return "flushes/" + gatewayID + "/"
}

// FlushKey builds the immutable object key for one flush file:
// flushes/<gatewayId>/<snapshotHlc>-<uuid>.<ext>.
func FlushKey(gatewayID string, snapshotHLC hlc.Timestamp, id uuid.UUID, ext string) string {
	return fmt.Sprintf("%s%s-%s.%s", FlushPrefix(gatewayID), snapshotHLC, id, ext)
}

// FlushExt extracts the format extension from a flush key.
func FlushExt(key string) string {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		return key[i+1:]
	}
	return ""
}

// CheckpointPrefix is the object-store prefix holding a gateway's
// checkpoint artifacts.
func CheckpointPrefix(gatewayID string) string {
	return "checkpoints/" + gatewayID + "/"
}

// ManifestKey is the object key of a gateway's checkpoint manifest.
func ManifestKey(gatewayID string) string {
	return CheckpointPrefix(gatewayID) + "manifest.json"
}

// ChunkKey is the object key of one named checkpoint chunk.
func ChunkKey(gatewayID, chunkName string) string {
	return CheckpointPrefix(gatewayID) + chunkName
}
