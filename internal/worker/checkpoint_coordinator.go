// Package worker runs the background loops of a node: today the
// checkpoint coordinator, which periodically compacts every active
// gateway's flush files into a fresh checkpoint.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/lakesync/internal/lake"
)

// SessionLister exposes the gateways a node has touched.
// This interface allows testing with mock implementations.
type SessionLister interface {
	List() []string
}

// CheckpointBuilder compacts one gateway's lake into a checkpoint.
type CheckpointBuilder interface {
	Build(ctx context.Context, gatewayID string) (lake.Manifest, error)
}

// CheckpointCoordinator rebuilds checkpoints for all active gateways.
type CheckpointCoordinator struct {
	sessions SessionLister
	builder  CheckpointBuilder
	interval time.Duration
}

// NewCheckpointCoordinator creates a coordinator that rebuilds the
// checkpoint of every gateway the lister reports, on the given
// interval.
func NewCheckpointCoordinator(
	sessions SessionLister,
	builder CheckpointBuilder,
	interval time.Duration,
) *CheckpointCoordinator {
	return &CheckpointCoordinator{
		sessions: sessions,
		builder:  builder,
		interval: interval,
	}
}

// Run starts the coordinator loop.
func (c *CheckpointCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "checkpoint-coordinator",
		"action", "worker_started",
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "checkpoint-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.buildAllCheckpoints(ctx)
		}
	}
}

// buildAllCheckpoints iterates through all active gateways and rebuilds
// their checkpoints.
func (c *CheckpointCoordinator) buildAllCheckpoints(ctx context.Context) {
	gateways := c.sessions.List()

	var succeeded, failed int
	for _, gatewayID := range gateways {
		if ctx.Err() != nil {
			return // Graceful shutdown, don't log summary
		}
		if c.buildCheckpoint(ctx, gatewayID) {
			succeeded++
		} else {
			failed++
		}
	}

	// Log summary only if we processed gateways (not during shutdown)
	if succeeded > 0 || failed > 0 {
		slog.Info("checkpoint cycle completed",
			"component", "worker",
			"worker", "checkpoint-coordinator",
			"action", "cycle_complete",
			"total", len(gateways),
			"succeeded", succeeded,
			"failed", failed,
		)
	}
}

// buildCheckpoint rebuilds one gateway's checkpoint.
// Returns true if successful, false if failed.
func (c *CheckpointCoordinator) buildCheckpoint(ctx context.Context, gatewayID string) bool {
	manifest, err := c.builder.Build(ctx, gatewayID)
	if err != nil {
		if ctx.Err() != nil {
			return false // Graceful shutdown, don't log as error
		}
		slog.Warn("checkpoint build failed",
			"component", "worker",
			"worker", "checkpoint-coordinator",
			"action", "checkpoint_failed",
			"gateway_id", gatewayID,
			"error", err,
		)
		return false
	}

	slog.Info("checkpoint rebuilt",
		"component", "worker",
		"worker", "checkpoint-coordinator",
		"action", "checkpoint_built",
		"gateway_id", gatewayID,
		"snapshot_hlc", manifest.SnapshotHLC.String(),
		"chunks", manifest.ChunkCount,
	)
	return true
}
