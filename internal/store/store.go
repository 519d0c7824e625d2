// Package store provides the durable control-plane storage behind the
// gateways: the per-gateway key-value state (table schema, sync rules)
// and the usage-event ledger the metering drain writes to.
package store

import (
	"context"
	"time"
)

// Durable per-gateway keys.
const (
	KeyTableSchema = "tableSchema"
	KeySyncRules   = "syncRules"
)

// UsageEvent is one aggregated metering row: how many times an event
// fired for a gateway within one minute bucket.
type UsageEvent struct {
	GatewayID string
	EventType string
	Count     int64
	Minute    time.Time
}

// Store is the contract for all durable gateway state operations.
type Store interface {
	// GetGatewayValue reads one durable key for a gateway. Missing
	// keys fail with ErrNotFound.
	GetGatewayValue(ctx context.Context, gatewayID, key string) ([]byte, error)
	// SetGatewayValue writes (or replaces) one durable key.
	SetGatewayValue(ctx context.Context, gatewayID, key string, value []byte) error
	// DeleteGatewayValue removes one durable key. Deleting a missing
	// key is not an error.
	DeleteGatewayValue(ctx context.Context, gatewayID, key string) error

	// AppendUsageEvents records a batch of aggregated usage rows
	// atomically.
	AppendUsageEvents(ctx context.Context, events []UsageEvent) error
	// UsageTotals sums event counts per type for a gateway since the
	// given time.
	UsageTotals(ctx context.Context, gatewayID string, since time.Time) (map[string]int64, error)

	Close() error
}
