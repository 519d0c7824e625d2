// Package shard routes requests across horizontally partitioned
// gateways. A shard config maps tables to owning gateway sessions; the
// router partitions pushes, fans pulls and admin calls out and merges
// the responses back into one stream.
package shard

import (
	"encoding/json"
	"sort"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/errs"
	"github.com/hyperengineering/lakesync/internal/gateway"
)

// Shard owns a non-empty list of tables.
type Shard struct {
	Tables    []string `json:"tables"`
	GatewayID string   `json:"gatewayId"`
}

// Config is the table-to-shard map. Tables listed by no shard belong
// to the default gateway. Gateway ids need not be unique across
// entries.
type Config struct {
	Shards  []Shard `json:"shards"`
	Default string  `json:"default"`
}

// ParseConfig decodes and validates the SHARD_CONFIG document. Any
// malformed input yields no config.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "invalid shard config JSON", err)
	}
	if cfg.Default == "" {
		return nil, errs.New(errs.KindValidation, "shard config: default gateway is required")
	}
	for i, s := range cfg.Shards {
		if s.GatewayID == "" {
			return nil, errs.Newf(errs.KindValidation, "shard %d: gatewayId is required", i)
		}
		if len(s.Tables) == 0 {
			return nil, errs.Newf(errs.KindValidation, "shard %d: tables must be non-empty", i)
		}
		for _, tbl := range s.Tables {
			if tbl == "" {
				return nil, errs.Newf(errs.KindValidation, "shard %d: table names must be non-empty", i)
			}
		}
	}
	return &cfg, nil
}

// GatewayFor maps a table to its owning gateway: the first shard
// listing the table, else the default.
func (c *Config) GatewayFor(table string) string {
	for _, s := range c.Shards {
		for _, tbl := range s.Tables {
			if tbl == table {
				return s.GatewayID
			}
		}
	}
	return c.Default
}

// AllGatewayIDs returns every shard's gateway id plus the default,
// deduplicated, in config order.
func (c *Config) AllGatewayIDs() []string {
	ids := make([]string, 0, len(c.Shards)+1)
	seen := make(map[string]struct{}, len(c.Shards)+1)
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, s := range c.Shards {
		add(s.GatewayID)
	}
	add(c.Default)
	return ids
}

// ResolveGatewayIDs returns the deduplicated gateway ids owning the
// given tables. An empty table list resolves to every gateway.
func ResolveGatewayIDs(cfg *Config, tables []string) []string {
	if len(tables) == 0 {
		return cfg.AllGatewayIDs()
	}
	ids := make([]string, 0, len(tables))
	seen := make(map[string]struct{}, len(tables))
	for _, tbl := range tables {
		id := cfg.GatewayFor(tbl)
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// ExtractTableNames returns the unique tables the deltas touch, in
// first-seen order.
func ExtractTableNames(deltas []delta.Delta) []string {
	tables := make([]string, 0, len(deltas))
	seen := make(map[string]struct{}, len(deltas))
	for _, d := range deltas {
		if _, ok := seen[d.Table]; !ok {
			seen[d.Table] = struct{}{}
			tables = append(tables, d.Table)
		}
	}
	return tables
}

// PartitionByShard buckets deltas by owning gateway, preserving input
// order within each bucket.
func PartitionByShard(cfg *Config, deltas []delta.Delta) map[string][]delta.Delta {
	parts := make(map[string][]delta.Delta)
	for _, d := range deltas {
		id := cfg.GatewayFor(d.Table)
		parts[id] = append(parts[id], d)
	}
	return parts
}

// MergePullResponses combines per-shard pull responses into one:
// deltas sorted ascending by HLC (stable for ties), serverHlc the
// maximum over inputs, hasMore the disjunction.
func MergePullResponses(responses []gateway.PullResponse) gateway.PullResponse {
	var merged gateway.PullResponse
	total := 0
	for _, r := range responses {
		total += len(r.Deltas)
	}
	merged.Deltas = make([]delta.Delta, 0, total)
	for _, r := range responses {
		merged.Deltas = append(merged.Deltas, r.Deltas...)
		if r.ServerHLC > merged.ServerHLC {
			merged.ServerHLC = r.ServerHLC
		}
		merged.HasMore = merged.HasMore || r.HasMore
	}
	sortDeltasByHLC(merged.Deltas)
	return merged
}

func sortDeltasByHLC(deltas []delta.Delta) {
	sort.SliceStable(deltas, func(i, j int) bool { return deltas[i].HLC < deltas[j].HLC })
}
