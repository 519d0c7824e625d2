package shard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/errs"
	"github.com/hyperengineering/lakesync/internal/gateway"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/wire"
)

// AdminResult summarises a successful admin fan-out.
type AdminResult struct {
	Applied bool `json:"applied"`
	Shards  int  `json:"shards"`
}

// Router fans operations out across the shards of a config and merges
// the responses. Cross-shard broadcasts run fire-and-forget; Close
// drains them.
type Router struct {
	cfg        *Config
	dispatcher Dispatcher
	log        *slog.Logger

	broadcasts sync.WaitGroup
}

// NewRouter builds a router over a parsed shard config.
func NewRouter(cfg *Config, dispatcher Dispatcher) *Router {
	return &Router{
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        slog.With("component", "shard"),
	}
}

// Config exposes the active shard config.
func (r *Router) Config() *Config { return r.cfg }

type pushPart struct {
	gatewayID string
	deltas    int
	resp      gateway.PushResponse
}

// Push partitions the deltas by owning shard and pushes each partition
// in parallel. Any shard failure fails the whole push with that
// shard's error. On success the response reports the total input count
// and the maximum serverHlc, and the ingested deltas are broadcast to
// every other shard best-effort.
func (r *Router) Push(ctx context.Context, req gateway.PushRequest) (gateway.PushResponse, error) {
	parts := PartitionByShard(r.cfg, req.Deltas)

	results := make([]pushPart, 0, len(parts))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for gatewayID, deltas := range parts {
		g.Go(func() error {
			resp, err := r.dispatcher.Push(gctx, gatewayID, gateway.PushRequest{
				ClientID:    req.ClientID,
				Deltas:      deltas,
				LastSeenHLC: req.LastSeenHLC,
			})
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, pushPart{gatewayID: gatewayID, deltas: len(deltas), resp: resp})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return gateway.PushResponse{}, err
	}

	merged := gateway.PushResponse{Accepted: len(req.Deltas)}
	for _, p := range results {
		if p.resp.ServerHLC > merged.ServerHLC {
			merged.ServerHLC = p.resp.ServerHLC
		}
		merged.Deltas = append(merged.Deltas, p.resp.Deltas...)
	}

	r.broadcastCrossShard(ctx, req.ClientID, parts, merged.ServerHLC)
	return merged, nil
}

// broadcastCrossShard sends each source partition's deltas to every
// other shard, fire-and-forget. The fetches get their own deadline so
// they survive the request ending; failures are swallowed because
// cross-shard broadcast is best-effort by contract.
func (r *Router) broadcastCrossShard(ctx context.Context, clientID string, parts map[string][]delta.Delta, serverHLC hlc.Timestamp) {
	ids := r.cfg.AllGatewayIDs()
	detached := context.WithoutCancel(ctx)
	for sourceID, deltas := range parts {
		if len(deltas) == 0 {
			continue
		}
		for _, targetID := range ids {
			if targetID == sourceID {
				continue
			}
			r.broadcasts.Add(1)
			go func() {
				defer r.broadcasts.Done()
				bctx, cancel := context.WithTimeout(detached, defaultPeerTimeout)
				defer cancel()
				_ = r.dispatcher.Broadcast(bctx, targetID, BroadcastRequest{
					Deltas:          deltas,
					ServerHLC:       serverHLC,
					ExcludeClientID: clientID,
				})
			}()
		}
	}
}

// Pull fans the pull out to every shard and merges the pages. Shards
// that fail are logged and skipped; partial results beat total
// failure. Only when every shard fails does the pull fail.
func (r *Router) Pull(ctx context.Context, req gateway.PullRequest, claims map[string]any) (gateway.PullResponse, error) {
	ids := r.cfg.AllGatewayIDs()
	responses := make([]gateway.PullResponse, 0, len(ids))
	var firstErr error
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, gatewayID := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := r.dispatcher.Pull(ctx, gatewayID, req, claims)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.log.Warn("shard pull failed, skipping",
					"action", "pull_fanout",
					"gateway_id", gatewayID,
					"error", err,
				)
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			responses = append(responses, resp)
		}()
	}
	wg.Wait()

	if len(responses) == 0 {
		if firstErr != nil {
			return gateway.PullResponse{}, firstErr
		}
		return gateway.PullResponse{Deltas: []delta.Delta{}}, nil
	}
	return MergePullResponses(responses), nil
}

// Admin fans the operation out to every shard, all-or-nothing: the
// first failure short-circuits and surfaces verbatim.
func (r *Router) Admin(ctx context.Context, req AdminRequest) (AdminResult, error) {
	ids := r.cfg.AllGatewayIDs()
	g, gctx := errgroup.WithContext(ctx)
	for _, gatewayID := range ids {
		g.Go(func() error {
			return r.dispatcher.Admin(gctx, gatewayID, req)
		})
	}
	if err := g.Wait(); err != nil {
		return AdminResult{}, err
	}
	return AdminResult{Applied: true, Shards: len(ids)}, nil
}

// Checkpoint fans out to every shard, merges the chunks of the shards
// that answered and reports the maximum checkpoint HLC. Shards without
// a checkpoint, or failing outright, are skipped; if no shard has one
// the merged result is not-found.
func (r *Router) Checkpoint(ctx context.Context) (wire.SyncResponse, error) {
	ids := r.cfg.AllGatewayIDs()
	responses := make([]wire.SyncResponse, 0, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, gatewayID := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := r.dispatcher.Checkpoint(ctx, gatewayID)
			if err != nil {
				if !errs.IsKind(err, errs.KindNotFound) {
					r.log.Warn("shard checkpoint failed, skipping",
						"action", "checkpoint_fanout",
						"gateway_id", gatewayID,
						"error", err,
					)
				}
				return
			}
			mu.Lock()
			responses = append(responses, resp)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(responses) == 0 {
		return wire.SyncResponse{}, errs.New(errs.KindNotFound, "no shard has a checkpoint")
	}

	var merged wire.SyncResponse
	for _, resp := range responses {
		merged.Deltas = append(merged.Deltas, resp.Deltas...)
		if resp.ServerHLC > merged.ServerHLC {
			merged.ServerHLC = resp.ServerHLC
		}
	}
	sortDeltasByHLC(merged.Deltas)
	return merged, nil
}

// Close waits briefly for in-flight cross-shard broadcasts.
func (r *Router) Close() {
	done := make(chan struct{})
	go func() {
		r.broadcasts.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.log.Warn("cross-shard broadcasts still in flight at shutdown", "action", "close")
	}
}
