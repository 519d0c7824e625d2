package shard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/errs"
	"github.com/hyperengineering/lakesync/internal/gateway"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/lake"
	"github.com/hyperengineering/lakesync/internal/objstore"
	"github.com/hyperengineering/lakesync/internal/wire"
)

// AdminKind names one admin operation fanned out to every shard.
type AdminKind string

const (
	AdminFlush     AdminKind = "flush"
	AdminSchema    AdminKind = "schema"
	AdminSyncRules AdminKind = "sync-rules"
)

// AdminRequest is one admin operation plus its body, if any.
type AdminRequest struct {
	Kind AdminKind
	Body []byte
}

// BroadcastRequest is the cross-shard broadcast payload.
type BroadcastRequest struct {
	Deltas          []delta.Delta `json:"deltas"`
	ServerHLC       hlc.Timestamp `json:"serverHlc"`
	ExcludeClientID string        `json:"excludeClientId"`
}

// Dispatcher delivers one operation to one target gateway, in-process
// or over the network.
type Dispatcher interface {
	Push(ctx context.Context, gatewayID string, req gateway.PushRequest) (gateway.PushResponse, error)
	Pull(ctx context.Context, gatewayID string, req gateway.PullRequest, claims map[string]any) (gateway.PullResponse, error)
	Admin(ctx context.Context, gatewayID string, req AdminRequest) error
	Checkpoint(ctx context.Context, gatewayID string) (wire.SyncResponse, error)
	Broadcast(ctx context.Context, gatewayID string, req BroadcastRequest) error
}

// LocalDispatcher serves every shard from the in-process registry.
// This is the single-node deployment, the default.
type LocalDispatcher struct {
	Registry *gateway.Registry
	Objects  objstore.Adapter
}

func (d *LocalDispatcher) Push(ctx context.Context, gatewayID string, req gateway.PushRequest) (gateway.PushResponse, error) {
	s := d.Registry.Get(gatewayID)
	resp, err := s.HandlePush(ctx, req)
	if errs.IsKind(err, errs.KindBackpressure) {
		// Flush and retry once, the contract ingest pollers follow.
		if ferr := s.Flush(ctx); ferr != nil {
			return gateway.PushResponse{}, err
		}
		resp, err = s.HandlePush(ctx, req)
	}
	return resp, err
}

func (d *LocalDispatcher) Pull(ctx context.Context, gatewayID string, req gateway.PullRequest, claims map[string]any) (gateway.PullResponse, error) {
	return d.Registry.Get(gatewayID).HandlePull(ctx, req, claims)
}

func (d *LocalDispatcher) Admin(ctx context.Context, gatewayID string, req AdminRequest) error {
	s := d.Registry.Get(gatewayID)
	switch req.Kind {
	case AdminFlush:
		return s.Flush(ctx)
	case AdminSchema:
		_, err := s.SaveSchema(ctx, req.Body)
		return err
	case AdminSyncRules:
		_, err := s.SaveSyncRules(ctx, req.Body)
		return err
	default:
		return errs.Newf(errs.KindValidation, "unknown admin operation %q", req.Kind)
	}
}

func (d *LocalDispatcher) Checkpoint(ctx context.Context, gatewayID string) (wire.SyncResponse, error) {
	return lake.ReadCheckpoint(ctx, d.Objects, gatewayID)
}

func (d *LocalDispatcher) Broadcast(ctx context.Context, gatewayID string, req BroadcastRequest) error {
	s, ok := d.Registry.Peek(gatewayID)
	if !ok {
		return nil
	}
	s.BroadcastFromPeer(ctx, req.ExcludeClientID, req.Deltas, req.ServerHLC)
	return nil
}

type forwardAuthKey struct{}

// WithForwardAuth stores the inbound Authorization header on the
// context so peer fetches carry the caller's identity.
func WithForwardAuth(ctx context.Context, header string) context.Context {
	return context.WithValue(ctx, forwardAuthKey{}, header)
}

func forwardAuth(ctx context.Context) string {
	if v, ok := ctx.Value(forwardAuthKey{}).(string); ok {
		return v
	}
	return ""
}

// HTTPDispatcher reaches peer lakesync nodes over their public HTTP
// surface. Peers maps gateway ids to base URLs; unmapped gateways fall
// back to DefaultBaseURL.
type HTTPDispatcher struct {
	Peers          map[string]string
	DefaultBaseURL string
	Client         *http.Client
}

func (d *HTTPDispatcher) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *HTTPDispatcher) baseURL(gatewayID string) (string, error) {
	if base, ok := d.Peers[gatewayID]; ok {
		return base, nil
	}
	if d.DefaultBaseURL != "" {
		return d.DefaultBaseURL, nil
	}
	return "", errs.Newf(errs.KindInternal, "no peer URL for gateway %s", gatewayID)
}

func (d *HTTPDispatcher) do(ctx context.Context, method, gatewayID, path string, body []byte) (*http.Response, error) {
	base, err := d.baseURL(gatewayID)
	if err != nil {
		return nil, err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, rd)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "build peer request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Marks the request as peer dispatch so the receiving node serves
	// it locally instead of fanning out again.
	req.Header.Set("X-Lakesync-Internal", "1")
	if auth := forwardAuth(ctx); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindAdapter, "peer fetch "+path, err)
	}
	return resp, nil
}

// peerError surfaces a shard's non-2xx response body and status.
func peerError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string    `json:"error"`
		Kind  errs.Kind `json:"kind"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		kind := payload.Kind
		if kind == "" {
			kind = errs.KindInternal
		}
		return errs.New(kind, payload.Error)
	}
	return errs.Newf(errs.KindInternal, "peer returned %d: %s", resp.StatusCode, string(body))
}

func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (d *HTTPDispatcher) Push(ctx context.Context, gatewayID string, req gateway.PushRequest) (gateway.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return gateway.PushResponse{}, errs.Wrap(errs.KindInternal, "encode push", err)
	}
	resp, err := d.do(ctx, http.MethodPost, gatewayID, "/v1/sync/"+url.PathEscape(gatewayID)+"/push", body)
	if err != nil {
		return gateway.PushResponse{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gateway.PushResponse{}, peerError(resp)
	}
	var out gateway.PushResponse
	if err := decodeJSON(resp, &out); err != nil {
		return gateway.PushResponse{}, errs.Wrap(errs.KindAdapter, "decode peer push response", err)
	}
	return out, nil
}

func (d *HTTPDispatcher) Pull(ctx context.Context, gatewayID string, req gateway.PullRequest, _ map[string]any) (gateway.PullResponse, error) {
	q := url.Values{}
	q.Set("since", req.Since.String())
	q.Set("clientId", req.ClientID)
	if req.Limit > 0 {
		q.Set("limit", fmt.Sprint(req.Limit))
	}
	resp, err := d.do(ctx, http.MethodGet, gatewayID,
		"/v1/sync/"+url.PathEscape(gatewayID)+"/pull?"+q.Encode(), nil)
	if err != nil {
		return gateway.PullResponse{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gateway.PullResponse{}, peerError(resp)
	}
	var out gateway.PullResponse
	if err := decodeJSON(resp, &out); err != nil {
		return gateway.PullResponse{}, errs.Wrap(errs.KindAdapter, "decode peer pull response", err)
	}
	return out, nil
}

func (d *HTTPDispatcher) Admin(ctx context.Context, gatewayID string, req AdminRequest) error {
	resp, err := d.do(ctx, http.MethodPost, gatewayID,
		"/v1/admin/"+string(req.Kind)+"/"+url.PathEscape(gatewayID), req.Body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return peerError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (d *HTTPDispatcher) Checkpoint(ctx context.Context, gatewayID string) (wire.SyncResponse, error) {
	resp, err := d.do(ctx, http.MethodGet, gatewayID,
		"/v1/sync/"+url.PathEscape(gatewayID)+"/checkpoint", nil)
	if err != nil {
		return wire.SyncResponse{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return wire.SyncResponse{}, errs.Newf(errs.KindNotFound, "no checkpoint for gateway %s", gatewayID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return wire.SyncResponse{}, peerError(resp)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wire.SyncResponse{}, errs.Wrap(errs.KindAdapter, "read peer checkpoint", err)
	}
	out, err := wire.DecodeSyncResponse(body)
	if err != nil {
		return wire.SyncResponse{}, errs.Wrap(errs.KindAdapter, "decode peer checkpoint", err)
	}
	if header := resp.Header.Get("X-Checkpoint-Hlc"); header != "" {
		if ts, perr := hlc.Parse(header); perr == nil {
			out.ServerHLC = ts
		}
	}
	return out, nil
}

func (d *HTTPDispatcher) Broadcast(ctx context.Context, gatewayID string, req BroadcastRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encode broadcast", err)
	}
	resp, err := d.do(ctx, http.MethodPost, gatewayID,
		"/internal/broadcast/"+url.PathEscape(gatewayID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.Newf(errs.KindAdapter, "peer broadcast returned %d", resp.StatusCode)
	}
	return nil
}

// defaultPeerTimeout bounds broadcast fetches that outlive requests.
const defaultPeerTimeout = 10 * time.Second

// HybridDispatcher serves gateways with a peer URL over HTTP and every
// other gateway in-process. This is the multi-node deployment where a
// node owns some shards and proxies the rest.
type HybridDispatcher struct {
	Local *LocalDispatcher
	HTTP  *HTTPDispatcher
}

func (d *HybridDispatcher) remote(gatewayID string) bool {
	_, ok := d.HTTP.Peers[gatewayID]
	return ok
}

func (d *HybridDispatcher) Push(ctx context.Context, gatewayID string, req gateway.PushRequest) (gateway.PushResponse, error) {
	if d.remote(gatewayID) {
		return d.HTTP.Push(ctx, gatewayID, req)
	}
	return d.Local.Push(ctx, gatewayID, req)
}

func (d *HybridDispatcher) Pull(ctx context.Context, gatewayID string, req gateway.PullRequest, claims map[string]any) (gateway.PullResponse, error) {
	if d.remote(gatewayID) {
		return d.HTTP.Pull(ctx, gatewayID, req, claims)
	}
	return d.Local.Pull(ctx, gatewayID, req, claims)
}

func (d *HybridDispatcher) Admin(ctx context.Context, gatewayID string, req AdminRequest) error {
	if d.remote(gatewayID) {
		return d.HTTP.Admin(ctx, gatewayID, req)
	}
	return d.Local.Admin(ctx, gatewayID, req)
}

func (d *HybridDispatcher) Checkpoint(ctx context.Context, gatewayID string) (wire.SyncResponse, error) {
	if d.remote(gatewayID) {
		return d.HTTP.Checkpoint(ctx, gatewayID)
	}
	return d.Local.Checkpoint(ctx, gatewayID)
}

func (d *HybridDispatcher) Broadcast(ctx context.Context, gatewayID string, req BroadcastRequest) error {
	if d.remote(gatewayID) {
		return d.HTTP.Broadcast(ctx, gatewayID, req)
	}
	return d.Local.Broadcast(ctx, gatewayID, req)
}
