package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/lakesync/internal/errs"
	"github.com/hyperengineering/lakesync/internal/gateway"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/shard"
	"github.com/hyperengineering/lakesync/internal/wire"
	"github.com/hyperengineering/lakesync/internal/ws"
)

// maxRequestBytes caps any JSON request body. Slightly above the push
// payload cap so the session-level limit stays the authoritative one.
const maxRequestBytes = 2 << 20

// internalHeader marks a request dispatched by a peer node. Such
// requests are served by the local session directly instead of fanning
// out again.
const internalHeader = "X-Lakesync-Internal"

// Handler implements the API handlers. In single-node operation router
// is nil and every gateway is served locally; with a shard config the
// sync surface fans out through the router while peer-dispatched
// requests short-circuit to the local registry.
type Handler struct {
	registry *gateway.Registry
	local    *shard.LocalDispatcher
	router   *shard.Router
	ws       *ws.Server
	version  string
}

// NewHandler wires the API surface. router and wsServer may be nil.
func NewHandler(registry *gateway.Registry, local *shard.LocalDispatcher, router *shard.Router, wsServer *ws.Server, version string) *Handler {
	return &Handler{
		registry: registry,
		local:    local,
		router:   router,
		ws:       wsServer,
		version:  version,
	}
}

// fanout reports whether this request should spread across shards.
func (h *Handler) fanout(r *http.Request) bool {
	return h.router != nil && r.Header.Get(internalHeader) == ""
}

// checkGateway enforces the token's gw claim against the addressed
// gateway. Admin tokens roam; in sharded mode the path id is a routing
// artifact rather than the claim's logical gateway.
func (h *Handler) checkGateway(r *http.Request, gatewayID string) error {
	claims := MustClaimsFromContext(r.Context())
	if claims.IsAdmin() || h.router != nil {
		return nil
	}
	if claims.GatewayID != gatewayID {
		return errs.New(errs.KindForbidden, "Gateway mismatch")
	}
	return nil
}

// Health returns the health status. Unauthenticated.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  h.version,
		"gateways": len(h.registry.List()),
	})
}

// Push handles POST /v1/sync/{gatewayID}/push
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	gatewayID := chi.URLParam(r, "gatewayID")
	if err := h.checkGateway(r, gatewayID); err != nil {
		WriteError(w, r, err)
		return
	}
	claims := MustClaimsFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var req gateway.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorKind(w, errs.KindPayloadTooLarge, "Push payload too large")
			return
		}
		WriteErrorKind(w, errs.KindValidation, "Invalid JSON: "+err.Error())
		return
	}

	if req.ClientID == "" {
		WriteErrorKind(w, errs.KindValidation, "clientId is required")
		return
	}
	if req.ClientID != claims.ClientID && !claims.IsAdmin() {
		WriteErrorKind(w, errs.KindForbidden, "Client ID mismatch")
		return
	}

	var (
		resp gateway.PushResponse
		err  error
	)
	if h.fanout(r) {
		ctx := shard.WithForwardAuth(r.Context(), r.Header.Get("Authorization"))
		resp, err = h.router.Push(ctx, req)
	} else {
		resp, err = h.local.Push(r.Context(), gatewayID, req)
	}
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Pull handles GET /v1/sync/{gatewayID}/pull
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	gatewayID := chi.URLParam(r, "gatewayID")
	if err := h.checkGateway(r, gatewayID); err != nil {
		WriteError(w, r, err)
		return
	}
	claims := MustClaimsFromContext(r.Context())

	req := gateway.PullRequest{ClientID: claims.ClientID}
	if v := r.URL.Query().Get("clientId"); v != "" {
		req.ClientID = v
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := hlc.Parse(v)
		if err != nil {
			WriteErrorKind(w, errs.KindValidation, "invalid since watermark")
			return
		}
		req.Since = since
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			WriteErrorKind(w, errs.KindValidation, "invalid limit")
			return
		}
		req.Limit = limit
	}

	var (
		resp gateway.PullResponse
		err  error
	)
	if h.fanout(r) {
		ctx := shard.WithForwardAuth(r.Context(), r.Header.Get("Authorization"))
		resp, err = h.router.Pull(ctx, req, claims.Custom)
	} else {
		resp, err = h.local.Pull(r.Context(), gatewayID, req, claims.Custom)
	}
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Checkpoint handles GET /v1/sync/{gatewayID}/checkpoint. The body is
// the binary SyncResponse encoding; the checkpoint HLC rides in the
// X-Checkpoint-Hlc header.
func (h *Handler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	gatewayID := chi.URLParam(r, "gatewayID")
	if err := h.checkGateway(r, gatewayID); err != nil {
		WriteError(w, r, err)
		return
	}

	var (
		resp wire.SyncResponse
		err  error
	)
	if h.fanout(r) {
		ctx := shard.WithForwardAuth(r.Context(), r.Header.Get("Authorization"))
		resp, err = h.router.Checkpoint(ctx)
	} else {
		resp, err = h.local.Checkpoint(r.Context(), gatewayID)
	}
	if err != nil {
		WriteError(w, r, err)
		return
	}

	body := wire.EncodeSyncResponse(resp)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Checkpoint-Hlc", resp.ServerHLC.String())
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// WS handles GET /v1/sync/{gatewayID}/ws. Sockets always attach to the
// local session; cross-shard deltas reach them via peer broadcast.
func (h *Handler) WS(w http.ResponseWriter, r *http.Request) {
	gatewayID := chi.URLParam(r, "gatewayID")
	if err := h.checkGateway(r, gatewayID); err != nil {
		WriteError(w, r, err)
		return
	}
	if h.ws == nil {
		WriteErrorKind(w, errs.KindInternal, "WebSocket surface not configured")
		return
	}
	claims := MustClaimsFromContext(r.Context())
	h.ws.Serve(w, r, h.registry.Get(gatewayID), claims)
}

// admin dispatches one admin operation, locally or across shards.
func (h *Handler) admin(w http.ResponseWriter, r *http.Request, kind shard.AdminKind) {
	gatewayID := chi.URLParam(r, "gatewayID")

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			WriteErrorKind(w, errs.KindValidation, "reading request body")
			return
		}
	}
	req := shard.AdminRequest{Kind: kind, Body: body}

	if h.fanout(r) {
		ctx := shard.WithForwardAuth(r.Context(), r.Header.Get("Authorization"))
		result, err := h.router.Admin(ctx, req)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, adminBody(kind, result))
		return
	}

	if err := h.local.Admin(r.Context(), gatewayID, req); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adminBody(kind, shard.AdminResult{Applied: true, Shards: 1}))
}

// adminBody shapes the admin response. Flush acks with flushed rather
// than applied; clients key on it.
func adminBody(kind shard.AdminKind, result shard.AdminResult) any {
	if kind == shard.AdminFlush {
		return map[string]any{"flushed": result.Applied, "shards": result.Shards}
	}
	return result
}

// AdminFlush handles POST /v1/admin/flush/{gatewayID}
func (h *Handler) AdminFlush(w http.ResponseWriter, r *http.Request) {
	h.admin(w, r, shard.AdminFlush)
}

// AdminSchema handles POST /v1/admin/schema/{gatewayID}
func (h *Handler) AdminSchema(w http.ResponseWriter, r *http.Request) {
	h.admin(w, r, shard.AdminSchema)
}

// AdminSyncRules handles POST /v1/admin/sync-rules/{gatewayID}
func (h *Handler) AdminSyncRules(w http.ResponseWriter, r *http.Request) {
	h.admin(w, r, shard.AdminSyncRules)
}

// AdminStats handles GET /v1/admin/stats/{gatewayID}. Reports the live
// session's footprint; a gateway nobody has touched is 404.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	gatewayID := chi.URLParam(r, "gatewayID")
	s, ok := h.registry.Peek(gatewayID)
	if !ok {
		WriteErrorKind(w, errs.KindNotFound, "no active session for gateway "+gatewayID)
		return
	}
	writeJSON(w, http.StatusOK, s.Stats())
}

// InternalBroadcast handles POST /internal/broadcast/{gatewayID}:
// deltas ingested on a peer shard, fanned to this node's sockets.
func (h *Handler) InternalBroadcast(w http.ResponseWriter, r *http.Request) {
	gatewayID := chi.URLParam(r, "gatewayID")

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var req shard.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorKind(w, errs.KindValidation, "Invalid JSON: "+err.Error())
		return
	}

	if err := h.local.Broadcast(r.Context(), gatewayID, req); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
