// Package e2e exercises a fully wired gateway over its public surface:
// HTTP routes, the WebSocket endpoint and the client SDK, with sqlite
// and the in-memory object store behind them.
package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/lakesync/internal/api"
	"github.com/hyperengineering/lakesync/internal/auth"
	"github.com/hyperengineering/lakesync/internal/gateway"
	"github.com/hyperengineering/lakesync/internal/metrics"
	"github.com/hyperengineering/lakesync/internal/objstore"
	"github.com/hyperengineering/lakesync/internal/shard"
	"github.com/hyperengineering/lakesync/internal/store"
	"github.com/hyperengineering/lakesync/internal/ws"
	"github.com/hyperengineering/lakesync/pkg/client"
)

const nodeSecret = "e2e-shared-secret"

// node is one running lakesync instance: a full router served by
// httptest, plus handles on its internals for assertions.
type node struct {
	srv      *httptest.Server
	registry *gateway.Registry
	objects  objstore.Adapter
	local    *shard.LocalDispatcher
	signer   *auth.Signer
}

type nodeOptions struct {
	shardConfig *shard.Config
	peers       map[string]string
}

// newNode starts a gateway node. With a shard config it runs in
// fan-out mode, proxying gateways listed in peers to their base URLs
// and serving the rest in-process.
func newNode(t *testing.T, opts nodeOptions) *node {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "e2e.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	objects := objstore.NewMem()
	m := metrics.New()
	registry := gateway.NewRegistry(gateway.Deps{
		Store:   st,
		Objects: objects,
		Metrics: m,
		Limits:  gateway.DefaultLimits(),
	})
	t.Cleanup(registry.Close)

	local := &shard.LocalDispatcher{Registry: registry, Objects: objects}

	var router *shard.Router
	if opts.shardConfig != nil {
		var dispatcher shard.Dispatcher = local
		if len(opts.peers) > 0 {
			dispatcher = &shard.HybridDispatcher{
				Local: local,
				HTTP:  &shard.HTTPDispatcher{Peers: opts.peers},
			}
		}
		router = shard.NewRouter(opts.shardConfig, dispatcher)
		t.Cleanup(router.Close)
	}

	verifier, err := auth.NewVerifier(nodeSecret)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	h := api.NewHandler(registry, local, router, ws.NewServer(nil, m), "e2e")
	srv := httptest.NewServer(api.NewRouter(h, api.RouterOptions{
		Verifier: verifier,
		Metrics:  m,
	}))
	t.Cleanup(srv.Close)

	return &node{
		srv:      srv,
		registry: registry,
		objects:  objects,
		local:    local,
		signer:   auth.NewSigner(nodeSecret),
	}
}

func (n *node) token(t *testing.T, clientID, gatewayID, role string) string {
	t.Helper()
	tok, err := n.signer.Sign(clientID, gatewayID, role, time.Hour, nil)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (n *node) tokenWithClaims(t *testing.T, clientID, gatewayID string, extra map[string]any) string {
	t.Helper()
	tok, err := n.signer.Sign(clientID, gatewayID, auth.DefaultRole, time.Hour, extra)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (n *node) sdk(t *testing.T, clientID, gatewayID string) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		BaseURL:   n.srv.URL,
		Token:     n.token(t, clientID, gatewayID, auth.DefaultRole),
		GatewayID: gatewayID,
		ClientID:  clientID,
	})
	if err != nil {
		t.Fatalf("new sdk client: %v", err)
	}
	return c
}

// adminPost sends an authenticated admin request and fails the test on
// a non-2xx answer.
func (n *node) adminPost(t *testing.T, path string, body any) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode admin body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, n.srv.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build admin request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.token(t, "ops", "gw-admin", auth.RoleAdmin))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("admin %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("admin %s: status %d: %s", path, resp.StatusCode, raw)
	}
	io.Copy(io.Discard, resp.Body)
}

func rawCols(pairs map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(pairs))
	for k, v := range pairs {
		out[k] = json.RawMessage(v)
	}
	return out
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf(msg, args...)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
