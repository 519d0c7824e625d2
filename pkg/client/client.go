// Package client is the Go SDK for a lakesync gateway: stage row
// changes locally, push them in batches, and pull (or bootstrap from a
// checkpoint) to catch up with the gateway's merged state.
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Config configures a gateway client.
type Config struct {
	// BaseURL is the gateway's root URL, e.g. "https://sync.example.com".
	BaseURL string
	// Token is the bearer token; its sub claim must match ClientID.
	Token string
	// GatewayID addresses the tenant.
	GatewayID string
	// ClientID identifies this replica in every delta it stages.
	ClientID string
	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client
}

// Client talks to one gateway on behalf of one replica. Safe for
// concurrent use.
type Client struct {
	cfg  Config
	http *http.Client

	mu       sync.Mutex
	closed   bool
	pending  []Delta
	lastSeen HLC
	lastWall int64
	counter  uint16
}

// New creates a gateway client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	if cfg.GatewayID == "" {
		return nil, errors.New("GatewayID is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("ClientID is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

// Stage records a local row change. The delta is timestamped, given its
// content id and queued until the next Push. Delete changes must carry
// no columns.
func (c *Client) Stage(op Op, table, rowID string, columns map[string]json.RawMessage) (Delta, error) {
	if table == "" || rowID == "" {
		return Delta{}, errors.New("table and rowID are required")
	}
	if op == OpDelete && len(columns) > 0 {
		return Delta{}, errors.New("delete deltas carry no columns")
	}
	if op != OpDelete && len(columns) == 0 {
		return Delta{}, errors.New("insert and update deltas need columns")
	}

	cols := make([]Column, 0, len(columns))
	for name, value := range columns {
		cols = append(cols, Column{Name: name, Value: value})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Delta{}, errors.New("client is closed")
	}

	d := Delta{
		Op:       op,
		Table:    table,
		RowID:    rowID,
		ClientID: c.cfg.ClientID,
		Columns:  cols,
		HLC:      c.tickLocked(),
	}
	id, err := computeDeltaID(d)
	if err != nil {
		return Delta{}, err
	}
	d.DeltaID = id
	c.pending = append(c.pending, d)
	return d, nil
}

// Pending reports how many staged deltas await a push.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LastSeen returns the client's sync watermark.
func (c *Client) LastSeen() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Push sends every staged delta. The queue is cleared only on success;
// a failed push leaves it intact for retry.
func (c *Client) Push(ctx context.Context) (PushResponse, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return PushResponse{}, errors.New("client is closed")
	}
	batch := append([]Delta(nil), c.pending...)
	req := PushRequest{ClientID: c.cfg.ClientID, Deltas: batch, LastSeenHLC: c.lastSeen}
	c.mu.Unlock()

	var resp PushResponse
	if err := c.postJSON(ctx, c.syncPath("push"), req, &resp); err != nil {
		return PushResponse{}, err
	}

	c.mu.Lock()
	c.pending = c.pending[len(batch):]
	c.observeLocked(resp.ServerHLC)
	c.mu.Unlock()
	return resp, nil
}

// Pull fetches deltas after the watermark and advances it. A zero
// limit takes the gateway default.
func (c *Client) Pull(ctx context.Context, limit int) (PullResponse, error) {
	c.mu.Lock()
	since := c.lastSeen
	c.mu.Unlock()

	q := url.Values{}
	q.Set("since", since.String())
	q.Set("clientId", c.cfg.ClientID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp PullResponse
	if err := c.getJSON(ctx, c.syncPath("pull")+"?"+q.Encode(), &resp); err != nil {
		return PullResponse{}, err
	}

	c.mu.Lock()
	c.observeLocked(resp.ServerHLC)
	for _, d := range resp.Deltas {
		c.observeLocked(d.HLC)
	}
	c.mu.Unlock()
	return resp, nil
}

// Bootstrap loads the gateway checkpoint, the compacted state a fresh
// replica starts from, and sets the watermark to the checkpoint HLC so
// the next Pull resumes from there. Returns the checkpoint HLC as
// reported in the X-Checkpoint-Hlc header.
func (c *Client) Bootstrap(ctx context.Context) ([]Delta, HLC, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.syncPath("checkpoint"), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("checkpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, decodeAPIError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("checkpoint: %w", err)
	}
	deltas, err := decodeCheckpoint(body)
	if err != nil {
		return nil, 0, err
	}

	var checkpointHLC HLC
	if header := resp.Header.Get("X-Checkpoint-Hlc"); header != "" {
		v, err := strconv.ParseUint(header, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("checkpoint: invalid X-Checkpoint-Hlc %q", header)
		}
		checkpointHLC = HLC(v)
	}

	c.mu.Lock()
	c.observeLocked(checkpointHLC)
	c.mu.Unlock()
	return deltas, checkpointHLC, nil
}

// Health probes the gateway without credentials.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Close pushes any staged deltas and stops the client.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	hasPending := len(c.pending) > 0
	c.mu.Unlock()

	var err error
	if hasPending {
		_, err = c.Push(ctx)
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

// tickLocked issues a strictly increasing timestamp: wall time when it
// moved forward, counter bump otherwise.
func (c *Client) tickLocked() HLC {
	wall := time.Now().UnixMilli()
	if wall > c.lastWall {
		c.lastWall = wall
		c.counter = 0
	} else {
		c.counter++
	}
	return NewHLC(c.lastWall, c.counter)
}

// observeLocked advances the watermark and keeps the local clock ahead
// of everything the gateway has shown us.
func (c *Client) observeLocked(remote HLC) {
	if remote > c.lastSeen {
		c.lastSeen = remote
	}
	if remote.Wall() > c.lastWall || (remote.Wall() == c.lastWall && remote.Counter() >= c.counter) {
		c.lastWall = remote.Wall()
		c.counter = remote.Counter() + 1
	}
}

func (c *Client) syncPath(op string) string {
	return c.cfg.BaseURL + "/v1/sync/" + url.PathEscape(c.cfg.GatewayID) + "/" + op
}

func (c *Client) newRequest(ctx context.Context, method, fullURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) postJSON(ctx context.Context, fullURL string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, fullURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) getJSON(ctx context.Context, fullURL string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{Status: resp.StatusCode}
	if json.Unmarshal(body, apiErr) == nil && apiErr.Message != "" {
		return apiErr
	}
	return fmt.Errorf("gateway: status %d: %s", resp.StatusCode, string(body))
}

// computeDeltaID hashes the delta's identity fields into the
// content-derived id the gateway uses for idempotency: lowercase-hex
// SHA-256 over the stable JSON form of (clientId, hlc-as-string, table,
// rowId, columns). The byte-level form must agree with the gateway's so
// both sides derive the same id.
func computeDeltaID(d Delta) (string, error) {
	var buf []byte
	buf = append(buf, `{"clientId":`...)
	buf = appendJSONString(buf, d.ClientID)
	buf = append(buf, `,"columns":[`...)
	for i, c := range d.Columns {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, `{"column":`...)
		buf = appendJSONString(buf, c.Name)
		buf = append(buf, `,"value":`...)
		var err error
		buf, err = appendCanonicalJSON(buf, c.Value)
		if err != nil {
			return "", fmt.Errorf("column %s: %w", c.Name, err)
		}
		buf = append(buf, '}')
	}
	buf = append(buf, `],"hlc":`...)
	buf = appendJSONString(buf, d.HLC.String())
	buf = append(buf, `,"rowId":`...)
	buf = appendJSONString(buf, d.RowID)
	buf = append(buf, `,"table":`...)
	buf = appendJSONString(buf, d.Table)
	buf = append(buf, '}')

	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}
