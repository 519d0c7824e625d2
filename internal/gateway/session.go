// Package gateway implements the per-gateway session: the serialisation
// point owning one HLC clock, one delta buffer, cached schema and sync
// rules, the attached WebSocket sockets and the flush alarm.
//
// All buffer, clock and retry state is guarded by one mutex held only
// for in-memory work; flush snapshots under the lock and uploads
// outside it. Sessions for different gateways share nothing and run in
// parallel.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/lakesync/internal/buffer"
	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/errs"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/lake"
	"github.com/hyperengineering/lakesync/internal/metering"
	"github.com/hyperengineering/lakesync/internal/metrics"
	"github.com/hyperengineering/lakesync/internal/objstore"
	"github.com/hyperengineering/lakesync/internal/store"
	"github.com/hyperengineering/lakesync/internal/syncrules"
	"github.com/hyperengineering/lakesync/internal/wire"
)

// flushTimeout bounds one alarm-driven flush attempt.
const flushTimeout = 30 * time.Second

// Deps are the shared collaborators every session uses.
type Deps struct {
	Store   store.Store
	Objects objstore.Adapter
	Usage   *metering.Aggregator
	Metrics *metrics.Metrics
	Limits  Limits
}

// Session is the state and serialisation point of one logical gateway.
type Session struct {
	id      string
	limits  Limits
	store   store.Store
	objects objstore.Adapter
	usage   *metering.Aggregator
	metrics *metrics.Metrics
	clock   *hlc.Clock
	alarm   *flushAlarm
	now     func() time.Time
	log     *slog.Logger

	mu           sync.Mutex
	buf          *buffer.Buffer
	schema       *delta.Schema
	schemaLoaded bool
	rules        *syncrules.Rules
	rulesLoaded  bool
	sockets      map[string]Socket
	flushRetries int
}

// NewSession creates the session for one gateway id.
func NewSession(id string, deps Deps) *Session {
	s := &Session{
		id:      id,
		limits:  deps.Limits.withDefaults(),
		store:   deps.Store,
		objects: deps.Objects,
		usage:   deps.Usage,
		metrics: deps.Metrics,
		clock:   hlc.NewClock(),
		now:     time.Now,
		buf:     buffer.New(),
		sockets: make(map[string]Socket),
		log:     slog.With("component", "gateway", "gateway_id", id),
	}
	s.alarm = newFlushAlarm(s.now, s.handleAlarm)
	return s
}

// ID returns the gateway id the session serves.
func (s *Session) ID() string { return s.id }

// HandlePush validates, orders and buffers one push. The whole push
// fails on the first clock-drift or schema violation; duplicates by
// deltaId are idempotently absorbed.
func (s *Session) HandlePush(ctx context.Context, req PushRequest) (PushResponse, error) {
	if req.ClientID == "" {
		return PushResponse{}, errs.New(errs.KindValidation, "clientId is required")
	}
	if len(req.Deltas) > s.limits.MaxDeltasPerPush {
		return PushResponse{}, errs.Newf(errs.KindValidation,
			"push carries %d deltas, limit is %d", len(req.Deltas), s.limits.MaxDeltasPerPush)
	}
	payload := 0
	for _, d := range req.Deltas {
		payload += d.Size()
	}
	if payload > s.limits.MaxPushPayloadBytes {
		return PushResponse{}, errs.Newf(errs.KindPayloadTooLarge,
			"push payload ~%d bytes exceeds limit %d", payload, s.limits.MaxPushPayloadBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadSchemaLocked(ctx); err != nil {
		return PushResponse{}, err
	}

	// Validate and order before any mutation so a failing push leaves
	// no partial state behind.
	prepared := make([]delta.Delta, 0, len(req.Deltas))
	for i, d := range req.Deltas {
		if err := d.Validate(); err != nil {
			return PushResponse{}, errs.Wrap(errs.KindValidation,
				"delta "+strconv.Itoa(i), err)
		}
		d, err := s.schema.Apply(d)
		if err != nil {
			return PushResponse{}, err
		}
		if d.DeltaID == "" {
			id, err := d.ComputeID()
			if err != nil {
				return PushResponse{}, err
			}
			d.DeltaID = id
		}
		if _, err := s.clock.Recv(d.HLC); err != nil {
			return PushResponse{}, err
		}
		prepared = append(prepared, d)
	}

	if s.buf.Bytes() >= s.limits.HighWatermarkBytes {
		s.alarm.Schedule(s.now())
		return PushResponse{}, errs.Newf(errs.KindBackpressure,
			"buffer at %d bytes exceeds high watermark %d; flush and retry", s.buf.Bytes(), s.limits.HighWatermarkBytes)
	}

	now := s.now()
	accepted := 0
	stored := make([]delta.Delta, 0, len(prepared))
	for _, d := range prepared {
		merged, added, err := s.buf.Upsert(d, now)
		if err != nil {
			return PushResponse{}, err
		}
		if added {
			accepted++
		}
		stored = append(stored, merged)
	}
	serverHLC := s.clock.Now()

	s.recordUsage(metering.EventPushDeltas, int64(accepted))
	if s.metrics != nil {
		s.metrics.PushedDeltas.WithLabelValues(s.id).Add(float64(accepted))
		s.metrics.ObserveBuffer(s.id, s.buf.Len(), s.buf.Bytes())
	}

	if s.shouldFlushLocked(now) {
		s.alarm.Schedule(now)
	} else {
		s.alarm.Schedule(now.Add(s.limits.MaxBufferAge))
	}

	s.log.Debug("push accepted",
		"action", "push",
		"client_id", req.ClientID,
		"deltas", len(req.Deltas),
		"accepted", accepted,
		"buffer_bytes", s.buf.Bytes(),
	)
	return PushResponse{Accepted: accepted, ServerHLC: serverHLC, Deltas: stored}, nil
}

// HandlePull returns buffered deltas after the client's watermark in
// ascending HLC order, filtered through the sync rules when claims are
// given. Each pull advances the clock so the reported serverHlc is a
// safe next watermark.
func (s *Session) HandlePull(ctx context.Context, req PullRequest, claims map[string]any) (PullResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = s.limits.DefaultPullLimit
	}
	if limit > s.limits.MaxPullLimit {
		limit = s.limits.MaxPullLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadRulesLocked(ctx); err != nil {
		return PullResponse{}, err
	}

	matched := s.buf.ScanAfter(req.Since)
	if claims != nil {
		matched = syncrules.FilterDeltas(matched, s.rules, claims)
	}

	hasMore := len(matched) > limit
	if hasMore {
		matched = matched[:limit]
	}
	serverHLC := s.clock.Now()

	s.recordUsage(metering.EventPullDeltas, int64(len(matched)))
	if s.metrics != nil {
		s.metrics.PulledDeltas.WithLabelValues(s.id).Add(float64(len(matched)))
	}

	return PullResponse{Deltas: matched, ServerHLC: serverHLC, HasMore: hasMore}, nil
}

// Flush snapshots the buffer and writes it to the object store as one
// immutable file. On adapter failure the snapshot is restored and the
// buffer is byte-for-byte the pre-flush state.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.buf.Len() == 0 {
		s.mu.Unlock()
		return nil
	}
	takenAt := s.buf.Stats().OldestAt
	snap := s.buf.Snapshot()
	hasSchema := s.schema != nil
	s.mu.Unlock()

	restore := func() {
		s.mu.Lock()
		if err := s.buf.Restore(snap, takenAt); err != nil {
			// Restore can only fail on a row-key conflict, which the
			// snapshot cannot contain.
			s.log.Error("buffer restore failed", "action", "flush", "error", err)
		}
		s.mu.Unlock()
	}

	body, ext, contentType, err := lake.EncodeFlush(snap, hasSchema)
	if err != nil {
		restore()
		return errs.Wrap(errs.KindFlushFailed, "encode flush", err)
	}

	snapshotHLC := snap[len(snap)-1].HLC
	key := lake.FlushKey(s.id, snapshotHLC, uuid.New(), ext)
	if err := s.objects.PutObject(ctx, key, body, contentType); err != nil {
		restore()
		if s.metrics != nil {
			s.metrics.FlushFailures.WithLabelValues(s.id).Inc()
		}
		s.log.Warn("flush write failed",
			"action", "flush",
			"key", key,
			"deltas", len(snap),
			"error", err,
		)
		return errs.Wrap(errs.KindFlushFailed, "write flush file", err)
	}

	s.recordUsage(metering.EventFlushBytes, int64(len(body)))
	s.recordUsage(metering.EventFlushDeltas, int64(len(snap)))
	if s.metrics != nil {
		s.metrics.FlushBytes.WithLabelValues(s.id).Add(float64(len(body)))
		s.mu.Lock()
		s.metrics.ObserveBuffer(s.id, s.buf.Len(), s.buf.Bytes())
		s.mu.Unlock()
	}

	s.log.Info("buffer flushed",
		"action", "flush",
		"key", key,
		"deltas", len(snap),
		"bytes", len(body),
	)
	return nil
}

// handleAlarm is the single alarm callback: flush, then either reset
// the retry counter and keep draining, or back off exponentially.
func (s *Session) handleAlarm() {
	s.mu.Lock()
	pending := s.buf.Len()
	s.mu.Unlock()
	if pending == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := s.Flush(ctx); err != nil {
		s.mu.Lock()
		s.flushRetries++
		n := s.flushRetries
		s.mu.Unlock()
		delay := BackoffDelay(n)
		s.log.Warn("flush retry scheduled",
			"action", "flush_retry",
			"attempt", n,
			"delay_ms", delay.Milliseconds(),
		)
		s.alarm.Schedule(s.now().Add(delay))
		return
	}

	s.mu.Lock()
	s.flushRetries = 0
	remaining := s.buf.Len()
	s.mu.Unlock()
	if remaining > 0 {
		s.alarm.Schedule(s.now())
	}
}

// ScheduleFlush arms the alarm honouring the size/age thresholds, the
// same decision an accepted push makes.
func (s *Session) ScheduleFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return
	}
	now := s.now()
	if s.shouldFlushLocked(now) {
		s.alarm.Schedule(now)
	} else {
		s.alarm.Schedule(now.Add(s.limits.MaxBufferAge))
	}
}

// SaveSchema validates and persists the table schema, replacing the
// cached copy.
func (s *Session) SaveSchema(ctx context.Context, raw []byte) (*delta.Schema, error) {
	schema, err := delta.ParseSchema(raw)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetGatewayValue(ctx, s.id, store.KeyTableSchema, raw); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "persist schema", err)
	}
	s.mu.Lock()
	s.schema = schema
	s.schemaLoaded = true
	s.mu.Unlock()
	s.log.Info("schema saved", "action", "save_schema", "table", schema.Table)
	return schema, nil
}

// SaveSyncRules validates and persists the sync rules, replacing the
// cached copy.
func (s *Session) SaveSyncRules(ctx context.Context, raw []byte) (*syncrules.Rules, error) {
	rules, err := syncrules.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetGatewayValue(ctx, s.id, store.KeySyncRules, raw); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "persist sync rules", err)
	}
	s.mu.Lock()
	s.rules = rules
	s.rulesLoaded = true
	s.mu.Unlock()
	s.log.Info("sync rules saved",
		"action", "save_sync_rules",
		"version", rules.Version,
		"buckets", len(rules.Buckets),
	)
	return rules, nil
}

// Rules returns the cached rule set, loading it on first use. A
// gateway without stored rules reports nil, which admits everything.
func (s *Session) Rules(ctx context.Context) (*syncrules.Rules, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadRulesLocked(ctx); err != nil {
		return nil, err
	}
	return s.rules, nil
}

// AttachSocket registers an open WebSocket with the session.
func (s *Session) AttachSocket(sock Socket) {
	s.mu.Lock()
	s.sockets[sock.ID()] = sock
	n := len(s.sockets)
	s.mu.Unlock()
	s.recordUsage(metering.EventWSConnection, 1)
	s.log.Debug("socket attached", "action", "socket_attach", "socket_id", sock.ID(), "sockets", n)
}

// DetachSocket removes a closed WebSocket.
func (s *Session) DetachSocket(id string) {
	s.mu.Lock()
	delete(s.sockets, id)
	s.mu.Unlock()
}

// Broadcast fans newly ingested deltas out to every attached socket
// except the originating one, filtered per recipient through the sync
// rules under that socket's claims. Send failures are swallowed; the
// socket may simply have closed.
func (s *Session) Broadcast(ctx context.Context, fromSocketID string, deltas []delta.Delta, serverHLC hlc.Timestamp) {
	s.broadcast(ctx, deltas, serverHLC, func(sock Socket) bool {
		return sock.ID() == fromSocketID
	})
}

// BroadcastFromPeer fans deltas received from a peer shard out to the
// attached sockets, skipping any socket belonging to the client that
// originated them.
func (s *Session) BroadcastFromPeer(ctx context.Context, excludeClientID string, deltas []delta.Delta, serverHLC hlc.Timestamp) {
	s.broadcast(ctx, deltas, serverHLC, func(sock Socket) bool {
		return excludeClientID != "" && sock.ClientID() == excludeClientID
	})
}

func (s *Session) broadcast(ctx context.Context, deltas []delta.Delta, serverHLC hlc.Timestamp, skip func(Socket) bool) {
	if len(deltas) == 0 {
		return
	}

	s.mu.Lock()
	// Stored rules must be loaded before fanning out; a session that has
	// not served a pull yet would otherwise broadcast unfiltered. When
	// the load fails no frames go out.
	if err := s.loadRulesLocked(ctx); err != nil {
		s.mu.Unlock()
		s.log.Warn("broadcast suppressed, sync rules unavailable",
			"action", "broadcast_skip",
			"error", err,
		)
		return
	}
	rules := s.rules
	targets := make([]Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		if !skip(sock) {
			targets = append(targets, sock)
		}
	}
	s.mu.Unlock()

	for _, sock := range targets {
		visible := syncrules.FilterDeltas(deltas, rules, sock.Claims())
		if len(visible) == 0 {
			continue
		}
		frame := wire.EncodeBroadcastFrame(wire.SyncResponse{Deltas: visible, ServerHLC: serverHLC})
		if err := sock.Send(frame); err != nil {
			continue
		}
		if s.metrics != nil {
			s.metrics.BroadcastFrames.Inc()
		}
	}
}

// Stats reports the session's footprint for the admin surface.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs := s.buf.Stats()
	_, pending := s.alarm.Pending()
	st := Stats{
		GatewayID:    s.id,
		BufferBytes:  bs.Bytes,
		BufferDeltas: bs.LogSize,
		IndexSize:    bs.IndexSize,
		FlushRetries: s.flushRetries,
		Sockets:      len(s.sockets),
		AlarmPending: pending,
	}
	if !bs.OldestAt.IsZero() {
		st.OldestAge = s.now().Sub(bs.OldestAt)
	}
	return st
}

// Close disarms the alarm. In-flight flushes complete on their own.
func (s *Session) Close() {
	s.alarm.Stop()
}

// shouldFlushLocked applies the three flush thresholds. Callers hold
// the mutex.
func (s *Session) shouldFlushLocked(now time.Time) bool {
	bs := s.buf.Stats()
	if bs.Bytes >= s.limits.MaxBufferBytes {
		return true
	}
	if bs.LogSize >= s.limits.MaxDeltasPerPush {
		return true
	}
	return !bs.OldestAt.IsZero() && now.Sub(bs.OldestAt) >= s.limits.MaxBufferAge
}

func (s *Session) loadSchemaLocked(ctx context.Context) error {
	if s.schemaLoaded {
		return nil
	}
	raw, err := s.store.GetGatewayValue(ctx, s.id, store.KeyTableSchema)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.schema = nil
	case err != nil:
		return errs.Wrap(errs.KindInternal, "load schema", err)
	default:
		schema, perr := delta.ParseSchema(raw)
		if perr != nil {
			return errs.Wrap(errs.KindInternal, "stored schema is corrupt", perr)
		}
		s.schema = schema
	}
	s.schemaLoaded = true
	return nil
}

func (s *Session) loadRulesLocked(ctx context.Context) error {
	if s.rulesLoaded {
		return nil
	}
	raw, err := s.store.GetGatewayValue(ctx, s.id, store.KeySyncRules)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.rules = nil
	case err != nil:
		return errs.Wrap(errs.KindInternal, "load sync rules", err)
	default:
		rules, perr := syncrules.Parse(raw)
		if perr != nil {
			return errs.Wrap(errs.KindInternal, "stored sync rules are corrupt", perr)
		}
		s.rules = rules
	}
	s.rulesLoaded = true
	return nil
}

func (s *Session) recordUsage(eventType string, count int64) {
	if s.usage != nil {
		s.usage.Record(s.id, eventType, count)
	}
}
