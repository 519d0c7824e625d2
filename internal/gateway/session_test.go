package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/errs"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/lake"
	"github.com/hyperengineering/lakesync/internal/objstore"
	"github.com/hyperengineering/lakesync/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestSession(t *testing.T, objects objstore.Adapter) *Session {
	t.Helper()
	if objects == nil {
		objects = objstore.NewMem()
	}
	s := NewSession("gw-test", Deps{Store: newTestStore(t), Objects: objects})
	t.Cleanup(s.Close)
	return s
}

func testPushDelta(table, rowID, clientID string, ts hlc.Timestamp, cols ...delta.Column) delta.Delta {
	if len(cols) == 0 {
		cols = []delta.Column{{Name: "title", Value: json.RawMessage(`"A"`)}}
	}
	return delta.Delta{
		Op: delta.OpInsert, Table: table, RowID: rowID, ClientID: clientID,
		HLC: ts, Columns: cols,
	}
}

func col(name, raw string) delta.Column {
	return delta.Column{Name: name, Value: json.RawMessage(raw)}
}

func recentHLC(offsetMS int64) hlc.Timestamp {
	return hlc.FromParts(time.Now().UnixMilli()+offsetMS, 0)
}

func TestHandlePush_AcceptsAndDeduplicates(t *testing.T) {
	s := newTestSession(t, nil)
	ctx := context.Background()

	d := testPushDelta("t", "r", "c", 100)
	resp, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: []delta.Delta{d}})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if resp.Accepted != 1 {
		t.Fatalf("accepted = %d, want 1", resp.Accepted)
	}
	if resp.ServerHLC == 0 {
		t.Fatal("serverHlc missing")
	}

	// Pushing the identical delta again is a no-op.
	resp2, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: []delta.Delta{d}})
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if resp2.Accepted != 0 {
		t.Fatalf("duplicate accepted = %d, want 0", resp2.Accepted)
	}
	if got := s.buf.Len(); got != 1 {
		t.Fatalf("buffer holds %d deltas, want 1", got)
	}
}

func TestHandlePush_ClientIDTiebreak(t *testing.T) {
	s := newTestSession(t, nil)
	ctx := context.Background()

	a := testPushDelta("t", "r", "a", 200, col("title", `"A"`))
	b := testPushDelta("t", "r", "b", 200, col("title", `"B"`))

	if _, err := s.HandlePush(ctx, PushRequest{ClientID: "a", Deltas: []delta.Delta{a}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.HandlePush(ctx, PushRequest{ClientID: "b", Deltas: []delta.Delta{b}}); err != nil {
		t.Fatal(err)
	}

	stored, ok := s.buf.Get(delta.RowKey{Table: "t", RowID: "r"})
	if !ok {
		t.Fatal("row missing from buffer")
	}
	if string(stored.Columns[0].Value) != `"B"` {
		t.Fatalf("title = %s, want \"B\" (clientId tiebreak)", stored.Columns[0].Value)
	}
}

func TestHandlePush_ClockDriftFailsWholePush(t *testing.T) {
	s := newTestSession(t, nil)

	good := testPushDelta("t", "r1", "c", 100)
	drifted := testPushDelta("t", "r2", "c", recentHLC(hlc.MaxDriftMS+60000))

	_, err := s.HandlePush(context.Background(), PushRequest{
		ClientID: "c", Deltas: []delta.Delta{good, drifted},
	})
	if !errs.IsKind(err, errs.KindClockDrift) {
		t.Fatalf("expected clock drift, got %v", err)
	}
	if s.buf.Len() != 0 {
		t.Fatal("failed push must leave no partial state")
	}
}

func TestHandlePush_Limits(t *testing.T) {
	s := NewSession("gw-test", Deps{
		Store:   newTestStore(t),
		Objects: objstore.NewMem(),
		Limits:  Limits{MaxDeltasPerPush: 2, MaxPushPayloadBytes: 200},
	})
	t.Cleanup(s.Close)
	ctx := context.Background()

	three := []delta.Delta{
		testPushDelta("t", "r1", "c", 100),
		testPushDelta("t", "r2", "c", 101),
		testPushDelta("t", "r3", "c", 102),
	}
	if _, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: three}); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("expected validation on delta count, got %v", err)
	}

	big := testPushDelta("t", "r1", "c", 100, col("blob", `"`+strings.Repeat("x", 400)+`"`))
	if _, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: []delta.Delta{big}}); !errs.IsKind(err, errs.KindPayloadTooLarge) {
		t.Fatalf("expected payload too large, got %v", err)
	}
}

func TestHandlePush_Backpressure(t *testing.T) {
	s := NewSession("gw-test", Deps{
		Store:   newTestStore(t),
		Objects: objstore.NewMem(),
		Limits:  Limits{HighWatermarkBytes: 1},
	})
	t.Cleanup(s.Close)
	ctx := context.Background()

	first := testPushDelta("t", "r1", "c", 100)
	if _, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: []delta.Delta{first}}); err != nil {
		t.Fatalf("first push should land below watermark check: %v", err)
	}

	second := testPushDelta("t", "r2", "c", 101)
	_, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: []delta.Delta{second}})
	if !errs.IsKind(err, errs.KindBackpressure) {
		t.Fatalf("expected backpressure, got %v", err)
	}
	if s.buf.Len() != 1 {
		t.Fatal("backpressured push must not append")
	}
}

func TestHandlePush_SchemaDropsAndRejects(t *testing.T) {
	s := newTestSession(t, nil)
	ctx := context.Background()

	rawSchema := `{"table":"tasks","columns":[{"name":"title","type":"string"},{"name":"rank","type":"number"}]}`
	if _, err := s.SaveSchema(ctx, []byte(rawSchema)); err != nil {
		t.Fatalf("save schema: %v", err)
	}

	d := testPushDelta("tasks", "r1", "c", 100, col("title", `"A"`), col("ghost", `"x"`))
	resp, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: []delta.Delta{d}})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if cols := resp.Deltas[0].Columns; len(cols) != 1 || cols[0].Name != "title" {
		t.Fatalf("unknown column not dropped: %+v", cols)
	}

	bad := testPushDelta("tasks", "r2", "c", 101, col("rank", `"not a number"`))
	if _, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: []delta.Delta{bad}}); !errs.IsKind(err, errs.KindSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestHandlePull_SinceLimitAndRules(t *testing.T) {
	s := newTestSession(t, nil)
	ctx := context.Background()

	rules := `{"version":1,"buckets":[{"name":"u","tables":[],"filters":[{"column":"user_id","op":"eq","value":"jwt:sub"}]}]}`
	if _, err := s.SaveSyncRules(ctx, []byte(rules)); err != nil {
		t.Fatalf("save rules: %v", err)
	}

	deltas := []delta.Delta{
		testPushDelta("t", "r1", "c", 100, col("user_id", `"u1"`)),
		testPushDelta("t", "r2", "c", 200, col("user_id", `"u2"`)),
		testPushDelta("t", "r3", "c", 300, col("user_id", `"u1"`)),
	}
	if _, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: deltas}); err != nil {
		t.Fatal(err)
	}

	resp, err := s.HandlePull(ctx, PullRequest{ClientID: "u1", Since: 100}, map[string]any{"sub": "u1"})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(resp.Deltas) != 1 || resp.Deltas[0].RowID != "r3" {
		t.Fatalf("rules filter wrong: %+v", resp.Deltas)
	}

	// Without claims the rules are skipped; limit caps the page.
	all, err := s.HandlePull(ctx, PullRequest{ClientID: "c", Since: 0, Limit: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all.Deltas) != 2 || !all.HasMore {
		t.Fatalf("limit/hasMore wrong: %d deltas, hasMore=%v", len(all.Deltas), all.HasMore)
	}
	if all.Deltas[0].HLC > all.Deltas[1].HLC {
		t.Fatal("pull must return ascending HLC order")
	}
}

func TestFlush_WritesFileAndClearsBuffer(t *testing.T) {
	mem := objstore.NewMem()
	s := newTestSession(t, mem)
	ctx := context.Background()

	d := testPushDelta("t", "r1", "c", 100)
	if _, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: []delta.Delta{d}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if s.buf.Len() != 0 {
		t.Fatal("flush must clear the buffer")
	}

	objects, err := mem.ListObjects(ctx, lake.FlushPrefix("gw-test"))
	if err != nil || len(objects) != 1 {
		t.Fatalf("expected one flush file, got %v (%v)", objects, err)
	}
	// No schema cached: JSON-lines format.
	if lake.FlushExt(objects[0].Key) != lake.ExtJSONL {
		t.Fatalf("expected jsonl flush, got key %s", objects[0].Key)
	}

	body, _ := mem.GetObject(ctx, objects[0].Key)
	restored, err := lake.DecodeFlush(body, lake.FlushExt(objects[0].Key))
	if err != nil || len(restored) != 1 || restored[0].RowID != "r1" {
		t.Fatalf("flush file not restorable: %v %v", restored, err)
	}
}

func TestFlush_UsesParquetWithSchema(t *testing.T) {
	mem := objstore.NewMem()
	s := newTestSession(t, mem)
	ctx := context.Background()

	rawSchema := `{"table":"t","columns":[{"name":"title","type":"string"}]}`
	if _, err := s.SaveSchema(ctx, []byte(rawSchema)); err != nil {
		t.Fatal(err)
	}
	d := testPushDelta("t", "r1", "c", 100, col("title", `"A"`))
	if _, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: []delta.Delta{d}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	objects, _ := mem.ListObjects(ctx, lake.FlushPrefix("gw-test"))
	if len(objects) != 1 || lake.FlushExt(objects[0].Key) != lake.ExtParquet {
		t.Fatalf("expected parquet flush, got %v", objects)
	}
}

// failingStore makes every write fail until healed.
type failingStore struct {
	*objstore.MemStore
	mu   sync.Mutex
	fail bool
}

func (f *failingStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *failingStore) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("adapter down")
	}
	return f.MemStore.PutObject(ctx, key, body, contentType)
}

func TestFlush_FailureRestoresBuffer(t *testing.T) {
	bad := &failingStore{MemStore: objstore.NewMem(), fail: true}
	s := newTestSession(t, bad)
	ctx := context.Background()

	d := testPushDelta("t", "r1", "c", 100)
	if _, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: []delta.Delta{d}}); err != nil {
		t.Fatal(err)
	}
	before := s.buf.Stats()

	err := s.Flush(ctx)
	if !errs.IsKind(err, errs.KindFlushFailed) {
		t.Fatalf("expected flush failed, got %v", err)
	}
	after := s.buf.Stats()
	if after.LogSize != before.LogSize || after.Bytes != before.Bytes {
		t.Fatalf("buffer not restored: before %+v after %+v", before, after)
	}
}

func TestBackoffDelay_Schedule(t *testing.T) {
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for i, w := range want {
		if got := BackoffDelay(i + 1); got != w {
			t.Errorf("BackoffDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if BackoffDelay(100) != MaxRetryBackoff {
		t.Error("large retry counts must clamp to the max backoff")
	}
}

func TestAlarm_BackoffSequenceAndReset(t *testing.T) {
	bad := &failingStore{MemStore: objstore.NewMem(), fail: true}
	s := newTestSession(t, bad)
	ctx := context.Background()

	d := testPushDelta("t", "r1", "c", 100)
	if _, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: []delta.Delta{d}}); err != nil {
		t.Fatal(err)
	}

	wantDelays := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond}
	for i, want := range wantDelays {
		s.alarm.Stop() // simulate the pending alarm having fired
		t0 := time.Now()
		s.handleAlarm()

		at, pending := s.alarm.Pending()
		if !pending {
			t.Fatalf("attempt %d: no retry alarm scheduled", i+1)
		}
		got := at.Sub(t0)
		if got < want-100*time.Millisecond || got > want+100*time.Millisecond {
			t.Fatalf("attempt %d: retry delay %v, want ~%v", i+1, got, want)
		}
	}

	// A success resets the retry counter.
	bad.setFail(false)
	s.alarm.Stop()
	s.handleAlarm()
	s.mu.Lock()
	retries := s.flushRetries
	s.mu.Unlock()
	if retries != 0 {
		t.Fatalf("flushRetries = %d after success, want 0", retries)
	}
	if _, pending := s.alarm.Pending(); pending {
		t.Fatal("drained buffer must leave no alarm pending")
	}

	// The next failure starts the schedule over at the base delay.
	bad.setFail(true)
	d2 := testPushDelta("t", "r2", "c", 101)
	if _, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: []delta.Delta{d2}}); err != nil {
		t.Fatal(err)
	}
	s.alarm.Stop()
	t0 := time.Now()
	s.handleAlarm()
	at, pending := s.alarm.Pending()
	if !pending {
		t.Fatal("no retry alarm after renewed failure")
	}
	if got := at.Sub(t0); got < 900*time.Millisecond || got > 1100*time.Millisecond {
		t.Fatalf("post-reset delay %v, want ~1s", got)
	}
}

func TestAlarm_EmptyBufferFireIsNoop(t *testing.T) {
	s := newTestSession(t, nil)
	s.handleAlarm()
	if _, pending := s.alarm.Pending(); pending {
		t.Fatal("empty-buffer fire must not reschedule")
	}
}

func TestFlushAlarm_Coalesces(t *testing.T) {
	a := newFlushAlarm(time.Now, func() {})
	defer a.Stop()

	far := time.Now().Add(time.Hour)
	near := time.Now().Add(time.Minute)

	a.Schedule(far)
	a.Schedule(near)
	if at, ok := a.Pending(); !ok || !at.Equal(near) {
		t.Fatalf("nearer deadline must replace farther, pending %v", at)
	}

	a.Schedule(far)
	if at, _ := a.Pending(); !at.Equal(near) {
		t.Fatalf("farther deadline must not replace nearer, pending %v", at)
	}
}

func TestRegistry_CreatesOnFirstReference(t *testing.T) {
	r := NewRegistry(Deps{Store: newTestStore(t), Objects: objstore.NewMem()})
	t.Cleanup(r.Close)

	a := r.Get("gw-a")
	if again := r.Get("gw-a"); again != a {
		t.Fatal("same id must return the same session")
	}
	if _, ok := r.Peek("gw-b"); ok {
		t.Fatal("peek must not create")
	}
	r.Get("gw-b")
	ids := r.List()
	if len(ids) != 2 || ids[0] != "gw-a" || ids[1] != "gw-b" {
		t.Fatalf("list = %v", ids)
	}
}

func TestRegistry_CloseFlushesBufferedSessions(t *testing.T) {
	objects := objstore.NewMem()
	r := NewRegistry(Deps{Store: newTestStore(t), Objects: objects})

	s := r.Get("gw-a")
	d := testPushDelta("t", "r1", "c1", recentHLC(0))
	if _, err := s.HandlePush(context.Background(), PushRequest{ClientID: "c1", Deltas: []delta.Delta{d}}); err != nil {
		t.Fatal(err)
	}

	r.Close()

	if got := s.Stats().BufferDeltas; got != 0 {
		t.Fatalf("buffer holds %d deltas after close, want 0", got)
	}
	if objects.Len() == 0 {
		t.Fatal("close must write the buffered deltas to the object store")
	}
}

// fakeSocket records broadcast frames.
type fakeSocket struct {
	id       string
	clientID string
	claims   map[string]any

	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (f *fakeSocket) ID() string            { return f.id }
func (f *fakeSocket) ClientID() string      { return f.clientID }
func (f *fakeSocket) Claims() map[string]any { return f.claims }

func (f *fakeSocket) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("socket closed")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSocket) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestBroadcast_FiltersPerSocketAndSkipsSource(t *testing.T) {
	s := newTestSession(t, nil)
	ctx := context.Background()

	rules := `{"version":1,"buckets":[{"name":"u","tables":[],"filters":[{"column":"user_id","op":"eq","value":"jwt:sub"}]}]}`
	if _, err := s.SaveSyncRules(ctx, []byte(rules)); err != nil {
		t.Fatal(err)
	}

	source := &fakeSocket{id: "s0", clientID: "c0", claims: map[string]any{"sub": "u1"}}
	match := &fakeSocket{id: "s1", clientID: "c1", claims: map[string]any{"sub": "u1"}}
	miss := &fakeSocket{id: "s2", clientID: "c2", claims: map[string]any{"sub": "u2"}}
	broken := &fakeSocket{id: "s3", clientID: "c3", claims: map[string]any{"sub": "u1"}, fail: true}
	for _, sock := range []*fakeSocket{source, match, miss, broken} {
		s.AttachSocket(sock)
	}

	deltas := []delta.Delta{testPushDelta("t", "r1", "c0", 100, col("user_id", `"u1"`))}
	s.Broadcast(ctx, "s0", deltas, 500)

	if source.count() != 0 {
		t.Error("source socket must not receive its own broadcast")
	}
	if match.count() != 1 {
		t.Errorf("matching socket got %d frames, want 1", match.count())
	}
	if miss.count() != 0 {
		t.Error("non-matching socket must be skipped")
	}
	// broken socket's failure is swallowed; nothing to assert beyond no panic.
}

func TestBroadcast_LoadsStoredRulesOnColdSession(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	rules := `{"version":1,"buckets":[{"name":"u","tables":[],"filters":[{"column":"user_id","op":"eq","value":"jwt:sub"}]}]}`
	if err := db.SetGatewayValue(ctx, "gw-cold", store.KeySyncRules, []byte(rules)); err != nil {
		t.Fatal(err)
	}

	// A fresh session has not read its persisted rules yet; the first
	// broadcast must load them rather than fan out unfiltered.
	s := NewSession("gw-cold", Deps{Store: db, Objects: objstore.NewMem()})
	t.Cleanup(s.Close)

	viewer := &fakeSocket{id: "s1", clientID: "c1", claims: map[string]any{"sub": "viewer"}}
	owner := &fakeSocket{id: "s2", clientID: "c2", claims: map[string]any{"sub": "someone-else"}}
	s.AttachSocket(viewer)
	s.AttachSocket(owner)

	deltas := []delta.Delta{testPushDelta("t", "r1", "c0", 100, col("user_id", `"someone-else"`))}
	s.Broadcast(ctx, "s0", deltas, 500)

	if viewer.count() != 0 {
		t.Fatalf("viewer got %d frames, want 0: stored rules were not applied", viewer.count())
	}
	if owner.count() != 1 {
		t.Fatalf("owner got %d frames, want 1", owner.count())
	}
}

func TestStats_ReportsFootprint(t *testing.T) {
	s := newTestSession(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d := testPushDelta("t", fmt.Sprintf("r%d", i), "c", hlc.Timestamp(100+i))
		if _, err := s.HandlePush(ctx, PushRequest{ClientID: "c", Deltas: []delta.Delta{d}}); err != nil {
			t.Fatal(err)
		}
	}
	st := s.Stats()
	if st.BufferDeltas != 3 || st.IndexSize != 3 || st.BufferBytes == 0 {
		t.Fatalf("stats = %+v", st)
	}
	if !st.AlarmPending {
		t.Fatal("age alarm should be pending after a push")
	}
}
