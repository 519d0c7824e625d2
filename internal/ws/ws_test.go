package ws

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/lakesync/internal/auth"
	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/gateway"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/objstore"
	"github.com/hyperengineering/lakesync/internal/store"
	"github.com/hyperengineering/lakesync/internal/wire"
)

func newTestSession(t *testing.T) *gateway.Session {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ws.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return gateway.NewSession("gw-ws", gateway.Deps{
		Store:   st,
		Objects: objstore.NewMem(),
		Limits:  gateway.DefaultLimits(),
	})
}

// newWSEndpoint wires one session behind an httptest server that
// upgrades every request under the client id in the Sec-Client header.
func newWSEndpoint(t *testing.T, session *gateway.Session) *httptest.Server {
	t.Helper()
	server := NewServer(nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.Header.Get("Sec-Client")
		if clientID == "" {
			clientID = "client-a"
		}
		server.Serve(w, r, session, &auth.Claims{
			ClientID: clientID,
			Custom:   map[string]any{"sub": clientID},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	hdr := http.Header{}
	if clientID != "" {
		hdr.Set("Sec-Client", clientID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testDelta(t *testing.T, clientID, rowID string) delta.Delta {
	t.Helper()
	d := delta.Delta{
		Op:       delta.OpInsert,
		Table:    "notes",
		RowID:    rowID,
		ClientID: clientID,
		Columns:  []delta.Column{{Name: "title", Value: []byte(`"hello"`)}},
		HLC:      hlc.FromParts(time.Now().UnixMilli(), 0),
	}
	id, err := d.ComputeID()
	if err != nil {
		t.Fatalf("compute id: %v", err)
	}
	d.DeltaID = id
	return d
}

// expectClose reads until the peer closes and asserts the close code
// and that the reason contains the given fragment.
func expectClose(t *testing.T, conn *websocket.Conn, code int, fragment string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		if !ok {
			t.Fatalf("expected close error, got %v", err)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d, want %d (reason %q)", ce.Code, code, ce.Text)
		}
		if fragment != "" && !strings.Contains(ce.Text, fragment) {
			t.Fatalf("close reason %q does not contain %q", ce.Text, fragment)
		}
		return
	}
}

func readBroadcast(t *testing.T, conn *websocket.Conn) wire.SyncResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", msgType)
	}
	if len(data) < 1 || data[0] != wire.TagBroadcast {
		t.Fatalf("frame tag = %#x, want %#x", data[0], wire.TagBroadcast)
	}
	resp, err := wire.DecodeSyncResponse(data[1:])
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestWS_TextFrameCloses(t *testing.T) {
	srv := newWSEndpoint(t, newTestSession(t))
	conn := dial(t, srv, "client-a")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, conn, websocket.CloseUnsupportedData, "Binary frames only")
}

func TestWS_ShortFrameCloses(t *testing.T) {
	srv := newWSEndpoint(t, newTestSession(t))
	conn := dial(t, srv, "client-a")

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{wire.TagSyncPush}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, conn, websocket.CloseProtocolError, "Message too short")
}

func TestWS_UnknownTagCloses(t *testing.T) {
	srv := newWSEndpoint(t, newTestSession(t))
	conn := dial(t, srv, "client-a")

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x7f, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, conn, websocket.CloseProtocolError, "Unknown message tag: 0x7f")
}

func TestWS_ClientIDMismatchCloses(t *testing.T) {
	srv := newWSEndpoint(t, newTestSession(t))
	conn := dial(t, srv, "client-a")

	frame := wire.EncodeSyncPushFrame(wire.SyncPush{
		ClientID: "client-b",
		Deltas:   []delta.Delta{testDelta(t, "client-b", "r1")},
	})
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, conn, websocket.ClosePolicyViolation, "Client ID mismatch")
}

func TestWS_PushAckThenPull(t *testing.T) {
	srv := newWSEndpoint(t, newTestSession(t))
	conn := dial(t, srv, "client-a")

	d := testDelta(t, "client-a", "r1")
	push := wire.EncodeSyncPushFrame(wire.SyncPush{ClientID: "client-a", Deltas: []delta.Delta{d}})
	if err := conn.WriteMessage(websocket.BinaryMessage, push); err != nil {
		t.Fatalf("write push: %v", err)
	}

	ack := readBroadcast(t, conn)
	if ack.ServerHLC == 0 {
		t.Fatal("ack serverHlc is zero")
	}
	if len(ack.Deltas) != 0 {
		t.Fatalf("ack carries %d deltas, want 0", len(ack.Deltas))
	}

	pull := wire.EncodeSyncPullFrame(wire.SyncPull{ClientID: "client-a", SinceHLC: 0, MaxDeltas: 10})
	if err := conn.WriteMessage(websocket.BinaryMessage, pull); err != nil {
		t.Fatalf("write pull: %v", err)
	}
	page := readBroadcast(t, conn)
	if len(page.Deltas) != 1 {
		t.Fatalf("pull returned %d deltas, want 1", len(page.Deltas))
	}
	if page.Deltas[0].DeltaID != d.DeltaID {
		t.Fatalf("pull returned delta %s, want %s", page.Deltas[0].DeltaID, d.DeltaID)
	}
	if page.HasMore {
		t.Fatal("hasMore set on a full page")
	}
}

func TestWS_PushBroadcastsToPeers(t *testing.T) {
	session := newTestSession(t)
	srv := newWSEndpoint(t, session)

	sender := dial(t, srv, "client-a")
	receiver := dial(t, srv, "client-b")

	// Both attachments must be registered before the push fans out.
	deadline := time.Now().Add(2 * time.Second)
	for session.Stats().Sockets < 2 {
		if time.Now().After(deadline) {
			t.Fatal("sockets never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	d := testDelta(t, "client-a", "r1")
	push := wire.EncodeSyncPushFrame(wire.SyncPush{ClientID: "client-a", Deltas: []delta.Delta{d}})
	if err := sender.WriteMessage(websocket.BinaryMessage, push); err != nil {
		t.Fatalf("write push: %v", err)
	}
	readBroadcast(t, sender) // ack

	got := readBroadcast(t, receiver)
	if len(got.Deltas) != 1 || got.Deltas[0].DeltaID != d.DeltaID {
		t.Fatalf("broadcast = %+v, want the pushed delta", got.Deltas)
	}
	if got.ServerHLC == 0 {
		t.Fatal("broadcast serverHlc is zero")
	}
}

func TestWS_OriginRejected(t *testing.T) {
	session := newTestSession(t)
	server := NewServer([]string{"https://app.example.com"}, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.Serve(w, r, session, &auth.Claims{ClientID: "client-a"})
	}))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	hdr := http.Header{}
	hdr.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(u, hdr)
	if err == nil {
		t.Fatal("expected handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake status = %v, want 403", resp)
	}
}
