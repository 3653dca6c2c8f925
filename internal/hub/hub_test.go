package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/onebox-labs/onebox/internal/auth"
	"github.com/onebox-labs/onebox/internal/bus"
	"github.com/onebox-labs/onebox/internal/models"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	ensured  []string
	stopped  []string
	ensureCh chan string
	stopCh   chan string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		ensureCh: make(chan string, 16),
		stopCh:   make(chan string, 16),
	}
}

func (f *fakeSupervisor) EnsureForUser(_ context.Context, userID string) error {
	f.mu.Lock()
	f.ensured = append(f.ensured, userID)
	f.mu.Unlock()
	f.ensureCh <- userID
	return nil
}

func (f *fakeSupervisor) StopAll(userID string) {
	f.mu.Lock()
	f.stopped = append(f.stopped, userID)
	f.mu.Unlock()
	f.stopCh <- userID
}

type hubFixture struct {
	hub      *Hub
	bus      *bus.Bus
	sup      *fakeSupervisor
	verifier *auth.StaticVerifier
	server   *httptest.Server
	cancel   context.CancelFunc
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()

	b := bus.New(64)
	sup := newFakeSupervisor()
	verifier := auth.NewStaticVerifier()

	h := New(verifier, sup, b, nil, Options{
		Heartbeat:    time.Second,
		WriteTimeout: time.Second,
		QueueSize:    16,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))

	f := &hubFixture{hub: h, bus: b, sup: sup, verifier: verifier, server: srv, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return f
}

func (f *hubFixture) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?token=" + token
}

func (f *hubFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, f.wsURL(token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func TestUpgradeRejectsBadToken(t *testing.T) {
	f := newHubFixture(t)

	conn := f.dial(t, "nope")
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected close on bad token")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v, want 1008", got)
	}
}

func TestConnectDeliversConnectionFrameAndEnsuresAgents(t *testing.T) {
	f := newHubFixture(t)
	token, _ := f.verifier.Register("u1", "secret")

	conn := f.dial(t, token)
	defer conn.Close(websocket.StatusNormalClosure, "")

	if frame := readFrame(t, conn); frame.Type != frameConnection {
		t.Errorf("first frame = %q, want connection", frame.Type)
	}

	select {
	case userID := <-f.sup.ensureCh:
		if userID != "u1" {
			t.Errorf("ensured %q, want u1", userID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("EnsureForUser never invoked")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	f := newHubFixture(t)
	token, _ := f.verifier.Register("u1", "secret")

	conn := f.dial(t, token)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readFrame(t, conn) // connection

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if frame := readFrame(t, conn); frame.Type != framePong {
		t.Errorf("reply = %q, want pong", frame.Type)
	}
}

func TestBusEventsReachOnlyTheirUser(t *testing.T) {
	f := newHubFixture(t)
	tok1, _ := f.verifier.Register("u1", "secret")
	tok2, _ := f.verifier.Register("u2", "secret")

	c1 := f.dial(t, tok1)
	defer c1.Close(websocket.StatusNormalClosure, "")
	c2 := f.dial(t, tok2)
	defer c2.Close(websocket.StatusNormalClosure, "")
	readFrame(t, c1)
	readFrame(t, c2)

	f.bus.Publish(bus.TopicNewMessage, models.NewMessageEvent{
		UserID:  "u1",
		Message: models.StoredMessage{ID: "u1|a@x.com|42", UID: 42},
		At:      time.Now().UTC(),
	})
	f.bus.Publish(bus.TopicStatus, models.StatusEvent{
		UserID: "u2",
		Email:  "b@x.com",
		State:  models.StateIdle(),
		At:     time.Now().UTC(),
	})

	if frame := readFrame(t, c1); frame.Type != frameNewEmail {
		t.Errorf("u1 frame = %q, want new_email", frame.Type)
	}
	if frame := readFrame(t, c2); frame.Type != frameSyncStatus {
		t.Errorf("u2 frame = %q, want sync_status", frame.Type)
	}
}

func TestSessionReplacement(t *testing.T) {
	f := newHubFixture(t)
	token, _ := f.verifier.Register("u1", "secret")

	c1 := f.dial(t, token)
	readFrame(t, c1)

	c2 := f.dial(t, token)
	defer c2.Close(websocket.StatusNormalClosure, "")
	readFrame(t, c2)

	// The first session is closed 1000 "replaced".
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c1.Read(ctx)
	if err == nil {
		t.Fatal("expected close of the replaced session")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want 1000", got)
	}

	// Replacement must not stop the user's agents; a live session remains.
	select {
	case userID := <-f.sup.stopCh:
		t.Fatalf("StopAll(%q) called on replacement", userID)
	case <-time.After(300 * time.Millisecond):
	}

	// Frames flow to the successor only.
	f.bus.Publish(bus.TopicNewMessage, models.NewMessageEvent{
		UserID:  "u1",
		Message: models.StoredMessage{ID: "u1|a@x.com|1", UID: 1},
		At:      time.Now().UTC(),
	})
	if frame := readFrame(t, c2); frame.Type != frameNewEmail {
		t.Errorf("frame = %q, want new_email", frame.Type)
	}
}

func TestLastSessionCloseStopsAgents(t *testing.T) {
	f := newHubFixture(t)
	token, _ := f.verifier.Register("u1", "secret")

	conn := f.dial(t, token)
	readFrame(t, conn)

	conn.Close(websocket.StatusNormalClosure, "done")

	select {
	case userID := <-f.sup.stopCh:
		if userID != "u1" {
			t.Errorf("StopAll(%q), want u1", userID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("StopAll never invoked after last session closed")
	}
}

func TestHeartbeatEvictsUnresponsivePeer(t *testing.T) {
	f := newHubFixture(t)
	token, _ := f.verifier.Register("u1", "secret")

	// A peer that never reads cannot answer protocol pings; the hub must
	// terminate it after a missed heartbeat.
	conn := f.dial(t, token)
	defer conn.CloseNow()

	select {
	case userID := <-f.sup.stopCh:
		if userID != "u1" {
			t.Errorf("StopAll(%q), want u1", userID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("unresponsive session never evicted")
	}
}

func TestBroadcastAllReachesEverySession(t *testing.T) {
	f := newHubFixture(t)
	tok1, _ := f.verifier.Register("u1", "secret")
	tok2, _ := f.verifier.Register("u2", "secret")

	c1 := f.dial(t, tok1)
	defer c1.Close(websocket.StatusNormalClosure, "")
	c2 := f.dial(t, tok2)
	defer c2.Close(websocket.StatusNormalClosure, "")
	readFrame(t, c1)
	readFrame(t, c2)

	f.hub.Broadcast(map[string]string{"notice": "maintenance at noon"})

	for _, conn := range []*websocket.Conn{c1, c2} {
		if frame := readFrame(t, conn); frame.Type != frameBroadcast {
			t.Errorf("frame = %q, want broadcast", frame.Type)
		}
	}
}

func TestShutdownFlushesFinalStatuses(t *testing.T) {
	f := newHubFixture(t)
	token, _ := f.verifier.Register("u1", "secret")

	conn := f.dial(t, token)
	defer conn.CloseNow()
	readFrame(t, conn)

	// Final statuses of a shutdown are on the bus when the hub is told
	// to stop; they must still reach the client before its socket closes.
	for _, email := range []string{"a@x.com", "b@x.com"} {
		f.bus.Publish(bus.TopicStatus, models.StatusEvent{
			UserID: "u1",
			Email:  email,
			State:  models.StateStopped(),
			At:     time.Now().UTC(),
		})
	}
	f.cancel()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		frame := readFrame(t, conn)
		if frame.Type != frameSyncStatus {
			t.Fatalf("frame %d = %q, want sync_status", i, frame.Type)
		}
		data := frame.Data.(map[string]any)
		if data["state"] != string(models.AgentStopped) {
			t.Errorf("state = %v, want stopped", data["state"])
		}
		seen[data["email"].(string)] = true
	}
	if !seen["a@x.com"] || !seen["b@x.com"] {
		t.Errorf("statuses seen = %v, want both mailboxes", seen)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected close after final statuses")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want 1000", got)
	}
}

func TestUnknownInboundTypeIgnored(t *testing.T) {
	f := newHubFixture(t)
	token, _ := f.verifier.Register("u1", "secret")

	conn := f.dial(t, token)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"mystery"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The unknown frame produced no reply; the ping still works.
	if frame := readFrame(t, conn); frame.Type != framePong {
		t.Errorf("reply = %q, want pong", frame.Type)
	}
}
