package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"partyrelay/relay"
)

func newTestRelay(t *testing.T) string {
	t.Helper()

	svc := relay.New(relay.Options{})

	mux := httprouter.New()
	mux.GET("/ws", svc.Handle())

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		svc.Shutdown()
		srv.Close()
	})

	return srv.URL + "/ws"
}

func newTestSession(t *testing.T, url string) *Session {
	t.Helper()

	s := New(Config{ServerURL: url})
	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

func waitLifecycle(t *testing.T, ch <-chan LifecycleEvent, kind LifecycleKind) LifecycleEvent {
	t.Helper()

	select {
	case ev := <-ch:
		if ev.Kind != kind {
			t.Fatalf("lifecycle event kind = %v, want %v", ev.Kind, kind)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for lifecycle event %v", kind)
		return LifecycleEvent{}
	}
}

func TestCreateJoinRoundTrip(t *testing.T) {
	url := newTestRelay(t)
	ctx := context.Background()

	host := newTestSession(t, url)
	client := newTestSession(t, url)

	hostEvents := make(chan LifecycleEvent, 8)
	host.OnLifecycle(func(ev LifecycleEvent) {
		hostEvents <- ev
	})

	type received struct {
		msgType string
		payload json.RawMessage
	}
	clientMsgs := make(chan received, 8)
	client.OnMessage(func(msgType string, payload json.RawMessage) {
		clientMsgs <- received{msgType, payload}
	})
	hostMsgs := make(chan received, 8)
	host.OnMessage(func(msgType string, payload json.RawMessage) {
		hostMsgs <- received{msgType, payload}
	})

	code, err := host.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}

	if pattern := regexp.MustCompile(`^[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{4}$`); !pattern.MatchString(code) {
		t.Fatalf("CreateRoom() code = %q, want match for %s", code, pattern)
	}

	if host.RoomCode() != code {
		t.Errorf("host.RoomCode() = %q, want %q", host.RoomCode(), code)
	}

	// Joining is case-insensitive.
	if err := client.JoinRoom(ctx, "  "+code+" "); err != nil {
		t.Fatalf("JoinRoom(%q) error = %v", code, err)
	}

	joined := waitLifecycle(t, hostEvents, PeerJoined)
	if joined.PeerID == "" {
		t.Error("client-joined notification carries no peer id")
	}

	host.Send("ping", map[string]int{"n": 1})

	select {
	case got := <-clientMsgs:
		if got.msgType != "ping" {
			t.Errorf("onMessage type = %q, want %q", got.msgType, "ping")
		}
		var body struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(got.payload, &body); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if body.N != 1 {
			t.Errorf("payload n = %d, want 1", body.N)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client never received relayed message")
	}

	// And back the other way.
	client.Send("pong", map[string]int{"n": 2})

	select {
	case got := <-hostMsgs:
		if got.msgType != "pong" {
			t.Errorf("onMessage type = %q, want %q", got.msgType, "pong")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("host never received relayed message")
	}
}

func TestSenderOrderPreserved(t *testing.T) {
	url := newTestRelay(t)
	ctx := context.Background()

	host := newTestSession(t, url)
	client := newTestSession(t, url)

	got := make(chan int, 32)
	client.OnMessage(func(msgType string, payload json.RawMessage) {
		var n int
		_ = json.Unmarshal(payload, &n)
		got <- n
	})

	code, err := host.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if err := client.JoinRoom(ctx, code); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}

	for i := 0; i < 20; i++ {
		host.Send("seq", i)
	}

	for want := 0; want < 20; want++ {
		select {
		case n := <-got:
			if n != want {
				t.Fatalf("received %d, want %d (sender order must be preserved)", n, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", want)
		}
	}
}

func TestJoinRoomNotFound(t *testing.T) {
	url := newTestRelay(t)

	client := New(Config{ServerURL: url, JoinTimeout: 10 * time.Second})
	defer client.Close()

	start := time.Now()
	err := client.JoinRoom(context.Background(), "ZZZZ")
	elapsed := time.Since(start)

	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("JoinRoom() error = %v, want ErrRoomNotFound", err)
	}

	// Fast-fail, not timeout-fail: the server answers immediately.
	if elapsed > 5*time.Second {
		t.Errorf("JoinRoom() took %s, want a prompt rejection", elapsed)
	}
}

func TestJoinRoomBadCode(t *testing.T) {
	url := newTestRelay(t)
	client := newTestSession(t, url)

	tests := []struct {
		name string
		code string
	}{
		{"empty", ""},
		{"too short", "ABC"},
		{"too long", "ABCDE"},
		{"bad alphabet", "AB0D"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := client.JoinRoom(context.Background(), tt.code); !errors.Is(err, ErrBadCode) {
				t.Errorf("JoinRoom(%q) error = %v, want ErrBadCode", tt.code, err)
			}
		})
	}

	// Local validation happens before any dialing.
	if client.Connected() {
		t.Error("malformed codes should fail before a connection is established")
	}
}

func TestTwoClientsJoinSameRoom(t *testing.T) {
	url := newTestRelay(t)
	ctx := context.Background()

	host := newTestSession(t, url)
	c1 := newTestSession(t, url)
	c2 := newTestSession(t, url)

	code, err := host.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}

	got1 := make(chan string, 8)
	c1.OnMessage(func(msgType string, _ json.RawMessage) { got1 <- msgType })
	got2 := make(chan string, 8)
	c2.OnMessage(func(msgType string, _ json.RawMessage) { got2 <- msgType })

	if err := c1.JoinRoom(ctx, code); err != nil {
		t.Fatalf("first JoinRoom() error = %v", err)
	}
	if err := c2.JoinRoom(ctx, code); err != nil {
		t.Fatalf("second JoinRoom() error = %v", err)
	}

	host.Send("hello", nil)

	for i, ch := range []chan string{got1, got2} {
		select {
		case msgType := <-ch:
			if msgType != "hello" {
				t.Errorf("client %d got type %q, want %q", i+1, msgType, "hello")
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("client %d never received fan-out", i+1)
		}
	}
}

func TestHostLeft(t *testing.T) {
	url := newTestRelay(t)
	ctx := context.Background()

	host := newTestSession(t, url)
	client := newTestSession(t, url)

	events := make(chan LifecycleEvent, 8)
	client.OnLifecycle(func(ev LifecycleEvent) {
		events <- ev
	})

	code, err := host.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if err := client.JoinRoom(ctx, code); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}

	_ = host.Close()

	waitLifecycle(t, events, HostLeft)

	select {
	case ev := <-events:
		t.Fatalf("unexpected extra lifecycle event %v after host-left", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}

	if client.RoomCode() != "" {
		t.Errorf("client.RoomCode() = %q after host left, want empty", client.RoomCode())
	}

	// The old code is dead.
	if err := client.JoinRoom(ctx, code); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("JoinRoom(%q) after host left error = %v, want ErrRoomNotFound", code, err)
	}
}

func TestClientLeft(t *testing.T) {
	url := newTestRelay(t)
	ctx := context.Background()

	host := newTestSession(t, url)
	client := newTestSession(t, url)

	events := make(chan LifecycleEvent, 8)
	host.OnLifecycle(func(ev LifecycleEvent) {
		events <- ev
	})

	code, err := host.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if err := client.JoinRoom(ctx, code); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}

	waitLifecycle(t, events, PeerJoined)

	_ = client.Close()

	waitLifecycle(t, events, PeerLeft)

	// The room survives; a replacement client can still join.
	replacement := newTestSession(t, url)
	if err := replacement.JoinRoom(ctx, code); err != nil {
		t.Errorf("JoinRoom() after client left error = %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	url := newTestRelay(t)

	s := New(Config{ServerURL: url})

	if _, err := s.CreateRoom(context.Background()); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	// Steady-state calls after close are silent no-ops.
	s.Send("ping", nil)

	if _, err := s.CreateRoom(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateRoom() after Close() error = %v, want ErrClosed", err)
	}
}

func TestSendBeforeConnectIsNoOp(t *testing.T) {
	s := New(Config{ServerURL: "http://127.0.0.1:1"})
	defer s.Close()

	s.Send("ping", map[string]int{"n": 1})
}

func TestCreateRoomConnectionError(t *testing.T) {
	s := New(Config{
		ServerURL:   "http://127.0.0.1:1",
		DialTimeout: 2 * time.Second,
	})
	defer s.Close()

	if _, err := s.CreateRoom(context.Background()); !errors.Is(err, ErrConnection) {
		t.Fatalf("CreateRoom() error = %v, want ErrConnection", err)
	}
}

func TestCreateRoomTimeout(t *testing.T) {
	// A server that upgrades but never acknowledges anything.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := New(Config{
		ServerURL:     srv.URL,
		CreateTimeout: 100 * time.Millisecond,
	})
	defer s.Close()

	if _, err := s.CreateRoom(context.Background()); !errors.Is(err, ErrCreateTimeout) {
		t.Fatalf("CreateRoom() error = %v, want ErrCreateTimeout", err)
	}
}

func TestJoinTimeoutDistinctFromNotFound(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := New(Config{
		ServerURL:   srv.URL,
		JoinTimeout: 100 * time.Millisecond,
	})
	defer s.Close()

	err := s.JoinRoom(context.Background(), "ABCD")
	if !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("JoinRoom() error = %v, want ErrJoinTimeout", err)
	}
	if errors.Is(err, ErrRoomNotFound) {
		t.Fatal("timeout must be distinguishable from room-not-found")
	}
}
