package parse

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeLiveQueryServer speaks the live query protocol. onConnect decides how
// each handshake is answered; subscribe frames are acknowledged.
type fakeLiveQueryServer struct {
	*httptest.Server

	frames      chan clientFrame
	conns       chan *websocket.Conn
	connections atomic.Int32
	onConnect   func(n int, conn *websocket.Conn) bool
}

func newFakeLiveQueryServer(t *testing.T, onConnect func(n int, conn *websocket.Conn) bool) *fakeLiveQueryServer {
	t.Helper()
	s := &fakeLiveQueryServer{
		frames:    make(chan clientFrame, 64),
		conns:     make(chan *websocket.Conn, 8),
		onConnect: onConnect,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeLiveQueryServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := context.Background()

	var connect clientFrame
	if !readClientFrame(ctx, conn, &connect) {
		return
	}
	s.frames <- connect
	n := int(s.connections.Add(1))
	if s.onConnect != nil && !s.onConnect(n, conn) {
		return
	}
	s.conns <- conn

	for {
		var f clientFrame
		if !readClientFrame(ctx, conn, &f) {
			return
		}
		s.frames <- f
		if f.Op == opSubscribe || f.Op == opUpdate {
			writeServerFrame(ctx, conn, map[string]any{"op": "subscribed", "requestId": f.RequestID})
		}
	}
}

func readClientFrame(ctx context.Context, conn *websocket.Conn, f *clientFrame) bool {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, f) == nil
}

func writeServerFrame(ctx context.Context, conn *websocket.Conn, frame any) error {
	data, _ := json.Marshal(frame)
	return conn.Write(ctx, websocket.MessageText, data)
}

// acceptHandshake answers every connect with a client id.
func acceptHandshake(n int, conn *websocket.Conn) bool {
	writeServerFrame(context.Background(), conn, map[string]any{"op": "connected", "clientId": "c" + string(rune('0'+n))})
	return true
}

func (s *fakeLiveQueryServer) nextFrame(t *testing.T) clientFrame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
	}
	return clientFrame{}
}

func (s *fakeLiveQueryServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection")
	}
	return nil
}

func newLiveQueryTestClient(t *testing.T, serverURL string, mutate ...func(*Config)) *LiveQueryClient {
	t.Helper()
	cfg := Config{ApplicationID: "app", ClientKey: "client", ServerURL: serverURL + "/parse"}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	lq := c.LiveQuery()
	t.Cleanup(func() { lq.Close() })
	return lq
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// State machine
// ============================================================================

func TestReconnectInterval(t *testing.T) {
	if reconnectInterval(0) != 0 {
		t.Fatal("attempt 0 has an empty range")
	}
	for attempt := 1; attempt < 12; attempt++ {
		upper := float64(int(1)<<attempt - 1)
		if upper > maxReconnectUnits {
			upper = maxReconnectUnits
		}
		for i := 0; i < 100; i++ {
			d := reconnectInterval(attempt)
			if d < 0 || d >= upper {
				t.Fatalf("attempt %d: %v outside [0, %v)", attempt, d, upper)
			}
		}
	}
}

func TestConnectionStates(t *testing.T) {
	c, err := NewClient(Config{ApplicationID: "app", ServerURL: "http://localhost:1337/parse"})
	if err != nil {
		t.Fatal(err)
	}
	lq := c.LiveQuery()
	if lq != c.LiveQuery() {
		t.Fatal("LiveQuery should return the same client")
	}
	if lq.State() != StateDisconnected {
		t.Fatalf("unexpected initial state %s", lq.State())
	}

	steps := []struct {
		event string
		want  LiveQueryState
	}{
		{eventHandshake, StateDisconnected},
		{eventDial, StateConnecting},
		{eventHandshake, StateConnecting},
		{eventSocketOpen, StateSocketEstablished},
		{eventHandshake, StateConnected},
		{eventFail, StateDisconnectedWithError},
		{eventDial, StateConnecting},
		{eventClose, StateDisconnected},
		{eventClose, StateDisconnected},
	}
	for _, step := range steps {
		lq.transition(step.event)
		if lq.State() != step.want {
			t.Fatalf("after %s: got %s, want %s", step.event, lq.State(), step.want)
		}
	}
}

func TestSendPingStates(t *testing.T) {
	c, err := NewClient(Config{ApplicationID: "app", ServerURL: "http://localhost:1337/parse"})
	if err != nil {
		t.Fatal(err)
	}
	lq := c.LiveQuery()
	ctx := context.Background()

	err = lq.SendPing(ctx)
	if !errors.Is(err, ErrSocketNotEstablished) {
		t.Fatalf("expected SocketNotEstablished, got %v", err)
	}

	lq.setState(StateConnected)
	err = lq.SendPing(ctx)
	if err == nil || KindOf(err) == KindSocketNotEstablished {
		t.Fatalf("a connected state must not report SocketNotEstablished, got %v", err)
	}
}

func TestCancelledAttemptKeepsState(t *testing.T) {
	c, err := NewClient(Config{ApplicationID: "app", ServerURL: "http://localhost:1337/parse"})
	if err != nil {
		t.Fatal(err)
	}
	lq := c.LiveQuery()
	// a newer attempt is dialing
	lq.transition(eventDial)

	stale, cancel := context.WithCancel(context.Background())
	cancel()
	if lq.advance(stale, eventSocketOpen, nil) {
		t.Fatal("a cancelled attempt must not move the state")
	}
	if lq.State() != StateConnecting {
		t.Fatalf("unexpected state %s", lq.State())
	}
	if !lq.advance(context.Background(), eventSocketOpen, nil) || lq.State() != StateSocketEstablished {
		t.Fatalf("the live attempt should advance, state %s", lq.State())
	}
}

func TestSubscribeValidation(t *testing.T) {
	c, _ := NewClient(Config{ApplicationID: "app", ServerURL: "http://localhost:1337/parse"})
	if _, err := c.LiveQuery().Subscribe(context.Background(), Query{}); !IsCode(err, CodeInvalidClassName) {
		t.Fatalf("expected invalid class name, got %v", err)
	}
}

// ============================================================================
// Connection flow
// ============================================================================

func TestLiveQueryFlow(t *testing.T) {
	srv := newFakeLiveQueryServer(t, acceptHandshake)
	lq := newLiveQueryTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// queued until the handshake
	sub, err := lq.Subscribe(ctx, Query{
		ClassName: "GameScore",
		Where:     map[string]any{"points": map[string]any{"$gt": 10}},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	created := make(chan *Object, 1)
	sub.OnCreate(func(o *Object) { created <- o })
	type change struct{ object, original *Object }
	updated := make(chan change, 1)
	sub.OnUpdate(func(o, orig *Object) { updated <- change{o, orig} })

	opened := make(chan string, 1)
	lq.OnOpen(func(id string) { opened <- id })
	closedCalls := atomic.Int32{}
	lq.OnClose(func() { closedCalls.Add(1) })

	if err := lq.Open(ctx, true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if lq.State() != StateConnected || lq.ClientID() != "c1" {
		t.Fatalf("unexpected state %s client %q", lq.State(), lq.ClientID())
	}
	if err := lq.Open(ctx, true); err != nil {
		t.Fatal("opening a connected client is a no-op")
	}

	connect := srv.nextFrame(t)
	if connect.Op != opConnect || connect.ApplicationID != "app" || connect.ClientKey != "client" || connect.InstallationID == "" {
		t.Fatalf("unexpected connect frame %+v", connect)
	}
	conn := srv.nextConn(t)

	subscribe := srv.nextFrame(t)
	if subscribe.Op != opSubscribe || subscribe.RequestID != sub.RequestID() || subscribe.Query == nil || subscribe.Query.ClassName != "GameScore" {
		t.Fatalf("unexpected subscribe frame %+v", subscribe)
	}
	if err := sub.Subscribed(ctx); err != nil {
		t.Fatalf("Subscribed: %v", err)
	}
	select {
	case id := <-opened:
		if id != "c1" {
			t.Fatalf("unexpected client id %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen not called")
	}

	if err := lq.SendPing(ctx); err != nil {
		t.Fatalf("SendPing: %v", err)
	}

	t.Run("events", func(t *testing.T) {
		writeServerFrame(ctx, conn, map[string]any{
			"op": "create", "requestId": sub.RequestID(), "clientId": "c1",
			"object": map[string]any{"className": "GameScore", "objectId": "s1", "points": 20},
		})
		select {
		case o := <-created:
			if o.ObjectID() != "s1" || o.ClassName() != "GameScore" || o.Dirty() {
				t.Fatalf("unexpected object %s/%s", o.ClassName(), o.ObjectID())
			}
			if n, _ := o.GetNumber("points"); n != 20 {
				t.Fatalf("unexpected points %v", n)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("OnCreate not called")
		}

		writeServerFrame(ctx, conn, map[string]any{
			"op": "update", "requestId": sub.RequestID(),
			"object":   map[string]any{"className": "GameScore", "objectId": "s1", "points": 25},
			"original": map[string]any{"className": "GameScore", "objectId": "s1", "points": 20},
		})
		select {
		case c := <-updated:
			n, _ := c.object.GetNumber("points")
			was, _ := c.original.GetNumber("points")
			if n != 25 || was != 20 {
				t.Fatalf("unexpected update %v from %v", n, was)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("OnUpdate not called")
		}
	})

	t.Run("subscription errors", func(t *testing.T) {
		failed := make(chan error, 1)
		sub.OnError(func(err error) { failed <- err })
		writeServerFrame(ctx, conn, map[string]any{"op": "error", "requestId": sub.RequestID(), "code": 119, "error": "forbidden"})
		select {
		case err := <-failed:
			if !IsCode(err, CodeOperationForbidden) {
				t.Fatalf("unexpected error %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("OnError not called")
		}
	})

	t.Run("subscribe while connected", func(t *testing.T) {
		second, err := lq.Subscribe(ctx, Query{ClassName: "Player"})
		if err != nil {
			t.Fatal(err)
		}
		f := srv.nextFrame(t)
		if f.Op != opSubscribe || f.RequestID != second.RequestID() {
			t.Fatalf("unexpected frame %+v", f)
		}
		if f.Query.Where == nil {
			t.Fatal("where is always sent")
		}

		if err := lq.Update(ctx, second, Query{ClassName: "Player", Keys: []string{"name"}}); err != nil {
			t.Fatal(err)
		}
		f = srv.nextFrame(t)
		if f.Op != opUpdate || len(f.Query.Keys) != 1 {
			t.Fatalf("unexpected update frame %+v", f)
		}

		if err := second.Unsubscribe(ctx); err != nil {
			t.Fatal(err)
		}
		f = srv.nextFrame(t)
		if f.Op != opUnsubscribe || f.RequestID != second.RequestID() {
			t.Fatalf("unexpected unsubscribe frame %+v", f)
		}
		if len(lq.Subscriptions()) != 1 {
			t.Fatalf("expected one subscription left, got %d", len(lq.Subscriptions()))
		}
		if err := lq.Update(ctx, second, Query{ClassName: "Player"}); err == nil {
			t.Fatal("updating a removed subscription should fail")
		}
	})

	if err := lq.Close(); err != nil {
		t.Fatal(err)
	}
	if lq.State() != StateDisconnected {
		t.Fatalf("unexpected state after close %s", lq.State())
	}
	if closedCalls.Load() != 1 {
		t.Fatalf("expected one OnClose call, got %d", closedCalls.Load())
	}
	if err := lq.SendPing(ctx); !errors.Is(err, ErrSocketNotEstablished) {
		t.Fatalf("expected SocketNotEstablished after close, got %v", err)
	}
	if err := lq.Open(ctx, false); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("automatic reopen after close should fail, got %v", err)
	}
	if err := lq.Close(); err != nil {
		t.Fatal("closing twice is allowed")
	}
}

func TestLiveQueryHandshakeRejected(t *testing.T) {
	srv := newFakeLiveQueryServer(t, func(n int, conn *websocket.Conn) bool {
		writeServerFrame(context.Background(), conn, map[string]any{"op": "error", "code": 4, "error": "invalid key", "reconnect": false})
		return false
	})
	lq := newLiveQueryTestClient(t, srv.URL)
	errs := make(chan error, 1)
	lq.OnError(func(err error) { errs <- err })

	err := lq.Open(context.Background(), true)
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected HandshakeFailed, got %v", err)
	}
	if lq.State() != StateDisconnectedWithError {
		t.Fatalf("unexpected state %s", lq.State())
	}
	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called")
	}
	lq.mu.Lock()
	scheduled := lq.timer != nil
	lq.mu.Unlock()
	if scheduled {
		t.Fatal("a rejected handshake without reconnect must not retry")
	}
}

func TestLiveQueryReconnects(t *testing.T) {
	srv := newFakeLiveQueryServer(t, func(n int, conn *websocket.Conn) bool {
		acceptHandshake(n, conn)
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "restarting")
			return false
		}
		return true
	})
	lq := newLiveQueryTestClient(t, srv.URL, func(cfg *Config) { cfg.ReconnectInterval = time.Millisecond })
	var opens atomic.Int32
	lq.OnOpen(func(string) { opens.Add(1) })
	ctx := context.Background()

	sub, err := lq.Subscribe(ctx, Query{ClassName: "GameScore"})
	if err != nil {
		t.Fatal(err)
	}
	if err := lq.Open(ctx, true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitFor(t, "a second handshake", func() bool { return opens.Load() >= 2 })
	waitFor(t, "the connected state", func() bool { return lq.State() == StateConnected })
	if lq.ClientID() != "c2" {
		t.Fatalf("expected the second client id, got %q", lq.ClientID())
	}

	// the queued subscription is sent again on the new socket
	deadline := time.After(2 * time.Second)
	for resent := false; !resent; {
		select {
		case f := <-srv.frames:
			resent = f.Op == opSubscribe && f.RequestID == sub.RequestID()
		case <-deadline:
			t.Fatal("subscription not sent after reconnecting")
		}
	}
	if err := sub.Subscribed(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestLiveQueryGivesUp(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	url := down.URL
	down.Close()

	lq := newLiveQueryTestClient(t, url, func(cfg *Config) {
		cfg.ReconnectInterval = time.Millisecond
		cfg.MaxReconnectAttempts = 2
	})
	var mu sync.Mutex
	failures := 0
	lq.OnError(func(err error) {
		mu.Lock()
		failures++
		mu.Unlock()
	})

	err := lq.Open(context.Background(), true)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected ConnectionFailed, got %v", err)
	}
	waitFor(t, "the retry budget to run out", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failures == 3
	})
	waitFor(t, "the final state", func() bool {
		lq.mu.Lock()
		defer lq.mu.Unlock()
		return lq.attempts > 2 && lq.timer == nil
	})
	if lq.State() != StateDisconnectedWithError {
		t.Fatalf("unexpected state %s", lq.State())
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if failures != 3 {
		t.Fatalf("expected no attempts after giving up, got %d failures", failures)
	}
}

func TestLiveQueryCloseWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	srv := newFakeLiveQueryServer(t, func(n int, conn *websocket.Conn) bool {
		// keep answering pings but never the handshake
		conn.CloseRead(context.Background())
		<-release
		return false
	})
	t.Cleanup(func() { close(release) })
	lq := newLiveQueryTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opened := make(chan error, 1)
	go func() { opened <- lq.Open(ctx, true) }()
	if f := srv.nextFrame(t); f.Op != opConnect {
		t.Fatalf("unexpected frame %+v", f)
	}
	if lq.State() != StateSocketEstablished {
		t.Fatalf("unexpected state during the handshake %s", lq.State())
	}
	if err := lq.SendPing(ctx); err != nil {
		t.Fatalf("ping during the handshake: %v", err)
	}

	if err := lq.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-opened:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("expected ConnectionClosed, got %v", err)
		}
		if !strings.Contains(err.Error(), "live query client closed") {
			t.Fatalf("unexpected message %q", err.Error())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after Close")
	}

	// the abandoned attempt must not touch the state afterwards
	time.Sleep(50 * time.Millisecond)
	if lq.State() != StateDisconnected {
		t.Fatalf("unexpected state after close %s", lq.State())
	}
	lq.mu.Lock()
	scheduled := lq.timer != nil
	lq.mu.Unlock()
	if scheduled {
		t.Fatal("close must not leave a reconnect timer")
	}
}

func TestLiveQueryNoReconnect(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	url := down.URL
	down.Close()

	lq := newLiveQueryTestClient(t, url, func(cfg *Config) {
		cfg.ReconnectInterval = time.Millisecond
		cfg.MaxReconnectAttempts = NoReconnect
	})
	var failures atomic.Int32
	lq.OnError(func(error) { failures.Add(1) })

	if err := lq.Open(context.Background(), true); !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected ConnectionFailed, got %v", err)
	}
	waitFor(t, "the final state", func() bool { return lq.State() == StateDisconnectedWithError })
	time.Sleep(50 * time.Millisecond)
	lq.mu.Lock()
	scheduled := lq.timer != nil
	lq.mu.Unlock()
	if scheduled || failures.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d failures, timer %v", failures.Load(), scheduled)
	}
}
