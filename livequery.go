package parse

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Connection state
// ============================================================================

// LiveQueryState is the connection state of a LiveQueryClient.
type LiveQueryState string

const (
	StateDisconnected          LiveQueryState = "disconnected"
	StateConnecting            LiveQueryState = "connecting"
	StateSocketEstablished     LiveQueryState = "socket_established"
	StateConnected             LiveQueryState = "connected"
	StateDisconnectedWithError LiveQueryState = "disconnected_with_error"
)

const (
	eventDial       = "dial"
	eventSocketOpen = "socket_open"
	eventHandshake  = "handshake"
	eventFail       = "fail"
	eventClose      = "close"
)

// maxReconnectUnits caps the backoff, in units of Config.ReconnectInterval.
const maxReconnectUnits = 30

func newConnectionFSM(log *zap.SugaredLogger) *fsm.FSM {
	all := []string{
		string(StateDisconnected), string(StateConnecting), string(StateSocketEstablished),
		string(StateConnected), string(StateDisconnectedWithError),
	}
	events := []fsm.EventDesc{
		{Name: eventDial, Src: []string{string(StateDisconnected), string(StateDisconnectedWithError)}, Dst: string(StateConnecting)},
		{Name: eventSocketOpen, Src: []string{string(StateConnecting)}, Dst: string(StateSocketEstablished)},
		{Name: eventHandshake, Src: []string{string(StateSocketEstablished)}, Dst: string(StateConnected)},
		{Name: eventFail, Src: all, Dst: string(StateDisconnectedWithError)},
		{Name: eventClose, Src: all, Dst: string(StateDisconnected)},
	}
	return fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events(events),
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Infow("live query state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
}

// reconnectInterval returns a random delay in [0, min(30, 2^attempt-1))
// units, or 0 when that range is empty.
func reconnectInterval(attempt int) float64 {
	upper := math.Min(maxReconnectUnits, math.Pow(2, float64(attempt))-1)
	if upper <= 0 {
		return 0
	}
	return rand.Float64() * upper
}

// ============================================================================
// Event dispatcher
// ============================================================================

type liveQueryDispatcher struct {
	mu      sync.RWMutex
	onOpen  []func(clientID string)
	onClose []func()
	onError []func(error)
}

func (d *liveQueryDispatcher) emitOpen(clientID string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onOpen...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(clientID)
	}
}

func (d *liveQueryDispatcher) emitClose() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onClose...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *liveQueryDispatcher) emitError(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

// ============================================================================
// LiveQueryClient
// ============================================================================

// LiveQueryClient keeps one WebSocket to the live query server and routes
// its events to subscriptions. Unexpected closures are retried with a
// jittered exponential backoff up to Config.MaxReconnectAttempts.
type LiveQueryClient struct {
	client     *Client
	url        string
	httpClient *http.Client
	log        *zap.SugaredLogger
	machine    *fsm.FSM
	dispatcher liveQueryDispatcher

	mu            sync.Mutex
	conn          *websocket.Conn
	clientID      string
	connecting    bool
	cancelAttempt context.CancelFunc
	waiters       []chan error
	attempts      int
	timer         *time.Timer
	userClosed    bool
	closed        chan struct{}
	nextRequestID int
	subs          map[int]*Subscription
}

// LiveQuery returns the client's live query connection, creating it on first
// use. The socket is not opened until Open is called.
func (c *Client) LiveQuery() *LiveQueryClient {
	c.lqMu.Lock()
	defer c.lqMu.Unlock()
	if c.liveQuery == nil {
		c.liveQuery = newLiveQueryClient(c)
	}
	return c.liveQuery
}

func newLiveQueryClient(c *Client) *LiveQueryClient {
	log := c.logger.Named("parse.livequery").Sugar()
	return &LiveQueryClient{
		client: c,
		url:    c.cfg.LiveQueryURL,
		// the socket lives longer than any request timeout
		httpClient: &http.Client{Transport: c.httpClient.Transport},
		log:        log,
		machine:    newConnectionFSM(log),
		closed:     make(chan struct{}),
		subs:       map[int]*Subscription{},
	}
}

// OnOpen registers a handler called after every successful handshake.
func (l *LiveQueryClient) OnOpen(h func(clientID string)) {
	l.dispatcher.mu.Lock()
	l.dispatcher.onOpen = append(l.dispatcher.onOpen, h)
	l.dispatcher.mu.Unlock()
}

// OnClose registers a handler called when the socket goes away.
func (l *LiveQueryClient) OnClose(h func()) {
	l.dispatcher.mu.Lock()
	l.dispatcher.onClose = append(l.dispatcher.onClose, h)
	l.dispatcher.mu.Unlock()
}

// OnError registers a handler for connection level errors.
func (l *LiveQueryClient) OnError(h func(error)) {
	l.dispatcher.mu.Lock()
	l.dispatcher.onError = append(l.dispatcher.onError, h)
	l.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (l *LiveQueryClient) State() LiveQueryState {
	return LiveQueryState(l.machine.Current())
}

// ClientID returns the identifier the server assigned in the last handshake.
func (l *LiveQueryClient) ClientID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clientID
}

func (l *LiveQueryClient) transition(event string) {
	err := l.machine.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		l.log.Debugw("ignored state event", "event", event, "state", l.machine.Current(), "error", err)
	}
}

func (l *LiveQueryClient) setState(s LiveQueryState) {
	l.machine.SetState(string(s))
}

// ============================================================================
// Open / Close
// ============================================================================

// Open connects and completes the handshake. It returns immediately when
// already connected and joins the running attempt when one is in progress.
// userInitiated resets the reconnect budget and clears a previous Close.
func (l *LiveQueryClient) Open(ctx context.Context, userInitiated bool) error {
	l.mu.Lock()
	if l.State() == StateConnected && l.conn != nil {
		l.mu.Unlock()
		return nil
	}
	if userInitiated {
		l.userClosed = false
		l.attempts = 0
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		select {
		case <-l.closed:
			l.closed = make(chan struct{})
		default:
		}
	} else if l.userClosed {
		l.mu.Unlock()
		return errClientClosed()
	}
	done := make(chan error, 1)
	l.waiters = append(l.waiters, done)
	if !l.connecting {
		l.connecting = true
		attemptCtx, cancel := context.WithCancel(context.Background())
		l.cancelAttempt = cancel
		go l.connect(attemptCtx)
	}
	l.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any reconnect timer and in-flight attempt, closes the socket
// and fails everything waiting on the connection. It is safe to call in any
// state.
func (l *LiveQueryClient) Close() error {
	l.mu.Lock()
	l.userClosed = true
	l.attempts = 0
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.cancelAttempt != nil {
		l.cancelAttempt()
		l.cancelAttempt = nil
	}
	l.connecting = false
	conn := l.conn
	l.conn = nil
	l.clientID = ""
	waiters := l.waiters
	l.waiters = nil
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	l.transition(eventClose)
	l.mu.Unlock()

	for _, w := range waiters {
		w <- errClientClosed()
	}
	if conn == nil {
		return nil
	}
	l.dispatcher.emitClose()
	if err := conn.Close(websocket.StatusNormalClosure, "client closed"); err != nil {
		l.log.Debugw("close socket", "error", err)
	}
	return nil
}

// errClientClosed is what pending work gets once Close has run.
func errClientClosed() error {
	return newError(KindConnectionClosed, CodeConnectionFailed, "live query client closed")
}

// connect runs one connection attempt and reports to every waiter.
func (l *LiveQueryClient) connect(ctx context.Context) {
	if !l.advance(ctx, eventDial, nil) {
		return
	}

	conn, _, err := websocket.Dial(ctx, l.url, &websocket.DialOptions{HTTPClient: l.httpClient})
	if err != nil {
		l.finishAttempt(ctx, nil, "", wrapError(KindConnectionFailed, CodeConnectionFailed, "dial live query server", err), true)
		return
	}
	if !l.advance(ctx, eventSocketOpen, conn) {
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return
	}

	clientID, err := l.handshake(ctx, conn)
	if err != nil {
		retry := true
		var pe *Error
		if errors.As(err, &pe) && pe.Kind == KindHandshakeFailed {
			retry = pe.Err == errReconnect
		}
		l.finishAttempt(ctx, conn, "", err, retry)
		return
	}
	l.finishAttempt(ctx, conn, clientID, nil, false)
}

// advance fires event for the attempt owning ctx, unless Close cancelled it
// meanwhile. A non-nil conn is installed so that SendPing can reach it while
// the handshake runs.
func (l *LiveQueryClient) advance(ctx context.Context, event string, conn *websocket.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	if conn != nil {
		l.conn = conn
	}
	l.transition(event)
	return true
}

var errReconnect = errors.New("server asked to reconnect")

// handshake sends the connect frame and waits for the server's answer.
func (l *LiveQueryClient) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	cfg := l.client.cfg
	frame := clientFrame{
		Op:            opConnect,
		ApplicationID: cfg.ApplicationID,
		ClientKey:     cfg.ClientKey,
		MasterKey:     cfg.PrimaryKey,
		SessionToken:  l.client.current.SessionToken(ctx),
	}
	if id, err := l.client.current.InstallationID(ctx); err == nil {
		frame.InstallationID = id
	}
	if err := writeFrame(ctx, conn, frame); err != nil {
		return "", err
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	for {
		_, data, err := conn.Read(hctx)
		if err != nil {
			return "", wrapError(KindConnectionFailed, CodeConnectionFailed, "read handshake", err)
		}
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			l.log.Warnw("dropped malformed frame", "error", err)
			continue
		}
		switch f.Op {
		case opConnected:
			return f.ClientID, nil
		case opError:
			pe := f.err()
			hf := &Error{Kind: KindHandshakeFailed, Code: pe.Code, Message: pe.Message}
			if f.Reconnect {
				hf.Err = errReconnect
			}
			return "", hf
		default:
			l.log.Debugw("ignored frame before handshake", "op", f.Op)
		}
	}
}

// finishAttempt installs a connected socket or records a failed attempt.
func (l *LiveQueryClient) finishAttempt(ctx context.Context, conn *websocket.Conn, clientID string, err error, retry bool) {
	l.mu.Lock()
	if ctx.Err() != nil {
		// Close ran while the attempt was in flight
		l.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "client closed")
		}
		return
	}
	l.connecting = false
	l.cancelAttempt = nil
	waiters := l.waiters
	l.waiters = nil

	if err != nil {
		if conn != nil && l.conn == conn {
			l.conn = nil
		}
		l.transition(eventFail)
		l.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusProtocolError, "handshake failed")
		}
		l.log.Warnw("live query connection failed", "error", err)
		for _, w := range waiters {
			w <- err
		}
		l.dispatcher.emitError(err)
		if retry {
			l.scheduleReconnect()
		}
		return
	}

	l.conn = conn
	l.clientID = clientID
	l.attempts = 0
	// Subscribe sends on its own from here on; everything older is resent
	l.transition(eventHandshake)
	pending := make([]*Subscription, 0, len(l.subs))
	for _, s := range l.subs {
		pending = append(pending, s)
	}
	l.mu.Unlock()

	go l.readLoop(conn)

	for _, s := range pending {
		if err := l.sendSubscribe(context.Background(), conn, s, opSubscribe); err != nil {
			l.log.Warnw("resubscribe failed", "requestId", s.requestID, "error", err)
		}
	}
	for _, w := range waiters {
		w <- nil
	}
	l.dispatcher.emitOpen(clientID)
}

// scheduleReconnect arms the backoff timer, or gives up once the attempt
// budget is spent.
func (l *LiveQueryClient) scheduleReconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.userClosed || l.timer != nil {
		return
	}
	l.attempts++
	if l.attempts > l.client.cfg.MaxReconnectAttempts {
		l.log.Errorw("giving up on live query server", "attempts", l.attempts-1)
		l.setState(StateDisconnectedWithError)
		return
	}
	delay := time.Duration(reconnectInterval(l.attempts) * float64(l.client.cfg.ReconnectInterval))
	l.log.Infow("reconnecting", "attempt", l.attempts, "delay", delay)
	l.timer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		l.timer = nil
		l.mu.Unlock()
		if err := l.Open(context.Background(), false); err != nil {
			l.log.Debugw("reconnect attempt failed", "error", err)
		}
	})
}

// ============================================================================
// Reading
// ============================================================================

func (l *LiveQueryClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			l.lost(conn, err)
			return
		}
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			l.log.Warnw("dropped malformed frame", "error", err)
			continue
		}
		l.handleFrame(conn, f)
	}
}

// lost handles a socket that stopped reading. Sockets replaced or closed by
// the client are ignored.
func (l *LiveQueryClient) lost(conn *websocket.Conn, err error) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.clientID = ""
	l.transition(eventFail)
	l.mu.Unlock()

	l.log.Warnw("live query socket closed", "error", err)
	l.dispatcher.emitClose()
	l.scheduleReconnect()
}

func (l *LiveQueryClient) handleFrame(conn *websocket.Conn, f serverFrame) {
	if f.Op == opError && f.RequestID == 0 {
		err := f.err()
		l.log.Warnw("live query server error", "code", err.Code, "error", err.Message, "reconnect", f.Reconnect)
		l.dispatcher.emitError(err)
		if f.Reconnect {
			conn.Close(websocket.StatusNormalClosure, "reconnecting")
		}
		return
	}

	l.mu.Lock()
	sub := l.subs[f.RequestID]
	l.mu.Unlock()

	switch f.Op {
	case opConnected:
		l.log.Debugw("ignored repeated handshake ack")
	case opSubscribed:
		if sub != nil {
			sub.acknowledge()
		}
	case opUnsubscribed:
		l.log.Debugw("unsubscribed", "requestId", f.RequestID)
	case opCreate, opUpdated, opDelete, opEnter, opLeave:
		if sub == nil {
			l.log.Debugw("event for unknown subscription", "op", f.Op, "requestId", f.RequestID)
			return
		}
		sub.dispatch(f)
	case opError:
		if sub != nil {
			sub.fail(f.err())
		}
	default:
		l.log.Debugw("ignored frame", "op", f.Op)
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

// Subscribe registers q and returns its subscription. The subscribe frame is
// sent now when connected, otherwise once the next handshake completes.
// Subscriptions are sent again after every reconnect.
func (l *LiveQueryClient) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.nextRequestID++
	sub := newSubscription(l, l.nextRequestID, q)
	l.subs[sub.requestID] = sub
	conn := l.connectedLocked()
	l.mu.Unlock()

	if conn == nil {
		l.log.Debugw("queued subscription", "requestId", sub.requestID, "class", q.ClassName)
		return sub, nil
	}
	if err := l.sendSubscribe(ctx, conn, sub, opSubscribe); err != nil {
		return sub, err
	}
	return sub, nil
}

// Update replaces the query of sub.
func (l *LiveQueryClient) Update(ctx context.Context, sub *Subscription, q Query) error {
	if err := q.validate(); err != nil {
		return err
	}
	sub.setQuery(q)
	l.mu.Lock()
	_, ok := l.subs[sub.requestID]
	conn := l.connectedLocked()
	l.mu.Unlock()
	if !ok {
		return newError(KindOtherCause, CodeOtherCause, "subscription %d is not active", sub.requestID)
	}
	if conn == nil {
		return nil
	}
	return l.sendSubscribe(ctx, conn, sub, opUpdate)
}

// Unsubscribe removes sub locally and tells the server. The local removal
// happens whether or not the frame can be sent.
func (l *LiveQueryClient) Unsubscribe(ctx context.Context, sub *Subscription) error {
	l.mu.Lock()
	delete(l.subs, sub.requestID)
	conn := l.connectedLocked()
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeFrame(ctx, conn, clientFrame{Op: opUnsubscribe, RequestID: sub.requestID})
}

// Subscriptions returns the active subscriptions.
func (l *LiveQueryClient) Subscriptions() []*Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Subscription, 0, len(l.subs))
	for _, s := range l.subs {
		out = append(out, s)
	}
	return out
}

func (l *LiveQueryClient) connectedLocked() *websocket.Conn {
	if l.State() != StateConnected {
		return nil
	}
	return l.conn
}

func (l *LiveQueryClient) sendSubscribe(ctx context.Context, conn *websocket.Conn, sub *Subscription, op string) error {
	q := sub.Query().wire()
	return writeFrame(ctx, conn, clientFrame{
		Op:           op,
		RequestID:    sub.requestID,
		Query:        &q,
		SessionToken: l.client.current.SessionToken(ctx),
	})
}

// SendPing checks the socket with a WebSocket ping. Before the socket is
// established it fails with ErrSocketNotEstablished without any I/O.
func (l *LiveQueryClient) SendPing(ctx context.Context) error {
	state := l.State()
	if state != StateSocketEstablished && state != StateConnected {
		return newError(KindSocketNotEstablished, CodeConnectionFailed, "socket is not established (state %s)", state)
	}
	l.mu.Lock()
	conn, closed := l.conn, l.closed
	l.mu.Unlock()
	if conn == nil {
		return newError(KindConnectionFailed, CodeConnectionFailed, "socket is gone")
	}
	if err := conn.Ping(ctx); err != nil {
		select {
		case <-closed:
			return errClientClosed()
		default:
		}
		return wrapError(KindConnectionFailed, CodeConnectionFailed, "ping", err)
	}
	return nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f clientFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return wrapError(KindOtherCause, CodeInvalidJSON, "encode frame", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return wrapError(KindConnectionFailed, CodeConnectionFailed, "write "+f.Op+" frame", err)
	}
	return nil
}
