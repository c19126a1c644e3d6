package parse

import (
	"context"
	"sync"
)

// Subscription receives the events of one live query.
type Subscription struct {
	lq        *LiveQueryClient
	requestID int

	mu       sync.RWMutex
	query    Query
	onCreate func(*Object)
	onUpdate func(object, original *Object)
	onDelete func(*Object)
	onEnter  func(object, original *Object)
	onLeave  func(object, original *Object)
	onError  func(error)

	ackOnce sync.Once
	acked   chan struct{}
}

func newSubscription(lq *LiveQueryClient, requestID int, q Query) *Subscription {
	return &Subscription{lq: lq, requestID: requestID, query: q, acked: make(chan struct{})}
}

// RequestID is the id the subscription's frames carry.
func (s *Subscription) RequestID() int { return s.requestID }

// Query returns the subscribed query.
func (s *Subscription) Query() Query {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query
}

func (s *Subscription) setQuery(q Query) {
	s.mu.Lock()
	s.query = q
	s.mu.Unlock()
}

// OnCreate is called for objects created matching the query.
func (s *Subscription) OnCreate(h func(object *Object)) {
	s.mu.Lock()
	s.onCreate = h
	s.mu.Unlock()
}

// OnUpdate is called for matching objects that changed. original is the
// state before the change when the server sends it.
func (s *Subscription) OnUpdate(h func(object, original *Object)) {
	s.mu.Lock()
	s.onUpdate = h
	s.mu.Unlock()
}

// OnDelete is called for matching objects that were deleted.
func (s *Subscription) OnDelete(h func(object *Object)) {
	s.mu.Lock()
	s.onDelete = h
	s.mu.Unlock()
}

// OnEnter is called for objects that started matching the query.
func (s *Subscription) OnEnter(h func(object, original *Object)) {
	s.mu.Lock()
	s.onEnter = h
	s.mu.Unlock()
}

// OnLeave is called for objects that stopped matching the query.
func (s *Subscription) OnLeave(h func(object, original *Object)) {
	s.mu.Lock()
	s.onLeave = h
	s.mu.Unlock()
}

// OnError is called for errors the server reports for this subscription.
func (s *Subscription) OnError(h func(error)) {
	s.mu.Lock()
	s.onError = h
	s.mu.Unlock()
}

// Subscribed waits until the server acknowledged the subscription. It fails
// with ErrConnectionClosed when the live query client is closed first.
func (s *Subscription) Subscribed(ctx context.Context) error {
	s.lq.mu.Lock()
	closed := s.lq.closed
	s.lq.mu.Unlock()
	select {
	case <-s.acked:
		return nil
	case <-closed:
		return errClientClosed()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe is shorthand for LiveQueryClient.Unsubscribe.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.lq.Unsubscribe(ctx, s)
}

func (s *Subscription) acknowledge() {
	s.ackOnce.Do(func() { close(s.acked) })
}

func (s *Subscription) fail(err error) {
	s.mu.RLock()
	h := s.onError
	s.mu.RUnlock()
	if h != nil {
		h(err)
		return
	}
	s.lq.log.Warnw("subscription error", "requestId", s.requestID, "error", err)
}

// dispatch decodes an event frame and calls the matching handler.
func (s *Subscription) dispatch(f serverFrame) {
	className := s.Query().ClassName
	object, err := decodeEventObject(f.Object, className)
	if err != nil {
		s.fail(err)
		return
	}
	original, err := decodeEventObject(f.Original, className)
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.RLock()
	onCreate, onUpdate, onDelete := s.onCreate, s.onUpdate, s.onDelete
	onEnter, onLeave := s.onEnter, s.onLeave
	s.mu.RUnlock()

	switch f.Op {
	case opCreate:
		if onCreate != nil {
			onCreate(object)
		}
	case opUpdated:
		if onUpdate != nil {
			onUpdate(object, original)
		}
	case opDelete:
		if onDelete != nil {
			onDelete(object)
		}
	case opEnter:
		if onEnter != nil {
			onEnter(object, original)
		}
	case opLeave:
		if onLeave != nil {
			onLeave(object, original)
		}
	}
}
