// Package ws implements the remote document-store client over a WebSocket
// connection speaking JSON frames: request/response pairs correlated by id
// for point operations, and server-pushed batch frames multiplexed onto
// subscriptions by subId.
//
// A single reader goroutine owns the connection's inbound side. When the
// connection drops, every pending request and live subscription fails fast
// (the feed manager and push cycle carry their own retry schedules) and the
// client reconnects in the background with capped backoff, publishing
// net.online / net.offline transitions on the bus.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/driftsync/internal/bus"
	"github.com/matheus3301/driftsync/internal/remote"
)

const responseTimeout = 30 * time.Second

var errNotConnected = errors.New("ws: not connected")

type frame struct {
	ID         int64               `json:"id,omitempty"`
	Op         string              `json:"op"`
	Collection string              `json:"collection,omitempty"`
	DocID      string              `json:"docId,omitempty"`
	Fields     map[string]any      `json:"fields,omitempty"`
	Set        map[string]any      `json:"set,omitempty"`
	Union      map[string][]string `json:"union,omitempty"`
	Query      *queryFrame         `json:"query,omitempty"`
	SubID      int64               `json:"subId,omitempty"`
	Events     []eventFrame        `json:"events,omitempty"`
	Error      *errorFrame         `json:"error,omitempty"`
	Timestamp  int64               `json:"timestamp,omitempty"`
}

type queryFrame struct {
	Collection string `json:"collection"`
	Field      string `json:"field,omitempty"`
	Op         string `json:"op,omitempty"`
	Value      any    `json:"value,omitempty"`
}

type eventFrame struct {
	Type      string         `json:"type"`
	DocID     string         `json:"docId"`
	Timestamp int64          `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

type errorFrame struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func (e *errorFrame) toError() error {
	switch e.Code {
	case "not_found":
		return remote.ErrNotFound
	case "rejected", "permission_denied", "invalid":
		return &remote.RejectedError{Code: e.Code, Reason: e.Reason}
	default:
		return fmt.Errorf("ws: server error %s: %s", e.Code, e.Reason)
	}
}

// Client is a remote.Store backed by one WebSocket connection.
type Client struct {
	url    string
	bus    *bus.Bus
	logger *zap.Logger

	reconnectMin time.Duration
	reconnectMax time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	online  bool
	nextID  int64
	pending map[int64]chan *frame
	subs    map[int64]*subscription
	cancel  context.CancelFunc
}

// New creates a client for the given endpoint. Connect must be called before
// any operation succeeds. The bus may be nil.
func New(url string, b *bus.Bus, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:          url,
		bus:          b,
		logger:       logger,
		reconnectMin: time.Second,
		reconnectMax: time.Minute,
		pending:      make(map[int64]chan *frame),
		subs:         make(map[int64]*subscription),
	}
}

// Connect starts the background connection loop. It returns immediately;
// operations fail with a transient error until the dial succeeds.
func (c *Client) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.mu.Unlock()
	go c.runLoop(ctx)
}

// Close shuts the connection down and stops reconnecting.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
}

// Online reports whether the transport currently reaches the service.
func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Client) runLoop(ctx context.Context) {
	delay := c.reconnectMin
	for ctx.Err() == nil {
		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("dial failed", zap.String("url", c.url), zap.Duration("retry_in", delay), zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if delay > c.reconnectMax {
				delay = c.reconnectMax
			}
			continue
		}
		delay = c.reconnectMin

		c.mu.Lock()
		c.conn = conn
		c.online = true
		c.mu.Unlock()
		c.publish(bus.KindNetOnline)
		c.logger.Info("connected", zap.String("url", c.url))

		readErr := c.readAll(ctx, conn)
		_ = conn.Close(websocket.StatusInternalError, "read loop ended")
		c.teardown(readErr)
		if ctx.Err() == nil {
			c.publish(bus.KindNetOffline)
			c.logger.Warn("disconnected", zap.Error(readErr))
		}
	}
}

func (c *Client) publish(kind string) {
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
	}
}

func (c *Client) readAll(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(&f)
	}
}

func (c *Client) dispatch(f *frame) {
	if f.Op == "batch" {
		c.mu.Lock()
		sub := c.subs[f.SubID]
		c.mu.Unlock()
		if sub == nil {
			return
		}
		events := make([]remote.FeedEvent, 0, len(f.Events))
		for _, e := range f.Events {
			events = append(events, remote.FeedEvent{
				Type: remote.ChangeType(e.Type),
				Doc: remote.Document{
					ID:         e.DocID,
					Collection: sub.collection,
					Timestamp:  e.Timestamp,
					Fields:     e.Fields,
				},
			})
		}
		sub.deliver(events)
		return
	}
	if f.ID != 0 {
		c.mu.Lock()
		ch := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- f
		}
	}
}

// teardown fails every pending request and live subscription after a
// disconnect. The callers' own retry machinery takes it from there.
func (c *Client) teardown(err error) {
	c.mu.Lock()
	c.conn = nil
	c.online = false
	pending := c.pending
	c.pending = make(map[int64]chan *frame)
	subs := c.subs
	c.subs = make(map[int64]*subscription)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, s := range subs {
		s.fail(err)
	}
}

func (c *Client) request(ctx context.Context, f frame) (*frame, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, errNotConnected
	}
	c.nextID++
	f.ID = c.nextID
	ch := make(chan *frame, 1)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	data, err := json.Marshal(f)
	if err != nil {
		c.forget(f.ID)
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.forget(f.ID)
		return nil, fmt.Errorf("write frame: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errNotConnected
		}
		if resp.Error != nil {
			return nil, resp.Error.toError()
		}
		return resp, nil
	case <-time.After(responseTimeout):
		c.forget(f.ID)
		return nil, fmt.Errorf("ws: timed out waiting for %s response", f.Op)
	case <-ctx.Done():
		c.forget(f.ID)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Create writes a new document and returns its assigned identity.
func (c *Client) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	resp, err := c.request(ctx, frame{Op: "create", Collection: collection, Fields: fields})
	if err != nil {
		return "", err
	}
	return resp.DocID, nil
}

// Patch applies a targeted partial write with array-union semantics.
func (c *Client) Patch(ctx context.Context, collection, id string, p remote.Patch) error {
	_, err := c.request(ctx, frame{Op: "patch", Collection: collection, DocID: id, Set: p.Set, Union: p.Union})
	return err
}

// Get fetches a single document.
func (c *Client) Get(ctx context.Context, collection, id string) (*remote.Document, error) {
	resp, err := c.request(ctx, frame{Op: "get", Collection: collection, DocID: id})
	if err != nil {
		return nil, err
	}
	return &remote.Document{
		ID:         id,
		Collection: collection,
		Timestamp:  resp.Timestamp,
		Fields:     resp.Fields,
	}, nil
}

// Subscribe opens a server-side change feed for the documents matching q.
func (c *Client) Subscribe(ctx context.Context, q remote.Query) (remote.Subscription, error) {
	resp, err := c.request(ctx, frame{Op: "sub", Query: &queryFrame{
		Collection: q.Collection,
		Field:      q.Field,
		Op:         q.Op,
		Value:      q.Value,
	}})
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		client:     c,
		id:         resp.SubID,
		collection: q.Collection,
		ch:         make(chan []remote.FeedEvent, 256),
	}
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()
	return sub, nil
}

type subscription struct {
	client     *Client
	id         int64
	collection string
	ch         chan []remote.FeedEvent

	mu   sync.Mutex
	done bool
	err  error
}

func (s *subscription) Updates() <-chan []remote.FeedEvent { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel detaches the feed. The unsubscribe is best-effort; a dead
// connection already dropped it server-side.
func (s *subscription) Cancel() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	close(s.ch)
	s.mu.Unlock()

	c := s.client
	c.mu.Lock()
	delete(c.subs, s.id)
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = c.request(ctx, frame{Op: "unsub", SubID: s.id})
	}
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.ch)
}

func (s *subscription) deliver(events []remote.FeedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- events:
	default:
		// Consumer stalled; drop rather than block the reader. The next
		// Modified event for any affected document converges the replica.
	}
}
