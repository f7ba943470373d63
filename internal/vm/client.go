package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	tally "github.com/uber-go/tally/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ctagard/vmdbg/internal/errors"
)

// Callback receives the outcome of one request: the raw result on success,
// or an error. Protocol-level error payloads arrive as PROTOCOL_ERROR
// DebugErrors. Callbacks run on the reader goroutine and must not block.
type Callback func(result json.RawMessage, err error)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithStats sets the scope the client reports request and event counts to.
func WithStats(stats tally.Scope) Option {
	return func(c *Client) {
		c.stats = stats
	}
}

// Client is one connection to a VM. A single reader goroutine demultiplexes
// incoming messages: responses complete their callbacks directly, events are
// queued in arrival order for a single dispatch goroutine that hands each
// event to every listener before moving to the next. Dispatch starts with
// the first AddListener, so events that arrive earlier are held rather than
// lost.
type Client struct {
	transport Transport
	logger    *zap.SugaredLogger
	stats     tally.Scope

	seq atomic.Int64

	// Response handling
	pendingRequests map[int64]pendingRequest
	mu              sync.Mutex

	// Event handling
	listeners    []listenerEntry
	nextListener int
	listenersMu  sync.RWMutex
	events       *eventQueue

	startOnce    sync.Once
	closed       atomic.Bool
	shutdownOnce sync.Once
	closeErr     error
	readerDone   chan struct{}
	dispatchDone chan struct{}
}

type pendingRequest struct {
	command  string
	callback Callback
}

type listenerEntry struct {
	id int
	fn Listener
}

// NewClient starts a client over an established transport.
func NewClient(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport:       transport,
		logger:          zap.NewNop().Sugar(),
		stats:           tally.NoopScope,
		pendingRequests: make(map[int64]pendingRequest),
		events:          newEventQueue(),
		readerDone:      make(chan struct{}),
		dispatchDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()

	return c
}

// Dial connects to address with retry and starts a client on the result.
func Dial(ctx context.Context, address string, connect ConnectOptions, opts ...Option) (*Client, error) {
	transport, err := Connect(ctx, address, connect)
	if err != nil {
		return nil, err
	}
	return NewClient(transport, opts...), nil
}

// AddListener registers fn for all subsequent events. The returned function
// removes it.
func (c *Client) AddListener(fn Listener) (remove func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})
	c.startOnce.Do(c.startDispatch)

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// Dispatch queues a locally synthesized event behind every event already
// received. It reports false once the connection has closed.
func (c *Client) Dispatch(ev Event) bool {
	if _, ok := ev.(ConnectionClosed); ok {
		return false
	}
	return c.events.push(ev)
}

// Send assigns the next request id, writes the request, and arranges for cb
// to be called exactly once with the response. If Send returns an error the
// callback is never called.
func (c *Client) Send(command string, params interface{}, cb Callback) (int64, error) {
	if c.closed.Load() {
		return 0, errors.ConnectionClosed()
	}

	id := c.seq.Inc()
	data, err := json.Marshal(request{ID: id, Command: command, Params: params})
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s request: %w", command, err)
	}

	c.mu.Lock()
	if c.pendingRequests == nil {
		c.mu.Unlock()
		return 0, errors.ConnectionClosed()
	}
	c.pendingRequests[id] = pendingRequest{command: command, callback: cb}
	c.mu.Unlock()

	if err := c.transport.WriteMessage(data); err != nil {
		c.mu.Lock()
		delete(c.pendingRequests, id)
		c.mu.Unlock()
		return 0, errors.Wrap(errors.CodeConnectionFailed, fmt.Sprintf("failed to send %s request: %v", command, err),
			"The VM connection is broken. Use vm_detach and vm_attach to reconnect.", err)
	}

	c.stats.Tagged(map[string]string{"command": command}).Counter("requests").Inc(1)
	return id, nil
}

type callResult struct {
	raw json.RawMessage
	err error
}

// Call sends a request and waits for its response. When result is non-nil
// the response payload is decoded into it.
func (c *Client) Call(ctx context.Context, command string, params, result interface{}) error {
	ch := make(chan callResult, 1)
	if _, err := c.Send(command, params, func(raw json.RawMessage, err error) {
		ch <- callResult{raw: raw, err: err}
	}); err != nil {
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if result != nil && len(res.raw) > 0 {
			if err := json.Unmarshal(res.raw, result); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", command, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the connection down. It is idempotent; listeners observe
// exactly one ConnectionClosed event in total.
func (c *Client) Close() error {
	c.shutdown(nil)
	<-c.readerDone
	return c.closeErr
}

// Done is closed once ConnectionClosed has been delivered to every listener.
func (c *Client) Done() <-chan struct{} {
	return c.dispatchDone
}

// Closed reports whether the connection has shut down.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

func (c *Client) shutdown(cause error) {
	c.shutdownOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.transport.Close()

		c.mu.Lock()
		pending := c.pendingRequests
		c.pendingRequests = nil
		c.mu.Unlock()

		for _, p := range pending {
			p.callback(nil, errors.ConnectionClosed())
		}

		if cause != nil {
			c.logger.Infow("VM connection closed", "error", cause)
		}
		c.events.pushFinal(ConnectionClosed{Err: cause})
		c.startOnce.Do(c.startDispatch)
	})
}

func (c *Client) startDispatch() {
	go c.dispatchLoop()
}

// readLoop is the only reader of the transport.
func (c *Client) readLoop() {
	defer close(c.readerDone)

	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				err = nil
			}
			c.shutdown(err)
			return
		}
		c.handleMessage(data)
	}
}

// handleMessage routes one incoming message.
func (c *Client) handleMessage(data []byte) {
	env := classify(data)

	switch env.kind {
	case kindResponse:
		c.mu.Lock()
		p, ok := c.pendingRequests[env.id]
		delete(c.pendingRequests, env.id)
		c.mu.Unlock()

		if !ok {
			c.logger.Warnw("response for unknown request", "id", env.id)
			return
		}
		if env.hasErr {
			c.stats.Counter("protocol_errors").Inc(1)
			p.callback(nil, errors.ProtocolError(p.command, env.errMsg).WithDetails("id", env.id))
			return
		}
		p.callback(env.result, nil)

	case kindEvent:
		ev, err := decodeEvent(env)
		if err != nil {
			c.logger.Warnw("dropping malformed event", "event", env.event, "error", err)
			return
		}
		if ev == nil {
			c.logger.Debugw("ignoring unknown event", "event", env.event)
			return
		}
		c.stats.Tagged(map[string]string{"event": ev.Name()}).Counter("events").Inc(1)
		c.events.push(ev)

	default:
		c.logger.Warnw("dropping unrecognized message", "size", len(data))
	}
}

// dispatchLoop delivers queued events one at a time until ConnectionClosed
// has been delivered.
func (c *Client) dispatchLoop() {
	defer close(c.dispatchDone)

	for {
		ev, ok := c.events.next()
		if !ok {
			return
		}

		c.listenersMu.RLock()
		listeners := make([]listenerEntry, len(c.listeners))
		copy(listeners, c.listeners)
		c.listenersMu.RUnlock()

		for _, l := range listeners {
			c.deliver(l.fn, ev)
		}

		if _, final := ev.(ConnectionClosed); final {
			return
		}
	}
}

func (c *Client) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("event listener panicked", "event", ev.Name(), "panic", r)
		}
	}()
	fn(ev)
}

// eventQueue is an unbounded FIFO. The reader never blocks on a slow
// listener.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.notify()
	return true
}

// pushFinal appends ev and refuses all later pushes.
func (q *eventQueue) pushFinal(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *eventQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// next blocks until an event is available. It returns false only when the
// queue is closed and drained.
func (q *eventQueue) next() (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		<-q.signal
	}
}
