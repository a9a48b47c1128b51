package client

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mbocsi/wattstream/proto"
)

// ReadingHandler consumes one validated reading. A returned error or a panic
// is reported as ErrSubscriberCallback and never reaches other handlers.
type ReadingHandler func(proto.ConsumptionReading) error

type Options struct {
	Transport Transport // defaults to NewWebSocketTransport()
	Backoff   Backoff   // defaults to NewExponentialBackoff()

	// MaxRetries stops the client after this many consecutive failed attempts.
	// Zero retries forever.
	MaxRetries int

	Logger *slog.Logger
}

// Client keeps a single connection to a reading feed open, reconnecting after
// every close until Stop is called. All handlers run on the client's own
// goroutine, one at a time, in the order events arrive.
type Client struct {
	addr       string
	transport  Transport
	backoff    Backoff
	maxRetries int
	logger     *slog.Logger

	mu      sync.Mutex
	state   State
	started bool
	stopped bool
	conn    Conn
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// last state delivered to state handlers, owned by the run goroutine
	reported State

	handlerMu       sync.RWMutex
	readingHandlers []ReadingHandler
	stateHandlers   []func(from, to State)
	errorHandlers   []func(error)
}

func NewClient(addr string, opts Options) *Client {
	if opts.Transport == nil {
		opts.Transport = NewWebSocketTransport()
	}
	if opts.Backoff == nil {
		opts.Backoff = NewExponentialBackoff()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		addr:       addr,
		transport:  opts.Transport,
		backoff:    opts.Backoff,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger.With("addr", addr),
		state:      Disconnected,
		reported:   Disconnected,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Connect creates a client for addr, registers onReading when non-nil and
// starts it. It returns immediately; progress is observable through
// OnStateChange.
func Connect(addr string, onReading ReadingHandler, opts Options) *Client {
	c := NewClient(addr, opts)
	if onReading != nil {
		c.OnReading(onReading)
	}
	c.Start()
	return c
}

func (c *Client) OnReading(fn ReadingHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.readingHandlers = append(c.readingHandlers, fn)
}

func (c *Client) OnStateChange(fn func(from, to State)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.stateHandlers = append(c.stateHandlers, fn)
}

// OnError registers a diagnostics sink. Every error it receives wraps one of
// ErrTransportOpen, ErrTransportClosed, ErrMalformedPayload,
// ErrSubscriberCallback or ErrMaxRetries.
func (c *Client) OnError(fn func(error)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.errorHandlers = append(c.errorHandlers, fn)
}

// Start launches the connection loop. Calling it more than once, or after
// Stop, does nothing.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	go c.run()
}

// Stop moves the client to Disconnected for good: a pending reconnect is
// cancelled, an in-flight dial is abandoned and the open connection is
// closed. State reports Disconnected as soon as Stop returns and no handler
// is invoked for events arriving afterwards. Stop is idempotent and may be
// called from inside a handler.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.state = Disconnected
	conn := c.conn
	c.conn = nil
	started := c.started
	c.cancel()
	c.mu.Unlock()

	c.logger.Info("Stopping stream client")
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("Error closing connection", "error", err)
		}
	}
	if !started {
		close(c.done)
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the client has stopped and its goroutine has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Client) run() {
	defer close(c.done)
	defer c.emitState(Disconnected)

	attempt := 0
	for {
		if !c.transition(Connecting) {
			return
		}

		c.logger.Info("Connecting to reading stream", "attempt", attempt+1)
		conn, err := c.transport.Dial(c.ctx, c.addr)
		if err != nil {
			if c.isStopped() {
				return
			}
			c.reportError(fmt.Errorf("%w: %w", ErrTransportOpen, err))
		} else {
			if !c.attach(conn) {
				return
			}
			if !c.transition(Connected) {
				c.detach(conn)
				return
			}
			attempt = 0

			err = c.readLoop(conn)
			c.detach(conn)
			if c.isStopped() {
				return
			}
			c.reportError(fmt.Errorf("%w: %w", ErrTransportClosed, err))
		}

		attempt++
		if c.maxRetries > 0 && attempt > c.maxRetries {
			c.reportError(fmt.Errorf("%w: %d", ErrMaxRetries, c.maxRetries))
			c.Stop()
			return
		}

		if !c.transition(Reconnecting) {
			return
		}
		delay := c.backoff.Delay(attempt)
		c.logger.Info("Reconnecting", "attempt", attempt, "delay", delay)
		if !c.wait(delay) {
			return
		}
	}
}

// attach records conn as the active connection unless Stop won the race, in
// which case conn is closed and false returned.
func (c *Client) attach(conn Conn) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.mu.Unlock()
	return true
}

// detach releases conn unless Stop already took ownership of it.
func (c *Client) detach(conn Conn) {
	c.mu.Lock()
	owned := c.conn == conn
	if owned {
		c.conn = nil
	}
	c.mu.Unlock()
	if owned {
		conn.Close()
	}
}

func (c *Client) readLoop(conn Conn) error {
	for {
		data, err := conn.Read()
		if err != nil {
			return err
		}
		if c.isStopped() {
			return nil
		}

		reading, err := proto.ParseReading(data)
		if err != nil {
			c.logger.Debug("Dropping malformed reading", "payload", string(data))
			c.reportError(err)
			continue
		}
		c.logger.Debug("Reading received", "timestamp", reading.Timestamp, "demand", reading.Demand)
		c.dispatch(reading)
	}
}

func (c *Client) dispatch(reading proto.ConsumptionReading) {
	c.handlerMu.RLock()
	handlers := slices.Clone(c.readingHandlers)
	c.handlerMu.RUnlock()

	for i, handler := range handlers {
		if c.isStopped() {
			return
		}
		if err := callReadingHandler(handler, reading); err != nil {
			c.reportError(fmt.Errorf("%w: subscriber %d: %w", ErrSubscriberCallback, i, err))
		}
	}
}

func callReadingHandler(handler ReadingHandler, reading proto.ConsumptionReading) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return handler(reading)
}

// transition moves to the given state and notifies state handlers. It fails
// once the client is stopped, so nothing follows Disconnected.
func (c *Client) transition(to State) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	from := c.state
	if !validTransition(from, to) {
		c.mu.Unlock()
		c.logger.Error("Invalid state transition", "from", from.String(), "to", to.String())
		return false
	}
	c.state = to
	c.mu.Unlock()

	c.emitState(to)
	return true
}

func (c *Client) emitState(to State) {
	from := c.reported
	if from == to {
		return
	}
	c.reported = to
	c.logger.Debug("Stream state changed", "from", from.String(), "to", to.String())

	c.handlerMu.RLock()
	handlers := slices.Clone(c.stateHandlers)
	c.handlerMu.RUnlock()

	for _, handler := range handlers {
		safeCall(c.logger, "state", func() { handler(from, to) })
	}
}

func (c *Client) reportError(err error) {
	c.logger.Warn("Stream client error", "error", err)

	c.handlerMu.RLock()
	handlers := slices.Clone(c.errorHandlers)
	c.handlerMu.RUnlock()

	for _, handler := range handlers {
		safeCall(c.logger, "error", func() { handler(err) })
	}
}

func safeCall(logger *slog.Logger, kind string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Recovered panic in handler", "handler", kind, "panic", p)
		}
	}()
	fn()
}

func (c *Client) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
