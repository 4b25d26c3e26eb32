// Package transport owns the WebSocket link to the manager proxy and the
// Connection record describing it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/callplane/internal/eventbus"
	"github.com/sebas/callplane/internal/events"
)

// Config holds link settings.
type Config struct {
	URL          string
	Header       http.Header
	Subprotocols []string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// PingInterval is the keepalive period. Zero disables keepalive.
	PingInterval time.Duration
	// PongTimeout is how long the link may stay silent before it is
	// considered dead. Defaults to twice PingInterval.
	PongTimeout time.Duration
	// Dialer overrides the default gorilla dialer.
	Dialer *websocket.Dialer
}

// DefaultConfig returns defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		PingInterval: 15 * time.Second,
	}
}

// Info is a snapshot of the Connection record.
type Info struct {
	URI     string        `json:"uri"`
	State   string        `json:"state"`
	Latency time.Duration `json:"latency_ns"`
	Retries int           `json:"retries"`
	Since   time.Time     `json:"since"`
}

// Connection is one duplex transport to the manager proxy. Reads happen on a
// dedicated goroutine that only hands raw frames to the OnFrame callback.
type Connection struct {
	cfg    Config
	dialer *websocket.Dialer
	bus    *eventbus.Bus

	mu      sync.Mutex
	conn    *websocket.Conn
	gen     uint64
	state   State
	since   time.Time
	latency time.Duration
	retries int
	pingAt  time.Time
	stopCh  chan struct{}

	writeMu sync.Mutex

	onFrame func([]byte)
	onDown  []func(error)
}

// New creates a disconnected Connection.
func New(cfg Config, bus *eventbus.Bus) *Connection {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval > 0 && cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
			Subprotocols:     cfg.Subprotocols,
		}
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Connection{
		cfg:    cfg,
		dialer: dialer,
		bus:    bus,
		state:  StateDisconnected,
		since:  time.Now(),
	}
}

// OnFrame sets the receiver for inbound frames. Set it before Connect.
func (c *Connection) OnFrame(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = fn
}

// OnDown registers a callback for unexpected link loss. Set it before Connect.
func (c *Connection) OnDown(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDown = append(c.onDown, fn)
}

// URI returns the configured URL.
func (c *Connection) URI() string { return c.cfg.URL }

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a snapshot of the Connection record.
func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		URI:     c.cfg.URL,
		State:   c.state.String(),
		Latency: c.latency,
		Retries: c.retries,
		Since:   c.since,
	}
}

// Connect dials the proxy. From Disconnected or Failed the state passes
// through Connecting; during recovery it stays Recovering until the dial
// succeeds.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateRegistered, StateConnecting:
		c.mu.Unlock()
		return nil
	}
	recovering := c.state == StateRecovering
	c.mu.Unlock()

	if !recovering {
		if err := c.transition(StateConnecting, nil); err != nil {
			return err
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("%w: dial %s: %w", ErrTransportFailure, c.cfg.URL, err)
		if !recovering {
			_ = c.transition(StateDisconnected, err)
		}
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateRecovering {
		// Disconnect raced with the dial.
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: connect aborted", ErrTransportFailure)
	}
	c.gen++
	gen := c.gen
	old := c.conn
	c.conn = conn
	if c.stopCh != nil {
		close(c.stopCh)
	}
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	c.installKeepalive(conn)
	if err := c.transition(StateConnected, nil); err != nil {
		_ = conn.Close()
		return err
	}

	go c.readLoop(conn, gen)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(conn, stop)
	}
	slog.Info("[Transport] Connected", "uri", c.cfg.URL)
	return nil
}

// Disconnect closes the link on purpose. No OnDown callback fires.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if c.State() != StateDisconnected {
		_ = c.transition(StateDisconnected, nil)
		slog.Info("[Transport] Disconnected", "uri", c.cfg.URL)
	}
	return nil
}

// Drop closes the current link as if the network had failed, which triggers
// the OnDown callbacks. Used when a heartbeat declares the link dead.
func (c *Connection) Drop(cause error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	slog.Warn("[Transport] Dropping link", "uri", c.cfg.URL, "cause", cause)
	_ = conn.Close()
}

// Send writes one text frame.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransportFailure, err)
	}
	return nil
}

// MarkRegistered records a successful manager login on the live link.
func (c *Connection) MarkRegistered() error {
	return c.transition(StateRegistered, nil)
}

// EnterRecovering is called by the recovery controller on link loss.
func (c *Connection) EnterRecovering(cause error) error {
	return c.transition(StateRecovering, cause)
}

// MarkFailed is called by the recovery controller once retries are exhausted.
func (c *Connection) MarkFailed(cause error) error {
	return c.transition(StateFailed, cause)
}

// SetRetries records the current reconnect attempt count.
func (c *Connection) SetRetries(n int) {
	c.mu.Lock()
	c.retries = n
	c.mu.Unlock()
}

// SetLatency records a measured round-trip time.
func (c *Connection) SetLatency(d time.Duration) {
	c.mu.Lock()
	c.latency = d
	c.mu.Unlock()
}

func (c *Connection) transition(to State, cause error) error {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return nil
	}
	if !from.CanTransitionTo(to) {
		c.mu.Unlock()
		return &StateTransitionError{URI: c.cfg.URL, From: from, To: to}
	}
	c.state = to
	c.since = time.Now()
	retries := c.retries
	c.mu.Unlock()

	slog.Debug("[Transport] State changed", "uri", c.cfg.URL, "from", from, "to", to)
	c.bus.Publish(string(events.ConnectionState),
		events.NewConnectionStateChanged(c.cfg.URL, from.String(), to.String(), retries, cause))
	return nil
}

func (c *Connection) installKeepalive(conn *websocket.Conn) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		if !c.pingAt.IsZero() {
			c.latency = time.Since(c.pingAt)
			c.pingAt = time.Time{}
		}
		c.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})
}

func (c *Connection) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.pingAt = time.Now()
			c.mu.Unlock()
			// WriteControl may run concurrently with WriteMessage.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				slog.Debug("[Transport] Ping failed", "uri", c.cfg.URL, "error", err)
				return
			}
		}
	}
}

func (c *Connection) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, gen, err)
			return
		}
		if c.cfg.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		c.mu.Lock()
		onFrame := c.onFrame
		c.mu.Unlock()
		if onFrame != nil {
			onFrame(data)
		}
	}
}

func (c *Connection) handleDrop(conn *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		// Replaced or closed on purpose.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	handlers := append([]func(error){}, c.onDown...)
	c.mu.Unlock()
	_ = conn.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Info("[Transport] Remote closed link", "uri", c.cfg.URL)
	} else {
		slog.Warn("[Transport] Link lost", "uri", c.cfg.URL, "error", err)
	}

	cause := fmt.Errorf("%w: %w", ErrTransportFailure, err)
	c.bus.Publish(string(events.ConnectionTransportFailure), events.NewTransportFailure(c.cfg.URL, cause))

	if len(handlers) == 0 {
		_ = c.transition(StateDisconnected, cause)
		return
	}
	for _, h := range handlers {
		h(cause)
	}
}

// IsTransportFailure reports whether err came from the link.
func IsTransportFailure(err error) bool {
	return errors.Is(err, ErrTransportFailure)
}
