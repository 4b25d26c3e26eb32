// Package recovery restores the manager link after transport loss and runs
// per-call media recovery (ICE restart). The two are independent: a
// reconnect never resolves a call's media recovery and vice versa.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sebas/callplane/internal/eventbus"
	"github.com/sebas/callplane/internal/events"
	"github.com/sebas/callplane/internal/transport"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrRecoveryExhausted indicates reconnection gave up after MaxAttempts.
	ErrRecoveryExhausted = errors.New("recovery exhausted")

	// ErrMediaRecoveryFailed indicates an ICE restart failed or timed out.
	ErrMediaRecoveryFailed = errors.New("media recovery failed")
)

// ExhaustedError carries the attempt history of a failed recovery window.
type ExhaustedError struct {
	URI      string
	Attempts []Attempt
}

// Error returns the error message.
func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("recovery of %s exhausted after %d attempts", e.URI, len(e.Attempts))
	if n := len(e.Attempts); n > 0 && e.Attempts[n-1].Err != nil {
		msg += ": " + e.Attempts[n-1].Err.Error()
	}
	return msg
}

// Unwrap returns ErrRecoveryExhausted.
func (e *ExhaustedError) Unwrap() error {
	return ErrRecoveryExhausted
}

// MediaError reports a failed media recovery for one call.
type MediaError struct {
	CallID string
	Cause  error
}

// Error returns the error message.
func (e *MediaError) Error() string {
	return fmt.Sprintf("call %s: media recovery failed: %v", e.CallID, e.Cause)
}

// Unwrap returns both the sentinel and the cause.
func (e *MediaError) Unwrap() []error {
	return []error{ErrMediaRecoveryFailed, e.Cause}
}

// Attempt is one reconnection try within a recovery window.
type Attempt struct {
	Number int
	Delay  time.Duration
	Err    error
}

// Link is the part of the transport the controller drives.
type Link interface {
	URI() string
	State() transport.State
	Connect(ctx context.Context) error
	EnterRecovering(cause error) error
	MarkFailed(cause error) error
	SetRetries(n int)
	SetLatency(d time.Duration)
	Drop(cause error)
}

// Config holds recovery settings.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// HeartbeatInterval of zero disables the heartbeat.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// HeartbeatFailures consecutive misses drop the link.
	HeartbeatFailures int

	RenegotiationTimeout time.Duration
	// MaxConcurrentMediaRecoveries bounds simultaneous ICE restarts.
	MaxConcurrentMediaRecoveries int64
}

// DefaultConfig returns default recovery settings.
func DefaultConfig() Config {
	return Config{
		BaseDelay:                    500 * time.Millisecond,
		MaxDelay:                     30 * time.Second,
		MaxAttempts:                  8,
		HeartbeatInterval:            20 * time.Second,
		HeartbeatTimeout:             5 * time.Second,
		HeartbeatFailures:            2,
		RenegotiationTimeout:         10 * time.Second,
		MaxConcurrentMediaRecoveries: 16,
	}
}

// Controller drives transport and media recovery.
type Controller struct {
	cfg  Config
	link Link
	bus  *eventbus.Bus

	// OnReconnected runs after each successful reconnect, e.g. to log in.
	onReconnected func(ctx context.Context) error
	heartbeat     func(ctx context.Context) (time.Duration, error)
	sleep         func(ctx context.Context, d time.Duration) error

	mediaSem *semaphore.Weighted

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	recovering bool
	exhausted  bool
	// lostAgain records a loss reported while a window was open.
	lostAgain bool
	attempts   []Attempt
	wg         sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithOnReconnected sets the hook run after a successful reconnect.
func WithOnReconnected(fn func(ctx context.Context) error) Option {
	return func(c *Controller) { c.onReconnected = fn }
}

// WithHeartbeat sets the liveness check, typically an AMI Ping.
func WithHeartbeat(fn func(ctx context.Context) (time.Duration, error)) Option {
	return func(c *Controller) { c.heartbeat = fn }
}

// WithSleep replaces the backoff wait, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = fn }
}

// New creates a Controller for link.
func New(cfg Config, link Link, bus *eventbus.Bus, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.HeartbeatFailures <= 0 {
		cfg.HeartbeatFailures = def.HeartbeatFailures
	}
	if cfg.RenegotiationTimeout <= 0 {
		cfg.RenegotiationTimeout = def.RenegotiationTimeout
	}
	if cfg.MaxConcurrentMediaRecoveries <= 0 {
		cfg.MaxConcurrentMediaRecoveries = def.MaxConcurrentMediaRecoveries
	}
	if bus == nil {
		bus = eventbus.New()
	}

	c := &Controller{
		cfg:      cfg,
		link:     link,
		bus:      bus,
		sleep:    sleepCtx,
		mediaSem: semaphore.NewWeighted(cfg.MaxConcurrentMediaRecoveries),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Backoff returns the delay before attempt n (1-based): BaseDelay doubled
// per attempt, capped at MaxDelay.
func (c *Controller) Backoff(n int) time.Duration {
	d := c.cfg.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	return d
}

// Start runs the heartbeat until Stop.
func (c *Controller) Start() {
	if c.heartbeat == nil || c.cfg.HeartbeatInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.heartbeatLoop()
}

// Stop cancels any recovery window and the heartbeat.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

// Recovering reports whether a recovery window is open.
func (c *Controller) Recovering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recovering
}

// Attempts returns the attempts of the current or last recovery window.
func (c *Controller) Attempts() []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Attempt(nil), c.attempts...)
}

// HandleTransportLoss opens a recovery window. It is wired to the link's
// OnDown callback. A loss reported while a window is open is folded into
// that window: the link is marked Recovering and the current attempt does
// not count as a success.
func (c *Controller) HandleTransportLoss(cause error) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if c.recovering {
		c.lostAgain = true
		c.mu.Unlock()
		if err := c.link.EnterRecovering(cause); err != nil {
			slog.Debug("[Recovery] Link already recovering", "uri", c.link.URI(), "error", err)
		}
		slog.Warn("[Recovery] Transport lost during recovery", "uri", c.link.URI(), "cause", cause)
		return
	}
	c.recovering = true
	c.exhausted = false
	c.lostAgain = false
	c.attempts = nil
	c.wg.Add(1)
	c.mu.Unlock()

	if err := c.link.EnterRecovering(cause); err != nil {
		slog.Warn("[Recovery] Could not enter recovering state", "uri", c.link.URI(), "error", err)
	}
	slog.Warn("[Recovery] Transport lost, reconnecting",
		"uri", c.link.URI(),
		"cause", cause,
		"max_attempts", c.cfg.MaxAttempts)

	go func() {
		defer c.wg.Done()
		c.reconnect(c.ctx)
	}()
}

func (c *Controller) reconnect(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.recovering = false
		again := c.lostAgain && !c.exhausted
		c.lostAgain = false
		c.mu.Unlock()

		// A loss that raced with the end of the window.
		if again && ctx.Err() == nil && !c.link.State().IsUp() {
			c.HandleTransportLoss(errLostDuringRecovery)
		}
	}()

	for n := 1; n <= c.cfg.MaxAttempts; n++ {
		delay := c.Backoff(n)
		c.link.SetRetries(n)
		if err := c.sleep(ctx, delay); err != nil {
			return
		}

		err := c.link.Connect(ctx)
		if err == nil {
			c.link.SetRetries(0)
			err = c.afterConnect(ctx)
		}
		c.record(Attempt{Number: n, Delay: delay, Err: err})
		if err == nil {
			slog.Info("[Recovery] Reconnected", "uri", c.link.URI(), "attempt", n)
			return
		}
		if ctx.Err() != nil {
			return
		}
		slog.Warn("[Recovery] Reconnect attempt failed",
			"uri", c.link.URI(),
			"attempt", n,
			"delay", delay,
			"error", err)
	}

	c.exhaust()
}

var errLostDuringRecovery = fmt.Errorf("%w: link lost during recovery", transport.ErrTransportFailure)

// afterConnect runs the post-reconnect hook on a fresh link. A failing hook,
// or a loss reported while it ran, fails the attempt and leaves the link
// Recovering for the next one.
func (c *Controller) afterConnect(ctx context.Context) error {
	c.mu.Lock()
	c.lostAgain = false
	c.mu.Unlock()

	if c.onReconnected != nil {
		if err := c.onReconnected(ctx); err != nil {
			err = fmt.Errorf("post-reconnect hook: %w", err)
			c.abandon(err)
			return err
		}
	}

	c.mu.Lock()
	lost := c.lostAgain
	c.lostAgain = false
	c.mu.Unlock()
	if lost && !c.link.State().IsUp() {
		return errLostDuringRecovery
	}
	return nil
}

// abandon gives up on the current link within the window.
func (c *Controller) abandon(cause error) {
	if err := c.link.EnterRecovering(cause); err != nil {
		slog.Debug("[Recovery] Could not re-enter recovering state", "uri", c.link.URI(), "error", err)
	}
	c.link.Drop(cause)
}

func (c *Controller) record(a Attempt) {
	c.mu.Lock()
	c.attempts = append(c.attempts, a)
	c.mu.Unlock()
}

func (c *Controller) exhaust() {
	c.mu.Lock()
	if c.exhausted {
		c.mu.Unlock()
		return
	}
	c.exhausted = true
	attempts := append([]Attempt(nil), c.attempts...)
	c.mu.Unlock()

	exErr := &ExhaustedError{URI: c.link.URI(), Attempts: attempts}
	if err := c.link.MarkFailed(exErr); err != nil {
		slog.Warn("[Recovery] Could not mark link failed", "error", err)
	}

	var last error
	if n := len(attempts); n > 0 {
		last = attempts[n-1].Err
	}
	slog.Error("[Recovery] Giving up", "uri", c.link.URI(), "attempts", len(attempts), "error", last)
	c.bus.Publish(string(events.ConnectionRecoveryExhausted),
		events.NewRecoveryExhausted(c.link.URI(), len(attempts), last))
}

func (c *Controller) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.link.State().IsUp() {
			misses = 0
			continue
		}

		hctx, cancel := context.WithTimeout(c.ctx, c.cfg.HeartbeatTimeout)
		rtt, err := c.heartbeat(hctx)
		cancel()
		if err == nil {
			misses = 0
			c.link.SetLatency(rtt)
			continue
		}
		if c.ctx.Err() != nil {
			return
		}
		misses++
		slog.Warn("[Recovery] Heartbeat missed", "uri", c.link.URI(), "misses", misses, "error", err)
		if misses >= c.cfg.HeartbeatFailures {
			misses = 0
			c.link.Drop(fmt.Errorf("heartbeat failed %d times: %w", c.cfg.HeartbeatFailures, err))
		}
	}
}

// RecoverMedia performs one ICE restart for callID via renegotiate, bounded by
// RenegotiationTimeout. Failure returns a *MediaError and publishes
// CallMediaRecoveryFailed.
func (c *Controller) RecoverMedia(ctx context.Context, callID string, renegotiate func(ctx context.Context) error) error {
	if err := c.mediaSem.Acquire(ctx, 1); err != nil {
		return c.mediaFailed(callID, err)
	}
	defer c.mediaSem.Release(1)

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RenegotiationTimeout)
	defer cancel()

	slog.Info("[Recovery] Restarting ICE", "call_id", callID)
	start := time.Now()
	if err := renegotiate(rctx); err != nil {
		return c.mediaFailed(callID, err)
	}
	slog.Info("[Recovery] Media restored", "call_id", callID, "duration", time.Since(start))
	return nil
}

func (c *Controller) mediaFailed(callID string, cause error) error {
	err := &MediaError{CallID: callID, Cause: cause}
	slog.Warn("[Recovery] Media recovery failed", "call_id", callID, "error", cause)
	c.bus.Publish(string(events.CallMediaRecoveryFailed), events.NewMediaRecoveryFailed(callID, err))
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
