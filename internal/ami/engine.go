// Package ami implements the Asterisk Manager Interface protocol engine:
// packet parsing, Action/Response correlation by ActionID, outbound value
// sanitization and fan-out of unsolicited events on the event bus.
package ami

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callplane/internal/eventbus"
	"github.com/sebas/callplane/internal/events"
	"github.com/sebas/callplane/internal/store"
)

// Writer is the outbound half of the transport.
type Writer interface {
	Send(ctx context.Context, data []byte) error
}

// Config holds engine settings.
type Config struct {
	// DefaultTimeout applies to actions without their own timeout.
	DefaultTimeout time.Duration
	// WriteTimeout bounds a single transport write.
	WriteTimeout time.Duration
	// LateResponseTTL is how long a timed-out or canceled ActionID is
	// remembered so a late response can be told apart from an unknown one.
	LateResponseTTL time.Duration
	// MaxPacketBytes caps a single unterminated line.
	MaxPacketBytes int
	// Charsets configures outbound validation.
	Charsets Charsets
	// ResyncActions are issued by Refresh.
	ResyncActions []string
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  10 * time.Second,
		WriteTimeout:    5 * time.Second,
		LateResponseTTL: 2 * time.Minute,
		MaxPacketBytes:  defaultMaxPacketBytes,
		Charsets:        DefaultCharsets(),
		ResyncActions:   []string{"CoreShowChannels", "QueueStatus"},
	}
}

// Engine correlates actions and responses and publishes events. A single loop
// goroutine owns the pending table, the parser and all transport writes.
// Event handlers run on that goroutine in wire order; they may call SendAsync
// but must not block waiting for a response.
type Engine struct {
	cfg       Config
	w         Writer
	bus       *eventbus.Bus
	validator *Validator
	prefix    string
	seq       atomic.Uint64

	box     mailbox
	quit    chan struct{}
	done    chan struct{}
	closing sync.Once

	// Loop-owned state.
	pending map[string]*pendingAction
	parser  *parser
	retired *store.TTLStore[string, string]

	banner atomic.Value
	stats  engineStats
}

type pendingAction struct {
	action *Action
	future *Future
	timer  *time.Timer
	sentAt time.Time
}

type engineStats struct {
	sent      atomic.Uint64
	responses atomic.Uint64
	timeouts  atomic.Uint64
	canceled  atomic.Uint64
	unmatched atomic.Uint64
	late      atomic.Uint64
	malformed atomic.Uint64
	events    atomic.Uint64
	pending   atomic.Int64
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Sent      uint64 `json:"sent"`
	Responses uint64 `json:"responses"`
	Timeouts  uint64 `json:"timeouts"`
	Canceled  uint64 `json:"canceled"`
	Unmatched uint64 `json:"unmatched"`
	Late      uint64 `json:"late"`
	Malformed uint64 `json:"malformed"`
	Events    uint64 `json:"events"`
	Pending   int64  `json:"pending"`
}

// NewEngine creates and starts an engine writing to w and publishing on bus.
func NewEngine(cfg Config, w Writer, bus *eventbus.Bus) (*Engine, error) {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.LateResponseTTL <= 0 {
		cfg.LateResponseTTL = def.LateResponseTTL
	}
	if cfg.ResyncActions == nil {
		cfg.ResyncActions = def.ResyncActions
	}

	v, err := NewValidator(cfg.Charsets)
	if err != nil {
		return nil, err
	}
	if bus == nil {
		bus = eventbus.New()
	}

	e := &Engine{
		cfg:       cfg,
		w:         w,
		bus:       bus,
		validator: v,
		prefix:    uuid.New().String()[:8],
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		pending:   make(map[string]*pendingAction),
		parser:    newParser(cfg.MaxPacketBytes),
		retired:   store.NewTTLStore[string, string](cfg.LateResponseTTL),
	}
	e.box.init()
	go e.run()
	return e, nil
}

// Bus returns the bus events are published on.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Banner returns the greeting line sent by the PBX, if seen.
func (e *Engine) Banner() string {
	s, _ := e.banner.Load().(string)
	return s
}

// Feed hands raw transport bytes to the engine. It never blocks on parsing.
func (e *Engine) Feed(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	e.post(frameMsg(buf))
}

// ResetStream discards any partially received packet. Call it when the
// transport is replaced. Pending actions keep running to their deadline.
func (e *Engine) ResetStream() {
	e.post(resetMsg{})
}

// Subscribe registers handler for an event name, or "*" for every event.
// Names match case-insensitively.
func (e *Engine) Subscribe(name string, handler func(*Event)) *eventbus.Subscription {
	return eventbus.SubscribeTyped(e.bus, string(events.AMIEventTopic(name)), handler)
}

// Send transmits a and waits for its response.
func (e *Engine) Send(ctx context.Context, a *Action) (*Packet, error) {
	f, err := e.SendAsync(a)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// SendAsync validates and queues a for transmission. Validation errors are
// returned directly and nothing is written.
func (e *Engine) SendAsync(a *Action) (*Future, error) {
	if a == nil {
		return nil, &ValidationError{Reason: "nil action"}
	}
	if err := e.validator.Validate(a); err != nil {
		return nil, err
	}
	select {
	case <-e.quit:
		return nil, ErrClosed
	default:
	}

	// Copy so the caller may reuse the builder.
	act := *a
	act.params = a.Params()
	if act.ID == "" {
		act.ID = e.prefix + "-" + strconv.FormatUint(e.seq.Add(1), 10)
	}
	if act.Timeout <= 0 {
		act.Timeout = e.cfg.DefaultTimeout
	}

	f := newFuture(e, &act)
	if !e.post(sendMsg{f}) {
		f.resolve(nil, ErrClosed)
	}
	return f, nil
}

// Validate checks a without sending it.
func (e *Engine) Validate(a *Action) error {
	return e.validator.Validate(a)
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Sent:      e.stats.sent.Load(),
		Responses: e.stats.responses.Load(),
		Timeouts:  e.stats.timeouts.Load(),
		Canceled:  e.stats.canceled.Load(),
		Unmatched: e.stats.unmatched.Load(),
		Late:      e.stats.late.Load(),
		Malformed: e.stats.malformed.Load(),
		Events:    e.stats.events.Load(),
		Pending:   e.stats.pending.Load(),
	}
}

// Close stops the loop and fails every pending action with ErrClosed.
func (e *Engine) Close() {
	e.closing.Do(func() {
		close(e.quit)
		e.box.wake()
	})
	<-e.done
}

// Messages handled by the loop.
type (
	frameMsg  []byte
	resetMsg  struct{}
	sendMsg   struct{ f *Future }
	expireMsg struct{ f *Future }
	cancelMsg struct {
		f   *Future
		err error
	}
)

func (e *Engine) post(m any) bool {
	select {
	case <-e.quit:
		return false
	default:
	}
	e.box.put(m)
	return true
}

func (e *Engine) run() {
	defer close(e.done)
	defer e.shutdown()

	for {
		select {
		case <-e.quit:
			return
		case <-e.box.signal:
		}
		for _, m := range e.box.drain() {
			e.handle(m)
		}
	}
}

func (e *Engine) shutdown() {
	for id, p := range e.pending {
		p.timer.Stop()
		delete(e.pending, id)
		p.future.resolve(nil, ErrClosed)
	}
	e.stats.pending.Store(0)
	// Futures created between quit and the final drain.
	for _, m := range e.box.drain() {
		if s, ok := m.(sendMsg); ok {
			s.f.resolve(nil, ErrClosed)
		}
	}
	e.retired.Close()
}

func (e *Engine) handle(m any) {
	switch m := m.(type) {
	case frameMsg:
		e.handleFrame(m)
	case resetMsg:
		e.parser.reset()
	case sendMsg:
		e.handleSend(m.f)
	case expireMsg:
		e.handleExpire(m.f)
	case cancelMsg:
		e.handleCancel(m.f, m.err)
	}
}

func (e *Engine) handleSend(f *Future) {
	a := f.action
	if _, dup := e.pending[a.ID]; dup {
		f.resolve(nil, &ValidationError{
			Action: a.Name, Key: "ActionID", Value: a.ID,
			Reason: "ActionID already pending",
		})
		return
	}
	if f.canceled.Load() {
		f.resolve(nil, ErrCanceled)
		return
	}

	p := &pendingAction{action: a, future: f, sentAt: time.Now()}
	p.timer = time.AfterFunc(a.Timeout, func() { e.post(expireMsg{f}) })
	e.pending[a.ID] = p
	e.stats.pending.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
	err := e.w.Send(ctx, a.Encode())
	cancel()
	if err != nil {
		p.timer.Stop()
		e.remove(a.ID)
		slog.Warn("[AMI] Action write failed", "action", a.Name, "action_id", a.ID, "error", err)
		f.resolve(nil, fmt.Errorf("%w: %w", ErrTransport, err))
		return
	}
	e.stats.sent.Add(1)
	slog.Debug("[AMI] Action sent", "action", a.Name, "action_id", a.ID, "timeout", a.Timeout)
}

func (e *Engine) handleExpire(f *Future) {
	a := f.action
	p, ok := e.pending[a.ID]
	if !ok || p.future != f {
		return
	}
	e.remove(a.ID)
	e.retired.Set(a.ID, "timeout", e.cfg.LateResponseTTL)
	e.stats.timeouts.Add(1)
	slog.Warn("[AMI] Action timed out", "action", a.Name, "action_id", a.ID, "timeout", a.Timeout)
	f.resolve(nil, &TimeoutError{Action: a.Name, ActionID: a.ID, Timeout: a.Timeout})
}

func (e *Engine) handleCancel(f *Future, cause error) {
	a := f.action
	p, ok := e.pending[a.ID]
	if !ok || p.future != f {
		return
	}
	p.timer.Stop()
	e.remove(a.ID)
	e.retired.Set(a.ID, "canceled", e.cfg.LateResponseTTL)
	e.stats.canceled.Add(1)
	slog.Debug("[AMI] Action canceled", "action", a.Name, "action_id", a.ID)

	err := ErrCanceled
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrCanceled, cause)
	}
	f.resolve(nil, err)
}

func (e *Engine) remove(id string) {
	delete(e.pending, id)
	e.stats.pending.Add(-1)
}

func (e *Engine) handleFrame(data []byte) {
	packets, errs := e.parser.feed(data)
	if e.parser.banner != "" && e.Banner() != e.parser.banner {
		e.banner.Store(e.parser.banner)
		slog.Info("[AMI] Connected to manager", "banner", e.parser.banner)
	}
	for _, err := range errs {
		e.stats.malformed.Add(1)
		slog.Warn("[AMI] Dropped malformed packet", "error", err)
	}
	for _, pkt := range packets {
		e.dispatch(pkt)
	}
}

func (e *Engine) dispatch(pkt *Packet) {
	switch pkt.Kind() {
	case KindResponse:
		e.handleResponse(pkt)
	case KindEvent:
		e.stats.events.Add(1)
		ev := &Event{Name: pkt.Get("Event"), Packet: pkt}
		// Named and wildcard subscribers share one ordered dispatch.
		e.bus.PublishMany([]string{
			string(events.AMIEventTopic(ev.Name)),
			string(events.AMIEventAll),
		}, ev)
	default:
		e.stats.malformed.Add(1)
		slog.Warn("[AMI] Dropped malformed packet",
			"error", &ProtocolError{Reason: "packet has neither Response nor Event"},
			"keys", pkt.Len())
	}
}

func (e *Engine) handleResponse(pkt *Packet) {
	id := pkt.ActionID()
	p, ok := e.pending[id]
	if !ok {
		if reason, late := e.retired.Take(id); late {
			e.stats.late.Add(1)
			slog.Info("[AMI] Dropped late response", "action_id", id, "after", reason)
		} else {
			e.stats.unmatched.Add(1)
			slog.Warn("[AMI] Dropped unmatched response", "action_id", id, "response", pkt.Get("Response"))
		}
		return
	}

	p.timer.Stop()
	e.remove(id)
	e.stats.responses.Add(1)
	slog.Debug("[AMI] Response received",
		"action", p.action.Name,
		"action_id", id,
		"response", pkt.Get("Response"),
		"rtt", time.Since(p.sentAt))

	var err error
	if pkt.IsError() {
		err = &ActionError{Action: p.action.Name, ActionID: id, Message: pkt.Message()}
	}
	p.future.resolve(pkt, err)
}

// Future is the pending result of SendAsync. Exactly one of a response, a
// timeout, a cancellation or a transport/close error resolves it.
type Future struct {
	engine   *Engine
	action   *Action
	done     chan struct{}
	once     sync.Once
	canceled atomic.Bool
	resp     *Packet
	err      error
}

func newFuture(e *Engine, a *Action) *Future {
	return &Future{engine: e, action: a, done: make(chan struct{})}
}

func (f *Future) resolve(resp *Packet, err error) {
	f.once.Do(func() {
		f.resp, f.err = resp, err
		close(f.done)
	})
}

// ActionID returns the correlation id assigned to the action.
func (f *Future) ActionID() string { return f.action.ID }

// Action returns the action name.
func (f *Future) Action() string { return f.action.Name }

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (f *Future) Result() (*Packet, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	default:
		return nil, errors.New("ami: future not resolved")
	}
}

// Cancel rejects the future and frees its pending slot. The request already
// on the wire is not retracted; its response, if any, is dropped.
func (f *Future) Cancel() {
	f.cancel(nil)
}

func (f *Future) cancel(cause error) {
	f.canceled.Store(true)
	if !f.engine.post(cancelMsg{f: f, err: cause}) {
		f.resolve(nil, ErrClosed)
	}
}

// Wait blocks until the future resolves or ctx ends. When ctx ends first the
// action is canceled and Wait returns the definitive outcome, which may still
// be the response if it won the race.
func (f *Future) Wait(ctx context.Context) (*Packet, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-f.engine.done:
		f.resolve(nil, ErrClosed)
		return f.resp, f.err
	case <-ctx.Done():
	}
	f.cancel(ctx.Err())
	select {
	case <-f.done:
	case <-f.engine.done:
		f.resolve(nil, ErrClosed)
	}
	return f.resp, f.err
}

// mailbox is an unbounded FIFO so that posting never blocks, even from an
// event handler running on the loop goroutine.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	signal chan struct{}
}

func (m *mailbox) init() {
	m.signal = make(chan struct{}, 1)
}

func (m *mailbox) put(v any) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}
