package session

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sebas/callplane/internal/eventbus"
)

// Registry owns the live call sessions. Sessions remove themselves when they
// reach Ended, after publishing their final state change; callers that need
// a call beyond one operation should keep its ID and look it up again.
type Registry struct {
	cfg       Config
	sig       Signaling
	features  Features
	recoverer MediaRecoverer
	bus       *eventbus.Bus

	mu       sync.RWMutex
	sessions map[string]*Session
	byHandle map[string]*Session

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startOnce sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

// WithFeatures sets the PBX feature backend for conference and recording.
func WithFeatures(f Features) Option {
	return func(r *Registry) { r.features = f }
}

// WithMediaRecoverer sets the ICE restart runner.
func WithMediaRecoverer(m MediaRecoverer) Option {
	return func(r *Registry) { r.recoverer = m }
}

// NewRegistry creates a registry driving calls through sig.
func NewRegistry(cfg Config, sig Signaling, bus *eventbus.Bus, opts ...Option) *Registry {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultConfig().OperationTimeout
	}
	if bus == nil {
		bus = eventbus.New()
	}
	r := &Registry{
		cfg:      cfg,
		sig:      sig,
		bus:      bus,
		sessions: make(map[string]*Session),
		byHandle: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start pumps signaling callbacks into sessions until Close. Inbound calls
// create new sessions.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.pump()
	})
}

// Create registers a new Idle session. Outbound sessions use their ID as the
// signaling handle.
func (r *Registry) Create(direction Direction) *Session {
	id := uuid.New().String()
	return r.create(id, direction, id)
}

func (r *Registry) create(id string, direction Direction, handle string) *Session {
	s := newSession(id, direction, handle, sessionDeps{
		cfg:       r.cfg,
		sig:       r.sig,
		features:  r.features,
		recoverer: r.recoverer,
		bus:       r.bus,
		onEnded:   r.remove,
	})

	r.mu.Lock()
	r.sessions[id] = s
	r.byHandle[handle] = s
	n := len(r.sessions)
	r.mu.Unlock()

	slog.Debug("[Registry] Session created", "call_id", id, "direction", direction, "active", n)
	return s
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// FindByHandle returns the session bound to a signaling handle.
func (r *Registry) FindByHandle(handle string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byHandle[handle]
	return s, ok
}

// ListActive returns the sessions not yet ended, oldest first.
func (r *Registry) ListActive() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.State() != StateEnded {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int {
		return a.Info().CreatedAt.Compare(b.Info().CreatedAt)
	})
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// remove is called by a session once it has ended.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	if cur, ok := r.byHandle[s.handle()]; ok && cur == s {
		delete(r.byHandle, s.handle())
	}
	n := len(r.sessions)
	r.mu.Unlock()

	slog.Debug("[Registry] Session removed", "call_id", s.id, "active", n)
}

// HangupAll ends every live call concurrently.
func (r *Registry) HangupAll(ctx context.Context) error {
	var g errgroup.Group
	for _, s := range r.ListActive() {
		g.Go(func() error { return s.hangup(ctx, CauseShutdown) })
	}
	return g.Wait()
}

// Close stops the signal pump and hangs up the remaining calls.
func (r *Registry) Close(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	return r.HangupAll(ctx)
}

func (r *Registry) pump() {
	defer r.wg.Done()
	signals := r.sig.Signals()
	for {
		select {
		case <-r.stopCh:
			return
		case sg, ok := <-signals:
			if !ok {
				slog.Info("[Registry] Signaling stream closed")
				return
			}
			r.route(sg)
		}
	}
}

func (r *Registry) route(sg Signal) {
	if sg.Kind == SignalIncoming {
		if _, ok := r.FindByHandle(sg.Handle); ok {
			slog.Warn("[Registry] Duplicate incoming call ignored", "handle", sg.Handle)
			return
		}
		s := r.create(uuid.New().String(), DirectionInbound, sg.Handle)
		s.deliver(sg)
		return
	}

	s, ok := r.FindByHandle(sg.Handle)
	if !ok {
		slog.Debug("[Registry] Signal for unknown call dropped", "handle", sg.Handle, "kind", sg.Kind)
		return
	}
	s.deliver(sg)
}
