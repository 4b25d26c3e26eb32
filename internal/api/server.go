// Package api serves the status and admin HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sebas/callplane/internal/ami"
	"github.com/sebas/callplane/internal/eventbus"
	"github.com/sebas/callplane/internal/session"
	"github.com/sebas/callplane/internal/transport"
)

// CallProvider gives access to live calls.
// Implemented by session.Registry.
type CallProvider interface {
	Create(direction session.Direction) *session.Session
	Get(id string) (*session.Session, bool)
	ListActive() []*session.Session
}

// ConnectionProvider reports the manager link.
// Implemented by transport.Connection.
type ConnectionProvider interface {
	Info() transport.Info
}

// ManagerProvider exposes the AMI engine.
// Implemented by ami.Engine.
type ManagerProvider interface {
	Banner() string
	Stats() ami.Stats
	Refresh(ctx context.Context) error
}

// BusStatsProvider reports event bus counters.
type BusStatsProvider interface {
	Stats() eventbus.Stats
}

// DialogCounter reports the SIP dialogs held by the signaling stack.
type DialogCounter interface {
	ActiveDialogs() int
}

// Server provides the HTTP API (headless, JSON only)
type Server struct {
	addr       string
	httpServer *http.Server
	calls      CallProvider
	conn       ConnectionProvider
	manager    ManagerProvider
	bus        BusStatsProvider
	dialogs    DialogCounter
	opTimeout  time.Duration
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(addr string, calls CallProvider, conn ConnectionProvider, manager ManagerProvider) *Server {
	s := &Server{
		addr:      addr,
		calls:     calls,
		conn:      conn,
		manager:   manager,
		opTimeout: 10 * time.Second,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health and stats
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	// Manager link
	mux.HandleFunc("/api/v1/connection", s.handleConnection)
	mux.HandleFunc("/api/v1/ami/refresh", s.handleRefresh)

	// Calls
	mux.HandleFunc("/api/v1/calls", s.handleCalls)
	mux.HandleFunc("/api/v1/calls/", s.handleCallByID)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// SetBusStats adds event bus counters to /stats.
func (s *Server) SetBusStats(b BusStatsProvider) { s.bus = b }

// SetDialogCounter adds the SIP dialog count to /stats.
func (s *Server) SetDialogCounter(d DialogCounter) { s.dialogs = d }

// SetOperationTimeout bounds call operations started through the API.
func (s *Server) SetOperationTimeout(d time.Duration) {
	if d > 0 {
		s.opTimeout = d
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	slog.Info("[API] Starting HTTP API server", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("[API] Server error", "error", err)
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	}
	if s.conn != nil {
		state := s.conn.Info().State
		response["connection"] = state
		if state == transport.StateFailed.String() {
			response["status"] = "degraded"
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(response)
			return
		}
	}
	s.writeJSON(w, response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]any{
		"uptime": int64(time.Since(s.startTime).Seconds()),
	}
	if s.calls != nil {
		response["calls"] = len(s.calls.ListActive())
	}
	if s.manager != nil {
		response["ami"] = s.manager.Stats()
	}
	if s.bus != nil {
		response["bus"] = s.bus.Stats()
	}
	if s.dialogs != nil {
		response["sip_dialogs"] = s.dialogs.ActiveDialogs()
	}
	s.writeJSON(w, response)
}

// --- Manager link ---

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.conn == nil {
		http.Error(w, "Not configured", http.StatusServiceUnavailable)
		return
	}

	info := s.conn.Info()
	response := map[string]any{
		"uri":        info.URI,
		"state":      info.State,
		"latency_ms": info.Latency.Milliseconds(),
		"retries":    info.Retries,
		"since":      info.Since,
	}
	if s.manager != nil {
		response["banner"] = s.manager.Banner()
	}
	s.writeJSON(w, response)
}

// POST /api/v1/ami/refresh - re-issue the resync actions
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.manager == nil {
		http.Error(w, "Not configured", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opTimeout)
	defer cancel()
	if err := s.manager.Refresh(ctx); err != nil {
		slog.Warn("[API] Refresh failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, map[string]string{"status": "refreshed"})
}

// --- Calls ---

// DialRequest is the body of POST /api/v1/calls.
type DialRequest struct {
	Destination string `json:"destination"`
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		infos := []session.Info{}
		for _, c := range s.calls.ListActive() {
			infos = append(infos, c.Info())
		}
		s.writeJSON(w, infos)

	case http.MethodPost:
		var req DialRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if req.Destination == "" {
			http.Error(w, "destination required", http.StatusBadRequest)
			return
		}

		call := s.calls.Create(session.DirectionOutbound)
		ctx, cancel := context.WithTimeout(r.Context(), s.opTimeout)
		defer cancel()
		if err := call.Dial(ctx, req.Destination); err != nil {
			slog.Warn("[API] Dial failed", "call_id", call.ID(), "destination", req.Destination, "error", err)
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		w.Header().Set("Location", "/api/v1/calls/"+call.ID())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(call.Info())

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// GET /api/v1/calls/{id} - call snapshot
// DELETE /api/v1/calls/{id} - hang up
func (s *Server) handleCallByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	encoded := strings.TrimPrefix(r.URL.Path, "/api/v1/calls/")
	if encoded == "" {
		http.Error(w, "Call ID required", http.StatusBadRequest)
		return
	}
	id, err := url.PathUnescape(encoded)
	if err != nil {
		http.Error(w, "Invalid call ID encoding", http.StatusBadRequest)
		return
	}

	call, ok := s.calls.Get(id)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if r.Method == http.MethodGet {
		s.writeJSON(w, call.Info())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opTimeout)
	defer cancel()
	if err := call.Hangup(ctx); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, session.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("[API] Failed to encode response", "error", err)
	}
}
