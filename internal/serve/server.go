// Package serve exposes a read-only HTTP observer API over the running
// orchestrator: session and queue listings, group reports, autopilot
// status, and a websocket event stream. It never mutates state; commands
// stay in the console.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/agidotai/memini/internal/autopilot"
	"github.com/agidotai/memini/internal/coordination"
	"github.com/agidotai/memini/internal/events"
	"github.com/agidotai/memini/internal/session"
)

// Server is the observer HTTP server.
type Server struct {
	addr   string
	reg    *session.Registry
	agg    *coordination.Aggregator
	sched  *autopilot.Scheduler
	bus    *events.EventBus
	logger *slog.Logger

	httpServer *http.Server
}

// New creates a server; agg and sched may be nil when those subsystems are
// not running, in which case their routes report 404.
func New(addr string, reg *session.Registry, agg *coordination.Aggregator, sched *autopilot.Scheduler, bus *events.EventBus, logger *slog.Logger) *Server {
	if bus == nil {
		bus = events.DefaultBus
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		reg:    reg,
		agg:    agg,
		sched:  sched,
		bus:    bus,
		logger: logger,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/events", s.handleEvents)

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{id}", s.handleSession)
		r.Get("/waiting", s.handleWaiting)
		r.Get("/groups/{key}", s.handleGroup)
		r.Get("/autopilot", s.handleAutopilot)
		r.Get("/autopilot/{name}/results", s.handleAutopilotResults)
	})
	return r
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("observer server failed", "err", err)
		}
	}()
	s.logger.Info("observer server listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.reg.List()})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad session id")
		return
	}
	v, ok := s.reg.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleWaiting(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"waiting": s.reg.Waiting()})
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	if s.agg == nil {
		writeError(w, http.StatusNotFound, "coordination disabled")
		return
	}
	rep, err := s.agg.Collect(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleAutopilot(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusNotFound, "autopilot disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipes": s.sched.Status()})
}

func (s *Server) handleAutopilotResults(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusNotFound, "autopilot disabled")
		return
	}
	runs, err := s.sched.Results(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("encoding response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
