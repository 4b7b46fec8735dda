package httpapi

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/PetoAdam/homenavi/power-scheduler/internal/cloud"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/dispatch"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/energy"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/middleware"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/model"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

type TickRunner interface {
	RunTick(ctx context.Context, now time.Time) (model.TickReport, error)
}

type TickHistory interface {
	ListTickRuns(ctx context.Context, limit int) ([]store.TickRun, error)
}

type EnergyCollector interface {
	Collect(ctx context.Context, req energy.Request) (energy.Summary, error)
}

type LinkStatus interface {
	Connected() bool
}

type Options struct {
	Ticks          TickRunner
	History        TickHistory
	Energy         EnergyCollector
	Link           LinkStatus
	LinkTransport  string
	Hub            *dispatch.ReportHub
	PubKey         *rsa.PublicKey
	Clock          func() time.Time
	TickResolution time.Duration
}

type Server struct {
	opts Options
}

func New(o Options) *Server {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.TickResolution <= 0 {
		o.TickResolution = time.Minute
	}
	return &Server{opts: o}
}

// Routes mounts the scheduler API on r.
func (s *Server) Routes(r chi.Router) {
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Browsers cannot set headers on websocket upgrades; the stream is read-only.
	r.Get("/api/scheduler/ticks/ws", s.handleTicksWS)

	r.Route("/api/scheduler", func(r chi.Router) {
		r.Use(middleware.RequireRole(s.opts.PubKey, "service"))
		r.Post("/tick", s.handleTick)
		r.Get("/ticks", s.handleListTicks)
		r.Post("/energy/collect", s.handleEnergyCollect)
		r.Get("/link", s.handleLink)
	})
}

type tickRequest struct {
	Now *time.Time `json:"now"`
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	now := s.opts.Clock().UTC().Truncate(s.opts.TickResolution)
	if req.Now != nil {
		now = req.Now.UTC()
	}
	if caller, ok := middleware.CallerFrom(r.Context()); ok {
		slog.Info("manual tick requested", "now", now, "caller", caller.Subject)
	}
	rep, err := s.opts.Ticks.RunTick(r.Context(), now)
	if errors.Is(err, dispatch.ErrTickHeld) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		slog.Error("manual tick failed", "now", now, "error", err)
		writeError(w, http.StatusInternalServerError, "tick failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleListTicks(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, http.StatusOK, []store.TickRun{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.opts.History.ListTickRuns(r.Context(), limit)
	if err != nil {
		slog.Error("list tick runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list ticks")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleEnergyCollect(w http.ResponseWriter, r *http.Request) {
	if s.opts.Energy == nil {
		writeError(w, http.StatusServiceUnavailable, "energy collection disabled")
		return
	}
	var req energy.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if _, err := cloud.ParseGranularity(req.Granularity); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Start.Before(req.End) {
		writeError(w, http.StatusBadRequest, energy.ErrInvalidRange.Error())
		return
	}
	sum, err := s.opts.Energy.Collect(r.Context(), req)
	if err != nil {
		slog.Error("energy collection failed", "error", err)
		writeError(w, http.StatusBadGateway, "energy collection failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	connected := s.opts.Link != nil && s.opts.Link.Connected()
	transport := s.opts.LinkTransport
	if transport == "" {
		transport = "none"
	}
	writeJSON(w, http.StatusOK, map[string]any{"transport": transport, "connected": connected})
}

func (s *Server) handleTicksWS(w http.ResponseWriter, r *http.Request) {
	if s.opts.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "tick stream disabled")
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.opts.Hub.Subscribe()
	defer cancel()

	// Read pump only detects disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second)); err != nil {
				return
			}
		case rep, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(rep); err != nil {
				slog.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}

func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
