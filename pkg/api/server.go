package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vjranagit/serverwatch/pkg/pipeline"
	"github.com/vjranagit/serverwatch/pkg/types"
)

// AuthHeader carries the authentication decision of the fronting proxy. Any
// value strconv.ParseBool accepts as true marks the caller as authenticated.
const AuthHeader = "X-Authenticated"

// Controller is the chart side of the API, implemented by pipeline.Loop.
type Controller interface {
	Charts() []string
	State(ctx context.Context, chart string) (pipeline.ChartState, error)
	SetMode(ctx context.Context, chart string, m types.Mode) error
	SetActive(ctx context.Context, chart string, active []string) error
	SetPeakCut(ctx context.Context, chart string, enabled bool) error
}

// Server implements the HTTP API server
type Server struct {
	charts  Controller
	hub     *Hub
	addr    string
	logger  *zap.Logger
	started time.Time
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(addr string, charts Controller, hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		charts:  charts,
		hub:     hub,
		addr:    addr,
		logger:  logger,
		started: time.Now(),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/charts", s.handleCharts)
	mux.HandleFunc("GET /api/v1/chart", s.handleChart)
	mux.HandleFunc("GET /api/v1/frame", s.handleFrame)
	mux.HandleFunc("POST /api/v1/chart/mode", s.handleMode)
	mux.HandleFunc("POST /api/v1/chart/active", s.handleActive)
	mux.HandleFunc("POST /api/v1/chart/peakcut", s.handlePeakCut)
	mux.Handle("GET /ws", s.hub)
	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

// Start starts the HTTP server. It returns nil once Stop was called.
func (s *Server) Start() error {
	s.logger.Info("API server listening", zap.String("addr", s.addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleCharts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"charts": s.charts.Charts()})
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	state, ok := s.state(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	state, ok := s.state(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, state.Frame)
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) (pipeline.ChartState, bool) {
	chart := r.URL.Query().Get("chart")
	if chart == "" {
		writeError(w, http.StatusBadRequest, "missing chart parameter")
		return pipeline.ChartState{}, false
	}

	state, err := s.charts.State(r.Context(), chart)
	if err != nil {
		s.fail(w, err)
		return pipeline.ChartState{}, false
	}
	return state, true
}

type modeRequest struct {
	Chart string `json:"chart"`
	Mode  string `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decode(w, r, &req) {
		return
	}

	m, err := types.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m = types.RestrictMode(m, authenticated(r))

	if err := s.charts.SetMode(r.Context(), req.Chart, m); err != nil {
		s.fail(w, err)
		return
	}

	s.logger.Debug("chart mode changed", zap.String("chart", req.Chart), zap.Stringer("mode", m))

	writeJSON(w, http.StatusOK, map[string]string{"chart": req.Chart, "mode": m.String()})
}

type activeRequest struct {
	Chart  string   `json:"chart"`
	Active []string `json:"active"`
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if !decode(w, r, &req) {
		return
	}

	if err := s.charts.SetActive(r.Context(), req.Chart, req.Active); err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"chart": req.Chart, "active": req.Active})
}

type peakCutRequest struct {
	Chart   string `json:"chart"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handlePeakCut(w http.ResponseWriter, r *http.Request) {
	var req peakCutRequest
	if !decode(w, r, &req) {
		return
	}

	if err := s.charts.SetPeakCut(r.Context(), req.Chart, req.Enabled); err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"chart": req.Chart, "enabled": req.Enabled})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"charts":  len(s.charts.Charts()),
		"clients": s.hub.Len(),
		"started": humanize.Time(s.started),
	})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrUnknownChart):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrLiveUnsupported), errors.Is(err, types.ErrInvalidPeriod):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func authenticated(r *http.Request) bool {
	ok, err := strconv.ParseBool(r.Header.Get(AuthHeader))
	return err == nil && ok
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
