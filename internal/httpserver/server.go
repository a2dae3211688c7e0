package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"slices"
	"sync/atomic"
	"time"

	"github.com/skobkin/cputhermal/internal/config"
	"github.com/skobkin/cputhermal/internal/sensors"
	"github.com/skobkin/cputhermal/internal/thermal"
	"github.com/skobkin/cputhermal/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
	maxRequestBody    = 4 << 10
)

// Governor is the control surface driven by the HTTP API.
type Governor interface {
	Status() thermal.Status
	Subscribe() (<-chan thermal.Status, func())
	Config() thermal.Config
	Running() bool
	Start() error
	Stop()
	UpdateConfig(update thermal.ConfigUpdate) error
	CoreControl() thermal.CoreControlState
	SetCoreControlEnabled(enabled bool)
	SetOfflineMask(raw thermal.CPUMask) (thermal.CPUMask, error)
}

// Deps are the runtime collaborators exposed over HTTP.
type Deps struct {
	Governor Governor
	// Hotplug serves manual CPU online/offline requests. It should be
	// gated by core control so operators cannot undo a thermal offline.
	Hotplug thermal.CoreHotplug
	CPUs    []int
	Sensors []sensors.Info
}

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	governor   Governor
	hotplug    thermal.CoreHotplug
	cpus       []int
	sensors    []sensors.Info

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		governor: deps.Governor,
		hotplug:  deps.Hotplug,
		cpus:     slices.Clone(deps.CPUs),
		sensors:  deps.Sensors,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/governor", s.handleGovernor)
	mux.HandleFunc("/api/core-control", s.handleCoreControl)
	mux.HandleFunc("/api/core-control/offlined", s.handleOfflined)
	mux.HandleFunc("/api/cpus", s.handleCPUs)
	mux.HandleFunc("/api/cpus/", s.handleCPUSubresource)
	mux.HandleFunc("/api/sensors", s.handleSensors)
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	info := s.readiness()

	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) readiness() readyResponse {
	if s.governor == nil {
		return readyResponse{Status: "degraded", Reason: "governor_not_configured"}
	}

	status := s.governor.Status()
	resp := readyResponse{Running: status.Running}

	switch {
	case status.Error != "":
		resp.Status = "degraded"
		resp.Reason = "governor_halted"
	case !status.Running:
		resp.Status = "ok"
		resp.Reason = "governor_stopped"
	case !status.Sampled():
		resp.Status = "initializing"
		resp.Reason = "waiting_for_samples"
	default:
		resp.Status = "ok"
	}
	return resp
}

type readyResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	Reason  string `json:"reason,omitempty"`
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	if slices.Contains(methods, r.Method) {
		return true
	}
	for _, method := range methods {
		w.Header().Add("Allow", method)
	}
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
