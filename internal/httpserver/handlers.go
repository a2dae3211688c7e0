package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/skobkin/cputhermal/internal/api"
	"github.com/skobkin/cputhermal/internal/sensors"
	"github.com/skobkin/cputhermal/internal/thermal"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) || !s.requireGovernor(w) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.governor.Status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPut) || !s.requireGovernor(w) {
		return
	}

	if r.Method == http.MethodPut {
		var update api.ConfigUpdate
		if err := decodeJSON(w, r, &update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if update.ThrottleTemp == nil && update.MinFreqIndex == nil {
			http.Error(w, "empty config update", http.StatusBadRequest)
			return
		}
		err := s.governor.UpdateConfig(thermal.ConfigUpdate{
			ThrottleTemp: update.ThrottleTemp,
			MinFreqIndex: update.MinFreqIndex,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	s.writeJSON(w, r, http.StatusOK, api.NewConfigView(s.governor.Config()))
}

func (s *Server) handleGovernor(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPut) || !s.requireGovernor(w) {
		return
	}

	if r.Method == http.MethodPut {
		var req api.EnabledView
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger := s.loggerFromContext(r.Context())
		if req.Enabled {
			if err := s.governor.Start(); err != nil {
				s.writeError(w, r, err)
				return
			}
			logger.Info("governor enabled")
		} else {
			s.governor.Stop()
			logger.Info("governor disabled")
		}
	}

	s.writeJSON(w, r, http.StatusOK, api.EnabledView{Enabled: s.governor.Running()})
}

func (s *Server) handleCoreControl(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPut) || !s.requireGovernor(w) {
		return
	}

	if r.Method == http.MethodPut {
		var req api.EnabledView
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.governor.SetCoreControlEnabled(req.Enabled)
	}

	s.writeJSON(w, r, http.StatusOK, s.governor.CoreControl())
}

func (s *Server) handleOfflined(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPut) || !s.requireGovernor(w) {
		return
	}

	if r.Method == http.MethodPut {
		var req api.OfflinedView
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		applied, err := s.governor.SetOfflineMask(req.Offlined)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, api.OfflinedView{Offlined: applied})
		return
	}

	s.writeJSON(w, r, http.StatusOK, api.OfflinedView{Offlined: s.governor.CoreControl().Offlined})
}

func (s *Server) handleCPUs(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) || !s.requireHotplug(w) {
		return
	}

	views := make([]api.CPUView, 0, len(s.cpus))
	for _, cpu := range s.cpus {
		views = append(views, api.CPUView{CPU: cpu, Online: s.hotplug.IsOnline(cpu)})
	}
	s.writeJSON(w, r, http.StatusOK, views)
}

func (s *Server) handleCPUSubresource(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/cpus/"
	rest, ok := strings.CutPrefix(r.URL.Path, prefix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	segments := strings.Split(rest, "/")
	if len(segments) != 2 {
		http.NotFound(w, r)
		return
	}

	cpu, err := strconv.Atoi(segments[0])
	if err != nil || !slices.Contains(s.cpus, cpu) {
		http.NotFound(w, r)
		return
	}

	var online bool
	switch segments[1] {
	case "online":
		online = true
	case "offline":
		online = false
	default:
		http.NotFound(w, r)
		return
	}

	if !allowMethods(w, r, http.MethodPost) || !s.requireHotplug(w) {
		return
	}

	if err := s.hotplug.SetOnline(cpu, online); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.loggerFromContext(r.Context()).Info("cpu state changed", "cpu", cpu, "online", online)
	s.writeJSON(w, r, http.StatusOK, api.CPUView{CPU: cpu, Online: s.hotplug.IsOnline(cpu)})
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	infos := s.sensors
	if infos == nil {
		infos = []sensors.Info{}
	}
	s.writeJSON(w, r, http.StatusOK, infos)
}

func (s *Server) requireGovernor(w http.ResponseWriter) bool {
	if s.governor == nil {
		http.Error(w, "governor unavailable", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) requireHotplug(w http.ResponseWriter) bool {
	if s.hotplug == nil {
		http.Error(w, "cpu hotplug unavailable", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// writeError maps governor errors onto HTTP status codes: malformed
// values are 400, writes refused because of the current state are 409.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusForError(err)
	logger := s.loggerFromContext(r.Context())
	if code == http.StatusInternalServerError {
		logger.Error("request failed", "err", err)
	} else {
		logger.Debug("request rejected", "status", code, "err", err)
	}
	http.Error(w, err.Error(), code)
}

func statusForError(err error) int {
	var cfgErr *thermal.ConfigError
	switch {
	case errors.Is(err, thermal.ErrRunning), errors.Is(err, thermal.ErrOnlineRejected):
		return http.StatusConflict
	case errors.Is(err, thermal.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.As(err, &cfgErr):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
