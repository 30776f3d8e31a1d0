package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chaz8081/pulselink/internal/ble"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/state", s.handleState)
		r.Get("/devices", s.handleDevices)

		r.Post("/scan", s.handleStartScan)
		r.Delete("/scan", s.handleStopScan)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/rssi", s.handleRSSI)

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.ctrl.Snapshot().Discovered
	if devices == nil {
		devices = []ble.AdvertisementEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleStartScan(w http.ResponseWriter, _ *http.Request) {
	s.command(w, s.ctrl.StartScanning)
}

func (s *Server) handleStopScan(w http.ResponseWriter, _ *http.Request) {
	s.command(w, s.ctrl.StopScanning)
}

// connectRequest is the body of POST /connect.
type connectRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "id is required")
		return
	}
	s.command(w, func() error { return s.ctrl.ConnectID(req.ID) })
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.command(w, s.ctrl.Disconnect)
}

func (s *Server) handleRSSI(w http.ResponseWriter, _ *http.Request) {
	s.command(w, s.ctrl.RequestSignalStrength)
}

// command runs fn and replies with the resulting state, or the mapped error.
func (s *Server) command(w http.ResponseWriter, fn func() error) {
	if err := fn(); err != nil {
		status, code := statusFor(err)
		if status == http.StatusInternalServerError {
			s.log.Error("[API] command failed", "error", err)
		}
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// statusFor maps manager errors to HTTP responses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ble.ErrInvalidIdentifier):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, ble.ErrDeviceNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, ble.ErrNotConnected), errors.Is(err, ble.ErrAlreadyConnected):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, ble.ErrTransportUnavailable), errors.Is(err, ble.ErrClosed):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	case errors.Is(err, errors.ErrUnsupported):
		return http.StatusNotImplemented, ErrCodeUnsupported
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}
