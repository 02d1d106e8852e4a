package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/conductor"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timedqueue"
)

// handleListDevices returns every registered device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.conductor.Devices()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.conductor.Device(id)
	if err != nil {
		s.writeConductorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleDeviceQueue lists the commands waiting in a device's queue.
func (s *Server) handleDeviceQueue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := s.conductor.QueuedCommands(id)
	if err != nil {
		s.writeConductorError(w, err)
		return
	}
	if entries == nil {
		entries = []timedqueue.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"commands":  entries,
		"count":     len(entries),
	})
}

// handleResyncDevice makes the next cycle push the device's full state.
func (s *Server) handleResyncDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.conductor.ResyncStates(id); err != nil {
		s.writeConductorError(w, err)
		return
	}
	s.logger.Info("device resync requested via API", "device_id", id)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"device_id": id,
		"status":    "resync_scheduled",
	})
}

// writeConductorError maps conductor errors to HTTP responses.
func (s *Server) writeConductorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conductor.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, conductor.ErrTerminated):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "conductor terminated")
	default:
		s.logger.Error("conductor request failed", "error", err)
		writeInternalError(w, "internal error")
	}
}
