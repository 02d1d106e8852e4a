package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timeline"
)

// handleGetTimeline returns the current timeline objects.
func (s *Server) handleGetTimeline(w http.ResponseWriter, _ *http.Request) {
	objects := s.conductor.Timeline()
	writeJSON(w, http.StatusOK, map[string]any{
		"objects": objects,
		"count":   len(objects),
	})
}

// handlePutTimeline replaces the timeline. The body is a JSON array of
// objects, or an object with an "objects" array.
func (s *Server) handlePutTimeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body failed")
		return
	}

	objects, err := decodeTimeline(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	if err := s.conductor.SetTimeline(objects); err != nil {
		if errors.Is(err, timeline.ErrInvalidTimeline) {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		s.logger.Error("setting timeline failed", "error", err)
		writeInternalError(w, "setting timeline failed")
		return
	}

	s.logger.Info("timeline replaced via API", "objects", len(objects))
	writeJSON(w, http.StatusOK, map[string]any{"count": len(objects)})
}

func decodeTimeline(body []byte) ([]timeline.Object, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("request body is empty")
	}
	var wrapped struct {
		Objects json.RawMessage `json:"objects"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Objects) > 0 {
		body = wrapped.Objects
	}
	objects, err := timeline.Parse(body)
	if err != nil {
		return nil, err
	}
	if objects == nil {
		objects = []timeline.Object{}
	}
	return objects, nil
}

// handleGetMappings returns the layer mappings.
func (s *Server) handleGetMappings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mappings": s.conductor.Mappings(),
	})
}

// handlePutMappings replaces the layer mappings. Every mapping must name a
// device; the device does not have to be registered yet.
func (s *Server) handlePutMappings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mappings timeline.Mappings `json:"mappings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Mappings == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "mappings is required")
		return
	}
	if err := validateMappings(req.Mappings); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	s.conductor.SetMappings(req.Mappings)
	s.logger.Info("mappings replaced via API", "layers", len(req.Mappings))
	writeJSON(w, http.StatusOK, map[string]any{"count": len(req.Mappings)})
}

func validateMappings(m timeline.Mappings) error {
	layers := make([]string, 0, len(m))
	for layer := range m {
		layers = append(layers, layer)
	}
	sort.Strings(layers)

	for _, layer := range layers {
		if layer == "" {
			return fmt.Errorf("mapping layer name is empty")
		}
		if m[layer].DeviceID == "" {
			return fmt.Errorf("mapping %q: deviceId is required", layer)
		}
	}
	return nil
}

// handleResetResolver discards cached device states.
func (s *Server) handleResetResolver(w http.ResponseWriter, _ *http.Request) {
	s.conductor.ResetResolver()
	s.logger.Info("resolver reset via API")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "reset_scheduled"})
}
