package api

import (
	"net/http"
	"strconv"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/commandlog"
)

// handleListCommands pages through the command log, newest first.
//
// Query parameters: device_id, failed (true/false), limit, offset.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.commandLog == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command log is not configured")
		return
	}

	q := r.URL.Query()
	filter := commandlog.Filter{DeviceID: q.Get("device_id")}

	if v := q.Get("failed"); v != "" {
		failed, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "failed must be true or false")
			return
		}
		filter.FailedOnly = failed
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.commandLog.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing command log failed", "error", err)
		writeInternalError(w, "listing command log failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
