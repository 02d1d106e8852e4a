package api

import (
	"net/http"
	"runtime"
	"time"
)

// StatusResponse is the process and conductor overview.
type StatusResponse struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	Conductor     ConductorStatus `json:"conductor"`
	Devices       DeviceCounts    `json:"devices"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// ConductorStatus describes the resolve loop.
type ConductorStatus struct {
	Phase       string `json:"phase"`
	Cycles      uint64 `json:"cycles"`
	NextResolve int64  `json:"next_resolve"`
}

// DeviceCounts summarises device connectivity.
type DeviceCounts struct {
	Total     int `json:"total"`
	Connected int `json:"connected"`
	Degraded  int `json:"degraded"`
	Queued    int `json:"queued"`
}

// handleStatus returns process, conductor and device statistics.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := StatusResponse{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Conductor: ConductorStatus{
			Phase:       s.conductor.Phase().String(),
			Cycles:      s.conductor.Cycles(),
			NextResolve: s.conductor.NextResolve(),
		},
	}

	for _, d := range s.conductor.Devices() {
		resp.Devices.Total++
		if d.Connected {
			resp.Devices.Connected++
		}
		if d.Status.Degraded() {
			resp.Devices.Degraded++
		}
		resp.Devices.Queued += d.Queued
	}

	writeJSON(w, http.StatusOK, resp)
}
