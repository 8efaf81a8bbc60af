package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/smartcoop/coop-simulator/internal/module/chickens"
	"github.com/smartcoop/coop-simulator/internal/session"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	MQTT          MQTTMetrics     `json:"mqtt"`
	Modules       ModuleMetrics   `json:"modules"`
	Flock         chickens.Counts `json:"flock"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains broker session statistics.
type MQTTMetrics struct {
	Connected bool          `json:"connected"`
	State     session.State `json:"state"`
}

// ModuleMetrics counts the module inventory.
type ModuleMetrics struct {
	Total       int            `json:"total"`
	Unsupported int            `json:"unsupported"`
	ByType      map[string]int `json:"by_type"`
}

// handleMetrics returns runtime, session and inventory metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	state := s.sessionState()
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		MQTT: MQTTMetrics{
			Connected: state == session.StateConnected,
			State:     state,
		},
		Modules: ModuleMetrics{ByType: make(map[string]int)},
		Flock:   s.device.Flock().Counts(),
	}
	if s.hub != nil {
		metrics.WebSocket.ConnectedClients = s.hub.ClientCount()
	}
	for _, m := range s.device.Inventory() {
		metrics.Modules.Total++
		metrics.Modules.ByType[m.Type]++
		if !m.Supported {
			metrics.Modules.Unsupported++
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
