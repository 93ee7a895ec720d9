package api

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// healthCheckTimeout bounds each dependency check on /system.
const healthCheckTimeout = 2 * time.Second

// SystemMetrics is the response of GET /system.
type SystemMetrics struct {
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Runtime       RuntimeMetrics             `json:"runtime"`
	Fleet         FleetMetrics               `json:"fleet"`
	WebSocket     WebSocketMetrics           `json:"websocket"`
	Components    map[string]ComponentHealth `json:"components"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines  int    `json:"goroutines"`
	HeapAllocMB uint64 `json:"heap_alloc_mb"`
	SysMB       uint64 `json:"sys_mb"`
	NumGC       uint32 `json:"num_gc"`
}

// FleetMetrics summarises the managed devices.
type FleetMetrics struct {
	State     string         `json:"state"`
	Devices   int            `json:"devices"`
	ByProfile map[string]int `json:"by_profile"`
	Degraded  []string       `json:"degraded,omitempty"`
}

// WebSocketMetrics contains hub statistics.
type WebSocketMetrics struct {
	Clients int `json:"clients"`
}

// ComponentHealth is the result of one dependency health check.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// handleSystem returns runtime, fleet and dependency status.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m := SystemMetrics{
		Timestamp:     time.Now().UTC(),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:  runtime.NumGoroutine(),
			HeapAllocMB: mem.HeapAlloc / (1 << 20),
			SysMB:       mem.Sys / (1 << 20),
			NumGC:       mem.NumGC,
		},
		Fleet:      s.fleetMetrics(),
		WebSocket:  WebSocketMetrics{Clients: s.hub.ClientCount()},
		Components: s.componentHealth(r.Context()),
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) fleetMetrics() FleetMetrics {
	fm := FleetMetrics{
		State:     s.fleet.State().String(),
		ByProfile: make(map[string]int),
	}
	for _, a := range s.fleet.Agents() {
		fm.Devices++
		fm.ByProfile[string(a.Profile().Kind)]++
		if a.Status().LastError != "" {
			fm.Degraded = append(fm.Degraded, a.ID())
		}
	}
	sort.Strings(fm.Degraded)
	return fm
}

func (s *Server) componentHealth(ctx context.Context) map[string]ComponentHealth {
	out := make(map[string]ComponentHealth, len(s.checks))
	for name, hc := range s.checks {
		if hc == nil {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := hc.HealthCheck(checkCtx)
		cancel()

		h := ComponentHealth{Healthy: err == nil}
		if err != nil {
			h.Error = err.Error()
		}
		out[name] = h
	}
	return out
}
