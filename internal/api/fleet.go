package api

import (
	"errors"
	"net/http"

	"github.com/nerrad567/phyn-bridge/internal/fleet"
)

// handleFleet returns the coordinator state and the last sweep report.
func (s *Server) handleFleet(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"state":   s.fleet.State().String(),
		"devices": len(s.fleet.Agents()),
	}
	if report := s.fleet.LastReport(); report != nil {
		resp["last_sweep"] = sweepView(report)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFleetRefresh runs a sweep on demand. Device failures are part of
// the report and do not fail the request.
func (s *Server) handleFleetRefresh(w http.ResponseWriter, r *http.Request) {
	report, err := s.fleet.Tick(r.Context())
	var sweepErr *fleet.SweepError
	if err != nil && !errors.As(err, &sweepErr) {
		writeDeviceError(w, err)
		return
	}
	s.AnnounceSweep(report, err)
	writeJSON(w, http.StatusOK, sweepView(report))
}

func sweepView(r *fleet.SweepReport) map[string]any {
	return map[string]any{
		"started_at":  r.StartedAt,
		"duration_ms": r.Duration.Milliseconds(),
		"devices":     len(r.Results),
		"succeeded":   r.Succeeded(),
		"failures":    r.Failures(),
	}
}
