package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/phyn-bridge/internal/device"
)

// deviceView is the JSON representation of one device.
type deviceView struct {
	ID           string                  `json:"id"`
	HomeID       string                  `json:"home_id,omitempty"`
	Profile      device.Kind             `json:"profile"`
	Model        string                  `json:"model"`
	Valve        *device.ValveState      `json:"valve,omitempty"`
	Capabilities capabilitiesView        `json:"capabilities"`
	Attributes   map[string]device.Value `json:"attributes,omitempty"`
	Status       device.AgentStatus      `json:"status"`
}

type capabilitiesView struct {
	Push        bool `json:"push"`
	Valve       bool `json:"valve"`
	Preferences bool `json:"preferences"`
}

func newDeviceView(a *device.Agent, withAttributes bool) deviceView {
	p := a.Profile()
	v := deviceView{
		ID:      a.ID(),
		HomeID:  a.HomeID(),
		Profile: p.Kind,
		Model:   p.Model,
		Capabilities: capabilitiesView{
			Push:        p.Capabilities.Push,
			Valve:       p.Capabilities.Valve,
			Preferences: p.Capabilities.Preferences,
		},
		Status: a.Status(),
	}
	if c, ok := a.Commandable(); ok {
		st := c.ValveState()
		v.Valve = &st
	}
	if withAttributes {
		v.Attributes = a.ResolveAll()
	}
	return v
}

// handleListDevices returns every managed device, optionally filtered by
// home_id and profile.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	homeID := q.Get("home_id")
	profile := q.Get("profile")

	agents := s.fleet.Agents()
	views := make([]deviceView, 0, len(agents))
	for _, a := range agents {
		if homeID != "" && a.HomeID() != homeID {
			continue
		}
		if profile != "" && string(a.Profile().Kind) != profile {
			continue
		}
		views = append(views, newDeviceView(a, false))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": views,
		"count":   len(views),
	})
}

// handleGetDevice returns a device with every resolved attribute.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agentFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newDeviceView(a, true))
}

// handleGetAttribute resolves a single attribute.
func (s *Server) handleGetAttribute(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agentFromRequest(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "attribute")
	if !hasAttribute(a, name) {
		writeNotFound(w, fmt.Sprintf("attribute %q not defined for %s", name, a.Profile().Kind))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": a.ID(),
		"attribute": name,
		"value":     a.Resolve(name),
	})
}

func hasAttribute(a *device.Agent, name string) bool {
	for _, attr := range a.Attributes() {
		if attr == name {
			return true
		}
	}
	return false
}

// handleValve returns a handler sending an open or close command. The
// response is 202: the valve state follows once the device reports it.
func (s *Server) handleValve(open bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := s.agentFromRequest(w, r)
		if !ok {
			return
		}

		var err error
		if open {
			err = a.OpenValve(r.Context())
		} else {
			err = a.CloseValve(r.Context())
		}
		if attempted(err) {
			s.recorder.ValveCommand(r.Context(), a.ID(), open, auditSource(r.Context()), err)
		}
		if err != nil {
			s.logger.Warn("valve command failed",
				"device_id", a.ID(),
				"open", open,
				"request_id", requestID(r.Context()),
				"error", err,
			)
			writeDeviceError(w, err)
			return
		}

		action := "close"
		if open {
			action = "open"
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"device_id": a.ID(),
			"action":    action,
			"status":    "sent",
		})
	}
}

// preferenceRequest is the body of PUT /devices/{id}/preferences/{name}.
// Value is a JSON bool or the strings "true"/"false".
type preferenceRequest struct {
	Value json.RawMessage `json:"value"`
}

func (p preferenceRequest) parse() (bool, error) {
	var b bool
	if err := json.Unmarshal(p.Value, &b); err == nil {
		return b, nil
	}
	var str string
	if err := json.Unmarshal(p.Value, &str); err == nil {
		return device.ParsePreferenceValue(str)
	}
	return false, fmt.Errorf("%w: value must be a boolean", device.ErrValidation)
}

// handleSetPreference writes a preference. The cached value changes only
// after the device confirmed the write.
func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agentFromRequest(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	var req preferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Value) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "value is required")
		return
	}
	value, err := req.parse()
	if err != nil {
		writeDeviceError(w, err)
		return
	}

	err = a.SetPreference(r.Context(), name, value)
	if attempted(err) {
		s.recorder.PreferenceSet(r.Context(), a.ID(), name, value, auditSource(r.Context()), err)
	}
	if err != nil {
		writeDeviceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": a.ID(),
		"name":      name,
		"value":     value,
	})
}

// attempted reports whether a command reached the device, so it belongs in
// the audit log. Rejected requests are not recorded.
func attempted(err error) bool {
	return !errors.Is(err, device.ErrValidation) &&
		!errors.Is(err, device.ErrUnsupportedOperation) &&
		!errors.Is(err, device.ErrClosed)
}

// agentFromRequest looks up the {id} URL parameter, writing 404 when the
// device is not managed.
func (s *Server) agentFromRequest(w http.ResponseWriter, r *http.Request) (*device.Agent, bool) {
	a, err := s.fleet.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		writeDeviceError(w, err)
		return nil, false
	}
	return a, true
}
