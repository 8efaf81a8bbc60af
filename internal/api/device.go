package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smartcoop/coop-simulator/internal/protocol"
	"github.com/smartcoop/coop-simulator/internal/session"
)

// deviceResponse is the body of GET /device.
type deviceResponse struct {
	DeviceID     string                `json:"device_id"`
	CoopID       string                `json:"coop_id,omitempty"`
	Connection   session.State         `json:"connection"`
	ClientID     string                `json:"client_id,omitempty"`
	ConfigHash   string                `json:"config_hash"`
	LastModified *int64                `json:"last_modified"`
	LastSync     *int64                `json:"last_sync"`
	Modules      []session.ModuleEntry `json:"modules"`
	Flock        any                   `json:"flock"`
}

// handleGetDevice returns the device identity, connection and inventory.
func (s *Server) handleGetDevice(w http.ResponseWriter, _ *http.Request) {
	resp := deviceResponse{
		DeviceID:   s.device.ID(),
		CoopID:     s.device.CoopID(),
		Connection: s.sessionState(),
		ConfigHash: s.device.ConfigFingerprint(),
		Modules:    s.device.Inventory(),
		Flock:      s.device.Flock().Counts(),
	}
	if s.session != nil {
		resp.ClientID = s.session.ClientID()
	}
	if t := s.device.LastModified(); !t.IsZero() {
		ms := t.UnixMilli()
		resp.LastModified = &ms
	}
	if t := s.device.LastSync(); !t.IsZero() {
		ms := t.UnixMilli()
		resp.LastSync = &ms
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListModules returns the module inventory.
func (s *Server) handleListModules(w http.ResponseWriter, _ *http.Request) {
	modules := s.device.Inventory()
	writeJSON(w, http.StatusOK, map[string]any{
		"modules": modules,
		"count":   len(modules),
	})
}

// handleModuleCommand injects a command for one module. The body is the
// same JSON a remote app would publish on the module command topic; the
// acknowledgment goes out over MQTT as usual.
func (s *Server) handleModuleCommand(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}
	cmd := protocol.DecodeCommand(body)
	if cmd.Action == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "command is required")
		return
	}

	s.logger.Info("operator command", "module_id", moduleID, "action", cmd.Action,
		"subject", r.Context().Value(ctxKeySubject))

	if err := s.device.Command(moduleID, cmd); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"module_id":  moduleID,
		"action":     cmd.Action,
		"request_id": cmd.Correlation(),
	})
}

// handlePublishStatus runs the staggered status burst on demand.
func (s *Server) handlePublishStatus(w http.ResponseWriter, _ *http.Request) {
	if s.session == nil || s.session.State() != session.StateConnected {
		writeDomainError(w, session.ErrNotConnected)
		return
	}
	s.session.PublishAllStatus()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "publishing"})
}
