package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smartcoop/coop-simulator/internal/module/feeder"
	"github.com/smartcoop/coop-simulator/internal/protocol"
)

// doorActions are the door commands exposed as POST /door/{action}.
var doorActions = map[string]struct{}{
	"open":   {},
	"close":  {},
	"stop":   {},
	"toggle": {},
}

// decodeOptional decodes a JSON body into v. An empty body leaves v untouched.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// handleGetDoor returns the door status payload.
func (s *Server) handleGetDoor(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.device.Door().Snapshot())
}

// handleDoorAction drives the door through its command handler, so the
// usual acks and status messages are published.
func (s *Server) handleDoorAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if _, ok := doorActions[action]; !ok {
		writeNotFound(w, "unknown door action: "+action)
		return
	}
	s.device.Door().HandleCommand(protocol.NewCommand(action, map[string]any{"source": "operator"}))
	writeJSON(w, http.StatusAccepted, s.device.Door().Snapshot())
}

// handleGetFeeder returns the feeder status payload.
func (s *Server) handleGetFeeder(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.device.Feeder().Snapshot())
}

type dispenseRequest struct {
	Amount int `json:"amount"`
}

// handleDispense starts a dispense cycle. The amount defaults to the
// feeder's standard portion.
func (s *Server) handleDispense(w http.ResponseWriter, r *http.Request) {
	req := dispenseRequest{Amount: feeder.DefaultAmount}
	if err := decodeOptional(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.device.Feeder().Dispense(req.Amount, "operator"); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"amount":     req.Amount,
		"dispensing": true,
	})
}

// handleRefill fills the hopper.
func (s *Server) handleRefill(w http.ResponseWriter, _ *http.Request) {
	f := s.device.Feeder()
	f.Refill()
	writeJSON(w, http.StatusOK, map[string]any{
		"food_level":     f.FoodLevel(),
		"hopper_content": f.HopperContent(),
	})
}

type foodLevelRequest struct {
	Level *int `json:"level"`
}

// handleSetFoodLevel sets the hopper level, clamped to 0..100.
func (s *Server) handleSetFoodLevel(w http.ResponseWriter, r *http.Request) {
	var req foodLevelRequest
	if err := decodeOptional(r, &req); err != nil || req.Level == nil {
		writeBadRequest(w, "body must carry a numeric level")
		return
	}
	f := s.device.Feeder()
	f.SetFoodLevel(*req.Level)
	writeJSON(w, http.StatusOK, map[string]any{
		"food_level":     f.FoodLevel(),
		"hopper_content": f.HopperContent(),
	})
}

// handleSimulateJam reports an auger jam on the feeder status topic.
func (s *Server) handleSimulateJam(w http.ResponseWriter, _ *http.Request) {
	s.device.Feeder().SimulateJam()
	writeJSON(w, http.StatusAccepted, map[string]any{"event": "jam_detected"})
}
