package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleGetCamera returns the camera module status payload.
func (s *Server) handleGetCamera(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.device.Camera().Snapshot())
}

// handleTakePhoto confirms a pending snapshot or asks the paired camera
// to capture one.
func (s *Server) handleTakePhoto(w http.ResponseWriter, _ *http.Request) {
	if err := s.device.Camera().TakePhoto(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "requested"})
}

// handleFetchLatestPhoto asks the paired camera to resend its latest photo.
func (s *Server) handleFetchLatestPhoto(w http.ResponseWriter, _ *http.Request) {
	if err := s.device.Camera().FetchLatestPhoto(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "requested"})
}

// handleListSnapshots returns the gallery, newest first.
func (s *Server) handleListSnapshots(w http.ResponseWriter, _ *http.Request) {
	snaps := s.device.Camera().Snapshots()
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": snaps,
		"count":     len(snaps),
	})
}

// handleConfirmSnapshot accepts a pending snapshot into the gallery.
func (s *Server) handleConfirmSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.device.Camera().ConfirmSnapshot(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "confirmed": true})
}

// handleDeleteSnapshot removes a snapshot from the gallery.
func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.device.Camera().DeleteSnapshot(chi.URLParam(r, "id")) {
		writeNotFound(w, "snapshot not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListPairings returns pending pair requests and paired cameras.
func (s *Server) handleListPairings(w http.ResponseWriter, _ *http.Request) {
	recv := s.device.Receiver()
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": recv.Pending(),
		"paired":  recv.Paired(),
	})
}

// handleApprovePairing grants credentials to a waiting camera.
func (s *Server) handleApprovePairing(w http.ResponseWriter, r *http.Request) {
	ack, err := s.device.Receiver().Approve(chi.URLParam(r, "cameraId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// handleRejectPairing refuses a waiting camera.
func (s *Server) handleRejectPairing(w http.ResponseWriter, r *http.Request) {
	ack, err := s.device.Receiver().Reject(chi.URLParam(r, "cameraId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// handleUnpair forgets a camera known to the gateway.
func (s *Server) handleUnpair(w http.ResponseWriter, r *http.Request) {
	if err := s.device.Receiver().Unpair(chi.URLParam(r, "cameraId")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
