package api

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the live view of the engine for operators.
type StatusResponse struct {
	ActiveSessions   int    `json:"active_sessions"`
	OutboundInFlight int    `json:"outbound_in_flight"`
	InboundInFlight  int    `json:"inbound_in_flight"`
	ContactQueue     int    `json:"contact_queue"`
	Paused           bool   `json:"paused"`
	PauseReason      string `json:"pause_reason,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reason, paused := s.dialer.Paused()
	outbound, inbound := s.dialer.InFlight()
	writeJSON(w, http.StatusOK, StatusResponse{
		ActiveSessions:   s.sessions.Count(),
		OutboundInFlight: outbound,
		InboundInFlight:  inbound,
		ContactQueue:     s.dialer.QueueLen(),
		Paused:           paused,
		PauseReason:      reason,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// The body is optional; a bare POST pauses with reason "manual".
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "manual"
	}
	s.dialer.Pause(req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "reason": req.Reason})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.dialer.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleAddContacts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Numbers []string `json:"numbers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Numbers) == 0 {
		writeError(w, http.StatusBadRequest, "numbers is required")
		return
	}
	added := s.dialer.AddContacts(req.Numbers)
	writeJSON(w, http.StatusOK, map[string]int{"queued": added})
}
