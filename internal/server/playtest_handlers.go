package server

import (
	"encoding/json"
	"net/http"

	"github.com/rbxsync/broker/internal/broker"
)

type testStartRequest struct {
	ProjectDir string          `json:"project_dir"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleTestStart(w http.ResponseWriter, r *http.Request) {
	var req testStartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	place, err := s.broker.Resolve(req.ProjectDir)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.broker.Playtest.Start(r.Context(), place.SessionID, req.Payload); err != nil {
		if be, ok := broker.AsError(err); ok && be.Kind == broker.KindEditor {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": be.Message})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleTestStatus(w http.ResponseWriter, r *http.Request) {
	place, err := s.broker.Resolve(r.URL.Query().Get("project_dir"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.broker.Playtest.Status(place.SessionID))
}

type testStopRequest struct {
	ProjectDir string `json:"project_dir"`
}

func (s *Server) handleTestStop(w http.ResponseWriter, r *http.Request) {
	var req testStopRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	place, err := s.broker.Resolve(req.ProjectDir)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := s.broker.Playtest.Stop(r.Context(), place.SessionID)
	if err != nil {
		if be, ok := broker.AsError(err); ok && be.Kind == broker.KindEditor {
			writeJSON(w, http.StatusOK, status)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
