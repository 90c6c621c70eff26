package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rbxsync/broker/internal/broker"
)

// writeDispatchResult renders the outcome of a bus dispatch: a
// KindEditor failure is passed through verbatim as {success:false,
// error} with HTTP 200 (spec §7, "passed through to the client
// verbatim"); any other error uses the standard error rendering.
func writeDispatchResult(w http.ResponseWriter, data json.RawMessage, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": json.RawMessage(data)})
		return
	}
	if be, ok := broker.AsError(err); ok && be.Kind == broker.KindEditor {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": be.Message})
		return
	}
	writeError(w, err)
}

// handleRequest is the editor's long-poll for queued work
// (GET /rbxsync/request?projectDir=...).
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	place, err := s.broker.Resolve(r.URL.Query().Get("projectDir"))
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.broker.Config.LongPollTimeoutDuration())
	defer cancel()

	req, ok, err := s.broker.Dispatch.Poll(ctx, place.SessionID, s.broker.Config.LongPollTimeoutDuration())
	if err != nil {
		writeError(w, broker.Wrap(broker.KindTransport, "poll interrupted", err))
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "command": req.Command, "payload": req.Payload})
}

type dispatchResponseRequest struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// handleResponse is the editor posting the result of a command it
// polled via /rbxsync/request.
func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	var req dispatchResponseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ok := s.broker.Dispatch.Respond(req.ID, req.Success, req.Data, req.Error)
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

type syncCommandRequest struct {
	Command    string          `json:"command"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ProjectDir string          `json:"project_dir,omitempty"`
}

// handleSyncCommand is the generic dispatch entry point (spec §4.2).
func (s *Server) handleSyncCommand(w http.ResponseWriter, r *http.Request) {
	var req syncCommandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	place, err := s.broker.Resolve(req.ProjectDir)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.broker.Config.DispatchTimeoutDuration())
	defer cancel()
	data, err := s.broker.Dispatch.Dispatch(ctx, place.SessionID, req.Command, req.Payload)
	writeDispatchResult(w, data, err)
}

type runRequest struct {
	Code       string `json:"code"`
	ProjectDir string `json:"project_dir,omitempty"`
}

// handleRun wraps run:code, the most common dispatched command.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	place, err := s.broker.Resolve(req.ProjectDir)
	if err != nil {
		writeError(w, err)
		return
	}
	payload, _ := json.Marshal(map[string]string{"code": req.Code})

	ctx, cancel := context.WithTimeout(r.Context(), s.broker.Config.DispatchTimeoutDuration())
	defer cancel()
	data, err := s.broker.Dispatch.Dispatch(ctx, place.SessionID, "run:code", payload)
	writeDispatchResult(w, data, err)
}

type studioPathsResponse struct {
	Paths map[string]string `json:"paths"`
}

// handleStudioPaths dispatches studio:paths and returns the editor's
// reported fingerprints, used as the "studio" side of a diff.
func (s *Server) handleStudioPaths(w http.ResponseWriter, r *http.Request) {
	place, err := s.broker.Resolve(r.URL.Query().Get("project_dir"))
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.broker.Config.DispatchTimeoutDuration())
	defer cancel()
	data, err := s.broker.Dispatch.Dispatch(ctx, place.SessionID, "studio:paths", nil)
	if err != nil {
		writeDispatchResult(w, nil, err)
		return
	}

	var resp studioPathsResponse
	if len(data) > 0 {
		if jsonErr := json.Unmarshal(data, &resp); jsonErr != nil {
			writeError(w, broker.Wrap(broker.KindTransport, "editor returned malformed studio paths", jsonErr))
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
