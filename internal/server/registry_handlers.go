package server

import (
	"net/http"
	"time"

	"github.com/rbxsync/broker/internal/extract"
	"github.com/rbxsync/broker/internal/registry"
)

type registerRequest struct {
	PlaceID    int64  `json:"place_id"`
	PlaceName  string `json:"place_name"`
	ProjectDir string `json:"project_dir"`
	SessionID  string `json:"session_id"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res := s.broker.Registry.Register(req.PlaceID, req.PlaceName, req.ProjectDir, req.SessionID)
	writeJSON(w, http.StatusOK, res)
}

type unregisterRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req unregisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.broker.Registry.Unregister(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePlaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]registry.Place{"places": s.broker.Registry.List()})
}

type registerVSCodeRequest struct {
	WorkspaceDir string `json:"workspace_dir"`
}

func (s *Server) handleRegisterVSCode(w http.ResponseWriter, r *http.Request) {
	var req registerVSCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	success, mismatch := s.broker.Registry.RegisterVSCode(req.WorkspaceDir)
	writeJSON(w, http.StatusOK, map[string]any{"success": success, "path_mismatch": mismatch})
}

func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]registry.Workspace{"workspaces": s.broker.Registry.Workspaces()})
}

type linkStudioRequest struct {
	PlaceID       int64  `json:"place_id"`
	NewProjectDir string `json:"new_project_dir"`
}

func (s *Server) handleLinkStudio(w http.ResponseWriter, r *http.Request) {
	var req linkStudioRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.broker.Registry.LinkStudio(req.PlaceID, req.NewProjectDir); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type unlinkStudioRequest struct {
	PlaceID int64 `json:"place_id"`
}

func (s *Server) handleUnlinkStudio(w http.ResponseWriter, r *http.Request) {
	var req unlinkStudioRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.broker.Registry.UnlinkStudio(req.PlaceID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type updateProjectPathRequest struct {
	SessionID string `json:"session_id"`
	NewPath   string `json:"new_path"`
}

// handleUpdateProjectPath updates the Place's project dir in the
// registry directly (§9 open question (a)); nothing is dispatched to
// the editor over the bus.
func (s *Server) handleUpdateProjectPath(w http.ResponseWriter, r *http.Request) {
	var req updateProjectPathRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.broker.Registry.UpdateProjectPath(req.SessionID, req.NewPath); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"port":      s.broker.Config.Port,
		"startedAt": s.broker.StartedAt,
	})
}

func (s *Server) handleBrokerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"places":    len(s.broker.Registry.List()),
		"uptime":    time.Since(s.broker.StartedAt).String(),
		"startedAt": s.broker.StartedAt,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	if s.onShutdown != nil {
		go s.onShutdown()
	}
}

func (s *Server) handleUndoExtract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectDir string `json:"project_dir"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := extract.UndoExtract(req.ProjectDir); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
