package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rbxsync/broker/internal/broker"
	"github.com/rbxsync/broker/internal/extract"
)

type extractStartRequest struct {
	ProjectDir     string   `json:"project_dir"`
	Services       []string `json:"services,omitempty"`
	IncludeTerrain bool     `json:"include_terrain"`
}

// handleExtractStart creates an extraction session and kicks off
// editor-side streaming over the dispatch bus (spec §4.3). total_chunks
// is not part of this request: it's nullable until the first chunk
// arrives (spec §3), so it's learned from handleExtractChunk instead.
func (s *Server) handleExtractStart(w http.ResponseWriter, r *http.Request) {
	var req extractStartRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session := s.broker.Extract.Start(req.ProjectDir, req.Services, req.IncludeTerrain)

	if place, err := s.broker.Resolve(req.ProjectDir); err == nil {
		payload, _ := json.Marshal(map[string]any{
			"sessionId":      session.ID,
			"services":       req.Services,
			"includeTerrain": req.IncludeTerrain,
		})
		ctx, cancel := context.WithTimeout(r.Context(), s.broker.Config.DispatchTimeoutDuration())
		go func() {
			defer cancel()
			s.broker.Dispatch.Dispatch(ctx, place.SessionID, "extract:start", payload)
		}()
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessionId": session.ID, "status": "started"})
}

type extractChunkRequest struct {
	SessionID   string `json:"session_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Data        string `json:"data"`
	ProjectDir  string `json:"project_dir,omitempty"`
}

func (s *Server) handleExtractChunk(w http.ResponseWriter, r *http.Request) {
	var req extractChunkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.broker.Extract.Chunk(req.SessionID, req.ChunkIndex, req.TotalChunks, []byte(req.Data)); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.broker.Extract.Status(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": status.ChunksReceived, "total": status.TotalChunks})
}

// extractStatusResponse is the wire shape of an extraction session's
// progress (spec §4.3): Status field name "status" with exactly
// {in_progress, complete, error}, not extract.Manager's own internal
// 4-value state machine. The extra finalizing state collapses into
// in_progress on the wire — a client only cares whether the session is
// still running, done, or failed.
type extractStatusResponse struct {
	SessionID              string `json:"sessionId"`
	Status                 string `json:"status"`
	ChunksReceived         int    `json:"chunksReceived"`
	TotalChunks            int    `json:"totalChunks"`
	TerrainBatchesReceived int    `json:"terrainBatchesReceived,omitempty"`
	TotalTerrainBatches    int    `json:"totalTerrainBatches,omitempty"`
	Error                  string `json:"error,omitempty"`
}

func wireExtractStatus(status extract.Status) extractStatusResponse {
	wireState := "in_progress"
	switch status.State {
	case string(extract.StateComplete):
		wireState = "complete"
	case string(extract.StateError):
		wireState = "error"
	}
	return extractStatusResponse{
		SessionID:              status.ID,
		Status:                 wireState,
		ChunksReceived:         status.ChunksReceived,
		TotalChunks:            status.TotalChunks,
		TerrainBatchesReceived: status.TerrainBatchesReceived,
		TotalTerrainBatches:    status.TotalTerrainBatches,
		Error:                  status.Error,
	}
}

func (s *Server) handleExtractStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	status, err := s.broker.Extract.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wireExtractStatus(status))
}

type extractTerrainRequest struct {
	SessionID    string `json:"session_id"`
	ProjectDir   string `json:"project_dir,omitempty"`
	Terrain      string `json:"terrain"`
	BatchIndex   int    `json:"batch_index"`
	TotalBatches int    `json:"total_batches"`
}

func (s *Server) handleExtractTerrain(w http.ResponseWriter, r *http.Request) {
	var req extractTerrainRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.broker.Extract.Terrain(req.SessionID, req.BatchIndex, req.TotalBatches, []byte(req.Terrain)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"chunksWritten": req.BatchIndex + 1,
		"path":          req.ProjectDir,
	})
}

type extractFinalizeRequest struct {
	SessionID  string `json:"session_id"`
	ProjectDir string `json:"project_dir"`
}

func (s *Server) handleExtractFinalize(w http.ResponseWriter, r *http.Request) {
	var req extractFinalizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg, err := s.broker.ProjectConfig(req.ProjectDir)
	if err != nil {
		writeError(w, broker.Wrap(broker.KindFilesystem, "load project configuration", err))
		return
	}

	n, err := s.broker.Extract.Finalize(req.SessionID, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "filesWritten": n, "path": req.ProjectDir})
}
