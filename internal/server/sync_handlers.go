package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rbxsync/broker/internal/broker"
	"github.com/rbxsync/broker/internal/rbxjson"
	"github.com/rbxsync/broker/internal/synctree"
)

// handleReadTree walks the project directory and returns one record
// per instance (spec §4.4).
func (s *Server) handleReadTree(w http.ResponseWriter, r *http.Request) {
	projectDir := r.URL.Query().Get("project_dir")
	cfg, err := s.broker.ProjectConfig(projectDir)
	if err != nil {
		writeError(w, broker.Wrap(broker.KindFilesystem, "load project configuration", err))
		return
	}
	records, err := synctree.ReadTree(projectDir, cfg)
	if err != nil {
		writeError(w, broker.Wrap(broker.KindFilesystem, "read project tree", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": records, "total_count": len(records)})
}

// handleReadTerrain dispatches sync:read_terrain to the editor and
// passes the response straight through.
func (s *Server) handleReadTerrain(w http.ResponseWriter, r *http.Request) {
	projectDir := r.URL.Query().Get("project_dir")
	place, err := s.broker.Resolve(projectDir)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.broker.Config.DispatchTimeoutDuration())
	defer cancel()
	data, err := s.broker.Dispatch.Dispatch(ctx, place.SessionID, "sync:read_terrain", nil)
	writeDispatchResult(w, data, err)
}

type fromStudioRequest struct {
	ProjectDir string `json:"project_dir"`
}

// handleFromStudio pulls the editor's full in-memory tree over the bus
// (studio:read_tree) and materializes it to disk via the same
// serializer finalize uses, the opposite direction from a normal
// diff-driven push.
func (s *Server) handleFromStudio(w http.ResponseWriter, r *http.Request) {
	var req fromStudioRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	place, err := s.broker.Resolve(req.ProjectDir)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.broker.Config.BatchDispatchTimeoutDuration())
	defer cancel()
	data, err := s.broker.Dispatch.Dispatch(ctx, place.SessionID, "studio:read_tree", nil)
	if err != nil {
		writeDispatchResult(w, nil, err)
		return
	}

	var tree rbxjson.Tree
	if err := json.Unmarshal(data, &tree); err != nil {
		writeError(w, broker.Wrap(broker.KindTransport, "editor returned malformed instance tree", err))
		return
	}

	cfg, err := s.broker.ProjectConfig(req.ProjectDir)
	if err != nil {
		writeError(w, broker.Wrap(broker.KindFilesystem, "load project configuration", err))
		return
	}
	n, err := rbxjson.WriteProject(req.ProjectDir, &tree, nil, cfg)
	if err != nil {
		writeError(w, broker.Wrap(broker.KindFilesystem, "write project from studio", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "filesWritten": n})
}

type incrementalRequest struct {
	ProjectDir string `json:"project_dir"`
}

// handleIncremental emits only the file paths whose content fingerprint
// differs from the project's persisted cache, updating the cache on
// success (spec §4.4).
func (s *Server) handleIncremental(w http.ResponseWriter, r *http.Request) {
	var req incrementalRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg, err := s.broker.ProjectConfig(req.ProjectDir)
	if err != nil {
		writeError(w, broker.Wrap(broker.KindFilesystem, "load project configuration", err))
		return
	}
	records, err := synctree.ReadTree(req.ProjectDir, cfg)
	if err != nil {
		writeError(w, broker.Wrap(broker.KindFilesystem, "read project tree", err))
		return
	}

	cache, err := synctree.LoadCache(req.ProjectDir)
	if err != nil {
		writeError(w, broker.Wrap(broker.KindFilesystem, "load fingerprint cache", err))
		return
	}

	changed, updated := synctree.Incremental(records, cache)
	if err := updated.Save(req.ProjectDir); err != nil {
		writeError(w, broker.Wrap(broker.KindFilesystem, "persist fingerprint cache", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "total": len(records)})
}

type diffRequest struct {
	ProjectDir string `json:"project_dir"`
}

// handleDiff reads the file tree, asks the editor for its own
// fingerprints via studio:paths, and classifies every path per §4.4.
func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	var req diffRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg, err := s.broker.ProjectConfig(req.ProjectDir)
	if err != nil {
		writeError(w, broker.Wrap(broker.KindFilesystem, "load project configuration", err))
		return
	}
	records, err := synctree.ReadTree(req.ProjectDir, cfg)
	if err != nil {
		writeError(w, broker.Wrap(broker.KindFilesystem, "read project tree", err))
		return
	}

	fileFingerprints := make(map[string]string, len(records))
	byPath := make(map[string]synctree.Record, len(records))
	for _, rec := range records {
		fileFingerprints[rec.Path] = synctree.Fingerprint(rec)
		byPath[rec.Path] = rec
	}

	place, err := s.broker.Resolve(req.ProjectDir)
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
	var studio studioPathsResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &studio); err != nil {
			writeError(w, broker.Wrap(broker.KindTransport, "editor returned malformed studio paths", err))
			return
		}
	}

	diff := synctree.ComputeDiff(fileFingerprints, studio.Paths)
	writeJSON(w, http.StatusOK, diff)
}

type batchOperation struct {
	Type string          `json:"type"`
	Path string          `json:"path"`
	Data json.RawMessage `json:"data,omitempty"`
}

type syncBatchRequest struct {
	ProjectDir string           `json:"project_dir"`
	Operations []batchOperation `json:"operations"`
}

// handleSyncBatch packs many operations into one bus command with the
// longer batch timeout (spec §4.2, §4.4). create/update operations are
// re-derived from the broker's own file tree rather than trusting the
// client's Data, and delete operations are vetted with
// synctree.IsOrphanDeletionAllowed so a client can never synthesize a
// delete for a service root, a protected singleton, or a path whose
// parent the file tree doesn't have (spec §4.4, "orphan deletion
// policy").
func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	var req syncBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	place, err := s.broker.Resolve(req.ProjectDir)
	if err != nil {
		writeError(w, err)
		return
	}

	cfg, err := s.broker.ProjectConfig(req.ProjectDir)
	if err != nil {
		writeError(w, broker.Wrap(broker.KindFilesystem, "load project configuration", err))
		return
	}
	records, err := synctree.ReadTree(req.ProjectDir, cfg)
	if err != nil {
		writeError(w, broker.Wrap(broker.KindFilesystem, "read project tree", err))
		return
	}
	filePaths := make(map[string]bool, len(records))
	byPath := make(map[string]synctree.Record, len(records))
	for _, rec := range records {
		filePaths[rec.Path] = true
		byPath[rec.Path] = rec
	}

	var diff synctree.Diff
	var orphanPaths []string
	var passthrough []synctree.Operation
	refused := 0
	for _, op := range req.Operations {
		switch op.Type {
		case "create":
			diff.OnlyInFiles = append(diff.OnlyInFiles, op.Path)
		case "update":
			diff.Different = append(diff.Different, op.Path)
		case "delete":
			var meta struct {
				ClassName string `json:"className"`
			}
			if len(op.Data) > 0 {
				json.Unmarshal(op.Data, &meta)
			}
			if synctree.IsOrphanDeletionAllowed(op.Path, meta.ClassName, filePaths) {
				orphanPaths = append(orphanPaths, op.Path)
			} else {
				refused++
			}
		default:
			passthrough = append(passthrough, synctree.Operation{Type: op.Type, Path: op.Path, Data: op.Data})
		}
	}

	ops := synctree.BuildBatch(diff, byPath, orphanPaths)
	ops = append(ops, passthrough...)

	payload, _ := json.Marshal(map[string]any{"operations": ops})
	ctx, cancel := context.WithTimeout(r.Context(), s.broker.Config.BatchDispatchTimeoutDuration())
	defer cancel()
	data, err := s.broker.Dispatch.Dispatch(ctx, place.SessionID, "sync:batch", payload)
	if err != nil {
		writeDispatchResult(w, nil, err)
		return
	}

	var result struct {
		Applied int      `json:"applied"`
		Skipped int      `json:"skipped"`
		Errors  []string `json:"errors,omitempty"`
	}
	if len(data) > 0 {
		json.Unmarshal(data, &result)
	}
	result.Skipped += refused
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "applied": result.Applied, "skipped": result.Skipped, "errors": result.Errors,
	})
}
