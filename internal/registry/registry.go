// Package registry tracks connected editor instances (Places) and
// registered client workspaces, and resolves which Place a given
// client request targets. It implements spec §3 (Place/Workspace data
// model) and §4.1 (registry & link resolver operations).
package registry

import (
	"sort"
	"strconv"
	"sync"

	"github.com/rbxsync/broker/internal/broker"
	"github.com/rbxsync/broker/internal/metrics"
)

// Place is a connected editor instance.
type Place struct {
	PlaceID    int64  `json:"place_id"`
	PlaceName  string `json:"place_name"`
	ProjectDir string `json:"project_dir"`
	SessionID  string `json:"session_id"`
}

// key returns the table key for a Place: its place id when published,
// otherwise its session id (place id 0 entries disambiguate by
// session id per the data model invariant).
func (p Place) key() string {
	if p.PlaceID != 0 {
		return placeKeyPrefix + strconv.FormatInt(p.PlaceID, 10)
	}
	return sessionKeyPrefix + p.SessionID
}

const (
	placeKeyPrefix   = "id:"
	sessionKeyPrefix = "session:"
)

// Workspace is a registered editor/client workspace directory.
type Workspace struct {
	WorkspaceDir string `json:"workspace_dir"`
}

// Registry holds the Place and Workspace tables and resolves targets.
// One Registry per process, guarded by a single RWMutex per §5 (fine
// grained, never held across a suspension point).
type Registry struct {
	mu         sync.RWMutex
	places     map[string]*Place
	workspaces map[string]*Workspace

	// onUnregister is invoked with the unregistered Place's session id
	// while the lock is NOT held, so the dispatch bus can fail
	// outstanding waiters without a cross-package lock dependency.
	onUnregister []func(sessionID string)
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		places:     make(map[string]*Place),
		workspaces: make(map[string]*Workspace),
	}
}

// OnUnregister registers a callback invoked whenever a Place is
// removed, so other subsystems (notably dispatch) can react to an
// editor disconnect per the unregister contract in §4.1.
func (r *Registry) OnUnregister(fn func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnregister = append(r.onUnregister, fn)
}

// RegisterResult is the outcome of Register.
type RegisterResult struct {
	Success   bool
	SessionID string
}

// Register upserts a Place keyed by place id (if published) or session
// id otherwise. If an existing entry under the same key has a
// different project dir, the new value wins, per §4.1.
func (r *Registry) Register(placeID int64, placeName, projectDir, sessionID string) RegisterResult {
	p := Place{PlaceID: placeID, PlaceName: placeName, ProjectDir: projectDir, SessionID: sessionID}

	r.mu.Lock()
	r.places[p.key()] = &p
	n := len(r.places)
	r.mu.Unlock()
	metrics.PlacesRegistered.Set(float64(n))

	return RegisterResult{Success: true, SessionID: sessionID}
}

// Unregister removes the Place identified by sessionID. It matches
// both unpublished entries (keyed by session id) and published ones
// (keyed by place id, since Place.SessionID is always retained).
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	var removed bool
	for k, p := range r.places {
		if p.SessionID == sessionID {
			delete(r.places, k)
			removed = true
		}
	}
	callbacks := append([]func(string){}, r.onUnregister...)
	n := len(r.places)
	r.mu.Unlock()
	metrics.PlacesRegistered.Set(float64(n))

	if removed {
		for _, fn := range callbacks {
			fn(sessionID)
		}
	}
}

// List returns all Places, stably ordered by place id then session id.
func (r *Registry) List() []Place {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Place, 0, len(r.places))
	for _, p := range r.places {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlaceID != out[j].PlaceID {
			return out[i].PlaceID < out[j].PlaceID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// PathMismatch lists editor-side project dirs that disagree with a
// newly registered workspace dir. Informational only — the broker
// never auto-reconciles, per §4.1.
type PathMismatch struct {
	WorkspaceDir string   `json:"workspace_dir"`
	EditorPaths  []string `json:"editor_paths"`
}

// RegisterVSCode adds a workspace and reports any Place whose project
// dir disagrees with it.
func (r *Registry) RegisterVSCode(workspaceDir string) (success bool, mismatch *PathMismatch) {
	r.mu.Lock()
	r.workspaces[workspaceDir] = &Workspace{WorkspaceDir: workspaceDir}

	var editorPaths []string
	for _, p := range r.places {
		if p.ProjectDir != "" && p.ProjectDir != workspaceDir {
			editorPaths = append(editorPaths, p.ProjectDir)
		}
	}
	r.mu.Unlock()

	if len(editorPaths) > 0 {
		return true, &PathMismatch{WorkspaceDir: workspaceDir, EditorPaths: editorPaths}
	}
	return true, nil
}

// Workspaces returns all registered workspace directories.
func (r *Registry) Workspaces() []Workspace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Workspace, 0, len(r.workspaces))
	for _, w := range r.workspaces {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkspaceDir < out[j].WorkspaceDir })
	return out
}

// LinkStudio updates a published Place's project dir.
func (r *Registry) LinkStudio(placeID int64, newProjectDir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.places[placeKeyPrefix+strconv.FormatInt(placeID, 10)]
	if !ok {
		return broker.New(broker.KindUnknownTarget, "no place with that place id")
	}
	p.ProjectDir = newProjectDir
	return nil
}

// UnlinkStudio clears a Place's project dir linkage.
func (r *Registry) UnlinkStudio(placeID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.places[placeKeyPrefix+strconv.FormatInt(placeID, 10)]
	if !ok {
		return broker.New(broker.KindUnknownTarget, "no place with that place id")
	}
	p.ProjectDir = ""
	return nil
}

// UpdateProjectPath updates the project dir of the Place matching
// sessionID in the registry only; no command is sent to the editor
// (§4.1, §9 open question (a)).
func (r *Registry) UpdateProjectPath(sessionID, newPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.places {
		if p.SessionID == sessionID {
			p.ProjectDir = newPath
			return nil
		}
	}
	return broker.New(broker.KindUnknownTarget, "no place with that session id")
}

// Resolve selects the Place a client request targets. If projectDir is
// non-empty, the Place with a matching ProjectDir is used. Otherwise,
// if exactly one Place is registered, that one is used; any other
// count fails with AmbiguousTarget. Link state is advisory and never
// overrides an explicit projectDir, per §4.1.
func (r *Registry) Resolve(projectDir string) (Place, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if projectDir != "" {
		for _, p := range r.places {
			if p.ProjectDir == projectDir {
				return *p, nil
			}
		}
		return Place{}, broker.New(broker.KindUnknownTarget, "no place registered for project dir "+projectDir)
	}

	if len(r.places) == 1 {
		for _, p := range r.places {
			return *p, nil
		}
	}
	if len(r.places) == 0 {
		return Place{}, broker.New(broker.KindAmbiguousTarget, "no places registered")
	}
	return Place{}, broker.New(broker.KindAmbiguousTarget, "multiple places registered; specify project_dir")
}
