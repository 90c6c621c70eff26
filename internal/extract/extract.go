// Package extract implements the chunked extraction pipeline (spec
// §4.3): the editor streams an instance tree to the broker in bounded
// chunks, the broker assembles them into an internal/rbxjson.Tree, and
// Finalize materializes that tree to disk atomically, snapshotting the
// project directory first so a failed write can be rolled back.
package extract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rbxsync/broker/internal/broker"
	"github.com/rbxsync/broker/internal/metrics"
	"github.com/rbxsync/broker/internal/rbxjson"
)

// state is an extraction Session's position in its lifecycle:
// collecting -> finalizing -> (complete | error).
type state string

const (
	StateCollecting state = "collecting"
	StateFinalizing state = "finalizing"
	StateComplete   state = "complete"
	StateError      state = "error"
)

// backupDirName is the directory, relative to a project's root, that
// Finalize snapshots the existing tree into before writing.
const backupDirName = ".rbxsync-backup"

// defaultInactivityTTL is how long a Session may sit without a Chunk or
// Status call before the reaper releases it.
const defaultInactivityTTL = 10 * time.Minute

// Session is one in-progress (or recently finished) extraction.
type Session struct {
	ID             string
	ProjectDir     string
	Services       []string // filter: empty means all services
	IncludeTerrain bool

	mu            sync.Mutex
	state         state
	totalChunks   int            // learned from the first Chunk call, 0 until then
	received      map[int][]byte // chunk index -> payload, for idempotent duplicate detection
	totalBatches  int            // learned from the first Terrain call, 0 until then
	terrainChunks map[int][]byte // batch index -> payload
	lastActivity  time.Time
	errMessage    string
}

func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// Status is a snapshot of a Session's progress for the status endpoint.
type Status struct {
	ID                     string `json:"sessionId"`
	State                  string `json:"state"`
	ChunksReceived         int    `json:"chunksReceived"`
	TotalChunks            int    `json:"totalChunks"`
	TerrainBatchesReceived int    `json:"terrainBatchesReceived,omitempty"`
	TotalTerrainBatches    int    `json:"totalTerrainBatches,omitempty"`
	Error                  string `json:"error,omitempty"`
}

// Manager owns all in-flight and recently finalized extraction
// sessions for the broker process.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Start begins a new extraction session targeting projectDir.
// totalChunks and totalBatches are not known yet at this point (spec
// §3: "total_chunks (nullable, learned from first chunk)") — they're
// learned and validated from the first Chunk and Terrain call.
func (m *Manager) Start(projectDir string, services []string, includeTerrain bool) *Session {
	s := &Session{
		ID:             uuid.NewString(),
		ProjectDir:     projectDir,
		Services:       services,
		IncludeTerrain: includeTerrain,
		state:          StateCollecting,
		received:       make(map[int][]byte),
		terrainChunks:  make(map[int][]byte),
		lastActivity:   time.Now(),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	metrics.ExtractionSessionsActive.Inc()
	return s
}

// Get returns the session for id, or (nil, false) if unknown.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Chunk appends one piece of a streamed tree payload to session id.
// totalChunks is learned from the first call and validated against
// every subsequent one (spec §3: "total_chunks (nullable, learned from
// first chunk)") — a later call reporting a different total is a
// ChunkConflict, the same kind used for a changed chunk body.
// Re-sending the same index with identical data is a no-op (the
// editor is allowed to retry on a dropped acknowledgment); re-sending
// the same index with different data is a ChunkConflict.
func (m *Manager) Chunk(id string, index, totalChunks int, data []byte) error {
	s, ok := m.Get(id)
	if !ok {
		return broker.New(broker.KindSessionUnknown, "unknown extraction session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCollecting {
		return broker.New(broker.KindIncompleteSession, "session is not accepting chunks")
	}

	if s.totalChunks == 0 {
		s.totalChunks = totalChunks
	} else if totalChunks != 0 && totalChunks != s.totalChunks {
		return broker.New(broker.KindChunkConflict,
			fmt.Sprintf("total_chunks changed mid-stream: had %d, got %d", s.totalChunks, totalChunks))
	}

	if existing, dup := s.received[index]; dup {
		if string(existing) != string(data) {
			return broker.New(broker.KindChunkConflict, fmt.Sprintf("chunk %d already received with different data", index))
		}
		s.touch()
		return nil
	}

	s.received[index] = data
	s.touch()
	metrics.ExtractionChunksTotal.Inc()
	return nil
}

// Terrain appends one batch of terrain data to session id, independent
// of the instance-tree chunk stream. Like Chunk, totalBatches is
// learned from the first call and validated against every subsequent
// one; re-sending batchIndex with identical data is a no-op and with
// different data is a ChunkConflict.
func (m *Manager) Terrain(id string, batchIndex, totalBatches int, data []byte) error {
	s, ok := m.Get(id)
	if !ok {
		return broker.New(broker.KindSessionUnknown, "unknown extraction session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCollecting {
		return broker.New(broker.KindIncompleteSession, "session is not accepting terrain")
	}
	if !s.IncludeTerrain {
		return broker.New(broker.KindIncompleteSession, "session was not started with includeTerrain")
	}

	if s.totalBatches == 0 {
		s.totalBatches = totalBatches
	} else if totalBatches != 0 && totalBatches != s.totalBatches {
		return broker.New(broker.KindChunkConflict,
			fmt.Sprintf("total_batches changed mid-stream: had %d, got %d", s.totalBatches, totalBatches))
	}

	if existing, dup := s.terrainChunks[batchIndex]; dup {
		if string(existing) != string(data) {
			return broker.New(broker.KindChunkConflict, fmt.Sprintf("terrain batch %d already received with different data", batchIndex))
		}
		s.touch()
		return nil
	}

	s.terrainChunks[batchIndex] = data
	s.touch()
	return nil
}

// Status reports session id's current progress.
func (m *Manager) Status(id string) (Status, error) {
	s, ok := m.Get(id)
	if !ok {
		return Status{}, broker.New(broker.KindSessionUnknown, "unknown extraction session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:                     s.ID,
		State:                  string(s.state),
		ChunksReceived:         len(s.received),
		TotalChunks:            s.totalChunks,
		TerrainBatchesReceived: len(s.terrainChunks),
		TotalTerrainBatches:    s.totalBatches,
		Error:                  s.errMessage,
	}, nil
}

// assembleTree concatenates the received chunks in index order and
// unmarshals the result into an rbxjson.Tree. Caller holds s.mu.
func (s *Session) assembleTree() (*rbxjson.Tree, error) {
	if len(s.received) != s.totalChunks {
		return nil, broker.New(broker.KindIncompleteSession,
			fmt.Sprintf("received %d of %d chunks", len(s.received), s.totalChunks))
	}

	var buf []byte
	for i := 0; i < s.totalChunks; i++ {
		chunk, ok := s.received[i]
		if !ok {
			return nil, broker.New(broker.KindIncompleteSession, fmt.Sprintf("missing chunk %d", i))
		}
		buf = append(buf, chunk...)
	}

	var tree rbxjson.Tree
	if err := json.Unmarshal(buf, &tree); err != nil {
		return nil, broker.Wrap(broker.KindTransport, "assembled payload is not a valid instance tree", err)
	}
	return &tree, nil
}

// assembleTerrain concatenates the received terrain batches in index
// order, mirroring assembleTree's completeness gate: a session that
// was never sent any terrain (IncludeTerrain false, or the editor
// skipped it) finalizes with no terrain blob at all, but a session
// that received some batches must have received all of them. Caller
// holds s.mu.
func (s *Session) assembleTerrain() ([]byte, error) {
	if len(s.terrainChunks) == 0 {
		return nil, nil
	}
	if len(s.terrainChunks) != s.totalBatches {
		return nil, broker.New(broker.KindIncompleteSession,
			fmt.Sprintf("received %d of %d terrain batches", len(s.terrainChunks), s.totalBatches))
	}

	var buf []byte
	for i := 0; i < s.totalBatches; i++ {
		batch, ok := s.terrainChunks[i]
		if !ok {
			return nil, broker.New(broker.KindIncompleteSession, fmt.Sprintf("missing terrain batch %d", i))
		}
		buf = append(buf, batch...)
	}
	return buf, nil
}

// Finalize assembles session id's collected chunks and materializes
// them to disk. It snapshots any existing project directory into
// .rbxsync-backup first; if the write fails, the snapshot is restored
// so the project directory is left exactly as it was found
// (testable property 3, "Finalize atomicity").
func (m *Manager) Finalize(id string, cfg *rbxjson.ProjectConfig) (filesWritten int, err error) {
	s, ok := m.Get(id)
	if !ok {
		return 0, broker.New(broker.KindSessionUnknown, "unknown extraction session")
	}

	s.mu.Lock()
	if s.state != StateCollecting {
		s.mu.Unlock()
		return 0, broker.New(broker.KindIncompleteSession, "session is not ready to finalize")
	}
	tree, err := s.assembleTree()
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	terrain, err := s.assembleTerrain()
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.state = StateFinalizing
	s.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.ExtractionFinalizeDurationSeconds.Observe(time.Since(start).Seconds())
		metrics.ExtractionSessionsActive.Dec()
	}()

	backupDir := filepath.Join(s.ProjectDir, backupDirName)
	hadExisting, err := snapshot(s.ProjectDir, backupDir)
	if err != nil {
		s.fail(err)
		return 0, broker.Wrap(broker.KindFilesystem, "snapshot project directory", err)
	}

	n, writeErr := rbxjson.WriteProject(s.ProjectDir, tree, terrain, cfg)
	if writeErr != nil {
		if restoreErr := restore(s.ProjectDir, backupDir, hadExisting); restoreErr != nil {
			s.fail(restoreErr)
			return 0, broker.Wrap(broker.KindFilesystem, "finalize failed and rollback also failed", restoreErr)
		}
		s.fail(writeErr)
		return 0, broker.Wrap(broker.KindFilesystem, "finalize write failed, project directory restored", writeErr)
	}

	if err := os.RemoveAll(backupDir); err != nil {
		// The project was written successfully; a leftover backup
		// directory is untidy but not a correctness problem.
	}

	s.mu.Lock()
	s.state = StateComplete
	s.touch()
	s.mu.Unlock()
	return n, nil
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateError
	s.errMessage = err.Error()
	s.mu.Unlock()
}

// snapshot copies every entry currently in projectDir into backupDir,
// except backupDir itself. hadExisting reports whether projectDir
// existed at all before the snapshot (an extraction into a brand new
// directory has nothing to roll back to but an empty directory).
func snapshot(projectDir, backupDir string) (hadExisting bool, err error) {
	entries, err := os.ReadDir(projectDir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	hadExisting = true

	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return hadExisting, err
	}
	for _, e := range entries {
		if e.Name() == backupDirName {
			continue
		}
		src := filepath.Join(projectDir, e.Name())
		dst := filepath.Join(backupDir, e.Name())
		if err := copyTree(src, dst); err != nil {
			return hadExisting, err
		}
	}
	return hadExisting, nil
}

// restore replaces projectDir's contents (other than the backup
// directory itself) with what was captured in backupDir, then removes
// the backup.
func restore(projectDir, backupDir string, hadExisting bool) error {
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == backupDirName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(projectDir, e.Name())); err != nil {
			return err
		}
	}

	if !hadExisting {
		return os.RemoveAll(backupDir)
	}

	backupEntries, err := os.ReadDir(backupDir)
	if err != nil {
		return err
	}
	for _, e := range backupEntries {
		src := filepath.Join(backupDir, e.Name())
		dst := filepath.Join(projectDir, e.Name())
		if err := copyTree(src, dst); err != nil {
			return err
		}
	}
	return os.RemoveAll(backupDir)
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, info.Mode())
	}

	if err := os.MkdirAll(dst, info.Mode()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// UndoExtract restores projectDir from its most recent
// .rbxsync-backup snapshot, if one exists, then removes the snapshot.
// Finalize deletes its snapshot both after a successful write and
// after its automatic rollback, so a completed Finalize leaves nothing
// for UndoExtract to restore; it only acts on a snapshot that is still
// present (one Finalize failed to clean up, or one taken by snapshot).
func UndoExtract(projectDir string) error {
	backupDir := filepath.Join(projectDir, backupDirName)
	if _, err := os.Stat(backupDir); os.IsNotExist(err) {
		return broker.New(broker.KindFilesystem, "no backup available to undo")
	}
	return restore(projectDir, backupDir, true)
}

// Reap releases sessions that have been idle past ttl, marking them
// errored so a late Chunk or Finalize call fails clearly instead of
// silently resurrecting stale state. Intended to run on a ticker from
// the server's lifecycle goroutine.
func (m *Manager) Reap(ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultInactivityTTL
	}
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.state == StateCollecting && s.lastActivity.Before(cutoff) {
			s.state = StateError
			s.errMessage = "session released after inactivity"
			metrics.ExtractionSessionsActive.Dec()
		}
		s.mu.Unlock()
	}
}
