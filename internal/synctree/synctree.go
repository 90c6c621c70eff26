// Package synctree implements the file-tree reader, diff engine and
// incremental fingerprint cache described in spec §4.4. It reads a
// project directory through internal/rbxjson, compares it against the
// editor's reported state, and turns the difference into an ordered
// batch of sync operations for the dispatch bus to carry out.
package synctree

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rbxsync/broker/internal/rbxjson"
)

// Record is one instance as reported to a client: a flattened view of
// rbxjson.InstanceRecord with a stable JSON shape.
type Record struct {
	Path       string                     `json:"path"`
	ClassName  string                     `json:"className"`
	Name       string                     `json:"name"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
	Source     string                     `json:"source,omitempty"`
}

// ReadTree walks projectDir and returns one Record per instance, in
// the order internal/rbxjson produced them (services first, then
// depth-first by directory entry order).
func ReadTree(projectDir string, cfg *rbxjson.ProjectConfig) ([]Record, error) {
	result, err := rbxjson.ReadProject(projectDir, cfg)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(result.Instances))
	for _, inst := range result.Instances {
		records = append(records, Record{
			Path:       inst.Path,
			ClassName:  inst.ClassName,
			Name:       inst.Name,
			Properties: inst.Properties,
			Source:     result.PerFileSource[inst.Path],
		})
	}
	return records, nil
}

// Fingerprint computes a deterministic hash over a Record's className,
// sorted properties, and source text, used for diffing and the
// incremental sync cache.
func Fingerprint(r Record) string {
	keys := make([]string, 0, len(r.Properties))
	for k := range r.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "class:%s\n", r.ClassName)
	for _, k := range keys {
		fmt.Fprintf(h, "prop:%s=%s\n", k, r.Properties[k])
	}
	fmt.Fprintf(h, "source:%s\n", r.Source)
	return hex.EncodeToString(h.Sum(nil))
}

// Diff is the result of comparing the file-tree's instance paths
// against the editor-reported instance paths.
type Diff struct {
	OnlyInFiles []string `json:"onlyInFiles"`
	OnlyInStudio []string `json:"onlyInStudio"`
	Different   []string `json:"different"`
}

// ComputeDiff compares fileFingerprints (from ReadTree + Fingerprint)
// against studioFingerprints (reported by the editor via
// studio:paths) and classifies every path per spec §4.4.
func ComputeDiff(fileFingerprints, studioFingerprints map[string]string) Diff {
	var d Diff
	for path, fp := range fileFingerprints {
		sfp, inStudio := studioFingerprints[path]
		if !inStudio {
			d.OnlyInFiles = append(d.OnlyInFiles, path)
			continue
		}
		if sfp != fp {
			d.Different = append(d.Different, path)
		}
	}
	for path := range studioFingerprints {
		if _, inFiles := fileFingerprints[path]; !inFiles {
			d.OnlyInStudio = append(d.OnlyInStudio, path)
		}
	}

	sort.Strings(d.OnlyInFiles)
	sort.Strings(d.OnlyInStudio)
	sort.Strings(d.Different)
	return d
}

// Operation is one step of a batch sync, dispatched to the editor in
// the order it appears in a batch.
type Operation struct {
	Type    string          `json:"type"` // create | update | delete | rename
	Path    string          `json:"path"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// serviceRoots are the well-known top-level service containers that
// orphan deletion must never target, regardless of client request.
var serviceRoots = map[string]bool{
	"ServerScriptService":  true,
	"ServerStorage":        true,
	"ReplicatedStorage":    true,
	"ReplicatedFirst":      true,
	"StarterGui":           true,
	"StarterPack":          true,
	"StarterPlayer":        true,
	"Workspace":            true,
	"Lighting":             true,
	"SoundService":         true,
	"Teams":                true,
}

// protectedSingletons are common singleton instances that orphan
// deletion must never target even when they are Studio-only, per
// spec §4.4 (open question (b): exact set is implementation-defined,
// but must at minimum exclude service roots).
var protectedSingletons = map[string]bool{
	"SpawnLocation": true,
	"Camera":        true,
}

// IsOrphanDeletionAllowed reports whether path may be synthesized as a
// delete operation for a Studio-only instance. filePaths is the set of
// paths currently present in the file tree (used to check that path's
// parent exists there, so a delete never cascades into a directory the
// file tree never had in the first place).
func IsOrphanDeletionAllowed(path, className string, filePaths map[string]bool) bool {
	if serviceRoots[path] {
		return false
	}
	if protectedSingletons[className] {
		return false
	}
	parent := filepath.Dir(filepath.ToSlash(path))
	if parent == "." || parent == "/" {
		return true
	}
	return filePaths[parent]
}

// BuildBatch synthesizes an ordered operation list from a Diff,
// assuming a push-to-editor direction (file tree -> editor): create
// operations come from OnlyInFiles entries that have a record, update
// from Different, and delete only for orphanPaths the caller has
// already vetted with IsOrphanDeletionAllowed. OnlyInStudio paths
// produce no operation unless the caller passes them as orphanPaths.
func BuildBatch(diff Diff, records map[string]Record, orphanPaths []string) []Operation {
	var ops []Operation

	for _, path := range diff.OnlyInFiles {
		rec, ok := records[path]
		if !ok {
			continue
		}
		data, _ := json.Marshal(rec)
		ops = append(ops, Operation{Type: "create", Path: path, Data: data})
	}
	for _, path := range diff.Different {
		rec, ok := records[path]
		if !ok {
			continue
		}
		data, _ := json.Marshal(rec)
		ops = append(ops, Operation{Type: "update", Path: path, Data: data})
	}
	for _, path := range orphanPaths {
		ops = append(ops, Operation{Type: "delete", Path: path})
	}
	return ops
}

// Cache is the persisted fingerprint cache used for incremental sync:
// one hash per file path, stored under the project's dot-directory.
type Cache struct {
	Fingerprints map[string]string `json:"fingerprints"`
}

func cachePath(projectDir string) string {
	return filepath.Join(projectDir, ".rbxsync", "fingerprints.json")
}

// LoadCache reads the fingerprint cache for projectDir. A missing
// cache file is not an error: it returns an empty Cache, as is correct
// for a project's first incremental sync.
func LoadCache(projectDir string) (*Cache, error) {
	data, err := os.ReadFile(cachePath(projectDir))
	if os.IsNotExist(err) {
		return &Cache{Fingerprints: make(map[string]string)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fingerprint cache: %w", err)
	}

	var c Cache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal fingerprint cache: %w", err)
	}
	if c.Fingerprints == nil {
		c.Fingerprints = make(map[string]string)
	}
	return &c, nil
}

// Save persists c under projectDir's dot-directory.
func (c *Cache) Save(projectDir string) error {
	dir := filepath.Join(projectDir, ".rbxsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fingerprint cache: %w", err)
	}
	return os.WriteFile(cachePath(projectDir), data, 0644)
}

// Incremental compares records' current fingerprints against c and
// returns the paths whose content differs (or are new), along with an
// updated Cache reflecting the new fingerprints. The caller decides
// when to persist it; both /sync/incremental and `sync watch` save it
// as soon as it is computed, so a reported path is not reported again
// on the next pass.
func Incremental(records []Record, c *Cache) (changed []string, updated *Cache) {
	updated = &Cache{Fingerprints: make(map[string]string, len(records))}
	for _, r := range records {
		fp := Fingerprint(r)
		updated.Fingerprints[r.Path] = fp
		if c.Fingerprints[r.Path] != fp {
			changed = append(changed, r.Path)
		}
	}
	sort.Strings(changed)
	return changed, updated
}
