// Package rbxjson is a minimal, self-contained implementation of the
// filesystem serializer contract described in spec §6. The broker
// treats it as an external, pure-function collaborator: it is reached
// only through WriteProject and ReadProject, never through its
// internals, exactly as the contract requires. A production broker
// would swap this package for the real `.rbxjson` serializer without
// any change to internal/extract or internal/synctree.
package rbxjson

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Instance is one node of the instance tree the editor streams to the
// broker (or that the broker reads back off disk).
type Instance struct {
	ClassName  string                     `json:"className"`
	Name       string                     `json:"name"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
	Source     string                     `json:"source,omitempty"`
	Children   []*Instance                `json:"children,omitempty"`
}

// Tree is the full assembled instance tree: one root Instance per
// top-level service (ServerScriptService, ReplicatedStorage, ...).
type Tree struct {
	Services []*Instance `json:"services"`
}

// ProjectConfig carries the only part of a project's rbxsync.json that
// the serializer receives: the packages-exclusion list. The
// treeMapping, config and sync sections are not passed to it.
type ProjectConfig struct {
	Packages []string `json:"packages"`
}

func (c *ProjectConfig) excluded(name string) bool {
	if c == nil {
		return false
	}
	for _, p := range c.Packages {
		if p == name {
			return true
		}
	}
	return false
}

// scriptClasses is the set of Roblox class names written as script
// files; scriptExtension picks each one's file extension.
var scriptClasses = map[string]bool{
	"Script": true, "LocalScript": true, "ModuleScript": true,
}

func scriptExtension(inst *Instance) string {
	if inst.ClassName == "ModuleScript" {
		return ".luau"
	}
	var runContext string
	if raw, ok := inst.Properties["RunContext"]; ok {
		_ = json.Unmarshal(raw, &runContext)
	}
	switch runContext {
	case "Server":
		return ".server.luau"
	case "Client":
		return ".client.luau"
	default:
		if inst.ClassName == "LocalScript" {
			return ".client.luau"
		}
		return ".server.luau"
	}
}

// WriteProject materializes tree (and, if non-nil, terrain) under
// projectDir as a git-friendly directory tree: services first, then
// children depth-first in insertion order, with stable name-collision
// suffixes. It returns the number of files written. Partial failure
// leaves projectDir in an indeterminate state — callers that need
// atomicity (extract finalize) snapshot projectDir first and restore
// on error, per §4.3.
func WriteProject(projectDir string, tree *Tree, terrain []byte, cfg *ProjectConfig) (filesWritten int, err error) {
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		return 0, fmt.Errorf("create project dir: %w", err)
	}

	n := 0
	for _, svc := range tree.Services {
		written, err := writeInstance(projectDir, svc, cfg)
		if err != nil {
			return n, err
		}
		n += written
	}

	if terrain != nil {
		terrainPath := filepath.Join(projectDir, "terrain.rbxterrain")
		if err := os.WriteFile(terrainPath, terrain, 0644); err != nil {
			return n, fmt.Errorf("write terrain: %w", err)
		}
		n++
	}

	return n, nil
}

// writeInstance writes inst under dir and returns the number of files
// written for its whole subtree.
func writeInstance(dir string, inst *Instance, cfg *ProjectConfig) (int, error) {
	if cfg.excluded(inst.Name) {
		return 0, nil
	}

	if scriptClasses[inst.ClassName] {
		return writeScript(dir, inst)
	}

	if len(inst.Children) == 0 {
		return writeLeaf(dir, inst)
	}

	instDir := filepath.Join(dir, inst.Name)
	if err := os.MkdirAll(instDir, 0755); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", instDir, err)
	}

	n := 0
	if len(inst.Properties) > 0 {
		if err := writeMeta(instDir, inst); err != nil {
			return n, err
		}
		n++
	}

	names := make(map[string]int) // disambiguation counters, by name
	for _, child := range inst.Children {
		child = disambiguate(child, names)
		written, err := writeInstance(instDir, child, cfg)
		if err != nil {
			return n, err
		}
		n += written
	}
	return n, nil
}

// disambiguate returns child, renamed with a stable _N suffix if its
// name has already been seen at this level.
func disambiguate(child *Instance, seen map[string]int) *Instance {
	seen[child.Name]++
	if seen[child.Name] == 1 {
		return child
	}
	renamed := *child
	renamed.Name = fmt.Sprintf("%s_%d", child.Name, seen[child.Name])
	return &renamed
}

func writeLeaf(dir string, inst *Instance) (int, error) {
	path := filepath.Join(dir, inst.Name+".rbxjson")
	data, err := json.MarshalIndent(struct {
		ClassName  string                     `json:"className"`
		Properties map[string]json.RawMessage `json:"properties,omitempty"`
	}{inst.ClassName, inst.Properties}, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", inst.Name, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return 1, nil
}

func writeScript(dir string, inst *Instance) (int, error) {
	ext := scriptExtension(inst)
	path := filepath.Join(dir, inst.Name+ext)
	if err := os.WriteFile(path, []byte(inst.Source), 0644); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	n := 1

	metaProps := propertiesWithoutRunContext(inst.Properties)
	if len(metaProps) > 0 {
		metaPath := filepath.Join(dir, inst.Name+".rbxjson")
		data, err := json.MarshalIndent(struct {
			ClassName  string                     `json:"className"`
			Properties map[string]json.RawMessage `json:"properties,omitempty"`
		}{inst.ClassName, metaProps}, "", "  ")
		if err != nil {
			return n, fmt.Errorf("marshal meta for %s: %w", inst.Name, err)
		}
		if err := os.WriteFile(metaPath, data, 0644); err != nil {
			return n, fmt.Errorf("write %s: %w", metaPath, err)
		}
		n++
	}
	return n, nil
}

func propertiesWithoutRunContext(props map[string]json.RawMessage) map[string]json.RawMessage {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(props))
	for k, v := range props {
		if k == "RunContext" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func writeMeta(dir string, inst *Instance) error {
	path := filepath.Join(dir, "_meta.rbxjson")
	data, err := json.MarshalIndent(struct {
		ClassName  string                     `json:"className"`
		Properties map[string]json.RawMessage `json:"properties,omitempty"`
	}{inst.ClassName, inst.Properties}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta for %s: %w", dir, err)
	}
	return os.WriteFile(path, data, 0644)
}

// ReadResult is what ReadProject returns: one record per instance plus
// the raw source text for files that carry one (scripts).
type ReadResult struct {
	Instances     []InstanceRecord
	PerFileSource map[string]string // instance path -> raw source text
}

// InstanceRecord is one instance as read off disk, with its
// hierarchical path assigned (e.g. "ServerScriptService/Modules/Utils").
type InstanceRecord struct {
	Path       string                     `json:"path"`
	ClassName  string                     `json:"className"`
	Name       string                     `json:"name"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
	Source     string                     `json:"source,omitempty"`
}

// ReadProject walks projectDir and reconstructs instance records,
// services first then depth-first by directory entry order, skipping
// packages-excluded directories per cfg.
func ReadProject(projectDir string, cfg *ProjectConfig) (*ReadResult, error) {
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return nil, fmt.Errorf("read project dir: %w", err)
	}

	result := &ReadResult{PerFileSource: make(map[string]string)}
	serviceNames := serviceDirNames(entries)
	for _, name := range serviceNames {
		if err := readInstance(projectDir, name, name, cfg, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// serviceDirNames returns the top-level directory names, sorted, which
// correspond to service roots (spec's "stable enumeration" of
// services ahead of depth-first descent).
func serviceDirNames(entries []os.DirEntry) []string {
	var names []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != ".rbxsync-backup" && e.Name() != ".rbxsync" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func readInstance(parentDir, name, instPath string, cfg *ProjectConfig, result *ReadResult) error {
	if cfg.excluded(name) {
		return nil
	}

	dir := filepath.Join(parentDir, name)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil
	}

	className := "Folder"
	var properties map[string]json.RawMessage
	metaPath := filepath.Join(dir, "_meta.rbxjson")
	if data, err := os.ReadFile(metaPath); err == nil {
		var meta struct {
			ClassName  string                     `json:"className"`
			Properties map[string]json.RawMessage `json:"properties,omitempty"`
		}
		if err := json.Unmarshal(data, &meta); err == nil {
			className = meta.ClassName
			properties = meta.Properties
		}
	}

	result.Instances = append(result.Instances, InstanceRecord{
		Path: instPath, ClassName: className, Name: name, Properties: properties,
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	// Scripts are processed before any other file so that a script's
	// .rbxjson property sidecar (which can sort ahead of ".server.luau"
	// or ".client.luau" alphabetically) never gets mistaken for a
	// standalone leaf instance.
	handled := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || e.Name() == "_meta.rbxjson" {
			continue
		}
		if _, _, isScript := classifyFile(e.Name()); isScript {
			if err := readFile(dir, e.Name(), instPath, cfg, result, handled); err != nil {
				return err
			}
		}
	}

	for _, e := range entries {
		if e.Name() == "_meta.rbxjson" {
			continue
		}
		if e.IsDir() {
			if err := readInstance(dir, e.Name(), instPath+"/"+e.Name(), cfg, result); err != nil {
				return err
			}
			continue
		}
		if _, _, isScript := classifyFile(e.Name()); isScript {
			continue // already handled above
		}
		if err := readFile(dir, e.Name(), instPath, cfg, result, handled); err != nil {
			return err
		}
	}
	return nil
}

func readFile(dir, fileName, parentPath string, cfg *ProjectConfig, result *ReadResult, handled map[string]bool) error {
	base, className, isScript := classifyFile(fileName)
	if base == "" || handled[base] {
		return nil
	}
	if cfg.excluded(base) {
		return nil
	}
	handled[base] = true

	instPath := parentPath + "/" + base
	rec := InstanceRecord{Path: instPath, ClassName: className, Name: base}

	if isScript {
		srcPath := filepath.Join(dir, fileName)
		src, err := os.ReadFile(srcPath)
		if err != nil {
			return fmt.Errorf("read %s: %w", srcPath, err)
		}
		rec.Source = string(src)
		result.PerFileSource[instPath] = rec.Source

		if meta, err := os.ReadFile(filepath.Join(dir, base+".rbxjson")); err == nil {
			var m struct {
				Properties map[string]json.RawMessage `json:"properties,omitempty"`
			}
			if json.Unmarshal(meta, &m) == nil {
				rec.Properties = m.Properties
			}
		}
	} else {
		data, err := os.ReadFile(filepath.Join(dir, fileName))
		if err != nil {
			return fmt.Errorf("read %s: %w", fileName, err)
		}
		var leaf struct {
			ClassName  string                     `json:"className"`
			Properties map[string]json.RawMessage `json:"properties,omitempty"`
		}
		if err := json.Unmarshal(data, &leaf); err != nil {
			return fmt.Errorf("unmarshal %s: %w", fileName, err)
		}
		rec.ClassName = leaf.ClassName
		rec.Properties = leaf.Properties
	}

	result.Instances = append(result.Instances, rec)
	return nil
}

// classifyFile returns the instance base name, its className, and
// whether it is a script file, or ("", "", false) for files that don't
// represent a standalone instance (e.g. a script's .rbxjson sidecar,
// handled alongside its .luau file).
func classifyFile(fileName string) (base, className string, isScript bool) {
	switch {
	case hasSuffix(fileName, ".server.luau"):
		return trimSuffix(fileName, ".server.luau"), "Script", true
	case hasSuffix(fileName, ".client.luau"):
		return trimSuffix(fileName, ".client.luau"), "LocalScript", true
	case hasSuffix(fileName, ".luau"):
		return trimSuffix(fileName, ".luau"), "ModuleScript", true
	case hasSuffix(fileName, ".rbxjson"):
		return trimSuffix(fileName, ".rbxjson"), "", false
	default:
		return "", "", false
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func trimSuffix(s, suffix string) string {
	return s[:len(s)-len(suffix)]
}
