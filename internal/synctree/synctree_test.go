package synctree

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rbxsync/broker/internal/rbxjson"
)

func TestFingerprintStableAndSensitive(t *testing.T) {
	a := Record{ClassName: "Script", Source: "print(1)", Properties: map[string]json.RawMessage{
		"RunContext": json.RawMessage(`"Server"`),
	}}
	b := a
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("identical records must fingerprint identically")
	}

	b.Source = "print(2)"
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatal("different source must change the fingerprint")
	}
}

func TestComputeDiffClassifiesPaths(t *testing.T) {
	files := map[string]string{
		"A": "fp-a",
		"B": "fp-b-old",
	}
	studio := map[string]string{
		"B": "fp-b-new",
		"C": "fp-c",
	}

	diff := ComputeDiff(files, studio)
	if len(diff.OnlyInFiles) != 1 || diff.OnlyInFiles[0] != "A" {
		t.Fatalf("unexpected onlyInFiles: %+v", diff.OnlyInFiles)
	}
	if len(diff.OnlyInStudio) != 1 || diff.OnlyInStudio[0] != "C" {
		t.Fatalf("unexpected onlyInStudio: %+v", diff.OnlyInStudio)
	}
	if len(diff.Different) != 1 || diff.Different[0] != "B" {
		t.Fatalf("unexpected different: %+v", diff.Different)
	}
}

func TestIsOrphanDeletionAllowed(t *testing.T) {
	filePaths := map[string]bool{"ServerScriptService/Modules": true}

	if IsOrphanDeletionAllowed("ServerScriptService", "Folder", filePaths) {
		t.Fatal("service roots must never be deletable")
	}
	if IsOrphanDeletionAllowed("Workspace/Spawn", "SpawnLocation", filePaths) {
		t.Fatal("protected singletons must never be deletable")
	}
	if IsOrphanDeletionAllowed("ServerScriptService/Missing/Child", "ModuleScript", filePaths) {
		t.Fatal("a path whose parent is absent from the file tree must not be deletable")
	}
	if !IsOrphanDeletionAllowed("ServerScriptService/Modules/Stale", "ModuleScript", filePaths) {
		t.Fatal("expected deletion allowed when parent exists in the file tree")
	}
}

func TestReadTreeRoundTripsThroughRbxjson(t *testing.T) {
	dir := t.TempDir()
	tree := &rbxjson.Tree{
		Services: []*rbxjson.Instance{
			{
				ClassName: "ServerScriptService",
				Name:      "ServerScriptService",
				Children: []*rbxjson.Instance{
					{ClassName: "ModuleScript", Name: "Utils", Source: "return {}"},
				},
			},
		},
	}
	if _, err := rbxjson.WriteProject(dir, tree, nil, nil); err != nil {
		t.Fatalf("write project: %v", err)
	}

	records, err := ReadTree(dir, nil)
	if err != nil {
		t.Fatalf("read tree: %v", err)
	}

	var found bool
	for _, r := range records {
		if r.Path == "ServerScriptService/Utils" {
			found = true
			if r.Source != "return {}" {
				t.Fatalf("unexpected source: %q", r.Source)
			}
		}
	}
	if !found {
		t.Fatalf("expected Utils record, got %+v", records)
	}
}

func TestIncrementalOnlyReportsChangedFiles(t *testing.T) {
	dir := t.TempDir()
	records := []Record{
		{Path: "A", ClassName: "ModuleScript", Source: "return 1"},
		{Path: "B", ClassName: "ModuleScript", Source: "return 2"},
	}

	empty, err := LoadCache(dir)
	if err != nil {
		t.Fatalf("load empty cache: %v", err)
	}
	changed, updated := Incremental(records, empty)
	if len(changed) != 2 {
		t.Fatalf("expected both records to be new, got %+v", changed)
	}
	if err := updated.Save(dir); err != nil {
		t.Fatalf("save cache: %v", err)
	}

	reloaded, err := LoadCache(dir)
	if err != nil {
		t.Fatalf("reload cache: %v", err)
	}

	records[0].Source = "return 100" // A changes, B stays the same
	changed, _ = Incremental(records, reloaded)
	if len(changed) != 1 || changed[0] != "A" {
		t.Fatalf("expected only A to be reported changed, got %+v", changed)
	}

	if _, err := os.Stat(filepath.Join(dir, ".rbxsync", "fingerprints.json")); err != nil {
		t.Fatalf("expected cache file persisted: %v", err)
	}
}
