package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/rbxsync/broker/internal/config"
	"github.com/rbxsync/broker/internal/rbxjson"
	"github.com/rbxsync/broker/internal/synctree"
)

var syncWatchProjectDir string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Filesystem sync helpers",
}

var syncWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a project directory and report changed instances",
	Long: `Watch a project directory for filesystem changes and print the
set of instance paths whose fingerprint changed, using the same
incremental cache the /sync/incremental endpoint maintains.

This does not push anything to the editor; it's a convenience for
driving an external sync loop (e.g. a CI watcher) without polling the
broker's HTTP API.

Examples:
  rbxsync-broker sync watch -p ./my-place`,
	RunE: runSyncWatch,
}

func runSyncWatch(cmd *cobra.Command, args []string) error {
	projectDir, err := filepath.Abs(syncWatchProjectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	pf, err := config.LoadProjectFile(projectDir)
	if err != nil {
		return fmt.Errorf("load project file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, projectDir); err != nil {
		return fmt.Errorf("watch project dir: %w", err)
	}

	fmt.Printf("watching %s for changes (ctrl-c to stop)\n", projectDir)

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !pending {
				pending = true
				debounce.Reset(300 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		case <-debounce.C:
			pending = false
			if err := reportChanges(projectDir, pf); err != nil {
				fmt.Fprintf(os.Stderr, "scan error: %v\n", err)
			}
		}
	}
}

func reportChanges(projectDir string, pf *config.ProjectFile) error {
	cfg := &rbxjson.ProjectConfig{Packages: pf.Packages}
	records, err := synctree.ReadTree(projectDir, cfg)
	if err != nil {
		return err
	}
	cache, err := synctree.LoadCache(projectDir)
	if err != nil {
		return err
	}
	changed, updated := synctree.Incremental(records, cache)
	if len(changed) == 0 {
		return nil
	}
	for _, path := range changed {
		fmt.Println(path)
	}
	return updated.Save(projectDir)
}

// addRecursive adds dir and every subdirectory to watcher; fsnotify
// does not watch recursively on its own.
func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
