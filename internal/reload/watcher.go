package reload

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timzifer/hangwatch/config"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher keeps track of configuration source files and detects modifications.
// When the configuration was loaded from a directory, YAML files added to that
// directory are reported as well.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
	dir   string
}

// NewWatcher builds a watcher with the known files from the configuration.
func NewWatcher(root string, cfg *config.Config) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(root, cfg); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update rebuilds the tracked file list from the provided configuration.
func (w *Watcher) Update(root string, cfg *config.Config) error {
	if w == nil {
		return nil
	}
	paths := config.SourceFiles(cfg)
	dir := ""
	if root != "" {
		abs, err := filepath.Abs(root)
		if err == nil {
			if info, err := os.Stat(abs); err == nil {
				if info.IsDir() {
					dir = abs
					paths = append(paths, yamlFiles(abs)...)
				} else {
					paths = append(paths, abs)
				}
			}
		}
	}
	states := make(map[string]fileState, len(paths))
	for _, path := range uniquePaths(paths) {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		states[path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.dir = dir
	w.mu.Unlock()
	return nil
}

// Check reports the files that changed, disappeared or appeared since the
// last snapshot.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			changed = append(changed, path)
			continue
		}
		if info.IsDir() {
			continue
		}
		if info.ModTime().After(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
		}
	}
	if w.dir != "" {
		for _, path := range yamlFiles(w.dir) {
			if _, ok := w.files[path]; !ok {
				changed = append(changed, path)
			}
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func yamlFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
