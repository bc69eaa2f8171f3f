// Package hooks runs a project's external tool hooks: executables under
// <project>/.mux that are co-invoked around every tool call.
//
// Three hook kinds exist. tool_hook speaks a coroutine protocol — it starts
// before the tool, signals readiness by printing the ready token, receives
// the tool result on stdin after execution, and exits. tool_pre and
// tool_post are one-shot gates that run fully before or after the tool.
package hooks

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Hook executable names under <project>/.mux.
const (
	HookDirName      = ".mux"
	ToolHookName     = "tool_hook"
	ToolPreHookName  = "tool_pre"
	ToolPostHookName = "tool_post"
)

// Discovered is the set of hook executables found for a project.
type Discovered struct {
	ToolHook string
	Pre      string
	Post     string
}

// Empty reports whether no hook exists.
func (d Discovered) Empty() bool {
	return d.ToolHook == "" && d.Pre == "" && d.Post == ""
}

// Discovery caches per-project hook lookups and invalidates the cache when
// the .mux directory changes on disk.
type Discovery struct {
	mu      sync.Mutex
	cache   map[string]Discovered
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewDiscovery creates a hook discovery cache. The fsnotify watcher is
// optional; without it every lookup hits the filesystem.
func NewDiscovery(logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discovery{
		cache:  make(map[string]Discovered),
		logger: logger.With("component", "hooks"),
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("hook cache invalidation disabled", "error", err)
		return d
	}
	d.watcher = watcher
	go d.watch()
	return d
}

// Close stops the watcher.
func (d *Discovery) Close() error {
	if d.watcher == nil {
		return nil
	}
	return d.watcher.Close()
}

func (d *Discovery) watch() {
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			dir := filepath.Dir(event.Name)
			d.mu.Lock()
			delete(d.cache, filepath.Dir(dir)) // project dir is the cache key
			d.mu.Unlock()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("hook watcher error", "error", err)
		}
	}
}

// Lookup returns the hooks for a project directory, serving repeated calls
// from the cache until the .mux directory changes.
func (d *Discovery) Lookup(projectDir string) Discovered {
	d.mu.Lock()
	if cached, ok := d.cache[projectDir]; ok {
		d.mu.Unlock()
		return cached
	}
	d.mu.Unlock()

	found := Discovered{
		ToolHook: executableAt(filepath.Join(projectDir, HookDirName, ToolHookName)),
		Pre:      executableAt(filepath.Join(projectDir, HookDirName, ToolPreHookName)),
		Post:     executableAt(filepath.Join(projectDir, HookDirName, ToolPostHookName)),
	}

	d.mu.Lock()
	d.cache[projectDir] = found
	d.mu.Unlock()

	if d.watcher != nil {
		// Watch the .mux dir when it exists so edits invalidate the entry.
		hookDir := filepath.Join(projectDir, HookDirName)
		if info, err := os.Stat(hookDir); err == nil && info.IsDir() {
			if err := d.watcher.Add(hookDir); err != nil {
				d.logger.Debug("watching hook dir failed", "dir", hookDir, "error", err)
			}
		}
	}
	return found
}

// Invalidate drops a project's cache entry.
func (d *Discovery) Invalidate(projectDir string) {
	d.mu.Lock()
	delete(d.cache, projectDir)
	d.mu.Unlock()
}

// executableAt returns path when it is an executable regular file.
func executableAt(path string) string {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	if info.Mode()&0o111 == 0 {
		return ""
	}
	return path
}
