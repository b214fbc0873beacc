package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/casparianflow/flow/internal/catalog"
	"github.com/casparianflow/flow/internal/logger"
)

// WatchConfig controls Watch, the SUPPLEMENT #1 watch-mode rescan loop
// that turns a filesystem change into a Scan of the whole affected root
// instead of waiting for the next full pass; files whose fingerprint did
// not change come back from that Scan as unchanged.
type WatchConfig struct {
	Config
	// Debounce groups a burst of events into one rescan. Default 500ms.
	Debounce time.Duration
}

// Watch watches cfg.Roots for changes and rescans the affected root,
// debounced, until ctx is cancelled. It never returns an error from a
// single failed rescan — those are logged and watching continues — only
// from setup failures (bad root, fsnotify unavailable).
func Watch(ctx context.Context, cat *catalog.Catalog, cfg WatchConfig) error {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	roots := make(map[string]string, len(cfg.Roots))
	for _, root := range cfg.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("resolve root %s: %w", root, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return fmt.Errorf("watch root %s: %w", abs, err)
		}
		roots[abs] = root
		if err := addRecursive(w, abs, cfg.Excludes); err != nil {
			return fmt.Errorf("watch root %s: %w", abs, err)
		}
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
	)

	flush := func() {
		mu.Lock()
		if len(pending) == 0 {
			mu.Unlock()
			return
		}
		dirty := make([]string, 0, len(pending))
		for root := range pending {
			dirty = append(dirty, root)
		}
		pending = make(map[string]struct{})
		mu.Unlock()

		for _, root := range dirty {
			logger.Debug("watch: rescanning %s", root)
			scanCfg := cfg.Config
			scanCfg.Roots = []string{root}
			if _, err := Scan(ctx, cat, scanCfg); err != nil {
				logger.Error("watch: rescan %s: %v", root, err)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			root := rootOf(event.Name, roots)
			if root == "" {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					_ = addRecursive(w, event.Name, cfg.Excludes)
				}
			}
			mu.Lock()
			pending[root] = struct{}{}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, flush)
			mu.Unlock()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watch: %v", err)
		}
	}
}

func rootOf(path string, roots map[string]string) string {
	for abs := range roots {
		if path == abs {
			return abs
		}
		if rel, err := filepath.Rel(abs, path); err == nil && rel != ".." && !hasDotDotPrefix(rel) {
			return abs
		}
	}
	return ""
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

func addRecursive(w *fsnotify.Watcher, dir string, excludes []string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr == nil && matchesAny(filepath.ToSlash(rel), excludes) {
			return filepath.SkipDir
		}
		if addErr := w.Add(path); addErr != nil {
			logger.Debug("watch: add %s: %v", path, addErr)
		}
		return nil
	})
}
