// Package scanner implements spec §4.2: it walks one or more filesystem
// roots, fingerprints each file it finds, and hands the result to the
// Catalog for upsert and rule application.
//
// Traversal and fingerprinting are bounded-parallel the way the teacher
// bounds its own concurrent work (sourcegraph/conc's result pool), and
// glob matching reuses the teacher's include/exclude idiom
// (bmatcuk/doublestar) ahead of the Catalog's own tag-rule matching.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sourcegraph/conc/pool"

	"github.com/casparianflow/flow/internal/catalog"
	"github.com/casparianflow/flow/internal/catalogtypes"
	"github.com/casparianflow/flow/internal/fingerprint"
	"github.com/casparianflow/flow/internal/logger"
)

// Config controls one Scan invocation, matching the scanner.* keys of
// the runtime configuration (§6.6).
type Config struct {
	Roots           []string
	Includes        []string
	Excludes        []string
	HashAlgorithm   string
	MaxParallel     int   // default: 2x logical CPUs
	MaxInFlightBytes int64 // 0 means 256 MiB, negative disables the check; exceeding it is only logged, not enforced
}

// DefaultMaxParallel returns the bounded-pool size the spec names as a
// default: 2x logical CPUs.
func DefaultMaxParallel() int {
	return 2 * runtime.NumCPU()
}

// Result summarizes one Scan call.
type Result struct {
	FilesWalked    int
	Inserted       int
	Updated        int
	Unchanged      int
	Errors         int
}

// Scan implements spec §4.2 steps 1-4. It is cancellable: ctx.Err() is
// checked between files, and whatever upserts already committed remain
// committed — partial progress is persisted at each upsert_file boundary.
func Scan(ctx context.Context, cat *catalog.Catalog, cfg Config) (Result, error) {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel()
	}
	maxBytes := cfg.MaxInFlightBytes
	if maxBytes == 0 {
		maxBytes = 256 << 20
	}
	algorithm := cfg.HashAlgorithm
	if algorithm == "" {
		algorithm = fingerprint.DefaultAlgorithm
	}

	var result Result

	for _, root := range cfg.Roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return result, fmt.Errorf("resolve root %s: %w", root, err)
		}
		if _, err := os.Stat(absRoot); err != nil {
			return result, fmt.Errorf("scan root %s: %w", absRoot, err)
		}

		paths, err := walk(absRoot, cfg.Includes, cfg.Excludes)
		if err != nil {
			return result, fmt.Errorf("walk root %s: %w", absRoot, err)
		}
		result.FilesWalked += len(paths)

		inFlightBytes := int64(0)
		p := pool.NewWithResults[fileOutcome]().WithMaxGoroutines(maxParallel)

		for _, rp := range paths {
			rp := rp
			p.Go(func() fileOutcome {
				select {
				case <-ctx.Done():
					return fileOutcome{err: ctx.Err()}
				default:
				}
				return processFile(absRoot, rp, algorithm, &inFlightBytes, maxBytes)
			})
		}

		outcomes := p.Wait()
		for _, o := range outcomes {
			if o.err != nil {
				result.Errors++
				if o.relPath != "" {
					if rerr := cat.RecordFileError(absRoot, o.relPath, o.err.Error()); rerr != nil {
						logger.Error("record file error for %s: %v", o.relPath, rerr)
					}
				}
				continue
			}

			fileID, upsertResult, err := cat.UpsertFile(absRoot, o.relPath, o.size, o.fingerprint)
			if err != nil {
				result.Errors++
				logger.Error("upsert file %s: %v", o.relPath, err)
				continue
			}

			switch upsertResult {
			case catalog.ResultInserted:
				result.Inserted++
			case catalog.ResultUpdated:
				result.Updated++
			case catalog.ResultUnchanged:
				result.Unchanged++
				continue
			}

			prevTag, ruleID, err := cat.ApplyRule(fileID)
			if err != nil {
				logger.Error("apply rule to %s: %v", o.relPath, err)
				continue
			}

			eventType := catalogtypes.EventFileDiscovered
			if upsertResult == catalog.ResultUpdated {
				eventType = catalogtypes.EventFileRetagged
			}
			f, err := cat.GetFile(fileID)
			if err != nil {
				logger.Error("reload file %s after upsert: %v", o.relPath, err)
				continue
			}
			if err := cat.AppendLineageEvent(catalogtypes.LineageEvent{
				EventType:       eventType,
				EventTime:       time.Now(),
				FileFingerprint: f.Fingerprint,
			}); err != nil {
				logger.Error("append lineage event for %s: %v", o.relPath, err)
			}
			if prevTag != "" {
				if _, err := cat.EnsureJobsForFile(fileID); err != nil {
					logger.Error("ensure jobs for %s: %v", o.relPath, err)
				}
			}
			if ruleID != nil {
				logger.Debug("scan: %s tagged %s by rule %d", o.relPath, prevTag, *ruleID)
			}
		}
	}

	return result, nil
}

type fileOutcome struct {
	relPath     string
	size        int64
	fingerprint string
	err         error
}

func processFile(root, relPath, algorithm string, inFlightBytes *int64, maxBytes int64) fileOutcome {
	absPath := filepath.Join(root, relPath)
	info, err := os.Stat(absPath)
	if err != nil {
		return fileOutcome{relPath: relPath, err: fmt.Errorf("stat %s: %w", relPath, err)}
	}
	size := info.Size()

	// Content is streamed through the hash (fingerprint.Of uses io.Copy),
	// so no single file's bytes are ever buffered whole; this counter is
	// bookkeeping for logger.Debug visibility into the configured cap,
	// not a blocking admission gate.
	cur := atomic.AddInt64(inFlightBytes, size)
	defer atomic.AddInt64(inFlightBytes, -size)
	if maxBytes > 0 && cur > maxBytes {
		logger.Debug("scan: in-flight bytes %d exceeds configured cap %d", cur, maxBytes)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return fileOutcome{relPath: relPath, err: fmt.Errorf("open %s: %w", relPath, err)}
	}
	defer f.Close()

	sum, err := fingerprint.Of(algorithm, f)
	if err != nil {
		return fileOutcome{relPath: relPath, err: fmt.Errorf("fingerprint %s: %w", relPath, err)}
	}

	return fileOutcome{relPath: relPath, size: size, fingerprint: sum}
}

// walk implements step 1: a depth-first traversal in lexical order
// (filepath.WalkDir), not breadth-first, honoring excludes before
// descending and skipping symlink cycles (by never following symlinked
// directories).
func walk(root string, includes, excludes []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if matchesAny(rel, excludes) {
				return filepath.SkipDir
			}
			if d.Type()&fs.ModeSymlink != 0 {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if matchesAny(rel, excludes) {
			return nil
		}
		if len(includes) > 0 && !matchesAny(rel, includes) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func matchesAny(relPath string, globs []string) bool {
	for _, g := range globs {
		if g == "" {
			continue
		}
		if ok, err := doublestar.Match(g, relPath); err == nil && ok {
			return true
		}
	}
	return false
}
