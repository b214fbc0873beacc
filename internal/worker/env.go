package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/casparianflow/flow/internal/catalogtypes"
	"github.com/casparianflow/flow/internal/protocol"
)

// envMarker is the on-disk record an EnvCache writes into a provisioned
// directory, content-addressed the same way the teacher's update cache
// (apps/cli/internal/update.cacheEntry) records a checked-at timestamp
// next to its cached payload.
type envMarker struct {
	ParserName   string    `json:"parser_name"`
	Dependencies []string  `json:"dependencies"`
	PreparedAt   time.Time `json:"prepared_at"`
}

const envMarkerFile = "env.json"

// EnvCache provisions and caches the per-(parser_name, dependency_set)
// execution environments spec §4.4 "Environment cache" describes,
// keyed by a content hash of the dependency set so concurrent jobs for
// the same parser version never provision twice.
type EnvCache struct {
	rootDir string

	mu       sync.Mutex
	inFlight map[string]*sync.WaitGroup
	ready    map[string]string
}

// NewEnvCache creates a cache rooted at dir (worker.env_dir).
func NewEnvCache(dir string) *EnvCache {
	return &EnvCache{
		rootDir:  dir,
		inFlight: make(map[string]*sync.WaitGroup),
		ready:    make(map[string]string),
	}
}

// DependencySetKey hashes a parser name and its (order-independent)
// dependency list into the cache key used for both the in-memory and
// on-disk env cache.
func DependencySetKey(parserName string, deps []string) string {
	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(parserName))
	for _, d := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(d))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Prepare returns the environment handle (its directory path) for
// (parserName, deps), provisioning it on first use. Preparation is
// idempotent: a second call with the same dependency set, even from a
// concurrent goroutine, reuses the cached directory rather than
// reprovisioning (spec §4.4: "idempotent and cached across jobs").
func (e *EnvCache) Prepare(parserName string, deps []string) (handle string, cached bool, err error) {
	key := DependencySetKey(parserName, deps)

	e.mu.Lock()
	if h, ok := e.ready[key]; ok {
		e.mu.Unlock()
		return h, true, nil
	}
	if wg, ok := e.inFlight[key]; ok {
		e.mu.Unlock()
		wg.Wait()
		e.mu.Lock()
		h, ok := e.ready[key]
		e.mu.Unlock()
		if !ok {
			return "", false, fmt.Errorf("prepare env for %s: concurrent preparation failed", parserName)
		}
		return h, true, nil
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	e.inFlight[key] = wg
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, key)
		e.mu.Unlock()
		wg.Done()
	}()

	envDir := filepath.Join(e.rootDir, key)
	if m, ok := loadEnvMarker(envDir); ok && sameDependencySet(m.Dependencies, deps) {
		e.mu.Lock()
		e.ready[key] = envDir
		e.mu.Unlock()
		return envDir, true, nil
	}

	if err := provisionEnv(envDir, parserName, deps); err != nil {
		return "", false, err
	}
	e.mu.Lock()
	e.ready[key] = envDir
	e.mu.Unlock()
	return envDir, false, nil
}

func provisionEnv(envDir, parserName string, deps []string) error {
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		return fmt.Errorf("create env dir %s: %w", envDir, err)
	}
	m := envMarker{ParserName: parserName, Dependencies: deps, PreparedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal env marker: %w", err)
	}
	if err := os.WriteFile(filepath.Join(envDir, envMarkerFile), data, 0o644); err != nil {
		return fmt.Errorf("write env marker: %w", err)
	}
	return nil
}

func loadEnvMarker(envDir string) (envMarker, bool) {
	data, err := os.ReadFile(filepath.Join(envDir, envMarkerFile))
	if err != nil {
		return envMarker{}, false
	}
	var m envMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return envMarker{}, false
	}
	return m, true
}

func sameDependencySet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := append([]string(nil), a...), append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// handlePrepareEnv answers a PREPARE_ENV frame. The coordinator
// correlates the reply using the frame's job-id field as a request id
// (PREPARE_ENV precedes the job it serves, so no real job id exists yet).
func (w *Worker) handlePrepareEnv(h protocol.Header, body []byte) {
	var p protocol.PrepareEnvPayload
	if err := protocol.DecodePayload(body, &p); err != nil {
		_ = w.send(protocol.OpErr, h.JobID, protocol.ErrPayload{Kind: catalogtypes.ErrEnvPrepareFailed, Message: err.Error()})
		return
	}
	handle, cached, err := w.env.Prepare(p.ParserName, p.DependencySet)
	if err != nil {
		_ = w.send(protocol.OpErr, h.JobID, protocol.ErrPayload{Kind: catalogtypes.ErrEnvPrepareFailed, Message: err.Error()})
		return
	}
	_ = w.send(protocol.OpEnvReady, h.JobID, protocol.EnvReadyPayload{EnvHandle: handle, Cached: cached})
}
