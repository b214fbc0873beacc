package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/casparianflow/flow/internal/catalogtypes"
	"github.com/casparianflow/flow/internal/protocol"
)

// parserStore materializes untrusted, content-addressed parser source
// onto disk (spec §5 "Dynamic parser code ... the Worker materializes
// it into a temp dir"). Keyed by the sha256 of the deployed bytes, which
// is expected to match the ParserBinding's source_hash the Coordinator
// used when it registered the binding.
type parserStore struct {
	rootDir string

	mu    sync.Mutex
	paths map[string]string
}

func newParserStore(rootDir string) *parserStore {
	return &parserStore{rootDir: rootDir, paths: make(map[string]string)}
}

// Materialize writes source to <rootDir>/parsers/<hash>/source, reusing
// the file if it is already on disk (DEPLOY may be resent idempotently).
func (s *parserStore) Materialize(source []byte) (string, error) {
	sum := sha256.Sum256(source)
	hash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.paths[hash]; ok {
		return p, nil
	}

	dir := filepath.Join(s.rootDir, "parsers", hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create parser dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "source")
	if _, err := os.Stat(path); err != nil {
		if err := os.WriteFile(path, source, 0o644); err != nil {
			return "", fmt.Errorf("write parser source: %w", err)
		}
	}
	s.paths[hash] = path
	return path, nil
}

// Lookup returns the materialized path for a previously deployed hash.
func (s *parserStore) Lookup(hash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paths[hash]
	return p, ok
}

func (w *Worker) handleDeploy(h protocol.Header, body []byte) {
	var d protocol.DeployPayload
	if err := protocol.DecodePayload(body, &d); err != nil {
		_ = w.send(protocol.OpErr, h.JobID, protocol.ErrPayload{Kind: catalogtypes.ErrProtocolError, Message: err.Error()})
		return
	}
	if _, err := w.parsers.Materialize(d.SourceBytes); err != nil {
		_ = w.send(protocol.OpErr, h.JobID, protocol.ErrPayload{Kind: catalogtypes.ErrEnvPrepareFailed, Message: err.Error()})
	}
}
