package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/casparianflow/flow/internal/catalogtypes"
)

// RecordHeartbeat upserts a worker's liveness row (spec §4.1: workers
// heartbeat on an interval; SweepStale compares against this table).
func (c *Catalog) RecordHeartbeat(workerID string, now time.Time, capabilities map[string]struct{}) error {
	caps := make([]string, 0, len(capabilities))
	for k := range capabilities {
		caps = append(caps, k)
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = c.db.Exec(
		`INSERT INTO worker_registrations (worker_id, last_heartbeat, capabilities)
		 VALUES (?, ?, ?)
		 ON CONFLICT(worker_id) DO UPDATE SET last_heartbeat = excluded.last_heartbeat,
		                                      capabilities = excluded.capabilities`,
		workerID, now.UTC().Format(time.RFC3339Nano), string(capsJSON),
	)
	if err != nil {
		return fmt.Errorf("record heartbeat for %s: %w", workerID, err)
	}
	return nil
}

// GetWorkerRegistration loads a single worker's liveness row.
func (c *Catalog) GetWorkerRegistration(workerID string) (catalogtypes.WorkerRegistration, error) {
	var (
		w             catalogtypes.WorkerRegistration
		lastHeartbeat string
		capsJSON      string
	)
	err := c.db.QueryRow(
		`SELECT worker_id, last_heartbeat, capabilities FROM worker_registrations WHERE worker_id = ?`,
		workerID,
	).Scan(&w.WorkerID, &lastHeartbeat, &capsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalogtypes.WorkerRegistration{}, fmt.Errorf("worker %s not registered: %w", workerID, err)
		}
		return catalogtypes.WorkerRegistration{}, fmt.Errorf("get worker registration: %w", err)
	}
	if t, perr := time.Parse(time.RFC3339Nano, lastHeartbeat); perr == nil {
		w.LastHeartbeat = t
	}
	var caps []string
	if err := json.Unmarshal([]byte(capsJSON), &caps); err != nil {
		return catalogtypes.WorkerRegistration{}, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	w.Capabilities = make(map[string]struct{}, len(caps))
	for _, cap := range caps {
		w.Capabilities[cap] = struct{}{}
	}
	return w, nil
}

// ListWorkerRegistrations returns every known worker, for diagnostics and
// tests.
func (c *Catalog) ListWorkerRegistrations() ([]catalogtypes.WorkerRegistration, error) {
	rows, err := c.db.Query(`SELECT worker_id, last_heartbeat, capabilities FROM worker_registrations ORDER BY worker_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list worker registrations: %w", err)
	}
	defer rows.Close()

	var out []catalogtypes.WorkerRegistration
	for rows.Next() {
		var (
			w             catalogtypes.WorkerRegistration
			lastHeartbeat string
			capsJSON      string
		)
		if err := rows.Scan(&w.WorkerID, &lastHeartbeat, &capsJSON); err != nil {
			return nil, fmt.Errorf("scan worker registration: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339Nano, lastHeartbeat); perr == nil {
			w.LastHeartbeat = t
		}
		var caps []string
		if err := json.Unmarshal([]byte(capsJSON), &caps); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
		w.Capabilities = make(map[string]struct{}, len(caps))
		for _, cp := range caps {
			w.Capabilities[cp] = struct{}{}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
