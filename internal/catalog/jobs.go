package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/casparianflow/flow/internal/catalogtypes"
)

// EnsureJobsForFile implements spec §4.3 Matching: for a file that was
// just tagged or retagged, look up every ParserBinding subscribed to its
// tag and insert a queued Job for each one that doesn't already have a
// non-terminal job for (file_fingerprint, parser_binding_id).
//
// Returns the ids of jobs actually inserted.
func (c *Catalog) EnsureJobsForFile(fileID int64) ([]int64, error) {
	f, err := c.GetFile(fileID)
	if err != nil {
		return nil, err
	}
	if f.Tag == "" {
		return nil, nil
	}
	bindings, err := c.BindingsForTag(f.Tag)
	if err != nil {
		return nil, err
	}

	var inserted []int64
	for _, b := range bindings {
		id, created, err := c.ensureJob(f, b.ID)
		if err != nil {
			return inserted, err
		}
		if created {
			inserted = append(inserted, id)
		}
	}
	return inserted, nil
}

func (c *Catalog) ensureJob(f catalogtypes.File, bindingID int64) (int64, bool, error) {
	tx, err := c.db.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("begin ensure job: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRow(
		`SELECT id FROM jobs
		 WHERE file_fingerprint = ? AND parser_binding_id = ? AND status IN ('queued', 'running')`,
		f.Fingerprint, bindingID,
	).Scan(&existing)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, fmt.Errorf("check existing job: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO jobs (file_id, file_fingerprint, parser_binding_id, status)
		 VALUES (?, ?, ?, 'queued')`,
		f.ID, f.Fingerprint, bindingID,
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("insert job: %w", err)
	}
	if _, err := tx.Exec(`UPDATE files SET status = 'queued' WHERE id = ? AND status != 'running'`, f.ID); err != nil {
		return 0, false, fmt.Errorf("mark file queued: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit ensure job: %w", err)
	}
	return id, true, nil
}

// ClaimNextJob implements spec §4.1 claim_next_job: atomically selects
// the oldest queued job and transitions it to running, stamping the
// claim time and worker id. Returns (Job{}, false, nil) if none is
// available. Safe under concurrent claimers — the Catalog serializes all
// writes through a single sqlite connection (see catalog.Open).
func (c *Catalog) ClaimNextJob(workerID string, now time.Time) (catalogtypes.Job, bool, error) {
	tx, err := c.db.Begin()
	if err != nil {
		return catalogtypes.Job{}, false, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow(`SELECT id FROM jobs WHERE status = 'queued' ORDER BY id ASC LIMIT 1`).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return catalogtypes.Job{}, false, nil
	case err != nil:
		return catalogtypes.Job{}, false, fmt.Errorf("select next job: %w", err)
	}

	claimedAt := now.UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(
		`UPDATE jobs SET status = 'running', claimed_at = ?, worker_id = ? WHERE id = ? AND status = 'queued'`,
		claimedAt, workerID, id,
	); err != nil {
		return catalogtypes.Job{}, false, fmt.Errorf("claim job %d: %w", id, err)
	}
	if _, err := tx.Exec(`UPDATE files SET status = 'running' WHERE id = (SELECT file_id FROM jobs WHERE id = ?)`, id); err != nil {
		return catalogtypes.Job{}, false, fmt.Errorf("mark file running: %w", err)
	}

	job, err := scanJobTx(tx, id)
	if err != nil {
		return catalogtypes.Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return catalogtypes.Job{}, false, fmt.Errorf("commit claim: %w", err)
	}
	return job, true, nil
}

// ConcludeJob implements spec §4.1 conclude_job: the terminal transition,
// with a lineage event appended in the same logical operation.
func (c *Catalog) ConcludeJob(jobID int64, outcome catalogtypes.JobStatus, errKind catalogtypes.ErrorKind, errMsg, outputPath string, rowCount int64, now time.Time) error {
	if outcome != catalogtypes.JobSucceeded && outcome != catalogtypes.JobFailed && outcome != catalogtypes.JobCancelled {
		return fmt.Errorf("conclude job %d: %q is not a terminal outcome", jobID, outcome)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin conclude: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJobTx(tx, jobID)
	if err != nil {
		return err
	}

	endedAt := now.UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(
		`UPDATE jobs SET status = ?, ended_at = ?, error_kind = ?, error_message = ?, output_path = ?, row_count = ?
		 WHERE id = ?`,
		outcome, endedAt, errKind, errMsg, outputPath, rowCount, jobID,
	); err != nil {
		return fmt.Errorf("conclude job %d: %w", jobID, err)
	}

	fileStatus := "done"
	if outcome != catalogtypes.JobSucceeded {
		fileStatus = "failed"
	}
	if _, err := tx.Exec(`UPDATE files SET status = ? WHERE id = ?`, fileStatus, job.FileID); err != nil {
		return fmt.Errorf("update file status for job %d: %w", jobID, err)
	}

	eventType := catalogtypes.EventJobSucceeded
	switch outcome {
	case catalogtypes.JobFailed:
		eventType = catalogtypes.EventJobFailed
	case catalogtypes.JobCancelled:
		eventType = catalogtypes.EventJobCancelled
	}
	if err := appendLineageEventTx(tx, catalogtypes.LineageEvent{
		EventType:       eventType,
		EventTime:       now,
		FileFingerprint: job.FileFingerprint,
		JobID:           &jobID,
		OutputPath:      outputPath,
		RowCount:        rowCount,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conclude: %w", err)
	}
	return nil
}

// SweepStale implements spec §4.1 sweep_stale: any running job whose
// worker's last heartbeat is older than liveness_window is returned to
// queued (retry_count incremented, job.orphaned event appended), or
// failed with exceeded_retries if the ceiling is passed. Idempotent with
// respect to already-terminal jobs (spec §8 property 5) because it only
// ever touches rows with status = 'running'.
func (c *Catalog) SweepStale(now time.Time, livenessWindow time.Duration, retryCeiling int) (orphaned, exceeded int, err error) {
	rows, err := c.db.Query(
		`SELECT j.id, j.file_fingerprint, j.retry_count, w.last_heartbeat
		 FROM jobs j
		 LEFT JOIN worker_registrations w ON w.worker_id = j.worker_id
		 WHERE j.status = 'running'`)
	if err != nil {
		return 0, 0, fmt.Errorf("sweep stale: select running jobs: %w", err)
	}
	type staleCandidate struct {
		id              int64
		fingerprint     string
		retryCount      int
		lastHeartbeat   sql.NullString
	}
	var candidates []staleCandidate
	for rows.Next() {
		var sc staleCandidate
		if err := rows.Scan(&sc.id, &sc.fingerprint, &sc.retryCount, &sc.lastHeartbeat); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("sweep stale: scan: %w", err)
		}
		candidates = append(candidates, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("sweep stale: %w", err)
	}

	for _, sc := range candidates {
		stale := true
		if sc.lastHeartbeat.Valid {
			t, err := time.Parse(time.RFC3339Nano, sc.lastHeartbeat.String)
			if err == nil && now.Sub(t) <= livenessWindow {
				stale = false
			}
		}
		if !stale {
			continue
		}

		tx, err := c.db.Begin()
		if err != nil {
			return orphaned, exceeded, fmt.Errorf("sweep stale: begin: %w", err)
		}

		var currentStatus string
		if err := tx.QueryRow(`SELECT status FROM jobs WHERE id = ?`, sc.id).Scan(&currentStatus); err != nil {
			tx.Rollback()
			return orphaned, exceeded, fmt.Errorf("sweep stale: recheck job %d: %w", sc.id, err)
		}
		if currentStatus != "running" {
			tx.Rollback()
			continue
		}

		newRetry := sc.retryCount + 1
		if newRetry > retryCeiling {
			if _, err := tx.Exec(
				`UPDATE jobs SET status = 'failed', retry_count = ?, error_kind = 'exceeded_retries',
				 ended_at = ? WHERE id = ?`,
				newRetry, now.UTC().Format(time.RFC3339Nano), sc.id,
			); err != nil {
				tx.Rollback()
				return orphaned, exceeded, fmt.Errorf("sweep stale: fail job %d: %w", sc.id, err)
			}
			exceeded++
		} else {
			if _, err := tx.Exec(
				`UPDATE jobs SET status = 'queued', retry_count = ?, claimed_at = NULL, worker_id = ''
				 WHERE id = ?`,
				newRetry, sc.id,
			); err != nil {
				tx.Rollback()
				return orphaned, exceeded, fmt.Errorf("sweep stale: requeue job %d: %w", sc.id, err)
			}
			jobID := sc.id
			if err := appendLineageEventTx(tx, catalogtypes.LineageEvent{
				EventType:       catalogtypes.EventJobOrphaned,
				EventTime:       now,
				FileFingerprint: sc.fingerprint,
				JobID:           &jobID,
			}); err != nil {
				tx.Rollback()
				return orphaned, exceeded, err
			}
			orphaned++
		}
		if err := tx.Commit(); err != nil {
			return orphaned, exceeded, fmt.Errorf("sweep stale: commit job %d: %w", sc.id, err)
		}
	}
	return orphaned, exceeded, nil
}

// RetryJob implements the non-terminal half of spec §7's retry policy:
// a running job whose worker reported a retriable failure kind goes
// back to queued with retry_count incremented, rather than being
// written as a terminal failure. The Coordinator is responsible for
// checking the retry ceiling before calling this.
func (c *Catalog) RetryJob(jobID int64, now time.Time) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin retry job %d: %w", jobID, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE jobs SET status = 'queued', retry_count = retry_count + 1, claimed_at = NULL, worker_id = ''
		 WHERE id = ? AND status = 'running'`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("retry job %d: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("retry job %d: %w", jobID, err)
	} else if n == 0 {
		return fmt.Errorf("retry job %d: not in running state", jobID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit retry job %d: %w", jobID, err)
	}
	return nil
}

// GetJob loads a job by id.
func (c *Catalog) GetJob(jobID int64) (catalogtypes.Job, error) {
	return scanJobTx(c.db, jobID)
}

type txQueryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func scanJobTx(q txQueryRower, jobID int64) (catalogtypes.Job, error) {
	var (
		j            catalogtypes.Job
		status       string
		claimedAt    sql.NullString
		endedAt      sql.NullString
		errKind      string
	)
	err := q.QueryRow(
		`SELECT id, file_id, file_fingerprint, parser_binding_id, status, claimed_at, ended_at,
		        worker_id, retry_count, error_kind, error_message, output_path, row_count
		 FROM jobs WHERE id = ?`, jobID,
	).Scan(&j.ID, &j.FileID, &j.FileFingerprint, &j.ParserBindingID, &status, &claimedAt, &endedAt,
		&j.WorkerID, &j.RetryCount, &errKind, &j.ErrorMessage, &j.OutputPath, &j.RowCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalogtypes.Job{}, fmt.Errorf("job %d not found: %w", jobID, err)
		}
		return catalogtypes.Job{}, fmt.Errorf("scan job %d: %w", jobID, err)
	}
	j.Status = catalogtypes.JobStatus(status)
	j.ErrorKind = catalogtypes.ErrorKind(errKind)
	if claimedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, claimedAt.String)
		j.ClaimedAt = &t
	}
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, endedAt.String)
		j.EndedAt = &t
	}
	return j, nil
}
