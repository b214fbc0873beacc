package catalog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/casparianflow/flow/internal/catalogtypes"
)

type txExecer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// appendLineageEventTx appends one row to the append-only provenance log
// inside an already-open transaction (spec §4.4 Lineage: every job
// conclusion and every orphaning is recorded, never mutated afterward).
func appendLineageEventTx(tx txExecer, e catalogtypes.LineageEvent) error {
	var jobID sql.NullInt64
	if e.JobID != nil {
		jobID = sql.NullInt64{Int64: *e.JobID, Valid: true}
	}
	_, err := tx.Exec(
		`INSERT INTO lineage_events
			(event_type, event_time, file_fingerprint, job_id, parser_name, parser_version, output_path, row_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.EventType), e.EventTime.UTC().Format(time.RFC3339Nano), e.FileFingerprint,
		jobID, e.ParserName, e.ParserVersion, e.OutputPath, e.RowCount,
	)
	if err != nil {
		return fmt.Errorf("append lineage event %s: %w", e.EventType, err)
	}
	return nil
}

// AppendLineageEvent appends a standalone event outside of any other
// transaction — used for file.discovered/file.retagged, which have no
// accompanying job mutation.
func (c *Catalog) AppendLineageEvent(e catalogtypes.LineageEvent) error {
	return appendLineageEventTx(c.db, e)
}

// ListLineageEvents returns every recorded event for a file fingerprint,
// oldest first — used by tests and by any future audit surface.
func (c *Catalog) ListLineageEvents(fingerprint string) ([]catalogtypes.LineageEvent, error) {
	rows, err := c.db.Query(
		`SELECT id, event_type, event_time, file_fingerprint, job_id, parser_name, parser_version, output_path, row_count
		 FROM lineage_events WHERE file_fingerprint = ? ORDER BY id ASC`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("list lineage events: %w", err)
	}
	defer rows.Close()

	var out []catalogtypes.LineageEvent
	for rows.Next() {
		var (
			e         catalogtypes.LineageEvent
			eventType string
			eventTime string
			jobID     sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &eventType, &eventTime, &e.FileFingerprint, &jobID,
			&e.ParserName, &e.ParserVersion, &e.OutputPath, &e.RowCount); err != nil {
			return nil, fmt.Errorf("scan lineage event: %w", err)
		}
		e.EventType = catalogtypes.LineageEventType(eventType)
		if t, perr := time.Parse(time.RFC3339Nano, eventTime); perr == nil {
			e.EventTime = t
		}
		if jobID.Valid {
			v := jobID.Int64
			e.JobID = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
