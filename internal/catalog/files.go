package catalog

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/casparianflow/flow/internal/catalogtypes"
)

// UpsertResult reports what upsertFile did, per spec §4.1.
type UpsertResult string

const (
	ResultInserted  UpsertResult = "inserted"
	ResultUpdated   UpsertResult = "updated"
	ResultUnchanged UpsertResult = "unchanged"
)

// UpsertFile implements spec §4.1 upsert_file. If a row with the same
// (root, rel_path) already has the same fingerprint, it returns
// unchanged and does nothing else — this is what keeps rescanning a
// byte-identical tree a no-op (spec §8 property 3).
func (c *Catalog) UpsertFile(root, relPath string, size int64, fingerprint string) (int64, UpsertResult, error) {
	var (
		id          int64
		existingFP  string
		tagSource   string
	)
	err := c.db.QueryRow(
		`SELECT id, fingerprint, tag_source FROM files WHERE root = ? AND rel_path = ?`,
		root, relPath,
	).Scan(&id, &existingFP, &tagSource)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := c.db.Exec(
			`INSERT INTO files (root, rel_path, size, fingerprint, tag, tag_source, status)
			 VALUES (?, ?, ?, ?, '', 'none', 'discovered')`,
			root, relPath, size, fingerprint,
		)
		if err != nil {
			return 0, "", fmt.Errorf("insert file %s/%s: %w", root, relPath, err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return 0, "", fmt.Errorf("insert file %s/%s: %w", root, relPath, err)
		}
		return newID, ResultInserted, nil
	case err != nil:
		return 0, "", fmt.Errorf("lookup file %s/%s: %w", root, relPath, err)
	}

	if existingFP == fingerprint {
		return id, ResultUnchanged, nil
	}

	// Content changed under a stable path: reset to discovered so the
	// file is re-evaluated, but never clobber a manual tag.
	if tagSource == string(catalogtypes.TagSourceManual) {
		_, err = c.db.Exec(
			`UPDATE files SET size = ?, fingerprint = ?, status = 'discovered', last_error = ''
			 WHERE id = ?`,
			size, fingerprint, id,
		)
	} else {
		_, err = c.db.Exec(
			`UPDATE files SET size = ?, fingerprint = ?, status = 'discovered', last_error = '',
			 tag = '', tag_source = 'none', rule_id = NULL
			 WHERE id = ?`,
			size, fingerprint, id,
		)
	}
	if err != nil {
		return 0, "", fmt.Errorf("update file %s/%s: %w", root, relPath, err)
	}
	return id, ResultUpdated, nil
}

// RecordFileError stamps a file-level I/O error without aborting the
// scan (spec §4.2 Errors: "file-level I/O errors are recorded against
// that file ... but do not abort the scan").
func (c *Catalog) RecordFileError(root, relPath, message string) error {
	_, err := c.db.Exec(
		`UPDATE files SET last_error = ?, status = 'discovered' WHERE root = ? AND rel_path = ?`,
		message, root, relPath,
	)
	if err != nil {
		return fmt.Errorf("record file error %s/%s: %w", root, relPath, err)
	}
	return nil
}

// GetFile returns the current row for a file id.
func (c *Catalog) GetFile(fileID int64) (catalogtypes.File, error) {
	return c.scanFile(c.db.QueryRow(
		`SELECT id, root, rel_path, size, fingerprint, tag, tag_source, rule_id, status, last_error
		 FROM files WHERE id = ?`, fileID))
}

func (c *Catalog) scanFile(row *sql.Row) (catalogtypes.File, error) {
	var f catalogtypes.File
	var tagSource string
	var status string
	var ruleID sql.NullInt64
	if err := row.Scan(&f.ID, &f.Root, &f.RelPath, &f.Size, &f.Fingerprint, &f.Tag, &tagSource, &ruleID, &status, &f.LastError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalogtypes.File{}, fmt.Errorf("file not found: %w", err)
		}
		return catalogtypes.File{}, fmt.Errorf("scan file: %w", err)
	}
	f.TagSource = catalogtypes.TagSource(tagSource)
	f.Status = catalogtypes.FileStatus(status)
	if ruleID.Valid {
		v := ruleID.Int64
		f.RuleID = &v
	}
	return f, nil
}

// SetFileStatus moves a file's status directly — used by the Coordinator
// when a file's last job finishes (done/failed) and by tests.
func (c *Catalog) SetFileStatus(fileID int64, status catalogtypes.FileStatus) error {
	_, err := c.db.Exec(`UPDATE files SET status = ? WHERE id = ?`, status, fileID)
	if err != nil {
		return fmt.Errorf("set file status: %w", err)
	}
	return nil
}
