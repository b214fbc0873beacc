package sink

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/casparianflow/flow/internal/catalogtypes"
)

// sqliteSink owns one connection and writes inside a single transaction
// per job (spec §4.4: "writes occur inside a single transaction per job;
// on job failure the transaction is rolled back"). Grounded on the same
// begin/Rollback/commit shape as internal/catalog.
type sqliteSink struct {
	path    string
	table   string
	db      *sql.DB
	tx      *sql.Tx
	stmt    *sql.Stmt
	columns []catalogtypes.SchemaColumn
	rows    int64
}

func newSQLiteSink(path, table string, contract catalogtypes.SchemaContract) (Sink, error) {
	if table == "" {
		table = "output"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite sink directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite sink: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite sink pragma: %w", err)
	}

	cols := orderedColumns(contract)
	var ddl strings.Builder
	fmt.Fprintf(&ddl, "CREATE TABLE IF NOT EXISTS %s (", table)
	for i, c := range cols {
		if i > 0 {
			ddl.WriteString(", ")
		}
		fmt.Fprintf(&ddl, "%s %s", c.Name, sqliteColumnType(c.LogicalType))
	}
	ddl.WriteString(");")
	if _, err := db.Exec(ddl.String()); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sink table %s: %w", table, err)
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("begin sink transaction: %w", err)
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s VALUES (%s)", table, strings.Join(placeholders, ", "))
	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		tx.Rollback()
		db.Close()
		return nil, fmt.Errorf("prepare sink insert: %w", err)
	}

	return &sqliteSink{path: path, table: table, db: db, tx: tx, stmt: stmt, columns: cols}, nil
}

func sqliteColumnType(t catalogtypes.LogicalType) string {
	switch t {
	case catalogtypes.TypeInt64, catalogtypes.TypeTimestampMicros:
		return "INTEGER"
	case catalogtypes.TypeFloat64:
		return "REAL"
	case catalogtypes.TypeBool:
		return "INTEGER"
	case catalogtypes.TypeBinary:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func (s *sqliteSink) Write(row Row) error {
	args := make([]any, len(s.columns))
	for i, c := range s.columns {
		args[i] = row[c.Name]
	}
	if _, err := s.stmt.Exec(args...); err != nil {
		return fmt.Errorf("insert sink row: %w", err)
	}
	s.rows++
	return nil
}

func (s *sqliteSink) Close() (string, int64, error) {
	if err := s.stmt.Close(); err != nil {
		s.tx.Rollback()
		s.db.Close()
		return "", 0, fmt.Errorf("close sink statement: %w", err)
	}
	if err := s.tx.Commit(); err != nil {
		s.db.Close()
		return "", 0, fmt.Errorf("commit sink transaction: %w", err)
	}
	if err := s.db.Close(); err != nil {
		return "", 0, fmt.Errorf("close sink database: %w", err)
	}
	return s.path, s.rows, nil
}

func (s *sqliteSink) Abort() error {
	s.stmt.Close()
	s.tx.Rollback()
	return s.db.Close()
}
