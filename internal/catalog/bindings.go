package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/casparianflow/flow/internal/catalogtypes"
)

// RegisterParserBinding inserts a new (name, source_hash) version and its
// tag subscriptions. The tuple is immutable once inserted (spec §3
// ParserBinding invariant) — publishing a new version always inserts a
// new row rather than updating one.
func (c *Catalog) RegisterParserBinding(b catalogtypes.ParserBinding) (int64, error) {
	deps, err := json.Marshal(b.Dependencies)
	if err != nil {
		return 0, fmt.Errorf("marshal dependencies: %w", err)
	}
	schemaJSON, err := json.Marshal(b.Schema)
	if err != nil {
		return 0, fmt.Errorf("marshal schema: %w", err)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin register binding: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO parser_bindings
			(name, source_hash, source_bytes, dependencies, schema_contract, sink_kind, sink_path_template, sink_table)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Name, b.SourceHash, b.SourceBytes, string(deps), string(schemaJSON),
		string(b.Sink.Kind), b.Sink.PathTemplate, b.Sink.Table,
	)
	if err != nil {
		return 0, fmt.Errorf("insert parser binding %s@%s: %w", b.Name, b.SourceHash, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert parser binding %s@%s: %w", b.Name, b.SourceHash, err)
	}
	for _, tag := range b.Tags {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO subscriptions (tag, parser_binding_id) VALUES (?, ?)`,
			tag, id,
		); err != nil {
			return 0, fmt.Errorf("subscribe binding %d to tag %s: %w", id, tag, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit register binding: %w", err)
	}
	return id, nil
}

// BindingsForTag returns every ParserBinding subscribed to tag — the
// lookup the Coordinator runs on file.tagged/file.retagged (spec §4.3
// Matching).
func (c *Catalog) BindingsForTag(tag string) ([]catalogtypes.ParserBinding, error) {
	rows, err := c.db.Query(
		`SELECT pb.id, pb.name, pb.source_hash, pb.source_bytes, pb.dependencies, pb.schema_contract,
		        pb.sink_kind, pb.sink_path_template, pb.sink_table
		 FROM parser_bindings pb
		 JOIN subscriptions s ON s.parser_binding_id = pb.id
		 WHERE s.tag = ?
		 ORDER BY pb.id ASC`, tag)
	if err != nil {
		return nil, fmt.Errorf("bindings for tag %s: %w", tag, err)
	}
	defer rows.Close()

	var out []catalogtypes.ParserBinding
	for rows.Next() {
		b, err := scanBindingRow(rows)
		if err != nil {
			return nil, err
		}
		b.Tags = []string{tag}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetParserBinding loads a single binding by id.
func (c *Catalog) GetParserBinding(id int64) (catalogtypes.ParserBinding, error) {
	row := c.db.QueryRow(
		`SELECT id, name, source_hash, source_bytes, dependencies, schema_contract,
		        sink_kind, sink_path_template, sink_table
		 FROM parser_bindings WHERE id = ?`, id)
	return scanBindingRow(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBindingRow(row rowScanner) (catalogtypes.ParserBinding, error) {
	var (
		b          catalogtypes.ParserBinding
		depsJSON   string
		schemaJSON string
		sinkKind   string
	)
	if err := row.Scan(&b.ID, &b.Name, &b.SourceHash, &b.SourceBytes, &depsJSON, &schemaJSON,
		&sinkKind, &b.Sink.PathTemplate, &b.Sink.Table); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalogtypes.ParserBinding{}, fmt.Errorf("parser binding not found: %w", err)
		}
		return catalogtypes.ParserBinding{}, fmt.Errorf("scan parser binding: %w", err)
	}
	b.Sink.Kind = catalogtypes.SinkKind(sinkKind)
	if err := json.Unmarshal([]byte(depsJSON), &b.Dependencies); err != nil {
		return catalogtypes.ParserBinding{}, fmt.Errorf("unmarshal dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(schemaJSON), &b.Schema); err != nil {
		return catalogtypes.ParserBinding{}, fmt.Errorf("unmarshal schema: %w", err)
	}
	return b, nil
}
