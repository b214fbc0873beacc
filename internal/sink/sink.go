// Package sink implements the three output writers spec §4.4/§9 name:
// parquet, csv, and sqlite. Every sink appends the four reserved lineage
// columns itself; callers (internal/worker) never write them directly.
package sink

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/casparianflow/flow/internal/catalogtypes"
	"github.com/casparianflow/flow/internal/lineage"
)

// Row is one output record: column name to value, already shaped to the
// schema contract's logical types (the worker validates this before a
// Row reaches a sink).
type Row map[string]any

// Sink is the capability interface every output writer satisfies. A Sink
// is created per job, written to as batches arrive, and closed exactly
// once — either Close (success) or Abort (job failed or was cancelled,
// discard partial output per spec §4.4 cancellation).
type Sink interface {
	// Write appends one row, with the lineage stamp already merged in.
	Write(row Row) error
	// Close flushes and finalizes the sink, returning the output path and
	// the number of rows written.
	Close() (outputPath string, rowCount int64, err error)
	// Abort discards any partial output without finalizing it.
	Abort() error
}

// Open creates the sink implementation named by spec.Kind, resolving
// PathTemplate against the job identifiers it may reference.
func Open(spec catalogtypes.SinkSpec, jobID int64, parserName, tag string, at time.Time, contract catalogtypes.SchemaContract, defaultRowGroupRows int) (Sink, error) {
	path := ResolvePathTemplate(spec.PathTemplate, jobID, parserName, tag, at)
	switch spec.Kind {
	case catalogtypes.SinkParquet:
		return newParquetSink(path, contract, defaultRowGroupRows)
	case catalogtypes.SinkCSV:
		return newCSVSink(path, contract)
	case catalogtypes.SinkSQLite:
		return newSQLiteSink(path, spec.Table, contract)
	default:
		return nil, fmt.Errorf("unknown sink kind %q", spec.Kind)
	}
}

// ResolvePathTemplate expands the four placeholders spec §3's SinkSpec
// names — {job_id}, {tag}, {parser}, {date} — in a sink's path_template
// (§6.6 paths.output_root is expected to already be folded into
// PathTemplate by whatever assembled the SinkSpec). {date} is the UTC
// calendar date of at, formatted YYYY-MM-DD.
func ResolvePathTemplate(template string, jobID int64, parserName, tag string, at time.Time) string {
	r := strings.NewReplacer(
		"{job_id}", fmt.Sprintf("%d", jobID),
		"{parser}", parserName,
		"{tag}", tag,
		"{date}", at.UTC().Format("2006-01-02"),
	)
	return filepath.Clean(r.Replace(template))
}

// stampRow merges a lineage.Stamp's four columns into row, returning a
// new map (the caller's row is never mutated in place).
func stampRow(row Row, stamp lineage.Stamp) Row {
	out := make(Row, len(row)+4)
	for k, v := range row {
		out[k] = v
	}
	for _, col := range stamp.Columns() {
		out[col.Name] = col.Value
	}
	return out
}

// orderedColumns returns a schema contract's columns followed by the
// four reserved lineage columns, in the fixed order every sink's header
// row and parquet schema use.
func orderedColumns(contract catalogtypes.SchemaContract) []catalogtypes.SchemaColumn {
	cols := make([]catalogtypes.SchemaColumn, 0, len(contract.Columns)+4)
	cols = append(cols, contract.Columns...)
	cols = append(cols, catalogtypes.SchemaColumn{Name: "_cf_source_hash", LogicalType: catalogtypes.TypeString},
		catalogtypes.SchemaColumn{Name: "_cf_job_id", LogicalType: catalogtypes.TypeInt64},
		catalogtypes.SchemaColumn{Name: "_cf_parser_version", LogicalType: catalogtypes.TypeString},
		catalogtypes.SchemaColumn{Name: "_cf_processed_at", LogicalType: catalogtypes.TypeTimestampMicros},
	)
	return cols
}

// StampAndWrite is the convenience entry point internal/worker uses: it
// merges the lineage stamp into row and writes the result.
func StampAndWrite(s Sink, row Row, stamp lineage.Stamp) error {
	return s.Write(stampRow(row, stamp))
}
