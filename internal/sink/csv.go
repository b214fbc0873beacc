package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/casparianflow/flow/internal/catalogtypes"
)

// csvSink streams rows to a CSV file, writing the header exactly once
// (spec §4.4: "csv: streamed, header row written once"). No third-party
// CSV library appears anywhere in the retrieved pack, so this is
// encoding/csv directly — see DESIGN.md for the stdlib justification.
type csvSink struct {
	path    string
	file    *os.File
	w       *csv.Writer
	columns []catalogtypes.SchemaColumn
	rows    int64
}

func newCSVSink(path string, contract catalogtypes.SchemaContract) (Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create csv sink directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create csv sink file: %w", err)
	}
	cols := orderedColumns(contract)
	w := csv.NewWriter(f)

	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c.Name
	}
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	return &csvSink{path: path, file: f, w: w, columns: cols}, nil
}

func (s *csvSink) Write(row Row) error {
	record := make([]string, len(s.columns))
	for i, c := range s.columns {
		record[i] = fmt.Sprintf("%v", row[c.Name])
	}
	if err := s.w.Write(record); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	s.rows++
	return nil
}

func (s *csvSink) Close() (string, int64, error) {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.file.Close()
		return "", 0, fmt.Errorf("flush csv sink: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return "", 0, fmt.Errorf("close csv sink file: %w", err)
	}
	return s.path, s.rows, nil
}

func (s *csvSink) Abort() error {
	s.file.Close()
	return os.Remove(s.path)
}
