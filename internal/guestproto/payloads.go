package guestproto

import "encoding/json"

// Batch is one columnar record batch. Columns are keyed by the schema
// contract's column name; each value slice holds one Go-native value per
// row in the logical type the contract declares for that column. Batches
// carry no lineage columns — the worker appends those before handing the
// batch to a sink (spec §4.4 Lineage stamping).
type Batch struct {
	Columns  map[string][]any `json:"columns"`
	RowCount int              `json:"row_count"`
}

// Progress is an optional, observability-only frame.
type Progress struct {
	RowsEmitted int64 `json:"rows_emitted"`
	BytesRead   int64 `json:"bytes_read"`
}

// ConcludeGuest is the terminal frame a guest sends before exiting.
type ConcludeGuest struct {
	Outcome   string `json:"outcome"` // "succeeded" or "failed"
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// DecodeBatch unmarshals a BATCH frame body.
func DecodeBatch(body []byte) (Batch, error) {
	var b Batch
	err := json.Unmarshal(body, &b)
	return b, err
}

// DecodeProgress unmarshals a PROGRESS frame body.
func DecodeProgress(body []byte) (Progress, error) {
	var p Progress
	err := json.Unmarshal(body, &p)
	return p, err
}

// DecodeConcludeGuest unmarshals a CONCLUDE_GUEST frame body.
func DecodeConcludeGuest(body []byte) (ConcludeGuest, error) {
	var c ConcludeGuest
	err := json.Unmarshal(body, &c)
	return c, err
}

// ColumnNames returns the batch's column names in map iteration order,
// which is not defined and can differ between calls: callers that need
// stable iteration (sinks writing header rows) should
// source column order from the schema contract instead of this map, but
// tests and debugging use this for quick inspection.
func (b Batch) ColumnNames() []string {
	names := make([]string, 0, len(b.Columns))
	for name := range b.Columns {
		names = append(names, name)
	}
	return names
}
