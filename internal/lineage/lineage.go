// Package lineage stamps the four reserved provenance columns onto every
// row a sink writes (spec §3 "Output record annotation") and detects
// collisions with guest-produced column names.
package lineage

import (
	"fmt"
	"time"

	"github.com/casparianflow/flow/internal/catalogtypes"
)

// Stamp is the four lineage values attached to every row of one job's
// output.
type Stamp struct {
	SourceHash    string
	JobID         int64
	ParserVersion string
	ProcessedAt   time.Time
}

// Columns returns the stamp as name/value pairs in the fixed order the
// sinks append them in.
func (s Stamp) Columns() [4]struct {
	Name  string
	Value any
} {
	return [4]struct {
		Name  string
		Value any
	}{
		{catalogtypes.ReservedLineageColumns[0], s.SourceHash},
		{catalogtypes.ReservedLineageColumns[1], s.JobID},
		{catalogtypes.ReservedLineageColumns[2], s.ParserVersion},
		{catalogtypes.ReservedLineageColumns[3], s.ProcessedAt.UTC().UnixMicro()},
	}
}

// CheckCollision returns an error if any of the batch's column names
// collides with a reserved lineage column. This is the check the Worker
// runs before a batch ever reaches a sink (spec §4.4 "Lineage stamping").
func CheckCollision(columnNames []string) error {
	for _, name := range columnNames {
		if catalogtypes.IsReservedColumn(name) {
			return fmt.Errorf("%w: column %q is reserved for lineage stamping", ErrCollision, name)
		}
	}
	return nil
}

// ErrCollision is wrapped by CheckCollision so callers can test with
// errors.Is and map it to catalogtypes.ErrLineageCollision.
var ErrCollision = collisionError("lineage_collision")

type collisionError string

func (e collisionError) Error() string { return string(e) }
