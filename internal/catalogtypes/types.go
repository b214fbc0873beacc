// Package catalogtypes holds the plain data types the Catalog persists.
// Nothing here touches a database or the network — it is the shared
// vocabulary every other package imports.
package catalogtypes

import "time"

// FileStatus is the lifecycle state of a File row.
type FileStatus string

const (
	FileDiscovered FileStatus = "discovered"
	FileTagged     FileStatus = "tagged"
	FileQueued     FileStatus = "queued"
	FileRunning    FileStatus = "running"
	FileDone       FileStatus = "done"
	FileFailed     FileStatus = "failed"
)

// TagSource records how a File's tag was assigned.
type TagSource string

const (
	TagSourceManual   TagSource = "manual"
	TagSourceRule     TagSource = "rule"
	TagSourceInferred TagSource = "inferred"
	TagSourceNone     TagSource = "none"
)

// File is a unit of potential work discovered by the Scanner.
type File struct {
	ID          int64
	Root        string
	RelPath     string
	Size        int64
	Fingerprint string
	Tag         string
	TagSource   TagSource
	RuleID      *int64
	Status      FileStatus
	LastError   string
}

// TaggingRule maps a glob pattern to a tag.
type TaggingRule struct {
	ID          int64
	Pattern     string
	Tag         string
	Priority    int
	Enabled     bool
	Description string
}

// LogicalType is one of the wire-level column types a SchemaContract column
// may declare (§6.5).
type LogicalType string

const (
	TypeString          LogicalType = "string"
	TypeInt64           LogicalType = "int64"
	TypeFloat64         LogicalType = "float64"
	TypeBool            LogicalType = "bool"
	TypeTimestampMicros LogicalType = "timestamp_micros"
	TypeBinary          LogicalType = "binary"
)

// SchemaColumn is one ordered column of a ParserBinding's schema contract.
type SchemaColumn struct {
	Name        string      `json:"name"`
	LogicalType LogicalType `json:"logical_type"`
	Nullable    bool        `json:"nullable"`
	Description string      `json:"description,omitempty"`
}

// SchemaContract is the ordered column list a ParserBinding promises to
// produce, exclusive of the reserved lineage columns.
type SchemaContract struct {
	Columns []SchemaColumn `json:"columns"`
}

// SinkKind selects which sink implementation a ParserBinding writes through.
type SinkKind string

const (
	SinkParquet SinkKind = "parquet"
	SinkCSV     SinkKind = "csv"
	SinkSQLite  SinkKind = "sqlite"
)

// SinkSpec describes where a job's output lands.
type SinkSpec struct {
	Kind         SinkKind
	PathTemplate string
	// Table is only meaningful when Kind == SinkSQLite.
	Table string
}

// ParserBinding is a registered, content-addressed version of a parser.
type ParserBinding struct {
	ID           int64
	Name         string
	SourceHash   string
	SourceBytes  []byte
	Dependencies []string
	Tags         []string
	Schema       SchemaContract
	Sink         SinkSpec
}

// JobStatus is the lifecycle state of a Job row (see spec §4.3).
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ErrorKind is the canonical error taxonomy of spec §7.
type ErrorKind string

const (
	ErrIORead              ErrorKind = "io_read"
	ErrHashMismatch        ErrorKind = "hash_mismatch"
	ErrEnvPrepareFailed    ErrorKind = "env_prepare_failed"
	ErrGuestStartupTimeout ErrorKind = "guest_startup_timeout"
	ErrGuestIdleTimeout    ErrorKind = "guest_idle_timeout"
	ErrGuestCrashed        ErrorKind = "guest_crashed"
	ErrParserError         ErrorKind = "parser_error"
	ErrSchemaViolation     ErrorKind = "schema_violation"
	ErrLineageCollision    ErrorKind = "lineage_collision"
	ErrSinkWriteFailed     ErrorKind = "sink_write_failed"
	ErrCancelled           ErrorKind = "cancelled"
	ErrExceededRetries     ErrorKind = "exceeded_retries"
	ErrProtocolError       ErrorKind = "protocol_error"
)

// Retriable reports whether the Coordinator may requeue a job that failed
// with this kind, per the table in spec §7.
func (k ErrorKind) Retriable() bool {
	switch k {
	case ErrIORead, ErrGuestStartupTimeout, ErrGuestIdleTimeout, ErrGuestCrashed, ErrSinkWriteFailed:
		return true
	default:
		return false
	}
}

// Job is one parsing task binding a File to a ParserBinding.
type Job struct {
	ID              int64
	FileID          int64
	FileFingerprint string
	ParserBindingID int64
	Status          JobStatus
	ClaimedAt       *time.Time
	EndedAt         *time.Time
	WorkerID        string
	RetryCount      int
	ErrorKind       ErrorKind
	ErrorMessage    string
	OutputPath      string
	RowCount        int64
}

// WorkerRegistration tracks a connected worker's liveness and capabilities.
type WorkerRegistration struct {
	WorkerID      string
	LastHeartbeat time.Time
	Capabilities  map[string]struct{}
}

// Stale reports whether this registration's heartbeat is older than window.
func (w WorkerRegistration) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(w.LastHeartbeat) > window
}

// LineageEventType enumerates the append-only lineage event kinds.
type LineageEventType string

const (
	EventFileDiscovered LineageEventType = "file.discovered"
	EventFileRetagged   LineageEventType = "file.retagged"
	EventJobOrphaned    LineageEventType = "job.orphaned"
	EventJobSucceeded   LineageEventType = "job.succeeded"
	EventJobFailed      LineageEventType = "job.failed"
	EventJobCancelled   LineageEventType = "job.cancelled"
)

// LineageEvent is one append-only row of the provenance log.
type LineageEvent struct {
	ID              int64
	EventType       LineageEventType
	EventTime       time.Time
	FileFingerprint string
	JobID           *int64
	ParserName      string
	ParserVersion   string
	OutputPath      string
	RowCount        int64
}

// ReservedLineageColumns are the four column names every sink appends and
// that no guest-produced batch may use.
var ReservedLineageColumns = [4]string{
	"_cf_source_hash",
	"_cf_job_id",
	"_cf_parser_version",
	"_cf_processed_at",
}

// IsReservedColumn reports whether name collides with a lineage column.
func IsReservedColumn(name string) bool {
	for _, r := range ReservedLineageColumns {
		if name == r {
			return true
		}
	}
	return false
}
