package protocol

import (
	"encoding/json"

	"github.com/casparianflow/flow/internal/catalogtypes"
)

// encodePayload marshals a frame payload to JSON. A nil payload (ABORT,
// RELOAD) produces an empty body rather than the literal "null" so an
// empty-body reader never has to special-case it.
func encodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

// DecodePayload unmarshals a frame body into dst. Unknown fields in body
// are tolerated (encoding/json's default behavior) so a newer peer's
// additional optional fields never break an older one, per §6.3.
func DecodePayload(body []byte, dst any) error {
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

// IdentifyPayload is opcode 1, worker to coordinator.
type IdentifyPayload struct {
	WorkerID     string   `json:"worker_id"`
	Capabilities []string `json:"capabilities"`
}

// DispatchPayload is opcode 2, coordinator to worker.
type DispatchPayload struct {
	ParserName     string                      `json:"parser_name"`
	ParserVersion  string                      `json:"parser_version"`
	SourceHash     string                      `json:"source_hash"`
	DependencySet  []string                    `json:"dependency_set"`
	InputPath      string                      `json:"input_path"`
	Tag            string                      `json:"tag"`
	SchemaContract catalogtypes.SchemaContract `json:"schema_contract"`
	SinkSpec       SinkSpecPayload             `json:"sink_spec"`
}

// SinkSpecPayload is the wire form of catalogtypes.SinkSpec.
type SinkSpecPayload struct {
	Kind         catalogtypes.SinkKind `json:"kind"`
	PathTemplate string                `json:"path_template"`
	Table        string                `json:"table,omitempty"`
}

// HeartbeatPayload is opcode 4, worker to coordinator.
type HeartbeatPayload struct {
	TS       int64 `json:"ts"`
	InFlight int   `json:"in_flight"`
}

// ConcludePayload is opcode 5, worker to coordinator.
type ConcludePayload struct {
	Outcome    catalogtypes.JobStatus  `json:"outcome"`
	ErrorKind  catalogtypes.ErrorKind  `json:"error_kind,omitempty"`
	Message    string                  `json:"message,omitempty"`
	OutputPath string                  `json:"output_path,omitempty"`
	RowCount   int64                   `json:"row_count,omitempty"`
}

// ErrPayload is opcode 6, either direction, session-level (not a job
// failure — that travels as a ConcludePayload).
type ErrPayload struct {
	Kind    catalogtypes.ErrorKind `json:"kind"`
	Message string                 `json:"message"`
}

// PrepareEnvPayload is opcode 8, coordinator to worker.
type PrepareEnvPayload struct {
	ParserName    string   `json:"parser_name"`
	DependencySet []string `json:"dependency_set"`
}

// EnvReadyPayload is opcode 9, worker to coordinator.
type EnvReadyPayload struct {
	EnvHandle string `json:"env_handle"`
	Cached    bool   `json:"cached"`
}

// DeployPayload is opcode 10, coordinator to worker.
type DeployPayload struct {
	ParserName  string `json:"parser_name"`
	SourceBytes []byte `json:"source_bytes"`
}

// ReceiptPayload is opcode 11, worker to coordinator: the DISPATCH ack.
type ReceiptPayload struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}
