package schema

import (
	"testing"

	"github.com/casparianflow/flow/internal/catalogtypes"
)

func TestValidateContractOK(t *testing.T) {
	c := catalogtypes.SchemaContract{Columns: []catalogtypes.SchemaColumn{
		{Name: "a", LogicalType: catalogtypes.TypeInt64, Nullable: false},
		{Name: "b", LogicalType: catalogtypes.TypeInt64, Nullable: false},
	}}
	if err := ValidateContract(c); err != nil {
		t.Fatalf("expected valid contract, got %v", err)
	}
}

func TestValidateContractRejectsReservedColumn(t *testing.T) {
	c := catalogtypes.SchemaContract{Columns: []catalogtypes.SchemaColumn{
		{Name: "_cf_job_id", LogicalType: catalogtypes.TypeInt64, Nullable: false},
	}}
	if err := ValidateContract(c); err == nil {
		t.Fatal("expected reserved column name to be rejected")
	}
}

func TestValidateContractRejectsUnknownType(t *testing.T) {
	c := catalogtypes.SchemaContract{Columns: []catalogtypes.SchemaColumn{
		{Name: "a", LogicalType: "decimal128", Nullable: false},
	}}
	if err := ValidateContract(c); err == nil {
		t.Fatal("expected unknown logical type to be rejected")
	}
}

func TestDecodeTaggingRuleDefaults(t *testing.T) {
	raw := []byte(`{"pattern": "*.csv", "tag": "csv_tag", "priority": 5}`)
	rule, err := DecodeTaggingRule(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !rule.Enabled {
		t.Fatal("expected rule to default to enabled")
	}
	if rule.Priority != 5 || rule.Tag != "csv_tag" {
		t.Fatalf("unexpected rule: %+v", rule)
	}
}

func TestDecodeTaggingRuleRejectsMissingFields(t *testing.T) {
	if _, err := DecodeTaggingRule([]byte(`{"priority": 1}`)); err == nil {
		t.Fatal("expected validation error for missing pattern/tag")
	}
}

func TestDecodeParserBindingRoundTrip(t *testing.T) {
	raw := []byte(`{
		"name": "p_csv",
		"source_hash": "abc123",
		"tags": ["csv_tag"],
		"schema": {"columns": [
			{"name": "a", "logical_type": "int64", "nullable": false},
			{"name": "b", "logical_type": "int64", "nullable": false}
		]},
		"sink": {"kind": "parquet", "path_template": "/out/{job_id}.parquet"}
	}`)
	binding, err := DecodeParserBinding(raw)
	if err != nil {
		t.Fatal(err)
	}
	if binding.Name != "p_csv" || binding.Sink.Kind != catalogtypes.SinkParquet {
		t.Fatalf("unexpected binding: %+v", binding)
	}
	if len(binding.Schema.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(binding.Schema.Columns))
	}
}

func TestDecodeParserBindingRejectsReservedColumnInSchema(t *testing.T) {
	raw := []byte(`{
		"name": "p_bad",
		"source_hash": "abc123",
		"tags": ["t"],
		"schema": {"columns": [{"name": "_cf_processed_at", "logical_type": "string", "nullable": true}]},
		"sink": {"kind": "csv", "path_template": "/out/{job_id}.csv"}
	}`)
	if _, err := DecodeParserBinding(raw); err == nil {
		t.Fatal("expected rejection of reserved column name in schema")
	}
}
