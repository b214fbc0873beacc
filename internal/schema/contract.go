package schema

import (
	"encoding/json"
	"fmt"

	"github.com/casparianflow/flow/internal/catalogtypes"
)

// ValidateContract checks a SchemaContract's shape (column names, logical
// types, reserved-name collisions) against the embedded schema-contract
// JSON Schema, per spec §6.5.
func ValidateContract(c catalogtypes.SchemaContract) error {
	instance, err := toInstance(c)
	if err != nil {
		return err
	}
	return ValidateInstance(SchemaContract, instance)
}

// manifestTaggingRule and manifestParserBinding are the JSON shapes used by
// the .jsonc manifest files (spec §9 SUPPLEMENT #2), separate from the Go
// catalogtypes structs so the on-disk format can evolve independently of
// the in-process representation.
type manifestTaggingRule struct {
	Pattern     string `json:"pattern"`
	Tag         string `json:"tag"`
	Priority    int    `json:"priority"`
	Enabled     *bool  `json:"enabled"`
	Description string `json:"description"`
}

type manifestSinkSpec struct {
	Kind         string `json:"kind"`
	PathTemplate string `json:"path_template"`
	Table        string `json:"table"`
}

type manifestParserBinding struct {
	Name         string                      `json:"name"`
	SourceHash   string                      `json:"source_hash"`
	SourcePath   string                      `json:"source_path,omitempty"`
	Dependencies []string                    `json:"dependencies"`
	Tags         []string                    `json:"tags"`
	Schema       catalogtypes.SchemaContract `json:"schema"`
	Sink         manifestSinkSpec            `json:"sink"`
}

// DecodeTaggingRule validates raw JSON against the tagging-rule schema and
// returns the catalogtypes.TaggingRule it describes (ID is left zero; the
// Catalog assigns it on insert).
func DecodeTaggingRule(raw []byte) (catalogtypes.TaggingRule, error) {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return catalogtypes.TaggingRule{}, fmt.Errorf("decode tagging rule: %w", err)
	}
	if err := ValidateInstance(TaggingRule, instance); err != nil {
		return catalogtypes.TaggingRule{}, err
	}
	var m manifestTaggingRule
	if err := json.Unmarshal(raw, &m); err != nil {
		return catalogtypes.TaggingRule{}, fmt.Errorf("decode tagging rule: %w", err)
	}
	enabled := true
	if m.Enabled != nil {
		enabled = *m.Enabled
	}
	return catalogtypes.TaggingRule{
		Pattern:     m.Pattern,
		Tag:         m.Tag,
		Priority:    m.Priority,
		Enabled:     enabled,
		Description: m.Description,
	}, nil
}

// DecodeParserBinding validates raw JSON against the parser-binding schema
// and returns the catalogtypes.ParserBinding it describes.
func DecodeParserBinding(raw []byte) (catalogtypes.ParserBinding, error) {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return catalogtypes.ParserBinding{}, fmt.Errorf("decode parser binding: %w", err)
	}
	if err := ValidateInstance(ParserBinding, instance); err != nil {
		return catalogtypes.ParserBinding{}, err
	}
	var m manifestParserBinding
	if err := json.Unmarshal(raw, &m); err != nil {
		return catalogtypes.ParserBinding{}, fmt.Errorf("decode parser binding: %w", err)
	}
	if err := ValidateContract(m.Schema); err != nil {
		return catalogtypes.ParserBinding{}, err
	}
	return catalogtypes.ParserBinding{
		Name:         m.Name,
		SourceHash:   m.SourceHash,
		Dependencies: m.Dependencies,
		Tags:         m.Tags,
		Schema:       m.Schema,
		Sink: catalogtypes.SinkSpec{
			Kind:         catalogtypes.SinkKind(m.Sink.Kind),
			PathTemplate: m.Sink.PathTemplate,
			Table:        m.Sink.Table,
		},
	}, nil
}

func toInstance(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return instance, nil
}
