// Package schema compiles and validates the JSON Schemas that govern
// spec §6.5 (SchemaContract) and the manifest files operators use to
// register TaggingRules and ParserBindings (spec §9 SUPPLEMENT).
//
// Structure lifted from the teacher's apps/cli/schemas/loader.go:
// embed.FS + a sync.Once-memoized jsonschema.Compiler.
package schema

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Names of the embedded schema documents.
const (
	SchemaContract = "schema-contract"
	TaggingRule    = "tagging-rule"
	ParserBinding  = "parser-binding"
)

var allSchemas = []string{SchemaContract, TaggingRule, ParserBinding}

var (
	compileOnce sync.Once
	compiler    *jsonschema.Compiler
	compileErr  error
)

func schemaPath(name string) string {
	return fmt.Sprintf("schemas/%s.schema.json", name)
}

func schemaURL(name string) string {
	return fmt.Sprintf("mem://schemas/%s.schema.json", name)
}

func getCompiler() (*jsonschema.Compiler, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for _, name := range allSchemas {
			data, err := schemaFS.ReadFile(schemaPath(name))
			if err != nil {
				compileErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
			if err != nil {
				compileErr = fmt.Errorf("decode schema %s: %w", name, err)
				return
			}
			if err := c.AddResource(schemaURL(name), doc); err != nil {
				compileErr = fmt.Errorf("register schema %s: %w", name, err)
				return
			}
		}
		compiler = c
	})
	return compiler, compileErr
}

// Compile returns the compiled schema for name ("schema-contract",
// "tagging-rule", or "parser-binding").
func Compile(name string) (*jsonschema.Schema, error) {
	c, err := getCompiler()
	if err != nil {
		return nil, err
	}
	s, err := c.Compile(schemaURL(name))
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return s, nil
}

// ValidateInstance validates an already-decoded JSON value (map[string]any,
// []any, or scalar, as produced by encoding/json) against the named schema.
func ValidateInstance(name string, instance any) error {
	s, err := Compile(name)
	if err != nil {
		return err
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("%s: invalid: %w", name, err)
	}
	return nil
}
