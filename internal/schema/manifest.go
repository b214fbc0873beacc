package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	jsonc "github.com/muhammadmuzzammil1998/jsonc"

	"github.com/casparianflow/flow/internal/catalogtypes"
)

// Manifest is the top-level shape of a .jsonc manifest file (spec §9
// SUPPLEMENT #2): any number of tagging rules and parser bindings,
// declared together so an operator can version a tag taxonomy and the
// parser bindings that depend on it in one file.
type Manifest struct {
	TaggingRules   []json.RawMessage `json:"tagging_rules"`
	ParserBindings []json.RawMessage `json:"parser_bindings"`
}

// LoadedParserBinding pairs a decoded ParserBinding with the manifest's
// optional source_path, resolved relative to the manifest file's own
// directory. When source_path is set, LoadManifest has already read that
// file into Binding.SourceBytes and set Binding.SourceHash to its sha256.
type LoadedParserBinding struct {
	Binding    catalogtypes.ParserBinding
	SourcePath string // absolute; empty if the manifest entry omitted source_path
}

// LoadManifest reads a .jsonc manifest file — comments and trailing
// commas stripped via the teacher's jsonc convention, then validated
// entry-by-entry against the embedded tagging-rule/parser-binding
// schemas — and returns its decoded rules and bindings. It performs no
// Catalog writes; the caller (cmd/cf-manifest) decides whether to
// upsert what's returned.
func LoadManifest(path string) ([]catalogtypes.TaggingRule, []LoadedParserBinding, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	clean := jsonc.ToJSON(raw)

	var m Manifest
	if err := json.Unmarshal(clean, &m); err != nil {
		return nil, nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	dir := filepath.Dir(path)

	rules := make([]catalogtypes.TaggingRule, 0, len(m.TaggingRules))
	for i, entry := range m.TaggingRules {
		rule, err := DecodeTaggingRule(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("manifest %s: tagging_rules[%d]: %w", path, i, err)
		}
		rules = append(rules, rule)
	}

	bindings := make([]LoadedParserBinding, 0, len(m.ParserBindings))
	for i, entry := range m.ParserBindings {
		binding, err := DecodeParserBinding(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("manifest %s: parser_bindings[%d]: %w", path, i, err)
		}

		var sp struct {
			SourcePath string `json:"source_path"`
		}
		if err := json.Unmarshal(entry, &sp); err != nil {
			return nil, nil, fmt.Errorf("manifest %s: parser_bindings[%d]: %w", path, i, err)
		}

		loaded := LoadedParserBinding{Binding: binding}
		if sp.SourcePath != "" {
			sourcePath := sp.SourcePath
			if !filepath.IsAbs(sourcePath) {
				sourcePath = filepath.Join(dir, sourcePath)
			}
			sourceBytes, err := os.ReadFile(sourcePath)
			if err != nil {
				return nil, nil, fmt.Errorf("manifest %s: parser_bindings[%d]: read source_path: %w", path, i, err)
			}
			// Content-addressing is authoritative (spec §3 ParserBinding
			// invariant): the hash of the actual source bytes always wins
			// over whatever source_hash the manifest declared.
			sum := sha256.Sum256(sourceBytes)
			loaded.Binding.SourceHash = hex.EncodeToString(sum[:])
			loaded.Binding.SourceBytes = sourceBytes
			loaded.SourcePath = sourcePath
		}
		bindings = append(bindings, loaded)
	}

	return rules, bindings, nil
}
