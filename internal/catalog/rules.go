package catalog

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/casparianflow/flow/internal/catalogtypes"
)

// AddTaggingRule inserts a new rule (spec §9 SUPPLEMENT #2's manifest
// loader calls this once per validated rule).
func (c *Catalog) AddTaggingRule(rule catalogtypes.TaggingRule) (int64, error) {
	res, err := c.db.Exec(
		`INSERT INTO tagging_rules (pattern, tag, priority, enabled, description)
		 VALUES (?, ?, ?, ?, ?)`,
		rule.Pattern, rule.Tag, rule.Priority, boolToInt(rule.Enabled), rule.Description,
	)
	if err != nil {
		return 0, fmt.Errorf("insert tagging rule: %w", err)
	}
	return res.LastInsertId()
}

// ListTaggingRules returns every rule, enabled or not, ordered the way
// ApplyRule considers them: priority descending, id ascending.
func (c *Catalog) ListTaggingRules() ([]catalogtypes.TaggingRule, error) {
	rows, err := c.db.Query(
		`SELECT id, pattern, tag, priority, enabled, description
		 FROM tagging_rules ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tagging rules: %w", err)
	}
	defer rows.Close()

	var rules []catalogtypes.TaggingRule
	for rows.Next() {
		var r catalogtypes.TaggingRule
		var enabled int
		if err := rows.Scan(&r.ID, &r.Pattern, &r.Tag, &r.Priority, &enabled, &r.Description); err != nil {
			return nil, fmt.Errorf("scan tagging rule: %w", err)
		}
		r.Enabled = enabled != 0
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ApplyRule implements spec §4.1 apply_rule: evaluates enabled rules
// (descending priority, ties broken by rule id) against the file's
// rel_path, and assigns the first match's tag — unless the file's tag
// source is already "manual", which rules never overwrite.
func (c *Catalog) ApplyRule(fileID int64) (string, *int64, error) {
	f, err := c.GetFile(fileID)
	if err != nil {
		return "", nil, err
	}
	if f.TagSource == catalogtypes.TagSourceManual {
		return f.Tag, f.RuleID, nil
	}

	rules, err := c.ListTaggingRules()
	if err != nil {
		return "", nil, err
	}

	rule, matched := MatchRule(f.RelPath, rules)
	if !matched {
		return "", nil, nil
	}

	newStatus := f.Status
	if newStatus == catalogtypes.FileDiscovered {
		newStatus = catalogtypes.FileTagged
	}
	_, err = c.db.Exec(
		`UPDATE files SET tag = ?, tag_source = 'rule', rule_id = ?, status = ? WHERE id = ?`,
		rule.Tag, rule.ID, newStatus, fileID,
	)
	if err != nil {
		return "", nil, fmt.Errorf("apply rule to file %d: %w", fileID, err)
	}
	ruleID := rule.ID
	return rule.Tag, &ruleID, nil
}

// ManualTag sets a file's tag with source=manual, which rules never
// overwrite thereafter (spec §3 File invariant).
func (c *Catalog) ManualTag(fileID int64, tag string) error {
	_, err := c.db.Exec(
		`UPDATE files SET tag = ?, tag_source = 'manual', rule_id = NULL, status = 'tagged' WHERE id = ?`,
		tag, fileID,
	)
	if err != nil {
		return fmt.Errorf("manual tag file %d: %w", fileID, err)
	}
	return nil
}

// MatchRule finds the first enabled rule (already ordered by descending
// priority, ascending id) whose pattern matches relPath.
func MatchRule(relPath string, rules []catalogtypes.TaggingRule) (catalogtypes.TaggingRule, bool) {
	normalized := filepath.ToSlash(relPath)
	// rules is assumed pre-sorted by ListTaggingRules; sort defensively
	// so callers that build their own slice still get the right order.
	sorted := make([]catalogtypes.TaggingRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	for _, r := range sorted {
		if !r.Enabled || r.Pattern == "" {
			continue
		}
		ok, err := doublestar.Match(r.Pattern, normalized)
		if err == nil && ok {
			return r, true
		}
	}
	return catalogtypes.TaggingRule{}, false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
