package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
)

// ContextDefinition describes one grouping key and the datasets that feed it.
type ContextDefinition struct {
	// Name uniquely identifies the context (e.g. "Patient"). Evaluation
	// requests select a context through EvaluationRequest.ContextKey.
	Name string `json:"name"`

	// PrimaryKey is the column identifying a context instance. Sources that do
	// not declare their own KeyColumn are keyed by this column.
	PrimaryKey string `json:"primaryKey"`

	// Sources lists the datasets whose rows belong to the context.
	Sources []Source `json:"sources"`
}

// Source is one raw dataset feeding a context. DataType doubles as the fact
// type tag attached to every record read from it.
type Source struct {
	DataType  string `json:"dataType"`
	KeyColumn string `json:"keyColumn,omitempty"`
	Join      *Join  `json:"join,omitempty"`
}

// Join describes a many-to-many association dataset. A source record whose
// KeyColumn equals an association row's RelatedKeyColumn belongs to the
// context instance named by that row's ContextKeyColumn.
type Join struct {
	DataType         string `json:"dataType"`
	ContextKeyColumn string `json:"contextKeyColumn"`
	RelatedKeyColumn string `json:"relatedKeyColumn"`
}

// KeyColumnFor returns the column of s that carries the context (or related)
// key, falling back to the definition's primary key.
func (d ContextDefinition) KeyColumnFor(s Source) string {
	if s.KeyColumn != "" {
		return s.KeyColumn
	}
	return d.PrimaryKey
}

// DataTypes returns every dataset the definition reads, association datasets
// included, deduplicated in declaration order.
func (d ContextDefinition) DataTypes() []string {
	var out []string
	add := func(t string) {
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	for _, s := range d.Sources {
		add(s.DataType)
		if s.Join != nil {
			add(s.Join.DataType)
		}
	}
	return out
}

// ContextDefinitions is the ordered collection loaded once per run.
type ContextDefinitions struct {
	ContextDefinitions []ContextDefinition `json:"contextDefinitions"`
}

// UnmarshalJSON accepts either {"contextDefinitions":[...]} or a bare array.
func (c *ContextDefinitions) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &c.ContextDefinitions)
	}
	type plain ContextDefinitions
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*c = ContextDefinitions(p)
	return nil
}

// ReadContextDefinitions decodes and validates the context definition file.
func ReadContextDefinitions(path string) (ContextDefinitions, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ContextDefinitions{}, fmt.Errorf("read context definitions: %w", err)
	}
	var defs ContextDefinitions
	if err := json.Unmarshal(b, &defs); err != nil {
		return ContextDefinitions{}, fmt.Errorf("decode context definitions %s: %w", path, err)
	}
	if err := asConfigError("context definitions", ValidateContextDefinitions(defs)); err != nil {
		return ContextDefinitions{}, err
	}
	return defs, nil
}

// Filter keeps the definitions named in allow, preserving declaration order.
// An empty allow-list keeps everything. A result with no definitions is a
// configuration error (ErrNoContexts), never a silent no-op.
func (c ContextDefinitions) Filter(allow []string) ([]ContextDefinition, error) {
	out := c.ContextDefinitions
	if len(allow) > 0 {
		out = nil
		for _, d := range c.ContextDefinitions {
			if slices.Contains(allow, d.Name) {
				out = append(out, d)
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrNoContexts
	}
	return out, nil
}

// ValidateContextDefinitions performs static checks over decoded definitions.
func ValidateContextDefinitions(c ContextDefinitions) []Issue {
	var issues []Issue
	seen := map[string]int{}

	for i, d := range c.ContextDefinitions {
		base := fmt.Sprintf("contextDefinitions[%d]", i)
		if strings.TrimSpace(d.Name) == "" {
			issues = append(issues, errorIssue(base+".name", "name must not be empty"))
		} else if prev, dup := seen[d.Name]; dup {
			issues = append(issues, errorIssue(base+".name", "duplicate context name %q (first defined at contextDefinitions[%d])", d.Name, prev))
		} else {
			seen[d.Name] = i
		}
		if strings.TrimSpace(d.PrimaryKey) == "" {
			issues = append(issues, errorIssue(base+".primaryKey", "primaryKey must not be empty"))
		}
		if len(d.Sources) == 0 {
			issues = append(issues, errorIssue(base+".sources", "at least one source is required"))
		}
		for j, s := range d.Sources {
			sp := fmt.Sprintf("%s.sources[%d]", base, j)
			if strings.TrimSpace(s.DataType) == "" {
				issues = append(issues, errorIssue(sp+".dataType", "dataType must not be empty"))
			}
			if s.Join == nil {
				continue
			}
			if strings.TrimSpace(s.Join.DataType) == "" {
				issues = append(issues, errorIssue(sp+".join.dataType", "join dataType must not be empty"))
			}
			if strings.TrimSpace(s.Join.ContextKeyColumn) == "" {
				issues = append(issues, errorIssue(sp+".join.contextKeyColumn", "join contextKeyColumn must not be empty"))
			}
			if strings.TrimSpace(s.Join.RelatedKeyColumn) == "" {
				issues = append(issues, errorIssue(sp+".join.relatedKeyColumn", "join relatedKeyColumn must not be empty"))
			}
		}
	}
	if len(c.ContextDefinitions) == 0 {
		issues = append(issues, errorIssue("contextDefinitions", "no context definitions declared"))
	}
	return issues
}
