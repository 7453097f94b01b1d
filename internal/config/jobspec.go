package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/jobspec.schema.json
var jobSpecSchema string

// compiledJobSpecSchema parses the embedded schema once; the compiled schema
// is safe to reuse across validations.
var compiledJobSpecSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(jobSpecSchema))
})

// JobSpecification lists which expressions to evaluate per context.
type JobSpecification struct {
	GlobalParameters map[string]Parameter `json:"globalParameters,omitempty"`
	Evaluations      []EvaluationRequest  `json:"evaluations"`
}

// EvaluationRequest selects a set of expressions from one library for one
// context. Requests are identified by their position in
// JobSpecification.Evaluations.
type EvaluationRequest struct {
	ContextKey  string                    `json:"contextKey"`
	Library     LibraryDescriptor         `json:"library"`
	Expressions []ExpressionConfiguration `json:"expressions"`
	Parameters  map[string]Parameter      `json:"parameters,omitempty"`
}

// LibraryDescriptor references one expression library.
type LibraryDescriptor struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
	Format  string `json:"format,omitempty"`
}

func (l LibraryDescriptor) String() string {
	if l.Version == "" {
		return l.ID
	}
	return l.ID + "-" + l.Version
}

// ExpressionConfiguration names an expression and, optionally, the output
// column it is written to.
type ExpressionConfiguration struct {
	Name         string `json:"name"`
	OutputColumn string `json:"outputColumn,omitempty"`
}

// Parameter is a typed parameter value.
type Parameter struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Parameter types understood by Native.
const (
	ParamString   = "string"
	ParamInteger  = "integer"
	ParamDecimal  = "decimal"
	ParamBoolean  = "boolean"
	ParamDate     = "date"
	ParamDateTime = "datetime"
)

// Native converts the JSON value into the Go value matching Type: string,
// int64, float64, bool or time.Time.
func (p Parameter) Native() (any, error) {
	switch p.Type {
	case ParamString:
		s, ok := p.Value.(string)
		if !ok {
			return nil, fmt.Errorf("string parameter has %T value", p.Value)
		}
		return s, nil
	case ParamInteger:
		switch v := p.Value.(type) {
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				return nil, fmt.Errorf("integer parameter %s is not a 64-bit integer", v)
			}
			return n, nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("integer parameter has fractional value %v", v)
			}
			if v < math.MinInt64 || v >= math.MaxInt64 {
				return nil, fmt.Errorf("integer parameter %v is out of range", v)
			}
			return int64(v), nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case string:
			return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		}
	case ParamDecimal:
		switch v := p.Value.(type) {
		case json.Number:
			return v.Float64()
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(v), 64)
		}
	case ParamBoolean:
		switch v := p.Value.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(v))
		}
	case ParamDate:
		if s, ok := p.Value.(string); ok {
			return time.Parse(time.DateOnly, s)
		}
	case ParamDateTime:
		if s, ok := p.Value.(string); ok {
			return time.Parse(time.RFC3339, s)
		}
	default:
		return nil, fmt.Errorf("unknown parameter type %q", p.Type)
	}
	return nil, fmt.Errorf("%s parameter has unsupported %T value", p.Type, p.Value)
}

// MergeParameters returns a copy of local with every global parameter added
// whose name local does not define. Local values always win; neither input is
// modified.
func MergeParameters(local, global map[string]Parameter) map[string]Parameter {
	out := make(map[string]Parameter, len(local)+len(global))
	maps.Copy(out, local)
	for name, p := range global {
		if _, ok := out[name]; !ok {
			out[name] = p
		}
	}
	return out
}

// ReadJobSpecification decodes the job specification at path and validates it.
// All violations are aggregated into one *ConfigError.
func ReadJobSpecification(path string) (JobSpecification, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return JobSpecification{}, fmt.Errorf("read job specification: %w", err)
	}
	return ParseJobSpecification(b)
}

// ParseJobSpecification validates raw against the embedded JSON schema, then
// decodes it and runs the semantic checks.
func ParseJobSpecification(raw []byte) (JobSpecification, error) {
	issues, err := schemaIssues(raw)
	if err != nil {
		return JobSpecification{}, err
	}
	if cerr := asConfigError("job specification", issues); cerr != nil {
		return JobSpecification{}, cerr
	}

	// Numbers stay json.Number so integer parameters convert exactly.
	var spec JobSpecification
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&spec); err != nil {
		return JobSpecification{}, fmt.Errorf("decode job specification: %w", err)
	}
	if cerr := asConfigError("job specification", ValidateJobSpecification(spec)); cerr != nil {
		return JobSpecification{}, cerr
	}
	return spec, nil
}

func schemaIssues(raw []byte) ([]Issue, error) {
	schema, err := compiledJobSpecSchema()
	if err != nil {
		return nil, fmt.Errorf("compile job specification schema: %w", err)
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode job specification: %w", err)
	}
	var issues []Issue
	for _, re := range res.Errors() {
		issues = append(issues, errorIssue(re.Field(), "%s", re.Description()))
	}
	return issues, nil
}

// ValidateJobSpecification runs the checks a JSON schema cannot express:
// parameter values must convert to their declared type, and one request must
// not list the same expression twice.
func ValidateJobSpecification(spec JobSpecification) []Issue {
	var issues []Issue

	checkParams := func(base string, params map[string]Parameter) {
		for name, p := range params {
			if _, err := p.Native(); err != nil {
				issues = append(issues, errorIssue(fmt.Sprintf("%s.%s", base, name), "%v", err))
			}
		}
	}
	checkParams("globalParameters", spec.GlobalParameters)

	if len(spec.Evaluations) == 0 {
		issues = append(issues, errorIssue("evaluations", "at least one evaluation is required"))
	}
	for i, req := range spec.Evaluations {
		base := fmt.Sprintf("evaluations[%d]", i)
		if strings.TrimSpace(req.ContextKey) == "" {
			issues = append(issues, errorIssue(base+".contextKey", "contextKey must not be empty"))
		}
		if strings.TrimSpace(req.Library.ID) == "" {
			issues = append(issues, errorIssue(base+".library.id", "library id must not be empty"))
		}
		if req.Library.Version == "" {
			issues = append(issues, warningIssue(base+".library.version", "no version given; the resolver picks the newest available"))
		}
		seen := map[string]bool{}
		for j, e := range req.Expressions {
			if seen[e.Name] {
				issues = append(issues, errorIssue(fmt.Sprintf("%s.expressions[%d].name", base, j), "expression %q listed more than once", e.Name))
			}
			seen[e.Name] = true
		}
		checkParams(base+".parameters", req.Parameters)
	}
	return issues
}
