package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestContextDefinitions_DecodeShapes(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"bare array": `[{"name":"Patient","primaryKey":"id","sources":[{"dataType":"Patient"}]}]`,
		"wrapped":    `{"contextDefinitions":[{"name":"Patient","primaryKey":"id","sources":[{"dataType":"Patient"}]}]}`,
	}
	for name, js := range cases {
		var defs ContextDefinitions
		if err := json.Unmarshal([]byte(js), &defs); err != nil {
			t.Fatalf("%s: unmarshal: %v", name, err)
		}
		if len(defs.ContextDefinitions) != 1 || defs.ContextDefinitions[0].Name != "Patient" {
			t.Fatalf("%s: got %+v", name, defs)
		}
	}
}

func TestContextDefinition_KeyColumnAndDataTypes(t *testing.T) {
	t.Parallel()

	d := ContextDefinition{
		Name:       "Patient",
		PrimaryKey: "id",
		Sources: []Source{
			{DataType: "Patient"},
			{DataType: "Observation", KeyColumn: "patient_id"},
			{DataType: "Practitioner", KeyColumn: "id", Join: &Join{DataType: "CareTeam", ContextKeyColumn: "patient_id", RelatedKeyColumn: "practitioner_id"}},
			{DataType: "Observation", KeyColumn: "subject"},
		},
	}
	if got := d.KeyColumnFor(d.Sources[0]); got != "id" {
		t.Fatalf("KeyColumnFor(default) = %q, want id", got)
	}
	if got := d.KeyColumnFor(d.Sources[1]); got != "patient_id" {
		t.Fatalf("KeyColumnFor(explicit) = %q, want patient_id", got)
	}
	want := []string{"Patient", "Observation", "Practitioner", "CareTeam"}
	got := d.DataTypes()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("DataTypes = %v, want %v", got, want)
	}
}

func TestContextDefinitions_Filter(t *testing.T) {
	t.Parallel()

	defs := ContextDefinitions{ContextDefinitions: []ContextDefinition{
		{Name: "Patient"}, {Name: "Encounter"}, {Name: "Claim"},
	}}

	all, err := defs.Filter(nil)
	if err != nil || len(all) != 3 {
		t.Fatalf("Filter(nil) = %v, %v; want 3 definitions", all, err)
	}

	got, err := defs.Filter([]string{"Claim", "Patient"})
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(got) != 2 || got[0].Name != "Patient" || got[1].Name != "Claim" {
		t.Fatalf("Filter kept %+v; want Patient, Claim in declaration order", got)
	}

	if _, err := defs.Filter([]string{"Nope"}); !errors.Is(err, ErrNoContexts) {
		t.Fatalf("Filter(no match) err = %v, want ErrNoContexts", err)
	}
}

func TestValidateContextDefinitions(t *testing.T) {
	t.Parallel()

	defs := ContextDefinitions{ContextDefinitions: []ContextDefinition{
		{Name: "Patient", PrimaryKey: "id", Sources: []Source{{DataType: "Patient"}}},
		{Name: "Patient", PrimaryKey: "", Sources: []Source{{DataType: "", Join: &Join{}}}},
	}}
	issues := ValidateContextDefinitions(defs)
	paths := map[string]bool{}
	for _, iss := range issues {
		paths[iss.Path] = true
	}
	for _, want := range []string{
		"contextDefinitions[1].name",
		"contextDefinitions[1].primaryKey",
		"contextDefinitions[1].sources[0].dataType",
		"contextDefinitions[1].sources[0].join.dataType",
		"contextDefinitions[1].sources[0].join.contextKeyColumn",
		"contextDefinitions[1].sources[0].join.relatedKeyColumn",
	} {
		if !paths[want] {
			t.Errorf("missing issue at %s; got %v", want, issues)
		}
	}
}

func TestReadContextDefinitions_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "contexts.json")
	js := `[{"name":"Patient","primaryKey":"id","sources":[{"dataType":"Patient"}]}]`
	if err := os.WriteFile(path, []byte(js), 0o644); err != nil {
		t.Fatal(err)
	}
	defs, err := ReadContextDefinitions(path)
	if err != nil {
		t.Fatalf("ReadContextDefinitions: %v", err)
	}
	if defs.ContextDefinitions[0].PrimaryKey != "id" {
		t.Fatalf("primaryKey = %q, want id", defs.ContextDefinitions[0].PrimaryKey)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`[{"name":"","sources":[]}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = ReadContextDefinitions(bad)
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConfigError", err)
	}
	if len(cerr.Issues) < 3 {
		t.Fatalf("issues = %v, want name, primaryKey and sources reported together", cerr.Issues)
	}
}

const validJobSpec = `{
  "globalParameters": {
    "Year": { "type": "integer", "value": 2021 },
    "Site": { "type": "string", "value": "north" }
  },
  "evaluations": [
    { "contextKey": "Patient",
      "library": { "id": "Cohort", "version": "1.0.0", "format": "cel" },
      "expressions": [ { "name": "IsAdult" }, { "name": "Age", "outputColumn": "age" } ],
      "parameters": { "Year": { "type": "integer", "value": 2020 } } }
  ]
}`

func TestParseJobSpecification_Valid(t *testing.T) {
	t.Parallel()

	spec, err := ParseJobSpecification([]byte(validJobSpec))
	if err != nil {
		t.Fatalf("ParseJobSpecification: %v", err)
	}
	if len(spec.Evaluations) != 1 {
		t.Fatalf("evaluations = %d, want 1", len(spec.Evaluations))
	}
	req := spec.Evaluations[0]
	if req.Library.String() != "Cohort-1.0.0" {
		t.Fatalf("library = %q", req.Library.String())
	}
	if req.Expressions[1].OutputColumn != "age" {
		t.Fatalf("outputColumn = %q, want age", req.Expressions[1].OutputColumn)
	}
}

func TestParseJobSpecification_AggregatesViolations(t *testing.T) {
	t.Parallel()

	const js = `{
	  "globalParameters": { "X": { "type": "color", "value": 1 } },
	  "evaluations": [
	    { "contextKey": "", "library": { }, "expressions": [] }
	  ]
	}`
	_, err := ParseJobSpecification([]byte(js))
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConfigError", err)
	}
	if len(cerr.Issues) < 4 {
		t.Fatalf("got %d issues, want every violation reported at once: %v", len(cerr.Issues), cerr)
	}
	if !strings.Contains(cerr.Error(), "invalid job specification") {
		t.Fatalf("message = %q", cerr.Error())
	}
}

func TestParseJobSpecification_SemanticChecks(t *testing.T) {
	t.Parallel()

	const js = `{
	  "evaluations": [
	    { "contextKey": "Patient", "library": { "id": "L", "version": "1" },
	      "expressions": [ { "name": "A" }, { "name": "A" } ],
	      "parameters": { "D": { "type": "date", "value": "not-a-date" } } }
	  ]
	}`
	_, err := ParseJobSpecification([]byte(js))
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConfigError", err)
	}
	msg := cerr.Error()
	for _, want := range []string{"evaluations[0].expressions[1].name", "evaluations[0].parameters.D"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %s:\n%s", want, msg)
		}
	}
}

func TestParseJobSpecification_IntegerPrecision(t *testing.T) {
	t.Parallel()

	const js = `{
	  "globalParameters": { "Big": { "type": "integer", "value": 9007199254740993 } },
	  "evaluations": [
	    { "contextKey": "Patient", "library": { "id": "L" }, "expressions": [ { "name": "A" } ] }
	  ]
	}`
	spec, err := ParseJobSpecification([]byte(js))
	if err != nil {
		t.Fatalf("ParseJobSpecification: %v", err)
	}
	got, err := spec.GlobalParameters["Big"].Native()
	if err != nil || got != int64(9007199254740993) {
		t.Fatalf("Big = %#v, %v; want exact int64", got, err)
	}

	const tooBig = `{
	  "globalParameters": { "Big": { "type": "integer", "value": 9223372036854775808 } },
	  "evaluations": [
	    { "contextKey": "Patient", "library": { "id": "L" }, "expressions": [ { "name": "A" } ] }
	  ]
	}`
	var cerr *ConfigError
	if _, err := ParseJobSpecification([]byte(tooBig)); !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConfigError for out-of-range integer", err)
	}
}

func TestMergeParameters_LocalWins(t *testing.T) {
	t.Parallel()

	local := map[string]Parameter{"Year": {Type: ParamInteger, Value: 2020.0}}
	global := map[string]Parameter{
		"Year": {Type: ParamInteger, Value: 2021.0},
		"Site": {Type: ParamString, Value: "north"},
	}
	got := MergeParameters(local, global)

	if got["Year"].Value != 2020.0 {
		t.Fatalf("Year = %v, want local 2020", got["Year"].Value)
	}
	if got["Site"].Value != "north" {
		t.Fatalf("Site = %v, want global fill-in", got["Site"].Value)
	}
	if _, ok := local["Site"]; ok {
		t.Fatal("MergeParameters mutated the local map")
	}
	if len(MergeParameters(nil, nil)) != 0 {
		t.Fatal("merge of nothing should be empty")
	}
}

func TestParameter_Native(t *testing.T) {
	t.Parallel()

	cases := []struct {
		p       Parameter
		want    any
		wantErr bool
	}{
		{Parameter{ParamString, "x"}, "x", false},
		{Parameter{ParamInteger, 3.0}, int64(3), false},
		{Parameter{ParamInteger, 3.5}, nil, true},
		{Parameter{ParamInteger, "42"}, int64(42), false},
		{Parameter{ParamInteger, json.Number("9007199254740993")}, int64(9007199254740993), false},
		{Parameter{ParamInteger, json.Number("9223372036854775808")}, nil, true},
		{Parameter{ParamInteger, json.Number("1.5")}, nil, true},
		{Parameter{ParamInteger, 1e19}, nil, true},
		{Parameter{ParamDecimal, json.Number("0.5")}, 0.5, false},
		{Parameter{ParamDecimal, 1.25}, 1.25, false},
		{Parameter{ParamBoolean, true}, true, false},
		{Parameter{ParamBoolean, "false"}, false, false},
		{Parameter{ParamDate, "2021-03-04"}, time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC), false},
		{Parameter{"color", "red"}, nil, true},
		{Parameter{ParamString, 1.0}, nil, true},
	}
	for _, c := range cases {
		got, err := c.p.Native()
		if (err != nil) != c.wantErr {
			t.Errorf("Native(%+v) err = %v, wantErr %v", c.p, err, c.wantErr)
			continue
		}
		if c.wantErr {
			continue
		}
		if tm, ok := c.want.(time.Time); ok {
			if !tm.Equal(got.(time.Time)) {
				t.Errorf("Native(%+v) = %v, want %v", c.p, got, c.want)
			}
			continue
		}
		if got != c.want {
			t.Errorf("Native(%+v) = %#v, want %#v", c.p, got, c.want)
		}
	}
}

func TestRunArgs_ApplyEnvAndValidate(t *testing.T) {
	t.Setenv("COHORTEVAL_BATCH_SIZE", "77")
	t.Setenv("COHORTEVAL_SINK", "sqlite")

	a := RunArgs{Workers: 3}
	a.ApplyEnv()
	if a.Workers != 3 {
		t.Fatalf("Workers = %d, want flag value 3", a.Workers)
	}
	if a.BatchSize != 77 {
		t.Fatalf("BatchSize = %d, want env 77", a.BatchSize)
	}
	if a.Sink != "sqlite" {
		t.Fatalf("Sink = %q, want env sqlite", a.Sink)
	}
	if a.ColumnDelimiter != DefaultColumnDelimiter {
		t.Fatalf("ColumnDelimiter = %q, want default", a.ColumnDelimiter)
	}

	if err := a.Check(); err == nil {
		t.Fatal("Check on empty paths should fail")
	}

	a.ContextDefinitionPath = "c.json"
	a.JobSpecPath = "j.json"
	a.InputPaths = map[string]string{"Patient": "p.csv"}
	a.LibrariesDir = "libs"
	a.OutputPaths = map[string]string{"Patient": "out"}
	if err := a.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if _, err := a.OutputPathFor("Encounter"); err == nil {
		t.Fatal("OutputPathFor(unknown) should fail")
	}
}

func TestRunArgs_ExplicitEmptyDelimiter(t *testing.T) {
	a := RunArgs{ColumnDelimiterSet: true}
	a.ApplyEnv()
	if a.ColumnDelimiter != "" {
		t.Fatalf("ColumnDelimiter = %q, want explicit empty value kept", a.ColumnDelimiter)
	}
	found := false
	for _, iss := range a.Validate() {
		if iss.Path == "column-delimiter" && iss.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Fatal("empty delimiter should produce a warning")
	}
}
