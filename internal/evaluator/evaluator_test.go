package evaluator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"cohorteval/internal/config"
	"cohorteval/internal/dataset"
	"cohorteval/internal/engine"
	"cohorteval/internal/namer"
	"cohorteval/internal/partition"
)

type call struct {
	library     string
	expressions []string
	params      map[string]any
	types       []string
}

// fakeEngine returns "<library>:<expression>" for every requested expression
// except those listed in omit, and records each call.
type fakeEngine struct {
	calls []call
	omit  map[string]bool
	fail  error
}

func (f *fakeEngine) Evaluate(_ context.Context, libs engine.LibraryResolver, _ engine.TerminologyResolver, req engine.Request) (map[string]any, error) {
	if _, err := libs.Resolve(req.Library); err != nil {
		return nil, err
	}
	f.calls = append(f.calls, call{
		library:     req.Library.ID,
		expressions: req.Expressions,
		params:      req.Parameters,
		types:       req.Data.Types(),
	})
	if f.fail != nil {
		return nil, f.fail
	}
	out := map[string]any{}
	for _, e := range req.Expressions {
		if f.omit[e] {
			continue
		}
		out[e] = req.Library.ID + ":" + e
	}
	return out, nil
}

type nopLibs struct{}

func (nopLibs) Resolve(ref engine.LibraryRef) (*engine.Library, error) {
	return &engine.Library{ID: ref.ID}, nil
}

func newCache() *WorkerCache {
	return NewWorkerCache(
		func() (engine.LibraryResolver, error) { return nopLibs{}, nil },
		nil,
	)
}

func param(typ string, v any) config.Parameter { return config.Parameter{Type: typ, Value: v} }

func testSpec() config.JobSpecification {
	return config.JobSpecification{
		GlobalParameters: map[string]config.Parameter{
			"Year": param(config.ParamInteger, 2021.0),
			"Site": param(config.ParamString, "north"),
		},
		Evaluations: []config.EvaluationRequest{
			{
				ContextKey:  "Patient",
				Library:     config.LibraryDescriptor{ID: "lib1", Version: "1"},
				Expressions: []config.ExpressionConfiguration{{Name: "A"}, {Name: "B", OutputColumn: "b"}},
				Parameters:  map[string]config.Parameter{"Year": param(config.ParamInteger, 2020.0)},
			},
			{
				ContextKey:  "Patient",
				Library:     config.LibraryDescriptor{ID: "lib2", Version: "1"},
				Expressions: []config.ExpressionConfiguration{{Name: "A"}},
			},
			{
				ContextKey:  "Encounter",
				Library:     config.LibraryDescriptor{ID: "lib1", Version: "1"},
				Expressions: []config.ExpressionConfiguration{{Name: "A"}},
			},
		},
	}
}

func group(key string) partition.RecordGroup {
	recs := []dataset.Record{
		{Type: "Patient", Fields: map[string]any{"id": key}},
		{Type: "Observation", Fields: map[string]any{"patient_id": key}},
	}
	return partition.RecordGroup{
		Key:     key,
		Records: recs,
		ByType:  map[string][]dataset.Record{"Patient": recs[:1], "Observation": recs[1:]},
	}
}

func newEvaluator(t *testing.T, spec config.JobSpecification, eng engine.Evaluator, f Filters) *ContextEvaluator {
	t.Helper()
	n, err := namer.New(spec, "|")
	require.NoError(t, err)
	e, err := NewContextEvaluator(spec, n, eng, f, false)
	require.NoError(t, err)
	return e
}

func TestEvaluate_ColumnsAndParameters(t *testing.T) {
	t.Parallel()

	spec := testSpec()
	eng := &fakeEngine{}
	e := newEvaluator(t, spec, eng, Filters{})

	res, err := e.Evaluate(context.Background(), "Patient", group("p1"), newCache())
	require.NoError(t, err)
	require.Equal(t, "p1", res.Key)
	require.Equal(t, map[string]any{
		"lib1|A": "lib1:A",
		"b":      "lib1:B",
		"lib2|A": "lib2:A",
	}, res.Columns)

	require.Len(t, eng.calls, 2)
	// Local parameter wins, global fills the gap.
	require.Equal(t, int64(2020), eng.calls[0].params["Year"])
	require.Equal(t, "north", eng.calls[0].params["Site"])
	require.Equal(t, int64(2021), eng.calls[1].params["Year"])
	require.Equal(t, []string{"Observation", "Patient"}, eng.calls[0].types)

	// The job specification itself is untouched.
	require.NotContains(t, spec.Evaluations[0].Parameters, "Site")
	require.Nil(t, spec.Evaluations[1].Parameters)
}

func TestEvaluate_MissingResultIsExplicitNil(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, testSpec(), &fakeEngine{omit: map[string]bool{"B": true}}, Filters{})
	res, err := e.Evaluate(context.Background(), "Patient", group("p1"), newCache())
	require.NoError(t, err)
	v, ok := res.Columns["b"]
	require.True(t, ok, "column b must be present")
	require.Nil(t, v)
}

func TestEvaluate_Filters(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		filters Filters
		want    []string
	}{
		{"library allow-list", Filters{Libraries: map[string]string{"lib2": ""}}, []string{"lib2|A"}},
		{"expression allow-list", Filters{Expressions: []string{"B"}}, []string{"b"}},
		{"both", Filters{Libraries: map[string]string{"lib2": "9"}, Expressions: []string{"B"}}, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			eng := &fakeEngine{}
			e := newEvaluator(t, testSpec(), eng, c.filters)
			res, err := e.Evaluate(context.Background(), "Patient", group("p1"), newCache())
			require.NoError(t, err)
			var got []string
			for col := range res.Columns {
				got = append(got, col)
			}
			require.ElementsMatch(t, c.want, got)
			require.Equal(t, len(c.want) > 0, len(eng.calls) > 0, "requests left with no expressions are skipped")
		})
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, testSpec(), &fakeEngine{}, Filters{})
	cache := newCache()
	first, err := e.Evaluate(context.Background(), "Patient", group("p7"), cache)
	require.NoError(t, err)
	second, err := e.Evaluate(context.Background(), "Patient", group("p7"), cache)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestEvaluate_EngineErrorIsWrapped(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	e := newEvaluator(t, testSpec(), &fakeEngine{fail: boom}, Filters{})
	_, err := e.Evaluate(context.Background(), "Patient", group("p1"), newCache())

	var ee *EvaluationError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, "p1", ee.ContextKey)
	require.Equal(t, "lib1-1", ee.Library)
	require.ErrorIs(t, err, boom)
}

func TestEvaluate_DuplicateColumnIsFatal(t *testing.T) {
	t.Parallel()

	spec := config.JobSpecification{Evaluations: []config.EvaluationRequest{
		{ContextKey: "Patient", Library: config.LibraryDescriptor{ID: "lib1"}, Expressions: []config.ExpressionConfiguration{{Name: "x", OutputColumn: "A1"}}},
		{ContextKey: "Encounter", Library: config.LibraryDescriptor{ID: "lib2"}, Expressions: []config.ExpressionConfiguration{{Name: "y", OutputColumn: "A1"}}},
	}}
	e := newEvaluator(t, spec, &fakeEngine{}, Filters{})
	// Force both requests onto one context, which the namer would reject.
	e.plans["Patient"] = append(e.plans["Patient"], e.plans["Encounter"]...)

	_, err := e.Evaluate(context.Background(), "Patient", group("p1"), newCache())
	require.ErrorIs(t, err, ErrDuplicateColumn)
}

func TestEvaluate_UnknownContextYieldsEmptyRow(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, testSpec(), &fakeEngine{}, Filters{})
	res, err := e.Evaluate(context.Background(), "Claim", group("c1"), newCache())
	require.NoError(t, err)
	require.Empty(t, res.Columns)
	require.Equal(t, 0, e.Requests("Claim"))
	require.Equal(t, 2, e.Requests("Patient"))
}

func TestWorkerCache_BuildsOnce(t *testing.T) {
	t.Parallel()

	libCalls, termCalls := 0, 0
	c := NewWorkerCache(
		func() (engine.LibraryResolver, error) { libCalls++; return nopLibs{}, nil },
		func() (engine.TerminologyResolver, error) { termCalls++; return nil, nil },
	)
	for range 3 {
		libs, _, err := c.Resolvers()
		require.NoError(t, err)
		require.NotNil(t, libs)
	}
	require.Equal(t, 1, libCalls)
	require.Equal(t, 1, termCalls)
}

func TestWorkerCache_StickyError(t *testing.T) {
	t.Parallel()

	calls := 0
	cause := errors.New("no libraries")
	c := NewWorkerCache(func() (engine.LibraryResolver, error) { calls++; return nil, cause }, nil)

	_, _, err1 := c.Resolvers()
	_, _, err2 := c.Resolvers()
	require.Equal(t, 1, calls)
	require.Same(t, err1, err2)

	var se *SetupError
	require.ErrorAs(t, err1, &se)
	require.Equal(t, "library resolver", se.Component)
	require.ErrorIs(t, err1, cause)

	e := newEvaluator(t, testSpec(), &fakeEngine{}, Filters{})
	_, err := e.Evaluate(context.Background(), "Patient", group("p1"), c)
	require.ErrorAs(t, err, &se)
}

func TestColumns_FollowFilters(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, testSpec(), &fakeEngine{}, Filters{})
	require.Equal(t, []string{"b", "lib1|A", "lib2|A"}, e.Columns("Patient"))
	require.Equal(t, []string{"lib1|A"}, e.Columns("Encounter"))
	require.Empty(t, e.Columns("Nope"))

	e = newEvaluator(t, testSpec(), &fakeEngine{}, Filters{Expressions: []string{"B"}})
	require.Equal(t, []string{"b"}, e.Columns("Patient"))
}
