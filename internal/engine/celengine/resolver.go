// Package celengine evaluates libraries of CEL expressions.
//
// A library is a YAML file named <id>-<version>.yaml (or <id>.yaml) in the
// libraries directory:
//
//	library: Cohort
//	version: 1.0.0
//	valueSets: [diabetes]
//	expressions:
//	  IsAdult: int(data.Patient[0].age) >= params.MinAge
//	  HasDiabetes: data.Condition.exists(c, c.code in valueSets.diabetes)
//
// Expressions see four variables: data (data type -> list of records),
// params (merged parameters), context (the context key as a string) and
// valueSets (value set id -> list of codes).
package celengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"cohorteval/internal/engine"
)

// Format is the library format this package evaluates.
const Format = "cel"

type libraryFile struct {
	Library     string            `yaml:"library"`
	Version     string            `yaml:"version"`
	ValueSets   []string          `yaml:"valueSets"`
	Expressions map[string]string `yaml:"expressions"`
}

// NewEnv returns the CEL environment libraries are compiled against.
func NewEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.ListType(cel.MapType(cel.StringType, cel.DynType)))),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.StringType),
		cel.Variable("valueSets", cel.MapType(cel.StringType, cel.ListType(cel.StringType))),
	)
}

// Resolver serves the libraries of one directory. Every library file is
// compiled when the resolver is built; results are cached for the resolver's
// lifetime. A Resolver is meant to be owned by one worker and is not safe for
// concurrent use.
type Resolver struct {
	dir      string
	env      *cel.Env
	cache    map[string]*engine.Library
	compiled map[string]*engine.Library // by file path
}

// NewResolver builds the CEL environment and compiles every library file in
// dir. Any broken library fails the whole resolver.
func NewResolver(dir string) (*Resolver, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("libraries dir: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("libraries dir %s is not a directory", dir)
	}
	env, err := NewEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	r := &Resolver{
		dir:      dir,
		env:      env,
		cache:    map[string]*engine.Library{},
		compiled: map[string]*engine.Library{},
	}
	if err := r.compileAll(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resolver) compileAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read libraries dir: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !isLibraryFile(e.Name()) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		lib, err := r.compile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.compiled[path] = lib
	}
	return errors.Join(errs...)
}

func isLibraryFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// Resolve returns the compiled library for ref.
func (r *Resolver) Resolve(ref engine.LibraryRef) (*engine.Library, error) {
	if ref.Format != "" && ref.Format != Format {
		return nil, fmt.Errorf("%w %q for %s", engine.ErrUnsupportedFormat, ref.Format, ref)
	}
	if lib, ok := r.cache[ref.String()]; ok {
		return lib, nil
	}
	path, err := r.locate(ref)
	if err != nil {
		return nil, err
	}
	lib, ok := r.compiled[path]
	if !ok {
		if lib, err = r.compile(path); err != nil {
			return nil, err
		}
		r.compiled[path] = lib
	}
	if lib.ID != ref.ID {
		return nil, fmt.Errorf("%s declares library %q, want %q", path, lib.ID, ref.ID)
	}
	if ref.Version != "" && lib.Version != "" && lib.Version != ref.Version {
		return nil, fmt.Errorf("%s declares version %q, want %q", path, lib.Version, ref.Version)
	}
	r.cache[ref.String()] = lib
	return lib, nil
}

// locate finds the file for ref. Without a version the highest versioned file
// wins, falling back to an unversioned <id>.yaml.
func (r *Resolver) locate(ref engine.LibraryRef) (string, error) {
	if ref.Version != "" {
		for _, ext := range []string{".yaml", ".yml"} {
			p := filepath.Join(r.dir, ref.ID+"-"+ref.Version+ext)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		return "", fmt.Errorf("%w: %s in %s", engine.ErrLibraryNotFound, ref, r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return "", fmt.Errorf("read libraries dir: %w", err)
	}
	var best, bestVersion, plain string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isLibraryFile(name) {
			continue
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		if base == ref.ID {
			plain = filepath.Join(r.dir, name)
			continue
		}
		v, ok := strings.CutPrefix(base, ref.ID+"-")
		if !ok || !isVersion(v) {
			continue
		}
		if best == "" || compareVersions(v, bestVersion) > 0 {
			best, bestVersion = filepath.Join(r.dir, name), v
		}
	}
	switch {
	case best != "":
		return best, nil
	case plain != "":
		return plain, nil
	}
	return "", fmt.Errorf("%w: %s in %s", engine.ErrLibraryNotFound, ref, r.dir)
}

func (r *Resolver) compile(path string) (*engine.Library, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read library: %w", err)
	}
	var lf libraryFile
	if err := yaml.Unmarshal(b, &lf); err != nil {
		return nil, fmt.Errorf("decode library %s: %w", path, err)
	}
	if lf.Library == "" {
		return nil, fmt.Errorf("library %s: missing library id", path)
	}

	lib := &engine.Library{
		ID:          lf.Library,
		Version:     lf.Version,
		ValueSets:   lf.ValueSets,
		Expressions: make(map[string]engine.Program, len(lf.Expressions)),
	}
	var errs []string
	for name, src := range lf.Expressions {
		ast, iss := r.env.Compile(src)
		if iss != nil && iss.Err() != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, iss.Err()))
			continue
		}
		prg, err := r.env.Program(ast, cel.InterruptCheckFrequency(100))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		lib.Expressions[name] = program{prg: prg}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("compile library %s: %s", path, strings.Join(errs, "; "))
	}
	return lib, nil
}

type program struct{ prg cel.Program }

func (p program) Eval(ctx context.Context, activation map[string]any) (any, error) {
	out, _, err := p.prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, err
	}
	return toNative(out), nil
}

// isVersion reports whether the file name suffix after "<id>-" is a version
// rather than the rest of a longer library id such as <id>-extra.
func isVersion(v string) bool {
	return v != "" && v[0] >= '0' && v[0] <= '9'
}

// compareVersions compares dotted versions numerically where both parts are
// numbers and lexically otherwise.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xi, errX := strconv.Atoi(x)
		yi, errY := strconv.Atoi(y)
		switch {
		case errX == nil && errY == nil:
			if xi != yi {
				if xi < yi {
					return -1
				}
				return 1
			}
		case x != y:
			return strings.Compare(x, y)
		}
	}
	return 0
}
