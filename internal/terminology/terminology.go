// Package terminology resolves value sets for expressions.
package terminology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cohorteval/internal/engine"
)

// ErrUnsupported is returned by Unsupported for every expansion.
var ErrUnsupported = errors.New("terminology is not configured")

// ErrUnknownValueSet is wrapped when a value set id is not known.
var ErrUnknownValueSet = errors.New("unknown value set")

// Unsupported fails every expansion. It is used when no terminology
// directory is configured, so a library that needs value sets fails loudly.
type Unsupported struct{}

func (Unsupported) Expand(_ context.Context, id string) ([]engine.Code, error) {
	return nil, fmt.Errorf("%w: value set %s", ErrUnsupported, id)
}

type valueSetFile struct {
	ID    string        `json:"id"`
	Codes []engine.Code `json:"codes"`
}

// Directory serves value sets loaded from *.json files in a directory. Each
// file holds {"id": "...", "codes": [{"system","code","display"}]}; a file
// without an id is registered under its base name.
type Directory struct {
	sets map[string][]engine.Code
}

// LoadDirectory reads every value set file in dir.
func LoadDirectory(dir string) (*Directory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("terminology dir: %w", err)
	}
	d := &Directory{sets: map[string][]engine.Code{}}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read value set: %w", err)
		}
		var vs valueSetFile
		if err := json.Unmarshal(b, &vs); err != nil {
			return nil, fmt.Errorf("decode value set %s: %w", path, err)
		}
		if vs.ID == "" {
			vs.ID = strings.TrimSuffix(e.Name(), ".json")
		}
		if _, dup := d.sets[vs.ID]; dup {
			return nil, fmt.Errorf("value set %s defined twice (%s)", vs.ID, path)
		}
		d.sets[vs.ID] = vs.Codes
	}
	return d, nil
}

// Len returns the number of loaded value sets.
func (d *Directory) Len() int { return len(d.sets) }

func (d *Directory) Expand(_ context.Context, id string) ([]engine.Code, error) {
	codes, ok := d.sets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownValueSet, id)
	}
	return codes, nil
}
