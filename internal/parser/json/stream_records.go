// Package json streams JSON and NDJSON documents into field maps.
//
// Accepted shapes:
//   - root array of objects: [ {...}, {...} ]
//   - root object with an array-of-object field: { "records": [...] }
//     (the field can be pinned with the "records_field" option)
//   - single object, or a stream of objects (NDJSON)
package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"cohorteval/internal/config"
)

// StreamRecords decodes r and sends every record to out after applying the
// "header_map" option (source key -> field name). Numbers are kept as
// json.Number so integer keys keep their exact text form.
func StreamRecords(
	ctx context.Context,
	r io.Reader,
	opt config.Options,
	out chan<- map[string]any,
	onParseErr func(line int, err error),
) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	headerMap := opt.StringMap("header_map")
	recordsField := opt.String("records_field", "")

	line := 0
	emit := func(obj map[string]any) error {
		line++
		canon := obj
		if len(headerMap) > 0 {
			canon = make(map[string]any, len(obj))
			for k, v := range obj {
				if mapped, ok := headerMap[k]; ok && mapped != "" {
					canon[mapped] = v
				} else {
					canon[k] = v
				}
			}
		}
		select {
		case out <- canon:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var root any
	if err := dec.Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if onParseErr != nil {
			onParseErr(0, err)
		}
		return fmt.Errorf("json: decode root: %w", err)
	}

	switch v := root.(type) {
	case []any:
		for _, elem := range v {
			obj, ok := elem.(map[string]any)
			if !ok {
				err := fmt.Errorf("json: array element not an object (got %T)", elem)
				if onParseErr != nil {
					onParseErr(line+1, err)
				}
				return err
			}
			if err := emit(obj); err != nil {
				return err
			}
		}
	case map[string]any:
		slice := findObjectSlice(v, recordsField)
		if slice == nil {
			slice = []map[string]any{v}
		}
		for _, obj := range slice {
			if err := emit(obj); err != nil {
				return err
			}
		}
	default:
		err := fmt.Errorf("json: unsupported root type %T (want object or array)", v)
		if onParseErr != nil {
			onParseErr(0, err)
		}
		return err
	}

	// NDJSON tail.
	for {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if onParseErr != nil {
				onParseErr(line+1, err)
			}
			return fmt.Errorf("json: decode subsequent value: %w", err)
		}
		if err := emit(obj); err != nil {
			return err
		}
	}
}

// findObjectSlice returns the records of an envelope object. When field is
// set only that key is considered; otherwise the first array-of-object field
// in key order wins.
func findObjectSlice(root map[string]any, field string) []map[string]any {
	keys := make([]string, 0, len(root))
	if field != "" {
		keys = append(keys, field)
	} else {
		for k := range root {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	for _, k := range keys {
		raw, ok := root[k].([]any)
		if !ok || len(raw) == 0 {
			continue
		}
		objects := make([]map[string]any, 0, len(raw))
		valid := true
		for _, elem := range raw {
			if elem == nil {
				continue
			}
			m, ok := elem.(map[string]any)
			if !ok {
				valid = false
				break
			}
			objects = append(objects, m)
		}
		if valid && len(objects) > 0 {
			return objects
		}
	}
	return nil
}
