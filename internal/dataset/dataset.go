// Package dataset is the boundary to tabular input: reading a typed dataset
// into records and grouping keyed records into shards.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Record is one row of a dataset. Type is the dataset's data type and doubles
// as the fact type seen by expressions.
type Record struct {
	Type   string
	Fields map[string]any
}

// Get returns the value of column or nil.
func (r Record) Get(column string) any { return r.Fields[column] }

// Engine reads whole datasets by data type.
type Engine interface {
	Read(ctx context.Context, dataType string) ([]Record, error)
}

// KeyString normalizes a key value to the string used for grouping. The bool
// is false for nil and empty keys, which do not belong to any group.
func KeyString(v any) (string, bool) {
	switch k := v.(type) {
	case nil:
		return "", false
	case string:
		return k, k != ""
	case json.Number:
		return k.String(), k != ""
	case []byte:
		return string(k), len(k) > 0
	case int:
		return strconv.Itoa(k), true
	case int64:
		return strconv.FormatInt(k, 10), true
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(k), true
	case time.Time:
		return k.UTC().Format(time.RFC3339Nano), true
	case fmt.Stringer:
		s := k.String()
		return s, s != ""
	default:
		s := fmt.Sprint(k)
		return s, s != ""
	}
}
