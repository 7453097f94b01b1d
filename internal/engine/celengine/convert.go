package celengine

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// toNative converts a CEL value to plain Go values: nil, bool, int64, uint64,
// float64, string, []byte, time.Time, time.Duration, []any or map[string]any.
func toNative(v ref.Val) any {
	switch t := v.(type) {
	case nil, types.Null:
		return nil
	case traits.Lister:
		out := []any{}
		it := t.Iterator()
		for it.HasNext() == types.True {
			out = append(out, toNative(it.Next()))
		}
		return out
	case traits.Mapper:
		out := map[string]any{}
		it := t.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			key, ok := k.Value().(string)
			if !ok {
				key = fmt.Sprint(k.Value())
			}
			out[key] = toNative(t.Get(k))
		}
		return out
	}
	return v.Value()
}

// fromField prepares a record field for CEL: json.Number becomes int64 when
// integral and float64 otherwise. Everything else passes through.
func fromField(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
