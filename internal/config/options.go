// Package config defines the JSON-serializable inputs of an evaluation run:
// context definitions, the job specification, and the run arguments handed
// over by the CLI. Everything in here is read once per run and treated as
// read-only afterwards.
//
// Example context definition file (trimmed):
//
//	[
//	  { "name": "Patient", "primaryKey": "id",
//	    "sources": [ { "dataType": "Patient" },
//	                 { "dataType": "Observation", "keyColumn": "patient_id" } ] }
//	]
//
// Example job specification (trimmed):
//
//	{
//	  "globalParameters": { "MeasurementPeriod": { "type": "integer", "value": 2021 } },
//	  "evaluations": [
//	    { "contextKey": "Patient",
//	      "library": { "id": "Cohort", "version": "1.0.0", "format": "cel" },
//	      "expressions": [ { "name": "IsAdult", "outputColumn": "adult" } ] }
//	  ]
//	}
package config

import "encoding/json"

// Options is a small helper to fetch typed values from arbitrary JSON maps. It
// performs only minimal type coercion and returns the provided default when a
// key is absent or of an unexpected type.
//
// Options carries reader settings for input datasets where the shape varies by
// format (CSV delimiter, header mapping, JSON envelope field, ...).
type Options map[string]any

// String returns the string value for key or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers decode as float64,
// so both float64 and int are accepted.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// Rune returns the first rune of a string value for key, or def.
func (o Options) Rune(key string, def rune) rune {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok && len(s) > 0 {
			return []rune(s)[0]
		}
	}
	return def
}

// StringMap returns a map[string]string for key when the value is an object
// whose values are strings. Non-string values are ignored.
func (o Options) StringMap(key string) map[string]string {
	res := map[string]string{}
	if v, ok := o[key]; ok {
		switch m := v.(type) {
		case map[string]any:
			for k, vv := range m {
				if s, ok := vv.(string); ok {
					res[k] = s
				}
			}
		case map[string]string:
			for k, s := range m {
				res[k] = s
			}
		}
	}
	return res
}

// UnmarshalJSON makes a missing or null options object decode to an empty,
// non-nil map.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
