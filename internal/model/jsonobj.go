package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// JSONObject is an untyped JSON object as stored in the jsonb columns of
// eval_case_results and eval_runs. Judge and rule-check payloads are partly
// model-authored, so callers read them through the narrow accessors below
// instead of decoding into fixed structs.
type JSONObject map[string]any

// Clone returns a shallow copy. Nil stays nil.
func (o JSONObject) Clone() JSONObject {
	if o == nil {
		return nil
	}
	out := make(JSONObject, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// String returns o[key] when it is a string.
func (o JSONObject) String(key string) (string, bool) {
	s, ok := o[key].(string)
	return s, ok
}

// Bool returns o[key] when it is a bool.
func (o JSONObject) Bool(key string) (bool, bool) {
	b, ok := o[key].(bool)
	return b, ok
}

// Float returns o[key] as a float64 when it is any JSON number.
func (o JSONObject) Float(key string) (float64, bool) {
	return toFloat(o[key])
}

// Object returns o[key] when it is a nested object.
func (o JSONObject) Object(key string) (JSONObject, bool) {
	switch v := o[key].(type) {
	case JSONObject:
		return v, true
	case map[string]any:
		return JSONObject(v), true
	}
	return nil, false
}

// Strings returns the string elements of o[key]; non-string elements are skipped.
func (o JSONObject) Strings(key string) []string {
	switch v := o[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Labels returns the judge labels array.
func (o JSONObject) Labels() []string { return o.Strings("labels") }

// Reason returns the human-readable reason/message field, preferring "reason".
func (o JSONObject) Reason() string {
	if s, ok := o.String("reason"); ok && s != "" {
		return s
	}
	s, _ := o.String("message")
	return s
}

// Scores returns the numeric entries of the "scores" object.
func (o JSONObject) Scores() map[string]float64 {
	raw, ok := o.Object("scores")
	if !ok {
		return map[string]float64{}
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		if f, ok := toFloat(v); ok {
			out[k] = f
		}
	}
	return out
}

// ToJSONObject round-trips v through encoding/json into a JSONObject.
func ToJSONObject(v any) (JSONObject, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("model: marshal json object: %w", err)
	}
	var out JSONObject
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("model: unmarshal json object: %w", err)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Round2 rounds half away from zero to two decimal places. Negative zero
// comes back as zero.
func Round2(v float64) float64 {
	r := math.Round(v*100) / 100
	if r == 0 {
		return 0
	}
	return r
}
