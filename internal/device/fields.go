package device

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Fields is a decoded JSON object as delivered by either channel.
// Nested objects are map[string]any and arrays are []any.
type Fields map[string]any

// Lookup walks a dotted path such as "flow.v" or "humidity.0.value".
// Numeric segments index into arrays. A nil leaf counts as absent.
func (f Fields) Lookup(path string) (any, bool) {
	if f == nil || path == "" {
		return nil, false
	}

	var cur any = map[string]any(f)
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case Fields:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}

	if cur == nil {
		return nil, false
	}
	return cur, true
}

// clone copies the top level of f. Nested values are shared, which is safe
// because snapshots are never mutated in place.
func (f Fields) clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Source identifies where a resolved value came from.
type Source string

// Resolution sources.
const (
	SourceNone    Source = ""
	SourcePush    Source = "push"
	SourcePoll    Source = "poll"
	SourceDefault Source = "default"
	SourceDerived Source = "derived"
)

// Value is the result of resolving an attribute. The zero Value is unknown.
type Value struct {
	Raw    any    `json:"value"`
	Known  bool   `json:"known"`
	Source Source `json:"source,omitempty"`
}

// Unknown is the value returned when no channel carries an attribute.
var Unknown = Value{}

func known(raw any, src Source) Value {
	return Value{Raw: raw, Known: true, Source: src}
}

// Float returns the value as a float64 if it is numeric.
func (v Value) Float() (float64, bool) {
	if !v.Known {
		return 0, false
	}
	return toFloat(v.Raw)
}

// Bool returns the value as a bool.
func (v Value) Bool() (bool, bool) {
	if !v.Known {
		return false, false
	}
	b, ok := v.Raw.(bool)
	return b, ok
}

// Text returns the value as a string.
func (v Value) Text() (string, bool) {
	if !v.Known {
		return "", false
	}
	s, ok := v.Raw.(string)
	return s, ok
}

func toFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
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

// round rounds half away from zero to the given number of decimals.
func round(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}
