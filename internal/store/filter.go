package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// Filter is a per-subscription payload filter: every key maps to the set of
// values accepted for that key. A payload matches when, for each key, the
// payload carries one of the listed values. A nil or empty filter matches
// everything.
type Filter map[string][]any

// Value implements driver.Valuer. A nil filter is stored as '{}' so the
// column stays NOT NULL.
func (f Filter) Value() (driver.Value, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(f)
}

// Scan implements sql.Scanner.
func (f *Filter) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*f = nil
		return nil
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	default:
		return fmt.Errorf("filter: cannot scan %T", src)
	}
}

// Validate checks the filter structure: string keys, array values, and only
// string/number/bool elements. Nested objects, arrays and nulls are rejected.
func (f Filter) Validate() error {
	for key, values := range f {
		if key == "" {
			return fmt.Errorf("%w: filter key must be a non-empty string", ErrInvalidArgument)
		}
		if values == nil {
			return fmt.Errorf("%w: filter values for %q must be an array", ErrInvalidArgument, key)
		}
		for _, v := range values {
			switch v.(type) {
			case string, float64, int, int64, bool, json.Number:
			default:
				return fmt.Errorf(
					"%w: filter values for %q must be strings, numbers or booleans", ErrInvalidArgument, key)
			}
		}
	}
	return nil
}

// Sanitize returns a copy with control characters other than tab, newline and
// carriage return removed and HTML entities escaped in string keys and values.
func (f Filter) Sanitize() Filter {
	if f == nil {
		return nil
	}
	out := make(Filter, len(f))
	for key, values := range f {
		cleaned := make([]any, len(values))
		for i, v := range values {
			if s, ok := v.(string); ok {
				cleaned[i] = sanitizeString(s)
			} else {
				cleaned[i] = v
			}
		}
		out[sanitizeString(key)] = cleaned
	}
	return out
}

func sanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return html.EscapeString(s)
}

// Match reports whether a payload satisfies the filter. Each filter key must
// be present in the payload with a value equal to one of the listed values
// under JSON equality. Keys whose value set is not an array are ignored, the
// same way the fan-out SQL ignores them.
func (f Filter) Match(payload map[string]any) bool {
	for key, allowed := range f {
		if allowed == nil {
			continue
		}
		got, ok := payload[key]
		if !ok {
			return false
		}
		found := false
		for _, want := range allowed {
			if jsonEqual(got, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// jsonEqual compares two JSON scalar values: numbers numerically, strings and
// booleans literally.
func jsonEqual(a, b any) bool {
	if na, aok := toFloat(a); aok {
		nb, bok := toFloat(b)
		return bok && na == nb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
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
