// Package payload decodes device messages of unknown shape into a generic
// tree and provides tolerant field access over it. Producers have shipped
// several payload generations (nested groups, flattened keys, renamed fields),
// so every accessor returns an explicit "absent" instead of failing.
package payload

import (
	"math"
	"strconv"
	"strings"

	"github.com/fleetwatch/fleetwatch/internal/jsoncodec"
)

// RawKey is the single field of the placeholder tree substituted when a body
// does not parse as a JSON object. The message is still archived verbatim.
const RawKey = "raw"

// Decode parses body as a JSON object. On any parse failure it returns a
// placeholder tree carrying the raw text under RawKey, never nil; ok reports
// whether the body parsed.
func Decode(body []byte) (tree map[string]any, ok bool) {
	if err := jsoncodec.Unmarshal(body, &tree); err != nil || tree == nil {
		return map[string]any{RawKey: string(body)}, false
	}
	return tree, true
}

// Get returns the first present, non-nil value among the candidate locations.
// Each candidate is either a literal top-level key or a dotted path into
// nested objects; the literal form wins when both exist. Returns nil when no
// candidate matches.
func Get(tree map[string]any, candidates ...string) any {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if v, ok := tree[candidate]; ok && v != nil {
			return v
		}
		if v := lookupPath(tree, strings.Split(candidate, ".")); v != nil {
			return v
		}
	}
	return nil
}

func lookupPath(tree map[string]any, parts []string) any {
	var current any = tree
	for _, part := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = node[part]
		if !ok {
			return nil
		}
	}
	return current
}

// AsFloat coerces v to a finite float64. Numbers and numeric strings are
// accepted; nil, empty strings, the literal "null", non-numeric strings, and
// non-finite values are absent. Never panics.
func AsFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return finite(t)
	case float32:
		return finite(float64(t))
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" || strings.EqualFold(s, "null") {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return finite(f)
	default:
		return 0, false
	}
}

// AsInt coerces v to an int with the same tolerance as AsFloat; fractional
// values are truncated toward zero.
func AsInt(v any) (int, bool) {
	f, ok := AsFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// AsString coerces v to a non-empty string.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
