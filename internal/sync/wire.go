package sync

import (
	"strings"
	"unicode"
)

// NormalizeKeys deep-converts camelCase map keys to snake_case so
// callers on either side of the wire may send either style. When both
// spellings are present the explicit snake_case value wins.
func NormalizeKeys(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))

	// Snake-case keys first so they take precedence.
	for k, v := range m {
		if k == ToSnakeCase(k) {
			out[k] = normalizeValue(v)
		}
	}
	for k, v := range m {
		snake := ToSnakeCase(k)
		if k == snake {
			continue
		}
		if _, exists := out[snake]; exists {
			continue
		}
		out[snake] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return NormalizeKeys(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

// ToSnakeCase converts camelCase and PascalCase to snake_case. Keys
// already in snake_case pass through unchanged; leading underscores
// (private config keys like _lastSync) are preserved.
func ToSnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Loose coercion helpers for wire values decoded as interface{}.

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asBool(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true"
	case float64:
		return val != 0
	}
	return false
}

func asFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return 0
}
