package wire

import (
	"strconv"
	"strings"
	"time"
)

// Payloads and vars decode to open-ended msgpack values: the decoder hands
// back whichever integer width the wire bytes used, strings or bins
// depending on the sender, and nested maps/slices of the same. Handlers on
// both sides of the link read them through these tolerant coercions instead
// of bare type assertions.

// AsString coerces v to a string. Bytes are interpreted as UTF-8; numbers
// and bools render in their canonical decimal/true-false form; nil is "".
func AsString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	if n, ok := AsInt(v); ok {
		return strconv.Itoa(n)
	}
	return ""
}

// AsBytes coerces v to a byte slice. Strings convert; other types are nil.
func AsBytes(v any) []byte {
	switch x := v.(type) {
	case []byte:
		return x
	case string:
		return []byte(x)
	default:
		return nil
	}
}

// AsInt coerces v to an int, handling every integer width the decoder can
// produce plus digit strings. The second return reports success.
func AsInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int8:
		return int(x), true
	case int16:
		return int(x), true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case uint:
		return int(x), true
	case uint8:
		return int(x), true
	case uint16:
		return int(x), true
	case uint32:
		return int(x), true
	case uint64:
		return int(x), true
	case float32:
		return int(x), true
	case float64:
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, false
		}
		return n, true
	case []byte:
		n, err := strconv.Atoi(strings.TrimSpace(string(x)))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// AsBool reports whether v is truthy: true, the strings "y", "yes", "true"
// or "1" in any case, or a non-zero number.
func AsBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return truthyString(x)
	case []byte:
		return truthyString(string(x))
	}
	if n, ok := AsInt(v); ok {
		return n != 0
	}
	return false
}

func truthyString(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "true", "1":
		return true
	default:
		return false
	}
}

// AsMap coerces v to a string-keyed map. Maps decoded with non-string keys
// are re-keyed through AsString; other types return nil.
func AsMap(v any) map[string]any {
	switch x := v.(type) {
	case map[string]any:
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[AsString(k)] = val
		}
		return m
	default:
		return nil
	}
}

// AsSlice coerces v to a generic slice, or nil.
func AsSlice(v any) []any {
	if x, ok := v.([]any); ok {
		return x
	}
	return nil
}

// AsStringSlice coerces v to a slice of strings. A lone string becomes a
// one-element slice, matching how senders abbreviate single recipients.
func AsStringSlice(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case []string:
		return x
	case string:
		return []string{x}
	case []byte:
		return []string{string(x)}
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, AsString(e))
		}
		return out
	default:
		return nil
	}
}

// AsTime parses v as an RFC 3339 timestamp (with or without sub-second
// precision), returning the zero time and false when it is not one.
func AsTime(v any) (time.Time, bool) {
	s := AsString(v)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
