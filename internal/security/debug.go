package security

import (
	"fmt"
	"reflect"
	"strings"
)

// debugRedacted is the replacement for values under sensitive keys in
// debug payload dumps.
const debugRedacted = "[redacted]"

// maxDataStringLen is the threshold beyond which string values under a
// "data" key are summarized instead of dumped.
const maxDataStringLen = 200

// sensitiveDebugKeys are the payload keys whose values are always replaced
// in debug dumps, compared case-insensitively.
var sensitiveDebugKeys = map[string]struct{}{
	"apikey":                {},
	"api_key":               {},
	"authorization":         {},
	"proxy-authorization":   {},
	"x-api-key":             {},
	"openai-api-key":        {},
	"anthropic-api-key":     {},
	"anthropic-oauth-token": {},
}

// RedactPayload returns a deep copy of v suitable for debug logging:
// values under sensitive keys become "[redacted]", long string values under
// "data" keys become "[base64 N chars]", and cycles are cut with
// "[Circular]". Redacting already-redacted input is a no-op.
func RedactPayload(v any) any {
	return redactValue(v, "", make(map[uintptr]struct{}))
}

func redactValue(v any, key string, seen map[uintptr]struct{}) any {
	if v == nil {
		return nil
	}

	if s, ok := v.(string); ok {
		if isSensitiveDebugKey(key) {
			return debugRedacted
		}
		if strings.EqualFold(key, "data") && len(s) > maxDataStringLen {
			return fmt.Sprintf("[base64 %d chars]", len(s))
		}
		return s
	}

	if isSensitiveDebugKey(key) {
		return debugRedacted
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			return "[Circular]"
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)

		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := fmt.Sprintf("%v", iter.Key().Interface())
			out[k] = redactValue(iter.Value().Interface(), k, seen)
		}
		return out

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			ptr := rv.Pointer()
			if _, ok := seen[ptr]; ok {
				return "[Circular]"
			}
			seen[ptr] = struct{}{}
			defer delete(seen, ptr)
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = redactValue(rv.Index(i).Interface(), "", seen)
		}
		return out

	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return redactValue(rv.Elem().Interface(), key, seen)

	default:
		return v
	}
}

func isSensitiveDebugKey(key string) bool {
	if key == "" {
		return false
	}
	_, ok := sensitiveDebugKeys[strings.ToLower(key)]
	return ok
}
