// Package jsonutil helps core logic treat provider record payloads as opaque
// key-value data. Payloads are schemaless JSON; values configured as geocoding
// or join columns may arrive as strings, numbers, or booleans depending on the
// provider.
package jsonutil

import (
	"fmt"
	"strconv"
)

// FieldString looks up a column in a record payload and coerces the value to
// a string. The second return is false when the column is absent or null;
// callers treat that as "no enrichable data", not an error.
func FieldString(payload map[string]any, column string) (string, bool) {
	if payload == nil {
		return "", false
	}

	raw, ok := payload[column]
	if !ok || raw == nil {
		return "", false
	}

	switch v := raw.(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	case float64:
		// JSON numbers decode to float64; render integers without a decimal
		// point so numeric external IDs and codes match their string form.
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), true
		}
		return strconv.FormatFloat(v, 'g', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}
