package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// appendCanonicalJSON re-encodes raw JSON into its canonical form:
// object keys sorted lexicographically at every depth, number literals
// preserved verbatim, no insignificant whitespace. Two documents that
// differ only in key order or spacing canonicalise to identical bytes.
func appendCanonicalJSON(buf []byte, raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return append(buf, "null"...), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return buf, fmt.Errorf("invalid JSON value: %w", err)
	}
	return appendCanonicalValue(buf, v)
}

func appendCanonicalValue(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if x {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case json.Number:
		return append(buf, x.String()...), nil
	case string:
		return appendJSONString(buf, x), nil
	case []any:
		buf = append(buf, '[')
		for i, el := range x {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonicalValue(buf, el)
			if err != nil {
				return buf, err
			}
		}
		return append(buf, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendJSONString(buf, k)
			buf = append(buf, ':')
			var err error
			buf, err = appendCanonicalValue(buf, x[k])
			if err != nil {
				return buf, err
			}
		}
		return append(buf, '}'), nil
	default:
		return buf, fmt.Errorf("unsupported JSON value %T", v)
	}
}

// appendJSONString appends s as a JSON string literal with standard
// escaping.
func appendJSONString(buf []byte, s string) []byte {
	b, _ := json.Marshal(s)
	return append(buf, b...)
}
