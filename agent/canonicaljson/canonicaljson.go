// Package canonicaljson implements the single canonical JSON encoding used
// everywhere a stable hash or fingerprint is computed over arbitrary,
// JSON-safe data: approval ticket arg hashing and run fingerprinting. Keys are sorted recursively in ascending
// code-point order, non-ASCII runes are escaped, and no insignificant
// whitespace is emitted.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Marshal encodes v into the canonical form. v must be built out of the types
// produced by encoding/json.Unmarshal into an any (map[string]any, []any,
// string, float64/json.Number, bool, nil) or the plain Go equivalents
// (map[string]any, []any, string, int, int64, float64, bool, nil). Any other
// type returns an error; callers that need struct support should round-trip
// through encoding/json first.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustMarshal is Marshal but panics on error. Reserved for call sites that
// build the input themselves and can guarantee it is canonicalizable.
func MustMarshal(v any) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encodeString(buf, t)
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case float64:
		buf.WriteString(formatFloat(t))
	case json.Number:
		buf.WriteString(t.String())
	case map[string]any:
		return encodeObject(buf, t)
	case []any:
		return encodeArray(buf, t)
	default:
		return fmt.Errorf("canonicaljson: unsupported type %T", v)
	}
	return nil
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, k)
		buf.WriteByte(':')
		if err := encode(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, a []any) error {
	buf.WriteByte('[')
	for i, v := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// encodeString writes a JSON string literal with all non-ASCII runes
// \u-escaped, matching Python's json.dumps(..., ensure_ascii=True) used by
// the source's hashing utilities.
func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 || r > 0x7f {
				if r > 0xffff {
					// Encode as a UTF-16 surrogate pair.
					r -= 0x10000
					hi := 0xd800 + (r >> 10)
					lo := 0xdc00 + (r & 0x3ff)
					fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
				} else {
					fmt.Fprintf(buf, `\u%04x`, r)
				}
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// Normalize returns v unchanged: a value produced by encoding/json.Marshal/
// Unmarshal round-tripping (map[string]any keyed maps, []any slices,
// json.Number or float64 numbers) is already in the shape Marshal accepts.
// It is a convenience for callers hashing a Go struct: marshal the struct
// with encoding/json, unmarshal into `any`, then pass through Normalize
// before Marshal here.
func Normalize(v any) any {
	return v
}
