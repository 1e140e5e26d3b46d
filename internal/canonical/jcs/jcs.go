// Package jcs implements RFC 8785 JSON canonicalization over the restricted
// value model used for hashing: nil, bool, string, integers, float64,
// []any, and map[string]any. Canonical bytes are stable across processes,
// which is what binds every decision hash and cache key in the pipeline.
package jcs

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Bytes returns the canonical JSON encoding of v.
func Bytes(v any) ([]byte, error) {
	var b strings.Builder
	if err := encode(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// MustBytes is Bytes for values built by our own input builders, where a
// canonicalization failure is programmer error.
func MustBytes(v any) []byte {
	b, err := Bytes(v)
	if err != nil {
		panic(err)
	}
	return b
}

func encode(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		encodeString(b, t)
	case int:
		b.WriteString(strconv.Itoa(t))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		s, err := canonicalNumber(t)
		if err != nil {
			return err
		}
		b.WriteString(s)
	case []any:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encode(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeString(b, item)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeString(b, k)
			b.WriteByte(':')
			if err := encode(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("jcs: unsupported type %T", v)
	}
	return nil
}

func encodeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			b.WriteString(`\"`)
		case r == '\\':
			b.WriteString(`\\`)
		case r <= 0x1F:
			fmt.Fprintf(b, `\u%04x`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
}

// canonicalNumber renders a float the way the decision hashes expect:
// shortest round-trip form, no positive exponent sign, no trailing
// fractional zeros, and -0 folded to 0.
func canonicalNumber(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("jcs: non-finite number")
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		if f == 0 {
			return "0", nil
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	txt := strconv.FormatFloat(f, 'g', -1, 64)
	if i := strings.IndexAny(txt, "eE"); i != -1 {
		base := txt[:i]
		exp := strings.TrimPrefix(txt[i+1:], "+")
		exp = strings.TrimLeft(exp, "0")
		if strings.HasPrefix(exp, "-") {
			exp = "-" + strings.TrimLeft(exp[1:], "0")
		}
		txt = base + "e" + exp
	}
	if strings.Contains(txt, ".") && !strings.Contains(txt, "e") {
		txt = strings.TrimRight(txt, "0")
		txt = strings.TrimSuffix(txt, ".")
		if txt == "-0" {
			txt = "0"
		}
	}
	return txt, nil
}
