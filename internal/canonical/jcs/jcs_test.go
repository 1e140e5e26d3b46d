package jcs

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/suite"
)

// =============================================================================
// JCS Canonicalization Suite
// =============================================================================
// Justification for unit tests: every decision hash and cache key in the
// pipeline is bit-bound to this encoding; a formatting drift here silently
// breaks replay for every stored run.

type JCSSuite struct {
	suite.Suite
}

func TestJCSSuite(t *testing.T) {
	suite.Run(t, new(JCSSuite))
}

func (s *JCSSuite) encode(v any) string {
	b, err := Bytes(v)
	s.Require().NoError(err)
	return string(b)
}

func (s *JCSSuite) TestScalars() {
	s.Run("null, booleans", func() {
		s.Equal("null", s.encode(nil))
		s.Equal("true", s.encode(true))
		s.Equal("false", s.encode(false))
	})

	s.Run("integers", func() {
		s.Equal("0", s.encode(0))
		s.Equal("-7", s.encode(-7))
		s.Equal("9007199254740991", s.encode(int64(9007199254740991)))
	})

	s.Run("floats use shortest form without trailing zeros", func() {
		s.Equal("0.85", s.encode(0.85))
		s.Equal("1", s.encode(1.0))
		s.Equal("0.1", s.encode(0.1))
		s.Equal("-0.5", s.encode(-0.5))
		s.Equal("0", s.encode(math.Copysign(0, -1)))
	})

	s.Run("non-finite floats are rejected", func() {
		_, err := Bytes(math.NaN())
		s.Error(err)
		_, err = Bytes(math.Inf(1))
		s.Error(err)
	})
}

func (s *JCSSuite) TestStrings() {
	s.Run("control characters are escaped lowercase-hex", func() {
		s.Equal(`"a\u0001b"`, s.encode("a\x01b"))
		s.Equal(`"line\u000abreak"`, s.encode("line\nbreak"))
	})

	s.Run("quotes and backslashes", func() {
		s.Equal(`"say \"hi\" \\ bye"`, s.encode(`say "hi" \ bye`))
	})

	s.Run("unicode passes through unescaped", func() {
		s.Equal(`"polizzennummer ä"`, s.encode("polizzennummer ä"))
	})
}

func (s *JCSSuite) TestObjects() {
	s.Run("keys are sorted", func() {
		got := s.encode(map[string]any{"b": 1, "a": 2, "c": 3})
		s.Equal(`{"a":2,"b":1,"c":3}`, got)
	})

	s.Run("nested structures", func() {
		got := s.encode(map[string]any{
			"z": []any{map[string]any{"k": "v"}, 1, true},
			"a": nil,
		})
		s.Equal(`{"a":null,"z":[{"k":"v"},1,true]}`, got)
	})

	s.Run("string slices encode as arrays", func() {
		s.Equal(`["a","b"]`, s.encode([]string{"a", "b"}))
	})

	s.Run("unsupported types are rejected", func() {
		_, err := Bytes(struct{}{})
		s.Error(err)
	})
}

// TestRoundTrip is the canonical round-trip property: parse(canonical(x))
// re-canonicalizes to the identical bytes.
func (s *JCSSuite) TestRoundTrip() {
	inputs := []map[string]any{
		{"status": "IDENTITY_CONFIRMED", "score": 0.85, "top_k": []any{}},
		{"nested": map[string]any{"risk_flags": []any{"RISK_LEGAL_THREAT"}, "n": 3.25}},
		{"unicode": "Auskunftsersuchen gemäß DSGVO", "empty": ""},
	}
	for _, input := range inputs {
		first, err := Bytes(input)
		s.Require().NoError(err)

		var parsed map[string]any
		s.Require().NoError(json.Unmarshal(first, &parsed))

		second, err := Bytes(normalizeParsed(parsed))
		s.Require().NoError(err)
		s.Equal(string(first), string(second))
	}
}

// normalizeParsed maps encoding/json's decoded types back onto the JCS value
// model (json.Unmarshal yields float64 and []any already).
func normalizeParsed(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = normalizeParsed(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = normalizeParsed(child)
		}
		return out
	default:
		return v
	}
}
