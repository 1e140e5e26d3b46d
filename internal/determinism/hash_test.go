package determinism

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

// =============================================================================
// Decision Hash Suite
// =============================================================================

type HashSuite struct {
	suite.Suite
}

func TestHashSuite(t *testing.T) {
	suite.Run(t, new(HashSuite))
}

func (s *HashSuite) TestSHA256Prefix() {
	got := SHA256([]byte("abc"))
	s.True(strings.HasPrefix(got, "sha256:"))
	s.Len(got, len("sha256:")+64)
	s.Equal(got, SHA256Text("abc"))
	s.Equal(HexPart(got), got[len("sha256:"):])
}

func (s *HashSuite) TestDecisionHashStability() {
	input := func() map[string]any {
		return map[string]any{
			"stage":  "IDENTITY",
			"score":  0.85,
			"labels": []any{"a", "b"},
			"nested": map[string]any{"x": 1, "y": nil},
		}
	}

	s.Run("identical inputs hash identically", func() {
		h1, err := DecisionHash(input())
		s.Require().NoError(err)
		h2, err := DecisionHash(input())
		s.Require().NoError(err)
		s.Equal(h1, h2)
	})

	s.Run("any member change flips the hash", func() {
		h1, _ := DecisionHash(input())
		changed := input()
		changed["score"] = 0.86
		h2, err := DecisionHash(changed)
		s.Require().NoError(err)
		s.NotEqual(h1, h2)
	})

	s.Run("map iteration order cannot matter", func() {
		a := map[string]any{"a": 1, "b": 2, "c": 3}
		b := map[string]any{"c": 3, "b": 2, "a": 1}
		ha, _ := DecisionHash(a)
		hb, _ := DecisionHash(b)
		s.Equal(ha, hb)
	})
}

func (s *HashSuite) TestForbiddenFieldWalk() {
	s.Run("clean inputs pass", func() {
		input := map[string]any{
			"stage":    "ROUTE",
			"decision": map[string]any{"queue_id": "QUEUE_LEGAL"},
		}
		s.Empty(CheckInputFields(input))
	})

	s.Run("run_id at any depth is caught", func() {
		input := map[string]any{
			"decision": map[string]any{"inner": map[string]any{"run_id": "r1"}},
		}
		s.Equal("decision.inner.run_id", CheckInputFields(input))
	})

	s.Run("wall-clock suffixes are caught", func() {
		s.NotEmpty(CheckInputFields(map[string]any{"ingested_at": "2024-01-01"}))
		s.NotEmpty(CheckInputFields(map[string]any{"occurred_at": "x"}))
	})

	s.Run("worker identity is caught inside lists", func() {
		input := map[string]any{
			"items": []any{map[string]any{"worker_id": "w9"}},
		}
		s.NotEmpty(CheckInputFields(input))
	})
}

func (s *HashSuite) TestBindingHeader() {
	b := Binding{
		SystemID:        "intake-test",
		SpecSemver:      "1.0.0",
		ConfigPath:      "configs/dev.yaml",
		ConfigSHA256:    SHA256Text("cfg"),
		DeterminismMode: true,
	}
	header := b.InputHeader("CLASSIFY", "sha256:fp", "sha256:raw")
	s.Equal("CLASSIFY", header["stage"])
	s.Equal("sha256:fp", header["message_fingerprint"])
	s.Empty(CheckInputFields(header))
}
