package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"intake/internal/canonical"
	"intake/internal/determinism"
	"intake/pkg/fault"
	"intake/pkg/sentinel"
)

// =============================================================================
// Inference Cache & Adapter Suite
// =============================================================================

type LLMSuite struct {
	suite.Suite
}

func TestLLMSuite(t *testing.T) {
	suite.Run(t, new(LLMSuite))
}

func testKey(prompt string) CacheKey {
	return CacheKey{
		Purpose:           PurposeClassify,
		ModelID:           "test-model",
		Params:            DeterministicParams,
		PromptSHA256:      PromptSHA256(prompt),
		InputDigestSHA256: determinism.SHA256Text("input"),
	}
}

func (s *LLMSuite) TestCacheKey() {
	s.Run("identical keys share a stable id", func() {
		s.Equal(testKey("p").StableID(), testKey("p").StableID())
	})

	s.Run("any component change flips the id", func() {
		base := testKey("p")

		other := base
		other.ModelID = "other-model"
		s.NotEqual(base.StableID(), other.StableID())

		other = base
		other.Params.Temperature = 0.7
		s.NotEqual(base.StableID(), other.StableID())

		other = base
		other.Purpose = PurposeExtract
		s.NotEqual(base.StableID(), other.StableID())

		s.NotEqual(base.StableID(), testKey("q").StableID())
	})
}

func (s *LLMSuite) TestCacheImmutability() {
	cache := NewInMemoryCache()
	key := testKey("p")
	art := InferenceArtifact{OutputJSON: `{"a":1}`, OutputSHA256: determinism.SHA256Text(`{"a":1}`)}

	s.Require().NoError(cache.Put(context.Background(), key, art))

	s.Run("idempotent re-insert is fine", func() {
		s.NoError(cache.Put(context.Background(), key, art))
	})

	s.Run("conflicting re-insert is an integrity error", func() {
		other := InferenceArtifact{OutputJSON: `{"a":2}`, OutputSHA256: determinism.SHA256Text(`{"a":2}`)}
		err := cache.Put(context.Background(), key, other)
		s.ErrorIs(err, sentinel.ErrImmutability)
	})

	s.Run("miss is reported as not found", func() {
		_, err := cache.Get(context.Background(), testKey("unseen"))
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

type onceProvider struct {
	output string
	calls  int
}

func (p *onceProvider) ModelID() string { return "test-model" }
func (p *onceProvider) Infer(context.Context, string, Params) (string, error) {
	p.calls++
	return p.output, nil
}

func (s *LLMSuite) TestAdapter() {
	ctx := context.Background()

	s.Run("live call stores an artifact and later hits cache", func() {
		provider := &onceProvider{output: `{"ok":true}`}
		cache := NewInMemoryCache()
		adapter, err := NewAdapter(provider, "test", cache, UnlimitedBudget{})
		s.Require().NoError(err)

		art, hit, err := adapter.Infer(ctx, PurposeClassify, canonical.StageClassify, "prompt", determinism.SHA256Text("in"))
		s.Require().NoError(err)
		s.False(hit)
		s.Equal(`{"ok":true}`, art.OutputJSON)
		s.Equal(1, provider.calls)

		again, hit, err := adapter.Infer(ctx, PurposeClassify, canonical.StageClassify, "prompt", determinism.SHA256Text("in"))
		s.Require().NoError(err)
		s.True(hit)
		s.Equal(art.OutputSHA256, again.OutputSHA256)
		s.Equal(1, provider.calls, "cache hit must not call the provider")
	})

	s.Run("determinism mode refuses live calls on miss", func() {
		provider := &onceProvider{output: `{"ok":true}`}
		adapter, err := NewAdapter(provider, "test", NewInMemoryCache(), UnlimitedBudget{},
			WithDeterminismMode(true))
		s.Require().NoError(err)

		_, _, err = adapter.Infer(ctx, PurposeClassify, canonical.StageClassify, "prompt", determinism.SHA256Text("in"))
		s.True(fault.Is(err, fault.KindDeterminism))
		s.Equal("determinism_cache_miss", fault.ReasonOf(err))
		s.Equal(0, provider.calls)
	})

	s.Run("exhausted budget blocks live calls", func() {
		provider := &onceProvider{output: `{"ok":true}`}
		budget := NewInMemoryBudget(1)
		adapter, err := NewAdapter(provider, "test", NewInMemoryCache(), budget)
		s.Require().NoError(err)

		_, _, err = adapter.Infer(ctx, PurposeClassify, canonical.StageClassify, "p1", determinism.SHA256Text("a"))
		s.Require().NoError(err)

		_, _, err = adapter.Infer(ctx, PurposeClassify, canonical.StageClassify, "p2", determinism.SHA256Text("b"))
		s.True(fault.Is(err, fault.KindDependencyUnavailable))
		s.Equal("llm_budget_exhausted", fault.ReasonOf(err))
	})

	s.Run("no provider configured", func() {
		adapter, err := NewAdapter(nil, "disabled", NewInMemoryCache(), UnlimitedBudget{})
		s.Require().NoError(err)
		_, _, err = adapter.Infer(ctx, PurposeClassify, canonical.StageClassify, "p", determinism.SHA256Text("a"))
		s.Equal("llm_provider_disabled", fault.ReasonOf(err))
	})
}

func (s *LLMSuite) TestContracts() {
	s.Run("valid classify output parses", func() {
		out, err := ParseClassifyOutput(`{"intents":[{"label":"INTENT_LEGAL","confidence":0.9,"evidence_snippets":["anwalt"]}],"primary_intent":"INTENT_LEGAL","product_line":{"label":"PROD_UNKNOWN","confidence":0.5,"evidence_snippets":["x"]},"urgency":{"label":"URG_NORMAL","confidence":0.6,"evidence_snippets":["y"]},"risk_flags":[]}`)
		s.Require().NoError(err)
		s.Len(out.Intents, 1)
	})

	s.Run("unknown fields are rejected", func() {
		_, err := ParseClassifyOutput(`{"intents":[{"label":"a","confidence":0.9,"evidence_snippets":["x"]}],"primary_intent":"a","product_line":{"label":"b","confidence":0.5,"evidence_snippets":["x"]},"urgency":{"label":"c","confidence":0.6,"evidence_snippets":["x"]},"risk_flags":[],"extra":1}`)
		s.Error(err)
	})

	s.Run("empty evidence is rejected", func() {
		_, err := ParseClassifyOutput(`{"intents":[{"label":"a","confidence":0.9,"evidence_snippets":[]}],"primary_intent":"a","product_line":{"label":"b","confidence":0.5,"evidence_snippets":["x"]},"urgency":{"label":"c","confidence":0.6,"evidence_snippets":["x"]},"risk_flags":[]}`)
		s.Error(err)
	})

	s.Run("confidence bounds are enforced", func() {
		_, err := ParseClassifyOutput(`{"intents":[{"label":"a","confidence":1.5,"evidence_snippets":["x"]}],"primary_intent":"a","product_line":{"label":"b","confidence":0.5,"evidence_snippets":["x"]},"urgency":{"label":"c","confidence":0.6,"evidence_snippets":["x"]},"risk_flags":[]}`)
		s.Error(err)
	})

	s.Run("trailing content is rejected", func() {
		_, err := ParseExtractOutput(`{"entities":[]} extra`)
		s.Error(err)
	})
}

func (s *LLMSuite) TestPromptsEmbedCanonicalLabels() {
	prompt := BuildClassifyPrompt("subject", "body")
	s.Contains(prompt, "INTENT_GDPR_REQUEST")
	s.Contains(prompt, "PROD_AUTO")
	s.Contains(prompt, "URG_CRITICAL")
	s.Contains(prompt, "RISK_SECURITY_MALWARE")

	s.Run("prompt hashing is stable", func() {
		s.Equal(PromptSHA256(prompt), PromptSHA256(BuildClassifyPrompt("subject", "body")))
	})
}

var errBudget = errors.New("budget backend down")

type failingBudget struct{}

func (failingBudget) Allow(context.Context) (bool, error) { return false, errBudget }
func (failingBudget) Consume(context.Context) error       { return errBudget }

func (s *LLMSuite) TestBudgetBackendFailure() {
	provider := &onceProvider{output: `{}`}
	adapter, err := NewAdapter(provider, "test", NewInMemoryCache(), failingBudget{})
	s.Require().NoError(err)

	_, _, err = adapter.Infer(context.Background(), PurposeClassify, canonical.StageClassify, "p", determinism.SHA256Text("a"))
	s.True(fault.Is(err, fault.KindDependencyUnavailable))
}
