package classify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"intake/internal/attachments"
	"intake/internal/canonical"
	"intake/internal/determinism"
	"intake/internal/llm"
	"intake/internal/normalize"
)

// =============================================================================
// Classifier Suite
// =============================================================================

type ClassifierSuite struct {
	suite.Suite
}

func TestClassifierSuite(t *testing.T) {
	suite.Run(t, new(ClassifierSuite))
}

func testBinding() determinism.Binding {
	return determinism.Binding{
		SystemID:     "intake-test",
		SpecSemver:   "1.0.0",
		ConfigPath:   "configs/test.yaml",
		ConfigSHA256: determinism.SHA256Text("test-config"),
	}
}

func testMessage(subject, body string) *normalize.Message {
	return &normalize.Message{
		MessageID:     "m1",
		RunID:         "r1",
		IngestedAt:    time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		FromEmail:     "maria@example.at",
		SubjectC14N:   normalize.CanonicalText(subject),
		BodyTextC14N:  normalize.CanonicalText(body),
		Language:      "de",
		RawMIMESHA256: determinism.SHA256Text("raw"),
		Fingerprint:   determinism.SHA256Text(subject + body),
	}
}

func (s *ClassifierSuite) baseline() *Classifier {
	c, err := New(DefaultConfig(), testBinding())
	s.Require().NoError(err)
	return c
}

func (s *ClassifierSuite) TestBaselineClaimNew() {
	nm := testMessage("Unfall gestern A2", "Mein Auto wurde beschädigt. Polizzennr POL-2024-00012345. Bitte um Rückmeldung.")
	result, err := s.baseline().Classify(context.Background(), nm, nil)
	s.Require().NoError(err)

	s.Equal(string(canonical.IntentClaimNew), result.PrimaryIntent.Label)
	s.Equal(string(canonical.ProdAuto), result.ProductLine.Label)
	s.Equal(string(canonical.UrgHigh), result.Urgency.Label)
	s.Empty(result.RiskFlags)
	s.False(result.FailClosed)
	s.True(result.ValidateLabels())
	s.NotEmpty(result.DecisionHash)
}

func (s *ClassifierSuite) TestGDPRBeatsLegal() {
	// GDPR and legal markers together: multi-label, GDPR primary by the
	// canonical priority order.
	nm := testMessage("Anfrage", "Auskunftsersuchen gemäß DSGVO. Meine Anwältin ist informiert.")
	result, err := s.baseline().Classify(context.Background(), nm, nil)
	s.Require().NoError(err)

	s.Equal(string(canonical.IntentGDPRRequest), result.PrimaryIntent.Label)

	labels := map[string]bool{}
	for _, it := range result.Intents {
		labels[it.Label] = true
	}
	s.True(labels[string(canonical.IntentLegal)], "legal intent should still be present as a secondary label")
}

func (s *ClassifierSuite) TestPrescan() {
	s.Run("infected attachment raises the malware flag", func() {
		atts := []attachments.Artifact{{AVStatus: attachments.AVInfected}}
		flags := Prescan(DefaultConfig(), testMessage("Rechnung", "anbei"), atts)
		s.Require().NotEmpty(flags)
		s.Equal(string(canonical.RiskSecurityMalware), flags[0].Label)
	})

	s.Run("unsupported language is flagged", func() {
		nm := testMessage("Question", "Une question sur mon contrat")
		nm.Language = "fr"
		flags := Prescan(DefaultConfig(), nm, nil)
		s.Require().NotEmpty(flags)
		s.Equal(string(canonical.RiskLanguageUnsupported), flags[0].Label)
	})

	s.Run("legal threat keywords", func() {
		flags := Prescan(DefaultConfig(), testMessage("Mahnung", "Letzte Frist bis Freitag, danach Klage."), nil)
		labels := map[string]bool{}
		for _, f := range flags {
			labels[f.Label] = true
		}
		s.True(labels[string(canonical.RiskLegalThreat)])
	})

	s.Run("evidence spans verify against canonical text", func() {
		nm := testMessage("Info", "der ombudsmann wurde eingeschaltet")
		flags := Prescan(DefaultConfig(), nm, nil)
		s.Require().NotEmpty(flags)
		for _, f := range flags {
			for _, span := range f.Evidence {
				s.True(span.VerifyAgainst(nm.BodyTextC14N), "span %+v", span)
			}
		}
	})
}

// =============================================================================
// LLM-first mode
// =============================================================================

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	responses []string
	calls     int
}

func (p *scriptedProvider) ModelID() string { return "test-model" }

func (p *scriptedProvider) Infer(_ context.Context, _ string, _ llm.Params) (string, error) {
	if p.calls >= len(p.responses) {
		return "", context.DeadlineExceeded
	}
	out := p.responses[p.calls]
	p.calls++
	return out, nil
}

func (s *ClassifierSuite) llmFirst(provider llm.Provider, cache llm.Cache, determinismMode bool) *Classifier {
	if cache == nil {
		cache = llm.NewInMemoryCache()
	}
	adapter, err := llm.NewAdapter(provider, "test", cache, llm.UnlimitedBudget{},
		llm.WithDeterminismMode(determinismMode),
		llm.WithModelID("test-model"))
	s.Require().NoError(err)

	cfg := DefaultConfig()
	cfg.Mode = ModeLLMFirst
	cfg.LLMEnabled = true
	c, err := New(cfg, testBinding(), WithAdapter(adapter))
	s.Require().NoError(err)
	return c
}

const validLLMOutput = `{
  "intents": [{"label": "INTENT_CLAIM_NEW", "confidence": 0.91, "evidence_snippets": ["sturmschaden am dach"]}],
  "primary_intent": "INTENT_CLAIM_NEW",
  "product_line": {"label": "PROD_PROPERTY", "confidence": 0.82, "evidence_snippets": ["dach"]},
  "urgency": {"label": "URG_NORMAL", "confidence": 0.7, "evidence_snippets": ["sturmschaden"]},
  "risk_flags": []
}`

func (s *ClassifierSuite) TestLLMFirstAccepts() {
	nm := testMessage("Meldung", "Sturmschaden am Dach, bitte um Begutachtung.")
	c := s.llmFirst(&scriptedProvider{responses: []string{validLLMOutput}}, nil, false)

	result, err := c.Classify(context.Background(), nm, nil)
	s.Require().NoError(err)
	s.False(result.FailClosed)
	s.True(result.LLMUsed)
	s.Equal(string(canonical.IntentClaimNew), result.PrimaryIntent.Label)
	s.Equal(string(canonical.ProdProperty), result.ProductLine.Label)
	s.Require().NotNil(result.Model)
	s.Equal("test-model", result.Model.ModelID)

	s.Run("accepted evidence verifies against redacted canonical text", func() {
		for _, span := range result.PrimaryIntent.Evidence {
			s.NotEmpty(span.SnippetSHA256)
		}
	})
}

func (s *ClassifierSuite) TestLLMFirstGates() {
	nm := testMessage("Meldung", "Sturmschaden am Dach, bitte um Begutachtung.")

	s.Run("non-canonical label fails closed", func() {
		out := `{"intents":[{"label":"INTENT_WEATHER","confidence":0.9,"evidence_snippets":["dach"]}],"primary_intent":"INTENT_WEATHER","product_line":{"label":"PROD_PROPERTY","confidence":0.8,"evidence_snippets":["dach"]},"urgency":{"label":"URG_NORMAL","confidence":0.7,"evidence_snippets":["dach"]},"risk_flags":[]}`
		c := s.llmFirst(&scriptedProvider{responses: []string{out, out}}, nil, false)
		result, err := c.Classify(context.Background(), nm, nil)
		s.Require().NoError(err)
		s.True(result.FailClosed)
		s.Equal("llm_label_not_canonical", result.FailReason)
	})

	s.Run("low confidence fails closed", func() {
		out := `{"intents":[{"label":"INTENT_CLAIM_NEW","confidence":0.30,"evidence_snippets":["dach"]}],"primary_intent":"INTENT_CLAIM_NEW","product_line":{"label":"PROD_PROPERTY","confidence":0.8,"evidence_snippets":["dach"]},"urgency":{"label":"URG_NORMAL","confidence":0.7,"evidence_snippets":["dach"]},"risk_flags":[]}`
		c := s.llmFirst(&scriptedProvider{responses: []string{out, out}}, nil, false)
		result, err := c.Classify(context.Background(), nm, nil)
		s.Require().NoError(err)
		s.True(result.FailClosed)
		s.Equal("llm_confidence_below_threshold", result.FailReason)
	})

	s.Run("fabricated evidence fails closed", func() {
		out := `{"intents":[{"label":"INTENT_CLAIM_NEW","confidence":0.9,"evidence_snippets":["text that is not in the email"]}],"primary_intent":"INTENT_CLAIM_NEW","product_line":{"label":"PROD_PROPERTY","confidence":0.8,"evidence_snippets":["dach"]},"urgency":{"label":"URG_NORMAL","confidence":0.7,"evidence_snippets":["dach"]},"risk_flags":[]}`
		c := s.llmFirst(&scriptedProvider{responses: []string{out, out}}, nil, false)
		result, err := c.Classify(context.Background(), nm, nil)
		s.Require().NoError(err)
		s.True(result.FailClosed)
		s.Equal("llm_evidence_unverified", result.FailReason)
	})

	s.Run("invalid JSON recovers through the repair prompt", func() {
		c := s.llmFirst(&scriptedProvider{responses: []string{"not json at all", validLLMOutput}}, nil, false)
		result, err := c.Classify(context.Background(), nm, nil)
		s.Require().NoError(err)
		s.False(result.FailClosed)
		s.True(result.LLMUsed)
	})

	s.Run("invalid JSON twice fails closed", func() {
		c := s.llmFirst(&scriptedProvider{responses: []string{"not json", "{broken"}}, nil, false)
		result, err := c.Classify(context.Background(), nm, nil)
		s.Require().NoError(err)
		s.True(result.FailClosed)
		s.Equal("llm_contract_violation", result.FailReason)
	})

	s.Run("prescan risk flags survive the llm", func() {
		infected := []attachments.Artifact{{AVStatus: attachments.AVInfected}}
		c := s.llmFirst(&scriptedProvider{responses: []string{validLLMOutput}}, nil, false)
		result, err := c.Classify(context.Background(), nm, infected)
		s.Require().NoError(err)
		s.True(result.RiskFlagSet()[canonical.RiskSecurityMalware])
	})
}

func (s *ClassifierSuite) TestDisagreementGate() {
	// The deterministic GDPR rule asserts at 0.98; an LLM claiming otherwise
	// must be routed to review.
	nm := testMessage("Anfrage", "Auskunftsersuchen gemäß DSGVO zu meinen Daten.")
	out := `{"intents":[{"label":"INTENT_GENERAL_INQUIRY","confidence":0.9,"evidence_snippets":["auskunftsersuchen"]}],"primary_intent":"INTENT_GENERAL_INQUIRY","product_line":{"label":"PROD_UNKNOWN","confidence":0.8,"evidence_snippets":["dsgvo"]},"urgency":{"label":"URG_NORMAL","confidence":0.7,"evidence_snippets":["dsgvo"]},"risk_flags":[]}`
	c := s.llmFirst(&scriptedProvider{responses: []string{out, out}}, nil, false)

	result, err := c.Classify(context.Background(), nm, nil)
	s.Require().NoError(err)
	s.True(result.FailClosed)
	s.Equal("llm_rule_disagreement", result.FailReason)
}

func (s *ClassifierSuite) TestDeterminismCacheMiss() {
	nm := testMessage("Meldung", "Sturmschaden am Dach.")

	s.Run("cache miss in determinism mode fails closed", func() {
		c := s.llmFirst(&scriptedProvider{responses: []string{validLLMOutput}}, nil, true)
		result, err := c.Classify(context.Background(), nm, nil)
		s.Require().NoError(err)
		s.True(result.FailClosed)
		s.Equal("determinism_cache_miss", result.FailReason)
	})

	s.Run("cached inference replays without the provider", func() {
		cache := llm.NewInMemoryCache()

		live := s.llmFirst(&scriptedProvider{responses: []string{validLLMOutput}}, cache, false)
		first, err := live.Classify(context.Background(), nm, nil)
		s.Require().NoError(err)
		s.Require().False(first.FailClosed)

		replayed := s.llmFirst(nil, cache, true)
		second, err := replayed.Classify(context.Background(), nm, nil)
		s.Require().NoError(err)
		s.False(second.FailClosed)
		s.Equal(first.DecisionHash, second.DecisionHash)
	})
}

func (s *ClassifierSuite) TestSmallModel() {
	intent, confidence := SmallModelPredict(testMessage("Unfall", "Schaden melden nach Unfall"))
	s.Equal(canonical.IntentClaimNew, intent)
	s.Greater(confidence, 0.5)

	intent, _ = SmallModelPredict(testMessage("Hallo", "nichts besonderes"))
	s.Equal(canonical.IntentGeneralInquiry, intent)
}
