// Package identity resolves who an inbound message is about: deterministic
// signal extraction, directory lookups, weighted scoring, and threshold-based
// status derivation. Ambiguity is never resolved by guessing; it surfaces as
// IDENTITY_NEEDS_REVIEW.
package identity

// Strength classes for signals. A candidate's score is the weighted sum of
// its signal strengths pushed through the configured affine transform.
const (
	StrengthHard   = 1.0
	StrengthMedium = 0.7
	StrengthSoft   = 0.3
)

// Thresholds gate the status derivation.
type Thresholds struct {
	ConfirmedMinScore  float64 `yaml:"confirmed_min_score" json:"confirmed_min_score"`
	ConfirmedMinMargin float64 `yaml:"confirmed_min_margin" json:"confirmed_min_margin"`
	ProbableMinScore   float64 `yaml:"probable_min_score" json:"probable_min_score"`
	ProbableMinMargin  float64 `yaml:"probable_min_margin" json:"probable_min_margin"`
}

// SignalSpec is one configured signal: its weight and strength class.
type SignalSpec struct {
	Weight   float64 `yaml:"weight" json:"weight"`
	Strength float64 `yaml:"strength" json:"strength"`
}

// ScoreTransform maps the raw weighted sum into [0,1].
type ScoreTransform struct {
	Intercept float64 `yaml:"intercept" json:"intercept"`
	Slope     float64 `yaml:"slope" json:"slope"`
}

// FuzzyMatch configures the signature/address matcher.
type FuzzyMatch struct {
	// MinSimilarity is the normalized Levenshtein similarity required for an
	// address match signal.
	MinSimilarity float64 `yaml:"min_similarity" json:"min_similarity"`
}

// Config is the identity section of the configuration snapshot.
type Config struct {
	TopK                int                   `yaml:"top_k" json:"top_k"`
	Thresholds          Thresholds            `yaml:"thresholds" json:"thresholds"`
	SharedMailboxes     []string              `yaml:"shared_mailboxes" json:"shared_mailboxes"`
	SharedMailboxPenalty float64              `yaml:"shared_mailbox_penalty" json:"shared_mailbox_penalty"`
	SignalWeights       map[string]SignalSpec `yaml:"signal_weights" json:"signal_weights"`
	Scoring             ScoreTransform        `yaml:"scoring" json:"scoring"`
	Fuzzy               FuzzyMatch            `yaml:"fuzzy" json:"fuzzy"`
}

// Signal names. Weights come from config; the defaults below match the
// shipped dev configuration.
const (
	SigPolicyNumberLookupMatch = "SIG_POLICY_NUMBER_LOOKUP_MATCH"
	SigClaimNumberLookupMatch  = "SIG_CLAIM_NUMBER_LOOKUP_MATCH"
	SigCustomerNumberLookup    = "SIG_CUSTOMER_NUMBER_LOOKUP_MATCH"
	SigSenderEmailMatch        = "SIG_SENDER_EMAIL_MATCH"
	SigThreadLinkage           = "SIG_THREAD_LINKAGE"
	SigSignatureAddressMatch   = "SIG_SIGNATURE_ADDRESS_MATCH"
	SigLLMAssistProposal       = "SIG_LLM_ASSIST_PROPOSAL"
)

// DefaultConfig returns the defaults used when the snapshot omits values;
// thresholds mirror the shipped configuration.
func DefaultConfig() Config {
	return Config{
		TopK: 3,
		Thresholds: Thresholds{
			ConfirmedMinScore:  0.85,
			ConfirmedMinMargin: 0.10,
			ProbableMinScore:   0.60,
			ProbableMinMargin:  0.05,
		},
		SharedMailboxPenalty: 0.15,
		SignalWeights: map[string]SignalSpec{
			SigPolicyNumberLookupMatch: {Weight: 1.0, Strength: StrengthHard},
			SigClaimNumberLookupMatch:  {Weight: 1.0, Strength: StrengthHard},
			SigCustomerNumberLookup:    {Weight: 0.9, Strength: StrengthHard},
			SigSenderEmailMatch:        {Weight: 0.5, Strength: StrengthMedium},
			SigThreadLinkage:           {Weight: 0.5, Strength: StrengthMedium},
			SigSignatureAddressMatch:   {Weight: 0.4, Strength: StrengthSoft},
			SigLLMAssistProposal:       {Weight: 0.4, Strength: StrengthMedium},
		},
		Scoring: ScoreTransform{Intercept: 0.0, Slope: 1.0},
		Fuzzy:   FuzzyMatch{MinSimilarity: 0.85},
	}
}
