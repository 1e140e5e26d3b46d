package identity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"intake/internal/canonical"
	"intake/internal/determinism"
	"intake/internal/evidence"
	"intake/internal/normalize"
	"intake/pkg/email"
	"intake/pkg/fault"
)

// Signal is one scored contribution to a candidate.
type Signal struct {
	Name     string  `json:"name"`
	Value    string  `json:"value,omitempty"`
	Weight   float64 `json:"weight"`
	Strength float64 `json:"strength"`
}

// Candidate is one ranked identity candidate.
type Candidate struct {
	Rank            int                           `json:"rank"`
	EntityType      canonical.CandidateEntityType `json:"entity_type"`
	EntityID        string                        `json:"entity_id"`
	Score           float64                       `json:"score"`
	Signals         []Signal                      `json:"signals"`
	Evidence        []evidence.Span               `json:"evidence"`
	DirectoryStatus RecordStatus                  `json:"directory_status"`
	HasHard         bool                          `json:"-"`
	HasMedium       bool                          `json:"-"`
}

// Result is the identity-resolution artifact; one per run.
type Result struct {
	SchemaID     string                   `json:"schema_id" validate:"required"`
	MessageID    string                   `json:"message_id" validate:"required"`
	RunID        string                   `json:"run_id" validate:"required"`
	Status       canonical.IdentityStatus `json:"status" validate:"required,canonical_identity_status"`
	Selected     *Candidate               `json:"selected_candidate,omitempty"`
	TopK         []Candidate              `json:"top_k"`
	Thresholds   Thresholds               `json:"thresholds"`
	FailReason   string                   `json:"fail_reason,omitempty"`
	DecisionHash string                   `json:"decision_hash" validate:"required,prefixed_sha256"`
}

// Resolver extracts signals, consults the directory, and derives a status.
type Resolver struct {
	config    Config
	binding   determinism.Binding
	directory Directory
	logger    *slog.Logger
}

type ResolverOption func(*Resolver)

func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

func NewResolver(config Config, binding determinism.Binding, directory Directory, opts ...ResolverOption) (*Resolver, error) {
	if directory == nil {
		return nil, fmt.Errorf("directory adapter is required")
	}
	r := &Resolver{config: config, binding: binding, directory: directory, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Input carries everything resolution may read. AssistKeys are LLM-proposed
// identifier strings; they are used only after pattern validation and a
// successful directory lookup.
type Input struct {
	Message         *normalize.Message
	AttachmentTexts []string
	AssistKeys      []string
}

// Resolve produces the identity resolution result. A directory outage yields
// IDENTITY_NEEDS_REVIEW with reason directory_unavailable, never CONFIRMED.
func (r *Resolver) Resolve(ctx context.Context, in Input) (*Result, error) {
	nm := in.Message
	subject, body := nm.SubjectC14N, nm.BodyTextC14N

	claimHit := FindClaimNumber(subject, body)
	policyHit := FindPolicyNumber(subject, body)
	customerHit := FindCustomerNumber(subject, body)

	// Attachment text is consulted only when the message itself carried no
	// identifier, and only CLEAN attachments reach this input.
	if claimHit == nil && policyHit == nil {
		for _, text := range in.AttachmentTexts {
			claimHit = FindClaimNumber("", text)
			policyHit = FindPolicyNumber("", text)
			if claimHit != nil || policyHit != nil {
				break
			}
		}
	}

	for _, key := range in.AssistKeys {
		if claimHit == nil && ValidClaimNumber(key) {
			claimHit = &IdentifierHit{Kind: KindClaimNumber, Value: strings.ToUpper(key)}
		}
		if policyHit == nil && ValidPolicyNumber(key) {
			policyHit = &IdentifierHit{Kind: KindPolicyNumber, Value: strings.ToUpper(key)}
		}
	}

	var candidates []Candidate
	directoryDown := false

	addCandidate := func(cand Candidate, err error) {
		if err != nil {
			directoryDown = true
			return
		}
		if cand.EntityID != "" {
			candidates = append(candidates, cand)
		}
	}

	if claimHit != nil {
		addCandidate(r.claimCandidate(ctx, nm, *claimHit))
	}
	if policyHit != nil {
		addCandidate(r.policyCandidate(ctx, nm, *policyHit))
	}
	if customerHit != nil {
		addCandidate(r.customerCandidate(ctx, nm, *customerHit))
	}
	if claimHit == nil && policyHit == nil && customerHit == nil {
		addCandidate(r.senderCandidate(ctx, nm))
	}

	result := &Result{
		SchemaID:   canonical.SchemaIdentityResolution,
		MessageID:  nm.MessageID,
		RunID:      nm.RunID,
		Thresholds: r.config.Thresholds,
	}

	if directoryDown {
		result.Status = canonical.IdentityNeedsReview
		result.FailReason = "directory_unavailable"
		result.TopK = []Candidate{}
		hash, err := r.decisionHash(nm, result)
		if err != nil {
			return nil, err
		}
		result.DecisionHash = hash
		return result, fault.New(fault.KindDependencyUnavailable, string(canonical.StageIdentity),
			"directory_unavailable", "directory lookups failed")
	}

	claimIntentHint := claimHit != nil ||
		strings.Contains(body, "schaden") || strings.Contains(body, "unfall") ||
		strings.Contains(subject, "schaden") || strings.Contains(subject, "unfall")

	rankCandidates(candidates, claimIntentHint)

	switch {
	case len(candidates) == 0:
		if highRiskUnresolved(subject, body) {
			result.Status = canonical.IdentityNeedsReview
		} else {
			result.Status = canonical.IdentityNoCandidate
		}
		result.TopK = []Candidate{}
	default:
		top := candidates[0]
		margin := top.Score
		if len(candidates) > 1 {
			margin = top.Score - candidates[1].Score
		}
		th := r.config.Thresholds
		switch {
		case top.HasHard && top.Score >= th.ConfirmedMinScore && margin >= th.ConfirmedMinMargin:
			result.Status = canonical.IdentityConfirmed
			selected := top
			result.Selected = &selected
		case top.HasMedium && top.Score >= th.ProbableMinScore && margin >= th.ProbableMinMargin:
			result.Status = canonical.IdentityProbable
			selected := top
			result.Selected = &selected
		default:
			result.Status = canonical.IdentityNeedsReview
		}
		k := r.config.TopK
		if k <= 0 || k > len(candidates) {
			k = len(candidates)
		}
		result.TopK = candidates[:k]
	}

	hash, err := r.decisionHash(nm, result)
	if err != nil {
		return nil, err
	}
	result.DecisionHash = hash

	r.logger.InfoContext(ctx, "identity resolved",
		"message_id", nm.MessageID,
		"status", result.Status,
		"candidates", len(candidates),
	)
	return result, nil
}

func (r *Resolver) claimCandidate(ctx context.Context, nm *normalize.Message, hit IdentifierHit) (Candidate, error) {
	rec, err := r.directory.LookupClaim(ctx, hit.Value)
	if err != nil || rec == nil {
		return Candidate{}, err
	}
	cand := Candidate{EntityType: canonical.CandidateClaim, EntityID: rec.EntityID, DirectoryStatus: rec.Status}
	r.addSignal(&cand, SigClaimNumberLookupMatch, rec.EntityID)
	if hit.Span.SnippetSHA256 != "" {
		cand.Evidence = append(cand.Evidence, hit.Span)
	}
	r.finishScore(&cand, nm)
	return cand, nil
}

func (r *Resolver) policyCandidate(ctx context.Context, nm *normalize.Message, hit IdentifierHit) (Candidate, error) {
	rec, err := r.directory.LookupPolicy(ctx, hit.Value)
	if err != nil || rec == nil {
		return Candidate{}, err
	}
	cand := Candidate{EntityType: canonical.CandidatePolicy, EntityID: rec.EntityID, DirectoryStatus: rec.Status}
	r.addSignal(&cand, SigPolicyNumberLookupMatch, hit.Value)
	if hit.Span.SnippetSHA256 != "" {
		cand.Evidence = append(cand.Evidence, hit.Span)
	}

	if nm.FromEmail != "" {
		linked, err := r.directory.PolicyNumbersForSender(ctx, nm.FromEmail)
		if err != nil {
			return Candidate{}, err
		}
		for _, num := range linked {
			if strings.EqualFold(num, hit.Value) {
				r.addSignal(&cand, SigSenderEmailMatch, nm.FromEmail)
				break
			}
		}
	}
	r.finishScore(&cand, nm)
	return cand, nil
}

func (r *Resolver) customerCandidate(ctx context.Context, nm *normalize.Message, hit IdentifierHit) (Candidate, error) {
	rec, err := r.directory.LookupCustomer(ctx, hit.Value)
	if err != nil || rec == nil {
		return Candidate{}, err
	}
	cand := Candidate{EntityType: canonical.CandidateCustomer, EntityID: rec.EntityID, DirectoryStatus: rec.Status}
	r.addSignal(&cand, SigCustomerNumberLookup, hit.Value)
	if hit.Span.SnippetSHA256 != "" {
		cand.Evidence = append(cand.Evidence, hit.Span)
	}
	r.finishScore(&cand, nm)
	return cand, nil
}

// senderCandidate is the soft fallback: the sender email alone, plus thread
// linkage when the message continues a known conversation.
func (r *Resolver) senderCandidate(ctx context.Context, nm *normalize.Message) (Candidate, error) {
	rec, err := r.directory.LookupCustomer(ctx, nm.FromEmail)
	if err != nil || rec == nil {
		return Candidate{}, err
	}
	cand := Candidate{EntityType: canonical.CandidateCustomer, EntityID: rec.EntityID, DirectoryStatus: rec.Status}
	r.addSignal(&cand, SigSenderEmailMatch, nm.FromEmail)
	if nm.ThreadKeys.InReplyTo != "" || nm.ThreadKeys.ConversationID != "" {
		r.addSignal(&cand, SigThreadLinkage, nm.ThreadKeys.InReplyTo)
	}
	displayName := nm.FromDisplayName
	if displayName == "" {
		first, last := email.DeriveNameFromEmail(nm.FromEmail)
		displayName = first + " " + last
	}
	if rec.PostalAddress != "" && Similarity(rec.PostalAddress, displayName) >= r.config.Fuzzy.MinSimilarity {
		r.addSignal(&cand, SigSignatureAddressMatch, "")
	}
	r.finishScore(&cand, nm)
	return cand, nil
}

func (r *Resolver) addSignal(cand *Candidate, name, value string) {
	spec, ok := r.config.SignalWeights[name]
	if !ok {
		spec = DefaultConfig().SignalWeights[name]
	}
	cand.Signals = append(cand.Signals, Signal{Name: name, Value: value, Weight: spec.Weight, Strength: spec.Strength})
	if spec.Strength >= StrengthHard {
		cand.HasHard = true
	} else if spec.Strength >= StrengthMedium {
		cand.HasMedium = true
	}
}

func (r *Resolver) finishScore(cand *Candidate, nm *normalize.Message) {
	raw := r.config.Scoring.Intercept
	for _, s := range cand.Signals {
		raw += r.config.Scoring.Slope * s.Weight * s.Strength
	}
	for _, box := range r.config.SharedMailboxes {
		if strings.EqualFold(box, nm.FromEmail) {
			raw -= r.config.SharedMailboxPenalty
			break
		}
	}
	cand.Score = quantize(clamp01(raw))
}

// rankCandidates applies the deterministic tie-break chain: hard signal
// presence, entity-type preference (claim context prefers CLAIM), directory
// liveness, score, and finally lexicographic entity id.
func rankCandidates(candidates []Candidate, claimIntentHint bool) {
	typeRank := func(t canonical.CandidateEntityType) int {
		order := []canonical.CandidateEntityType{
			canonical.CandidatePolicy, canonical.CandidateCustomer, canonical.CandidateClaim,
			canonical.CandidateContact, canonical.CandidateBroker,
		}
		if claimIntentHint {
			order = []canonical.CandidateEntityType{
				canonical.CandidateClaim, canonical.CandidatePolicy, canonical.CandidateCustomer,
				canonical.CandidateContact, canonical.CandidateBroker,
			}
		}
		for i, o := range order {
			if o == t {
				return i
			}
		}
		return len(order)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.HasHard != b.HasHard {
			return a.HasHard
		}
		if ra, rb := typeRank(a.EntityType), typeRank(b.EntityType); ra != rb {
			return ra < rb
		}
		if (a.DirectoryStatus == StatusActive) != (b.DirectoryStatus == StatusActive) {
			return a.DirectoryStatus == StatusActive
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.EntityID < b.EntityID
	})
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
}

// highRiskUnresolved keeps legal/regulatory pressure out of the silent
// NO_CANDIDATE bucket.
func highRiskUnresolved(subject, body string) bool {
	text := subject + "\n" + body
	for _, token := range []string{"ombudsmann", "anwalt", "frist"} {
		if strings.Contains(text, token) {
			return true
		}
	}
	return false
}

func (r *Resolver) decisionHash(nm *normalize.Message, result *Result) (string, error) {
	input := r.binding.InputHeader(string(canonical.StageIdentity), nm.Fingerprint, nm.RawMIMESHA256)

	topK := make([]any, 0, len(result.TopK))
	for _, c := range result.TopK {
		signals := make([]any, 0, len(c.Signals))
		for _, s := range c.Signals {
			signals = append(signals, map[string]any{
				"name": s.Name, "value": s.Value, "weight": s.Weight,
			})
		}
		hashes := make([]any, 0, len(c.Evidence))
		for _, span := range c.Evidence {
			hashes = append(hashes, span.SnippetSHA256)
		}
		topK = append(topK, map[string]any{
			"rank":                    c.Rank,
			"entity_type":             string(c.EntityType),
			"entity_id":               c.EntityID,
			"score":                   c.Score,
			"signals":                 signals,
			"evidence_snippet_sha256": hashes,
		})
	}

	var selected any
	if result.Selected != nil {
		selected = map[string]any{
			"entity_type": string(result.Selected.EntityType),
			"entity_id":   result.Selected.EntityID,
			"score":       result.Selected.Score,
		}
	}

	input["decision"] = map[string]any{
		"status":   string(result.Status),
		"selected": selected,
		"top_k":    topK,
		"thresholds": map[string]any{
			"confirmed_min_score":  result.Thresholds.ConfirmedMinScore,
			"confirmed_min_margin": result.Thresholds.ConfirmedMinMargin,
			"probable_min_score":   result.Thresholds.ProbableMinScore,
			"probable_min_margin":  result.Thresholds.ProbableMinMargin,
		},
	}
	return determinism.DecisionHash(input)
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

// quantize rounds half-up to 2 decimals; scores must format identically in
// every process that hashes them.
func quantize(f float64) float64 {
	return math.Floor(f*100+0.5) / 100
}
