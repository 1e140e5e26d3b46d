package classify

import (
	"sort"
	"strings"

	"intake/internal/canonical"
	"intake/internal/normalize"
)

// smallModel is the deterministic bag-of-keywords scorer that backs the
// baseline refinement; LLM_FIRST mode does not run it. Weights are fixed with
// the rules version; no training happens at runtime.
type smallModelTerm struct {
	term   string
	intent canonical.Intent
	weight float64
}

var smallModelTerms = []smallModelTerm{
	{"schaden", canonical.IntentClaimNew, 0.35},
	{"unfall", canonical.IntentClaimNew, 0.45},
	{"melden", canonical.IntentClaimNew, 0.2},
	{"nachreichung", canonical.IntentClaimUpdate, 0.5},
	{"dsgvo", canonical.IntentGDPRRequest, 0.6},
	{"auskunft", canonical.IntentGDPRRequest, 0.3},
	{"anwalt", canonical.IntentLegal, 0.55},
	{"beschwerde", canonical.IntentComplaint, 0.55},
	{"kündig", canonical.IntentPolicyCancellation, 0.5},
	{"rechnung", canonical.IntentBillingQuestion, 0.4},
	{"rückzahlung", canonical.IntentBillingQuestion, 0.45},
	{"deckung", canonical.IntentCoverageQuestion, 0.45},
	{"anbei", canonical.IntentDocumentSubmission, 0.4},
	{"im auftrag", canonical.IntentBrokerIntermediary, 0.5},
	{"undelivered", canonical.IntentTechnical, 0.5},
}

// SmallModelPredict scores intents over the canonical text and returns the
// winner with a bounded pseudo-confidence. Ties break by canonical intent
// priority so the output is total.
func SmallModelPredict(nm *normalize.Message) (canonical.Intent, float64) {
	text := nm.SubjectC14N + "\n" + nm.BodyTextC14N
	scores := map[canonical.Intent]float64{}
	for _, t := range smallModelTerms {
		if strings.Contains(text, t.term) {
			scores[t.intent] += t.weight
		}
	}
	if len(scores) == 0 {
		return canonical.IntentGeneralInquiry, 0.5
	}

	intents := make([]canonical.Intent, 0, len(scores))
	for intent := range scores {
		intents = append(intents, intent)
	}
	sort.Slice(intents, func(i, j int) bool {
		if scores[intents[i]] != scores[intents[j]] {
			return scores[intents[i]] > scores[intents[j]]
		}
		return intents[i].Rank() < intents[j].Rank()
	})

	confidence := 0.5 + scores[intents[0]]/2
	if confidence > 0.95 {
		confidence = 0.95
	}
	return intents[0], confidence
}
