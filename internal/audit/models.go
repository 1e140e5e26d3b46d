// Package audit implements the append-only, hash-chained audit log. Chains
// are keyed by (message_id, run_id); each event's hash covers the event body
// including the predecessor's hash, so any byte-level tampering breaks the
// chain at exactly that index.
package audit

import (
	"time"

	"github.com/google/uuid"

	"intake/internal/artifact"
	"intake/internal/canonical"
	"intake/internal/determinism"
	"intake/internal/evidence"
)

// ActorType distinguishes machine appends from reviewer appends.
type ActorType string

const (
	ActorSystem   ActorType = "SYSTEM"
	ActorReviewer ActorType = "REVIEWER"
)

// Event is one link of an audit chain. PrevEventHash and EventHash are
// assigned by the logger on append; callers never set them.
type Event struct {
	SchemaID      string          `json:"schema_id" validate:"required"`
	EventID       string          `json:"event_id" validate:"required"`
	MessageID     string          `json:"message_id" validate:"required"`
	RunID         string          `json:"run_id" validate:"required"`
	Stage         canonical.Stage `json:"stage" validate:"required,canonical_stage"`
	ActorType     ActorType       `json:"actor_type" validate:"required,oneof=SYSTEM REVIEWER"`
	ActorID       string          `json:"actor_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at" validate:"required"`
	InputRef      artifact.Ref    `json:"input_ref"`
	OutputRef     artifact.Ref    `json:"output_ref"`
	DecisionHash  string          `json:"decision_hash,omitempty"`
	ConfigRef     *VersionRef     `json:"config_ref,omitempty"`
	RulesRef      *VersionRef     `json:"rules_ref,omitempty"`
	ModelInfo     *ModelInfo      `json:"model_info,omitempty"`
	Evidence      []evidence.Span `json:"evidence,omitempty"`
	PrevEventHash string          `json:"prev_event_hash"`
	EventHash     string          `json:"event_hash"`
}

// VersionRef pins a config or ruleset file by path, digest, and version.
type VersionRef struct {
	Path    string `json:"path" validate:"required"`
	SHA256  string `json:"sha256" validate:"required,prefixed_sha256"`
	Version string `json:"version,omitempty"`
}

// ModelInfo records which model and prompt produced an LLM-derived output.
type ModelInfo struct {
	Provider     string `json:"provider"`
	ModelID      string `json:"model_id"`
	PromptSHA256 string `json:"prompt_sha256"`
}

// NewEventID derives the deterministic event id from the chain coordinates
// and the output artifact, so a replayed append produces the same id.
func NewEventID(messageID, runID string, stage canonical.Stage, outputSHA256 string) string {
	name := "audit:" + messageID + ":" + runID + ":" + string(stage) + ":" + outputSHA256
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// canonicalBody returns the hash input of the event: every field except
// EventHash, with the timestamp in RFC 3339 UTC.
func (e Event) canonicalBody() map[string]any {
	body := map[string]any{
		"schema_id":       e.SchemaID,
		"event_id":        e.EventID,
		"message_id":      e.MessageID,
		"run_id":          e.RunID,
		"stage":           string(e.Stage),
		"actor_type":      string(e.ActorType),
		"actor_id":        e.ActorID,
		"created_at":      e.CreatedAt.UTC().Truncate(time.Second).Format(time.RFC3339),
		"input_ref":       refMap(e.InputRef),
		"output_ref":      refMap(e.OutputRef),
		"decision_hash":   e.DecisionHash,
		"prev_event_hash": e.PrevEventHash,
	}
	if e.ConfigRef != nil {
		body["config_ref"] = versionRefMap(*e.ConfigRef)
	}
	if e.RulesRef != nil {
		body["rules_ref"] = versionRefMap(*e.RulesRef)
	}
	if e.ModelInfo != nil {
		body["model_info"] = map[string]any{
			"provider":      e.ModelInfo.Provider,
			"model_id":      e.ModelInfo.ModelID,
			"prompt_sha256": e.ModelInfo.PromptSHA256,
		}
	}
	if len(e.Evidence) > 0 {
		spans := make([]any, 0, len(e.Evidence))
		for _, s := range e.Evidence {
			m := s.Canonical()
			m["snippet_redacted"] = s.SnippetRedacted
			spans = append(spans, m)
		}
		body["evidence"] = spans
	}
	return body
}

// ComputeHash returns the event hash over the canonical body.
func (e Event) ComputeHash() string {
	return determinism.SHA256(mustJCS(e.canonicalBody()))
}

func refMap(r artifact.Ref) map[string]any {
	return map[string]any{"schema_id": r.SchemaID, "uri": r.URI, "sha256": r.SHA256}
}

func versionRefMap(r VersionRef) map[string]any {
	return map[string]any{"path": r.Path, "sha256": r.SHA256, "version": r.Version}
}
