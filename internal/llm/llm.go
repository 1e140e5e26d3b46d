// Package llm wraps the model provider behind deterministic plumbing: fixed
// sampling params, prompt hashing, strict-JSON output contracts, and the
// content-addressed inference cache that makes replay possible. Live provider
// calls are disallowed in determinism mode; the cache is the only path.
package llm

import (
	"context"

	"intake/internal/canonical/jcs"
	"intake/internal/determinism"
)

// Purpose partitions cache keys and prompts by what the inference is for.
type Purpose string

const (
	PurposeClassify       Purpose = "CLASSIFY"
	PurposeExtract        Purpose = "EXTRACT"
	PurposeIdentityAssist Purpose = "IDENTITY_ASSIST"
)

// Params are the only sampling parameters the pipeline ever sends. They are
// part of the cache key, so two configs with different params never collide.
type Params struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

// DeterministicParams is the default: greedy decoding.
var DeterministicParams = Params{Temperature: 0, TopP: 1, MaxTokens: 1024}

// Provider is the raw model port.
type Provider interface {
	Infer(ctx context.Context, prompt string, params Params) (string, error)
	ModelID() string
}

// InferenceArtifact is the immutable record of one inference; written once,
// looked up by deterministic key in replay.
type InferenceArtifact struct {
	SchemaID          string  `json:"schema_id" validate:"required"`
	Purpose           Purpose `json:"purpose" validate:"required,oneof=CLASSIFY EXTRACT IDENTITY_ASSIST"`
	Provider          string  `json:"provider" validate:"required"`
	ModelID           string  `json:"model_id" validate:"required"`
	Params            Params  `json:"params"`
	PromptSHA256      string  `json:"prompt_sha256" validate:"required,prefixed_sha256"`
	InputDigestSHA256 string  `json:"input_digest_sha256" validate:"required,prefixed_sha256"`
	OutputJSON        string  `json:"output_json" validate:"required"`
	OutputSHA256      string  `json:"output_sha256" validate:"required,prefixed_sha256"`
}

// CacheKey identifies one inference. Everything that could change the output
// is in here; nothing else is.
type CacheKey struct {
	Purpose           Purpose
	ModelID           string
	Params            Params
	PromptSHA256      string
	InputDigestSHA256 string
}

// StableID is the content address of the key.
func (k CacheKey) StableID() string {
	obj := map[string]any{
		"purpose":  string(k.Purpose),
		"model_id": k.ModelID,
		"params": map[string]any{
			"temperature": k.Params.Temperature,
			"top_p":       k.Params.TopP,
			"max_tokens":  k.Params.MaxTokens,
		},
		"prompt_sha256":       k.PromptSHA256,
		"input_digest_sha256": k.InputDigestSHA256,
	}
	return determinism.SHA256(jcs.MustBytes(obj))
}

// Cache is the inference cache port. Put must be immutable: re-inserting a
// different artifact under an existing key is an integrity error.
type Cache interface {
	Get(ctx context.Context, key CacheKey) (*InferenceArtifact, error)
	Put(ctx context.Context, key CacheKey, artifact InferenceArtifact) error
}

// Budget bounds live provider calls per day. The cache is consulted first,
// so replay traffic never spends budget.
type Budget interface {
	Allow(ctx context.Context) (bool, error)
	Consume(ctx context.Context) error
}
