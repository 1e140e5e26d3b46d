package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"intake/internal/canonical"
	"intake/internal/determinism"
	"intake/pkg/fault"
	"intake/pkg/sentinel"
)

// Adapter is the single entry point for inference: cache first, then budget,
// then the live provider. In determinism mode a cache miss is a determinism
// violation, never a provider call.
type Adapter struct {
	provider        Provider
	providerName    string
	modelID         string
	cache           Cache
	budget          Budget
	params          Params
	determinismMode bool
	timeout         time.Duration
	logger          *slog.Logger
	onCacheHit      func()
	onCacheMiss     func()
}

type AdapterOption func(*Adapter)

func WithLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = l }
}

func WithParams(p Params) AdapterOption {
	return func(a *Adapter) { a.params = p }
}

func WithDeterminismMode(on bool) AdapterOption {
	return func(a *Adapter) { a.determinismMode = on }
}

// WithModelID pins the model id used in cache keys. Required when no live
// provider is configured (determinism replay), where the id must still match
// the one the original inference ran under.
func WithModelID(id string) AdapterOption {
	return func(a *Adapter) { a.modelID = id }
}

// WithTimeout sets the per-call deadline for live provider calls.
func WithTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.timeout = d }
}

// WithCacheObserver registers hit/miss callbacks for metrics.
func WithCacheObserver(onHit, onMiss func()) AdapterOption {
	return func(a *Adapter) {
		a.onCacheHit = onHit
		a.onCacheMiss = onMiss
	}
}

func NewAdapter(provider Provider, providerName string, cache Cache, budget Budget, opts ...AdapterOption) (*Adapter, error) {
	if cache == nil {
		return nil, fmt.Errorf("inference cache is required")
	}
	a := &Adapter{
		provider:     provider,
		providerName: providerName,
		cache:        cache,
		budget:       budget,
		params:       DeterministicParams,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.budget == nil {
		a.budget = UnlimitedBudget{}
	}
	return a, nil
}

// ProviderName returns the configured provider label for audit model info.
func (a *Adapter) ProviderName() string { return a.providerName }

// ModelID returns the pinned model id, falling back to the live provider's.
func (a *Adapter) ModelID() string {
	if a.modelID != "" {
		return a.modelID
	}
	if a.provider == nil {
		return ""
	}
	return a.provider.ModelID()
}

// Infer resolves one inference. The bool result reports a cache hit.
func (a *Adapter) Infer(ctx context.Context, purpose Purpose, stage canonical.Stage, prompt, inputDigest string) (*InferenceArtifact, bool, error) {
	key := CacheKey{
		Purpose:           purpose,
		ModelID:           a.ModelID(),
		Params:            a.params,
		PromptSHA256:      PromptSHA256(prompt),
		InputDigestSHA256: inputDigest,
	}

	art, err := a.cache.Get(ctx, key)
	switch {
	case err == nil:
		if a.onCacheHit != nil {
			a.onCacheHit()
		}
		return art, true, nil
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, false, fault.Wrap(err, fault.KindDependencyUnavailable, string(stage),
			"inference_cache_unavailable", "inference cache lookup")
	}
	if a.onCacheMiss != nil {
		a.onCacheMiss()
	}

	if a.determinismMode {
		return nil, false, fault.New(fault.KindDeterminism, string(stage),
			"determinism_cache_miss", "inference required but not cached in determinism mode")
	}
	if a.provider == nil {
		return nil, false, fault.New(fault.KindDependencyUnavailable, string(stage),
			"llm_provider_disabled", "no live provider configured")
	}

	ok, err := a.budget.Allow(ctx)
	if err != nil {
		return nil, false, fault.Wrap(err, fault.KindDependencyUnavailable, string(stage),
			"llm_budget_unavailable", "check llm budget")
	}
	if !ok {
		return nil, false, fault.New(fault.KindDependencyUnavailable, string(stage),
			"llm_budget_exhausted", "daily llm call budget exhausted")
	}

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	raw, err := a.provider.Infer(callCtx, prompt, a.params)
	if err != nil {
		return nil, false, fault.Wrap(err, fault.KindDependencyUnavailable, string(stage),
			"llm_provider_unavailable", "llm inference")
	}
	if err := a.budget.Consume(ctx); err != nil {
		a.logger.WarnContext(ctx, "llm budget consume failed", "error", err)
	}

	out := InferenceArtifact{
		SchemaID:          canonical.SchemaLLMInference,
		Purpose:           purpose,
		Provider:          a.providerName,
		ModelID:           key.ModelID,
		Params:            a.params,
		PromptSHA256:      key.PromptSHA256,
		InputDigestSHA256: inputDigest,
		OutputJSON:        raw,
		OutputSHA256:      determinism.SHA256Text(raw),
	}
	if err := a.cache.Put(ctx, key, out); err != nil {
		return nil, false, fault.Wrap(err, fault.KindIntegrity, string(stage),
			"inference_cache_conflict", "store inference artifact")
	}
	return &out, false, nil
}
