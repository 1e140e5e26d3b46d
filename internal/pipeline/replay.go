package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"intake/internal/broker"
	"intake/internal/canonical"
	"intake/internal/classify"
	"intake/internal/identity"
	"intake/internal/route"
	"intake/pkg/fault"
)

// StageComparison is one decision stage's replay verdict.
type StageComparison struct {
	Stage        canonical.Stage `json:"stage"`
	StoredHash   string          `json:"stored_hash"`
	ReplayedHash string          `json:"replayed_hash"`
	Match        bool            `json:"match"`
}

// ReplayReport summarizes a determinism replay.
type ReplayReport struct {
	MessageID  string            `json:"message_id"`
	PriorRunID string            `json:"prior_run_id"`
	RunID      string            `json:"run_id"`
	Stages     []StageComparison `json:"stages"`
	Match      bool              `json:"match"`
}

// Replay re-executes the decision stages for a completed run with
// determinism mode on, resolving any LLM need through the inference cache,
// and compares the fresh decision hashes against the stored artifacts.
// Differences are incidents, not errors; artifacts written during replay are
// new versions, never overwrites.
//
// The orchestrator must be constructed from a snapshot with
// determinism_mode=true; Replay refuses to run otherwise.
func (o *Orchestrator) Replay(ctx context.Context, messageID, priorRunID, newRunID string) (*ReplayReport, error) {
	if !o.snapshot.DeterminismMode {
		return nil, fault.New(fault.KindDeterminism, string(canonical.StageReprocess),
			"determinism_mode_required", "replay requires a determinism-mode snapshot")
	}

	stored, err := o.loadStoredRun(ctx, messageID, priorRunID)
	if err != nil {
		return nil, err
	}

	outcome, err := o.ProcessMessage(ctx, broker.Job{
		MessageID:     messageID,
		RunID:         newRunID,
		RawMIMESHA256: stored.nm.RawMIMESHA256,
		Source:        stored.nm.IngestionSource,
		Replay:        true,
		PriorRunID:    priorRunID,
	})
	if err != nil {
		return nil, err
	}

	fresh, err := o.loadStoredRun(ctx, messageID, outcome.RunID)
	if err != nil {
		return nil, err
	}

	report := &ReplayReport{
		MessageID:  messageID,
		PriorRunID: priorRunID,
		RunID:      newRunID,
		Match:      true,
	}
	compare := func(stage canonical.Stage, storedHash, replayedHash string) {
		match := storedHash == replayedHash
		if !match {
			report.Match = false
			if o.metrics != nil {
				o.metrics.ReplayMismatches.Inc()
			}
		}
		report.Stages = append(report.Stages, StageComparison{
			Stage:        stage,
			StoredHash:   storedHash,
			ReplayedHash: replayedHash,
			Match:        match,
		})
	}
	compare(canonical.StageIdentity, stored.identity.DecisionHash, fresh.identity.DecisionHash)
	compare(canonical.StageClassify, stored.classify.DecisionHash, fresh.classify.DecisionHash)
	compare(canonical.StageRoute, stored.decision.DecisionHash, fresh.decision.DecisionHash)
	return report, nil
}

// storedRun is the artifact view of one completed run.
type storedRun struct {
	nm       *storedNormalized
	identity *identity.Result
	classify *classify.Result
	decision *route.Decision
}

type storedNormalized struct {
	RunID           string `json:"run_id"`
	RawMIMESHA256   string `json:"raw_mime_sha256"`
	IngestionSource string `json:"ingestion_source"`
	Fingerprint     string `json:"message_fingerprint"`
}

// loadStoredRun reads the run's artifacts back by run id. The artifact index
// may hold several runs of the same message; filtering is by the run_id each
// artifact embeds.
func (o *Orchestrator) loadStoredRun(ctx context.Context, messageID, runID string) (*storedRun, error) {
	out := &storedRun{}

	if err := o.loadRunArtifact(ctx, messageID, canonical.StageNormalize, runID, &out.nm); err != nil {
		return nil, err
	}
	if err := o.loadRunArtifact(ctx, messageID, canonical.StageIdentity, runID, &out.identity); err != nil {
		return nil, err
	}
	if err := o.loadRunArtifact(ctx, messageID, canonical.StageClassify, runID, &out.classify); err != nil {
		return nil, err
	}
	if err := o.loadRunArtifact(ctx, messageID, canonical.StageRoute, runID, &out.decision); err != nil {
		return nil, err
	}
	return out, nil
}

// loadRunArtifact finds the stage artifact whose embedded run_id matches.
// A normalize artifact is shared across runs of the same message (same job
// key), so the run_id filter falls back to the latest artifact for that
// stage.
func (o *Orchestrator) loadRunArtifact(ctx context.Context, messageID string, stage canonical.Stage, runID string, into any) error {
	refs, err := o.store.ListByMessage(ctx, messageID, string(stage))
	if err != nil {
		return fault.Wrap(err, fault.KindDependencyUnavailable, string(stage),
			"artifact_store_unavailable", "list stage artifacts")
	}
	if len(refs) == 0 {
		return fault.New(fault.KindValidation, string(stage),
			"artifact_missing", fmt.Sprintf("no %s artifact for message %s", stage, messageID))
	}

	var fallback []byte
	for i := len(refs) - 1; i >= 0; i-- {
		data, err := o.store.Get(ctx, refs[i])
		if err != nil {
			continue
		}
		if fallback == nil {
			fallback = data
		}
		var probe struct {
			RunID string `json:"run_id"`
		}
		if json.Unmarshal(data, &probe) == nil && probe.RunID == runID {
			return json.Unmarshal(data, into)
		}
	}
	if fallback == nil {
		return fault.New(fault.KindIntegrity, string(stage),
			"artifact_unreadable", "stored artifacts could not be read")
	}
	return json.Unmarshal(fallback, into)
}
