// Package pipeline is the stage orchestrator: per-stage job keys, idempotent
// writes, fail-closed stage execution, deterministic replay, and the worker
// pool that drains the broker.
package pipeline

import (
	"fmt"

	"intake/internal/artifact"
	"intake/internal/canonical"
	"intake/internal/canonical/jcs"
	"intake/internal/determinism"
)

// JobKey derives the deterministic per-stage job id. It contains the message,
// the stage, the pinned config (and ruleset for ROUTE), and the exact input
// artifact refs; never a run id or a timestamp. Writing a stage output under
// its job key is idempotent across retries and redeliveries.
func JobKey(messageID string, stage canonical.Stage, configSHA256, rulesetSHA256 string, inputRefs []artifact.Ref) string {
	refs := make([]any, 0, len(inputRefs))
	for _, r := range inputRefs {
		refs = append(refs, map[string]any{
			"schema_id": r.SchemaID,
			"uri":       r.URI,
			"sha256":    r.SHA256,
		})
	}
	obj := map[string]any{
		"message_id":          messageID,
		"stage":               string(stage),
		"config_sha256":       configSHA256,
		"input_artifact_refs": refs,
	}
	if stage == canonical.StageRoute {
		obj["ruleset_sha256"] = rulesetSHA256
	}
	return determinism.SHA256(jcs.MustBytes(obj))
}

// ArtifactURI places a stage output under its job key.
func ArtifactURI(messageID string, stage canonical.Stage, jobID string) string {
	return fmt.Sprintf("artifacts/%s/%s/%s.json", messageID, stage, determinism.HexPart(jobID))
}
