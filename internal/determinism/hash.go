// Package determinism holds the hashing primitives behind every
// reproducibility guarantee: prefixed SHA-256 digests and the timestamp-free
// decision hash over canonical decision inputs.
package determinism

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"intake/internal/canonical/jcs"
)

// ZeroHash is the genesis predecessor hash of every audit chain.
const ZeroHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Binding pins a decision to the run's configuration snapshot. Every stage
// embeds it at the top of its canonical decision input.
type Binding struct {
	SystemID        string `json:"system_id"`
	SpecSemver      string `json:"spec_semver"`
	ConfigPath      string `json:"config_path"`
	ConfigSHA256    string `json:"config_sha256"`
	DeterminismMode bool   `json:"determinism_mode"`
}

// InputHeader returns the common prefix of a canonical decision input.
func (b Binding) InputHeader(stage, messageFingerprint, rawMIMESHA256 string) map[string]any {
	return map[string]any{
		"system_id":           b.SystemID,
		"spec_semver":         b.SpecSemver,
		"stage":               stage,
		"message_fingerprint": messageFingerprint,
		"raw_mime_sha256":     rawMIMESHA256,
		"config_ref": map[string]any{
			"path":   b.ConfigPath,
			"sha256": b.ConfigSHA256,
		},
		"determinism_mode": b.DeterminismMode,
	}
}

// SHA256 returns the prefixed digest of data, e.g. "sha256:ab12…".
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// SHA256Text digests the UTF-8 bytes of s.
func SHA256Text(s string) string {
	return SHA256([]byte(s))
}

// DecisionHash computes the timestamp-free hash of a canonical decision input.
// Callers build the input from the stage's decision fields only; run ids,
// event ids, wall-clock values, hostnames, and worker ids must never appear.
func DecisionHash(input map[string]any) (string, error) {
	b, err := jcs.Bytes(input)
	if err != nil {
		return "", err
	}
	return SHA256(b), nil
}

// HexPart strips the "sha256:" prefix; used where backends key by bare hex.
func HexPart(prefixed string) string {
	if i := strings.IndexByte(prefixed, ':'); i != -1 {
		return prefixed[i+1:]
	}
	return prefixed
}

// ForbiddenInputFields are field names that must not appear at any depth of a
// canonical decision input. CheckInputFields walks an input against this
// list; the determinism unit tests exercise it.
var ForbiddenInputFields = []string{
	"run_id", "event_id", "hostname", "worker_id", "random_seed",
}

// ForbiddenFieldSuffix matches wall-clock members such as ingested_at.
const ForbiddenFieldSuffix = "_at"

// CheckInputFields walks a canonical decision input and returns the path of
// the first forbidden member, or "" when the input is clean.
func CheckInputFields(input map[string]any) string {
	return walkFields("", input)
}

func walkFields(prefix string, v any) string {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			if isForbiddenField(k) {
				return path
			}
			if hit := walkFields(path, child); hit != "" {
				return hit
			}
		}
	case []any:
		for _, child := range t {
			if hit := walkFields(prefix+"[]", child); hit != "" {
				return hit
			}
		}
	}
	return ""
}

func isForbiddenField(name string) bool {
	for _, f := range ForbiddenInputFields {
		if name == f {
			return true
		}
	}
	return strings.HasSuffix(name, ForbiddenFieldSuffix)
}
