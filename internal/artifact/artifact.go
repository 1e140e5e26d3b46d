// Package artifact owns artifact references and the content-addressed store
// behind every stage output. Artifacts are validated before persistence,
// written once, and referenced by {schema_id, uri, sha256}; components hold
// refs, never mutable artifact bytes.
package artifact

import (
	"context"
	"fmt"

	"intake/internal/determinism"
)

// Ref is the immutable handle to a stored artifact.
type Ref struct {
	SchemaID string `json:"schema_id" validate:"required"`
	URI      string `json:"uri" validate:"required"`
	SHA256   string `json:"sha256" validate:"required,prefixed_sha256"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s@%s", r.SchemaID, r.SHA256)
}

// NewRef content-addresses data under the given schema and URI.
func NewRef(schemaID, uri string, data []byte) Ref {
	return Ref{SchemaID: schemaID, URI: uri, SHA256: determinism.SHA256(data)}
}

// Stored pairs a ref with the bytes it addresses.
type Stored struct {
	Ref   Ref
	Bytes []byte
}

// Store is the artifact store port. PutIfAbsent is idempotent: a second write
// of identical bytes under the same ref observes the existing artifact; a
// write of different bytes under the same address is an integrity error
// (sentinel.ErrImmutability).
type Store interface {
	PutIfAbsent(ctx context.Context, messageID string, stage string, ref Ref, data []byte) error
	Get(ctx context.Context, ref Ref) ([]byte, error)
	// ListByMessage returns all refs recorded for (messageID, stage), in
	// insertion order. Replay reads prior runs through this.
	ListByMessage(ctx context.Context, messageID, stage string) ([]Ref, error)
}

// BlobStore is the attachment byte store port: append-only, addressed by
// content hash alone.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (sha256 string, err error)
	Get(ctx context.Context, sha256 string) ([]byte, error)
}
