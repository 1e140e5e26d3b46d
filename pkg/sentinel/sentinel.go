package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers
// return these (optionally wrapped) so services can translate them into typed
// faults.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: artifact or chain does not exist in store
// - ErrConflict: write-if-absent lost to an existing, identical artifact
// - ErrImmutability: existing content under the same address differs
// - ErrLeaseHeld: per-chain lease is owned by another worker
// - ErrUnavailable: backend temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrImmutability = errors.New("immutability violation")
	ErrLeaseHeld    = errors.New("lease held")
	ErrUnavailable  = errors.New("unavailable")
)
