package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"intake/internal/artifact"
	"intake/internal/audit"
	"intake/internal/canonical"
	"intake/internal/determinism"
)

// =============================================================================
// Correction Sink Suite
// =============================================================================

type CorrectionSuite struct {
	suite.Suite
	store      *InMemoryStore
	auditStore *audit.InMemoryStore
	sink       *Sink
}

func TestCorrectionSuite(t *testing.T) {
	suite.Run(t, new(CorrectionSuite))
}

func (s *CorrectionSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.auditStore = audit.NewInMemoryStore()
	logger, err := audit.NewLogger(s.auditStore, audit.NewInMemoryLease())
	s.Require().NoError(err)
	s.sink, err = NewSink(s.store, logger)
	s.Require().NoError(err)
}

func (s *CorrectionSuite) record() Record {
	return Record{
		MessageID:    "m1",
		RunID:        "r1",
		ReviewItemID: "rev-1",
		ActorID:      "reviewer-7",
		CreatedAt:    time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC),
		ArtifactRefs: []artifact.Ref{
			artifact.NewRef(canonical.SchemaClassification, "artifacts/m1/CLASSIFY/abc.json", []byte("x")),
		},
		Patches: []Patch{
			{Path: "/primary_intent/label", OldValue: "INTENT_GENERAL_INQUIRY", NewValue: "INTENT_CLAIM_NEW"},
		},
	}
}

func (s *CorrectionSuite) TestSubmit() {
	stored, err := s.sink.Submit(context.Background(), s.record())
	s.Require().NoError(err)

	s.Run("correction id is derived deterministically", func() {
		s.NotEmpty(stored.CorrectionID)
		again := s.record()
		s.Equal(stored.CorrectionID, deriveCorrectionID(again))
	})

	s.Run("record is persisted append-only", func() {
		records, err := s.sink.ListByMessage(context.Background(), "m1")
		s.Require().NoError(err)
		s.Len(records, 1)
	})

	s.Run("a HITL audit event links the correction", func() {
		chain, err := s.auditStore.ReadChain(context.Background(), "m1", "r1")
		s.Require().NoError(err)
		s.Require().Len(chain, 1)
		s.Equal(canonical.StageHITL, chain[0].Stage)
		s.Equal(audit.ActorReviewer, chain[0].ActorType)
		s.Equal(canonical.SchemaCorrectionRecord, chain[0].OutputRef.SchemaID)
		s.Equal(determinism.ZeroHash, chain[0].PrevEventHash)
	})
}

func (s *CorrectionSuite) TestValidation() {
	s.Run("missing actor is rejected", func() {
		record := s.record()
		record.ActorID = ""
		_, err := s.sink.Submit(context.Background(), record)
		s.Error(err)
	})

	s.Run("missing patches are rejected", func() {
		record := s.record()
		record.Patches = nil
		_, err := s.sink.Submit(context.Background(), record)
		s.Error(err)
	})

	s.Run("missing artifact refs are rejected", func() {
		record := s.record()
		record.ArtifactRefs = nil
		_, err := s.sink.Submit(context.Background(), record)
		s.Error(err)
	})
}

func (s *CorrectionSuite) TestCorrectionsNeverMutate() {
	first, err := s.sink.Submit(context.Background(), s.record())
	s.Require().NoError(err)

	second := s.record()
	second.CreatedAt = second.CreatedAt.Add(time.Hour)
	secondStored, err := s.sink.Submit(context.Background(), second)
	s.Require().NoError(err)
	s.NotEqual(first.CorrectionID, secondStored.CorrectionID)

	records, err := s.sink.ListByMessage(context.Background(), "m1")
	s.Require().NoError(err)
	s.Len(records, 2)
}
