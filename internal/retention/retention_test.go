package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"intake/internal/artifact"
	"intake/internal/audit"
	"intake/internal/canonical"
)

// =============================================================================
// Retention Job Suite
// =============================================================================

type RetentionSuite struct {
	suite.Suite
	store *audit.InMemoryStore
}

func TestRetentionSuite(t *testing.T) {
	suite.Run(t, new(RetentionSuite))
}

func (s *RetentionSuite) SetupTest() {
	s.store = audit.NewInMemoryStore()
}

func (s *RetentionSuite) appendAt(messageID string, at time.Time) {
	ref := artifact.NewRef("urn:ieim:schema:test:1.0.0", "artifacts/x", []byte("x"))
	logger, err := audit.NewLogger(s.store, audit.NewInMemoryLease())
	s.Require().NoError(err)
	_, err = logger.Append(context.Background(), audit.Event{
		MessageID: messageID,
		RunID:     "r1",
		Stage:     canonical.StageNormalize,
		ActorType: audit.ActorSystem,
		CreatedAt: at,
		InputRef:  ref,
		OutputRef: ref,
	})
	s.Require().NoError(err)
}

func (s *RetentionSuite) TestRun() {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s.appendAt("old", now.AddDate(0, 0, -400))
	s.appendAt("recent", now.AddDate(0, 0, -10))

	job := NewJob(Policy{MaxAgeDays: 365}, nil)
	job.Register("audit", s.store)
	s.Require().NoError(job.Run(context.Background(), now))

	old, err := s.store.ReadChain(context.Background(), "old", "r1")
	s.Require().NoError(err)
	s.Empty(old)

	recent, err := s.store.ReadChain(context.Background(), "recent", "r1")
	s.Require().NoError(err)
	s.Len(recent, 1)
}

func (s *RetentionSuite) TestDisabledAndDryRun() {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s.appendAt("old", now.AddDate(-2, 0, 0))

	s.Run("zero max age is a no-op", func() {
		job := NewJob(Policy{}, nil)
		job.Register("audit", s.store)
		s.Require().NoError(job.Run(context.Background(), now))
		chain, _ := s.store.ReadChain(context.Background(), "old", "r1")
		s.Len(chain, 1)
	})

	s.Run("dry run touches nothing", func() {
		job := NewJob(Policy{MaxAgeDays: 1, DryRun: true}, nil)
		job.Register("audit", s.store)
		s.Require().NoError(job.Run(context.Background(), now))
		chain, _ := s.store.ReadChain(context.Background(), "old", "r1")
		s.Len(chain, 1)
	})
}
