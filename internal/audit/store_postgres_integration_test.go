//go:build integration

package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"intake/internal/artifact"
	"intake/internal/audit"
	"intake/internal/canonical"
	"intake/pkg/testutil/containers"
)

type PostgresAuditSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *audit.PostgresStore
	logger   *audit.Logger
}

func TestPostgresAuditSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresAuditSuite))
}

func (s *PostgresAuditSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = audit.NewPostgresStore(s.postgres.DB)
	var err error
	s.logger, err = audit.NewLogger(s.store, audit.NewInMemoryLease())
	s.Require().NoError(err)
}

func (s *PostgresAuditSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_events"))
}

func (s *PostgresAuditSuite) append(messageID, runID, out string) audit.Event {
	ref := artifact.NewRef("urn:ieim:schema:test:1.0.0", "artifacts/"+out, []byte(out))
	event, err := s.logger.Append(context.Background(), audit.Event{
		MessageID: messageID,
		RunID:     runID,
		Stage:     canonical.StageNormalize,
		ActorType: audit.ActorSystem,
		CreatedAt: time.Now(),
		InputRef:  ref,
		OutputRef: ref,
	})
	s.Require().NoError(err)
	return event
}

func (s *PostgresAuditSuite) TestChainRoundTrip() {
	first := s.append("m1", "r1", "a")
	second := s.append("m1", "r1", "b")
	s.Equal(first.EventHash, second.PrevEventHash)

	chain, err := s.store.ReadChain(context.Background(), "m1", "r1")
	s.Require().NoError(err)
	s.Require().Len(chain, 2)
	s.Equal(first.EventID, chain[0].EventID)

	verification, err := s.logger.Verify(context.Background(), "m1", "r1")
	s.Require().NoError(err)
	s.True(verification.OK(), "errors: %v", verification.Errors)
}

func (s *PostgresAuditSuite) TestAppendIsIdempotentOnEventID() {
	event := s.append("m2", "r1", "a")
	s.Require().NoError(s.store.Append(context.Background(), event))

	chain, err := s.store.ReadChain(context.Background(), "m2", "r1")
	s.Require().NoError(err)
	s.Len(chain, 1)
}
