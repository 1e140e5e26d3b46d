//go:build integration

package artifact_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"intake/internal/artifact"
	"intake/pkg/sentinel"
	"intake/pkg/testutil/containers"
)

type PostgresArtifactSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *artifact.PostgresStore
}

func TestPostgresArtifactSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresArtifactSuite))
}

func (s *PostgresArtifactSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = artifact.NewPostgresStore(s.postgres.DB)
}

func (s *PostgresArtifactSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "artifact_index", "artifact_blobs"))
}

func (s *PostgresArtifactSuite) TestPutIfAbsentRoundTrip() {
	ctx := context.Background()
	data := []byte(`{"queue_id":"QUEUE_LEGAL"}`)
	ref := artifact.NewRef("urn:ieim:schema:routing-decision:1.0.0", "artifacts/m1/ROUTE/a.json", data)

	s.Require().NoError(s.store.PutIfAbsent(ctx, "m1", "ROUTE", ref, data))
	s.Require().NoError(s.store.PutIfAbsent(ctx, "m1", "ROUTE", ref, data))

	got, err := s.store.Get(ctx, ref)
	s.Require().NoError(err)
	s.Equal(data, got)

	refs, err := s.store.ListByMessage(ctx, "m1", "ROUTE")
	s.Require().NoError(err)
	s.Require().Len(refs, 1)
	s.Equal(ref, refs[0])
}

func (s *PostgresArtifactSuite) TestDigestMismatchIsRejected() {
	ctx := context.Background()
	data := []byte("payload")
	ref := artifact.NewRef("urn:ieim:schema:test:1.0.0", "artifacts/m1/ROUTE/b.json", []byte("different"))

	err := s.store.PutIfAbsent(ctx, "m1", "ROUTE", ref, data)
	s.ErrorIs(err, sentinel.ErrImmutability)
}

func (s *PostgresArtifactSuite) TestMissingArtifact() {
	_, err := s.store.Get(context.Background(), artifact.NewRef("x", "y", []byte("unseen")))
	s.ErrorIs(err, sentinel.ErrNotFound)
}
