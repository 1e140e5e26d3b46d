package httptransport

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"intake/internal/artifact"
	"intake/internal/audit"
	"intake/internal/canonical"
	"intake/internal/hitl"
	"intake/pkg/testutil"
)

// =============================================================================
// HTTP Handler Suite
// =============================================================================

type HandlerSuite struct {
	suite.Suite
	auditStore *audit.InMemoryStore
	router     http.Handler
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.auditStore = audit.NewInMemoryStore()
	logger, err := audit.NewLogger(s.auditStore, audit.NewInMemoryLease())
	s.Require().NoError(err)
	sink, err := hitl.NewSink(hitl.NewInMemoryStore(), logger)
	s.Require().NoError(err)
	s.router = NewRouter(NewHandler(logger, sink, nil))

	ref := artifact.NewRef("urn:ieim:schema:test:1.0.0", "artifacts/a", []byte("a"))
	_, err = logger.Append(context.Background(), audit.Event{
		MessageID: "m1",
		RunID:     "r1",
		Stage:     canonical.StageNormalize,
		ActorType: audit.ActorSystem,
		CreatedAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		InputRef:  ref,
		OutputRef: ref,
	})
	s.Require().NoError(err)
}

func (s *HandlerSuite) TestHealth() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/healthz"))
	testutil.AssertStatusOK(s.T(), rr)
}

func (s *HandlerSuite) TestReadChain() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/audit/m1/r1"))
	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONHasKey(s.T(), rr, "events")
}

func (s *HandlerSuite) TestVerifyChain() {
	s.Run("intact chain verifies", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/audit/m1/r1/verify"))
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "ok", true)
	})

	s.Run("tampered chain reports conflict", func() {
		s.auditStore.Tamper("m1", "r1", 0, func(e *audit.Event) {
			e.DecisionHash = "sha256:forged"
		})
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/audit/m1/r1/verify"))
		testutil.AssertStatus(s.T(), rr, http.StatusConflict)
		testutil.AssertJSONContains(s.T(), rr, "ok", false)
	})
}

func (s *HandlerSuite) TestSubmitCorrection() {
	record := hitl.Record{
		MessageID: "m1",
		RunID:     "r1",
		ActorID:   "reviewer-1",
		CreatedAt: time.Now(),
		ArtifactRefs: []artifact.Ref{
			artifact.NewRef(canonical.SchemaClassification, "artifacts/c", []byte("c")),
		},
		Patches: []hitl.Patch{{Path: "/urgency/label", NewValue: "URG_HIGH"}},
	}

	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/corrections", record))
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)

	s.Run("invalid payloads are rejected", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequestWithBody(s.T(), http.MethodPost, "/v1/corrections", "{"))
		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
	})

	s.Run("incomplete corrections are unprocessable", func() {
		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/corrections", hitl.Record{MessageID: "m1"}))
		testutil.AssertStatus(s.T(), rr, http.StatusUnprocessableEntity)
	})
}
