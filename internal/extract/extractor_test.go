package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"intake/internal/canonical"
	"intake/internal/determinism"
	"intake/internal/identity"
	"intake/internal/normalize"
)

// =============================================================================
// Extractor Suite
// =============================================================================

type ExtractorSuite struct {
	suite.Suite
	directory *identity.InMemoryDirectory
}

func TestExtractorSuite(t *testing.T) {
	suite.Run(t, new(ExtractorSuite))
}

func (s *ExtractorSuite) SetupTest() {
	s.directory = identity.NewInMemoryDirectory()
}

func (s *ExtractorSuite) extractor(cfg Config) *Extractor {
	e, err := New(cfg, s.directory)
	s.Require().NoError(err)
	return e
}

func testMessage(subject, body string) *normalize.Message {
	return &normalize.Message{
		MessageID:    "m1",
		RunID:        "r1",
		SubjectC14N:  normalize.CanonicalText(subject),
		BodyTextC14N: normalize.CanonicalText(body),
		Fingerprint:  determinism.SHA256Text(subject + body),
	}
}

func (s *ExtractorSuite) entityByType(result *Result, t canonical.EntityType) *Entity {
	for i := range result.Entities {
		if result.Entities[i].EntityType == t {
			return &result.Entities[i]
		}
	}
	return nil
}

func (s *ExtractorSuite) TestDeterministicExtraction() {
	s.directory.AddPolicy("POL-2024-00012345", identity.Record{EntityID: "POL-2024-00012345", Status: identity.StatusActive})

	nm := testMessage("Unfall", "Polizzennr POL-2024-00012345, Schaden am 2024-05-28, Ort: Graz")
	result, err := s.extractor(Config{}).Extract(context.Background(), nm, false)
	s.Require().NoError(err)

	s.Run("policy number is found and directory-checked", func() {
		ent := s.entityByType(result, canonical.EntPolicyNumber)
		s.Require().NotNil(ent)
		s.Equal("POL-2024-00012345", ent.Value)
		s.False(ent.DirectoryMiss)
		s.Equal(StoreFull, ent.StoreMode)
	})

	s.Run("date and location are extracted", func() {
		s.NotNil(s.entityByType(result, canonical.EntDate))
		loc := s.entityByType(result, canonical.EntLocation)
		s.Require().NotNil(loc)
		s.Equal("Graz", loc.Value)
	})

	s.Run("provenance spans verify against canonical text", func() {
		for _, ent := range result.Entities {
			s.True(ent.Provenance.VerifyAgainst(nm.BodyTextC14N) || ent.Provenance.VerifyAgainst(nm.SubjectC14N),
				"entity %s", ent.EntityType)
		}
	})
}

func (s *ExtractorSuite) TestDirectoryMiss() {
	// Pattern-valid but unknown to the directory: kept, flagged.
	nm := testMessage("Anfrage", "Polizzennr POL-2024-00099999")
	result, err := s.extractor(Config{}).Extract(context.Background(), nm, false)
	s.Require().NoError(err)

	ent := s.entityByType(result, canonical.EntPolicyNumber)
	s.Require().NotNil(ent)
	s.True(ent.DirectoryMiss)
}

func (s *ExtractorSuite) TestIBANPolicy() {
	// DE89370400440532013000 is the ISO 13616 example IBAN; it passes mod-97.
	body := "Bitte überweisen Sie auf DE89370400440532013000. Danke."

	s.Run("disabled gate skips IBANs entirely", func() {
		result, err := s.extractor(Config{IBANEnabled: false}).Extract(context.Background(), testMessage("Zahlung", body), false)
		s.Require().NoError(err)
		s.Nil(s.entityByType(result, canonical.EntIBAN))
	})

	s.Run("enabled gate stores the IBAN redacted", func() {
		result, err := s.extractor(Config{IBANEnabled: true}).Extract(context.Background(), testMessage("Zahlung", body), false)
		s.Require().NoError(err)

		ent := s.entityByType(result, canonical.EntIBAN)
		s.Require().NotNil(ent)
		s.Equal(StoreRedacted, ent.StoreMode)
		s.Empty(ent.Value)
		s.Equal("de89…3000", ent.ValueRedacted)
		s.NotContains(ent.Provenance.SnippetRedacted, "370400440532013000")
	})

	s.Run("checksum-invalid candidates are dropped", func() {
		result, err := s.extractor(Config{IBANEnabled: true}).Extract(context.Background(),
			testMessage("Zahlung", "Konto DE00370400440532013000 bitte"), false)
		s.Require().NoError(err)
		s.Nil(s.entityByType(result, canonical.EntIBAN))
	})
}

// =============================================================================
// Validators
// =============================================================================

func TestValidIBAN(t *testing.T) {
	require.True(t, ValidIBAN("DE89370400440532013000"))
	require.True(t, ValidIBAN("de89 3704 0044 0532 0130 00"))
	require.False(t, ValidIBAN("DE00370400440532013000"))
	require.False(t, ValidIBAN("XX12"))
	require.False(t, ValidIBAN(""))
}

func TestRedactIBAN(t *testing.T) {
	require.Equal(t, "de89…3000", RedactIBAN("DE89370400440532013000"))
	require.Equal(t, "short", RedactIBAN("short"))
}

func TestIdentifierValidators(t *testing.T) {
	require.True(t, ValidPolicyNumber("POL-2024-00012345"))
	require.True(t, ValidPolicyNumber("12-3456789"))
	require.False(t, ValidPolicyNumber("POL-24-1"))
	require.True(t, ValidClaimNumber("CLM-2024-0042"))
	require.False(t, ValidClaimNumber("CLM-42"))
	require.True(t, ValidCustomerNumber("KD-123456"))
	require.False(t, ValidCustomerNumber("KD-1"))
}
