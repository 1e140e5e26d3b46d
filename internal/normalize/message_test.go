package normalize

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"intake/internal/determinism"
)

// =============================================================================
// Normalization Suite
// =============================================================================

type NormalizeSuite struct {
	suite.Suite
}

func TestNormalizeSuite(t *testing.T) {
	suite.Run(t, new(NormalizeSuite))
}

const sampleMIME = "From: Maria Muster <maria@example.at>\r\n" +
	"To: schaden@versicherung.at\r\n" +
	"Cc: makler@example.at\r\n" +
	"Subject: Unfall gestern A2\r\n" +
	"Message-ID: <abc-123@example.at>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Guten Tag,\r\n" +
	"mein Auto wurde beschädigt. Polizzennr POL-2024-00012345.\r\n"

func (s *NormalizeSuite) build(raw string) *Message {
	nm, err := Build(Input{
		RawMIME:         []byte(raw),
		MessageID:       "m1",
		RunID:           "r1",
		IngestedAt:      time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		ReceivedAt:      time.Date(2024, 6, 1, 8, 59, 0, 0, time.UTC),
		IngestionSource: "imap",
		RawMIMEURI:      "raw/abc",
		RawMIMESHA256:   determinism.SHA256Text(raw),
		AttachmentIDs:   []string{"att-1"},
	})
	s.Require().NoError(err)
	return nm
}

func (s *NormalizeSuite) TestBuild() {
	nm := s.build(sampleMIME)

	s.Run("addresses are parsed", func() {
		s.Equal("maria@example.at", nm.FromEmail)
		s.Equal("Maria Muster", nm.FromDisplayName)
		s.Equal([]string{"schaden@versicherung.at"}, nm.ToEmails)
		s.Equal([]string{"makler@example.at"}, nm.CcEmails)
	})

	s.Run("canonical text is lowercased", func() {
		s.Equal("unfall gestern a2", nm.SubjectC14N)
		s.Contains(nm.BodyTextC14N, "polizzennr pol-2024-00012345")
	})

	s.Run("original text is preserved for evidence", func() {
		s.Equal("Unfall gestern A2", nm.Subject)
		s.Contains(nm.BodyText, "POL-2024-00012345")
	})

	s.Run("language is detected", func() {
		s.Equal("de", nm.Language)
	})

	s.Run("thread keys are captured", func() {
		s.Equal("<abc-123@example.at>", nm.ThreadKeys.InternetMessageID)
	})
}

func (s *NormalizeSuite) TestBuildRejectsIncompleteMessages() {
	s.Run("missing From", func() {
		_, err := Build(Input{RawMIME: []byte("To: a@b.c\r\n\r\nbody")})
		s.Error(err)
	})

	s.Run("missing To", func() {
		_, err := Build(Input{RawMIME: []byte("From: a@b.c\r\n\r\nbody")})
		s.Error(err)
	})

	s.Run("unparsable bytes", func() {
		_, err := Build(Input{RawMIME: []byte("")})
		s.Error(err)
	})
}

func (s *NormalizeSuite) TestFingerprint() {
	s.Run("identical content fingerprints identically across runs", func() {
		a := s.build(sampleMIME)
		b, err := Build(Input{
			RawMIME:         []byte(sampleMIME),
			MessageID:       "m2",
			RunID:           "r9",
			IngestedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			ReceivedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			IngestionSource: "m365",
			RawMIMEURI:      "raw/other",
			RawMIMESHA256:   determinism.SHA256Text(sampleMIME),
			AttachmentIDs:   []string{"att-1"},
		})
		s.Require().NoError(err)
		s.Equal(a.Fingerprint, b.Fingerprint)
	})

	s.Run("body change flips the fingerprint", func() {
		a := s.build(sampleMIME)
		b := s.build(strings.Replace(sampleMIME, "beschädigt", "zerstört", 1))
		s.NotEqual(a.Fingerprint, b.Fingerprint)
	})

	s.Run("attachment order does not matter", func() {
		mk := func(ids []string) string {
			nm, err := Build(Input{
				RawMIME:         []byte(sampleMIME),
				MessageID:       "m3",
				RunID:           "r1",
				IngestedAt:      time.Now(),
				ReceivedAt:      time.Now(),
				IngestionSource: "imap",
				RawMIMEURI:      "raw/x",
				RawMIMESHA256:   determinism.SHA256Text(sampleMIME),
				AttachmentIDs:   ids,
			})
			s.Require().NoError(err)
			return nm.Fingerprint
		}
		s.Equal(mk([]string{"a", "b"}), mk([]string{"b", "a"}))
	})
}

func TestFingerprintTextStripsQuotedReplies(t *testing.T) {
	body := "Danke für die Info.\n\nAm 01.06.2024 schrieb Max Muster <max@example.at>:\n> alter text\n> noch mehr"
	got := FingerprintText(body)
	require.Equal(t, "danke für die info.", got)

	require.Equal(t, "neue zeile", FingerprintText("Neue   Zeile\n> zitat"))
}

func TestVerifyRawMIME(t *testing.T) {
	raw := []byte(sampleMIME)
	nm := &Message{RawMIMESHA256: determinism.SHA256(raw)}
	require.NoError(t, VerifyRawMIME(nm, raw))
	require.Error(t, VerifyRawMIME(nm, append(raw, 'x')))
}
