package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"intake/internal/classify"
)

// =============================================================================
// Config Snapshot Suite
// =============================================================================

type ConfigSuite struct {
	suite.Suite
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

const minimalYAML = `
system_id: intake-test
spec_semver: 1.0.0
determinism_mode: true
routing:
  ruleset_path: configs/rulesets/default.yaml
timeouts:
  directory: 2s
  llm: 20s
`

func (s *ConfigSuite) TestParse() {
	snap, err := Parse([]byte(minimalYAML))
	s.Require().NoError(err)

	s.Run("snapshot is digest-pinned", func() {
		s.NotEmpty(snap.SHA256)
		again, err := Parse([]byte(minimalYAML))
		s.Require().NoError(err)
		s.Equal(snap.SHA256, again.SHA256)
	})

	s.Run("durations decode from strings", func() {
		s.Equal(2*time.Second, snap.Timeouts.Directory.Std())
		s.Equal(20*time.Second, snap.Timeouts.LLM.Std())
	})

	s.Run("omitted sections keep defaults", func() {
		s.Equal(classify.ModeBaseline, snap.Classification.Mode)
		s.Equal(0.72, snap.Classification.Accept.PrimaryIntent)
		s.Equal(3, snap.Identity.TopK)
		s.Equal(10*time.Second, snap.Timeouts.CaseAdapter.Std())
	})

	s.Run("binding carries the pin", func() {
		b := snap.Binding()
		s.Equal("intake-test", b.SystemID)
		s.Equal(snap.SHA256, b.ConfigSHA256)
		s.True(b.DeterminismMode)
	})
}

func (s *ConfigSuite) TestParseRejects() {
	s.Run("missing system id", func() {
		_, err := Parse([]byte("spec_semver: 1.0.0\nrouting:\n  ruleset_path: x\n"))
		s.Error(err)
	})

	s.Run("missing ruleset path", func() {
		_, err := Parse([]byte("system_id: x\nspec_semver: 1.0.0\n"))
		s.Error(err)
	})

	s.Run("invalid pipeline mode", func() {
		_, err := Parse([]byte("system_id: x\nspec_semver: 1.0.0\nclassification:\n  mode: CHAOS\nrouting:\n  ruleset_path: x\n"))
		s.Error(err)
	})

	s.Run("invalid duration", func() {
		_, err := Parse([]byte("system_id: x\nspec_semver: 1.0.0\nrouting:\n  ruleset_path: x\ntimeouts:\n  directory: soon\n"))
		s.Error(err)
	})
}
