// Package config loads the immutable configuration snapshot. A snapshot is
// read once, digest-pinned, and passed explicitly; reloads produce a new
// snapshot with a new SHA256 that in-flight runs never observe.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"intake/internal/classify"
	"intake/internal/determinism"
	"intake/internal/extract"
	"intake/internal/identity"
	"intake/internal/incident"
	"intake/internal/retention"
)

// Duration decodes YAML duration strings ("2s", "20s") or raw nanosecond
// integers into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LLMSettings configure the provider and its budget.
type LLMSettings struct {
	Enabled        bool    `yaml:"enabled"`
	Provider       string  `yaml:"provider"`
	BaseURL        string  `yaml:"base_url"`
	APIKeyEnv      string  `yaml:"api_key_env"`
	ModelID        string  `yaml:"model_id"`
	MaxCallsPerDay int     `yaml:"max_calls_per_day"`
	Temperature    float64 `yaml:"temperature"`
	TopP           float64 `yaml:"top_p"`
	MaxTokens      int     `yaml:"max_tokens"`
}

// Timeouts are the per-call deadlines for external I/O.
type Timeouts struct {
	Directory   Duration `yaml:"directory"`
	LLM         Duration `yaml:"llm"`
	CaseAdapter Duration `yaml:"case_adapter"`
	Store       Duration `yaml:"store"`
}

// ServerSettings configure the HTTP surfaces.
type ServerSettings struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// PostgresSettings configure the durable stores.
type PostgresSettings struct {
	DSN string `yaml:"dsn"`
}

// RedisSettings configure cache and lease backends.
type RedisSettings struct {
	URL          string   `yaml:"url"`
	PoolSize     int      `yaml:"pool_size"`
	MinIdleConns int      `yaml:"min_idle_conns"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// KafkaSettings configure the broker transport.
type KafkaSettings struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	DLQTopic string   `yaml:"dlq_topic"`
	Group    string   `yaml:"group"`
}

// RoutingSettings locate the decision table.
type RoutingSettings struct {
	RulesetPath string `yaml:"ruleset_path"`
}

// Snapshot is the process-wide immutable configuration.
type Snapshot struct {
	SystemID        string           `yaml:"system_id"`
	SpecSemver      string           `yaml:"spec_semver"`
	DeterminismMode bool             `yaml:"determinism_mode"`
	WorkerCount     int              `yaml:"worker_count"`
	Identity        identity.Config  `yaml:"identity"`
	Classification  classify.Config  `yaml:"classification"`
	Extraction      extract.Config   `yaml:"extraction"`
	Routing         RoutingSettings  `yaml:"routing"`
	Incident        incident.Gates   `yaml:"incident"`
	Retention       retention.Policy `yaml:"retention"`
	LLM             LLMSettings      `yaml:"llm"`
	Timeouts        Timeouts         `yaml:"timeouts"`
	Server          ServerSettings   `yaml:"server"`
	Postgres        PostgresSettings `yaml:"postgres"`
	Redis           RedisSettings    `yaml:"redis"`
	Kafka           KafkaSettings    `yaml:"kafka"`

	// Path and SHA256 pin the snapshot; set by Load, never by YAML.
	Path   string `yaml:"-"`
	SHA256 string `yaml:"-"`
}

// Load reads, validates, and digest-pins a snapshot file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	snap, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	snap.Path = path
	return snap, nil
}

// Parse decodes and validates snapshot bytes. Defaults fill in everything
// behavior-neutral; required identity/classification knobs fall back to the
// package defaults.
func Parse(data []byte) (*Snapshot, error) {
	snap := &Snapshot{
		Identity:       identity.DefaultConfig(),
		Classification: classify.DefaultConfig(),
	}
	if err := yaml.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if snap.SystemID == "" {
		return nil, fmt.Errorf("system_id is required")
	}
	if snap.SpecSemver == "" {
		return nil, fmt.Errorf("spec_semver is required")
	}
	if !snap.Classification.Mode.IsValid() {
		return nil, fmt.Errorf("classification.mode must be BASELINE or LLM_FIRST")
	}
	if snap.Routing.RulesetPath == "" {
		return nil, fmt.Errorf("routing.ruleset_path is required")
	}
	if snap.WorkerCount <= 0 {
		snap.WorkerCount = 4
	}
	applyTimeoutDefaults(&snap.Timeouts)
	snap.SHA256 = determinism.SHA256(data)
	return snap, nil
}

func applyTimeoutDefaults(t *Timeouts) {
	if t.Directory <= 0 {
		t.Directory = Duration(2 * time.Second)
	}
	if t.LLM <= 0 {
		t.LLM = Duration(20 * time.Second)
	}
	if t.CaseAdapter <= 0 {
		t.CaseAdapter = Duration(10 * time.Second)
	}
	if t.Store <= 0 {
		t.Store = Duration(5 * time.Second)
	}
}

// Binding returns the determinism binding every decision input embeds.
func (s *Snapshot) Binding() determinism.Binding {
	return determinism.Binding{
		SystemID:        s.SystemID,
		SpecSemver:      s.SpecSemver,
		ConfigPath:      s.Path,
		ConfigSHA256:    s.SHA256,
		DeterminismMode: s.DeterminismMode,
	}
}

// PathFromEnv resolves the config file path, defaulting to configs/dev.yaml.
func PathFromEnv() string {
	if p := os.Getenv("INTAKE_CONFIG"); p != "" {
		return p
	}
	return "configs/dev.yaml"
}
