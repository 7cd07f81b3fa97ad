// Package config loads the orchestrator's process-wide configuration
// from YAML: store file locations, the master-key source, default
// workflow policies, engine tuning overrides, and the default agent
// command used to spawn sessions.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowforge/orchestrator/internal/workflow"
)

// Config is the top-level process configuration.
type Config struct {
	Stores      StoreConfig  `yaml:"stores"`
	MasterKey   MasterKey    `yaml:"master_key"`
	Agent       AgentConfig  `yaml:"agent"`
	Engine      EngineConfig `yaml:"engine"`
	Policies    *Policies    `yaml:"policies,omitempty"`
}

// StoreConfig locates the JSON-file-backed stores (spec §6.1).
type StoreConfig struct {
	WorkflowsPath   string `yaml:"workflows_path"`
	CredentialsPath string `yaml:"credentials_path"`
}

// MasterKey names where the credential vault's master key comes from.
// Exactly one of Env or File is expected to be set; Env takes
// precedence when both are.
type MasterKey struct {
	Env  string `yaml:"env,omitempty"`
	File string `yaml:"file,omitempty"`
}

// Resolve reads the master key from its configured source.
func (m MasterKey) Resolve() ([]byte, error) {
	if m.Env != "" {
		v, ok := os.LookupEnv(m.Env)
		if !ok || v == "" {
			return nil, fmt.Errorf("master_key.env %q is unset", m.Env)
		}
		return []byte(v), nil
	}
	if m.File != "" {
		data, err := os.ReadFile(m.File)
		if err != nil {
			return nil, fmt.Errorf("reading master_key.file: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("master_key: neither env nor file configured")
}

// AgentConfig is the default agent process the SessionSpawner execs
// for each step (spec §4.F session spawn), generalizing the teacher's
// single-preset agent command/args to a per-orchestrator default.
type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// EngineConfig overrides the engine's bounded-concurrency constants
// (spec §4.F). Zero values fall back to spec defaults in Load.
type EngineConfig struct {
	TickInterval       Duration `yaml:"tick_interval,omitempty"`
	MinPollInterval    Duration `yaml:"min_poll_interval,omitempty"`
	MaxPollInterval    Duration `yaml:"max_poll_interval,omitempty"`
	PollBackoffFactor  float64  `yaml:"poll_backoff_factor,omitempty"`
	LeaseExpiryInterval Duration `yaml:"lease_expiry_interval,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like
// "10s" or "5m", matching the teacher's settings.poll_interval pattern.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Policies is the YAML shape of default workflow policies (spec §6.4).
// It mirrors internal/workflow.Policies field-for-field with YAML tags
// so operators can override the built-in defaults; ToWorkflowPolicies
// converts it onto workflow.DefaultPolicies().
type Policies struct {
	Sessions SessionPolicies `yaml:"sessions"`
	PR       PRPolicies      `yaml:"pr"`
}

type SessionPolicies struct {
	MaxConcurrent        int      `yaml:"max_concurrent"`
	TimeoutMs            int64    `yaml:"timeout_ms"`
	MaxTokensPerStep     int      `yaml:"max_tokens_per_step"`
	MaxTokensPerWorkflow int      `yaml:"max_tokens_per_workflow"`
	AllowedModes         []string `yaml:"allowed_modes"`
}

type PRPolicies struct {
	Labels    []string `yaml:"labels"`
	Assignees []string `yaml:"assignees"`
}

// ToWorkflowPolicies converts a YAML-loaded override into the
// workflow package's Policies type, falling back to spec defaults for
// any field the operator left at its zero value.
func (p Policies) ToWorkflowPolicies() workflow.Policies {
	defaults := workflow.DefaultPolicies()
	out := defaults
	if p.Sessions.MaxConcurrent != 0 {
		out.Sessions.MaxConcurrent = p.Sessions.MaxConcurrent
	}
	if p.Sessions.TimeoutMs != 0 {
		out.Sessions.TimeoutMs = p.Sessions.TimeoutMs
	}
	if p.Sessions.MaxTokensPerStep != 0 {
		out.Sessions.MaxTokensPerStep = p.Sessions.MaxTokensPerStep
	}
	if p.Sessions.MaxTokensPerWorkflow != 0 {
		out.Sessions.MaxTokensPerWorkflow = p.Sessions.MaxTokensPerWorkflow
	}
	if p.Sessions.AllowedModes != nil {
		out.Sessions.AllowedModes = p.Sessions.AllowedModes
	}
	if p.PR.Labels != nil {
		out.PR.Labels = p.PR.Labels
	}
	if p.PR.Assignees != nil {
		out.PR.Assignees = p.PR.Assignees
	}
	return out
}

// Default engine tuning constants (spec §4.F "Bounded concurrency constants").
const (
	DefaultTickInterval        = 5 * time.Second
	DefaultMinPollInterval     = 5 * time.Second
	DefaultMaxPollInterval     = 30 * time.Second
	DefaultPollBackoffFactor   = 1.5
	DefaultLeaseExpiryInterval = 60 * time.Second
)

// Load reads, parses, and defaults a Config from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if cfg.Stores.WorkflowsPath == "" {
		cfg.Stores.WorkflowsPath = "data/workflows.json"
	}
	if cfg.Stores.CredentialsPath == "" {
		cfg.Stores.CredentialsPath = "data/credentials.json"
	}
	if cfg.Engine.TickInterval == 0 {
		cfg.Engine.TickInterval = Duration(DefaultTickInterval)
	}
	if cfg.Engine.MinPollInterval == 0 {
		cfg.Engine.MinPollInterval = Duration(DefaultMinPollInterval)
	}
	if cfg.Engine.MaxPollInterval == 0 {
		cfg.Engine.MaxPollInterval = Duration(DefaultMaxPollInterval)
	}
	if cfg.Engine.PollBackoffFactor == 0 {
		cfg.Engine.PollBackoffFactor = DefaultPollBackoffFactor
	}
	if cfg.Engine.LeaseExpiryInterval == 0 {
		cfg.Engine.LeaseExpiryInterval = Duration(DefaultLeaseExpiryInterval)
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}

	return &cfg, nil
}

// Validate returns every validation error found rather than
// fail-fast, matching the teacher's Validate/ValidateGates pattern.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Stores.WorkflowsPath == "" {
		errs = append(errs, fmt.Errorf("stores.workflows_path is required"))
	}
	if cfg.Stores.CredentialsPath == "" {
		errs = append(errs, fmt.Errorf("stores.credentials_path is required"))
	}
	if cfg.MasterKey.Env == "" && cfg.MasterKey.File == "" {
		errs = append(errs, fmt.Errorf("master_key: one of env or file is required"))
	}
	if cfg.Agent.Command == "" {
		errs = append(errs, fmt.Errorf("agent.command is required"))
	}
	if cfg.Engine.PollBackoffFactor <= 1.0 {
		errs = append(errs, fmt.Errorf("engine.poll_backoff_factor must be > 1.0"))
	}
	if cfg.Engine.MinPollInterval.Duration() > cfg.Engine.MaxPollInterval.Duration() {
		errs = append(errs, fmt.Errorf("engine.min_poll_interval must not exceed max_poll_interval"))
	}

	return errs
}
