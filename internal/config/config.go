// Package config provides RolloutConfig loading.
//
// Precedence (highest first): CLI flags (applied by the caller after Load
// returns, only for flags the user changed), ROLLOUT_* environment variables,
// rollout.yaml, built-in defaults. A missing rollout.yaml is not an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Default values for RolloutConfig fields.
const (
	DefaultAgentKind         = AgentKindCommand
	DefaultAgentCommand      = "openhands-run {prompt_file}"
	DefaultMaxAttempts       = 3
	DefaultRuntimeFolder     = "runtimes"
	DefaultManifestFile      = "tasks.json"
	DefaultTestShell         = "bash"
	DefaultPython            = "python"
	DefaultSrcDir            = "src"
	DefaultPromptDir         = ".rollout/prompts"
	DefaultLLMModel          = "claude-sonnet-4-20250514"
	DefaultCommit0Iterations = 1
)

// EnvPrefix is the prefix of environment overrides (ROLLOUT_MAX_ATTEMPTS -> max_attempts).
const EnvPrefix = "ROLLOUT_"

// Agent gateway kinds.
const (
	AgentKindCommand   = "command"
	AgentKindOpenHands = "openhands"
)

// RolloutConfig holds all configuration for a rollout run.
type RolloutConfig struct {
	AgentKind         string `koanf:"agent_kind" yaml:"agent_kind"`
	AgentCommand      string `koanf:"agent_command" yaml:"agent_command"`
	OpenHandsConfig   string `koanf:"openhands_config" yaml:"openhands_config"`
	MaxAttempts       int    `koanf:"max_attempts" yaml:"max_attempts"`
	RuntimeFolder     string `koanf:"runtime_folder" yaml:"runtime_folder"`
	ManifestFile      string `koanf:"manifest_file" yaml:"manifest_file"`
	TestShell         string `koanf:"test_shell" yaml:"test_shell"`
	Python            string `koanf:"python" yaml:"python"`
	SrcDir            string `koanf:"src_dir" yaml:"src_dir"`
	PromptDir         string `koanf:"prompt_dir" yaml:"prompt_dir"`
	LLMModel          string `koanf:"llm_model" yaml:"llm_model"`
	LLMBaseURL        string `koanf:"llm_base_url" yaml:"llm_base_url"`
	Commit0Iterations int    `koanf:"commit0_iterations" yaml:"commit0_iterations"`
	BenchParallel     bool   `koanf:"bench_parallel" yaml:"bench_parallel"`
	MetricsFile       string `koanf:"metrics_file" yaml:"metrics_file"`
	Resume            bool   `koanf:"resume" yaml:"resume"`
}

// Defaults returns a RolloutConfig populated with the built-in defaults.
func Defaults() RolloutConfig {
	return RolloutConfig{
		AgentKind:         DefaultAgentKind,
		AgentCommand:      DefaultAgentCommand,
		MaxAttempts:       DefaultMaxAttempts,
		RuntimeFolder:     DefaultRuntimeFolder,
		ManifestFile:      DefaultManifestFile,
		TestShell:         DefaultTestShell,
		Python:            DefaultPython,
		SrcDir:            DefaultSrcDir,
		PromptDir:         DefaultPromptDir,
		LLMModel:          DefaultLLMModel,
		Commit0Iterations: DefaultCommit0Iterations,
	}
}

// Load reads rollout.yaml at path, then applies ROLLOUT_* environment
// overrides. Fields absent from both keep their defaults.
func Load(path string) (*RolloutConfig, error) {
	cfg := Defaults()
	k := koanf.New(".")

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the orchestrator cannot run with.
func (c *RolloutConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Commit0Iterations < 1 {
		return fmt.Errorf("commit0_iterations must be at least 1, got %d", c.Commit0Iterations)
	}
	switch c.AgentKind {
	case AgentKindCommand:
		if strings.TrimSpace(c.AgentCommand) == "" {
			return fmt.Errorf("agent_command must not be empty when agent_kind is %q", AgentKindCommand)
		}
	case AgentKindOpenHands:
		if c.OpenHandsConfig == "" {
			c.OpenHandsConfig = os.Getenv("OPENHANDS_CONFIG_PATH")
		}
		if c.OpenHandsConfig == "" {
			return fmt.Errorf("openhands_config (or OPENHANDS_CONFIG_PATH) is required when agent_kind is %q", AgentKindOpenHands)
		}
	default:
		return fmt.Errorf("unknown agent_kind %q: supported kinds are %q and %q", c.AgentKind, AgentKindCommand, AgentKindOpenHands)
	}
	return nil
}
