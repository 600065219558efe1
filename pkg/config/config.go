// Package config holds orchestrator configuration. All values are explicit
// and passed through constructors; nothing is process-global. Environment
// loading follows the conventional AGENTMUX_* names with defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the top-level orchestrator configuration.
type Config struct {
	// WorkspaceBase is the on-disk directory holding per-task workspaces
	// and the per-workspace state store.
	WorkspaceBase string

	// HTTPPort serves the RPC surface, dashboard query API, and WebSocket.
	HTTPPort string

	// LLMCommand launches the headless LLM subprocess inside a session.
	// %PROMPT% and %STREAM% are substituted with the prompt file and
	// stream-log paths.
	LLMCommand string

	// LLMBinaryName identifies agent processes in cmdline scans.
	LLMBinaryName string

	Health   HealthConfig
	Review   ReviewConfig
	Limits   LimitsConfig
	Cleanup  CleanupConfig
	Context  ContextConfig
	Handover HandoverConfig
}

// HealthConfig tunes the health daemon.
type HealthConfig struct {
	ScanInterval   time.Duration
	StuckThreshold time.Duration
	// GlobalScanEvery is the scan cadence of the cross-workspace pass.
	GlobalScanEvery int
}

// ReviewConfig tunes auto-review.
type ReviewConfig struct {
	NumReviewers int
	ReviewerType string
}

// LimitsConfig provides the default task limits.
type LimitsConfig struct {
	MaxAgents     int
	MaxConcurrent int
	MaxDepth      int
}

// CleanupConfig tunes resource cleanup after terminal transitions.
type CleanupConfig struct {
	// KeepLogs archives logs instead of deleting them.
	KeepLogs bool
	// StabilityWait is how long a log file's size must hold before it is
	// archived, to avoid racing a writer.
	StabilityWait time.Duration
}

// ContextConfig tunes the context accumulator.
type ContextConfig struct {
	MaxTokens int
}

// HandoverConfig tunes handover generation.
type HandoverConfig struct {
	MaxTokens int
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		WorkspaceBase: ".agent-workspace",
		HTTPPort:      "8420",
		LLMCommand:    "claude -p --output-format stream-json --verbose < %PROMPT% > %STREAM% 2>&1",
		LLMBinaryName: "claude",
		Health: HealthConfig{
			ScanInterval:    30 * time.Second,
			StuckThreshold:  300 * time.Second,
			GlobalScanEvery: 5,
		},
		Review: ReviewConfig{
			NumReviewers: 2,
			ReviewerType: "reviewer",
		},
		Limits: LimitsConfig{
			MaxAgents:     10,
			MaxConcurrent: 5,
			MaxDepth:      3,
		},
		Cleanup: CleanupConfig{
			KeepLogs:      true,
			StabilityWait: 500 * time.Millisecond,
		},
		Context:  ContextConfig{MaxTokens: 2500},
		Handover: HandoverConfig{MaxTokens: 3000},
	}
}

// LoadFromEnv returns Defaults overridden by AGENTMUX_* environment
// variables.
func LoadFromEnv() (*Config, error) {
	cfg := Defaults()
	cfg.WorkspaceBase = getEnv("AGENTMUX_WORKSPACE", cfg.WorkspaceBase)
	cfg.HTTPPort = getEnv("AGENTMUX_HTTP_PORT", cfg.HTTPPort)
	cfg.LLMCommand = getEnv("AGENTMUX_LLM_COMMAND", cfg.LLMCommand)
	cfg.LLMBinaryName = getEnv("AGENTMUX_LLM_BINARY", cfg.LLMBinaryName)

	var err error
	if cfg.Health.ScanInterval, err = getDuration("AGENTMUX_SCAN_INTERVAL", cfg.Health.ScanInterval); err != nil {
		return nil, err
	}
	if cfg.Health.StuckThreshold, err = getDuration("AGENTMUX_STUCK_THRESHOLD", cfg.Health.StuckThreshold); err != nil {
		return nil, err
	}
	if cfg.Review.NumReviewers, err = getInt("AGENTMUX_NUM_REVIEWERS", cfg.Review.NumReviewers); err != nil {
		return nil, err
	}
	if cfg.Limits.MaxAgents, err = getInt("AGENTMUX_MAX_AGENTS", cfg.Limits.MaxAgents); err != nil {
		return nil, err
	}
	if cfg.Limits.MaxConcurrent, err = getInt("AGENTMUX_MAX_CONCURRENT", cfg.Limits.MaxConcurrent); err != nil {
		return nil, err
	}
	if cfg.Limits.MaxDepth, err = getInt("AGENTMUX_MAX_DEPTH", cfg.Limits.MaxDepth); err != nil {
		return nil, err
	}
	if cfg.Context.MaxTokens, err = getInt("AGENTMUX_CONTEXT_MAX_TOKENS", cfg.Context.MaxTokens); err != nil {
		return nil, err
	}
	if cfg.Handover.MaxTokens, err = getInt("AGENTMUX_HANDOVER_MAX_TOKENS", cfg.Handover.MaxTokens); err != nil {
		return nil, err
	}
	if v := os.Getenv("AGENTMUX_KEEP_LOGS"); v != "" {
		keep, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENTMUX_KEEP_LOGS: %w", err)
		}
		cfg.Cleanup.KeepLogs = keep
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
