// Package config holds the orchestrator's tunable runtime parameters —
// worker pool sizing, lock and guardian timing — loaded from environment
// variables with production-ready defaults, in the shape of the teacher's
// pkg/config.QueueConfig.
package config

import (
	"os"
	"strconv"
	"time"
)

// OrchestratorConfig controls the worker-pool poll loop (pkg/orchestrator).
type OrchestratorConfig struct {
	WorkerCount   int
	PollInterval  time.Duration
	ErrorBackoff  time.Duration
}

// DefaultOrchestratorConfig returns the built-in orchestrator defaults.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		WorkerCount:  4,
		PollInterval: 500 * time.Millisecond,
		ErrorBackoff: 1 * time.Second,
	}
}

// LoadOrchestratorConfigFromEnv overlays environment variables onto the
// defaults.
func LoadOrchestratorConfigFromEnv() (*OrchestratorConfig, error) {
	cfg := DefaultOrchestratorConfig()

	if v := os.Getenv("ORCHESTRATOR_WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		cfg.WorkerCount = n
	}
	if v := os.Getenv("ORCHESTRATOR_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		cfg.PollInterval = d
	}
	if v := os.Getenv("ORCHESTRATOR_ERROR_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		cfg.ErrorBackoff = d
	}
	return cfg, nil
}

// LockConfig controls pkg/lockmanager's expiry sweep.
type LockConfig struct {
	DefaultTTL     time.Duration
	SweepInterval  time.Duration
}

// DefaultLockConfig returns the built-in lock-manager defaults.
func DefaultLockConfig() *LockConfig {
	return &LockConfig{
		DefaultTTL:    30 * time.Minute,
		SweepInterval: 1 * time.Minute,
	}
}

// LoadLockConfigFromEnv overlays environment variables onto the defaults.
func LoadLockConfigFromEnv() (*LockConfig, error) {
	cfg := DefaultLockConfig()

	if v := os.Getenv("LOCK_DEFAULT_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		cfg.DefaultTTL = d
	}
	if v := os.Getenv("LOCK_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		cfg.SweepInterval = d
	}
	return cfg, nil
}

// GuardianConfig controls pkg/guardian's scan cadence and thresholds.
type GuardianConfig struct {
	ScanInterval      time.Duration
	HeartbeatMaxAge   time.Duration
	AlignmentMinScore float64
	StuckMultiple     float64
}

// DefaultGuardianConfig returns the built-in guardian defaults, matching
// the values named in the specification.
func DefaultGuardianConfig() *GuardianConfig {
	return &GuardianConfig{
		ScanInterval:      60 * time.Second,
		HeartbeatMaxAge:   90 * time.Second,
		AlignmentMinScore: 0.4,
		StuckMultiple:     3.0,
	}
}

// LoadGuardianConfigFromEnv overlays environment variables onto the
// defaults.
func LoadGuardianConfigFromEnv() (*GuardianConfig, error) {
	cfg := DefaultGuardianConfig()

	if v := os.Getenv("GUARDIAN_SCAN_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		cfg.ScanInterval = d
	}
	if v := os.Getenv("GUARDIAN_HEARTBEAT_MAX_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		cfg.HeartbeatMaxAge = d
	}
	if v := os.Getenv("GUARDIAN_ALIGNMENT_MIN_SCORE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, err
		}
		cfg.AlignmentMinScore = f
	}
	if v := os.Getenv("GUARDIAN_STUCK_MULTIPLE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, err
		}
		cfg.StuckMultiple = f
	}
	return cfg, nil
}

// MergeConfig controls pkg/merge's conflict-retry budget.
type MergeConfig struct {
	MaxAttemptsPerSource int
}

// DefaultMergeConfig returns the built-in merge defaults.
func DefaultMergeConfig() *MergeConfig {
	return &MergeConfig{MaxAttemptsPerSource: 3}
}

// LoadMergeConfigFromEnv overlays environment variables onto the defaults.
func LoadMergeConfigFromEnv() (*MergeConfig, error) {
	cfg := DefaultMergeConfig()
	if v := os.Getenv("MERGE_MAX_ATTEMPTS_PER_SOURCE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		cfg.MaxAttemptsPerSource = n
	}
	return cfg, nil
}

// SandboxConfig controls pkg/sandbox's concurrency ceiling and workspace
// root.
type SandboxConfig struct {
	WorkspaceRoot string
	MaxConcurrent int
}

// DefaultSandboxConfig returns the built-in sandbox defaults.
func DefaultSandboxConfig() *SandboxConfig {
	return &SandboxConfig{
		WorkspaceRoot: "/workspace/sandboxes",
		MaxConcurrent: 10,
	}
}

// LoadSandboxConfigFromEnv overlays environment variables onto the
// defaults.
func LoadSandboxConfigFromEnv() (*SandboxConfig, error) {
	cfg := DefaultSandboxConfig()
	if v := os.Getenv("SANDBOX_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("SANDBOX_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		cfg.MaxConcurrent = n
	}
	return cfg, nil
}
