// Package config loads and validates the daemon's configuration record
// (§6), the way the pack's capture-agent loads its GlobalConfig: viper for
// file/env merging, strict unmarshalling so a typo'd key fails loudly
// instead of silently no-op'ing (§9 Design Note: "unknown fields are
// rejected at load time").
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Thresholds is the per-mode admission ceiling the Usage Tracker enforces.
type Thresholds struct {
	MaxTokensPerTask   int64   `mapstructure:"max_tokens_per_task" yaml:"max_tokens_per_task"`
	MaxCostPerTask     float64 `mapstructure:"max_cost_per_task" yaml:"max_cost_per_task"`
	MaxConcurrentTasks int     `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
}

// OffHoursPolicy resolves the open question in §9: whether off-hours pauses
// everything (inactive) or runs under the base limits (base_limits).
type OffHoursPolicy string

const (
	OffHoursInactive    OffHoursPolicy = "inactive"
	OffHoursBaseLimits  OffHoursPolicy = "base_limits"
)

// LimitsConfig holds the base limits used when time-based usage is disabled
// or (under OffHoursInactive) during off-hours.
type LimitsConfig struct {
	MaxConcurrentTasks int     `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	MaxTokensPerTask   int64   `mapstructure:"max_tokens_per_task" yaml:"max_tokens_per_task"`
	MaxCostPerTask     float64 `mapstructure:"max_cost_per_task" yaml:"max_cost_per_task"`
	DailyBudget        float64 `mapstructure:"daily_budget" yaml:"daily_budget"`
}

// TimeBasedUsageConfig configures the Time-Window Scheduler (§4.D).
type TimeBasedUsageConfig struct {
	Enabled                    bool           `mapstructure:"enabled" yaml:"enabled"`
	DayModeHours               []int          `mapstructure:"day_mode_hours" yaml:"day_mode_hours"`
	NightModeHours              []int          `mapstructure:"night_mode_hours" yaml:"night_mode_hours"`
	DayModeThresholds           Thresholds     `mapstructure:"day_mode_thresholds" yaml:"day_mode_thresholds"`
	NightModeThresholds         Thresholds     `mapstructure:"night_mode_thresholds" yaml:"night_mode_thresholds"`
	DayModeCapacityThreshold    float64        `mapstructure:"day_mode_capacity_threshold" yaml:"day_mode_capacity_threshold"`
	NightModeCapacityThreshold  float64        `mapstructure:"night_mode_capacity_threshold" yaml:"night_mode_capacity_threshold"`
	OffHoursPolicy              OffHoursPolicy `mapstructure:"off_hours_policy" yaml:"off_hours_policy"`
	// CircuitBreakerQueueThreshold enables an additional backpressure pause
	// once activeCount exceeds it; 0 (the default) disables the breaker
	// entirely, leaving shouldPauseTasks's off-hours/capacity/concurrency
	// checks as the only pause signals.
	CircuitBreakerQueueThreshold int `mapstructure:"circuit_breaker_queue_threshold" yaml:"circuit_breaker_queue_threshold"`
}

// SessionRecoveryConfig bounds auto-resume attempts per task.
type SessionRecoveryConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled"`
	MaxResumeAttempts int  `mapstructure:"max_resume_attempts" yaml:"max_resume_attempts"`
}

// DaemonConfig configures the process runner (§4.H).
type DaemonConfig struct {
	PollIntervalMs        int                   `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	MonitorPollIntervalMs int                   `mapstructure:"monitor_poll_interval_ms" yaml:"monitor_poll_interval_ms"`
	SessionRecovery       SessionRecoveryConfig `mapstructure:"session_recovery" yaml:"session_recovery"`
	ShutdownDeadlineMs    int                   `mapstructure:"shutdown_deadline_ms" yaml:"shutdown_deadline_ms"`
	WatchdogMemoryCapMB   int                   `mapstructure:"watchdog_memory_cap_mb" yaml:"watchdog_memory_cap_mb"`
	WatchdogMaxTicks      int                   `mapstructure:"watchdog_max_ticks" yaml:"watchdog_max_ticks"`
	RestartHistoryLimit   int                   `mapstructure:"restart_history_limit" yaml:"restart_history_limit"`
}

// WorktreeConfig is read by core only for PreserveOnFailure; the rest is
// opaque configuration for the out-of-scope workspace collaborator.
type WorktreeConfig struct {
	CleanupDelayMs    int  `mapstructure:"cleanup_delay_ms" yaml:"cleanup_delay_ms"`
	PreserveOnFailure bool `mapstructure:"preserve_on_failure" yaml:"preserve_on_failure"`
	MaxWorktrees      int  `mapstructure:"max_worktrees" yaml:"max_worktrees"`
}

type GitConfig struct {
	Worktree WorktreeConfig `mapstructure:"worktree" yaml:"worktree"`
}

type WorkspaceConfig struct {
	CleanupOnComplete bool `mapstructure:"cleanup_on_complete" yaml:"cleanup_on_complete"`
}

// StoreConfig selects and configures the Store Adapter backend.
type StoreConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"` // memory | postgres | redis
	DSN        string `mapstructure:"dsn" yaml:"dsn"`
	RedisAddr  string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB    int    `mapstructure:"redis_db" yaml:"redis_db"`
}

// HAConfig gates the optional leader-election supplement described in
// SPEC_FULL.md's HA section; disabled by default (single-process model).
type HAConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	LockKey        string `mapstructure:"lock_key" yaml:"lock_key"`
	LeaseTTLMs     int    `mapstructure:"lease_ttl_ms" yaml:"lease_ttl_ms"`
	RenewIntervalMs int   `mapstructure:"renew_interval_ms" yaml:"renew_interval_ms"`
}

// AgentDriverConfig points at the external agent-driver endpoint; the driver
// itself is out of scope (§9), but the daemon still needs to know where to
// send stages.
type AgentDriverConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	TimeoutMs int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

// Config is the full validated daemon configuration, per §6.
type Config struct {
	Limits        LimitsConfig         `mapstructure:"limits" yaml:"limits"`
	TimeBasedUsage TimeBasedUsageConfig `mapstructure:"time_based_usage" yaml:"time_based_usage"`
	Daemon        DaemonConfig         `mapstructure:"daemon" yaml:"daemon"`
	Workspace     WorkspaceConfig      `mapstructure:"workspace" yaml:"workspace"`
	Git           GitConfig            `mapstructure:"git" yaml:"git"`
	Store         StoreConfig          `mapstructure:"store" yaml:"store"`
	HA            HAConfig             `mapstructure:"ha" yaml:"ha"`
	AgentDriver   AgentDriverConfig    `mapstructure:"agent_driver" yaml:"agent_driver"`
}

// Default returns the configuration with every default named in §6/§4.D/§4.E/§4.H applied.
func Default() *Config {
	return &Config{
		Limits: LimitsConfig{
			MaxConcurrentTasks: 3,
			MaxTokensPerTask:   200_000,
			MaxCostPerTask:     5.0,
			DailyBudget:        50.0,
		},
		TimeBasedUsage: TimeBasedUsageConfig{
			Enabled:                    false,
			DayModeHours:               []int{9, 10, 11, 12, 13, 14, 15, 16, 17},
			NightModeHours:             []int{22, 23, 0, 1, 2, 3, 4, 5, 6},
			DayModeThresholds:          Thresholds{MaxTokensPerTask: 200_000, MaxCostPerTask: 5.0, MaxConcurrentTasks: 3},
			NightModeThresholds:        Thresholds{MaxTokensPerTask: 400_000, MaxCostPerTask: 10.0, MaxConcurrentTasks: 6},
			DayModeCapacityThreshold:   0.70,
			NightModeCapacityThreshold: 0.96,
			OffHoursPolicy:             OffHoursInactive,
		},
		Daemon: DaemonConfig{
			PollIntervalMs:        5000,
			MonitorPollIntervalMs: 30000,
			SessionRecovery:       SessionRecoveryConfig{Enabled: true, MaxResumeAttempts: 3},
			ShutdownDeadlineMs:    30000,
			WatchdogMemoryCapMB:   1024,
			WatchdogMaxTicks:      3,
			RestartHistoryLimit:   10,
		},
		Workspace: WorkspaceConfig{CleanupOnComplete: true},
		Git:       GitConfig{Worktree: WorktreeConfig{CleanupDelayMs: 5000, PreserveOnFailure: false, MaxWorktrees: 8}},
		Store:     StoreConfig{Backend: "memory"},
		HA:        HAConfig{Enabled: false, LockKey: "taskforge:ha:leader", LeaseTTLMs: 15000, RenewIntervalMs: 5000},
		AgentDriver: AgentDriverConfig{Endpoint: "http://localhost:9000/execute", TimeoutMs: 0},
	}
}

// Load reads path (YAML) over the defaults, rejecting unknown keys.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Per firestige-Otus's loader.go: TASKFORGE_DAEMON_POLL_INTERVAL_MS
	// overrides daemon.poll_interval_ms, so operators can tune the daemon
	// from its environment without a file edit.
	v.SetEnvPrefix("TASKFORGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	applyDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// applyDefaults seeds viper's default layer from a Default() value so
// fields absent from the file still resolve, mirroring the teacher's
// setDefaults pattern (one SetDefault call per leaf key).
func applyDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("limits.max_concurrent_tasks", d.Limits.MaxConcurrentTasks)
	v.SetDefault("limits.max_tokens_per_task", d.Limits.MaxTokensPerTask)
	v.SetDefault("limits.max_cost_per_task", d.Limits.MaxCostPerTask)
	v.SetDefault("limits.daily_budget", d.Limits.DailyBudget)

	v.SetDefault("time_based_usage.enabled", d.TimeBasedUsage.Enabled)
	v.SetDefault("time_based_usage.day_mode_hours", d.TimeBasedUsage.DayModeHours)
	v.SetDefault("time_based_usage.night_mode_hours", d.TimeBasedUsage.NightModeHours)
	v.SetDefault("time_based_usage.day_mode_capacity_threshold", d.TimeBasedUsage.DayModeCapacityThreshold)
	v.SetDefault("time_based_usage.night_mode_capacity_threshold", d.TimeBasedUsage.NightModeCapacityThreshold)
	v.SetDefault("time_based_usage.off_hours_policy", string(d.TimeBasedUsage.OffHoursPolicy))
	v.SetDefault("time_based_usage.circuit_breaker_queue_threshold", d.TimeBasedUsage.CircuitBreakerQueueThreshold)

	v.SetDefault("daemon.poll_interval_ms", d.Daemon.PollIntervalMs)
	v.SetDefault("daemon.monitor_poll_interval_ms", d.Daemon.MonitorPollIntervalMs)
	v.SetDefault("daemon.session_recovery.enabled", d.Daemon.SessionRecovery.Enabled)
	v.SetDefault("daemon.session_recovery.max_resume_attempts", d.Daemon.SessionRecovery.MaxResumeAttempts)
	v.SetDefault("daemon.shutdown_deadline_ms", d.Daemon.ShutdownDeadlineMs)
	v.SetDefault("daemon.watchdog_memory_cap_mb", d.Daemon.WatchdogMemoryCapMB)
	v.SetDefault("daemon.watchdog_max_ticks", d.Daemon.WatchdogMaxTicks)
	v.SetDefault("daemon.restart_history_limit", d.Daemon.RestartHistoryLimit)

	v.SetDefault("workspace.cleanup_on_complete", d.Workspace.CleanupOnComplete)
	v.SetDefault("git.worktree.cleanup_delay_ms", d.Git.Worktree.CleanupDelayMs)
	v.SetDefault("git.worktree.preserve_on_failure", d.Git.Worktree.PreserveOnFailure)
	v.SetDefault("git.worktree.max_worktrees", d.Git.Worktree.MaxWorktrees)

	v.SetDefault("store.backend", d.Store.Backend)

	v.SetDefault("ha.enabled", d.HA.Enabled)
	v.SetDefault("ha.lock_key", d.HA.LockKey)
	v.SetDefault("ha.lease_ttl_ms", d.HA.LeaseTTLMs)
	v.SetDefault("ha.renew_interval_ms", d.HA.RenewIntervalMs)

	v.SetDefault("agent_driver.endpoint", d.AgentDriver.Endpoint)
	v.SetDefault("agent_driver.timeout_ms", d.AgentDriver.TimeoutMs)
}

// Validate enforces the range/enum constraints implied by §4.D/§6.
func (c *Config) Validate() error {
	for _, h := range c.TimeBasedUsage.DayModeHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("time_based_usage.day_mode_hours: %d out of range 0..23", h)
		}
	}
	for _, h := range c.TimeBasedUsage.NightModeHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("time_based_usage.night_mode_hours: %d out of range 0..23", h)
		}
	}
	if c.TimeBasedUsage.DayModeCapacityThreshold <= 0 || c.TimeBasedUsage.DayModeCapacityThreshold > 1 {
		return fmt.Errorf("time_based_usage.day_mode_capacity_threshold must be in (0, 1]")
	}
	if c.TimeBasedUsage.NightModeCapacityThreshold <= 0 || c.TimeBasedUsage.NightModeCapacityThreshold > 1 {
		return fmt.Errorf("time_based_usage.night_mode_capacity_threshold must be in (0, 1]")
	}
	switch c.TimeBasedUsage.OffHoursPolicy {
	case OffHoursInactive, OffHoursBaseLimits, "":
	default:
		return fmt.Errorf("time_based_usage.off_hours_policy: invalid value %q", c.TimeBasedUsage.OffHoursPolicy)
	}
	if c.Daemon.PollIntervalMs <= 0 {
		return fmt.Errorf("daemon.poll_interval_ms must be positive")
	}
	if c.Daemon.MonitorPollIntervalMs < 1000 {
		return fmt.Errorf("daemon.monitor_poll_interval_ms must be at least 1000 (§4.E: at most every second)")
	}
	if c.Daemon.ShutdownDeadlineMs <= 0 {
		return fmt.Errorf("daemon.shutdown_deadline_ms must be positive")
	}
	switch c.Store.Backend {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("store.backend: invalid value %q", c.Store.Backend)
	}
	if c.AgentDriver.Endpoint == "" {
		return fmt.Errorf("agent_driver.endpoint must not be empty")
	}
	return nil
}
