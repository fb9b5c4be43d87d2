// Package config defines the kestrel configuration schema and its
// load/save/override machinery. The on-disk format is JSON5 so operators
// can keep comments in config.json; everything written back out by Save
// is plain JSON.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Config is the root configuration document.
type Config struct {
	Agents        AgentsConfig        `json:"agents"`
	Channels      ChannelsConfig      `json:"channels"`
	Providers     ProvidersConfig     `json:"providers"`
	Gateway       GatewayConfig       `json:"gateway"`
	Tools         ToolsConfig         `json:"tools"`
	Sessions      SessionsConfig      `json:"sessions"`
	Compression   CompressionConfig   `json:"compression,omitempty"`
	Memory        MemoryConfig        `json:"memory,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
	Database      DatabaseConfig      `json:"database,omitempty"`
	Cron          CronConfig          `json:"cron,omitempty"`
	Skills        SkillsConfig        `json:"skills,omitempty"`
	Doctor        DoctorConfig        `json:"doctor,omitempty"`
	Telemetry     TelemetryConfig     `json:"telemetry,omitempty"`
	Tailscale     TailscaleConfig     `json:"tailscale,omitempty"`
}

// AgentsConfig contains the runtime defaults for the single-agent core.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults are the knobs for the reason-act loop and its workspace.
type AgentDefaults struct {
	Workspace           string  `json:"workspace"`
	RestrictToWorkspace bool    `json:"restrict_to_workspace"`
	Provider            string  `json:"provider"`
	Model               string  `json:"model"`
	MaxTokens           int     `json:"max_tokens"`
	Temperature         float64 `json:"temperature"`
	MaxToolIterations   int     `json:"max_tool_iterations"`
	HistoryTurnLimit    int     `json:"history_turn_limit,omitempty"`

	// Loop guard thresholds for web_search dedup.
	MaxConsecutiveSearches int `json:"max_consecutive_searches,omitempty"`
	MaxTotalSearches       int `json:"max_total_searches,omitempty"`
}

// SessionsConfig controls session persistence.
type SessionsConfig struct {
	Storage          string `json:"storage"`                     // directory for session snapshots
	ConsolidateAfter int    `json:"consolidate_after,omitempty"` // messages since last archive before auto-consolidation
}

// CompressionConfig tunes the context compressor.
type CompressionConfig struct {
	Enabled           *bool   `json:"enabled,omitempty"`            // default true
	Mode              string  `json:"mode,omitempty"`               // "conservative", "balanced", "aggressive", "off"
	TokenBudgetRatio  float64 `json:"token_budget_ratio,omitempty"` // target share of the context window
	RecencyTurns      int     `json:"recency_turns,omitempty"`      // user turns kept verbatim
	SalienceThreshold float64 `json:"salience_threshold,omitempty"` // minimum fact score
	MaxFacts          int     `json:"max_facts,omitempty"`          // salient facts surfaced in the hint
	SummaryBudget     int     `json:"summary_budget,omitempty"`     // max chars for the rolling summary
}

// IsEnabled reports whether history compression is on (default true).
func (c CompressionConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// MemoryConfig controls the MEMORY.md / HISTORY.md long-term store.
type MemoryConfig struct {
	Dir string `json:"dir,omitempty"` // default: <workspace>/memory
}

// ObservabilityConfig controls the JSONL event sink.
type ObservabilityConfig struct {
	LogPath     string `json:"log_path,omitempty"`     // default: <workspace>/logs/kestrel.jsonl
	RotateBytes int64  `json:"rotate_bytes,omitempty"` // size threshold for rotation (default 10MB)
	MaxBackups  int    `json:"max_backups,omitempty"`  // rotated files kept (default 3)
}

// DatabaseConfig selects the session store backend.
// PostgresDSN is never read from config.json — env KESTREL_POSTGRES_DSN only.
type DatabaseConfig struct {
	Backend     string `json:"backend,omitempty"`     // "file" (default), "sqlite", "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"` // default: <workspace>/kestrel.db
	PostgresDSN string `json:"-"`
}

// CronConfig controls the scheduled-job subsystem.
type CronConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`    // default true
	StorePath string `json:"store_path,omitempty"` // default: <workspace>/cron/jobs.json
}

// IsEnabled reports whether cron scheduling is on (default true).
func (c CronConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// DoctorConfig controls the /doctor diagnostic mode.
type DoctorConfig struct {
	// Command names a codex-style diagnostic CLI spoken to over JSON lines.
	// Empty runs diagnostics through the normal provider path.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// SkillsConfig controls the SKILL.md loader.
type SkillsConfig struct {
	Dir   string `json:"dir,omitempty"`   // default: <workspace>/skills
	Watch *bool  `json:"watch,omitempty"` // hot-reload on fs changes (default true)
}

// WatchEnabled reports whether the fsnotify watcher should run.
func (s SkillsConfig) WatchEnabled() bool { return s.Watch == nil || *s.Watch }

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty"`     // host:port of the OTLP collector
	Protocol    string  `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool    `json:"insecure,omitempty"`     // plaintext exporter connection
	SampleRatio float64 `json:"sample_ratio,omitempty"` // 0..1, default 1.0
	ServiceName string  `json:"service_name,omitempty"` // default "kestrel"
}

// TailscaleConfig configures the optional tsnet listener for the gateway.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env KESTREL_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// WorkspacePath returns the agent workspace with ~ expanded.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// SessionStoragePath returns the session snapshot directory, defaulting
// under the workspace when unset.
func (c *Config) SessionStoragePath() string {
	if c.Sessions.Storage != "" {
		return ExpandHome(c.Sessions.Storage)
	}
	return filepath.Join(c.WorkspacePath(), "sessions")
}

// MemoryDir returns the long-term memory directory.
func (c *Config) MemoryDir() string {
	if c.Memory.Dir != "" {
		return ExpandHome(c.Memory.Dir)
	}
	return filepath.Join(c.WorkspacePath(), "memory")
}

// LogPath returns the JSONL event sink path.
func (c *Config) LogPath() string {
	if c.Observability.LogPath != "" {
		return ExpandHome(c.Observability.LogPath)
	}
	return filepath.Join(c.WorkspacePath(), "logs", "kestrel.jsonl")
}

// SQLitePath returns the sqlite database path for the sqlite backend.
func (c *Config) SQLitePath() string {
	if c.Database.SQLitePath != "" {
		return ExpandHome(c.Database.SQLitePath)
	}
	return filepath.Join(c.WorkspacePath(), "kestrel.db")
}

// CronStorePath returns the cron job store path.
func (c *Config) CronStorePath() string {
	if c.Cron.StorePath != "" {
		return ExpandHome(c.Cron.StorePath)
	}
	return filepath.Join(c.WorkspacePath(), "cron", "jobs.json")
}

// SkillsDir returns the skills directory.
func (c *Config) SkillsDir() string {
	if c.Skills.Dir != "" {
		return ExpandHome(c.Skills.Dir)
	}
	return filepath.Join(c.WorkspacePath(), "skills")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
