package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:              "~/.kestrel/workspace",
				RestrictToWorkspace:    true,
				Provider:               "",
				Model:                  "claude-sonnet-4-5",
				MaxTokens:              8192,
				Temperature:            0.7,
				MaxToolIterations:      40,
				HistoryTurnLimit:       50,
				MaxConsecutiveSearches: 2,
				MaxTotalSearches:       4,
			},
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18790,
			RateLimitRPM: 20,
		},
		Tools: ToolsConfig{
			ExecTimeout: 60,
			Web: WebToolsConfig{
				DuckDuckGo: DuckDuckGoConfig{Enabled: true, MaxResults: 5},
			},
			Browser: BrowserToolConfig{Headless: true},
		},
		Sessions: SessionsConfig{
			ConsolidateAfter: 40,
		},
		Compression: CompressionConfig{
			Mode:              "balanced",
			TokenBudgetRatio:  0.65,
			RecencyTurns:      6,
			SalienceThreshold: 0.7,
			MaxFacts:          12,
			SummaryBudget:     1400,
		},
		Observability: ObservabilityConfig{
			RotateBytes: 10 << 20,
			MaxBackups:  3,
		},
		Database: DatabaseConfig{
			Backend: "file",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			SampleRatio: 1.0,
			ServiceName: "kestrel",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults plus env overrides, not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("KESTREL_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("KESTREL_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("KESTREL_OPENAI_BASE_URL", &c.Providers.OpenAI.BaseURL)
	envStr("KESTREL_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("KESTREL_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("KESTREL_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("KESTREL_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("KESTREL_BRAVE_API_KEY", &c.Tools.Web.Brave.APIKey)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}
	if c.Tools.Web.Brave.APIKey != "" {
		c.Tools.Web.Brave.Enabled = true
	}

	envStr("KESTREL_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("KESTREL_MODEL", &c.Agents.Defaults.Model)
	envStr("KESTREL_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("KESTREL_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("KESTREL_LOG_PATH", &c.Observability.LogPath)

	envStr("KESTREL_HOST", &c.Gateway.Host)
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("KESTREL_DB_BACKEND", &c.Database.Backend)
	envStr("KESTREL_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("KESTREL_POSTGRES_DSN", &c.Database.PostgresDSN)
	if c.Database.PostgresDSN != "" && os.Getenv("KESTREL_DB_BACKEND") == "" && c.Database.Backend == "file" {
		c.Database.Backend = "postgres"
	}

	envStr("KESTREL_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("KESTREL_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("KESTREL_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("KESTREL_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("KESTREL_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	envStr("KESTREL_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("KESTREL_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("KESTREL_TSNET_DIR", &c.Tailscale.StateDir)
}

// Save writes the config to a JSON file with owner-only permissions.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields
// masked. Used by the gateway /api/config surface and `kestrel doctor`
// output so secrets never leave the process.
func (c *Config) MaskedCopy() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Channels.Slack.BotToken)
	maskNonEmpty(&cp.Channels.Slack.AppToken)
	maskNonEmpty(&cp.Channels.Feishu.AppID)
	maskNonEmpty(&cp.Channels.Feishu.AppSecret)
	maskNonEmpty(&cp.Tools.Web.Brave.APIKey)
	maskNonEmpty(&cp.Tailscale.AuthKey)

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
