package config

// ChannelsConfig contains per-channel configuration. Slack and Feishu are
// probed by the health aggregator but have no adapter yet; their sections
// exist so a misconfigured enable flag is caught by `kestrel doctor`.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Slack    SlackConfig    `json:"slack"`
	Feishu   FeishuConfig   `json:"feishu"`
}

// TelegramConfig configures the Telegram long-polling adapter.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	Proxy     string   `json:"proxy,omitempty"`
	AllowFrom []string `json:"allow_from,omitempty"`
}

// DiscordConfig configures the Discord gateway adapter.
type DiscordConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from,omitempty"`
}

// WhatsAppConfig configures the WhatsApp bridge websocket client.
type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled"`
	BridgeURL string   `json:"bridge_url"`
	AllowFrom []string `json:"allow_from,omitempty"`
}

// SlackConfig holds Slack credentials (health probing only).
type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

// FeishuConfig holds Feishu credentials (health probing only).
type FeishuConfig struct {
	Enabled   bool   `json:"enabled"`
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

// ProvidersConfig holds LLM provider credentials.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

// ProviderConfig is one provider's credentials. BaseURL only applies to
// OpenAI-compatible endpoints (local inference servers, proxies).
type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
}

// HasAnyProvider reports whether at least one provider key is configured.
func (c *Config) HasAnyProvider() bool {
	return c.Providers.Anthropic.APIKey != "" || c.Providers.OpenAI.APIKey != ""
}

// GatewayConfig controls the control-plane HTTP/WebSocket server.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"`           // bearer token for /api and /ws auth
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket CORS whitelist (empty = allow all)
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`  // per-client request cap (0 = disabled)
}

// ToolsConfig controls tool availability and the web tool backends.
type ToolsConfig struct {
	Deny        []string                    `json:"deny,omitempty"`         // tool names removed from the registry
	ExecTimeout int                         `json:"exec_timeout,omitempty"` // seconds before exec SIGTERM (default 60)
	ExecAllow   []string                    `json:"exec_allow,omitempty"`   // allowlist prefixes; empty = all commands pass sanitizer only
	ExecDeny    []string                    `json:"exec_deny,omitempty"`    // extra sanitizer patterns (regexp)
	Web         WebToolsConfig              `json:"web"`
	Browser     BrowserToolConfig           `json:"browser"`
	MCPServers  map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`
}

// WebToolsConfig configures web_search backends.
type WebToolsConfig struct {
	Brave      BraveConfig      `json:"brave"`
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo"`
	FetchMax   int              `json:"fetch_max_chars,omitempty"` // web_fetch truncation (default 50000)
}

// BraveConfig configures the Brave search backend.
type BraveConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"api_key"`
	MaxResults int    `json:"max_results,omitempty"`
}

// DuckDuckGoConfig configures the keyless DuckDuckGo fallback.
type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled"`
	MaxResults int  `json:"max_results,omitempty"`
}

// BrowserToolConfig controls the rod-based browser tool.
type BrowserToolConfig struct {
	Enabled  bool `json:"enabled"`
	Headless bool `json:"headless,omitempty"`
}

// MCPServerConfig configures one external MCP server connection.
type MCPServerConfig struct {
	Transport  string            `json:"transport"`             // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`     // stdio: command to spawn
	Args       []string          `json:"args,omitempty"`        // stdio: command arguments
	Env        map[string]string `json:"env,omitempty"`         // stdio: extra environment variables
	URL        string            `json:"url,omitempty"`         // sse/http: server URL
	Headers    map[string]string `json:"headers,omitempty"`     // sse/http: extra HTTP headers
	Enabled    *bool             `json:"enabled,omitempty"`     // default true
	ToolPrefix string            `json:"tool_prefix,omitempty"` // prefix for tool names
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per-call timeout (default 60)
}

// IsEnabled reports whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
