package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.Agents.Defaults.MaxToolIterations != 40 {
		t.Errorf("MaxToolIterations = %d, want 40", cfg.Agents.Defaults.MaxToolIterations)
	}
	if cfg.Agents.Defaults.MaxConsecutiveSearches != 2 {
		t.Errorf("MaxConsecutiveSearches = %d, want 2", cfg.Agents.Defaults.MaxConsecutiveSearches)
	}
	if cfg.Agents.Defaults.MaxTotalSearches != 4 {
		t.Errorf("MaxTotalSearches = %d, want 4", cfg.Agents.Defaults.MaxTotalSearches)
	}
	if cfg.Database.Backend != "file" {
		t.Errorf("Database.Backend = %q, want file", cfg.Database.Backend)
	}
	if !cfg.Cron.IsEnabled() {
		t.Errorf("Cron should be enabled by default")
	}
	if !cfg.Skills.WatchEnabled() {
		t.Errorf("Skills watch should be enabled by default")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.Defaults.Model == "" {
		t.Errorf("expected default model, got empty")
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
  // provider credentials
  providers: {
    anthropic: { api_key: "sk-test" },
  },
  agents: {
    defaults: { model: "claude-opus-4", max_tool_iterations: 12 },
  },
}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Agents.Defaults.Model != "claude-opus-4" {
		t.Errorf("model = %q", cfg.Agents.Defaults.Model)
	}
	if cfg.Agents.Defaults.MaxToolIterations != 12 {
		t.Errorf("max_tool_iterations = %d, want 12", cfg.Agents.Defaults.MaxToolIterations)
	}
	// Untouched sections keep defaults.
	if cfg.Gateway.Port != 18790 {
		t.Errorf("gateway port = %d, want default 18790", cfg.Gateway.Port)
	}
}

func TestEnvOverridesAndAutoEnable(t *testing.T) {
	t.Setenv("KESTREL_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("KESTREL_MODEL", "gpt-4o")
	t.Setenv("KESTREL_PORT", "9999")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("telegram token not applied from env")
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Errorf("telegram should auto-enable when token set via env")
	}
	if cfg.Agents.Defaults.Model != "gpt-4o" {
		t.Errorf("model override not applied")
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Gateway.Port)
	}
}

func TestPostgresDSNSelectsBackend(t *testing.T) {
	t.Setenv("KESTREL_POSTGRES_DSN", "postgres://u:p@localhost/kestrel")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Backend != "postgres" {
		t.Errorf("backend = %q, want postgres when DSN set", cfg.Database.Backend)
	}
	if cfg.Database.PostgresDSN == "" {
		t.Errorf("DSN should be populated from env")
	}
}

func TestSaveRoundTripAndPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := Default()
	cfg.Agents.Defaults.Model = "test-model"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("perm = %o, want 0600", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if loaded.Agents.Defaults.Model != "test-model" {
		t.Errorf("round-trip model = %q", loaded.Agents.Defaults.Model)
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Providers.Anthropic.APIKey = "secret-a"
	cfg.Providers.OpenAI.APIKey = "secret-o"
	cfg.Channels.Telegram.Token = "secret-t"
	cfg.Gateway.Token = "secret-g"

	masked := cfg.MaskedCopy()

	for name, got := range map[string]string{
		"anthropic": masked.Providers.Anthropic.APIKey,
		"openai":    masked.Providers.OpenAI.APIKey,
		"telegram":  masked.Channels.Telegram.Token,
		"gateway":   masked.Gateway.Token,
	} {
		if got != secretMask {
			t.Errorf("%s = %q, want %q", name, got, secretMask)
		}
	}

	// Original must be untouched.
	if cfg.Providers.Anthropic.APIKey != "secret-a" {
		t.Errorf("MaskedCopy mutated the original")
	}
	// Empty secrets stay empty.
	if masked.Channels.Discord.Token != "" {
		t.Errorf("empty secret should stay empty, got %q", masked.Channels.Discord.Token)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/x/y", filepath.Join(home, "x", "y")},
		{"/abs/path", "/abs/path"},
		{"relative", "relative"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.Agents.Defaults.Workspace = "/srv/kestrel"

	if got := cfg.SessionStoragePath(); got != "/srv/kestrel/sessions" {
		t.Errorf("SessionStoragePath = %q", got)
	}
	if got := cfg.LogPath(); got != "/srv/kestrel/logs/kestrel.jsonl" {
		t.Errorf("LogPath = %q", got)
	}
	if got := cfg.MemoryDir(); got != "/srv/kestrel/memory" {
		t.Errorf("MemoryDir = %q", got)
	}
	if got := cfg.CronStorePath(); got != "/srv/kestrel/cron/jobs.json" {
		t.Errorf("CronStorePath = %q", got)
	}

	cfg.Sessions.Storage = "/elsewhere/sessions"
	if got := cfg.SessionStoragePath(); got != "/elsewhere/sessions" {
		t.Errorf("explicit storage = %q", got)
	}
}
