package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kestrel/internal/bootstrap"
	"github.com/nextlevelbuilder/kestrel/internal/config"
)

// providerChoice carries wizard metadata for one provider.
type providerChoice struct {
	display   string
	envKey    string
	modelHint string
}

var providerChoices = map[string]providerChoice{
	"anthropic": {display: "Anthropic (Claude)", envKey: "ANTHROPIC_API_KEY", modelHint: "claude-sonnet-4-5"},
	"openai":    {display: "OpenAI (GPT)", envKey: "OPENAI_API_KEY", modelHint: "gpt-4o-mini"},
}

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	cfgPath := resolveConfigPath()

	// Env-driven environments (Docker, CI) get non-interactive setup.
	if canAutoOnboard() {
		if !runAutoOnboard(cfgPath) {
			os.Exit(1)
		}
		return
	}

	// Re-running the wizard edits the existing config in place.
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	var (
		provider    = cfg.Agents.Defaults.Provider
		apiKey      string
		workspace   = cfg.Agents.Defaults.Workspace
		telegramOn  = cfg.Channels.Telegram.Enabled
		telegramTok = cfg.Channels.Telegram.Token
		discordOn   = cfg.Channels.Discord.Enabled
		discordTok  = cfg.Channels.Discord.Token
	)
	if provider == "" {
		provider = "anthropic"
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("AI provider").
				Description("Which model API should the agent use?").
				Options(
					huh.NewOption(providerChoices["anthropic"].display, "anthropic"),
					huh.NewOption(providerChoices["openai"].display, "openai"),
				).
				Value(&provider),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("API key").
				Description("Stored in config.json (mode 0600). Leave empty to read it from the environment.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Workspace directory").
				Description("Where the agent keeps its files, memory, and skills.").
				Value(&workspace),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable Telegram?").
				Value(&telegramOn),
			huh.NewConfirm().
				Title("Enable Discord?").
				Value(&discordOn),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather.").
				EchoMode(huh.EchoModePassword).
				Value(&telegramTok),
		).WithHideFunc(func() bool { return !telegramOn }),
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				EchoMode(huh.EchoModePassword).
				Value(&discordTok),
		).WithHideFunc(func() bool { return !discordOn }),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return
		}
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		os.Exit(1)
	}

	// Switch the model to the provider's hint unless the user picked a
	// custom model for this provider earlier.
	if cfg.Agents.Defaults.Provider != provider || cfg.Agents.Defaults.Model == "" {
		cfg.Agents.Defaults.Model = providerChoices[provider].modelHint
	}
	cfg.Agents.Defaults.Provider = provider
	cfg.Agents.Defaults.Workspace = workspace

	if apiKey != "" {
		switch provider {
		case "anthropic":
			cfg.Providers.Anthropic.APIKey = apiKey
		case "openai":
			cfg.Providers.OpenAI.APIKey = apiKey
		}
	}

	cfg.Channels.Telegram.Enabled = telegramOn
	cfg.Channels.Telegram.Token = telegramTok
	cfg.Channels.Discord.Enabled = discordOn
	cfg.Channels.Discord.Token = discordTok

	if cfg.Gateway.Token == "" {
		cfg.Gateway.Token = onboardGenerateToken(16)
		fmt.Println("Generated a gateway token (stored in config.json).")
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Could not save config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config saved to %s\n", cfgPath)

	seedWorkspace(cfg)

	fmt.Println()
	fmt.Println("Setup complete. Start the agent with:  kestrel serve")
}

// canAutoOnboard reports whether a provider API key is already present in
// the environment, indicating non-interactive setup.
func canAutoOnboard() bool {
	for _, pc := range providerChoices {
		if os.Getenv(pc.envKey) != "" {
			return true
		}
	}
	return os.Getenv("KESTREL_ANTHROPIC_API_KEY") != "" ||
		os.Getenv("KESTREL_OPENAI_API_KEY") != "" ||
		os.Getenv("KESTREL_API_KEY") != ""
}

// runAutoOnboard performs non-interactive setup from environment variables.
// Returns false on fatal error.
func runAutoOnboard(cfgPath string) bool {
	fmt.Println("Auto-onboard: environment variables detected, running non-interactive setup...")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Error: %v\n", err)
		return false
	}

	provider := cfg.Agents.Defaults.Provider
	if provider == "" {
		switch {
		case cfg.Providers.Anthropic.APIKey != "" || os.Getenv("ANTHROPIC_API_KEY") != "":
			provider = "anthropic"
		case cfg.Providers.OpenAI.APIKey != "" || os.Getenv("OPENAI_API_KEY") != "":
			provider = "openai"
		default:
			fmt.Println("  No provider API key found in environment")
			return false
		}
		cfg.Agents.Defaults.Provider = provider
	}
	if cfg.Agents.Defaults.Model == "" ||
		(provider != "anthropic" && cfg.Agents.Defaults.Model == config.Default().Agents.Defaults.Model) {
		cfg.Agents.Defaults.Model = providerChoices[provider].modelHint
	}
	fmt.Printf("  Provider: %s (model: %s)\n", provider, cfg.Agents.Defaults.Model)

	if cfg.Gateway.Token == "" {
		cfg.Gateway.Token = onboardGenerateToken(16)
		fmt.Println("  Generated gateway token")
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("  Could not save config: %v\n", err)
		return false
	}
	fmt.Printf("  Config saved to %s\n", cfgPath)

	seedWorkspace(cfg)

	fmt.Println("Auto-onboard complete.")
	return true
}

// seedWorkspace creates the workspace directory and its template files.
func seedWorkspace(cfg *config.Config) {
	ws := cfg.WorkspacePath()
	if err := os.MkdirAll(ws, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Could not create workspace %s: %v\n", ws, err)
		return
	}
	seeded, err := bootstrap.EnsureWorkspaceFiles(ws)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not seed workspace templates: %v\n", err)
		return
	}
	if len(seeded) > 0 {
		fmt.Printf("Seeded workspace templates: %s\n", strings.Join(seeded, ", "))
	}
}

// onboardGenerateToken returns a hex token with n random bytes of entropy.
func onboardGenerateToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
