package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/kestrel/internal/agent"
	"github.com/nextlevelbuilder/kestrel/internal/bootstrap"
	"github.com/nextlevelbuilder/kestrel/internal/bus"
	"github.com/nextlevelbuilder/kestrel/internal/channels"
	"github.com/nextlevelbuilder/kestrel/internal/channels/discord"
	"github.com/nextlevelbuilder/kestrel/internal/channels/telegram"
	"github.com/nextlevelbuilder/kestrel/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/kestrel/internal/compress"
	"github.com/nextlevelbuilder/kestrel/internal/config"
	"github.com/nextlevelbuilder/kestrel/internal/cron"
	"github.com/nextlevelbuilder/kestrel/internal/diag"
	"github.com/nextlevelbuilder/kestrel/internal/gateway"
	"github.com/nextlevelbuilder/kestrel/internal/mcp"
	"github.com/nextlevelbuilder/kestrel/internal/memory"
	"github.com/nextlevelbuilder/kestrel/internal/providers"
	"github.com/nextlevelbuilder/kestrel/internal/sessions"
	"github.com/nextlevelbuilder/kestrel/internal/skills"
	"github.com/nextlevelbuilder/kestrel/internal/store"
	"github.com/nextlevelbuilder/kestrel/internal/store/file"
	"github.com/nextlevelbuilder/kestrel/internal/store/pg"
	"github.com/nextlevelbuilder/kestrel/internal/store/sqlite"
	"github.com/nextlevelbuilder/kestrel/internal/telemetry"
	"github.com/nextlevelbuilder/kestrel/internal/tools"
	"github.com/nextlevelbuilder/kestrel/pkg/browser"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent with all configured channels",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if !cfg.HasAnyProvider() && !providerKeyInEnv() {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			// Config exists but carries no key: the user probably keeps
			// secrets in an env file they forgot to source.
			envPath := filepath.Join(filepath.Dir(cfgPath), ".env.local")
			fmt.Println("No AI provider API key found. Did you forget to load your secrets?")
			fmt.Println()
			fmt.Printf("  source %s && kestrel serve\n", envPath)
			fmt.Println()
			fmt.Println("Or re-run the setup wizard:  kestrel onboard")
			os.Exit(1)
		}
		fmt.Println("No configuration found. Starting setup wizard...")
		fmt.Println()
		runOnboard()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown := telemetry.Init(ctx, cfg.Telemetry)
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		if err := telemetryShutdown(shutCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	sink := diag.NewSink(diag.SinkConfig{
		Path:        cfg.LogPath(),
		RotateBytes: cfg.Observability.RotateBytes,
		MaxBackups:  cfg.Observability.MaxBackups,
	})
	emit := diag.Tee(sinkEmitter(sink), telemetry.Emitter())

	msgBus := bus.New(emit)

	// The workspace must be absolute: the system prompt and every file tool
	// resolve paths against it.
	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		slog.Error("failed to create workspace", "path", workspace, "error", err)
		os.Exit(1)
	}
	if seeded, seedErr := bootstrap.EnsureWorkspaceFiles(workspace); seedErr != nil {
		slog.Warn("workspace template seeding failed", "error", seedErr)
	} else if len(seeded) > 0 {
		slog.Info("seeded workspace templates", "files", seeded)
	}

	sessStore, err := openSessionStore(cfg)
	if err != nil {
		slog.Error("failed to open session store", "backend", cfg.Database.Backend, "error", err)
		os.Exit(1)
	}
	defer sessStore.Close()

	provider, err := resolveProvider(cfg)
	if err != nil {
		slog.Error("failed to resolve provider", "error", err)
		os.Exit(1)
	}
	slog.Info("provider ready", "provider", provider.Name(), "model", cfg.Agents.Defaults.Model)

	memRepo, err := memory.NewRepositoryAt(cfg.MemoryDir())
	if err != nil {
		slog.Error("failed to open memory repository", "error", err)
		os.Exit(1)
	}
	consolidator := memory.NewConsolidator(memRepo, sessStore, provider, cfg.Agents.Defaults.Model)

	skillsLoader := skills.NewLoaderAt(cfg.SkillsDir(), globalSkillsDir())
	ctxBuilder := agent.NewContextBuilder(workspace, memRepo, skillsLoader, true)

	health := func() diag.Snapshot {
		return diag.Collect(diag.CollectOptions{Config: cfg, ConfigPath: cfgPath, Queues: msgBus})
	}

	cronStore, err := cron.NewStore(cfg.CronStorePath())
	if err != nil {
		slog.Error("failed to open cron store", "path", cfg.CronStorePath(), "error", err)
		os.Exit(1)
	}

	restrict := cfg.Agents.Defaults.RestrictToWorkspace
	sanitizer := tools.NewSanitizer(cfg.Tools.ExecDeny, cfg.Tools.ExecAllow, restrict, workspace)

	reg := tools.NewRegistry()
	reg.Register(tools.NewReadFileTool(workspace, restrict))
	reg.Register(tools.NewWriteFileTool(workspace, restrict))
	reg.Register(tools.NewEditFileTool(workspace, restrict))
	reg.Register(tools.NewListDirTool(workspace, restrict))
	reg.Register(tools.NewExecTool(workspace, restrict, time.Duration(cfg.Tools.ExecTimeout)*time.Second, sanitizer))
	reg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{MaxChars: cfg.Tools.Web.FetchMax}))
	reg.Register(tools.NewReadImageTool(provider, workspace, restrict))
	reg.Register(tools.NewMessageTool(msgBus))
	reg.Register(skills.NewSearchTool(skillsLoader))
	reg.Register(cron.NewTool(cronStore))
	reg.Register(agent.NewDoctorCheckTool(health, cfg, cfgPath, sink))

	if webSearch := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey:  cfg.Tools.Web.Brave.APIKey,
		BraveEnabled: cfg.Tools.Web.Brave.Enabled,
		DDGEnabled:   cfg.Tools.Web.DuckDuckGo.Enabled,
	}); webSearch != nil {
		reg.Register(webSearch)
		slog.Info("web_search tool enabled")
	}

	if cfg.Tools.Browser.Enabled {
		browserMgr := browser.New(
			browser.WithHeadless(cfg.Tools.Browser.Headless),
			browser.WithScreenshotDir(filepath.Join(workspace, "screenshots")),
		)
		defer browserMgr.Close()
		reg.Register(browser.NewBrowserTool(browserMgr))
		slog.Info("browser tool enabled", "headless", cfg.Tools.Browser.Headless)
	}

	for _, name := range cfg.Tools.Deny {
		reg.Unregister(name)
	}

	if len(cfg.Tools.MCPServers) > 0 {
		mcpMgr := mcp.NewManager(reg, cfg.Tools.MCPServers)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp startup errors", "error", err)
		}
		defer mcpMgr.Stop()
		slog.Info("MCP servers initialized", "configured", len(cfg.Tools.MCPServers), "tools", len(mcpMgr.ToolNames()))
	}

	toolGateway := tools.NewGateway(reg, true, emit)

	orch := agent.NewOrchestrator(provider, toolGateway, agent.OrchestratorConfig{
		Model:                  cfg.Agents.Defaults.Model,
		MaxTokens:              cfg.Agents.Defaults.MaxTokens,
		Temperature:            cfg.Agents.Defaults.Temperature,
		MaxIterations:          cfg.Agents.Defaults.MaxToolIterations,
		MaxConsecutiveSearches: cfg.Agents.Defaults.MaxConsecutiveSearches,
		MaxTotalSearches:       cfg.Agents.Defaults.MaxTotalSearches,
	})

	disp := agent.NewDispatcher(agent.DispatcherOptions{
		Bus:           msgBus,
		Store:         sessStore,
		Orchestrator:  orch,
		Context:       ctxBuilder,
		Compressor:    compress.New(compressorConfig(cfg)),
		Consolidator:  consolidator,
		Health:        health,
		Emit:          emit,
		MemoryWindow:  cfg.Sessions.ConsolidateAfter,
		HistoryLimit:  cfg.Agents.Defaults.HistoryTurnLimit,
		DoctorCommand: cfg.Doctor.Command,
		DoctorArgs:    cfg.Doctor.Args,
	})

	channelMgr := channels.NewManager(msgBus)

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			channelMgr.RegisterChannel(tg)
			slog.Info("telegram channel enabled")
		}
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("failed to initialize discord channel", "error", err)
		} else {
			channelMgr.RegisterChannel(dc)
			slog.Info("discord channel enabled")
		}
	}
	if cfg.Channels.WhatsApp.Enabled && cfg.Channels.WhatsApp.BridgeURL != "" {
		wa, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus)
		if err != nil {
			slog.Error("failed to initialize whatsapp channel", "error", err)
		} else {
			channelMgr.RegisterChannel(wa)
			slog.Info("whatsapp channel enabled")
		}
	}

	// The HTTP gateway is a channel adapter like the rest: replies to
	// WebSocket clients ride the same outbound dispatch.
	channelMgr.RegisterChannel(gateway.NewServer(cfg, cfgPath, msgBus, sink))

	var cronSched *cron.Scheduler
	if cfg.Cron.IsEnabled() {
		cronSched = cron.NewScheduler(cronStore, msgBus)
		cronSched.Start(ctx)
	}

	if cfg.Skills.WatchEnabled() {
		watcher, watchErr := skills.NewWatcher(skillsLoader)
		if watchErr != nil {
			slog.Warn("skills watcher unavailable", "error", watchErr)
		} else if err := watcher.Start(ctx); err != nil {
			slog.Warn("skills watcher start failed", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	slog.Info("kestrel gateway starting",
		"version", Version,
		"model", cfg.Agents.Defaults.Model,
		"tools", len(reg.Names()),
		"channels", channelMgr.Names(),
	)

	// The dispatcher is the foreground loop. The second member waits for a
	// shutdown signal and tears the adapters down before releasing it, so
	// the process cannot exit mid-stop.
	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		disp.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			slog.Info("graceful shutdown initiated", "signal", sig.String())
			if cronSched != nil {
				cronSched.Stop()
			}
			err := channelMgr.StopAll(context.Background())
			cancel()
			return err
		case <-runCtx.Done():
			return nil
		}
	})
	if err := g.Wait(); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
}

// providerKeyInEnv reports whether any credential the provider resolver falls
// back to is present in the environment.
func providerKeyInEnv() bool {
	for _, key := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "KESTREL_API_KEY"} {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

// globalSkillsDir returns the user-level skills directory, shadowed by
// workspace skills.
func globalSkillsDir() string {
	if dir := os.Getenv("KESTREL_SKILLS_DIR"); dir != "" {
		return dir
	}
	return config.ExpandHome("~/.kestrel/skills")
}

// resolveProvider builds the configured provider, wrapped with tracing when
// telemetry is on.
func resolveProvider(cfg *config.Config) (providers.Provider, error) {
	p, err := providers.Resolve(providers.Options{
		Provider:        cfg.Agents.Defaults.Provider,
		Model:           cfg.Agents.Defaults.Model,
		AnthropicAPIKey: cfg.Providers.Anthropic.APIKey,
		OpenAIAPIKey:    cfg.Providers.OpenAI.APIKey,
		OpenAIBaseURL:   cfg.Providers.OpenAI.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Telemetry.Enabled {
		p = telemetry.WrapProvider(p)
	}
	return p, nil
}

// openSessionStore picks the persistence backend from config. The database
// backends run their migrations on open.
func openSessionStore(cfg *config.Config) (store.SessionStore, error) {
	switch cfg.Database.Backend {
	case store.BackendSQLite:
		st, err := sqlite.Open(cfg.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		slog.Info("session store ready", "backend", "sqlite", "path", cfg.SQLitePath())
		return st, nil
	case store.BackendPostgres:
		st, err := pg.Open(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		slog.Info("session store ready", "backend", "postgres")
		return st, nil
	default:
		st := file.New(sessions.NewManager(cfg.SessionStoragePath()))
		slog.Info("session store ready", "backend", "file", "path", cfg.SessionStoragePath())
		return st, nil
	}
}

// sinkEmitter adapts the sink's error-returning Emit to the fire-and-forget
// emitter shape. Sink failures must never block a turn.
func sinkEmitter(sink *diag.Sink) diag.Emitter {
	return func(ev diag.Event) {
		if err := sink.Emit(ev); err != nil {
			slog.Debug("sink emit failed", "error", err)
		}
	}
}

// compressorConfig maps the config section onto the compressor's knobs,
// keeping package defaults for anything unset.
func compressorConfig(cfg *config.Config) compress.Config {
	c := compress.DefaultConfig()
	c.Enabled = cfg.Compression.IsEnabled()
	if cfg.Compression.Mode != "" {
		c.Mode = cfg.Compression.Mode
	}
	if cfg.Compression.TokenBudgetRatio > 0 {
		c.TokenBudgetRatio = cfg.Compression.TokenBudgetRatio
	}
	if cfg.Compression.RecencyTurns > 0 {
		c.RecencyTurns = cfg.Compression.RecencyTurns
	}
	if cfg.Compression.SalienceThreshold > 0 {
		c.SalienceThreshold = cfg.Compression.SalienceThreshold
	}
	if cfg.Compression.MaxFacts > 0 {
		c.MaxFacts = cfg.Compression.MaxFacts
	}
	if cfg.Compression.SummaryBudget > 0 {
		c.MaxSummaryChars = cfg.Compression.SummaryBudget
	}
	return c
}
