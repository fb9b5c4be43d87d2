package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/kestrel/internal/agent"
	"github.com/nextlevelbuilder/kestrel/internal/bootstrap"
	"github.com/nextlevelbuilder/kestrel/internal/bus"
	"github.com/nextlevelbuilder/kestrel/internal/channels/cli"
	"github.com/nextlevelbuilder/kestrel/internal/compress"
	"github.com/nextlevelbuilder/kestrel/internal/config"
	"github.com/nextlevelbuilder/kestrel/internal/cron"
	"github.com/nextlevelbuilder/kestrel/internal/diag"
	"github.com/nextlevelbuilder/kestrel/internal/memory"
	"github.com/nextlevelbuilder/kestrel/internal/skills"
	"github.com/nextlevelbuilder/kestrel/internal/tools"
)

func chatCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		Long: `Run the agent as a local REPL without starting any network channels.

Examples:
  kestrel chat                       # Interactive REPL
  kestrel chat -m "What time is it?" # One-shot message`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(message)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")

	return cmd
}

func runChat(message string) {
	// Keep the REPL clean: warnings only unless --verbose.
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if !cfg.HasAnyProvider() && !providerKeyInEnv() {
		fmt.Fprintln(os.Stderr, "Error: no providers configured. Run 'kestrel onboard' first.")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := diag.NewSink(diag.SinkConfig{
		Path:        cfg.LogPath(),
		RotateBytes: cfg.Observability.RotateBytes,
		MaxBackups:  cfg.Observability.MaxBackups,
	})
	emit := sinkEmitter(sink)
	msgBus := bus.New(emit)

	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating workspace: %v\n", err)
		os.Exit(1)
	}
	if _, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		slog.Warn("workspace template seeding failed", "error", err)
	}

	sessStore, err := openSessionStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening session store: %v\n", err)
		os.Exit(1)
	}
	defer sessStore.Close()

	provider, err := resolveProvider(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	memRepo, err := memory.NewRepositoryAt(cfg.MemoryDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening memory repository: %v\n", err)
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
		fmt.Fprintf(os.Stderr, "Error opening cron store: %v\n", err)
		os.Exit(1)
	}

	restrict := cfg.Agents.Defaults.RestrictToWorkspace
	sanitizer := tools.NewSanitizer(cfg.Tools.ExecDeny, cfg.Tools.ExecAllow, restrict, workspace)

	// Chat runs a lighter registry than serve: no browser, no MCP servers.
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
	}

	for _, name := range cfg.Tools.Deny {
		reg.Unregister(name)
	}

	orch := agent.NewOrchestrator(provider, tools.NewGateway(reg, true, emit), agent.OrchestratorConfig{
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

	repl := cli.New(msgBus)

	if message == "" {
		fmt.Fprintf(os.Stderr, "\nKestrel Interactive Chat\n")
		fmt.Fprintf(os.Stderr, "Model: %s | Session: cli:local\n\n", cfg.Agents.Defaults.Model)
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		disp.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		if message != "" {
			return repl.OneShot(runCtx, message)
		}
		return repl.Run(runCtx)
	})
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
