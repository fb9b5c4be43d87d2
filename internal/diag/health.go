package diag

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nextlevelbuilder/kestrel/internal/config"
)

// Health status values, ordered ok < unknown < degraded < failed.
const (
	StatusOK       = "ok"
	StatusUnknown  = "unknown"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

var statusOrder = map[string]int{
	StatusOK:       0,
	StatusUnknown:  1,
	StatusDegraded: 2,
	StatusFailed:   3,
}

func worstStatus(a, b string) string {
	ra, ok := statusOrder[a]
	if !ok {
		ra = 99
	}
	rb, ok := statusOrder[b]
	if !ok {
		rb = 99
	}
	if ra >= rb {
		return a
	}
	return b
}

// Evidence is a component-level health finding.
type Evidence struct {
	Component string         `json:"component"`
	Status    string         `json:"status"`
	Summary   string         `json:"summary"`
	Details   map[string]any `json:"details,omitempty"`
}

// Snapshot is the aggregated health surface. Liveness covers process-local
// prerequisites (config, workspace); readiness additionally requires the
// provider; degraded flags any component in a degraded state.
type Snapshot struct {
	Liveness    string     `json:"liveness"`
	Readiness   string     `json:"readiness"`
	Degraded    bool       `json:"degraded"`
	GeneratedAt string     `json:"generated_at"`
	Evidence    []Evidence `json:"evidence"`
}

// QueueMetrics reports bus queue depths for the runtime.queue probe.
type QueueMetrics interface {
	InboundSize() int
	OutboundSize() int
}

// CollectOptions carries the inputs for a health snapshot. Queues may be nil
// in CLI-only contexts.
type CollectOptions struct {
	Config     *config.Config
	ConfigPath string
	Queues     QueueMetrics
}

var criticalComponents = map[string]bool{
	"config":    true,
	"workspace": true,
	"provider":  true,
}

// Collect builds a health snapshot from component evidence.
func Collect(opts CollectOptions) Snapshot {
	var evidence []Evidence

	_, statErr := os.Stat(opts.ConfigPath)
	configExists := statErr == nil
	configEv := Evidence{
		Component: "config",
		Status:    StatusFailed,
		Summary:   "Config file not found",
		Details:   map[string]any{"path": opts.ConfigPath},
	}
	if configExists {
		configEv.Status = StatusOK
		configEv.Summary = "Config file found"
	}
	evidence = append(evidence, configEv)

	workspace := opts.Config.WorkspacePath()
	_, statErr = os.Stat(workspace)
	workspaceEv := Evidence{
		Component: "workspace",
		Status:    StatusFailed,
		Summary:   "Workspace missing",
		Details:   map[string]any{"path": workspace},
	}
	if statErr == nil {
		workspaceEv.Status = StatusOK
		workspaceEv.Summary = "Workspace exists"
	}
	evidence = append(evidence, workspaceEv)

	evidence = append(evidence, providerEvidence(opts.Config))
	evidence = append(evidence, channelsEvidence(opts.Config))
	evidence = append(evidence, queueEvidence(opts.Queues))

	liveness := StatusOK
	for _, ev := range evidence {
		if ev.Component == "config" || ev.Component == "workspace" {
			liveness = worstStatus(liveness, ev.Status)
		}
	}

	readiness := StatusOK
	for _, ev := range evidence {
		if criticalComponents[ev.Component] {
			readiness = worstStatus(readiness, ev.Status)
		}
	}
	if readiness == StatusOK {
		for _, ev := range evidence {
			if ev.Status == StatusDegraded || ev.Status == StatusFailed {
				readiness = ev.Status
				break
			}
		}
	}

	degraded := false
	for _, ev := range evidence {
		if ev.Status == StatusDegraded {
			degraded = true
			break
		}
	}

	return Snapshot{
		Liveness:    liveness,
		Readiness:   readiness,
		Degraded:    degraded,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Evidence:    evidence,
	}
}

// ResolveProviderName maps the configured model to a provider name using the
// same precedence as the provider registry: explicit config wins, then the
// model prefix/keyword decides.
func ResolveProviderName(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Agents.Defaults.Provider); p != "" {
		return strings.ToLower(p)
	}
	model := strings.ToLower(cfg.Agents.Defaults.Model)
	switch {
	case model == "":
		return ""
	case strings.HasPrefix(model, "claude") || strings.Contains(model, "anthropic"):
		return "anthropic"
	default:
		return "openai"
	}
}

func providerEnvCandidates(name string) []string {
	switch name {
	case "anthropic":
		return []string{"ANTHROPIC_API_KEY", "KESTREL_API_KEY"}
	case "openai":
		return []string{"OPENAI_API_KEY", "KESTREL_API_KEY"}
	default:
		return []string{"KESTREL_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"}
	}
}

func resolveProviderAuth(name string, cfg *config.Config) (bool, string) {
	var key string
	switch name {
	case "anthropic":
		key = cfg.Providers.Anthropic.APIKey
	case "openai":
		key = cfg.Providers.OpenAI.APIKey
	}
	if strings.TrimSpace(key) != "" {
		return true, "config"
	}
	for _, env := range providerEnvCandidates(name) {
		if strings.TrimSpace(os.Getenv(env)) != "" {
			return true, "env:" + env
		}
	}
	return false, ""
}

func providerEvidence(cfg *config.Config) Evidence {
	model := cfg.Agents.Defaults.Model
	name := ResolveProviderName(cfg)
	details := map[string]any{"model": model, "provider": name}

	if name == "" {
		return Evidence{
			Component: "provider",
			Status:    StatusFailed,
			Summary:   "No provider matched for current model/auth settings",
			Details:   details,
		}
	}

	kind := "api_key"
	if name == "openai" && strings.TrimSpace(cfg.Providers.OpenAI.BaseURL) != "" {
		kind = "local"
		details["api_base"] = cfg.Providers.OpenAI.BaseURL
	}
	details["provider_kind"] = kind

	hasAuth, authSource := resolveProviderAuth(name, cfg)
	details["has_auth"] = hasAuth
	if authSource != "" {
		details["auth_source"] = authSource
	}

	if hasAuth {
		summary := fmt.Sprintf("Provider configured: %s", name)
		if kind == "local" {
			summary = fmt.Sprintf("Local provider configured: %s", name)
		}
		return Evidence{Component: "provider", Status: StatusOK, Summary: summary, Details: details}
	}

	summary := fmt.Sprintf("Provider missing credentials: %s", name)
	if kind == "local" {
		summary = fmt.Sprintf("Local provider missing credentials: %s", name)
	}
	return Evidence{Component: "provider", Status: StatusFailed, Summary: summary, Details: details}
}

func channelsEvidence(cfg *config.Config) Evidence {
	type probe struct {
		name    string
		enabled bool
		missing []string
	}

	requiredMissing := func(fields map[string]string) []string {
		var missing []string
		for field, value := range fields {
			if strings.TrimSpace(value) == "" {
				missing = append(missing, field)
			}
		}
		return missing
	}

	probes := []probe{
		{
			name:    "telegram",
			enabled: cfg.Channels.Telegram.Enabled,
			missing: requiredMissing(map[string]string{"token": cfg.Channels.Telegram.Token}),
		},
		{
			name:    "discord",
			enabled: cfg.Channels.Discord.Enabled,
			missing: requiredMissing(map[string]string{"token": cfg.Channels.Discord.Token}),
		},
		{
			name:    "whatsapp",
			enabled: cfg.Channels.WhatsApp.Enabled,
			missing: requiredMissing(map[string]string{"bridge_url": cfg.Channels.WhatsApp.BridgeURL}),
		},
		{
			name:    "slack",
			enabled: cfg.Channels.Slack.Enabled,
			missing: requiredMissing(map[string]string{
				"bot_token": cfg.Channels.Slack.BotToken,
				"app_token": cfg.Channels.Slack.AppToken,
			}),
		},
		{
			name:    "feishu",
			enabled: cfg.Channels.Feishu.Enabled,
			missing: requiredMissing(map[string]string{
				"app_id":     cfg.Channels.Feishu.AppID,
				"app_secret": cfg.Channels.Feishu.AppSecret,
			}),
		},
	}

	var enabled []string
	misconfigured := map[string]any{}
	for _, p := range probes {
		if !p.enabled {
			continue
		}
		enabled = append(enabled, p.name)
		if len(p.missing) > 0 {
			misconfigured[p.name] = p.missing
		}
	}

	details := map[string]any{
		"enabled_channels": enabled,
		"enabled_count":    len(enabled),
		"misconfigured":    misconfigured,
	}

	if len(enabled) == 0 {
		return Evidence{
			Component: "channels",
			Status:    StatusOK,
			Summary:   "No external channels enabled",
			Details:   details,
		}
	}
	if len(misconfigured) > 0 {
		return Evidence{
			Component: "channels",
			Status:    StatusFailed,
			Summary:   "One or more enabled channels are misconfigured",
			Details:   details,
		}
	}
	return Evidence{
		Component: "channels",
		Status:    StatusOK,
		Summary:   fmt.Sprintf("%d enabled channel(s) configured", len(enabled)),
		Details:   details,
	}
}

func queueEvidence(queues QueueMetrics) Evidence {
	if queues == nil {
		return Evidence{
			Component: "runtime.queue",
			Status:    StatusUnknown,
			Summary:   "Runtime queue metrics unavailable in CLI-only context",
			Details:   map[string]any{},
		}
	}

	inbound := queues.InboundSize()
	outbound := queues.OutboundSize()
	peak := inbound
	if outbound > peak {
		peak = outbound
	}
	status := StatusOK
	switch {
	case peak >= 200:
		status = StatusFailed
	case peak >= 50:
		status = StatusDegraded
	}

	return Evidence{
		Component: "runtime.queue",
		Status:    status,
		Summary:   fmt.Sprintf("Queue sizes inbound=%d, outbound=%d", inbound, outbound),
		Details:   map[string]any{"inbound_size": inbound, "outbound_size": outbound},
	}
}
