package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/kestrel/internal/bootstrap"
	"github.com/nextlevelbuilder/kestrel/internal/trust"
)

// layerSeparator joins rendered layers in the final system prompt.
const layerSeparator = "\n\n---\n\n"

// bootstrapFiles are the workspace documents injected by the bootstrap
// layer, in seed order.
var bootstrapFiles = bootstrap.WorkspaceFiles

// PromptLayer contributes one section to the system prompt. Layers render
// independently; empty renders are dropped.
type PromptLayer interface {
	Name() string
	Priority() int
	Render() string
}

type layerEntry struct {
	layer   PromptLayer
	enabled bool
}

// LayerRegistry is an ordered collection of prompt layers. Rendering walks
// enabled layers ascending by priority.
type LayerRegistry struct {
	mu     sync.RWMutex
	layers map[string]*layerEntry
}

func NewLayerRegistry() *LayerRegistry {
	return &LayerRegistry{layers: make(map[string]*layerEntry)}
}

// Register adds a layer, replacing any existing layer with the same name.
func (r *LayerRegistry) Register(layer PromptLayer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layers[layer.Name()] = &layerEntry{layer: layer, enabled: true}
}

func (r *LayerRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.layers, name)
}

// Enable toggles a registered layer without removing it.
func (r *LayerRegistry) Enable(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.layers[name]; ok {
		entry.enabled = enabled
	}
}

// RenderAll renders enabled layers in priority order, joined by the
// separator. Layers that render empty are skipped.
func (r *LayerRegistry) RenderAll() string {
	r.mu.RLock()
	entries := make([]*layerEntry, 0, len(r.layers))
	for _, e := range r.layers {
		if e.enabled {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].layer.Priority() < entries[j].layer.Priority()
	})

	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		if content := e.layer.Render(); content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, layerSeparator)
}

// MemorySource supplies long-term memory content for the prompt.
type MemorySource interface {
	MemoryContext() string
}

// SkillsSource supplies skill content for the prompt.
type SkillsSource interface {
	AlwaysSkills() []string
	LoadSkillsForContext(names []string) string
	SkillsSummary() string
}

// SecurityPreambleLayer injects content trust-boundary instructions at the
// very top of the prompt.
type SecurityPreambleLayer struct{}

func (SecurityPreambleLayer) Name() string   { return "security_preamble" }
func (SecurityPreambleLayer) Priority() int  { return 50 }
func (SecurityPreambleLayer) Render() string { return trust.BoundaryPreamble }

// IdentityLayer emits the core identity section: who the agent is, where
// its workspace lives, and how it should operate.
type IdentityLayer struct {
	workspace string
}

func NewIdentityLayer(workspace string) *IdentityLayer {
	return &IdentityLayer{workspace: workspace}
}

func (l *IdentityLayer) Name() string  { return "identity" }
func (l *IdentityLayer) Priority() int { return 100 }

func (l *IdentityLayer) Render() string {
	ws := l.workspace
	if abs, err := filepath.Abs(ws); err == nil {
		ws = abs
	}
	runtimeInfo := fmt.Sprintf("%s %s, %s", osName(), runtime.GOARCH, runtime.Version())

	return fmt.Sprintf(`# Kestrel %s

You are Kestrel, a helpful AI assistant.

## Runtime
%s

## Workspace
Your workspace is at: %s
- Long-term memory: %s/memory/MEMORY.md (write important facts here)
- History log: %s/memory/HISTORY.md (grep-searchable)
- Custom skills: %s/skills/{skill-name}/SKILL.md

## Kestrel Guidelines
- State intent before tool calls, but NEVER predict or claim results before receiving them.
- Before modifying a file, read it first. Do not assume files or directories exist.
- After writing or editing a file, re-read it if accuracy matters.
- If a tool call fails, analyze the error before retrying with a different approach.
- Ask for clarification when the request is ambiguous.

## Web Research Strategy
- Follow: PLAN what to search %s SEARCH with a precise query %s FETCH top result pages with web_fetch %s SYNTHESIZE the answer.
- Do NOT call web_search more than twice for one question. If two searches have not answered the question, use web_fetch on promising URLs from existing results instead.
- NEVER repeat or rephrase a previous search query. Each search must target genuinely new information. Rewording the same question wastes tool calls.
- After receiving search results, STOP and evaluate: do you already have enough information to answer? If yes, answer immediately without further searches.
- When in doubt, answer with the information you have rather than searching again. Partial information with a caveat is better than an endless search loop.
- Use web_fetch on the most relevant URL(s) to get full page content before answering.

## Event Handling
While you are working, new user input may be injected as a system message starting with "<SYS_EVENT>". When that happens, IMMEDIATELY acknowledge the new input and adjust what you are doing. The newest user instruction ALWAYS takes priority over the task in progress.

Reply directly with text for conversations. Only use the 'message' tool to send to a specific chat channel.`,
		"\U0001f985", runtimeInfo, ws, ws, ws, ws,
		"→", "→", "→")
}

func osName() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	default:
		return runtime.GOOS
	}
}

// BootstrapLayer loads workspace bootstrap files (AGENTS.md, SOUL.md and
// friends) into the prompt.
type BootstrapLayer struct {
	workspace string
}

func NewBootstrapLayer(workspace string) *BootstrapLayer {
	return &BootstrapLayer{workspace: workspace}
}

func (l *BootstrapLayer) Name() string  { return "bootstrap" }
func (l *BootstrapLayer) Priority() int { return 200 }

func (l *BootstrapLayer) Render() string {
	var parts []string
	for _, filename := range bootstrapFiles {
		content, err := os.ReadFile(filepath.Join(l.workspace, filename))
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", filename, content))
	}
	return strings.Join(parts, "\n\n")
}

// MemoryLayer injects long-term memory content.
type MemoryLayer struct {
	source MemorySource
}

func NewMemoryLayer(source MemorySource) *MemoryLayer {
	return &MemoryLayer{source: source}
}

func (l *MemoryLayer) Name() string  { return "memory" }
func (l *MemoryLayer) Priority() int { return 300 }

func (l *MemoryLayer) Render() string {
	if l.source == nil {
		return ""
	}
	ctx := l.source.MemoryContext()
	if ctx == "" {
		return ""
	}
	return "# Memory\n\n" + ctx
}

// AlwaysSkillsLayer injects the full content of always-on skills.
type AlwaysSkillsLayer struct {
	source SkillsSource
}

func NewAlwaysSkillsLayer(source SkillsSource) *AlwaysSkillsLayer {
	return &AlwaysSkillsLayer{source: source}
}

func (l *AlwaysSkillsLayer) Name() string  { return "always_skills" }
func (l *AlwaysSkillsLayer) Priority() int { return 400 }

func (l *AlwaysSkillsLayer) Render() string {
	if l.source == nil {
		return ""
	}
	always := l.source.AlwaysSkills()
	if len(always) == 0 {
		return ""
	}
	content := l.source.LoadSkillsForContext(always)
	if content == "" {
		return ""
	}
	return "# Active Skills\n\n" + content
}

// SkillsSummaryLayer emits a short listing of available skills the model
// can load on demand.
type SkillsSummaryLayer struct {
	source SkillsSource
}

func NewSkillsSummaryLayer(source SkillsSource) *SkillsSummaryLayer {
	return &SkillsSummaryLayer{source: source}
}

func (l *SkillsSummaryLayer) Name() string  { return "skills_summary" }
func (l *SkillsSummaryLayer) Priority() int { return 500 }

func (l *SkillsSummaryLayer) Render() string {
	if l.source == nil {
		return ""
	}
	summary := l.source.SkillsSummary()
	if summary == "" {
		return ""
	}
	return "# Skills\n\n" +
		"The following skills extend your capabilities. " +
		"To use a skill, read its SKILL.md file using the read_file tool.\n" +
		"Skills with available=\"false\" need dependencies installed first " +
		"- you can try installing them with apt/brew.\n\n" +
		summary
}
