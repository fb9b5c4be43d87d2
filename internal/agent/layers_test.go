package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type stubLayer struct {
	name     string
	priority int
	content  string
}

func (l stubLayer) Name() string   { return l.name }
func (l stubLayer) Priority() int  { return l.priority }
func (l stubLayer) Render() string { return l.content }

func TestLayerRegistryRenderEmpty(t *testing.T) {
	r := NewLayerRegistry()
	if got := r.RenderAll(); got != "" {
		t.Errorf("empty registry rendered %q", got)
	}
}

func TestLayerRegistryPriorityOrdering(t *testing.T) {
	r := NewLayerRegistry()
	r.Register(stubLayer{"low", 300, "low"})
	r.Register(stubLayer{"high", 100, "high"})
	r.Register(stubLayer{"mid", 200, "mid"})

	parts := strings.Split(r.RenderAll(), layerSeparator)
	want := []string{"high", "mid", "low"}
	if len(parts) != len(want) {
		t.Fatalf("parts = %v", parts)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Errorf("part %d = %q, want %q", i, parts[i], want[i])
		}
	}
}

func TestLayerRegistryEnableDisable(t *testing.T) {
	r := NewLayerRegistry()
	r.Register(stubLayer{"a", 100, "visible"})
	r.Register(stubLayer{"b", 200, "hidden"})
	r.Enable("b", false)

	out := r.RenderAll()
	if strings.Contains(out, "hidden") {
		t.Error("disabled layer still rendered")
	}
	if !strings.Contains(out, "visible") {
		t.Error("enabled layer missing")
	}

	r.Enable("b", true)
	if !strings.Contains(r.RenderAll(), "hidden") {
		t.Error("re-enabled layer missing")
	}
}

func TestLayerRegistryRegisterReplaces(t *testing.T) {
	r := NewLayerRegistry()
	r.Register(stubLayer{"a", 100, "old"})
	r.Register(stubLayer{"a", 100, "new"})
	if got := r.RenderAll(); got != "new" {
		t.Errorf("render = %q, want new", got)
	}
}

func TestLayerRegistryUnregister(t *testing.T) {
	r := NewLayerRegistry()
	r.Register(stubLayer{"a", 100, "content"})
	r.Unregister("a")
	if got := r.RenderAll(); got != "" {
		t.Errorf("render after unregister = %q", got)
	}
}

func TestLayerRegistryEmptyContentSkipped(t *testing.T) {
	r := NewLayerRegistry()
	r.Register(stubLayer{"a", 100, "visible"})
	r.Register(stubLayer{"b", 200, ""})
	r.Register(stubLayer{"c", 300, "also visible"})

	parts := strings.Split(r.RenderAll(), layerSeparator)
	if len(parts) != 2 || parts[0] != "visible" || parts[1] != "also visible" {
		t.Errorf("parts = %v", parts)
	}
}

func TestIdentityLayerContent(t *testing.T) {
	l := NewIdentityLayer(t.TempDir())
	out := l.Render()
	for _, want := range []string{"You are Kestrel", "## Runtime", "## Workspace", "Web Research Strategy", "MEMORY.md", "<SYS_EVENT>"} {
		if !strings.Contains(out, want) {
			t.Errorf("identity layer missing %q", want)
		}
	}
	if l.Priority() != 100 {
		t.Errorf("priority = %d", l.Priority())
	}
}

func TestBootstrapLayerReadsWorkspaceFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("agent rules"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SOUL.md"), []byte("persona"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := NewBootstrapLayer(dir).Render()
	if !strings.Contains(out, "## AGENTS.md\n\nagent rules") {
		t.Errorf("bootstrap output missing AGENTS.md section: %q", out)
	}
	if !strings.Contains(out, "## SOUL.md\n\npersona") {
		t.Errorf("bootstrap output missing SOUL.md section: %q", out)
	}
	agentsIdx := strings.Index(out, "## AGENTS.md")
	soulIdx := strings.Index(out, "## SOUL.md")
	if agentsIdx > soulIdx {
		t.Error("bootstrap files out of order")
	}
}

func TestBootstrapLayerEmptyWorkspace(t *testing.T) {
	if got := NewBootstrapLayer(t.TempDir()).Render(); got != "" {
		t.Errorf("empty workspace rendered %q", got)
	}
}

type stubMemory struct{ ctx string }

func (m stubMemory) MemoryContext() string { return m.ctx }

func TestMemoryLayer(t *testing.T) {
	if got := NewMemoryLayer(nil).Render(); got != "" {
		t.Errorf("nil source rendered %q", got)
	}
	if got := NewMemoryLayer(stubMemory{""}).Render(); got != "" {
		t.Errorf("empty memory rendered %q", got)
	}
	got := NewMemoryLayer(stubMemory{"user likes tea"}).Render()
	if got != "# Memory\n\nuser likes tea" {
		t.Errorf("memory layer = %q", got)
	}
}

type stubSkills struct {
	always  []string
	content string
	summary string
}

func (s stubSkills) AlwaysSkills() []string                     { return s.always }
func (s stubSkills) LoadSkillsForContext(names []string) string { return s.content }
func (s stubSkills) SkillsSummary() string                      { return s.summary }

func TestSkillsLayers(t *testing.T) {
	if got := NewAlwaysSkillsLayer(stubSkills{}).Render(); got != "" {
		t.Errorf("no always skills rendered %q", got)
	}
	got := NewAlwaysSkillsLayer(stubSkills{always: []string{"sre"}, content: "skill body"}).Render()
	if got != "# Active Skills\n\nskill body" {
		t.Errorf("always skills = %q", got)
	}

	if got := NewSkillsSummaryLayer(stubSkills{}).Render(); got != "" {
		t.Errorf("no summary rendered %q", got)
	}
	sum := NewSkillsSummaryLayer(stubSkills{summary: "- sre: diagnose"}).Render()
	if !strings.HasPrefix(sum, "# Skills\n\n") || !strings.Contains(sum, "- sre: diagnose") {
		t.Errorf("summary layer = %q", sum)
	}
}
