package skills

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func searchLoader(t *testing.T) *Loader {
	t.Helper()
	workspace := t.TempDir()
	skillsDir := filepath.Join(workspace, "skills")
	writeSkill(t, skillsDir, "weather", "---\nname: weather\ndescription: Fetch weather forecasts for any city\n---\nbody\n")
	writeSkill(t, skillsDir, "pdf", "---\nname: pdf\ndescription: Extract text from PDF documents\nrequires:\n  - definitely-not-a-real-binary-kestrel\n---\nbody\n")
	return NewLoader(workspace)
}

func TestSearchToolFindsByKeyword(t *testing.T) {
	tool := NewSearchTool(searchLoader(t))

	res := tool.Execute(context.Background(), map[string]interface{}{"query": "weather forecasts"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "weather [available]") {
		t.Errorf("result missing weather match:\n%s", res.ForLLM)
	}
	if strings.Contains(res.ForLLM, "pdf") {
		t.Errorf("unrelated skill matched:\n%s", res.ForLLM)
	}
}

func TestSearchToolEmptyQueryListsAll(t *testing.T) {
	tool := NewSearchTool(searchLoader(t))

	res := tool.Execute(context.Background(), map[string]interface{}{})
	if !strings.Contains(res.ForLLM, "Found 2 skill(s):") {
		t.Errorf("expected full listing:\n%s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "unavailable (missing: definitely-not-a-real-binary-kestrel)") {
		t.Errorf("missing-availability note absent:\n%s", res.ForLLM)
	}
}

func TestSearchToolNoMatch(t *testing.T) {
	tool := NewSearchTool(searchLoader(t))

	res := tool.Execute(context.Background(), map[string]interface{}{"query": "kubernetes"})
	if res.ForLLM != `No skills matched "kubernetes".` {
		t.Errorf("result = %q", res.ForLLM)
	}
}

func TestSearchToolNoSkillsInstalled(t *testing.T) {
	tool := NewSearchTool(NewLoader(t.TempDir()))

	res := tool.Execute(context.Background(), map[string]interface{}{})
	if res.ForLLM != "No skills installed." {
		t.Errorf("result = %q", res.ForLLM)
	}
}
