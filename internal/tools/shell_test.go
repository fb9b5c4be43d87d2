package tools

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecToolRunsCommand(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false, 0, nil)

	res := tool.Execute(context.Background(), map[string]interface{}{"command": "echo hello"})
	if res.IsError {
		t.Fatalf("exec failed: %s", res.ForLLM)
	}
	if res.ForLLM != "hello\n" {
		t.Errorf("output = %q", res.ForLLM)
	}
	if !res.Silent {
		t.Error("exec output should be silent")
	}
}

func TestExecToolJoinsStderr(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false, 0, nil)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"command": "echo out; echo err 1>&2",
	})
	if res.ForLLM != "out\n\nSTDERR:\nerr\n" {
		t.Errorf("output = %q", res.ForLLM)
	}
}

func TestExecToolNoOutput(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false, 0, nil)

	res := tool.Execute(context.Background(), map[string]interface{}{"command": "true"})
	if res.ForLLM != "(command completed with no output)" {
		t.Errorf("output = %q", res.ForLLM)
	}
}

func TestExecToolNonZeroExit(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false, 0, nil)

	res := tool.Execute(context.Background(), map[string]interface{}{"command": "false"})
	if !res.IsError {
		t.Fatal("non-zero exit must produce an error result")
	}
	if res.ForLLM != "Error: exit status 1" {
		t.Errorf("output = %q", res.ForLLM)
	}
}

func TestExecToolFailureKeepsOutput(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false, 0, nil)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"command": "echo diagnostics 1>&2; exit 3",
	})
	if !res.IsError {
		t.Fatal("want error result")
	}
	if res.ForLLM != "Error: STDERR:\ndiagnostics\n" {
		t.Errorf("output = %q", res.ForLLM)
	}
}

func TestExecToolTimeout(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false, time.Second, nil)

	res := tool.Execute(context.Background(), map[string]interface{}{"command": "sleep 5"})
	if !res.IsError {
		t.Fatal("timed out command must error")
	}
	if res.ForLLM != "Error: Command timed out after 1 seconds" {
		t.Errorf("output = %q", res.ForLLM)
	}
}

func TestExecToolSanitizerBlocks(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false, 0, NewSanitizer(nil, nil, false, ""))

	res := tool.Execute(context.Background(), map[string]interface{}{"command": "rm -rf /"})
	if res.ForLLM != "Error: Command blocked by safety guard (recursive delete)" {
		t.Errorf("output = %q", res.ForLLM)
	}
}

func TestExecToolWorkingDir(t *testing.T) {
	ws := t.TempDir()
	tool := NewExecTool(ws, true, 0, nil)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"command":     "mkdir sub && cd sub && touch probe.txt && ls",
		"working_dir": ".",
	})
	if res.IsError {
		t.Fatalf("exec failed: %s", res.ForLLM)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{
		"command":     "ls",
		"working_dir": "sub",
	})
	if res.IsError {
		t.Fatalf("exec in working_dir failed: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "probe.txt") {
		t.Errorf("output = %q, want probe.txt listing", res.ForLLM)
	}
}

func TestExecToolWorkingDirEscape(t *testing.T) {
	tool := NewExecTool(t.TempDir(), true, 0, nil)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"command":     "ls",
		"working_dir": "/etc",
	})
	if res.ForLLM != "Error: access denied: path outside workspace" {
		t.Errorf("output = %q", res.ForLLM)
	}
}

func TestExecToolRequiresCommand(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false, 0, nil)

	res := tool.Execute(context.Background(), map[string]interface{}{})
	if res.ForLLM != "Error: command is required" {
		t.Errorf("output = %q", res.ForLLM)
	}
}
