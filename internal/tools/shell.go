package tools

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"time"
)

const (
	defaultExecTimeout = 60 * time.Second
	execKillDelay      = 2 * time.Second // grace between SIGTERM and SIGKILL
)

// ExecTool executes shell commands on the host after sanitizer clearance.
type ExecTool struct {
	workspace string
	restrict  bool
	timeout   time.Duration
	sanitizer *Sanitizer
}

// NewExecTool creates the exec tool. timeout <= 0 selects the default.
func NewExecTool(workspace string, restrict bool, timeout time.Duration, sanitizer *Sanitizer) *ExecTool {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	return &ExecTool{
		workspace: workspace,
		restrict:  restrict,
		timeout:   timeout,
		sanitizer: sanitizer,
	}
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Description() string {
	return "Execute a shell command and return its output. Use with caution."
}
func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	cwd := t.workspace
	if wd, _ := args["working_dir"].(string); wd != "" {
		if t.restrict {
			resolved, err := resolvePath(wd, t.workspace, true)
			if err != nil {
				return ErrorResult("%s", err.Error())
			}
			cwd = resolved
		} else {
			cwd = wd
		}
	}

	if t.sanitizer != nil {
		if verdict := t.sanitizer.Check(command, cwd); !verdict.Allowed {
			return ErrorResult("%s", verdict.Reason)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd
	// Terminate gracefully on cancel; escalate to SIGKILL after the grace
	// period for processes that ignore SIGTERM.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = execKillDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var result string
	if stdout.Len() > 0 {
		result = stdout.String()
	}
	if stderr.Len() > 0 {
		if result != "" {
			result += "\n"
		}
		result += "STDERR:\n" + stderr.String()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult("Command timed out after %d seconds", int(t.timeout.Seconds()))
		}
		if result == "" {
			result = err.Error()
		}
		return ErrorResult("%s", result)
	}

	if result == "" {
		result = "(command completed with no output)"
	}

	return SilentResult(result)
}
