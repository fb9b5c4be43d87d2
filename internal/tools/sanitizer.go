package tools

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
)

// SanitizeResult is the verdict for one command.
type SanitizeResult struct {
	Allowed bool
	Reason  string
}

type denyRule struct {
	re     *regexp.Regexp
	reason string
}

// Default deny rules, each with the human reason surfaced to the model.
var defaultDenyRules = []denyRule{
	// Destructive filesystem operations
	{regexp.MustCompile(`(?i)\brm\s+-[rf]{1,2}\b`), "recursive delete"},
	{regexp.MustCompile(`(?i)\bdel\s+/[fq]\b`), "Windows force delete"},
	{regexp.MustCompile(`(?i)\brmdir\s+/s\b`), "Windows recursive rmdir"},
	{regexp.MustCompile(`(?i)(?:^|[;&|]\s*)format\b`), "disk format"},
	{regexp.MustCompile(`(?i)\b(mkfs|diskpart)\b`), "disk partitioning"},
	{regexp.MustCompile(`(?i)\bdd\s+if=`), "raw disk write"},
	{regexp.MustCompile(`(?i)>\s*/dev/sd`), "write to block device"},
	// System power control
	{regexp.MustCompile(`(?i)\b(shutdown|reboot|poweroff|init\s+[06])\b`), "system power control"},
	// Fork bombs
	{regexp.MustCompile(`(?i):\(\)\s*\{.*\};\s*:`), "fork bomb"},
	{regexp.MustCompile(`(?i)\bfork\b.*\bwhile\b.*\btrue\b`), "fork loop"},
	// Pipe-to-shell execution
	{regexp.MustCompile(`(?i)\b(curl|wget)\b.*\|\s*(sh|bash|zsh|dash)\b`), "pipe-to-shell execution"},
	// Dangerous permissions
	{regexp.MustCompile(`(?i)\bchmod\s+[0-7]*7[0-7]*\b`), "world-writable permission"},
	{regexp.MustCompile(`(?i)\bchmod\s+\+s\b`), "setuid bit"},
	// Credential exfiltration via network
	{regexp.MustCompile(`(?i)\b(curl|wget|nc|ncat)\b.*\$\{?(API_KEY|SECRET|TOKEN|PASSWORD|CREDENTIALS)`), "credential exfiltration via network"},
	// Inline dangerous Python execution
	{regexp.MustCompile(`(?i)python[23]?\s+-c\s+['"].*\b(os\.system|subprocess|shutil\.rmtree)\b`), "inline dangerous Python execution"},
	// Crontab manipulation
	{regexp.MustCompile(`(?i)\bcrontab\s+-[re]\b`), "crontab manipulation"},
}

var (
	winPathRe   = regexp.MustCompile(`[A-Za-z]:\\[^\\"'\s]+`)
	posixPathRe = regexp.MustCompile(`(?:^|[\s|>])(/[^\s"'>]+)`)
)

// Sanitizer validates shell commands against security rules. Separated from
// ExecTool so it can be tested independently and shared across tools.
type Sanitizer struct {
	deny      []denyRule
	allow     []*regexp.Regexp
	restrict  bool
	workspace string
}

// NewSanitizer builds a sanitizer from the default deny rules plus the
// operator-configured extras. Invalid patterns are skipped with a warning
// rather than failing startup.
func NewSanitizer(extraDeny, allowPatterns []string, restrictToWorkspace bool, workspace string) *Sanitizer {
	s := &Sanitizer{
		deny:      append([]denyRule(nil), defaultDenyRules...),
		restrict:  restrictToWorkspace,
		workspace: workspace,
	}
	for _, raw := range extraDeny {
		re, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			slog.Warn("sanitizer: skipping invalid deny pattern", "pattern", raw, "error", err)
			continue
		}
		s.deny = append(s.deny, denyRule{re: re, reason: "custom rule: " + raw})
	}
	for _, raw := range allowPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			slog.Warn("sanitizer: skipping invalid allow pattern", "pattern", raw, "error", err)
			continue
		}
		s.allow = append(s.allow, re)
	}
	return s
}

// Check reports whether command is safe to execute from cwd. The command is
// never rewritten; a refusal carries the full guard reason.
func (s *Sanitizer) Check(command, cwd string) SanitizeResult {
	cmd := strings.TrimSpace(command)
	lower := strings.ToLower(cmd)

	for _, rule := range s.deny {
		if rule.re.MatchString(lower) {
			return SanitizeResult{Reason: fmt.Sprintf("Command blocked by safety guard (%s)", rule.reason)}
		}
	}

	if len(s.allow) > 0 {
		matched := false
		for _, re := range s.allow {
			if re.MatchString(lower) {
				matched = true
				break
			}
		}
		if !matched {
			return SanitizeResult{Reason: "Command blocked by safety guard (not in allowlist)"}
		}
	}

	if s.restrict {
		if res := s.checkPathRestriction(cmd, cwd); res != nil {
			return *res
		}
	}

	return SanitizeResult{Allowed: true}
}

// checkPathRestriction rejects traversal sequences and absolute paths that
// resolve outside the workspace root.
func (s *Sanitizer) checkPathRestriction(cmd, cwd string) *SanitizeResult {
	if strings.Contains(cmd, `..\`) || strings.Contains(cmd, "../") {
		return &SanitizeResult{Reason: "Command blocked by safety guard (path traversal detected)"}
	}

	workspace := s.workspace
	if workspace == "" {
		workspace = cwd
	}
	wsReal, err := resolveThroughExistingAncestors(filepath.Clean(workspace))
	if err != nil {
		wsReal = filepath.Clean(workspace)
	}

	candidates := winPathRe.FindAllString(cmd, -1)
	for _, m := range posixPathRe.FindAllStringSubmatch(cmd, -1) {
		candidates = append(candidates, m[1])
	}

	for _, raw := range candidates {
		p := strings.TrimSpace(raw)
		if !filepath.IsAbs(p) {
			continue
		}
		resolved, err := resolveThroughExistingAncestors(filepath.Clean(p))
		if err != nil {
			continue
		}
		if !isPathInside(resolved, wsReal) {
			return &SanitizeResult{Reason: "Command blocked by safety guard (path outside workspace)"}
		}
	}
	return nil
}
