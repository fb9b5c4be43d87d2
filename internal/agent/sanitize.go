package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// SanitizeAssistantContent scrubs model artifacts from a final reply before
// it is persisted or delivered: garbled inline tool-call XML, downgraded
// tool-call text, residual think tags, <final> wrappers, echoed
// [System Message] blocks, and consecutive duplicate paragraphs.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}
	original := content

	content = dropGarbledToolXML(content)
	content = stripDowngradedToolCalls(content)
	content = StripThinkTags(content)
	content = stripFinalTags(content)
	content = stripEchoedSystemMessages(content)
	content = collapseDuplicateBlocks(content)
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("sanitized assistant reply",
			"original_len", len(original),
			"cleaned_len", len(content),
		)
	}
	return content
}

// garbledToolXMLMarkers betray a model that downgraded tool calls into text
// (DeepSeek, GLM, Minimax). Once these appear the reply interleaves prose
// with parameter soup and none of it can be delivered.
var garbledToolXMLMarkers = []string{
	"invfunction_calls",
	"functioninvoke",
	"<parameter name=",
	"</parameter",
	"<function_call",
	"<tool_call",
	"<tool_use",
	"<minimax:tool_call",
}

func dropGarbledToolXML(content string) string {
	lower := strings.ToLower(content)
	for _, marker := range garbledToolXMLMarkers {
		if strings.Contains(lower, marker) {
			slog.Warn("dropping garbled tool-call reply", "original_len", len(content))
			return ""
		}
	}
	return content
}

// stripDowngradedToolCalls removes [Tool Call: ...], [Tool Result ...], and
// [Historical context: ...] blocks some models echo as text. Block bodies
// (Arguments:, JSON lines, blanks) are skipped until the first ordinary line.
func stripDowngradedToolCalls(content string) string {
	if !strings.Contains(content, "[Tool Call:") &&
		!strings.Contains(content, "[Tool Result") &&
		!strings.Contains(content, "[Historical context:") {
		return content
	}

	var kept []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "[Tool Call:") ||
			strings.HasPrefix(trimmed, "[Tool Result") ||
			strings.HasPrefix(trimmed, "[Historical context:") {
			skipping = true
			continue
		}
		if skipping {
			if trimmed == "" || strings.HasPrefix(trimmed, "Arguments:") ||
				strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "}") {
				continue
			}
			skipping = false
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// finalTagRe matches <final> wrappers; the text inside stays.
var finalTagRe = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func stripFinalTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "final") {
		return content
	}
	return finalTagRe.ReplaceAllString(content, "")
}

// stripEchoedSystemMessages removes "[System Message] ..." blocks the model
// echoed back from injected context. A blank line ends the block.
func stripEchoedSystemMessages(content string) string {
	if !strings.Contains(content, "[System Message]") {
		return content
	}

	var kept []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "[System Message]") {
			skipping = true
			continue
		}
		if skipping {
			if strings.TrimSpace(line) == "" {
				skipping = false
			}
			continue
		}
		kept = append(kept, line)
	}

	cleaned := strings.TrimSpace(strings.Join(kept, "\n"))
	if cleaned != strings.TrimSpace(content) {
		slog.Warn("stripped echoed system message from reply",
			"original_len", len(content),
			"cleaned_len", len(cleaned),
		)
	}
	return cleaned
}

// collapseDuplicateBlocks removes immediately repeated paragraphs, a common
// failure mode when a model restates its answer.
func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}

	var kept []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(kept) > 0 && trimmed == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, block)
	}
	return strings.Join(kept, "\n\n")
}

// IsSilentReply reports whether the text carries the NO_REPLY token, meaning
// the model decided no message should be delivered for this turn.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	const token = "NO_REPLY"
	if trimmed == token {
		return true
	}
	if strings.HasPrefix(trimmed, token) {
		rest := trimmed[len(token):]
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if strings.HasSuffix(trimmed, token) {
		before := trimmed[:len(trimmed)-len(token)]
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
