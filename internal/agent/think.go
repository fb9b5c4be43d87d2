package agent

import (
	"regexp"
	"strings"
)

// thinkTagFamilies lists the reasoning-tag names emitted by known model
// families. Each family strips <name>...</name> pairs plus stragglers.
var thinkTagFamilies = []string{"think", "reasoning", "thought", "inner_monologue"}

type thinkPatterns struct {
	open     string
	unclosed *regexp.Regexp
	orphan   *regexp.Regexp
}

var thinkStripPatterns = buildThinkPatterns()

func buildThinkPatterns() []thinkPatterns {
	out := make([]thinkPatterns, 0, len(thinkTagFamilies))
	for _, tag := range thinkTagFamilies {
		esc := regexp.QuoteMeta(tag)
		out = append(out, thinkPatterns{
			open:     "<" + tag + ">",
			unclosed: regexp.MustCompile(`(?is)<` + esc + `>.*$`),
			orphan:   regexp.MustCompile(`(?i)</` + esc + `>`),
		})
	}
	return out
}

// StripThinkTags removes model reasoning tags from LLM output. Nested
// balanced pairs, a trailing unclosed open tag, and orphaned closing tags
// are all handled. Returns "" when nothing but reasoning remains.
func StripThinkTags(text string) string {
	if text == "" {
		return ""
	}
	result := text
	for _, pats := range thinkStripPatterns {
		// Repeated application peels nested pairs from the inside out.
		for {
			prev := result
			result = stripInnermost(result, pats.open, pats.orphan)
			if result == prev {
				break
			}
		}
		result = pats.unclosed.ReplaceAllString(result, "")
		result = pats.orphan.ReplaceAllString(result, "")
	}
	return strings.TrimSpace(result)
}

// stripInnermost removes balanced <tag>...</tag> pairs that contain no
// nested open tag, scanning case-insensitively.
func stripInnermost(text, openTag string, closeRe *regexp.Regexp) string {
	lower := strings.ToLower(text)
	lowerOpen := strings.ToLower(openTag)

	var b strings.Builder
	pos := 0
	for {
		start := strings.Index(lower[pos:], lowerOpen)
		if start < 0 {
			b.WriteString(text[pos:])
			break
		}
		start += pos
		rest := start + len(lowerOpen)

		closeLoc := closeRe.FindStringIndex(text[rest:])
		if closeLoc == nil {
			b.WriteString(text[pos:])
			break
		}
		// Innermost only: another open before the close means this pair
		// wraps a nested tag, so skip past the inner open and let the
		// next sweep take the outer pair.
		inner := strings.Index(lower[rest:rest+closeLoc[0]], lowerOpen)
		if inner >= 0 {
			b.WriteString(text[pos : rest+inner])
			pos = rest + inner
			continue
		}
		b.WriteString(text[pos:start])
		pos = rest + closeLoc[1]
	}
	return b.String()
}
