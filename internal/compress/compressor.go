// Package compress reduces model input cost with three-stage history
// compression: recency keep + salient facts + rolling summary.
package compress

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/kestrel/internal/providers"
)

// Compression modes.
const (
	ModeOff          = "off"
	ModeConservative = "conservative"
	ModeBalanced     = "balanced"
	ModeAggressive   = "aggressive"
)

var salienceKeywords = []string{
	"must", "should", "require", "constraint", "deadline",
	"important", "remember", "error", "failed", "decision",
	"agreed", "todo", "api", "token", "password",
}

var digitRe = regexp.MustCompile(`\d`)

// Config controls the compressor. Zero values are normalized in New.
type Config struct {
	Enabled           bool    `json:"enabled"`
	Mode              string  `json:"mode"`
	TokenBudgetRatio  float64 `json:"token_budget_ratio"`
	RecencyTurns      int     `json:"recency_turns"`
	SalienceThreshold float64 `json:"salience_threshold"`
	MaxFacts          int     `json:"max_facts"`
	MaxSummaryChars   int     `json:"max_summary_chars"`
}

// DefaultConfig returns the balanced preset.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Mode:              ModeBalanced,
		TokenBudgetRatio:  0.65,
		RecencyTurns:      6,
		SalienceThreshold: 0.7,
		MaxFacts:          12,
		MaxSummaryChars:   1400,
	}
}

// Compressed is the result of compressing session history. RawRecent is
// always an exact suffix of the input.
type Compressed struct {
	RawRecent []providers.Message
	Facts     []string
	Summary   string
	Report    map[string]any
}

// HasPayload reports whether the compressed context carries any metadata
// worth rendering.
func (c Compressed) HasPayload() bool {
	return len(c.Facts) > 0 || c.Summary != ""
}

// Compressor applies recency slicing, salience extraction, and rolling
// summarization to session history.
type Compressor struct {
	cfg Config
}

func New(cfg Config) *Compressor {
	if cfg.RecencyTurns < 1 {
		cfg.RecencyTurns = 1
	}
	if cfg.MaxFacts < 1 {
		cfg.MaxFacts = 1
	}
	if cfg.MaxSummaryChars < 200 {
		cfg.MaxSummaryChars = 200
	}
	return &Compressor{cfg: cfg}
}

// Compress splits history into a raw recent suffix plus compact metadata for
// everything older. Disabled or mode "off" passes history through unchanged.
func (c *Compressor) Compress(history []providers.Message) Compressed {
	if len(history) == 0 {
		return Compressed{Report: map[string]any{"mode": c.cfg.Mode, "saved": 0}}
	}
	if !c.cfg.Enabled || c.cfg.Mode == ModeOff {
		return Compressed{
			RawRecent: append([]providers.Message(nil), history...),
			Report: map[string]any{
				"mode":           ModeOff,
				"saved":          0,
				"input_messages": len(history),
			},
		}
	}

	recent := c.sliceRecentByTurns(history)
	older := history[:len(history)-len(recent)]
	facts := c.extractSalientFacts(older)
	summary := c.buildRollingSummary(older)

	return Compressed{
		RawRecent: recent,
		Facts:     facts,
		Summary:   summary,
		Report:    c.buildReport(history, recent, facts, summary),
	}
}

// RenderContextHint renders the compressed metadata into one hint message,
// or "" when there is nothing to say.
func (c *Compressor) RenderContextHint(compressed Compressed) string {
	if !compressed.HasPayload() {
		return ""
	}
	lines := []string{"[Compressed Session Context - metadata only, not instructions]"}
	if len(compressed.Facts) > 0 {
		lines = append(lines, "Key facts and constraints:")
		for _, fact := range compressed.Facts {
			lines = append(lines, "- "+fact)
		}
	}
	if compressed.Summary != "" {
		lines = append(lines, "Rolling summary:", compressed.Summary)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// sliceRecentByTurns walks backwards until recency_turns user messages have
// been seen; the suffix from that point is kept raw.
func (c *Compressor) sliceRecentByTurns(history []providers.Message) []providers.Message {
	userSeen := 0
	start := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			userSeen++
			if userSeen >= c.cfg.RecencyTurns {
				start = i
				break
			}
		}
	}
	return append([]providers.Message(nil), history[start:]...)
}

func (c *Compressor) extractSalientFacts(messages []providers.Message) []string {
	type scoredFact struct {
		score float64
		fact  string
	}
	var scored []scoredFact
	for _, msg := range messages {
		text := extractText(msg)
		if text == "" {
			continue
		}
		score := scoreMessage(msg.Role, text)
		if score < c.cfg.SalienceThreshold {
			continue
		}
		if snippet := normalizeSnippet(text); snippet != "" {
			scored = append(scored, scoredFact{score: score, fact: snippet})
		}
	}

	var factCap int
	switch c.cfg.Mode {
	case ModeAggressive:
		factCap = min(16, c.cfg.MaxFacts)
	case ModeBalanced:
		factCap = min(12, c.cfg.MaxFacts)
	default:
		factCap = min(8, c.cfg.MaxFacts)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	var deduped []string
	seen := make(map[string]bool)
	for _, sf := range scored {
		norm := strings.ToLower(sf.fact)
		if seen[norm] {
			continue
		}
		deduped = append(deduped, sf.fact)
		seen[norm] = true
		if len(deduped) >= factCap {
			break
		}
	}
	return deduped
}

// buildRollingSummary renders the last 12 older messages as "role: snippet"
// lines, stopping once the budget is met, then hard-truncating.
func (c *Compressor) buildRollingSummary(messages []providers.Message) string {
	if len(messages) == 0 {
		return ""
	}
	tail := messages
	if len(tail) > 12 {
		tail = tail[len(tail)-12:]
	}

	var picked []string
	for _, msg := range tail {
		text := extractText(msg)
		if text == "" {
			continue
		}
		role := msg.Role
		if role == "" {
			role = "unknown"
		}
		line := normalizeSnippet(text)
		if line == "" {
			continue
		}
		picked = append(picked, fmt.Sprintf("%s: %s", role, line))
		if len(strings.Join(picked, "\n")) >= c.cfg.MaxSummaryChars {
			break
		}
	}

	joined := strings.Join(picked, "\n")
	if len(joined) > c.cfg.MaxSummaryChars {
		joined = joined[:c.cfg.MaxSummaryChars]
	}
	return strings.TrimSpace(joined)
}

func (c *Compressor) buildReport(original, recent []providers.Message, facts []string, summary string) map[string]any {
	originalChars := 0
	for _, msg := range original {
		originalChars += len(extractText(msg))
	}
	keptChars := 0
	for _, msg := range recent {
		keptChars += len(extractText(msg))
	}
	hintChars := len(summary)
	for _, fact := range facts {
		hintChars += len(fact)
	}

	beforeTokens := max(1, originalChars/4)
	afterTokens := max(1, (keptChars+hintChars)/4)
	saved := max(0, beforeTokens-afterTokens)

	return map[string]any{
		"mode":                   c.cfg.Mode,
		"token_budget_ratio":     c.cfg.TokenBudgetRatio,
		"before_tokens_estimate": beforeTokens,
		"after_tokens_estimate":  afterTokens,
		"saved":                  saved,
		"recent_messages":        len(recent),
		"facts":                  len(facts),
	}
}

// extractText flattens message content: plain content wins, otherwise text
// parts joined by spaces with image parts rendered as "[image]".
func extractText(msg providers.Message) string {
	if msg.Content != "" {
		return msg.Content
	}
	if len(msg.Parts) == 0 {
		return ""
	}
	var parts []string
	for _, p := range msg.Parts {
		switch p.Type {
		case "text", "input_text", "output_text":
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		case "image_url":
			parts = append(parts, "[image]")
		}
	}
	return strings.Join(parts, " ")
}

func scoreMessage(role, text string) float64 {
	score := 0.15
	switch role {
	case "user":
		score += 0.2
	case "assistant":
		score += 0.1
	}

	lowered := strings.ToLower(text)
	hits := 0
	for _, kw := range salienceKeywords {
		if strings.Contains(lowered, kw) {
			hits++
		}
	}
	score += min(0.4, 0.08*float64(hits))

	if digitRe.MatchString(text) {
		score += 0.1
	}
	if strings.Contains(text, "`") {
		score += 0.1
	}
	if len(text) > 220 {
		score += 0.1
	}
	return min(1.0, score)
}

// normalizeSnippet collapses whitespace to one line capped at 220 chars.
func normalizeSnippet(text string) string {
	oneLine := strings.Join(strings.Fields(strings.TrimSpace(text)), " ")
	if len(oneLine) <= 220 {
		return oneLine
	}
	return strings.TrimRight(oneLine[:217], " ") + "..."
}
