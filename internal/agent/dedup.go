package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

const (
	defaultMaxConsecutiveSearches = 2
	defaultMaxTotalSearches       = 4
)

// DedupResult reports whether a tool call was already made this turn.
type DedupResult struct {
	IsDuplicate  bool
	CachedResult string
}

// ToolCallDedup is a per-turn cache that prevents identical tool calls and
// detects search loops. One instance is created per orchestrator run and
// discarded when the run returns, so cached results never go stale across
// turns.
//
// Beyond exact matching, web_search calls are checked against a normalized
// query index so rephrased queries that reduce to the same token set count
// as duplicates.
type ToolCallDedup struct {
	maxConsecutiveSearches int
	maxTotalSearches       int

	cache               map[string]string
	consecutiveSearches int

	searchIndex   map[string]string
	searchHistory []string
}

// NewToolCallDedup creates a dedup with default thresholds (2 consecutive
// searches trigger the loop nudge, 4 total searches hit the hard cap).
func NewToolCallDedup() *ToolCallDedup {
	return NewToolCallDedupLimits(defaultMaxConsecutiveSearches, defaultMaxTotalSearches)
}

// NewToolCallDedupLimits creates a dedup with explicit thresholds.
func NewToolCallDedupLimits(maxConsecutive, maxTotal int) *ToolCallDedup {
	if maxConsecutive < 1 {
		maxConsecutive = defaultMaxConsecutiveSearches
	}
	if maxTotal < 1 {
		maxTotal = defaultMaxTotalSearches
	}
	return &ToolCallDedup{
		maxConsecutiveSearches: maxConsecutive,
		maxTotalSearches:       maxTotal,
		cache:                  make(map[string]string),
		searchIndex:            make(map[string]string),
	}
}

// cacheKey builds the canonical cache key from tool name plus arguments
// marshaled with sorted keys, so argument order never matters.
func cacheKey(name string, args map[string]any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", args))
	}
	return name + ":" + string(encoded)
}

// Check returns the cached result if this call (or a near-duplicate query)
// was already made this turn.
func (d *ToolCallDedup) Check(name string, args map[string]any) DedupResult {
	if cached, ok := d.cache[cacheKey(name, args)]; ok {
		return DedupResult{IsDuplicate: true, CachedResult: cached}
	}
	if name == "web_search" {
		if norm := normalizeQuery(queryArg(args)); norm != "" {
			if cached, ok := d.searchIndex[norm]; ok {
				return DedupResult{IsDuplicate: true, CachedResult: cached}
			}
		}
	}
	return DedupResult{}
}

// Store records a completed tool call result.
func (d *ToolCallDedup) Store(name string, args map[string]any, result string) {
	d.cache[cacheKey(name, args)] = result
	if name == "web_search" {
		raw := queryArg(args)
		if norm := normalizeQuery(raw); norm != "" {
			d.searchIndex[norm] = result
		}
		d.searchHistory = append(d.searchHistory, raw)
	}
}

// RecordToolName tracks consecutive web_search calls for loop detection.
func (d *ToolCallDedup) RecordToolName(name string) {
	if name == "web_search" {
		d.consecutiveSearches++
	} else {
		d.consecutiveSearches = 0
	}
}

// SearchLoopDetected reports whether consecutive web_search calls hit the
// threshold.
func (d *ToolCallDedup) SearchLoopDetected() bool {
	return d.consecutiveSearches >= d.maxConsecutiveSearches
}

// SearchCapReached reports whether total web_search calls hit the hard cap.
func (d *ToolCallDedup) SearchCapReached() bool {
	return len(d.searchHistory) >= d.maxTotalSearches
}

func (d *ToolCallDedup) ConsecutiveSearchCount() int { return d.consecutiveSearches }

func (d *ToolCallDedup) TotalSearchCount() int { return len(d.searchHistory) }

// SearchHistorySummary renders the searches performed this turn for
// injection into loop-guard messages.
func (d *ToolCallDedup) SearchHistorySummary() string {
	if len(d.searchHistory) == 0 {
		return "No searches performed yet."
	}
	var b strings.Builder
	b.WriteString("Searches already performed:")
	for i, q := range d.searchHistory {
		fmt.Fprintf(&b, "\n  %d. %q", i+1, q)
	}
	return b.String()
}

func queryArg(args map[string]any) string {
	q, _ := args["query"].(string)
	return q
}

// Stop words stripped during query normalization so rephrasings like
// "what is X" and "tell me about X" collapse to the same key.
var searchStopWords = map[string]struct{}{}

func init() {
	words := "a an the is are was were be been being do does did " +
		"have has had having will would shall should may might can could " +
		"of in on at to for with by from as into through about between " +
		"what how who where when which why that this these those " +
		"i me my we our you your he she it they them their " +
		"and or but not no nor so yet " +
		"tell me please show find get let"
	for _, w := range strings.Fields(words) {
		searchStopWords[w] = struct{}{}
	}
}

// normalizeQuery reduces a search query to a canonical form for fuzzy
// matching: width-fold, lowercase, strip punctuation, drop stop words,
// then sort and dedupe the remaining tokens so word order never matters.
func normalizeQuery(query string) string {
	folded := strings.Map(foldWidth, query)
	lowered := strings.ToLower(folded)
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, lowered)

	seen := make(map[string]struct{})
	var tokens []string
	for _, tok := range strings.Fields(cleaned) {
		if _, stop := searchStopWords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// foldWidth maps fullwidth forms onto their ASCII equivalents so queries
// typed with CJK input methods match their plain-ASCII phrasings.
func foldWidth(r rune) rune {
	switch {
	case r >= 0xFF01 && r <= 0xFF5E:
		return r - 0xFEE0
	case r == 0x3000:
		return ' '
	}
	return r
}
