package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/kestrel/internal/tools"
)

// SearchTool lets the model look up skills by keyword instead of loading
// every descriptor into context.
type SearchTool struct {
	loader *Loader
}

func NewSearchTool(loader *Loader) *SearchTool {
	return &SearchTool{loader: loader}
}

func (t *SearchTool) Name() string { return "skill_search" }

func (t *SearchTool) Description() string {
	return "Search available skills by keyword or description. Returns matching skill names, descriptions, and SKILL.md paths."
}

func (t *SearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Keywords to match against skill names and descriptions. Empty lists every skill.",
			},
		},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	query, _ := args["query"].(string)
	terms := strings.Fields(strings.ToLower(query))

	var matches []Skill
	for _, s := range t.loader.ListSkills() {
		if matchesSkill(s, terms) {
			matches = append(matches, s)
		}
	}
	if len(matches) == 0 {
		if query == "" {
			return tools.NewResult("No skills installed.")
		}
		return tools.NewResult(fmt.Sprintf("No skills matched %q.", query))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d skill(s):\n\n", len(matches))
	for _, s := range matches {
		status := "available"
		if !s.Available {
			status = "unavailable (missing: " + strings.Join(missingBinaries(s), ", ") + ")"
		}
		fmt.Fprintf(&sb, "- %s [%s]\n  %s\n  Read %s for usage.\n", s.Name, status, s.Description, s.Path)
	}
	return tools.NewResult(strings.TrimSpace(sb.String()))
}

// matchesSkill requires every term to appear in the name or description.
func matchesSkill(s Skill, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	haystack := strings.ToLower(s.Name + " " + s.Description)
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func missingBinaries(s Skill) []string {
	var missing []string
	for _, bin := range s.Requires {
		if !binaryOnPath(bin) {
			missing = append(missing, bin)
		}
	}
	return missing
}
