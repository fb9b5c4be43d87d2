package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/kestrel/internal/agent"
	"github.com/nextlevelbuilder/kestrel/internal/providers"
	"github.com/nextlevelbuilder/kestrel/internal/store"
)

const consolidateMaxTokens = 2048

// Consolidator archives the unconsolidated slice of a session: the provider
// rewrites MEMORY.md and produces a HISTORY.md entry, both are applied, then
// the session's consolidation cursor advances. In archive-all mode the
// cursor is left alone because the caller clears the session afterwards.
type Consolidator struct {
	repo     *Repository
	store    store.SessionStore
	provider providers.Provider
	model    string
}

func NewConsolidator(repo *Repository, st store.SessionStore, provider providers.Provider, model string) *Consolidator {
	return &Consolidator{repo: repo, store: st, provider: provider, model: model}
}

// consolidation is the JSON shape the provider must reply with.
type consolidation struct {
	Memory       string   `json:"memory"`
	HistoryEntry string   `json:"history_entry"`
	TopicTags    []string `json:"topic_tags"`
}

func (c *Consolidator) Consolidate(ctx context.Context, sessionKey string, archiveAll bool) error {
	pending, upto := c.store.Unconsolidated(sessionKey)
	if len(pending) == 0 {
		return nil
	}
	from := c.store.LastConsolidated(sessionKey) + 1

	transcript := buildTranscript(pending)
	if transcript == "" {
		// Nothing archivable (tool dumps, empty frames). Advance past it so
		// the same slice is not re-inspected every turn.
		if !archiveAll {
			c.store.AdvanceConsolidated(sessionKey, upto)
		}
		return nil
	}

	model := c.model
	if model == "" {
		model = c.provider.DefaultModel()
	}
	resp, err := c.provider.Chat(ctx, providers.ChatRequest{
		Messages:    []providers.Message{{Role: "user", Content: consolidatePrompt(c.repo.ReadLongTerm(), transcript)}},
		Model:       model,
		MaxTokens:   consolidateMaxTokens,
		Temperature: 0.3,
	})
	if err != nil {
		return fmt.Errorf("consolidate %s: %w", sessionKey, err)
	}

	parsed, err := parseConsolidation(resp.Content)
	if err != nil {
		return fmt.Errorf("consolidate %s: %w", sessionKey, err)
	}

	// Empty memory with an existing file means the model had nothing durable
	// to add; keep what we have rather than wiping it.
	if strings.TrimSpace(parsed.Memory) != "" {
		if err := c.repo.WriteLongTerm(parsed.Memory); err != nil {
			return fmt.Errorf("consolidate %s: %w", sessionKey, err)
		}
	}
	if strings.TrimSpace(parsed.HistoryEntry) != "" {
		turnRange := fmt.Sprintf("%d-%d", from, upto)
		if err := c.repo.AppendHistory(parsed.HistoryEntry, parsed.TopicTags, turnRange); err != nil {
			return fmt.Errorf("consolidate %s: %w", sessionKey, err)
		}
	}

	if !archiveAll {
		c.store.AdvanceConsolidated(sessionKey, upto)
	}
	return nil
}

// buildTranscript flattens messages into "role: content" lines. Assistant
// content passes through the reply sanitizer so think tags and tool-call
// echoes never reach the archive.
func buildTranscript(messages []providers.Message) string {
	var sb string
	for _, m := range messages {
		switch m.Role {
		case "user":
			if m.Content != "" {
				sb += fmt.Sprintf("user: %s\n", m.Content)
			}
		case "assistant":
			content := agent.SanitizeAssistantContent(m.Content)
			if content != "" {
				sb += fmt.Sprintf("assistant: %s\n", content)
			}
		}
	}
	return strings.TrimSpace(sb)
}

func consolidatePrompt(currentMemory, transcript string) string {
	prompt := `You maintain the long-term memory of a personal assistant. Rewrite the
memory file and produce an archive entry for the conversation below.

Respond with ONLY a JSON object:
{
  "memory": "full replacement content for MEMORY.md (markdown)",
  "history_entry": "2-5 sentence summary of this conversation for the archive",
  "topic_tags": ["short", "lowercase", "tags"]
}

Keep durable facts, user preferences, decisions, and open tasks in memory.
Drop chit-chat. Carry forward existing memory that is still relevant.`
	if currentMemory != "" {
		prompt += "\n\nCurrent MEMORY.md:\n" + currentMemory
	}
	prompt += "\n\nConversation:\n" + transcript
	return prompt
}

// parseConsolidation extracts the JSON object from the reply, tolerating
// code fences and surrounding prose.
func parseConsolidation(reply string) (consolidation, error) {
	var parsed consolidation
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return parsed, fmt.Errorf("consolidation reply has no JSON object")
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &parsed); err != nil {
		return parsed, fmt.Errorf("parse consolidation reply: %w", err)
	}
	if strings.TrimSpace(parsed.Memory) == "" && strings.TrimSpace(parsed.HistoryEntry) == "" {
		return parsed, fmt.Errorf("consolidation reply carries neither memory nor history entry")
	}
	return parsed, nil
}
