package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/kestrel/internal/tools"
)

// Tool exposes the job store to the model. New jobs deliver to the chat the
// current turn originated from, taken from the tool routing context.
type Tool struct {
	store *Store
	gron  *gronx.Gronx
}

func NewTool(store *Store) *Tool {
	return &Tool{store: store, gron: gronx.New()}
}

func (t *Tool) Name() string { return "cron" }

func (t *Tool) Description() string {
	return "Schedule recurring tasks. Actions: 'add' a job (name, schedule, prompt), 'list' jobs, 'remove' a job by id. Scheduled prompts run on their own session and deliver the result to this chat."
}

func (t *Tool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"add", "list", "remove"},
				"description": "Operation to perform.",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Short job name (add).",
			},
			"schedule": map[string]interface{}{
				"type":        "string",
				"description": "Standard 5-field cron expression, e.g. '0 9 * * 1-5' (add).",
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Prompt the agent runs when the job fires (add).",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Job id (remove).",
			},
		},
		"required": []string{"action"},
	}
}

func (t *Tool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	action, _ := args["action"].(string)
	switch action {
	case "add":
		return t.add(ctx, args)
	case "list":
		return t.list()
	case "remove":
		id, _ := args["id"].(string)
		if id == "" {
			return tools.ErrorResult("id is required for remove")
		}
		if err := t.store.Remove(id); err != nil {
			return tools.ErrorResult("%v", err)
		}
		return tools.NewResult(fmt.Sprintf("Removed cron job %s.", id))
	default:
		return tools.ErrorResult("unknown action: %s", action)
	}
}

func (t *Tool) add(ctx context.Context, args map[string]interface{}) *tools.Result {
	name, _ := args["name"].(string)
	schedule, _ := args["schedule"].(string)
	prompt, _ := args["prompt"].(string)
	if name == "" || schedule == "" || prompt == "" {
		return tools.ErrorResult("add requires name, schedule, and prompt")
	}
	if !t.gron.IsValid(schedule) {
		return tools.ErrorResult("invalid cron expression: %s", schedule)
	}

	channel := tools.ToolChannelFromCtx(ctx)
	chatID := tools.ToolChatIDFromCtx(ctx)
	if channel == "" || chatID == "" {
		return tools.ErrorResult("no delivery route available for this conversation")
	}

	now := time.Now()
	job := Job{
		ID:        uuid.NewString()[:8],
		Name:      name,
		Expr:      schedule,
		Prompt:    prompt,
		Channel:   channel,
		ChatID:    chatID,
		Enabled:   true,
		CreatedAt: now,
	}
	if next, err := gronx.NextTickAfter(schedule, now, false); err == nil {
		job.NextRun = next
	}

	if err := t.store.Add(job); err != nil {
		return tools.ErrorResult("%v", err)
	}
	return tools.NewResult(fmt.Sprintf("Scheduled job %s (%q, %s). Next run: %s.",
		job.ID, job.Name, job.Expr, job.NextRun.Format(time.RFC3339)))
}

func (t *Tool) list() *tools.Result {
	jobs := t.store.List()
	if len(jobs) == 0 {
		return tools.NewResult("No cron jobs scheduled.")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d cron job(s):\n", len(jobs))
	for _, j := range jobs {
		status := "enabled"
		if !j.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(&sb, "- %s %q (%s, %s) -> %s:%s", j.ID, j.Name, j.Expr, status, j.Channel, j.ChatID)
		if !j.NextRun.IsZero() {
			fmt.Fprintf(&sb, " next: %s", j.NextRun.Format(time.RFC3339))
		}
		sb.WriteByte('\n')
	}
	return tools.NewResult(strings.TrimSpace(sb.String()))
}
