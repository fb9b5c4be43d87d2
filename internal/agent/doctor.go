package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
	"github.com/nextlevelbuilder/kestrel/internal/config"
	"github.com/nextlevelbuilder/kestrel/internal/diag"
	"github.com/nextlevelbuilder/kestrel/internal/tools"
)

// doctorPreamble steers doctor-mode turns on the provider path.
const doctorPreamble = "[Doctor Mode] You are diagnosing this kestrel instance. Use the doctor_check tool to inspect health, runtime status, recent logs, and pending events before concluding anything. Report findings plainly and propose one concrete fix at a time."

// doctorKickoff is the opening instruction for a fresh diagnosis run.
const doctorKickoff = "Run a full health diagnosis. Check overall health first, then runtime status, then scan recent logs for errors. Summarize what is wrong (or confirm all green) and list recommended fixes."

// handleDoctor routes /doctor sub-states. The second token selects the
// action; anything unrecognized is a note for the running diagnosis.
func (d *Dispatcher) handleDoctor(ctx context.Context, msg bus.InboundMessage) {
	key := msg.SessionKey()
	ensureCorrelation(&msg)

	fields := strings.Fields(msg.Content)
	sub := ""
	if len(fields) > 1 {
		sub = strings.ToLower(fields[1])
	}

	switch sub {
	case "":
		d.doctorStart(ctx, msg, "")

	case "status":
		content := "Doctor status: idle."
		if d.doctorRunning(key) {
			content = "Doctor status: running diagnosis. Send a note anytime, /doctor cancel to leave."
		}
		d.bus.PublishOutbound(*directReply(msg, content))

	case "cancel":
		d.mu.Lock()
		task := d.doctorTasks[key]
		d.mu.Unlock()
		if task != nil {
			task.cancel()
			<-task.done
		}
		d.store.DeleteMeta(key, metaDoctorMode)
		d.store.DeleteMeta(key, metaDoctorCodexSession)
		if err := d.store.Save(key); err != nil {
			slog.Warn("session save failed", "session", key, "error", err)
		}
		slog.Info("doctor mode cancelled", "session", key)
		d.bus.PublishOutbound(*directReply(msg, "Doctor mode cancelled."))

	case "resume":
		resumeID, _ := d.store.Meta(key, metaDoctorCodexSession)
		d.doctorStart(ctx, msg, resumeID)

	default:
		note := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(msg.Content), fields[0]))
		if d.doctorRunning(key) {
			d.bus.PublishEvent(key, note)
			d.bus.PublishOutbound(*directReply(msg, "Noted. The running diagnosis will pick it up."))
			return
		}
		d.bus.PublishOutbound(*directReply(msg, "Doctor is idle. Start with /doctor, or /doctor resume to continue the last run."))
	}
}

// doctorStart prechecks provider health, flips the session into doctor
// mode, and spawns the diagnosis task. resumeID re-enters a previous codex
// session.
func (d *Dispatcher) doctorStart(ctx context.Context, msg bus.InboundMessage, resumeID string) {
	key := msg.SessionKey()

	if d.doctorRunning(key) {
		d.bus.PublishOutbound(*directReply(msg, "Doctor is already running. /doctor status for progress, /doctor cancel to leave."))
		return
	}

	// A diagnosis run burns provider calls; refuse to start against a
	// provider that cannot answer them.
	if d.health != nil {
		snap := d.health()
		if ev, ok := findEvidence(snap, "provider"); ok && ev.Status != diag.StatusOK {
			slog.Warn("doctor precheck blocked", "session", key, "provider_status", ev.Status)
			d.bus.PublishOutbound(*directReply(msg, fmt.Sprintf(
				"Doctor precheck blocked: provider not ready (%s). %s\nSet the provider API key in config.json or its environment variable, then run /doctor again.",
				ev.Status, ev.Summary)))
			return
		}
	}

	if stopped := d.stopTasks(key); stopped > 0 {
		slog.Info("stopped running tasks for doctor", "session", key, "stopped", stopped)
	}

	d.store.SetMeta(key, metaDoctorMode, "true")
	if err := d.store.Save(key); err != nil {
		slog.Warn("session save failed", "session", key, "error", err)
	}

	d.mu.Lock()
	d.spawnTaskLocked(ctx, key, true, func(taskCtx context.Context) {
		d.runDoctor(taskCtx, msg, resumeID)
	})
	d.mu.Unlock()

	d.bus.PublishOutbound(*directReply(msg, "🩺 Entering doctor mode: diagnostics are running. Send notes to steer the run, /doctor status for progress, /doctor cancel to leave."))
}

func (d *Dispatcher) doctorRunning(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doctorTasks[key] != nil
}

// runDoctor executes one diagnosis pass: the codex subprocess when
// configured and present, the provider path otherwise.
func (d *Dispatcher) runDoctor(ctx context.Context, msg bus.InboundMessage, resumeID string) {
	key := msg.SessionKey()
	lock := d.sessionLock(key)
	lock.Lock()
	defer lock.Unlock()

	if driver := d.codex(); driver != nil {
		prompt := doctorKickoff
		if resumeID != "" {
			prompt = "Continue the diagnosis from where it left off."
		}
		err := d.runDoctorCodex(ctx, driver, msg, resumeID, prompt)
		if err == nil || ctx.Err() != nil {
			return
		}
		slog.Warn("codex doctor driver failed, falling back to provider path", "error", err)
	}

	final, sentViaTool, _, err := d.runTurn(ctx, msg, doctorPreamble+"\n\n"+doctorKickoff, msg.Channel, msg.ChatID)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			slog.Info("doctor run cancelled", "session", key)
			return
		}
		slog.Error("doctor run failed", "session", key, "error", err)
		d.bus.PublishOutbound(*directReply(msg, processingErrorReply))
		return
	}
	if sentViaTool {
		return
	}
	final = SanitizeAssistantContent(final)
	if final == "" {
		final = "Diagnosis finished with nothing to report."
	}
	d.bus.PublishOutbound(*directReply(msg, final))
}

// runDoctorCodex drives one codex subprocess run, persisting the thread id
// for /doctor resume and streaming agent messages as progress.
func (d *Dispatcher) runDoctorCodex(ctx context.Context, driver *codexDriver, msg bus.InboundMessage, resumeID, prompt string) error {
	key := msg.SessionKey()

	sessionID, final, err := driver.Run(ctx, prompt, resumeID, func(text string) {
		d.bus.PublishOutbound(bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  text,
			Metadata: map[string]string{bus.MetaProgress: "true"},
			RunID:    msg.RunID,
			TurnID:   msg.TurnID,
		})
	})
	if sessionID != "" {
		d.store.SetMeta(key, metaDoctorCodexSession, sessionID)
		if saveErr := d.store.Save(key); saveErr != nil {
			slog.Warn("session save failed", "session", key, "error", saveErr)
		}
	}
	if err != nil {
		return err
	}
	d.bus.PublishOutbound(*directReply(msg, final))
	return nil
}

// codex returns the configured subprocess driver, or nil when the binary is
// unset or missing from PATH.
func (d *Dispatcher) codex() *codexDriver {
	if d.doctorCmd == "" {
		return nil
	}
	if _, err := exec.LookPath(d.doctorCmd); err != nil {
		return nil
	}
	return &codexDriver{command: d.doctorCmd, args: d.doctorArgs}
}

func findEvidence(snap diag.Snapshot, component string) (diag.Evidence, bool) {
	for _, ev := range snap.Evidence {
		if ev.Component == component {
			return ev, true
		}
	}
	return diag.Evidence{}, false
}

// codexDriver speaks a codex-style CLI's JSON-lines protocol: one event per
// stdout line, "thread.started" carrying the resumable session id and
// "item.completed" carrying agent text.
type codexDriver struct {
	command string
	args    []string
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Item     struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// Run executes one diagnosis prompt and returns the thread id plus the last
// agent message. onText fires for every agent message in order.
func (c *codexDriver) Run(ctx context.Context, prompt, resumeID string, onText func(string)) (string, string, error) {
	args := append([]string(nil), c.args...)
	args = append(args, "exec", "--json")
	if resumeID != "" {
		args = append(args, "resume", resumeID)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", err
	}
	if err := cmd.Start(); err != nil {
		return "", "", err
	}

	var sessionID, final string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var event codexEvent
		if json.Unmarshal([]byte(line), &event) != nil {
			continue
		}
		switch event.Type {
		case "thread.started":
			sessionID = event.ThreadID
		case "item.completed":
			if event.Item.Type == "agent_message" && event.Item.Text != "" {
				final = event.Item.Text
				if onText != nil {
					onText(event.Item.Text)
				}
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return sessionID, final, fmt.Errorf("codex exited: %w: %s", err, detail)
		}
		return sessionID, final, fmt.Errorf("codex exited: %w", err)
	}
	if final == "" {
		return sessionID, "", errors.New("codex produced no agent message")
	}
	return sessionID, final, nil
}

// DoctorCheckTool exposes runtime introspection to the model during doctor
// runs: the aggregated health snapshot, instance status, recent log rows,
// and a compact scan of recent diagnostic events.
type DoctorCheckTool struct {
	health     HealthFunc
	cfg        *config.Config
	configPath string
	sink       *diag.Sink
}

func NewDoctorCheckTool(health HealthFunc, cfg *config.Config, configPath string, sink *diag.Sink) *DoctorCheckTool {
	return &DoctorCheckTool{health: health, cfg: cfg, configPath: configPath, sink: sink}
}

func (t *DoctorCheckTool) Name() string { return "doctor_check" }

func (t *DoctorCheckTool) Description() string {
	return "Inspect this kestrel instance. check=health returns the aggregated health snapshot, status the config/workspace/model summary, logs recent log entries, events a compact scan of recent diagnostic events."
}

func (t *DoctorCheckTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"check": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"health", "status", "logs", "events"},
				"description": "Which diagnostic surface to inspect",
			},
			"count": map[string]interface{}{
				"type":        "integer",
				"description": "How many recent rows to return for logs/events (default 20)",
			},
		},
		"required": []string{"check"},
	}
}

func (t *DoctorCheckTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	check, _ := args["check"].(string)
	count := 20
	if n, ok := args["count"].(float64); ok && n > 0 {
		count = int(n)
	}

	var payload map[string]any
	switch check {
	case "health":
		if t.health == nil {
			return tools.ErrorResult("health aggregator unavailable")
		}
		payload = map[string]any{"check": "health", "snapshot": t.health()}

	case "status":
		payload = map[string]any{
			"check":           "status",
			"config_path":     t.configPath,
			"workspace":       t.cfg.WorkspacePath(),
			"model":           t.cfg.Agents.Defaults.Model,
			"session_backend": sessionBackend(t.cfg),
			"log_path":        t.cfg.LogPath(),
		}

	case "logs":
		rows, err := t.recentRows(count)
		if err != nil {
			return tools.ErrorResult("log query failed: %v", err)
		}
		payload = map[string]any{"check": "logs", "count": len(rows), "entries": rows}

	case "events":
		rows, err := t.recentRows(count)
		if err != nil {
			return tools.ErrorResult("log query failed: %v", err)
		}
		events := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			events = append(events, map[string]any{
				"name":      row["name"],
				"component": row["component"],
				"severity":  row["severity"],
				"ts":        row["ts"],
			})
		}
		payload = map[string]any{"check": "events", "count": len(events), "events": events}

	default:
		return tools.ErrorResult("unknown check %q (use health, status, logs, or events)", check)
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return tools.ErrorResult("encoding failed: %v", err)
	}
	return tools.NewResult(string(data))
}

func (t *DoctorCheckTool) recentRows(count int) ([]map[string]any, error) {
	if t.sink == nil {
		return nil, errors.New("log sink unavailable")
	}
	return t.sink.Query(diag.QueryFilter{Limit: count})
}

func sessionBackend(cfg *config.Config) string {
	if cfg.Database.Backend != "" {
		return cfg.Database.Backend
	}
	return "file"
}
