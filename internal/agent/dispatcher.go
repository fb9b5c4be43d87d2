package agent

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
	"github.com/nextlevelbuilder/kestrel/internal/compress"
	"github.com/nextlevelbuilder/kestrel/internal/diag"
	"github.com/nextlevelbuilder/kestrel/internal/providers"
	"github.com/nextlevelbuilder/kestrel/internal/store"
	"github.com/nextlevelbuilder/kestrel/internal/tools"
)

const (
	pollInterval         = time.Second
	toolResultPersistCap = 500
	defaultMemoryWindow  = 100

	channelSystem = "system"
	channelCLI    = "cli"

	planModePreamble = "[Plan Mode] First clarify the request if ambiguous, then present a structured plan and WAIT for approval before executing. Format: **Plan:** followed by numbered checklist items."

	emptyFinalReply      = "I've completed processing but have no response to give."
	processingErrorReply = "Sorry, I encountered an error."
	backgroundDoneReply  = "Background task completed."
	archiveFailedReply   = "Memory archival failed, session not cleared. Please try again."
	newSessionReply      = "New session started."

	helpReply = `Commands:
/new    - archive this session to memory and start fresh
/plan   - plan-first mode: propose a plan and wait for approval
/normal - leave plan mode
/doctor - interactive diagnostics (/doctor status|cancel|resume)
/stop   - cancel running tasks for this chat
/help   - show this list`
)

// Session metadata fields the dispatcher owns.
const (
	metaPlanMode           = "plan_mode"
	metaDoctorMode         = "doctor_mode"
	metaDoctorCodexSession = "doctor_codex_session_id"
)

// Consolidator archives session history into long-term memory. archiveAll
// archives everything regardless of the cursor (the /new path); otherwise
// only messages past the cursor are archived and the cursor advances.
type Consolidator interface {
	Consolidate(ctx context.Context, sessionKey string, archiveAll bool) error
}

// SubagentCanceler stops spawned background runs belonging to a session.
type SubagentCanceler interface {
	CancelBySession(sessionKey string) int
}

// HealthFunc returns a point-in-time health snapshot, used by the doctor
// precheck. Nil skips the precheck.
type HealthFunc func() diag.Snapshot

// DispatcherOptions wires the dispatcher's collaborators. Bus, Store,
// Orchestrator, and Context are required; everything else is optional and
// degrades to a no-op when nil.
type DispatcherOptions struct {
	Bus          *bus.MessageBus
	Store        store.SessionStore
	Orchestrator *Orchestrator
	Context      *ContextBuilder
	Compressor   *compress.Compressor
	Consolidator Consolidator
	Subagents    SubagentCanceler
	Health       HealthFunc
	Emit         diag.Emitter

	// MemoryWindow is how many messages accumulate past the consolidation
	// cursor before a background archive kicks off (default 100).
	MemoryWindow int

	// HistoryLimit caps how many persisted messages feed the context
	// builder each turn. 0 means the memory window.
	HistoryLimit int

	// DoctorCommand names a codex-style CLI for /doctor runs. Empty uses
	// the provider path.
	DoctorCommand string
	DoctorArgs    []string
}

// turnTask is one cancellable in-flight task for a session.
type turnTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Dispatcher consumes the inbound queue and drives turns: slash commands,
// per-session serialization, interrupt divert and replay, doctor mode,
// persistence. No two turns run concurrently for the same session key.
type Dispatcher struct {
	bus          *bus.MessageBus
	store        store.SessionStore
	orch         *Orchestrator
	builder      *ContextBuilder
	compressor   *compress.Compressor
	consolidator Consolidator
	subagents    SubagentCanceler
	health       HealthFunc
	emit         diag.Emitter

	memoryWindow int
	historyLimit int
	doctorCmd    string
	doctorArgs   []string

	mu            sync.Mutex
	activeTasks   map[string][]*turnTask
	doctorTasks   map[string]*turnTask
	processing    map[string]int
	consolidating map[string]bool

	sessionLocks       sync.Map // key -> *sync.Mutex
	consolidationLocks sync.Map // key -> *sync.Mutex

	wg sync.WaitGroup
}

// NewDispatcher builds a dispatcher from its options.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.MemoryWindow < 1 {
		opts.MemoryWindow = defaultMemoryWindow
	}
	if opts.HistoryLimit < 1 {
		opts.HistoryLimit = opts.MemoryWindow
	}
	if opts.Compressor == nil {
		opts.Compressor = compress.New(compress.DefaultConfig())
	}
	return &Dispatcher{
		bus:           opts.Bus,
		store:         opts.Store,
		orch:          opts.Orchestrator,
		builder:       opts.Context,
		compressor:    opts.Compressor,
		consolidator:  opts.Consolidator,
		subagents:     opts.Subagents,
		health:        opts.Health,
		emit:          opts.Emit,
		memoryWindow:  opts.MemoryWindow,
		historyLimit:  opts.HistoryLimit,
		doctorCmd:     opts.DoctorCommand,
		doctorArgs:    opts.DoctorArgs,
		activeTasks:   make(map[string][]*turnTask),
		doctorTasks:   make(map[string]*turnTask),
		processing:    make(map[string]int),
		consolidating: make(map[string]bool),
	}
}

// Run polls the inbound queue until ctx is cancelled, then waits for
// in-flight turns to wind down.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("dispatcher started")
	for {
		pollCtx, cancel := context.WithTimeout(ctx, pollInterval)
		msg, ok := d.bus.ConsumeInbound(pollCtx)
		cancel()
		if !ok {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		d.route(ctx, msg)
	}
	d.wg.Wait()
	slog.Info("dispatcher stopped")
}

// route handles one inbound message on the consume goroutine. Only /stop
// and /doctor are recognized here; everything else becomes a turn, or an
// interrupt event when the session already has one running.
func (d *Dispatcher) route(ctx context.Context, msg bus.InboundMessage) {
	switch firstToken(msg.Content) {
	case "/stop":
		d.handleStop(msg)
	case "/doctor":
		d.handleDoctor(ctx, msg)
	default:
		if d.tryStartTurn(ctx, msg) {
			return
		}
		key := msg.SessionKey()
		slog.Info("session busy, diverting to interrupt queue", "session", key)
		d.bus.PublishEvent(key, msg.Content)
	}
}

// tryStartTurn spawns a dispatch goroutine for the message unless the
// session already has a task in flight.
func (d *Dispatcher) tryStartTurn(ctx context.Context, msg bus.InboundMessage) bool {
	key := msg.SessionKey()
	d.mu.Lock()
	if d.processing[key] > 0 {
		d.mu.Unlock()
		return false
	}
	d.spawnTaskLocked(ctx, key, false, func(taskCtx context.Context) {
		d.dispatch(taskCtx, msg)
	})
	d.mu.Unlock()
	return true
}

// spawnTaskLocked registers and launches one cancellable task. Caller holds
// d.mu.
func (d *Dispatcher) spawnTaskLocked(ctx context.Context, key string, doctor bool, run func(ctx context.Context)) {
	taskCtx, cancel := context.WithCancel(ctx)
	task := &turnTask{cancel: cancel, done: make(chan struct{})}
	d.processing[key]++
	d.activeTasks[key] = append(d.activeTasks[key], task)
	if doctor {
		d.doctorTasks[key] = task
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.finishTask(key, task, doctor)
		run(taskCtx)
	}()
}

func (d *Dispatcher) finishTask(key string, task *turnTask, doctor bool) {
	close(task.done)
	task.cancel()

	d.mu.Lock()
	defer d.mu.Unlock()
	tasks := d.activeTasks[key]
	for i, t := range tasks {
		if t == task {
			d.activeTasks[key] = append(tasks[:i], tasks[i+1:]...)
			break
		}
	}
	if len(d.activeTasks[key]) == 0 {
		delete(d.activeTasks, key)
	}
	if doctor && d.doctorTasks[key] == task {
		delete(d.doctorTasks, key)
	}
	if d.processing[key] > 1 {
		d.processing[key]--
	} else {
		delete(d.processing, key)
	}
}

// dispatch runs one turn and then replays any interrupts that arrived while
// it was processing as follow-up turns, so nothing queued is lost.
func (d *Dispatcher) dispatch(ctx context.Context, msg bus.InboundMessage) {
	for {
		d.dispatchOnce(ctx, msg)

		events := d.bus.CheckEvents(msg.SessionKey())
		if events == "" || ctx.Err() != nil {
			return
		}
		slog.Info("replaying queued interrupts as follow-up turn",
			"session", msg.SessionKey())
		follow := msg
		follow.Content = events
		follow.Media = nil
		follow.RunID = ""
		follow.TurnID = ""
		msg = follow
	}
}

// dispatchOnce executes one turn under the session lock and publishes its
// reply. Cancellation is silent; other failures produce a generic error
// reply so channel users are never left hanging.
func (d *Dispatcher) dispatchOnce(ctx context.Context, msg bus.InboundMessage) {
	key := msg.SessionKey()
	lock := d.sessionLock(key)
	lock.Lock()
	defer lock.Unlock()

	ensureCorrelation(&msg)
	routeChannel, routeChat := deliveryRoute(msg)

	reply, err := d.processMessage(ctx, msg, routeChannel, routeChat)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			slog.Info("turn cancelled", "session", key, "run_id", msg.RunID)
			d.emitTurn("turn.cancelled", msg, nil)
			return
		}
		slog.Error("turn failed", "session", key, "run_id", msg.RunID, "error", err)
		ev := diag.NewEvent("turn.failed", "dispatcher")
		ev.Severity = "error"
		ev.ErrorMessage = err.Error()
		d.emitEvent(ev, msg)
		d.bus.PublishOutbound(bus.OutboundMessage{
			Channel: routeChannel,
			ChatID:  routeChat,
			Content: processingErrorReply,
			RunID:   msg.RunID,
			TurnID:  msg.TurnID,
		})
		return
	}
	if reply != nil {
		d.bus.PublishOutbound(*reply)
	}
}

// processMessage is the per-turn pipeline: slash commands, mode preambles,
// consolidation scheduling, the orchestrator run, and reply shaping.
func (d *Dispatcher) processMessage(ctx context.Context, msg bus.InboundMessage, routeChannel, routeChat string) (*bus.OutboundMessage, error) {
	key := msg.SessionKey()
	system := msg.Channel == channelSystem
	content := strings.TrimSpace(msg.Content)

	// System-channel tasks (cron, spawned work) skip commands and modes;
	// their output routes back to the origin encoded in chat_id.
	if !system {
		if reply, handled := d.handleCommand(ctx, msg); handled {
			return reply, nil
		}
		if d.metaTrue(key, metaDoctorMode) {
			if driver := d.codex(); driver != nil {
				resumeID, _ := d.store.Meta(key, metaDoctorCodexSession)
				err := d.runDoctorCodex(ctx, driver, msg, resumeID, content)
				if err == nil {
					return nil, nil
				}
				slog.Warn("codex doctor driver failed, falling back to provider path", "error", err)
			}
			content = doctorPreamble + "\n\n" + content
		} else if d.metaTrue(key, metaPlanMode) {
			content = planModePreamble + "\n\n" + content
		}
	}

	d.maybeConsolidate(key)

	start := time.Now()
	d.emitTurn("turn.started", msg, nil)

	final, sentViaTool, result, err := d.runTurn(ctx, msg, content, routeChannel, routeChat)
	if err != nil {
		return nil, err
	}

	attrs := map[string]any{"latency_ms": time.Since(start).Milliseconds()}
	if result != nil {
		attrs["iterations"] = len(result.ReactTrace.Steps)
		attrs["tool_calls"] = len(result.ToolTrace)
		attrs["total_tokens"] = result.Usage.TotalTokens
	}
	d.emitTurn("turn.completed", msg, attrs)

	if sentViaTool {
		// The message tool already delivered; suppress the duplicate. The
		// CLI REPL still needs a frame to unblock its prompt.
		if msg.Channel == channelCLI {
			return emptyMarker(msg, routeChannel, routeChat), nil
		}
		return nil, nil
	}

	final = SanitizeAssistantContent(final)
	if IsSilentReply(final) {
		slog.Debug("silent reply token, suppressing outbound", "session", key)
		if msg.Channel == channelCLI {
			return emptyMarker(msg, routeChannel, routeChat), nil
		}
		return nil, nil
	}
	if final == "" {
		if system {
			final = backgroundDoneReply
		} else {
			final = emptyFinalReply
		}
	}

	return &bus.OutboundMessage{
		Channel: routeChannel,
		ChatID:  routeChat,
		Content: final,
		RunID:   msg.RunID,
		TurnID:  msg.TurnID,
	}, nil
}

// runTurn compresses history, builds the initial messages, runs the
// orchestrator with interrupt hooks wired, and persists the turn. Returns
// the final text and whether the message tool already delivered it.
func (d *Dispatcher) runTurn(ctx context.Context, msg bus.InboundMessage, content, routeChannel, routeChat string) (string, bool, *AgentResult, error) {
	key := msg.SessionKey()

	history := d.history(key)
	compressed := d.compressor.Compress(history)
	initial := d.builder.BuildMessages(compressed.RawRecent, content, msg.Media, routeChannel, routeChat)
	if hint := d.compressor.RenderContextHint(compressed); hint != "" {
		at := len(initial) - 2
		if at < 1 {
			at = 1
		}
		initial = insertMessage(initial, at, providers.Message{Role: "system", Content: hint})
	}

	turnCtx := tools.WithToolChannel(ctx, routeChannel)
	turnCtx = tools.WithToolChatID(turnCtx, routeChat)
	turnCtx = tools.WithToolCorrelation(turnCtx, msg.RunID, msg.TurnID)
	if mid := msg.Metadata["message_id"]; mid != "" {
		turnCtx = tools.WithToolMessageID(turnCtx, mid)
	}

	messageTool := d.messageTool()
	if messageTool != nil {
		messageTool.StartTurn()
	}

	result := d.orch.Run(turnCtx, initial, Hooks{
		OnProgress: func(text string, isHint bool) {
			meta := map[string]string{bus.MetaProgress: "true"}
			if isHint {
				meta[bus.MetaToolHint] = "true"
			}
			d.bus.PublishOutbound(bus.OutboundMessage{
				Channel:  routeChannel,
				ChatID:   routeChat,
				Content:  text,
				Metadata: meta,
				RunID:    msg.RunID,
				TurnID:   msg.TurnID,
			})
		},
		BeforeModel: func(messages []providers.Message) []providers.Message {
			events := d.bus.CheckEvents(key)
			if events == "" {
				return messages
			}
			slog.Info("injecting interrupt events into turn", "session", key)
			messages = append(messages, providers.Message{
				Role: "system",
				Content: "<SYS_EVENT> New user input arrived while you were working:\n" +
					events +
					"\nAcknowledge it and let the newest instruction steer what you do next.",
			})
			return append(messages, providers.Message{Role: "user", Content: events})
		},
		BeforeTool: func(_ []providers.Message, _ int, _ []providers.ToolCall) bool {
			return d.bus.HasEvents(key)
		},
	})

	if ctx.Err() != nil {
		return "", false, nil, ctx.Err()
	}

	persistStart := len(initial) - 2
	if persistStart < 0 {
		persistStart = 0
	}
	if len(result.Messages) > persistStart {
		d.store.AddMessages(key, persistTurn(result.Messages[persistStart:])...)
	}
	if err := d.store.Save(key); err != nil {
		slog.Warn("session save failed", "session", key, "error", err)
	}

	sentViaTool := messageTool != nil && messageTool.SentInTurn()
	return result.FinalText, sentViaTool, &result, nil
}

// handleCommand processes dispatcher slash commands. Unrecognized slash
// tokens fall through to the model as ordinary content.
func (d *Dispatcher) handleCommand(ctx context.Context, msg bus.InboundMessage) (*bus.OutboundMessage, bool) {
	key := msg.SessionKey()

	switch firstToken(msg.Content) {
	case "/new":
		if d.consolidator != nil && d.store.PendingCount(key) > 0 {
			lock := d.consolidationLock(key)
			lock.Lock()
			err := d.consolidator.Consolidate(ctx, key, true)
			lock.Unlock()
			if err != nil {
				slog.Error("memory archival failed", "session", key, "error", err)
				return directReply(msg, archiveFailedReply), true
			}
		}
		d.store.Clear(key)
		if err := d.store.Save(key); err != nil {
			slog.Warn("session save failed", "session", key, "error", err)
		}
		slog.Info("session cleared", "session", key)
		return directReply(msg, newSessionReply), true

	case "/help":
		return directReply(msg, helpReply), true

	case "/plan":
		d.store.SetMeta(key, metaPlanMode, "true")
		if err := d.store.Save(key); err != nil {
			slog.Warn("session save failed", "session", key, "error", err)
		}
		return directReply(msg, "Plan mode ON. I will propose a plan and wait for your approval before executing. Use /normal to switch back."), true

	case "/normal":
		d.store.DeleteMeta(key, metaPlanMode)
		if err := d.store.Save(key); err != nil {
			slog.Warn("session save failed", "session", key, "error", err)
		}
		return directReply(msg, "Normal mode restored."), true
	}

	return nil, false
}

// handleStop cancels every running task for the session and reports how
// many were stopped. Queued progress frames for the chat are dropped so the
// user does not see stale status lines after stopping.
func (d *Dispatcher) handleStop(msg bus.InboundMessage) {
	key := msg.SessionKey()

	stopped := d.stopTasks(key)
	if d.subagents != nil {
		stopped += d.subagents.CancelBySession(key)
	}
	drained := d.bus.DrainProgress(msg.ChatID)
	slog.Info("stop handled", "session", key, "stopped", stopped, "drained", drained)

	content := "No active task to stop."
	if stopped > 0 {
		content = fmt.Sprintf("⏹ Stopped %d task(s).", stopped)
	}
	d.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
		RunID:   msg.RunID,
		TurnID:  msg.TurnID,
	})
}

// stopTasks cancels and joins every in-flight task for the session,
// swallowing their cancellation.
func (d *Dispatcher) stopTasks(key string) int {
	d.mu.Lock()
	tasks := append([]*turnTask(nil), d.activeTasks[key]...)
	d.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
	return len(tasks)
}

// maybeConsolidate kicks off a background archive when enough messages have
// built up past the consolidation cursor. The turn is never blocked on it.
func (d *Dispatcher) maybeConsolidate(key string) {
	if d.consolidator == nil || d.store.PendingCount(key) < d.memoryWindow {
		return
	}

	d.mu.Lock()
	if d.consolidating[key] {
		d.mu.Unlock()
		return
	}
	d.consolidating[key] = true
	d.mu.Unlock()

	slog.Info("scheduling background consolidation", "session", key,
		"pending", d.store.PendingCount(key))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.consolidating, key)
			d.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		lock := d.consolidationLock(key)
		lock.Lock()
		defer lock.Unlock()

		if err := d.consolidator.Consolidate(ctx, key, false); err != nil {
			slog.Warn("background consolidation failed", "session", key, "error", err)
			return
		}
		if err := d.store.Save(key); err != nil {
			slog.Warn("session save after consolidation failed", "session", key, "error", err)
		}
	}()
}

func (d *Dispatcher) sessionLock(key string) *sync.Mutex {
	v, _ := d.sessionLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (d *Dispatcher) consolidationLock(key string) *sync.Mutex {
	v, _ := d.consolidationLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// history returns the persisted messages that feed the context builder,
// capped to the most recent historyLimit entries.
func (d *Dispatcher) history(key string) []providers.Message {
	history := d.store.GetHistory(key)
	if d.historyLimit > 0 && len(history) > d.historyLimit {
		history = history[len(history)-d.historyLimit:]
	}
	return history
}

func (d *Dispatcher) metaTrue(key, field string) bool {
	v, ok := d.store.Meta(key, field)
	return ok && v == "true"
}

// messageTool returns the registered message tool, if any.
func (d *Dispatcher) messageTool() *tools.MessageTool {
	if d.orch == nil || d.orch.Gateway() == nil {
		return nil
	}
	mt, _ := d.orch.Gateway().Registry().Get("message").(*tools.MessageTool)
	return mt
}

func (d *Dispatcher) emitTurn(name string, msg bus.InboundMessage, attrs map[string]any) {
	ev := diag.NewEvent(name, "dispatcher")
	ev.Attrs = attrs
	d.emitEvent(ev, msg)
}

func (d *Dispatcher) emitEvent(ev diag.Event, msg bus.InboundMessage) {
	if d.emit == nil {
		return
	}
	ev.SessionKey = msg.SessionKey()
	ev.Channel = msg.Channel
	ev.ChatID = msg.ChatID
	ev.RunID = msg.RunID
	ev.TurnID = msg.TurnID
	defer func() { _ = recover() }()
	d.emit(ev)
}

// persistTurn normalizes a completed turn for storage: reasoning dropped,
// long tool results truncated, inline images replaced with a placeholder,
// timestamps stamped.
func persistTurn(msgs []providers.Message) []providers.Message {
	now := time.Now().Format(time.RFC3339)
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		m.ReasoningContent = ""
		if m.Role == "tool" {
			if r := []rune(m.Content); len(r) > toolResultPersistCap {
				m.Content = string(r[:toolResultPersistCap]) + "\n... (truncated)"
			}
		}
		if len(m.Parts) > 0 {
			parts := make([]providers.ContentPart, 0, len(m.Parts))
			for _, p := range m.Parts {
				if p.Type == "image_url" && p.ImageURL != nil && strings.HasPrefix(p.ImageURL.URL, "data:") {
					parts = append(parts, providers.ContentPart{Type: "text", Text: "[image]"})
					continue
				}
				parts = append(parts, p)
			}
			m.Parts = parts
		}
		if m.Timestamp == "" {
			m.Timestamp = now
		}
		out = append(out, m)
	}
	return out
}

// ensureCorrelation assigns run/turn ids when the channel did not, and
// mirrors them into metadata for downstream consumers.
func ensureCorrelation(msg *bus.InboundMessage) {
	if msg.RunID == "" {
		msg.RunID = correlationID()
	}
	if msg.TurnID == "" {
		msg.TurnID = correlationID()
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	msg.Metadata["run_id"] = msg.RunID
	msg.Metadata["turn_id"] = msg.TurnID
}

func correlationID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// deliveryRoute resolves where the turn's output goes. System-channel
// messages encode their origin as "channel:chat_id" in ChatID; anything
// unparseable falls back to the CLI.
func deliveryRoute(msg bus.InboundMessage) (string, string) {
	if msg.Channel != channelSystem {
		return msg.Channel, msg.ChatID
	}
	if channel, chat, ok := strings.Cut(msg.ChatID, ":"); ok && channel != "" {
		return channel, chat
	}
	return channelCLI, msg.ChatID
}

func directReply(msg bus.InboundMessage, content string) *bus.OutboundMessage {
	return &bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
		RunID:   msg.RunID,
		TurnID:  msg.TurnID,
	}
}

// emptyMarker unblocks the CLI prompt when the real reply was already
// delivered some other way.
func emptyMarker(msg bus.InboundMessage, routeChannel, routeChat string) *bus.OutboundMessage {
	return &bus.OutboundMessage{
		Channel: routeChannel,
		ChatID:  routeChat,
		RunID:   msg.RunID,
		TurnID:  msg.TurnID,
	}
}

// insertMessage splices one message into position at.
func insertMessage(msgs []providers.Message, at int, msg providers.Message) []providers.Message {
	msgs = append(msgs, providers.Message{})
	copy(msgs[at+1:], msgs[at:])
	msgs[at] = msg
	return msgs
}

// firstToken returns the lowercased first whitespace-separated token, used
// for command routing. "/doctorr" is not "/doctor".
func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}
