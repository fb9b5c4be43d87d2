package agent

import (
	"strings"
	"time"

	"github.com/nextlevelbuilder/kestrel/internal/providers"
	"github.com/nextlevelbuilder/kestrel/internal/trust"
)

// ContextBuilder assembles the system prompt and message list for a turn.
type ContextBuilder struct {
	workspace string
	layers    *LayerRegistry
}

// NewContextBuilder wires the built-in prompt layers over the workspace.
// memory and skills may be nil; their layers then render empty. When
// contentTagging is false the security preamble layer is omitted entirely.
func NewContextBuilder(workspace string, memory MemorySource, skills SkillsSource, contentTagging bool) *ContextBuilder {
	layers := NewLayerRegistry()
	if contentTagging {
		layers.Register(SecurityPreambleLayer{})
	}
	layers.Register(NewIdentityLayer(workspace))
	layers.Register(NewBootstrapLayer(workspace))
	layers.Register(NewMemoryLayer(memory))
	layers.Register(NewAlwaysSkillsLayer(skills))
	layers.Register(NewSkillsSummaryLayer(skills))
	return &ContextBuilder{workspace: workspace, layers: layers}
}

// Layers exposes the registry so callers can add custom layers.
func (b *ContextBuilder) Layers() *LayerRegistry { return b.layers }

// BuildSystemPrompt renders all enabled layers.
func (b *ContextBuilder) BuildSystemPrompt() string {
	return b.layers.RenderAll()
}

// BuildMessages assembles the complete message list for a model call:
// system prompt, prior history, an untrusted runtime-metadata block, then
// the current user message (with any image attachments).
func (b *ContextBuilder) BuildMessages(history []providers.Message, current string, media []string, channel, chatID string) []providers.Message {
	messages := make([]providers.Message, 0, len(history)+3)
	messages = append(messages, providers.Message{Role: "system", Content: b.BuildSystemPrompt()})
	messages = append(messages, history...)
	messages = append(messages, providers.Message{Role: "user", Content: runtimeContext(channel, chatID)})
	messages = append(messages, userMessage(current, media))
	return messages
}

// runtimeContext renders current time plus routing info as an untrusted
// metadata block injected just before the user message.
func runtimeContext(channel, chatID string) string {
	now := time.Now()
	zone, _ := now.Zone()
	if zone == "" {
		zone = "UTC"
	}
	lines := []string{"Current Time: " + now.Format("2006-01-02 15:04 (Monday)") + " (" + zone + ")"}
	if channel != "" && chatID != "" {
		lines = append(lines, "Channel: "+channel, "Chat ID: "+chatID)
	}
	return trust.Wrap(strings.Join(lines, "\n"), trust.LevelUntrusted, "runtime_metadata")
}

// userMessage builds the current user message, expanding image attachments
// into data-URL parts ahead of the text.
func userMessage(text string, media []string) providers.Message {
	if len(media) == 0 {
		return providers.Message{Role: "user", Content: text}
	}
	images := buildImageParts(media)
	if len(images) == 0 {
		return providers.Message{Role: "user", Content: text}
	}
	parts := append(images, providers.ContentPart{Type: "text", Text: text})
	return providers.Message{Role: "user", Parts: parts}
}
