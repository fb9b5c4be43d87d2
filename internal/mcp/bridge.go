package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/kestrel/internal/tools"
)

// BridgeTool adapts one remote MCP tool to the local tool interface.
type BridgeTool struct {
	serverName string
	remoteName string
	name       string
	desc       string
	params     map[string]interface{}
	client     *mcpclient.Client
	timeout    time.Duration
	connected  *atomic.Bool
}

// NewBridgeTool wraps a discovered MCP tool. The registered name is
// prefix + remote name; an empty prefix defaults to "mcp_<server>_" so
// remote tools cannot shadow builtins.
func NewBridgeTool(serverName string, t mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	if prefix == "" {
		prefix = "mcp_" + serverName + "_"
	}
	desc := t.Description
	if desc == "" {
		desc = fmt.Sprintf("Tool %s from MCP server %s", t.Name, serverName)
	}
	return &BridgeTool{
		serverName: serverName,
		remoteName: t.Name,
		name:       sanitizeName(prefix + t.Name),
		desc:       desc,
		params:     schemaToParams(t.InputSchema),
		client:     client,
		timeout:    time.Duration(timeoutSec) * time.Second,
		connected:  connected,
	}
}

func (b *BridgeTool) Name() string { return b.name }

// OriginalName returns the tool's name on the remote server.
func (b *BridgeTool) OriginalName() string { return b.remoteName }

func (b *BridgeTool) Description() string { return b.desc }

func (b *BridgeTool) Parameters() map[string]interface{} { return b.params }

// Execute forwards the call to the remote server under the per-call timeout.
func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if !b.connected.Load() {
		return tools.ErrorResult("MCP server %s is not connected", b.serverName)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.remoteName
	req.Params.Arguments = args

	res, err := b.client.CallTool(callCtx, req)
	if err != nil {
		return tools.ErrorResult("MCP tool %s: %v", b.remoteName, err).WithError(err)
	}

	text := renderContent(res.Content)
	if res.IsError {
		return tools.ErrorResult("MCP tool %s: %s", b.remoteName, text)
	}
	if text == "" {
		text = "(no output)"
	}
	return tools.SilentResult(text)
}

// sanitizeName squeezes a tool name into the [a-zA-Z0-9_-] charset the
// function-calling APIs accept.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() > 64 {
		return b.String()[:64]
	}
	return b.String()
}

// schemaToParams converts the MCP input schema into the generic JSON schema
// map the provider layer sends with tool definitions.
func schemaToParams(s mcpgo.ToolInputSchema) map[string]interface{} {
	params := map[string]interface{}{"type": "object"}
	if s.Type != "" {
		params["type"] = s.Type
	}
	props := map[string]interface{}{}
	for k, v := range s.Properties {
		props[k] = v
	}
	params["properties"] = props
	if len(s.Required) > 0 {
		params["required"] = s.Required
	}
	return params
}

// renderContent flattens MCP content blocks into text for the model. Images
// and blobs are described, not inlined.
func renderContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case mcpgo.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes base64]", v.MIMEType, len(v.Data)))
		case mcpgo.EmbeddedResource:
			if r, ok := v.Resource.(mcpgo.TextResourceContents); ok {
				parts = append(parts, r.Text)
			} else {
				parts = append(parts, "[embedded resource]")
			}
		default:
			if raw, err := json.Marshal(c); err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	return strings.Join(parts, "\n")
}

var _ tools.Tool = (*BridgeTool)(nil)
