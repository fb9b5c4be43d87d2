package mcp

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/kestrel/internal/config"
	"github.com/nextlevelbuilder/kestrel/internal/tools"
)

func TestCreateClientUnsupportedTransport(t *testing.T) {
	_, err := createClient(&config.MCPServerConfig{Transport: "carrier-pigeon"})
	if err == nil {
		t.Fatal("unsupported transport should error")
	}
	if !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("error %q should name the transport", err)
	}
}

func TestBridgeToolNaming(t *testing.T) {
	tests := []struct {
		name       string
		server     string
		remoteName string
		prefix     string
		want       string
	}{
		{"default prefix", "github", "create_issue", "", "mcp_github_create_issue"},
		{"custom prefix", "github", "create_issue", "gh_", "gh_create_issue"},
		{"dots sanitized", "fs", "read.file", "", "mcp_fs_read_file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var connected atomic.Bool
			bt := NewBridgeTool(tt.server, mcpgo.Tool{Name: tt.remoteName}, nil, tt.prefix, 0, &connected)
			if bt.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", bt.Name(), tt.want)
			}
			if bt.OriginalName() != tt.remoteName {
				t.Errorf("OriginalName() = %q, want %q", bt.OriginalName(), tt.remoteName)
			}
		})
	}
}

func TestBridgeToolDescriptionFallback(t *testing.T) {
	var connected atomic.Bool
	bt := NewBridgeTool("github", mcpgo.Tool{Name: "create_issue"}, nil, "", 0, &connected)
	if bt.Description() == "" {
		t.Error("missing remote description should get a fallback")
	}
}

func TestSchemaToParams(t *testing.T) {
	params := schemaToParams(mcpgo.ToolInputSchema{
		Type:       "object",
		Properties: map[string]any{"q": map[string]any{"type": "string"}},
		Required:   []string{"q"},
	})
	if params["type"] != "object" {
		t.Errorf("type = %v, want object", params["type"])
	}
	props, ok := params["properties"].(map[string]interface{})
	if !ok || props["q"] == nil {
		t.Errorf("properties not carried over: %v", params["properties"])
	}

	empty := schemaToParams(mcpgo.ToolInputSchema{})
	if empty["type"] != "object" {
		t.Errorf("empty schema type = %v, want object", empty["type"])
	}
	if _, ok := empty["properties"].(map[string]interface{}); !ok {
		t.Error("empty schema should still carry a properties object")
	}
	if _, ok := empty["required"]; ok {
		t.Error("empty schema should omit required")
	}
}

func TestRenderContent(t *testing.T) {
	text := renderContent([]mcpgo.Content{
		mcpgo.TextContent{Type: "text", Text: "line one"},
		mcpgo.TextContent{Type: "text", Text: "line two"},
	})
	if text != "line one\nline two" {
		t.Errorf("renderContent = %q", text)
	}

	img := renderContent([]mcpgo.Content{
		mcpgo.ImageContent{Type: "image", MIMEType: "image/png", Data: "aGVsbG8="},
	})
	if !strings.Contains(img, "image/png") {
		t.Errorf("image block not described: %q", img)
	}
}

func TestBridgeRejectsWhenDisconnected(t *testing.T) {
	var connected atomic.Bool // false
	bt := NewBridgeTool("github", mcpgo.Tool{Name: "create_issue"}, nil, "", 5, &connected)

	res := bt.Execute(context.Background(), map[string]interface{}{})
	if !res.IsError {
		t.Fatal("disconnected server should produce an error result")
	}
	if !strings.Contains(res.ForLLM, "not connected") {
		t.Errorf("ForLLM = %q, want a not-connected message", res.ForLLM)
	}
}

func TestManagerStartSkipsDisabled(t *testing.T) {
	disabled := false
	m := NewManager(tools.NewRegistry(), map[string]*config.MCPServerConfig{
		"off": {Transport: "stdio", Command: "true", Enabled: &disabled},
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("disabled-only config should start clean: %v", err)
	}
	if n := len(m.ToolNames()); n != 0 {
		t.Errorf("tool names = %d, want 0", n)
	}
	if n := len(m.ServerStatus()); n != 0 {
		t.Errorf("server status entries = %d, want 0", n)
	}
	m.Stop()
}

func TestManagerStartReportsBadTransport(t *testing.T) {
	m := NewManager(tools.NewRegistry(), map[string]*config.MCPServerConfig{
		"bad": {Transport: "smoke-signal"},
	})
	defer m.Stop()

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("misconfigured server should surface in the error")
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Errorf("error %q should name the server", err)
	}
}

func TestMapToEnvSlice(t *testing.T) {
	if got := mapToEnvSlice(nil); got != nil {
		t.Errorf("nil map = %v, want nil", got)
	}
	got := mapToEnvSlice(map[string]string{"A": "1"})
	if len(got) != 1 || got[0] != "A=1" {
		t.Errorf("env slice = %v, want [A=1]", got)
	}
}
