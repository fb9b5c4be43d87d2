package tools

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/kestrel/internal/providers"
)

// readImageMaxBytes caps the encoded payload sent to the vision model.
const readImageMaxBytes = 10 * 1024 * 1024

// ReadImageTool describes an image file through the vision model. Inbound
// photo attachments are already inlined into the user message, so this tool
// exists for images that appear mid-turn: browser screenshots and files in
// the workspace.
type ReadImageTool struct {
	provider  providers.Provider
	workspace string
	restrict  bool
}

func NewReadImageTool(provider providers.Provider, workspace string, restrict bool) *ReadImageTool {
	return &ReadImageTool{provider: provider, workspace: workspace, restrict: restrict}
}

func (t *ReadImageTool) Name() string { return "read_image" }

func (t *ReadImageTool) Description() string {
	return "Analyze an image file with the vision model. Use this to inspect screenshots or image files you cannot view directly."
}

func (t *ReadImageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the image file (png, jpg, gif, webp)",
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "What you want to know about the image. E.g. 'Describe this image' or 'What text is in this screenshot?'",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadImageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		prompt = "Describe this image in detail."
	}

	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult("%s", err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult("failed to read image: %v", err)
	}
	if len(data) > readImageMaxBytes {
		return ErrorResult("image is %d bytes, over the %d byte limit", len(data), readImageMaxBytes)
	}

	mime := detectImageMime(resolved, data)
	if mime == "" {
		return ErrorResult("%s does not look like an image", path)
	}

	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
	slog.Info("read_image: calling vision model", "path", resolved, "bytes", len(data))

	resp, err := t.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{{
			Role: "user",
			Parts: []providers.ContentPart{
				{Type: "image_url", ImageURL: &providers.ImageURL{URL: dataURL}},
				{Type: "text", Text: prompt},
			},
		}},
		MaxTokens:   1024,
		Temperature: 0.3,
	})
	if err != nil {
		return ErrorResult("vision model error: %v", err).WithError(err)
	}

	return NewResult(resp.Content)
}

// detectImageMime resolves the MIME type by extension, falling back to
// content sniffing for extensionless paths.
func detectImageMime(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	}
	if ct := http.DetectContentType(data); strings.HasPrefix(ct, "image/") {
		return ct
	}
	return ""
}

var _ Tool = (*ReadImageTool)(nil)
