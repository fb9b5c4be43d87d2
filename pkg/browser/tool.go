package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/nextlevelbuilder/kestrel/internal/tools"
)

const (
	actionTimeout  = 30 * time.Second
	extractMaxRune = 20000
)

// Tool exposes the shared browser to the agent. Actions validate their
// arguments before touching the manager, so bad calls never launch
// Chromium.
type Tool struct {
	mgr *Manager
}

// NewBrowserTool wraps a manager as a registered tool.
func NewBrowserTool(mgr *Manager) *Tool {
	return &Tool{mgr: mgr}
}

func (t *Tool) Name() string {
	return "browser"
}

func (t *Tool) Description() string {
	return "Automate a headless browser. Actions: 'navigate' to a URL, 'text' to extract visible text, 'html' for markup, 'click' a CSS selector, 'type' text into a selector, 'eval' JavaScript, 'screenshot' the current page. State persists across calls like a single tab."
}

func (t *Tool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"navigate", "text", "html", "click", "type", "eval", "screenshot"},
				"description": "The browser action to perform.",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to open (navigate only).",
			},
			"selector": map[string]interface{}{
				"type":        "string",
				"description": "CSS selector of the target element. Optional for text/html (defaults to the whole page), required for click/type.",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Text to type into the selected element (type only).",
			},
			"script": map[string]interface{}{
				"type":        "string",
				"description": "JavaScript to run, either an expression or a function like () => document.title (eval only).",
			},
			"full_page": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture the full scroll height instead of the viewport (screenshot only).",
			},
		},
		"required": []string{"action"},
	}
}

func (t *Tool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	action, _ := args["action"].(string)
	switch action {
	case "navigate":
		return t.navigate(ctx, args)
	case "text":
		return t.extractText(ctx, args)
	case "html":
		return t.extractHTML(ctx, args)
	case "click":
		return t.click(ctx, args)
	case "type":
		return t.typeText(ctx, args)
	case "eval":
		return t.eval(ctx, args)
	case "screenshot":
		return t.screenshot(ctx, args)
	default:
		return tools.ErrorResult("unknown browser action: %q", action)
	}
}

// page launches the browser if needed and scopes the shared page to the
// call's context plus a per-action deadline.
func (t *Tool) page(ctx context.Context) (*rod.Page, *tools.Result) {
	p, err := t.mgr.ensurePage()
	if err != nil {
		return nil, tools.ErrorResult("browser unavailable: %v", err)
	}
	return p.Context(ctx).Timeout(actionTimeout), nil
}

func (t *Tool) navigate(ctx context.Context, args map[string]interface{}) *tools.Result {
	url, _ := args["url"].(string)
	if url == "" {
		return tools.ErrorResult("url is required for navigate")
	}
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}

	page, res := t.page(ctx)
	if res != nil {
		return res
	}
	if err := page.Navigate(url); err != nil {
		return tools.ErrorResult("navigate to %s: %v", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return tools.ErrorResult("page load: %v", err)
	}

	title := ""
	if info, err := page.Info(); err == nil {
		title = info.Title
	}
	return tools.NewResult(fmt.Sprintf("Opened %s (title: %q)", url, title))
}

func (t *Tool) extractText(ctx context.Context, args map[string]interface{}) *tools.Result {
	selector, _ := args["selector"].(string)
	if selector == "" {
		selector = "body"
	}

	page, res := t.page(ctx)
	if res != nil {
		return res
	}
	el, err := page.Element(selector)
	if err != nil {
		return tools.ErrorResult("element %q: %v", selector, err)
	}
	text, err := el.Text()
	if err != nil {
		return tools.ErrorResult("extract text: %v", err)
	}
	return tools.NewResult(clipRunes(text, extractMaxRune))
}

func (t *Tool) extractHTML(ctx context.Context, args map[string]interface{}) *tools.Result {
	selector, _ := args["selector"].(string)

	page, res := t.page(ctx)
	if res != nil {
		return res
	}

	var html string
	var err error
	if selector == "" {
		html, err = page.HTML()
	} else {
		var el *rod.Element
		if el, err = page.Element(selector); err == nil {
			html, err = el.HTML()
		}
	}
	if err != nil {
		return tools.ErrorResult("extract html: %v", err)
	}
	return tools.NewResult(clipRunes(html, extractMaxRune))
}

func (t *Tool) click(ctx context.Context, args map[string]interface{}) *tools.Result {
	selector, _ := args["selector"].(string)
	if selector == "" {
		return tools.ErrorResult("selector is required for click")
	}

	page, res := t.page(ctx)
	if res != nil {
		return res
	}
	el, err := page.Element(selector)
	if err != nil {
		return tools.ErrorResult("element %q: %v", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return tools.ErrorResult("click %q: %v", selector, err)
	}
	return tools.NewResult(fmt.Sprintf("Clicked %s", selector))
}

func (t *Tool) typeText(ctx context.Context, args map[string]interface{}) *tools.Result {
	selector, _ := args["selector"].(string)
	text, _ := args["text"].(string)
	if selector == "" {
		return tools.ErrorResult("selector is required for type")
	}

	page, res := t.page(ctx)
	if res != nil {
		return res
	}
	el, err := page.Element(selector)
	if err != nil {
		return tools.ErrorResult("element %q: %v", selector, err)
	}
	if err := el.SelectAllText(); err != nil {
		return tools.ErrorResult("focus %q: %v", selector, err)
	}
	if err := el.Input(text); err != nil {
		return tools.ErrorResult("type into %q: %v", selector, err)
	}
	return tools.NewResult(fmt.Sprintf("Typed %d characters into %s", len(text), selector))
}

func (t *Tool) eval(ctx context.Context, args map[string]interface{}) *tools.Result {
	script, _ := args["script"].(string)
	if script == "" {
		return tools.ErrorResult("script is required for eval")
	}

	page, res := t.page(ctx)
	if res != nil {
		return res
	}
	obj, err := page.Eval(evalScript(script))
	if err != nil {
		return tools.ErrorResult("eval: %v", err)
	}
	return tools.NewResult(clipRunes(obj.Value.String(), extractMaxRune))
}

func (t *Tool) screenshot(ctx context.Context, args map[string]interface{}) *tools.Result {
	fullPage, _ := args["full_page"].(bool)

	page, res := t.page(ctx)
	if res != nil {
		return res
	}
	data, err := page.Screenshot(fullPage, nil)
	if err != nil {
		return tools.ErrorResult("screenshot: %v", err)
	}

	dir := t.mgr.ScreenshotDir()
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return tools.ErrorResult("screenshot dir: %v", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("screenshot-%s.png", time.Now().Format("20060102-150405")))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return tools.ErrorResult("write screenshot: %v", err)
	}
	return tools.NewResult(fmt.Sprintf("Screenshot saved to %s (%d bytes). Use read_image to inspect it.", path, len(data)))
}

// evalScript accepts either a rod-style function or a bare expression and
// returns something page.Eval can run.
func evalScript(script string) string {
	s := strings.TrimSpace(script)
	if strings.HasPrefix(s, "(") || strings.HasPrefix(s, "function") || strings.HasPrefix(s, "async") {
		return s
	}
	if strings.HasPrefix(s, "return ") || strings.ContainsAny(s, ";\n") {
		return "() => { " + s + " }"
	}
	return "() => (" + s + ")"
}

func clipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "\n... (truncated)"
}
