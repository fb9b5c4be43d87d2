// Package browser drives a shared headless Chromium instance for the
// browser tool. The browser launches lazily on first use, so enabling the
// tool costs nothing until the agent actually reaches for it.
package browser

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Manager owns the Chromium process and a single reusable page. All tool
// actions run against that page, so navigation state carries across calls
// the way it does for a human in one tab.
type Manager struct {
	mu       sync.Mutex
	headless bool
	shotDir  string

	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

// Option configures the manager.
type Option func(*Manager)

// WithHeadless toggles headless mode. Headed mode is useful when debugging
// tool behavior on a workstation.
func WithHeadless(headless bool) Option {
	return func(m *Manager) { m.headless = headless }
}

// WithScreenshotDir sets where screenshot files are written. Defaults to
// the system temp directory.
func WithScreenshotDir(dir string) Option {
	return func(m *Manager) {
		if dir != "" {
			m.shotDir = dir
		}
	}
}

// New builds a manager. The browser is not launched until the first call
// that needs a page.
func New(opts ...Option) *Manager {
	m := &Manager{headless: true}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ScreenshotDir returns the configured screenshot directory, which may be
// empty when the system temp directory should be used.
func (m *Manager) ScreenshotDir() string {
	return m.shotDir
}

// ensurePage launches Chromium on first use and returns the shared page.
func (m *Manager) ensurePage() (*rod.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.page != nil {
		return m.page, nil
	}

	l := launcher.New().Headless(m.headless)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = b.Close()
		l.Kill()
		return nil, fmt.Errorf("open page: %w", err)
	}

	m.launcher = l
	m.browser = b
	m.page = page
	slog.Info("browser launched", "headless", m.headless)
	return page, nil
}

// Close shuts the browser down. Safe to call on a manager that never
// launched, and safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			slog.Warn("browser close failed", "error", err)
		}
		m.browser = nil
		m.page = nil
	}
	if m.launcher != nil {
		m.launcher.Kill()
		m.launcher.Cleanup()
		m.launcher = nil
	}
}
