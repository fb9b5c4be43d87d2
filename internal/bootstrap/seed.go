// Package bootstrap seeds a fresh workspace with the markdown documents
// the prompt layers read back at turn time.
package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
)

// Workspace document names. The bootstrap prompt layer injects these in
// this order.
const (
	AgentsFile   = "AGENTS.md"
	SoulFile     = "SOUL.md"
	UserFile     = "USER.md"
	ToolsFile    = "TOOLS.md"
	IdentityFile = "IDENTITY.md"
)

// WorkspaceFiles lists every seeded document in prompt order.
var WorkspaceFiles = []string{AgentsFile, SoulFile, UserFile, ToolsFile, IdentityFile}

//go:embed templates/*.md
var templates embed.FS

// ReadTemplate returns the embedded seed content for one workspace document.
func ReadTemplate(name string) (string, error) {
	data, err := templates.ReadFile("templates/" + name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EnsureWorkspaceFiles creates any missing workspace documents from their
// embedded templates. Existing files are never touched: the workspace is
// user-owned state and seeding must stay idempotent. Returns the names of
// the files it created.
func EnsureWorkspaceFiles(workspaceDir string) ([]string, error) {
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range WorkspaceFiles {
		ok, err := seedFile(workspaceDir, name)
		if err != nil {
			slog.Warn("workspace seed failed", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedFile writes one template into the workspace unless the file already
// exists. O_EXCL keeps concurrent starts from clobbering each other.
func seedFile(workspaceDir, name string) (bool, error) {
	dst := filepath.Join(workspaceDir, name)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templates.ReadFile("templates/" + name)
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		os.Remove(dst)
		return false, err
	}
	return true, nil
}
