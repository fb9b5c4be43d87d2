// Package skills discovers SKILL.md descriptors so the prompt can carry
// always-on skill content and advertise the rest for on-demand loading.
package skills

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// SkillFilename is the descriptor file expected inside each skill directory.
const SkillFilename = "SKILL.md"

// Skill is one parsed descriptor. Available is false when a binary named in
// requires is missing from PATH.
type Skill struct {
	Name        string
	Description string
	Always      bool
	Requires    []string
	Available   bool
	Path        string // absolute path to SKILL.md
	Body        string
}

type frontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Always      bool     `yaml:"always"`
	Requires    []string `yaml:"requires"`
}

// Loader scans skill directories and caches the parsed descriptors. The
// first directory wins on name conflicts, so workspace skills shadow global
// ones.
type Loader struct {
	dirs []string

	mu     sync.RWMutex
	skills []Skill
	byName map[string]int
}

// NewLoader builds a loader over workspace/skills plus any extra global
// directories and performs the initial scan.
func NewLoader(workspace string, globalDirs ...string) *Loader {
	dirs := append([]string{filepath.Join(workspace, "skills")}, globalDirs...)
	return NewLoaderAt(dirs...)
}

// NewLoaderAt builds a loader over explicit directories in precedence order
// and performs the initial scan. Empty entries are skipped.
func NewLoaderAt(dirs ...string) *Loader {
	kept := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		if dir != "" {
			kept = append(kept, dir)
		}
	}
	l := &Loader{dirs: kept}
	l.Reload()
	return l
}

// Dirs returns the scanned directories in precedence order.
func (l *Loader) Dirs() []string {
	return append([]string(nil), l.dirs...)
}

// Reload rescans every directory and swaps the cache.
func (l *Loader) Reload() {
	var skills []Skill
	byName := make(map[string]int)
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name(), SkillFilename)
			raw, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			skill := parseSkill(entry.Name(), path, raw)
			if _, dup := byName[skill.Name]; dup {
				continue
			}
			byName[skill.Name] = len(skills)
			skills = append(skills, skill)
		}
	}
	sort.SliceStable(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	for i, s := range skills {
		byName[s.Name] = i
	}

	l.mu.Lock()
	l.skills = skills
	l.byName = byName
	l.mu.Unlock()
}

// ListSkills returns the cached descriptors sorted by name.
func (l *Loader) ListSkills() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Skill(nil), l.skills...)
}

// Get returns one skill by name.
func (l *Loader) Get(name string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byName[name]
	if !ok {
		return Skill{}, false
	}
	return l.skills[i], true
}

// AlwaysSkills returns the names of available skills marked always-on.
func (l *Loader) AlwaysSkills() []string {
	var names []string
	for _, s := range l.ListSkills() {
		if s.Always && s.Available {
			names = append(names, s.Name)
		}
	}
	return names
}

// LoadSkillsForContext renders the bodies of the named skills for direct
// prompt injection. Unknown names are skipped.
func (l *Loader) LoadSkillsForContext(names []string) string {
	var sections []string
	for _, name := range names {
		s, ok := l.Get(name)
		if !ok || s.Body == "" {
			continue
		}
		sections = append(sections, fmt.Sprintf("## Skill: %s\n\n%s", s.Name, s.Body))
	}
	return strings.Join(sections, "\n\n")
}

// SkillsSummary lists every skill as a tagged block with its availability
// and descriptor path, or "" when no skills exist.
func (l *Loader) SkillsSummary() string {
	skills := l.ListSkills()
	if len(skills) == 0 {
		return ""
	}
	var blocks []string
	for _, s := range skills {
		block := fmt.Sprintf("<skill name=%q available=\"%t\">\n%s\nLocation: %s\n</skill>",
			s.Name, s.Available, s.Description, s.Path)
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, "\n")
}

// parseSkill reads the YAML frontmatter between --- fences. Files without a
// valid frontmatter block still load, with the directory name as the skill
// name and the whole file as body.
func parseSkill(dirName, path string, raw []byte) Skill {
	skill := Skill{Name: dirName, Path: path}

	meta, body := splitFrontmatter(string(raw))
	skill.Body = strings.TrimSpace(body)
	if meta != "" {
		var fm frontmatter
		if err := yaml.Unmarshal([]byte(meta), &fm); err == nil {
			if fm.Name != "" {
				skill.Name = fm.Name
			}
			skill.Description = fm.Description
			skill.Always = fm.Always
			skill.Requires = fm.Requires
		}
	}

	skill.Available = true
	for _, bin := range skill.Requires {
		if !binaryOnPath(bin) {
			skill.Available = false
			break
		}
	}
	return skill
}

func binaryOnPath(bin string) bool {
	_, err := exec.LookPath(bin)
	return err == nil
}

// splitFrontmatter separates the fenced frontmatter from the markdown body.
// Missing or unterminated fences yield ("", whole file).
func splitFrontmatter(raw string) (meta, body string) {
	lines := strings.Split(raw, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", raw
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n")
		}
	}
	return "", raw
}
