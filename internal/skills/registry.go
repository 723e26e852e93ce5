package skills

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Skill)}
}

// LoadDirectory scans root recursively for *.md skill packs. A missing
// directory is not an error; skills are an optional overlay.
func (r *Registry) LoadDirectory(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" || d.Name() == "README.md" {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		skill, err := Load(bytes.NewReader(content))
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if existing, ok := r.byName[skill.Name]; ok {
			return fmt.Errorf("duplicate skill pack %s in %s (version %s already loaded)",
				skill.Name, path, existing.Version)
		}
		r.byName[skill.Name] = skill
		return nil
	})
}

// Add registers a pack directly; used by tests and dev fixtures.
func (r *Registry) Add(s *Skill) {
	r.mu.Lock()
	r.byName[s.Name] = s
	r.mu.Unlock()
}

// Get returns a pack by name.
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// Select returns the enabled packs for a framework at or below the request
// complexity, highest priority first. Packs with an empty framework apply to
// every framework.
func (r *Registry) Select(framework string, complexity Complexity) []*Skill {
	framework = strings.ToLower(framework)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Skill
	for _, s := range r.byName {
		if !s.Enabled {
			continue
		}
		if s.Framework != "" && strings.ToLower(s.Framework) != framework {
			continue
		}
		if s.Complexity.rank() > complexity.rank() {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Prompt concatenates the selected packs into one system-prompt section.
func (r *Registry) Prompt(framework string, complexity Complexity) string {
	selected := r.Select(framework, complexity)
	if len(selected) == 0 {
		return ""
	}
	var b strings.Builder
	for i, s := range selected {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s.Content)
	}
	return b.String()
}
