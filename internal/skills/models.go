// Package skills loads the markdown skill packs injected into the generation
// system prompt. A pack is a markdown file with YAML frontmatter naming the
// framework it targets and the request complexity it is worth the tokens for.
package skills

import "sync"

// Complexity buckets a user request. Selection includes every pack at or
// below the request's bucket.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// rank orders complexity buckets; unknown values rank as medium.
func (c Complexity) rank() int {
	switch c {
	case ComplexitySimple:
		return 0
	case ComplexityComplex:
		return 2
	default:
		return 1
	}
}

// Skill is one parsed pack.
type Skill struct {
	Name        string     `yaml:"name"`
	Version     string     `yaml:"version"`
	Framework   string     `yaml:"framework"`
	Complexity  Complexity `yaml:"complexity"`
	Description string     `yaml:"description"`
	Priority    int        `yaml:"priority"`
	Enabled     bool       `yaml:"enabled"`
	Content     string     `yaml:"-"`
}

// Registry holds the loaded packs with thread-safe access.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Skill
}
