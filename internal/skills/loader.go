package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load parses a skill pack: YAML frontmatter between --- markers, then
// markdown content.
func Load(reader io.Reader) (*Skill, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read skill pack: %w", err)
		}
		return nil, fmt.Errorf("skill pack is empty")
	}
	if strings.TrimSpace(scanner.Text()) != "---" {
		return nil, fmt.Errorf("skill pack must start with YAML frontmatter (---)")
	}

	var frontmatter bytes.Buffer
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			closed = true
			break
		}
		frontmatter.WriteString(line + "\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read frontmatter: %w", err)
	}
	if !closed {
		return nil, fmt.Errorf("unterminated frontmatter (missing closing ---)")
	}

	// Enabled defaults to true; the zero value would silently drop packs.
	skill := Skill{Enabled: true}
	if err := yaml.Unmarshal(frontmatter.Bytes(), &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}

	var content bytes.Buffer
	for scanner.Scan() {
		content.WriteString(scanner.Text() + "\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	skill.Content = strings.TrimSpace(content.String())

	if skill.Name == "" {
		return nil, fmt.Errorf("skill pack missing name")
	}
	if skill.Content == "" {
		return nil, fmt.Errorf("skill pack %s has no content", skill.Name)
	}
	switch skill.Complexity {
	case "", ComplexitySimple, ComplexityMedium, ComplexityComplex:
	default:
		return nil, fmt.Errorf("skill pack %s: unknown complexity %q", skill.Name, skill.Complexity)
	}
	if skill.Complexity == "" {
		skill.Complexity = ComplexitySimple
	}
	return &skill, nil
}
