package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePack = `---
name: nextjs-app-router
version: 1.0.0
framework: nextjs
complexity: medium
description: App-router conventions for generated Next.js projects
priority: 10
---

# Next.js App Router

Use the app/ directory. Server components by default.
`

func TestLoadParsesFrontmatterAndContent(t *testing.T) {
	s, err := Load(strings.NewReader(samplePack))
	require.NoError(t, err)
	assert.Equal(t, "nextjs-app-router", s.Name)
	assert.Equal(t, "nextjs", s.Framework)
	assert.Equal(t, ComplexityMedium, s.Complexity)
	assert.Equal(t, 10, s.Priority)
	assert.True(t, s.Enabled)
	assert.Contains(t, s.Content, "Server components by default.")
}

func TestLoadRejectsBadPacks(t *testing.T) {
	cases := map[string]string{
		"empty":              "",
		"no frontmatter":     "# just markdown\n",
		"unterminated":       "---\nname: x\n",
		"missing name":       "---\nframework: nextjs\n---\ncontent\n",
		"no content":         "---\nname: x\n---\n",
		"unknown complexity": "---\nname: x\ncomplexity: extreme\n---\ncontent\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestSelectFiltersAndOrders(t *testing.T) {
	r := NewRegistry()
	r.Add(&Skill{Name: "base", Framework: "", Complexity: ComplexitySimple, Priority: 1, Enabled: true, Content: "base"})
	r.Add(&Skill{Name: "next-basics", Framework: "nextjs", Complexity: ComplexitySimple, Priority: 5, Enabled: true, Content: "next"})
	r.Add(&Skill{Name: "next-advanced", Framework: "nextjs", Complexity: ComplexityComplex, Priority: 9, Enabled: true, Content: "advanced"})
	r.Add(&Skill{Name: "vite", Framework: "vite", Complexity: ComplexitySimple, Priority: 5, Enabled: true, Content: "vite"})
	r.Add(&Skill{Name: "disabled", Framework: "nextjs", Complexity: ComplexitySimple, Enabled: false, Content: "off"})

	names := func(sel []*Skill) []string {
		var out []string
		for _, s := range sel {
			out = append(out, s.Name)
		}
		return out
	}

	assert.Equal(t, []string{"next-basics", "base"}, names(r.Select("nextjs", ComplexityMedium)))
	assert.Equal(t, []string{"next-advanced", "next-basics", "base"}, names(r.Select("NextJS", ComplexityComplex)))
	assert.Equal(t, []string{"vite", "base"}, names(r.Select("vite", ComplexitySimple)))

	prompt := r.Prompt("nextjs", ComplexityComplex)
	assert.True(t, strings.Index(prompt, "advanced") < strings.Index(prompt, "base"))
	assert.Equal(t, "base", r.Prompt("svelte", ComplexitySimple), "framework-agnostic packs apply everywhere")
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "next.md"), []byte(samplePack), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadDirectory(dir))
	_, ok := r.Get("nextjs-app-router")
	assert.True(t, ok)

	// Missing directories are an optional overlay, not an error.
	require.NoError(t, r.LoadDirectory(filepath.Join(dir, "absent")))

	// Duplicate names across files are rejected.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dup.md"), []byte(samplePack), 0o644))
	r2 := NewRegistry()
	assert.Error(t, r2.LoadDirectory(dir))
}
