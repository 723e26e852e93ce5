// Package tools implements the agentic tool surface the model can invoke
// mid-stream: a read-only shell against the sandbox workspace and web search.
// Tool output is folded into the next turn as a synthetic user message.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/edward-labs/edward/internal/apperr"
	"github.com/edward-labs/edward/internal/sandbox"
)

// shellAllowlist is the full set of commands the model may run. Everything
// here is read-only against the workspace.
var shellAllowlist = map[string]struct{}{
	"cat":  {},
	"ls":   {},
	"find": {},
	"head": {},
	"tail": {},
	"grep": {},
	"wc":   {},
}

const (
	shellTimeout    = 10 * time.Second
	maxOutputBytes  = 16 << 10
	truncatedMarker = "\n... [output truncated]"
)

// Shell executes allowlisted read-only commands inside a sandbox.
type Shell struct {
	sandboxes *sandbox.Manager
}

// NewShell creates the shell tool.
func NewShell(sandboxes *sandbox.Manager) *Shell {
	return &Shell{sandboxes: sandboxes}
}

// ParseArgs decodes the JSON array the model puts in a command tag's args
// attribute. An empty attribute means no arguments.
func ParseArgs(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var args []string
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "command args must be a JSON string array", err).
			WithCode("invalid_tool_args")
	}
	return args, nil
}

// Run executes one allowlisted command and returns its combined output.
func (s *Shell) Run(ctx context.Context, sandboxID, name string, args []string) (string, error) {
	if _, ok := shellAllowlist[name]; !ok {
		return "", apperr.Newf(apperr.KindPermission, "command %q is not allowed", name).
			WithCode("tool_not_allowed")
	}
	for _, a := range args {
		if strings.ContainsRune(a, 0) {
			return "", apperr.New(apperr.KindValidation, "argument contains NUL byte").
				WithCode("invalid_tool_args")
		}
	}

	res, err := s.sandboxes.Exec(ctx, sandboxID, append([]string{name}, args...), shellTimeout)
	if err != nil {
		return "", err
	}
	out := string(res.Stdout)
	if res.ExitCode != 0 {
		out = fmt.Sprintf("%s\n[exit %d] %s", out, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	if len(out) > maxOutputBytes {
		out = out[:maxOutputBytes] + truncatedMarker
	}
	return out, nil
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher is the web-search contract. SearxSearcher is the production
// client; FakeSearcher backs tests.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// FakeSearcher replays canned results; tests and dev mode.
type FakeSearcher struct {
	Results []SearchResult
	Err     error
	Queries []string
}

func (f *FakeSearcher) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	f.Queries = append(f.Queries, query)
	if f.Err != nil {
		return nil, f.Err
	}
	if maxResults > 0 && len(f.Results) > maxResults {
		return f.Results[:maxResults], nil
	}
	return f.Results, nil
}

// FormatShellResult renders command output as the synthetic message fed into
// the next model turn.
func FormatShellResult(name string, args []string, output string) string {
	cmd := name
	if len(args) > 0 {
		cmd += " " + strings.Join(args, " ")
	}
	if strings.TrimSpace(output) == "" {
		output = "(no output)"
	}
	return fmt.Sprintf("Tool result for `%s`:\n```\n%s\n```", cmd, output)
}

// FormatSearchResults renders web search hits for the next model turn.
func FormatSearchResults(query string, results []SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Web search results for %q:\n", query)
	if len(results) == 0 {
		b.WriteString("(no results)")
		return b.String()
	}
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s — %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return strings.TrimRight(b.String(), "\n")
}
