// Package parser implements the stateful tokenizer that turns a raw LLM text
// stream carrying edward tags into a typed event sequence. The parser is a
// single-producer, single-consumer object and is not safe for concurrent use.
package parser

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/edward-labs/edward/internal/events"
)

type state int

const (
	stateText state = iota
	stateSandbox
	stateFile
	stateInstall
)

// Tag literals. Matching is case-sensitive.
const (
	tagSandboxOpen   = "<edward_sandbox"
	tagSandboxClose  = "</edward_sandbox>"
	tagFileOpen      = "<file"
	tagFileClose     = "</file>"
	tagInstallOpen   = "<edward_install"
	tagInstallClose  = "</edward_install>"
	tagCommand       = "<edward_command"
	tagWebSearch     = "<edward_web_search"
	tagDone          = "<edward_done"
)

const (
	// A '<' that never resolves to a complete tag within this many bytes is
	// plain text.
	maxTagLen = 4096
	// How far the first file chunk is buffered while deciding whether it
	// opens with a markdown fence that lacks its newline.
	fenceScanLimit = 512
)

// Parser converts arbitrary UTF-8 chunks into ordered StreamEvents,
// preserving byte-level fidelity of file contents. Tags split across chunk
// boundaries are buffered; the parser never emits a partial attribute.
type Parser struct {
	state   state
	pending string

	filePath  string
	fenceDone bool
	fenceBuf  strings.Builder

	installBuf strings.Builder
}

// New returns a parser in the initial TEXT state.
func New() *Parser {
	return &Parser{}
}

// Process consumes one chunk and returns the events it completes.
func (p *Parser) Process(chunk string) []events.Event {
	p.pending += chunk
	var out []events.Event
	for {
		n, done := p.step(&out)
		p.pending = p.pending[n:]
		if done {
			break
		}
	}
	return out
}

// Flush closes any open construct with synthetic end events so downstream
// side effects are always closed, and drains buffered text.
func (p *Parser) Flush() []events.Event {
	var out []events.Event
	switch p.state {
	case stateFile:
		p.flushFileContent(&out, p.pending)
		p.pending = ""
		p.drainFence(&out)
		out = append(out, events.FileEnd(p.filePath))
		out = append(out, events.Event{V: events.Version, Type: events.TypeSandboxEnd})
	case stateSandbox:
		if p.pending != "" {
			out = append(out, events.Text(p.pending))
			p.pending = ""
		}
		out = append(out, events.Event{V: events.Version, Type: events.TypeSandboxEnd})
	case stateInstall:
		p.installBuf.WriteString(p.pending)
		p.pending = ""
		out = append(out, p.installEvents()...)
	default:
		if p.pending != "" {
			out = append(out, events.Text(p.pending))
			p.pending = ""
		}
	}
	p.reset()
	return out
}

func (p *Parser) reset() {
	p.state = stateText
	p.filePath = ""
	p.fenceDone = false
	p.fenceBuf.Reset()
	p.installBuf.Reset()
}

// step consumes a prefix of p.pending, appends any completed events to out
// and reports how many bytes were consumed. done is true when no further
// progress is possible without more input.
func (p *Parser) step(out *[]events.Event) (int, bool) {
	if p.pending == "" {
		return 0, true
	}
	switch p.state {
	case stateFile:
		return p.stepFile(out)
	case stateInstall:
		return p.stepInstall(out)
	default:
		return p.stepText(out)
	}
}

// stepText handles the TEXT and SANDBOX states, which differ only in the set
// of tags they accept.
func (p *Parser) stepText(out *[]events.Event) (int, bool) {
	rest := p.pending
	i := strings.IndexByte(rest, '<')
	if i < 0 {
		p.emitText(out, rest)
		return len(rest), true
	}
	if i > 0 {
		p.emitText(out, rest[:i])
		return i, false
	}

	// rest starts with '<'.
	j := strings.IndexByte(rest, '>')
	if j < 0 {
		if len(rest) > maxTagLen || !p.viablePrefix(rest) {
			p.emitText(out, "<")
			return 1, false
		}
		// Possibly a tag split across chunks; wait for more input.
		return 0, true
	}

	raw := rest[:j+1]
	consumed, handled := p.handleTag(out, raw)
	if handled {
		return consumed, false
	}
	p.emitText(out, "<")
	return 1, false
}

// viablePrefix reports whether s (starting with '<' and lacking '>') could
// still grow into a tag accepted in the current state.
func (p *Parser) viablePrefix(s string) bool {
	for _, cand := range p.candidates() {
		if strings.HasPrefix(cand, s) || strings.HasPrefix(s, cand) {
			return true
		}
	}
	return false
}

func (p *Parser) candidates() []string {
	if p.state == stateSandbox {
		return []string{tagFileOpen, tagSandboxClose}
	}
	return []string{tagSandboxOpen, tagInstallOpen, tagCommand, tagWebSearch, tagDone}
}

// handleTag interprets a complete "<...>" run for the TEXT/SANDBOX states.
// It returns the number of bytes consumed and whether the run was a tag.
func (p *Parser) handleTag(out *[]events.Event, raw string) (int, bool) {
	if p.state == stateSandbox {
		switch {
		case raw == tagSandboxClose:
			*out = append(*out, events.Event{V: events.Version, Type: events.TypeSandboxEnd})
			p.state = stateText
			return len(raw), true
		case tagNamed(raw, tagFileOpen):
			attrs, err := parseAttrs(tagBody(raw, tagFileOpen))
			if err != nil {
				*out = append(*out, events.Error(err.Error(), "malformed_tag"))
				return len(raw), true
			}
			path, ok := attrs["path"]
			if !ok || path == "" {
				*out = append(*out, events.Error("file tag missing path attribute", "malformed_tag"))
				return len(raw), true
			}
			*out = append(*out, events.FileStart(path))
			p.state = stateFile
			p.filePath = path
			p.fenceDone = false
			p.fenceBuf.Reset()
			return len(raw), true
		}
		return 0, false
	}

	switch {
	case tagNamed(raw, tagSandboxOpen):
		attrs, err := parseAttrs(tagBody(raw, tagSandboxOpen))
		if err != nil {
			*out = append(*out, events.Error(err.Error(), "malformed_tag"))
			return len(raw), true
		}
		*out = append(*out, events.Event{
			V:         events.Version,
			Type:      events.TypeSandboxStart,
			Framework: attrs["framework"],
		})
		p.state = stateSandbox
		return len(raw), true

	case tagNamed(raw, tagInstallOpen):
		*out = append(*out, events.Event{V: events.Version, Type: events.TypeInstallStart})
		p.state = stateInstall
		p.installBuf.Reset()
		return len(raw), true

	case tagNamed(raw, tagCommand):
		attrs, err := parseAttrs(tagBody(raw, tagCommand))
		if err != nil {
			*out = append(*out, events.Error(err.Error(), "malformed_tag"))
			return len(raw), true
		}
		name, ok := attrs["command"]
		if !ok || name == "" {
			*out = append(*out, events.Error("command tag missing command attribute", "malformed_tag"))
			return len(raw), true
		}
		*out = append(*out, events.Event{
			V:       events.Version,
			Type:    events.TypeCommand,
			Command: name,
			Args:    parseArgs(attrs["args"]),
		})
		return len(raw), true

	case tagNamed(raw, tagWebSearch):
		attrs, err := parseAttrs(tagBody(raw, tagWebSearch))
		if err != nil {
			*out = append(*out, events.Error(err.Error(), "malformed_tag"))
			return len(raw), true
		}
		query, ok := attrs["query"]
		if !ok || query == "" {
			*out = append(*out, events.Error("web_search tag missing query attribute", "malformed_tag"))
			return len(raw), true
		}
		maxResults := 5
		if v, err := strconv.Atoi(attrs["max_results"]); err == nil && v > 0 {
			maxResults = v
		}
		*out = append(*out, events.Event{
			V:          events.Version,
			Type:       events.TypeWebSearch,
			Query:      query,
			MaxResults: maxResults,
		})
		return len(raw), true

	case tagNamed(raw, tagDone):
		meta := events.Meta(events.PhaseSessionEnd)
		*out = append(*out, meta)
		return len(raw), true
	}
	return 0, false
}

// stepFile emits file content verbatim until the closing tag. A suffix that
// could be the start of "</file>" is held back until disambiguated.
func (p *Parser) stepFile(out *[]events.Event) (int, bool) {
	rest := p.pending
	if k := strings.Index(rest, tagFileClose); k >= 0 {
		p.flushFileContent(out, rest[:k])
		p.drainFence(out)
		*out = append(*out, events.FileEnd(p.filePath))
		p.state = stateSandbox
		p.filePath = ""
		return k + len(tagFileClose), false
	}
	hold := partialSuffix(rest, tagFileClose)
	if emit := rest[:len(rest)-hold]; emit != "" {
		p.flushFileContent(out, emit)
		return len(emit), len(rest) == hold
	}
	return 0, true
}

// stepInstall buffers the install block body until its closing tag.
func (p *Parser) stepInstall(out *[]events.Event) (int, bool) {
	rest := p.pending
	if k := strings.Index(rest, tagInstallClose); k >= 0 {
		p.installBuf.WriteString(rest[:k])
		*out = append(*out, p.installEvents()...)
		p.state = stateText
		return k + len(tagInstallClose), false
	}
	hold := partialSuffix(rest, tagInstallClose)
	p.installBuf.WriteString(rest[:len(rest)-hold])
	return len(rest) - hold, true
}

// installEvents parses the buffered install body. Recognized lines are
// "framework: <name>", "packages: a, b, c" and "- <pkg>" bullets.
func (p *Parser) installEvents() []events.Event {
	body := p.installBuf.String()
	p.installBuf.Reset()

	var framework string
	var pkgs []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "framework:"):
			framework = strings.TrimSpace(strings.TrimPrefix(line, "framework:"))
		case strings.HasPrefix(line, "packages:"):
			for _, pkg := range strings.Split(strings.TrimPrefix(line, "packages:"), ",") {
				if pkg = strings.TrimSpace(pkg); pkg != "" {
					pkgs = append(pkgs, pkg)
				}
			}
		case strings.HasPrefix(line, "- "):
			if pkg := strings.TrimSpace(line[2:]); pkg != "" {
				pkgs = append(pkgs, pkg)
			}
		}
	}

	return []events.Event{
		{V: events.Version, Type: events.TypeInstallContent, Framework: framework, Dependencies: pkgs},
		{V: events.Version, Type: events.TypeInstallEnd},
	}
}

// flushFileContent routes content through the fence filter while the first
// chunk of a file is still undecided, then passes bytes through verbatim.
// CDATA wrappers receive no special treatment; they are content.
func (p *Parser) flushFileContent(out *[]events.Event, content string) {
	if p.fenceDone {
		if content != "" {
			*out = append(*out, events.FileContent(p.filePath, content))
		}
		return
	}
	p.fenceBuf.WriteString(content)
	buffered := p.fenceBuf.String()
	trimmed := strings.TrimLeft(buffered, " \t\r\n")

	switch {
	case trimmed == "" && len(buffered) <= fenceScanLimit:
		// All whitespace so far; keep buffering.
		return
	case couldBeFence(trimmed) && !strings.Contains(trimmed, "\n") && len(buffered) <= fenceScanLimit:
		// Looks like a fence whose line has not terminated yet.
		return
	}

	p.fenceDone = true
	p.fenceBuf.Reset()
	if nl := strings.IndexByte(trimmed, '\n'); strings.HasPrefix(trimmed, "```") && nl >= 0 && isFenceLine(trimmed[:nl]) {
		lead := buffered[:len(buffered)-len(trimmed)]
		remainder := lead + trimmed[nl+1:]
		if remainder != "" {
			*out = append(*out, events.FileContent(p.filePath, remainder))
		}
		return
	}
	if buffered != "" {
		*out = append(*out, events.FileContent(p.filePath, buffered))
	}
}

// drainFence releases any bytes still held by the fence filter unchanged.
// Called when a file closes before the fence heuristic resolved.
func (p *Parser) drainFence(out *[]events.Event) {
	if p.fenceDone {
		return
	}
	p.fenceDone = true
	if b := p.fenceBuf.String(); b != "" {
		*out = append(*out, events.FileContent(p.filePath, b))
	}
	p.fenceBuf.Reset()
}

// couldBeFence reports whether s is, or could still grow into, a markdown
// fence opener.
func couldBeFence(s string) bool {
	if len(s) < 3 {
		return strings.HasPrefix("```", s)
	}
	return strings.HasPrefix(s, "```")
}

// isFenceLine matches "```" plus an optional language tag.
func isFenceLine(line string) bool {
	rest := strings.TrimRight(strings.TrimPrefix(line, "```"), " \t\r")
	for _, r := range rest {
		if !(r == '_' || r == '+' || r == '-' || r == '.' || r == '#' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// emitText appends a TEXT event, merging into a trailing TEXT event when
// possible to keep frame counts low.
func (p *Parser) emitText(out *[]events.Event, text string) {
	if text == "" {
		return
	}
	if n := len(*out); n > 0 && (*out)[n-1].Type == events.TypeText {
		(*out)[n-1].Delta += text
		return
	}
	*out = append(*out, events.Text(text))
}

// tagNamed reports whether raw is a tag whose name is exactly name, i.e. the
// name is followed by whitespace, '/' or '>'.
func tagNamed(raw, name string) bool {
	if !strings.HasPrefix(raw, name) {
		return false
	}
	rest := raw[len(name):]
	if rest == "" {
		return false
	}
	switch rest[0] {
	case ' ', '\t', '\n', '\r', '/', '>':
		return true
	}
	return false
}

// tagBody returns the attribute region of a complete tag: everything between
// the tag name and the closing ">" (or "/>").
func tagBody(raw, name string) string {
	body := raw[len(name):]
	body = strings.TrimSuffix(body, ">")
	body = strings.TrimSuffix(body, "/")
	return body
}

// parseArgs decodes the args attribute, which carries a JSON array of
// strings. A value that is not valid JSON is treated as a single argument.
func parseArgs(raw string) []string {
	if raw == "" {
		return nil
	}
	var args []string
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args
	}
	return []string{raw}
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag. Used to hold back bytes that may open a close tag.
func partialSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if s[len(s)-n:] == tag[:n] {
			return n
		}
	}
	return 0
}
