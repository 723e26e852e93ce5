package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edward-labs/edward/internal/events"
)

// collect feeds chunks through a fresh parser and returns all events
// including the flush.
func collect(chunks ...string) []events.Event {
	p := New()
	var out []events.Event
	for _, c := range chunks {
		out = append(out, p.Process(c)...)
	}
	out = append(out, p.Flush()...)
	return out
}

// normalize merges adjacent delta events so sequences can be compared
// independently of chunking.
func normalize(evs []events.Event) []events.Event {
	var out []events.Event
	for _, e := range evs {
		if n := len(out); n > 0 && out[n-1].Type == e.Type && out[n-1].Path == e.Path &&
			(e.Type == events.TypeText || e.Type == events.TypeFileContent) {
			out[n-1].Delta += e.Delta
			continue
		}
		out = append(out, e)
	}
	return out
}

func types(evs []events.Event) []events.Type {
	out := make([]events.Type, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestPlainTextPassesThrough(t *testing.T) {
	evs := collect("hello ", "world")
	require.Len(t, normalize(evs), 1)
	assert.Equal(t, "hello world", normalize(evs)[0].Delta)
}

func TestSandboxFileSequence(t *testing.T) {
	input := `intro <edward_sandbox framework="next">
<file path="src/app/page.tsx">export default function Page() {}
</file>
</edward_sandbox> outro`

	evs := normalize(collect(input))
	assert.Equal(t, []events.Type{
		events.TypeText,
		events.TypeSandboxStart,
		events.TypeText,
		events.TypeFileStart,
		events.TypeFileContent,
		events.TypeFileEnd,
		events.TypeText,
		events.TypeSandboxEnd,
		events.TypeText,
	}, types(evs))

	assert.Equal(t, "next", evs[1].Framework)
	assert.Equal(t, "src/app/page.tsx", evs[3].Path)
	assert.Equal(t, "export default function Page() {}\n", evs[4].Delta)
}

func TestChunkBoundaryIndependence(t *testing.T) {
	input := `a<edward_sandbox><file path="a.ts">let x = 1;</file></edward_sandbox>b` +
		`<edward_install>
framework: next
packages: clsx, tailwind-merge
</edward_install>tail`

	whole := normalize(collect(input))

	for _, size := range []int{1, 2, 3, 7, 16} {
		var chunks []string
		for i := 0; i < len(input); i += size {
			end := i + size
			if end > len(input) {
				end = len(input)
			}
			chunks = append(chunks, input[i:end])
		}
		split := normalize(collect(chunks...))
		assert.Equal(t, whole, split, "chunk size %d", size)
	}
}

func TestInstallBlock(t *testing.T) {
	evs := collect("<edward_install>\nframework: vite\npackages: lucide-react, clsx\n- class-variance-authority\n</edward_install>")
	require.Len(t, evs, 3)
	assert.Equal(t, events.TypeInstallStart, evs[0].Type)
	assert.Equal(t, events.TypeInstallContent, evs[1].Type)
	assert.Equal(t, "vite", evs[1].Framework)
	assert.Equal(t, []string{"lucide-react", "clsx", "class-variance-authority"}, evs[1].Dependencies)
	assert.Equal(t, events.TypeInstallEnd, evs[2].Type)
}

func TestCommandAndWebSearch(t *testing.T) {
	evs := collect(`<edward_command command="ls" args="[\"-la\",\"src\"]"/> <edward_web_search query="radix slot" max_results="3"/>`)
	evs = normalize(evs)

	require.GreaterOrEqual(t, len(evs), 2)
	assert.Equal(t, events.TypeCommand, evs[0].Type)
	assert.Equal(t, "ls", evs[0].Command)
	assert.Equal(t, []string{"-la", "src"}, evs[0].Args)

	var ws *events.Event
	for i := range evs {
		if evs[i].Type == events.TypeWebSearch {
			ws = &evs[i]
		}
	}
	require.NotNil(t, ws)
	assert.Equal(t, "radix slot", ws.Query)
	assert.Equal(t, 3, ws.MaxResults)
}

func TestDoneTagEmitsSessionEnd(t *testing.T) {
	evs := collect("bye<edward_done/>")
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeMeta, evs[1].Type)
	assert.Equal(t, events.PhaseSessionEnd, evs[1].Phase)
}

func TestFenceStrippedFromFirstFileChunk(t *testing.T) {
	evs := normalize(collect(
		`<edward_sandbox><file path="a.tsx">`,
		"```tsx\nconst a = 1;\n",
		"</file></edward_sandbox>",
	))
	var content string
	for _, e := range evs {
		if e.Type == events.TypeFileContent {
			content += e.Delta
		}
	}
	assert.Equal(t, "const a = 1;\n", content)
}

func TestFenceWithoutNewlinePassesThrough(t *testing.T) {
	// A short payload that looks like a fence but never terminates its line
	// is passed through unchanged.
	evs := normalize(collect(`<edward_sandbox><file path="a.txt">`, "```notafence", "</file></edward_sandbox>"))
	var content string
	for _, e := range evs {
		if e.Type == events.TypeFileContent {
			content += e.Delta
		}
	}
	assert.Equal(t, "```notafence", content)
}

func TestFileContentPreservesTagLookalikes(t *testing.T) {
	body := "const s = \"</fi\" + \"le>\";\nlet lt = 1 < 2;\n"
	evs := normalize(collect(`<edward_sandbox><file path="a.ts">` + body + "</file></edward_sandbox>"))
	var content string
	for _, e := range evs {
		if e.Type == events.TypeFileContent {
			content += e.Delta
		}
	}
	assert.Equal(t, body, content)
}

func TestMissingPathEmitsErrorAndContinues(t *testing.T) {
	evs := collect(`<edward_sandbox><file>ignored</file><file path="b.ts">ok</file></edward_sandbox>`)
	evs = normalize(evs)

	var errs, starts int
	for _, e := range evs {
		switch e.Type {
		case events.TypeError:
			errs++
			assert.Equal(t, "malformed_tag", e.Code)
		case events.TypeFileStart:
			starts++
			assert.Equal(t, "b.ts", e.Path)
		}
	}
	assert.Equal(t, 1, errs)
	assert.Equal(t, 1, starts)
}

func TestSingleQuotedAttributeRejected(t *testing.T) {
	evs := collect(`<edward_sandbox><file path='a.ts'>x</file></edward_sandbox>`)
	var sawError bool
	for _, e := range evs {
		if e.Type == events.TypeError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestFlushClosesOpenFile(t *testing.T) {
	p := New()
	p.Process(`<edward_sandbox><file path="a.ts">partial content`)
	evs := p.Flush()

	seq := types(evs)
	assert.Contains(t, seq, events.TypeFileContent)
	assert.Contains(t, seq, events.TypeFileEnd)
	assert.Contains(t, seq, events.TypeSandboxEnd)
	// File end precedes sandbox end.
	assert.Less(t,
		indexOf(seq, events.TypeFileEnd),
		indexOf(seq, events.TypeSandboxEnd))
}

func TestAngleBracketInProseIsText(t *testing.T) {
	evs := normalize(collect("a < b and <b>bold</b> stay text"))
	require.Len(t, evs, 1)
	assert.Equal(t, "a < b and <b>bold</b> stay text", evs[0].Delta)
}

func TestTagSplitAcrossChunksNeverEmitsPartialAttribute(t *testing.T) {
	evs := normalize(collect(`<edward_sandbox><file pa`, `th="src/x.ts">y</file></edward_sandbox>`))
	var start *events.Event
	for i := range evs {
		if evs[i].Type == events.TypeFileStart {
			start = &evs[i]
		}
	}
	require.NotNil(t, start)
	assert.Equal(t, "src/x.ts", start.Path)
}

func indexOf(seq []events.Type, t events.Type) int {
	for i, v := range seq {
		if v == t {
			return i
		}
	}
	return -1
}

func TestLongProseWithManyBrackets(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 200; i++ {
		sb.WriteString("x < y > z ")
	}
	evs := normalize(collect(sb.String()))
	require.Len(t, evs, 1)
	assert.Equal(t, sb.String(), evs[0].Delta)
}
