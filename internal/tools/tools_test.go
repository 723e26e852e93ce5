package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/apperr"
	"github.com/edward-labs/edward/internal/sandbox"
	"github.com/edward-labs/edward/internal/storage"
)

func newShellFixture(t *testing.T) (*Shell, *sandbox.Manager, *sandbox.MemRuntime, string) {
	t.Helper()
	rt := sandbox.NewMemRuntime()
	mgr := sandbox.NewManager(rt, storage.NewMemStore(), nil,
		sandbox.Config{FlushDebounce: 10 * time.Millisecond}, zap.NewNop())
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	inst, err := mgr.Provision(context.Background(), "u1", "chat1", "")
	require.NoError(t, err)
	return NewShell(mgr), mgr, rt, inst.ID
}

func TestParseArgs(t *testing.T) {
	args, err := ParseArgs(`["-la", "src"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"-la", "src"}, args)

	args, err = ParseArgs("")
	require.NoError(t, err)
	assert.Nil(t, args)

	_, err = ParseArgs(`-la src`)
	require.Error(t, err)
	assert.Equal(t, "invalid_tool_args", apperr.CodeOf(err))
}

func TestShellAllowlist(t *testing.T) {
	sh, _, _, id := newShellFixture(t)
	ctx := context.Background()

	_, err := sh.Run(ctx, id, "rm", []string{"-rf", "/"})
	require.Error(t, err)
	assert.Equal(t, "tool_not_allowed", apperr.CodeOf(err))
	assert.True(t, apperr.IsKind(err, apperr.KindPermission))

	_, err = sh.Run(ctx, id, "npm", nil)
	require.Error(t, err)

	_, err = sh.Run(ctx, id, "cat", []string{"a\x00b"})
	require.Error(t, err)
	assert.Equal(t, "invalid_tool_args", apperr.CodeOf(err))
}

func TestShellRunReadsWorkspace(t *testing.T) {
	sh, mgr, _, id := newShellFixture(t)
	ctx := context.Background()

	require.NoError(t, mgr.PrepareFile(ctx, id, "src/index.ts"))
	require.NoError(t, mgr.WriteFile(ctx, id, "src/index.ts", "console.log(1)"))
	require.NoError(t, mgr.Flush(ctx, id, false))

	out, err := sh.Run(ctx, id, "cat", []string{sandbox.DefaultWorkspace + "/src/index.ts"})
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", out)

	out, err = sh.Run(ctx, id, "ls", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "src/index.ts")
}

func TestShellOutputTruncation(t *testing.T) {
	sh, mgr, _, id := newShellFixture(t)
	ctx := context.Background()

	big := strings.Repeat("x", maxOutputBytes+100)
	require.NoError(t, mgr.PrepareFile(ctx, id, "big.txt"))
	require.NoError(t, mgr.WriteFile(ctx, id, "big.txt", big))
	require.NoError(t, mgr.Flush(ctx, id, false))

	out, err := sh.Run(ctx, id, "cat", []string{sandbox.DefaultWorkspace + "/big.txt"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, truncatedMarker))
	assert.Len(t, out, maxOutputBytes+len(truncatedMarker))
}

func TestFormatting(t *testing.T) {
	msg := FormatShellResult("ls", []string{"-la"}, "file1\nfile2")
	assert.Contains(t, msg, "`ls -la`")
	assert.Contains(t, msg, "file1\nfile2")

	msg = FormatShellResult("wc", nil, "   ")
	assert.Contains(t, msg, "(no output)")

	msg = FormatSearchResults("react dnd", []SearchResult{
		{Title: "dnd kit", URL: "https://dndkit.com", Snippet: "Drag and drop toolkit"},
	})
	assert.Contains(t, msg, "1. dnd kit — https://dndkit.com")

	assert.Contains(t, FormatSearchResults("nothing", nil), "(no results)")
}

func TestFakeSearcher(t *testing.T) {
	f := &FakeSearcher{Results: []SearchResult{{Title: "a"}, {Title: "b"}, {Title: "c"}}}
	res, err := f.Search(context.Background(), "query", 2)
	require.NoError(t, err)
	assert.Len(t, res, 2)
	assert.Equal(t, []string{"query"}, f.Queries)
}
