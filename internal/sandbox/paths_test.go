package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edward-labs/edward/internal/apperr"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "simple", in: "src/app/page.tsx", want: "src/app/page.tsx"},
		{name: "cleans redundant segments", in: "src/./app//page.tsx", want: "src/app/page.tsx"},
		{name: "internal dotdot that stays inside", in: "src/app/../lib/util.ts", want: "src/lib/util.ts"},
		{name: "empty", in: "", wantErr: true},
		{name: "absolute", in: "/etc/passwd", wantErr: true},
		{name: "backslash absolute", in: "\\windows", wantErr: true},
		{name: "escapes workspace", in: "../secrets.txt", wantErr: true},
		{name: "deep escape", in: "src/../../other", wantErr: true},
		{name: "bare dotdot", in: "..", wantErr: true},
		{name: "workspace root", in: ".", wantErr: true},
		{name: "nul byte", in: "src/\x00evil", wantErr: true},
		{name: "newline", in: "src/a\nb.ts", wantErr: true},
		{name: "single quote breakout", in: "x'; : > pwned; '", wantErr: true},
		{name: "double quote", in: `src/"x".ts`, wantErr: true},
		{name: "command substitution", in: "src/$(id).ts", wantErr: true},
		{name: "backtick substitution", in: "src/`id`.ts", wantErr: true},
		{name: "backslash escape", in: `src/a\.ts`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePath(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, "invalid_path", apperr.CodeOf(err))
				assert.True(t, apperr.IsKind(err, apperr.KindValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
