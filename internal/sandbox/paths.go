package sandbox

import (
	"path"
	"strings"

	"github.com/edward-labs/edward/internal/apperr"
)

// NormalizePath validates a workspace-relative path from the model and
// returns its cleaned form. Absolute paths, parent traversal and NUL bytes
// are rejected; the model never addresses anything outside the workspace.
func NormalizePath(p string) (string, error) {
	if p == "" {
		return "", apperr.New(apperr.KindValidation, "empty path").WithCode("invalid_path")
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return "", apperr.New(apperr.KindValidation, "path contains control character").WithCode("invalid_path")
		}
	}
	// Quote, escape and expansion characters never appear in legitimate
	// project paths; rejecting them keeps paths inert in any shell context.
	if strings.ContainsAny(p, "'\"\\`$") {
		return "", apperr.Newf(apperr.KindValidation, "path %q contains shell metacharacters", p).WithCode("invalid_path")
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return "", apperr.Newf(apperr.KindValidation, "absolute path %q", p).WithCode("invalid_path")
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", apperr.Newf(apperr.KindValidation, "path %q escapes workspace", p).WithCode("invalid_path")
	}
	if cleaned == "." {
		return "", apperr.Newf(apperr.KindValidation, "path %q names the workspace root", p).WithCode("invalid_path")
	}
	return cleaned, nil
}
