package parser

import (
	"fmt"
	"strings"
)

// parseAttrs parses the attribute region of a tag into a map. Only
// double-quoted values are accepted; backslash escapes '"' and '\' inside a
// value so JSON payloads can be carried.
func parseAttrs(body string) (map[string]string, error) {
	attrs := make(map[string]string)
	i := 0
	for {
		for i < len(body) && isSpace(body[i]) {
			i++
		}
		if i >= len(body) {
			return attrs, nil
		}

		start := i
		for i < len(body) && isNameByte(body[i]) {
			i++
		}
		if i == start {
			return nil, fmt.Errorf("unexpected character %q in attributes", body[i])
		}
		key := body[start:i]

		for i < len(body) && isSpace(body[i]) {
			i++
		}
		if i >= len(body) || body[i] != '=' {
			return nil, fmt.Errorf("attribute %q missing value", key)
		}
		i++
		for i < len(body) && isSpace(body[i]) {
			i++
		}
		if i >= len(body) {
			return nil, fmt.Errorf("attribute %q missing value", key)
		}
		if body[i] == '\'' {
			return nil, fmt.Errorf("attribute %q uses single quotes", key)
		}
		if body[i] != '"' {
			return nil, fmt.Errorf("attribute %q value is not quoted", key)
		}
		i++

		var val strings.Builder
		closed := false
		for i < len(body) {
			c := body[i]
			if c == '\\' && i+1 < len(body) {
				next := body[i+1]
				if next == '"' || next == '\\' {
					val.WriteByte(next)
					i += 2
					continue
				}
			}
			if c == '"' {
				closed = true
				i++
				break
			}
			val.WriteByte(c)
			i++
		}
		if !closed {
			return nil, fmt.Errorf("attribute %q has unterminated value", key)
		}
		attrs[key] = val.String()
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isNameByte(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
