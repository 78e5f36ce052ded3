package remote

import (
	"fmt"
	"net/url"
	"strings"
)

// ResolvePath substitutes {name} placeholders in an endpoint template. Every placeholder
// must be supplied; values are path-escaped.
func ResolvePath(template string, vars map[string]string) (string, error) {
	var builder strings.Builder
	remaining := template
	for {
		start := strings.IndexByte(remaining, '{')
		if start < 0 {
			builder.WriteString(remaining)
			return builder.String(), nil
		}
		end := strings.IndexByte(remaining[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("remote: unterminated placeholder in %q", template)
		}
		name := remaining[start+1 : start+end]
		value, ok := vars[name]
		if !ok || strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("remote: missing value for {%s} in %q", name, template)
		}
		builder.WriteString(remaining[:start])
		builder.WriteString(url.PathEscape(value))
		remaining = remaining[start+end+1:]
	}
}
