package actions

import (
	"fmt"
	"regexp"

	"github.com/conveyr/conveyr/internal/conditions"

	"github.com/conveyr/conveyr/pkg/schema"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate resolves "{{path}}" placeholders in a config value against the
// execution context, recursing into maps and slices. A string that is exactly
// one placeholder resolves to the referenced value with its original type;
// placeholders embedded in larger strings are stringified in place.
// Unresolved placeholders become nil (exact) or empty (embedded).
func Interpolate(value any, execCtx *schema.ExecutionContext) any {
	if execCtx == nil {
		return value
	}
	return interpolate(value, execCtx.Merged())
}

func interpolate(value any, data map[string]any) any {
	switch v := value.(type) {
	case string:
		return interpolateString(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = interpolate(item, data)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = interpolate(item, data)
		}
		return out
	default:
		return value
	}
}

func interpolateString(s string, data map[string]any) any {
	// Exact placeholder keeps the referenced value's type.
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == s {
		resolved, found := conditions.ResolvePath(data, m[1])
		if !found {
			return nil
		}
		return resolved
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		resolved, found := conditions.ResolvePath(data, path)
		if !found || resolved == nil {
			return ""
		}
		return fmt.Sprintf("%v", resolved)
	})
}
