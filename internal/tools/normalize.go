package tools

import (
	"strings"
	"unicode"

	"github.com/nugget/aki/internal/llm"
)

// CamelToSnake converts camelCase and PascalCase identifiers to
// snake_case. Runs of capitals are treated as one word, so "PDFFile"
// becomes "pdf_file" and "parseHTML" becomes "parse_html".
func CamelToSnake(s string) string {
	runes := []rune(s)
	var sb strings.Builder
	sb.Grow(len(s) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if prev != '_' && (unicode.IsLower(prev) || unicode.IsDigit(prev) ||
					(unicode.IsUpper(prev) && nextLower)) {
					sb.WriteByte('_')
				}
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// NormalizeArgs renames argument keys the model sent in camelCase to
// the snake_case names the tool declares. Keys that are already
// declared, or whose snake form is not declared, pass through
// unchanged. When both spellings arrive, the first one wins.
func NormalizeArgs(parameters map[string]any, args llm.Args) llm.Args {
	props, _ := parameters["properties"].(map[string]any)
	out := make(llm.Args, 0, len(args))
	seen := make(map[string]bool, len(args))
	for _, a := range args {
		key := a.Key
		if _, declared := props[key]; !declared {
			if snake := CamelToSnake(key); snake != key {
				if _, ok := props[snake]; ok {
					key = snake
				}
			}
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, llm.Arg{Key: key, Value: a.Value})
	}
	return out
}
