// Package coerce turns raw model-generated text into schema-validated
// records. Generation output is frequently wrapped in prose or markdown
// and truncated by token limits, so the package treats almost-JSON as a
// first-class input format: it extracts a candidate span, normalizes the
// common malformations, repairs truncation, and only then parses and
// validates.
package coerce

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// maxRepairDepth caps how many unclosed structures repair will close.
// Deeper nesting in truncated output is almost always garbage, not JSON.
const maxRepairDepth = 8

// rawExcerptLen bounds the diagnostic excerpt attached to parse failures
// so the full raw text is never logged or returned.
const rawExcerptLen = 256

// Parse coerces raw text into a T conforming to the given JSON schema.
// An empty schema skips validation. The returned error carries only a
// bounded excerpt of the raw text.
func Parse[T any](schema, raw string) (T, error) {
	var zero T

	candidate := Extract(raw)
	if candidate == "" {
		return zero, parseErr(eris.New("no JSON candidate found"), raw)
	}

	candidate = normalize(candidate)
	candidate = repairTruncated(candidate)

	if schema != "" {
		result, err := gojsonschema.Validate(
			gojsonschema.NewStringLoader(schema),
			gojsonschema.NewStringLoader(candidate),
		)
		if err != nil {
			return zero, parseErr(eris.Wrap(err, "validate"), raw)
		}
		if !result.Valid() {
			return zero, parseErr(eris.Errorf("schema violation: %s", violationSummary(result)), raw)
		}
	}

	var out T
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return zero, parseErr(eris.Wrap(err, "unmarshal"), raw)
	}
	return out, nil
}

// ParseWithFallback is Parse, but swallows the failure and returns the
// caller-supplied fallback instead. The failure is still logged.
func ParseWithFallback[T any](schema, raw string, fallback T) T {
	out, err := Parse[T](schema, raw)
	if err != nil {
		zap.L().Debug("coerce: falling back", zap.Error(err))
		return fallback
	}
	return out
}

// Extract pulls the JSON candidate out of surrounding prose. A fenced
// code block wins, whatever its language tag and wherever it sits in the
// text; otherwise the earliest object or array span is taken.
func Extract(raw string) string {
	text := strings.TrimSpace(raw)

	if inner, ok := fencedBlock(text); ok {
		return inner
	}

	// Prefer whichever of {...} or [...] starts earlier.
	objStart := strings.Index(text, "{")
	arrStart := strings.Index(text, "[")

	switch {
	case objStart < 0 && arrStart < 0:
		return ""
	case arrStart < 0 || (objStart >= 0 && objStart < arrStart):
		end := strings.LastIndex(text, "}")
		if end > objStart {
			return strings.TrimSpace(text[objStart : end+1])
		}
		return strings.TrimSpace(text[objStart:])
	default:
		end := strings.LastIndex(text, "]")
		if end > arrStart {
			return strings.TrimSpace(text[arrStart : end+1])
		}
		return strings.TrimSpace(text[arrStart:])
	}
}

// fencedBlock returns the inner text of the first fenced code block. The
// opening fence's language tag line is dropped; an unterminated block
// runs to the end of the text. An empty block reports no match so the
// span fallback still gets a chance.
func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	inner := text[start+3:]

	if nl := strings.IndexByte(inner, '\n'); nl >= 0 && isFenceTag(strings.TrimSpace(inner[:nl])) {
		inner = inner[nl+1:]
	}
	if end := strings.Index(inner, "```"); end >= 0 {
		inner = inner[:end]
	}

	inner = strings.TrimSpace(inner)
	return inner, inner != ""
}

// isFenceTag reports whether the first line after an opening fence is a
// language tag (or blank) rather than content.
func isFenceTag(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '+', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// normalize rewrites the common malformations in generated JSON: single
// quoted strings, raw newlines inside strings, ellipsis markers left by
// truncated generation, and trailing commas before a closer.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inDouble := false
	inSingle := false
	escape := false

	for i := 0; i < len(text); i++ {
		c := text[i]

		if escape {
			b.WriteByte(c)
			escape = false
			continue
		}

		if c == '\\' && (inDouble || inSingle) {
			b.WriteByte(c)
			escape = true
			continue
		}

		switch {
		case inDouble:
			if c == '"' {
				inDouble = false
				b.WriteByte(c)
			} else if c == '\n' || c == '\r' {
				// Literal newline inside a string is invalid JSON.
				b.WriteString(`\n`)
			} else {
				b.WriteByte(c)
			}
		case inSingle:
			if c == '\'' {
				inSingle = false
				b.WriteByte('"')
			} else if c == '"' {
				b.WriteString(`\"`)
			} else if c == '\n' || c == '\r' {
				b.WriteString(`\n`)
			} else {
				b.WriteByte(c)
			}
		default:
			switch c {
			case '"':
				inDouble = true
				b.WriteByte(c)
			case '\'':
				inSingle = true
				b.WriteByte('"')
			default:
				b.WriteByte(c)
			}
		}
	}

	out := b.String()
	out = stripEllipses(out)
	out = stripTrailingCommas(out)
	return out
}

// stripEllipses removes truncation markers appearing outside strings.
func stripEllipses(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inString := false
	escape := false

	for i := 0; i < len(text); i++ {
		c := text[i]

		if escape {
			b.WriteByte(c)
			escape = false
			continue
		}
		if c == '\\' && inString {
			b.WriteByte(c)
			escape = true
			continue
		}
		if c == '"' {
			inString = !inString
			b.WriteByte(c)
			continue
		}
		if !inString {
			if strings.HasPrefix(text[i:], "...") {
				i += 2
				continue
			}
			if strings.HasPrefix(text[i:], "…") {
				i += len("…") - 1
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// stripTrailingCommas removes a comma that directly precedes a closing
// brace or bracket, which strict JSON rejects.
func stripTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inString := false
	escape := false

	for i := 0; i < len(text); i++ {
		c := text[i]

		if escape {
			b.WriteByte(c)
			escape = false
			continue
		}
		if c == '\\' && inString {
			b.WriteByte(c)
			escape = true
			continue
		}
		if c == '"' {
			inString = !inString
			b.WriteByte(c)
			continue
		}

		if !inString && c == ',' {
			j := i + 1
			for j < len(text) && (text[j] == ' ' || text[j] == '\t' || text[j] == '\n' || text[j] == '\r') {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// repairTruncated closes an open string and any unclosed braces or
// brackets left by mid-generation truncation. Candidates already ending
// in a closer with a balanced stack pass through untouched. Repair gives
// up past maxRepairDepth rather than fabricating deep structure.
func repairTruncated(text string) string {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return text
	}

	var stack []byte
	inString := false
	escape := false

	for i := 0; i < len(text); i++ {
		c := text[i]

		if escape {
			escape = false
			continue
		}
		if c == '\\' && inString {
			escape = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
		if len(stack) > maxRepairDepth {
			return text
		}
	}

	if inString {
		text += `"`
	}

	// Close unclosed delimiters in reverse order, trimming the trailing
	// comma a truncated array or object usually leaves behind.
	for i := len(stack) - 1; i >= 0; i-- {
		text = strings.TrimRight(text, " \t\n\r,")
		text += string(stack[i])
	}
	return text
}

func violationSummary(result *gojsonschema.Result) string {
	errs := result.Errors()
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.String())
		if len(parts) == 3 {
			break
		}
	}
	return strings.Join(parts, "; ")
}

func parseErr(err error, raw string) error {
	excerpt := raw
	if len(excerpt) > rawExcerptLen {
		excerpt = excerpt[:rawExcerptLen]
	}
	return eris.Wrapf(err, "coerce: parse failed (raw prefix: %q)", excerpt)
}
