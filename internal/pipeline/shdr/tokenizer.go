// Package shdr implements the SHDR line protocol stages of the
// ingestion pipeline (spec.md §4.1-§4.3, §6.1): tokenizing a raw line,
// extracting and normalizing its timestamp, and mapping its remaining
// fields onto typed observations against the device model.
package shdr

import "strings"

// Tokenize splits one SHDR line into its pipe-delimited fields (spec.md
// §4.1, §6.1). Fields may be quoted with "..." to embed a literal pipe
// as \|; leading/trailing ASCII whitespace is stripped from every
// field, and a trailing "|" yields one final empty field. Malformed
// quoting (an unmatched ") degrades to a plain split on unescaped "|"
// with backslashes left intact, since the line cannot be reliably
// quote-parsed.
//
// This is a hand-written character scan rather than a ported regular
// expression: shdr_tokenizer.hpp drives the identical behavior off a
// single std::regex with capture groups, but a scanner is the more
// idiomatic Go expression of the same state machine.
func Tokenize(line string) []string {
	if strings.Count(line, `"`)%2 != 0 {
		return tokenizeUnquoted(line)
	}
	return tokenizeQuoted(line)
}

func tokenizeUnquoted(line string) []string {
	parts := strings.Split(line, "|")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = trim(p)
	}
	return out
}

func tokenizeQuoted(line string) []string {
	var tokens []string
	text := line

	for text != "" {
		var field, rest string

		if text[0] == '"' {
			if rel := strings.IndexByte(text[1:], '"'); rel >= 0 {
				end := rel + 1
				content := strings.ReplaceAll(text[1:end], `\|`, "|")
				field = trim(content)
				rest = text[end+1:]
			} else {
				// No closing quote despite the even count (e.g. an
				// escaped-looking quote pair straddling a different
				// field): fall back to treating the rest as plain text.
				field = trim(strings.ReplaceAll(text, `\|`, "|"))
				rest = ""
			}
		} else if idx := strings.IndexByte(text, '|'); idx >= 0 {
			field = trim(text[:idx])
			rest = text[idx:]
		} else {
			field = trim(text)
			rest = ""
		}

		tokens = append(tokens, field)

		switch {
		case rest == "":
			text = ""
		case rest == "|":
			tokens = append(tokens, "")
			text = ""
		default:
			if rest[0] == '|' {
				rest = rest[1:]
			}
			text = rest
			if text == "" {
				tokens = append(tokens, "")
			}
		}
	}

	return tokens
}

func trim(s string) string {
	return strings.Trim(s, " \r\n\t")
}
