package sanitize

import (
	"strings"
	"unicode"
)

// ChatText cleans a chat body: invalid UTF-8 is replaced, control characters
// other than newline and tab are removed, and surrounding space is trimmed.
// Markup is kept as-is; clients render bodies as text.
func ChatText(input string) string {
	input = strings.ToValidUTF8(input, "�")
	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return strings.TrimSpace(result.String())
}

// Identifier cleans a display name or id taken from a client
func Identifier(input string) string {
	return strings.TrimSpace(StripControlCharacters(strings.ToValidUTF8(input, "")))
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
