package validators

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeText trims free text, drops control characters and invalid UTF-8,
// and keeps at most maxRunes characters. maxRunes <= 0 disables the cap.
func SanitizeText(input string, maxRunes int) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == utf8.RuneError || (unicode.IsControl(r) && r != '\n') {
			return -1
		}
		return r
	}, strings.ToValidUTF8(input, ""))
	cleaned = strings.TrimSpace(cleaned)
	if maxRunes <= 0 || utf8.RuneCountInString(cleaned) <= maxRunes {
		return cleaned
	}
	runes := []rune(cleaned)
	return strings.TrimSpace(string(runes[:maxRunes]))
}
