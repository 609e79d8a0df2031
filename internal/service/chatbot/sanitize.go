package chatbot

import "strings"

// Sanitize keeps only ASCII letters, digits, space and . , ! ? and trims the
// spaces left at either end. Applying it twice yields the same result.
func Sanitize(text string) string {
	filtered := strings.Map(func(r rune) rune {
		if allowedRune(r) {
			return r
		}
		return -1
	}, text)
	return strings.Trim(filtered, " ")
}

func allowedRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == ' ', r == '.', r == ',', r == '!', r == '?':
		return true
	}
	return false
}
