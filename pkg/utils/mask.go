package utils

import "strings"

// MaskSensitive keeps the first visibleChars runes and masks the rest, for
// logging identities without leaking them.
func MaskSensitive(s string, visibleChars int) string {
	r := []rune(s)
	if len(r) <= visibleChars {
		return strings.Repeat("*", len(r))
	}
	return string(r[:visibleChars]) + strings.Repeat("*", len(r)-visibleChars)
}
