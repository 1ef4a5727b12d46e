package identity

import "strings"

const maskPlaceholder = "****"

// MaskContact keeps the first 5 and last 3 characters of a contact string and
// hides the rest. Shorter values are hidden entirely.
func MaskContact(contact string) string {
	runes := []rune(strings.TrimSpace(contact))
	if len(runes) < 8 {
		return maskPlaceholder
	}
	return string(runes[:5]) + maskPlaceholder + string(runes[len(runes)-3:])
}
