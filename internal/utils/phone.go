package utils

import "strings"

// NormalizePhone strips formatting and expands local Uzbek numbers to the
// 998XXXXXXXXX form expected by the SMS provider.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	switch {
	case strings.HasPrefix(cleaned, "998") && len(cleaned) == 12:
		return cleaned
	case strings.HasPrefix(cleaned, "0") && len(cleaned) == 9:
		return "998" + cleaned[1:]
	case strings.HasPrefix(cleaned, "9") && len(cleaned) == 9:
		return "998" + cleaned
	}
	return cleaned
}
