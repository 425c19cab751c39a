package validators

import "strings"

// MaskString redacts a sensitive value for logging, keeping only the
// last four characters so operators can tell two secrets apart without
// exposing either. Values too short to mask safely are redacted whole.
func MaskString(value string) string {
	const keep = 4
	if len(value) <= keep {
		return "************"
	}
	return strings.Repeat("*", len(value)-keep) + value[len(value)-keep:]
}

// MaskPassword redacts a password entirely: unlike MaskString, not even
// a recognizable tail is kept.
func MaskPassword(string) string {
	return "*************************"
}
