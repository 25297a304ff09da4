package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// CanonicalAccountName normalises an account name for identity lookups:
// surrounding whitespace trimmed, underscores read as spaces, runs of
// spaces collapsed and the first letter upper-cased.
func CanonicalAccountName(name string) string {
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r)) + name[size:]
}
