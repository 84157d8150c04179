package models

import (
	"regexp"
	"strings"
)

var (
	spaceRun = regexp.MustCompile(`\s+`)
	ccPrefix = regexp.MustCompile(`^(\+\d{1,3})\s*(.*)$`)
)

// NormalizePhone canonicalizes a phone number to "+CC rest" with a single
// space after the country code, or digits only when no country code is
// present. Two inputs that differ only in spacing normalize to the same key.
func NormalizePhone(phone string) string {
	if phone == "" {
		return ""
	}

	compact := spaceRun.ReplaceAllString(strings.TrimSpace(phone), " ")

	m := ccPrefix.FindStringSubmatch(compact)
	if m == nil {
		return spaceRun.ReplaceAllString(compact, "")
	}

	cc := m[1]
	rest := spaceRun.ReplaceAllString(m[2], "")
	if rest == "" {
		return cc
	}
	return cc + " " + rest
}
