// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import "unicode/utf8"

// TruncateRunes truncates to a maximum number of runes, appending "..." when
// something was cut. Counting runes rather than bytes keeps multi-byte UTF-8
// characters intact.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// RuneLen returns the number of runes in a string.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}
