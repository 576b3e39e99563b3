// SPDX-License-Identifier: MIT

package capture

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// MaxLabelLength is the maximum length for a sanitized window label.
	MaxLabelLength = 64

	// MaxRawLabelLength rejects pathological input before any processing.
	MaxRawLabelLength = 1024
)

// SanitizeLabel sanitizes a captured window's title for safe use as a
// log field or config lookup key. Ported from audio.SanitizeDeviceName
// (device-name sanitizing for ALSA cards) applied to window titles
// instead, same rule set: reject anything resembling path traversal or
// shell metacharacters rather than trying to escape it.
func SanitizeLabel(name string) string {
	if name == "" {
		return timestampFallback()
	}
	if len(name) > MaxRawLabelLength {
		return timestampFallback()
	}
	if containsControlChars(name) {
		return timestampFallback()
	}
	if strings.Contains(name, "..") ||
		strings.ContainsAny(name, "/$") ||
		strings.HasPrefix(name, "-") {
		return timestampFallback()
	}

	if len(name) > MaxLabelLength {
		name = name[:MaxLabelLength]
	}

	sanitized := replaceNonAlphanumeric(name)
	sanitized = collapseUnderscores(sanitized)
	sanitized = strings.Trim(sanitized, "_")

	if len(sanitized) > 0 && isDigit(sanitized[0]) {
		sanitized = "win_" + sanitized
	}

	if sanitized == "" {
		return timestampFallback()
	}

	return sanitized
}

func replaceNonAlphanumeric(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlphanumeric(c) {
			result.WriteByte(c)
		} else {
			result.WriteByte('_')
		}
	}
	return result.String()
}

var underscoreRun = regexp.MustCompile(`_+`)

func collapseUnderscores(s string) string {
	return underscoreRun.ReplaceAllString(s, "_")
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func timestampFallback() string {
	return fmt.Sprintf("unknown_window_%d", time.Now().Unix())
}

func containsControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 && c != 0x09 && c != 0x0A && c != 0x0D {
			return true
		}
		if c == 0x7F {
			return true
		}
	}
	return false
}
