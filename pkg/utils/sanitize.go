package utils

import (
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`)
var consecutiveUnderscores = regexp.MustCompile(`_+`)

const maxFilenameLength = 100

// SanitizeFilename cleans a string to be safe for use as a single path component.
// Used for directory names derived from the origin host (state dirs).
func SanitizeFilename(name string) string {
	sanitized := invalidFilenameChars.ReplaceAllString(name, "_")
	sanitized = consecutiveUnderscores.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_ ")

	if len(sanitized) > maxFilenameLength {
		sanitized = strings.Trim(sanitized[:maxFilenameLength], "_ ")
	}
	if sanitized == "" {
		sanitized = "untitled"
	}
	return sanitized
}
