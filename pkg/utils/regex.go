package utils

import (
	"regexp"
)

// CompileRegexPatterns compiles regex strings into usable *regexp.Regexp objects.
// Empty patterns are skipped; an invalid pattern fails the whole set.
func CompileRegexPatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, WrapErrorf(ErrConfigValidation, "invalid regex pattern #%d ('%s')", i+1, pattern)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// MatchAny reports whether s matches at least one of the patterns.
func MatchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
