package expression

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	reTrailerEqQuestion = regexp.MustCompile(`(?i)\s*=\s*\?\s*$`)
	reTrailerQuestion   = regexp.MustCompile(`\s*\?\s*$`)
	reTrailerEq         = regexp.MustCompile(`\s*=\s*$`)
	reEqNonOperator     = regexp.MustCompile(`\s*=\s*[^+\-*/]`)
	reNonExpression     = regexp.MustCompile(`[^0-9+\-*/]`)
)

// CollapseWhitespace trims s and removes every whitespace run entirely.
func CollapseWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// StripTrailer drops the "= ?" decoration captcha renderers append, plus any
// "=" glued to a non-operator character.
func StripTrailer(s string) string {
	s = reTrailerEqQuestion.ReplaceAllString(s, "")
	s = reTrailerQuestion.ReplaceAllString(s, "")
	s = reTrailerEq.ReplaceAllString(s, "")
	return reEqNonOperator.ReplaceAllString(s, "")
}

// NormalizeGlyphs lower-cases s, reads "x" as multiplication and keeps only
// digits and the four operators.
func NormalizeGlyphs(s string) string {
	s = strings.ReplaceAll(strings.ToLower(s), "x", "*")
	return reNonExpression.ReplaceAllString(s, "")
}

// Clamp keeps the first max bytes of an already normalized (ASCII) string.
func Clamp(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
