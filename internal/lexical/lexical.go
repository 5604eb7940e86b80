// Package lexical holds the literal text checks used when scoring candidates.
package lexical

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// minKeywordLen is the exclusive lower bound on keyword length, in characters.
const minKeywordLen = 5

var nonWord = regexp.MustCompile(`\W+`)

// HasMention reports whether name appears in text as a whole word, ignoring case.
// The name is quoted before compiling so display names like "R2-D2 (v.2)" are matched literally.
func HasMention(text, name string) bool {
	if strings.TrimSpace(name) == "" || text == "" {
		return false
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
	if err != nil {
		return false
	}
	return re.MatchString(text)
}

// Keywords splits text on non-word runs and keeps tokens longer than five characters.
func Keywords(text string) []string {
	var out []string
	for _, tok := range nonWord.Split(text, -1) {
		if utf8.RuneCountInString(tok) > minKeywordLen {
			out = append(out, tok)
		}
	}
	return out
}

// HasKeywordOverlap reports whether any keyword of text occurs, case-insensitively,
// as a substring of profile.
func HasKeywordOverlap(text, profile string) bool {
	if profile == "" {
		return false
	}
	lp := strings.ToLower(profile)
	for _, kw := range Keywords(text) {
		if strings.Contains(lp, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
