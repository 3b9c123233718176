package merger

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var repeatedPunct = regexp.MustCompile(`([.,!?;:])[.,!?;:]+`)

// CleanText normalises recognised text: whitespace is collapsed, runs of
// punctuation are reduced to their first mark, and non-linguistic glyphs
// (music notes, emoji, control characters) are stripped. Accented letters
// survive untouched.
func CleanText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsNumber(r), unicode.IsSpace(r):
			b.WriteRune(r)
		case strings.ContainsRune(`.,!?;:'"()-`, r):
			b.WriteRune(r)
		}
	}
	out := repeatedPunct.ReplaceAllString(b.String(), "$1")
	return strings.Join(strings.Fields(out), " ")
}

// capitalize upper-cases the first letter of s.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	if !unicode.IsLetter(r) || unicode.IsUpper(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
