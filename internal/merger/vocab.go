package merger

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	// phoneticThreshold accepts a replacement whose Double Metaphone codes
	// overlap with the term's and whose Jaro-Winkler similarity clears it.
	phoneticThreshold = 0.70
	// fuzzyThreshold is the stricter bar when the phonetic codes disagree.
	fuzzyThreshold = 0.85
)

type vocabTerm struct {
	term   string
	tokens int
	codes  map[string]bool
}

// Vocabulary corrects recognised text against a list of domain terms.
// Matching is phonetic first (Double Metaphone code overlap ranked by
// Jaro-Winkler) with a strict fuzzy fallback, so "kubernetis" becomes
// "kubernetes" while ordinary words pass through.
type Vocabulary struct {
	terms []vocabTerm
	// maxTokens is the longest term's token count; windows are tried
	// longest-first so multi-word terms win over their sub-words.
	maxTokens int
}

// NewVocabulary builds the matcher. Term order is preserved: on equal
// similarity the earlier term wins.
func NewVocabulary(terms []string) *Vocabulary {
	v := &Vocabulary{}
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		vt := vocabTerm{
			term:   t,
			tokens: len(strings.Fields(t)),
			codes:  metaphoneCodes(t),
		}
		v.terms = append(v.terms, vt)
		if vt.tokens > v.maxTokens {
			v.maxTokens = vt.tokens
		}
	}
	return v
}

// Correct replaces token windows of text that phonetically match a
// vocabulary term. Windows are scanned longest-first; corrected tokens are
// not revisited.
func (v *Vocabulary) Correct(text string) string {
	if len(v.terms) == 0 || text == "" {
		return text
	}
	tokens := strings.Fields(text)
	done := make([]bool, len(tokens))

	for size := v.maxTokens; size >= 1; size-- {
		for i := 0; i+size <= len(tokens); i++ {
			if anyDone(done[i : i+size]) {
				continue
			}
			window := strings.Join(tokens[i:i+size], " ")
			repl, ok := v.match(window, size)
			if !ok {
				continue
			}
			lead, core, trail := splitEdgePunct(window)
			if strings.EqualFold(core, repl) {
				markDone(done[i : i+size])
				continue
			}
			repl = matchCase(core, repl)
			tokens[i] = lead + repl + trail
			for j := i + 1; j < i+size; j++ {
				tokens[j] = ""
			}
			markDone(done[i : i+size])
		}
	}

	out := tokens[:0]
	for _, t := range tokens {
		if t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, " ")
}

// match finds the best vocabulary term for one token window.
func (v *Vocabulary) match(window string, size int) (string, bool) {
	_, core, _ := splitEdgePunct(window)
	if core == "" || len([]rune(core)) < 3 {
		return "", false
	}
	lower := strings.ToLower(core)
	codes := metaphoneCodes(core)

	best := ""
	bestScore := 0.0
	for _, t := range v.terms {
		if t.tokens != size {
			continue
		}
		score := matchr.JaroWinkler(lower, strings.ToLower(t.term), false)
		threshold := fuzzyThreshold
		if codesOverlap(codes, t.codes) {
			threshold = phoneticThreshold
		}
		if score >= threshold && score > bestScore {
			bestScore = score
			best = t.term
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

// metaphoneCodes collects the Double Metaphone codes of every token.
func metaphoneCodes(s string) map[string]bool {
	codes := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		primary, secondary := matchr.DoubleMetaphone(tok)
		if primary != "" {
			codes[primary] = true
		}
		if secondary != "" {
			codes[secondary] = true
		}
	}
	return codes
}

func codesOverlap(a, b map[string]bool) bool {
	for c := range a {
		if b[c] {
			return true
		}
	}
	return false
}

// splitEdgePunct separates leading and trailing punctuation from a window so
// the replacement can re-attach it.
func splitEdgePunct(s string) (lead, core, trail string) {
	core = s
	for core != "" && strings.ContainsRune(`"'(`, rune(core[0])) {
		lead += core[:1]
		core = core[1:]
	}
	for core != "" && strings.ContainsRune(`.,!?;:'")-`, rune(core[len(core)-1])) {
		trail = core[len(core)-1:] + trail
		core = core[:len(core)-1]
	}
	return lead, core, trail
}

// matchCase capitalises the replacement when the original window was
// capitalised, keeping sentence starts intact.
func matchCase(original, repl string) string {
	if original == "" || repl == "" {
		return repl
	}
	first := []rune(original)[0]
	if unicode.IsUpper(first) {
		return capitalize(repl)
	}
	return repl
}

func anyDone(done []bool) bool {
	for _, d := range done {
		if d {
			return true
		}
	}
	return false
}

func markDone(done []bool) {
	for i := range done {
		done[i] = true
	}
}
