package transcriber

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidTranscription marks recogniser output that is almost certainly a
// hallucination rather than speech. The retry loop responds by re-running the
// chunk with a slightly different temperature.
var ErrInvalidTranscription = errors.New("transcriber: invalid transcription")

// metaPhrases are instruction-echo hallucinations some recognisers emit on
// low-speech audio.
var metaPhrases = []string{
	"transcribe with maximum precision",
	"transcribe the audio",
	"audio in portuguese",
	"audio in english",
	"subtitles by",
	"thank you for watching",
}

// validateText checks recogniser output against the hallucination
// heuristics: meta-instruction phrases, outputs with fewer than three visible
// characters, and pathological word repetition.
func validateText(text string, maxWordRepeats int) error {
	lower := strings.ToLower(text)
	for _, phrase := range metaPhrases {
		if strings.Contains(lower, phrase) {
			return fmt.Errorf("%w: meta phrase %q", ErrInvalidTranscription, phrase)
		}
	}

	if visibleRunes(text) < 3 {
		return fmt.Errorf("%w: fewer than 3 visible characters", ErrInvalidTranscription)
	}

	words := strings.Fields(lower)
	if len(words) >= 5 && maxWordRepeats > 0 {
		counts := make(map[string]int)
		for _, w := range words {
			w = strings.TrimFunc(w, unicode.IsPunct)
			if len([]rune(w)) <= 3 {
				continue
			}
			counts[w]++
			if counts[w] > maxWordRepeats {
				return fmt.Errorf("%w: word %q repeated more than %d times", ErrInvalidTranscription, w, maxWordRepeats)
			}
		}
	}
	return nil
}

// visibleRunes counts non-space printable runes.
func visibleRunes(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) && unicode.IsPrint(r) {
			n++
		}
	}
	return n
}
