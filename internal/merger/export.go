package merger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// WriteJSON writes the transcription as indented JSON. Field order follows
// the struct definitions, so identical inputs produce identical bytes.
func WriteJSON(w io.Writer, m *MergedTranscription) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("merger: encode transcription: %w", err)
	}
	return nil
}

// WriteSRT writes the segments as SubRip subtitles. Each cue carries the
// speaker in brackets on its own line above the text:
//
//	1
//	00:00:01,500 --> 00:00:04,250
//	[speaker_00] Hello there.
func WriteSRT(w io.Writer, segments []MergedSegment) error {
	bw := bufio.NewWriter(w)
	for i, s := range segments {
		fmt.Fprintf(bw, "%d\n%s --> %s\n[%s] %s\n\n",
			i+1,
			FormatSRTTimestamp(s.Start),
			FormatSRTTimestamp(s.End),
			s.Speaker,
			s.Text,
		)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("merger: write srt: %w", err)
	}
	return nil
}

// FormatSRTTimestamp renders seconds as HH:MM:SS,mmm with millisecond
// precision.
func FormatSRTTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// ParseSRTTimestamp is the inverse of [FormatSRTTimestamp].
func ParseSRTTimestamp(ts string) (float64, error) {
	var h, m, s, ms int64
	if _, err := fmt.Sscanf(ts, "%d:%d:%d,%d", &h, &m, &s, &ms); err != nil {
		return 0, fmt.Errorf("merger: bad srt timestamp %q: %w", ts, err)
	}
	return float64(h*3600+m*60+s) + float64(ms)/1000, nil
}

// Cue is one parsed SubRip entry.
type Cue struct {
	Index   int
	Start   float64
	End     float64
	Speaker string
	Text    string
}

// ParseSRT reads SubRip subtitles as written by [WriteSRT]. The speaker is
// taken from a leading "[...]" on the first text line when present.
func ParseSRT(r io.Reader) ([]Cue, error) {
	sc := bufio.NewScanner(r)
	var cues []Cue
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		index, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("merger: bad srt cue index %q", line)
		}
		if !sc.Scan() {
			return nil, fmt.Errorf("merger: cue %d: missing timing line", index)
		}
		start, end, err := parseTimingLine(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("merger: cue %d: %w", index, err)
		}

		cue := Cue{Index: index, Start: start, End: end}
		var text []string
		for sc.Scan() {
			line = strings.TrimSpace(sc.Text())
			if line == "" {
				break
			}
			if len(text) == 0 && strings.HasPrefix(line, "[") {
				if j := strings.Index(line, "]"); j > 0 {
					cue.Speaker = line[1:j]
					line = strings.TrimSpace(line[j+1:])
				}
			}
			if line != "" {
				text = append(text, line)
			}
		}
		cue.Text = strings.Join(text, " ")
		cues = append(cues, cue)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("merger: read srt: %w", err)
	}
	return cues, nil
}

func parseTimingLine(line string) (start, end float64, err error) {
	parts := strings.Split(line, "-->")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad timing line %q", line)
	}
	if start, err = ParseSRTTimestamp(strings.TrimSpace(parts[0])); err != nil {
		return 0, 0, err
	}
	if end, err = ParseSRTTimestamp(strings.TrimSpace(parts[1])); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}
