package merger

import (
	"bytes"
	"math"
	"strings"
	"testing"
)

func TestSRTTimestampFormat(t *testing.T) {
	cases := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00,000"},
		{1.5, "00:00:01,500"},
		{61.042, "00:01:01,042"},
		{3661.999, "01:01:01,999"},
		{-2, "00:00:00,000"},
	}
	for _, tc := range cases {
		if got := FormatSRTTimestamp(tc.seconds); got != tc.want {
			t.Errorf("FormatSRTTimestamp(%v) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}

func TestSRTRoundTripMillisecondPrecision(t *testing.T) {
	segments := []MergedSegment{
		{Speaker: "speaker_00", Start: 0.123, End: 4.007, Text: "Hello there."},
		{Speaker: "speaker_01", Start: 4.007, End: 9.55, Text: "General greetings."},
		{Speaker: "unknown", Start: 3600.001, End: 3661.999, Text: "An hour later."},
	}

	var buf bytes.Buffer
	if err := WriteSRT(&buf, segments); err != nil {
		t.Fatal(err)
	}
	cues, err := ParseSRT(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(cues) != len(segments) {
		t.Fatalf("got %d cues, want %d", len(cues), len(segments))
	}
	for i, c := range cues {
		s := segments[i]
		if c.Index != i+1 {
			t.Errorf("cue %d has index %d", i, c.Index)
		}
		if math.Abs(c.Start-s.Start) > 0.0005 || math.Abs(c.End-s.End) > 0.0005 {
			t.Errorf("cue %d timing [%v, %v], want [%v, %v]", i, c.Start, c.End, s.Start, s.End)
		}
		if c.Speaker != s.Speaker {
			t.Errorf("cue %d speaker = %q, want %q", i, c.Speaker, s.Speaker)
		}
		if c.Text != s.Text {
			t.Errorf("cue %d text = %q, want %q", i, c.Text, s.Text)
		}
	}
}

func TestParseSRTRejectsGarbage(t *testing.T) {
	if _, err := ParseSRT(strings.NewReader("not a cue index\n")); err == nil {
		t.Error("garbage accepted")
	}
	if _, err := ParseSRT(strings.NewReader("1\nnot a timing line\ntext\n")); err == nil {
		t.Error("bad timing line accepted")
	}
}

func TestWriteJSONDeterministicShape(t *testing.T) {
	m := &MergedTranscription{
		SourcePath:    "a.wav",
		TotalDuration: 12,
		Speakers:      []string{"speaker_00"},
		Segments: []MergedSegment{
			{Index: 0, Speaker: "speaker_00", Start: 0, End: 4, Text: "Hi.", ChunkID: "j_chunk_000"},
		},
		Stats: Stats{ChunkCount: 1, TranscribedChunks: 1, SegmentCount: 1},
	}

	var buf bytes.Buffer
	if err := WriteJSON(&buf, m); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, key := range []string{`"source_path"`, `"total_duration"`, `"speakers"`, `"segments"`, `"chunk_id"`, `"stats"`} {
		if !strings.Contains(out, key) {
			t.Errorf("JSON missing key %s:\n%s", key, out)
		}
	}
	if strings.Contains(out, `"is_overlap"`) {
		t.Error("omitempty overlap flag serialised for non-overlap segment")
	}
}
