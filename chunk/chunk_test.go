package chunk

import (
	"strings"
	"testing"
)

func TestSplit_ShortText(t *testing.T) {
	text := "Hello world. This is a short text."
	chunks := Split(text, Options{})
	if len(chunks) != 1 {
		t.Fatalf("split short: got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Content != text {
		t.Errorf("content: got %q, want %q", chunks[0].Content, text)
	}
	if chunks[0].Start != 0 || chunks[0].End != len([]rune(text)) {
		t.Errorf("offsets: got [%d,%d), want [0,%d)", chunks[0].Start, chunks[0].End, len([]rune(text)))
	}
}

func TestSplit_Empty(t *testing.T) {
	if chunks := Split("", Options{}); chunks != nil {
		t.Errorf("split empty: got %v, want nil", chunks)
	}
	if chunks := Split("   \n\t ", Options{}); chunks != nil {
		t.Errorf("split blank: got %v, want nil", chunks)
	}
}

func TestSplit_SentenceBoundary(t *testing.T) {
	// WHAT: A window that would end mid-sentence is pulled back to the
	// nearest sentence terminator inside the window.
	// WHY: Chunks that split sentences degrade retrieval quality.
	text := "First sentence here. " + strings.Repeat("word ", 30) + "ends now. The next sentence keeps going for a while longer."
	chunks := Split(text, Options{Window: 60, Overlap: 10})
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want >= 2", len(chunks))
	}
	first := chunks[0].Content
	if !strings.HasSuffix(strings.TrimRight(first, " "), ".") {
		t.Errorf("first chunk should end at a sentence boundary, got %q", first)
	}
}

func TestSplit_LineBreakBoundary(t *testing.T) {
	text := "alpha beta gamma delta\n" + strings.Repeat("x", 100)
	chunks := Split(text, Options{Window: 40, Overlap: 5})
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want >= 2", len(chunks))
	}
	if !strings.HasSuffix(chunks[0].Content, "\n") {
		t.Errorf("first chunk should cut after the line break, got %q", chunks[0].Content)
	}
}

func TestSplit_RoundTrip(t *testing.T) {
	// WHAT: Offsets reassemble the original text losslessly and indexes
	// are contiguous from 0.
	// WHY: Downstream consumers locate chunk content by source offset.
	var b strings.Builder
	for i := 0; i < 300; i++ {
		b.WriteString("Sentence number ")
		b.WriteString(strings.Repeat("x", i%7))
		b.WriteString(" closes here. ")
		if i%11 == 0 {
			b.WriteByte('\n')
		}
	}
	text := b.String()
	runes := []rune(text)

	chunks := Split(text, Options{})
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want >= 2", len(chunks))
	}

	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("index: got %d at position %d", c.Index, i)
		}
		if got := string(runes[c.Start:c.End]); got != c.Content {
			t.Fatalf("chunk %d content does not match its offsets", i)
		}
		if i > 0 {
			prev := chunks[i-1]
			if c.Start > prev.End {
				t.Fatalf("chunk %d leaves a gap: prev end %d, start %d", i, prev.End, c.Start)
			}
			if c.Start <= prev.Start {
				t.Fatalf("chunk %d does not advance: prev start %d, start %d", i, prev.Start, c.Start)
			}
		}
	}
	if chunks[0].Start != 0 {
		t.Errorf("first chunk starts at %d, want 0", chunks[0].Start)
	}
	if last := chunks[len(chunks)-1]; last.End != len(runes) {
		t.Errorf("last chunk ends at %d, want %d", last.End, len(runes))
	}

	// Reassemble by dropping each chunk's overlapping prefix.
	var out strings.Builder
	for i, c := range chunks {
		if i == 0 {
			out.WriteString(c.Content)
			continue
		}
		skip := chunks[i-1].End - c.Start
		out.WriteString(string([]rune(c.Content)[skip:]))
	}
	if out.String() != text {
		t.Error("reassembled text differs from the original")
	}
}

func TestSplit_ForcedProgress(t *testing.T) {
	// WHAT: Text with no boundaries at all still terminates and covers
	// every character.
	// WHY: The overlap pull-back must never loop on pathological input.
	text := strings.Repeat("a", 5000)
	chunks := Split(text, Options{})
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want >= 2", len(chunks))
	}
	if last := chunks[len(chunks)-1]; last.End != 5000 {
		t.Errorf("last chunk ends at %d, want 5000", last.End)
	}
}

func TestSplit_TerminatorInsideNumber(t *testing.T) {
	// "3.14" must not count as a sentence boundary.
	text := "Value is 3.14159" + strings.Repeat(" pad", 20) + ". End of it all now, with more text to spill over."
	chunks := Split(text, Options{Window: 50, Overlap: 5})
	for _, c := range chunks {
		if strings.HasSuffix(c.Content, "3.") {
			t.Errorf("chunk cut inside a number: %q", c.Content)
		}
	}
}

func TestSplit_Unicode(t *testing.T) {
	text := strings.Repeat("héllo wörld é. ", 200)
	runes := []rune(text)
	chunks := Split(text, Options{})
	for i, c := range chunks {
		if string(runes[c.Start:c.End]) != c.Content {
			t.Fatalf("chunk %d offsets are not rune-accurate", i)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 2000), 500},
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.text); got != tc.want {
			t.Errorf("EstimateTokens(%d chars): got %d, want %d", len(tc.text), got, tc.want)
		}
	}
}
