// Package chunk splits extracted text into fixed-size overlapping chunks
// for downstream indexing.
//
// Splitting strategy:
//  1. Fixed window (2000 characters) with fixed overlap (200 characters)
//  2. When a window end falls mid-sentence, pull the boundary back to the
//     nearest preceding sentence terminator or line break, whichever sits
//     closer to the window end
//  3. Force forward progress when the pulled-back boundary would not
//     advance past the previous window start
//
// Offsets are rune positions into the original text, so chunks never split
// a multi-byte character and offset-based reassembly is lossless.
package chunk

import "strings"

// Defaults for Split.
const (
	DefaultWindow  = 2000
	DefaultOverlap = 200
)

// Chunk is one bounded slice of the source text.
type Chunk struct {
	Index   int    `json:"chunkIndex"`
	Content string `json:"content"`
	Start   int    `json:"start"` // rune offset, inclusive
	End     int    `json:"end"`   // rune offset, exclusive
	Tokens  int    `json:"tokens"`
}

// Options configures Split.
type Options struct {
	// Window is the chunk size in characters. Default: 2000.
	Window int
	// Overlap is how many characters consecutive chunks share. Default: 200.
	Overlap int
}

func (o *Options) defaults() {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Overlap < 0 {
		o.Overlap = DefaultOverlap
	}
	if o.Overlap >= o.Window {
		o.Overlap = o.Window / 10
	}
}

// Split divides text into overlapping chunks. Returns nil for empty input.
func Split(text string, opts Options) []Chunk {
	opts.defaults()

	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	n := len(runes)

	var chunks []Chunk
	start := 0
	for start < n {
		end := start + opts.Window
		if end >= n {
			end = n
		} else if cut := boundaryBefore(runes, start, end); cut > start {
			end = cut
		}

		content := string(runes[start:end])
		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Content: content,
			Start:   start,
			End:     end,
			Tokens:  EstimateTokens(content),
		})

		if end >= n {
			break
		}

		next := end - opts.Overlap
		if next <= start {
			// Overlap would re-enter the previous window; skip it rather
			// than loop.
			next = end
		}
		start = next
	}

	return chunks
}

// boundaryBefore finds the cut position nearest to end (scanning backwards
// from end towards start) that sits just after a sentence terminator or a
// line break. Returns start when no boundary exists in the window.
func boundaryBefore(runes []rune, start, end int) int {
	for i := end - 1; i > start; i-- {
		r := runes[i]
		if r == '\n' {
			return i + 1
		}
		if isTerminator(r) {
			// A terminator counts only when followed by whitespace or the
			// window end, so "3.14" keeps its decimal point.
			if i+1 >= len(runes) || isSpace(runes[i+1]) {
				return i + 1
			}
		}
	}
	return start
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// EstimateTokens approximates the token count of text: character count
// divided by 4, rounded up.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}
