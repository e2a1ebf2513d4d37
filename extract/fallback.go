package extract

import "strings"

// minSalvageRun is the shortest printable run worth keeping; shorter runs
// are almost always structural bytes that happen to land in the printable
// range.
const minSalvageRun = 4

// minSalvageYield is the least total text basicFallback accepts; below it
// the salvage is noise and the primary error stands.
const minSalvageYield = 16

// basicFallback is the last-resort extraction used when a primary
// extractor fails: salvage readable character runs straight from the
// buffer.
func basicFallback(data []byte) string {
	text := salvageText(data)
	if len(text) < minSalvageYield {
		return ""
	}
	return text
}

// salvageText recovers printable runs from a binary buffer, trying both a
// single-byte scan and a UTF-16LE scan, and keeps whichever recovers more.
// Legacy Word streams store body text as UTF-16LE; most other binary
// formats embed plain ASCII fragments.
func salvageText(data []byte) string {
	ascii := asciiRuns(data)
	wide := utf16Runs(data)
	if len(wide) > len(ascii) {
		return wide
	}
	return ascii
}

func printableASCII(b byte) bool {
	return (b >= 0x20 && b < 0x7f) || b == '\n' || b == '\t'
}

// asciiRuns collects printable single-byte runs of minSalvageRun or more.
func asciiRuns(data []byte) string {
	var runs []string
	var cur []byte
	flush := func() {
		if len(cur) >= minSalvageRun {
			runs = append(runs, strings.TrimSpace(string(cur)))
		}
		cur = cur[:0]
	}
	for _, b := range data {
		if printableASCII(b) {
			cur = append(cur, b)
		} else {
			flush()
		}
	}
	flush()
	return strings.TrimSpace(strings.Join(runs, " "))
}

// utf16Runs collects printable UTF-16 little-endian runs of minSalvageRun
// or more, scanning even byte offsets.
func utf16Runs(data []byte) string {
	var runs []string
	var cur []byte
	flush := func() {
		if len(cur) >= minSalvageRun {
			runs = append(runs, strings.TrimSpace(string(cur)))
		}
		cur = cur[:0]
	}
	for i := 0; i+1 < len(data); i += 2 {
		if data[i+1] == 0x00 && printableASCII(data[i]) {
			cur = append(cur, data[i])
		} else {
			flush()
		}
	}
	flush()
	return strings.TrimSpace(strings.Join(runs, " "))
}
