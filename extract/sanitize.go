package extract

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// strictPolicy strips every element and attribute, keeping text content.
var strictPolicy = bluemonday.StrictPolicy()

var tagRe = regexp.MustCompile(`<[^>]*>`)

// SafeText reduces arbitrary markup to plain text with no residual angle
// brackets. Tags are stripped iteratively until a fixed point so nested or
// malformed fragments like "<scr<script>ipt>" cannot reassemble into a tag
// after one pass, then entities are decoded and the strip repeated on the
// decoded form.
func SafeText(s string) string {
	s = strictPolicy.Sanitize(s)
	s = stripTags(s)
	s = html.UnescapeString(s)
	s = stripTags(s)
	// Whatever brackets survive are unpaired text remnants, not markup.
	s = strings.NewReplacer("<", "", ">", "").Replace(s)
	return collapseBlankRuns(s)
}

// stripTags removes <...> spans until the output stops changing.
func stripTags(s string) string {
	for {
		next := tagRe.ReplaceAllString(s, "")
		if next == s {
			return next
		}
		s = next
	}
}

// DecodeEntities resolves HTML entities without any tag handling.
func DecodeEntities(s string) string {
	return html.UnescapeString(s)
}

// collapseBlankRuns squeezes runs of blank lines down to one empty line
// and trims trailing space from each line.
func collapseBlankRuns(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			out = append(out, "")
			continue
		}
		blank = 0
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
