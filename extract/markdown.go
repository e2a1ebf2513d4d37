package extract

import (
	"strconv"
	"strings"
	"unicode"
)

// maxTableRows caps the data rows rendered into a markdown table.
const maxTableRows = 20

// renderMarkdown produces the markdown view of a result from whichever
// render input the extractor preserved. Markdown sources pass through
// untouched; HTML goes through the converter; tabular and structured
// results get purpose-built renderings; everything else falls back to
// sections or the heading heuristic.
func (s *Service) renderMarkdown(res *Result) string {
	switch {
	case res.SourceMarkdown != "":
		return strings.TrimSpace(res.SourceMarkdown)

	case res.SourceHTML != "":
		md, err := s.md.ConvertString(res.SourceHTML)
		if err != nil {
			s.logger.Warn("extract: html-to-markdown conversion failed", "error", err)
			return headingHeuristic(res.Text)
		}
		return strings.TrimSpace(md)

	case len(res.TableRows) > 0:
		return markdownTable(res.TableRows)

	case res.Structured != "":
		return "```\n" + res.Structured + "\n```"

	case len(res.Sections) > 0:
		return sectionsMarkdown(res.Sections)

	default:
		return headingHeuristic(res.Text)
	}
}

// markdownTable renders rows as a pipe table. The first row is the
// header; data rows are capped at maxTableRows.
func markdownTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}

	shown := rows
	truncated := 0
	if len(shown) > maxTableRows+1 {
		truncated = len(shown) - (maxTableRows + 1)
		shown = shown[:maxTableRows+1]
	}

	width := 0
	for _, row := range shown {
		if len(row) > width {
			width = len(row)
		}
	}

	var sb strings.Builder
	writeRow := func(row []string) {
		sb.WriteByte('|')
		for i := 0; i < width; i++ {
			cell := ""
			if i < len(row) {
				cell = escapeTableCell(row[i])
			}
			sb.WriteByte(' ')
			sb.WriteString(cell)
			sb.WriteString(" |")
		}
		sb.WriteByte('\n')
	}

	writeRow(shown[0])
	sb.WriteByte('|')
	for i := 0; i < width; i++ {
		sb.WriteString(" --- |")
	}
	sb.WriteByte('\n')
	for _, row := range shown[1:] {
		writeRow(row)
	}

	out := strings.TrimRight(sb.String(), "\n")
	if truncated > 0 {
		out += "\n\n...and " + strconv.Itoa(truncated) + " more rows"
	}
	return out
}

func escapeTableCell(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// sectionsMarkdown renders recorded document structure: headings at their
// recorded levels, slides as level-2 headings, list items as bullets.
func sectionsMarkdown(sections []Section) string {
	var sb strings.Builder
	for _, s := range sections {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		switch {
		case s.Type == "heading" && s.Level > 0:
			level := s.Level
			if level > 6 {
				level = 6
			}
			sb.WriteString(strings.Repeat("#", level))
			sb.WriteByte(' ')
			sb.WriteString(s.Title)

		case s.Type == "slide":
			sb.WriteString("## ")
			sb.WriteString(s.Title)
			if s.Text != "" {
				sb.WriteString("\n\n")
				sb.WriteString(s.Text)
			}

		case s.Type == "list":
			for i, line := range strings.Split(s.Text, "\n") {
				if i > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString("- ")
				sb.WriteString(line)
			}

		default:
			sb.WriteString(s.Text)
		}
	}
	return sb.String()
}

// headingHeuristic splits free text into paragraphs and promotes short
// title-cased lines without terminal punctuation to level-2 headings.
func headingHeuristic(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if looksLikeHeading(para) {
			out = append(out, "## "+para)
		} else {
			out = append(out, para)
		}
	}
	return strings.Join(out, "\n\n")
}

// looksLikeHeading reports whether a paragraph reads as a heading: a
// single line of at most ten words, starting uppercase, without terminal
// punctuation.
func looksLikeHeading(para string) bool {
	if strings.Contains(para, "\n") {
		return false
	}
	words := strings.Fields(para)
	if len(words) == 0 || len(words) > 10 {
		return false
	}
	runes := []rune(para)
	if !unicode.IsUpper(runes[0]) {
		return false
	}
	last := runes[len(runes)-1]
	return !strings.ContainsRune(".!?,;:", last)
}
