package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/maridot/docmill/filetype"
)

// Caps on the textual previews produced for structured files.
const (
	maxCSVRecords  = 10
	maxJSONItems   = 5
	maxJSONKeys    = 10
	maxSummaryDepth = 6
)

// TextExtractor handles the text family: delimited data, JSON, markup,
// markdown, and plain text. Sub-path parse failures never fail the job;
// they degrade to the plain-text path with a warning.
type TextExtractor struct {
	logger *slog.Logger
}

func (e *TextExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	req.progress("parsing", 40)

	var res *Result
	switch req.Type {
	case filetype.TypeCSV:
		res = e.delimited(req.Data, ',', "CSV")
	case filetype.TypeTSV:
		res = e.delimited(req.Data, '\t', "TSV")
	case filetype.TypeJSON:
		res = e.jsonSummary(req.Data)
	case filetype.TypeHTML:
		res = e.htmlDocument(req.Data)
	case filetype.TypeMarkdown:
		res = e.markdownDocument(req.Data)
	case filetype.TypeXML:
		res = e.markup(req.Data)
	default:
		res = e.plain(req.Data)
	}

	req.progress("post_processing", 70)
	return res, nil
}

// degrade falls back to plain-text handling after a structured parse
// failed, recording why.
func (e *TextExtractor) degrade(data []byte, format string, err error) *Result {
	e.logger.Warn("extract: structured parse failed, treating as plain text", "format", format, "error", err)
	res := e.plain(data)
	res.Metadata.Warning = fmt.Sprintf("%s parse failed (%v); treated as plain text", format, err)
	return res
}

// delimited renders CSV/TSV content as a record listing: a count line,
// the column names, and up to maxCSVRecords rows as column=value pairs.
func (e *TextExtractor) delimited(data []byte, comma rune, label string) *Result {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	rows, err := r.ReadAll()
	if err != nil {
		return e.degrade(data, strings.ToLower(label), err)
	}
	if len(rows) == 0 {
		return e.plain(data)
	}

	header := rows[0]
	records := rows[1:]

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s data: %d records\n", label, len(records))
	sb.WriteString("Columns: ")
	sb.WriteString(strings.Join(header, ", "))

	shown := len(records)
	if shown > maxCSVRecords {
		shown = maxCSVRecords
	}
	for i := 0; i < shown; i++ {
		fmt.Fprintf(&sb, "\nRecord %d: ", i+1)
		rec := records[i]
		for j, val := range rec {
			if j > 0 {
				sb.WriteString(", ")
			}
			if j < len(header) {
				sb.WriteString(header[j])
				sb.WriteByte('=')
			}
			sb.WriteString(val)
		}
	}
	if len(records) > shown {
		fmt.Fprintf(&sb, "\n...and %d more records", len(records)-shown)
	}

	res := &Result{
		Text:      sb.String(),
		TableRows: rows,
		Metadata:  Metadata{Method: strings.ToLower(label) + "-records"},
	}
	res.SetExtra("records", len(records))
	res.SetExtra("columns", len(header))
	return res
}

// jsonSummary renders a capped structural outline of a JSON document:
// nested keys and values, at most maxJSONKeys keys and maxJSONItems array
// items per level.
func (e *TextExtractor) jsonSummary(data []byte) *Result {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return e.degrade(data, "json", err)
	}

	var sb strings.Builder
	summarizeValue(&sb, v, 0)
	summary := strings.TrimRight(sb.String(), "\n")

	res := &Result{
		Text:       summary,
		Structured: summary,
		Metadata:   Metadata{Method: "json-structure"},
	}
	return res
}

func summarizeValue(sb *strings.Builder, v any, depth int) {
	indent := strings.Repeat("  ", depth)

	switch val := v.(type) {
	case map[string]any:
		if depth >= maxSummaryDepth {
			sb.WriteString(indent + "{...}\n")
			return
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		shown := len(keys)
		if shown > maxJSONKeys {
			shown = maxJSONKeys
		}
		for _, k := range keys[:shown] {
			switch val[k].(type) {
			case map[string]any, []any:
				sb.WriteString(indent + k + ":\n")
				summarizeValue(sb, val[k], depth+1)
			default:
				fmt.Fprintf(sb, "%s%s: %s\n", indent, k, scalarString(val[k]))
			}
		}
		if len(keys) > shown {
			fmt.Fprintf(sb, "%s...and %d more keys\n", indent, len(keys)-shown)
		}

	case []any:
		if depth >= maxSummaryDepth {
			sb.WriteString(indent + "[...]\n")
			return
		}
		shown := len(val)
		if shown > maxJSONItems {
			shown = maxJSONItems
		}
		for _, item := range val[:shown] {
			switch item.(type) {
			case map[string]any, []any:
				sb.WriteString(indent + "-\n")
				summarizeValue(sb, item, depth+1)
			default:
				fmt.Fprintf(sb, "%s- %s\n", indent, scalarString(item))
			}
		}
		if len(val) > shown {
			fmt.Fprintf(sb, "%s...and %d more items\n", indent, len(val)-shown)
		}

	default:
		sb.WriteString(indent + scalarString(v) + "\n")
	}
}

func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing ".0" wart.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
	regexp.MustCompile(`(?i)font-size\s*:\s*0[^1-9]`),
	regexp.MustCompile(`(?i)opacity\s*:\s*0[^.]`),
	regexp.MustCompile(`(?i)position\s*:\s*absolute[^;]*-\d{4,}`),
}

func hasHiddenStyle(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == "style" {
			for _, pat := range hiddenStylePatterns {
				if pat.MatchString(a.Val) {
					return true
				}
			}
		}
	}
	return false
}

// htmlDocument walks the DOM, skipping boilerplate and hidden nodes, and
// keeps the original markup for markdown conversion.
func (e *TextExtractor) htmlDocument(data []byte) *Result {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return e.degrade(data, "html", err)
	}

	var sections []Section
	walkHTMLNodes(doc, &sections)

	var sb strings.Builder
	for _, s := range sections {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(s.Text)
	}
	text := sb.String()
	if text == "" {
		text = collectText(doc)
	}
	text = SafeText(text)

	res := &Result{
		Text:       text,
		Sections:   sections,
		SourceHTML: string(data),
		Metadata:   Metadata{Method: "html-dom"},
	}
	if title := findTitle(doc); title != "" {
		res.SetExtra("title", title)
	}
	return res
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// walkHTMLNodes collects headings and content blocks in document order.
func walkHTMLNodes(n *html.Node, sections *[]Section) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Nav, atom.Footer, atom.Header:
			return
		}
		if hasHiddenStyle(n) {
			return
		}

		switch n.DataAtom {
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			if text := collectText(n); text != "" {
				level := int(n.Data[1] - '0')
				*sections = append(*sections, Section{Title: text, Level: level, Text: text, Type: "heading"})
			}
			return
		case atom.P:
			if text := collectText(n); text != "" {
				*sections = append(*sections, Section{Text: text, Type: "paragraph"})
			}
			return
		case atom.Table:
			if text := collectText(n); text != "" {
				*sections = append(*sections, Section{Text: text, Type: "table"})
			}
			return
		case atom.Ul, atom.Ol:
			if text := collectText(n); text != "" {
				*sections = append(*sections, Section{Text: text, Type: "list"})
			}
			return
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHTMLNodes(c, sections)
	}
}

// collectText gathers visible text from a subtree.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
			if hasHiddenStyle(n) {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// markdownDocument parses ATX headings into sections and keeps the raw
// markdown, which the markdown stage passes through untouched.
func (e *TextExtractor) markdownDocument(data []byte) *Result {
	raw := string(data)
	sections := parseMarkdownSections(raw)

	var sb strings.Builder
	for _, s := range sections {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(s.Text)
	}
	text := SafeText(sb.String())
	if text == "" {
		text = SafeText(raw)
	}

	res := &Result{
		Text:           text,
		Sections:       sections,
		SourceMarkdown: raw,
		Metadata:       Metadata{Method: "markdown-headings"},
	}
	return res
}

func parseMarkdownSections(raw string) []Section {
	var sections []Section
	var currentText strings.Builder

	flush := func() {
		text := strings.TrimSpace(currentText.String())
		if text != "" {
			sections = append(sections, Section{Text: text, Type: "paragraph"})
		}
		currentText.Reset()
	}

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") {
			flush()

			level := 0
			for _, ch := range trimmed {
				if ch != '#' {
					break
				}
				level++
			}
			if level > 6 {
				level = 6
			}

			headingText := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			headingText = strings.TrimSpace(strings.TrimRight(headingText, "#"))
			if headingText != "" {
				sections = append(sections, Section{Title: headingText, Level: level, Text: headingText, Type: "heading"})
			}
			continue
		}

		if trimmed == "" {
			flush()
			continue
		}

		if currentText.Len() > 0 {
			currentText.WriteByte(' ')
		}
		currentText.WriteString(trimmed)
	}
	flush()

	return sections
}

// markup strips tags from XML and other angle-bracket markup.
func (e *TextExtractor) markup(data []byte) *Result {
	return &Result{
		Text:     SafeText(string(data)),
		Metadata: Metadata{Method: "markup-strip"},
	}
}

// plain normalizes line endings and tabs and records simple stats.
func (e *TextExtractor) plain(data []byte) *Result {
	text := string(data)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\t", "    ")
	text = strings.TrimRight(text, "\n ")

	res := &Result{
		Text:     text,
		Metadata: Metadata{Method: "plain-text"},
	}
	if text != "" {
		res.SetExtra("lines", strings.Count(text, "\n")+1)
		res.SetExtra("words", len(strings.Fields(text)))
		res.SetExtra("chars", len([]rune(text)))
	}
	return res
}
