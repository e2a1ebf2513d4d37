package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/richardlehane/mscfb"
	"github.com/xuri/excelize/v2"

	"github.com/maridot/docmill/filetype"
)

// OfficeExtractor handles OOXML and OpenDocument archives (docx, xlsx,
// pptx, odt) plus legacy OLE compound documents (doc, xls, ppt).
type OfficeExtractor struct {
	logger *slog.Logger
}

func (e *OfficeExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	req.progress("parsing", 40)

	var (
		res *Result
		err error
	)
	switch req.Type {
	case filetype.TypeDocx:
		res, err = e.extractDocx(req.Data)
	case filetype.TypeODT:
		res, err = e.extractODT(req.Data)
	case filetype.TypeXlsx:
		res, err = e.extractXlsx(req.Data)
	case filetype.TypePptx:
		res, err = e.extractPptx(req.Data)
	case filetype.TypeDoc:
		res, err = e.extractLegacy(req.Data, "doc", "WordDocument")
	case filetype.TypeXls:
		res, err = e.extractLegacy(req.Data, "xls", "Workbook", "Book")
	case filetype.TypePpt:
		res, err = e.extractLegacy(req.Data, "ppt", "PowerPoint Document")
	default:
		return nil, &UnsupportedFormatError{FileName: req.FileName, Type: req.Type}
	}
	if err != nil {
		return nil, &ExtractionError{Format: req.Type, Cause: err}
	}

	req.progress("post_processing", 70)
	return res, nil
}

// zipEntry locates one file inside a ZIP archive held in memory.
func zipEntry(data []byte, name string) (io.ReadCloser, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	for _, f := range zr.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

// extractDocx streams word/document.xml, turning paragraphs into sections
// and mapping paragraph styles to heading levels.
func (e *OfficeExtractor) extractDocx(data []byte) (*Result, error) {
	rc, err := zipEntry(data, "word/document.xml")
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var sections []Section
	var currentText strings.Builder
	var inParagraph bool
	var paragraphStyle string

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "p":
				inParagraph = true
				currentText.Reset()
				paragraphStyle = ""
			case t.Name.Local == "pStyle" && inParagraph:
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" {
						paragraphStyle = attr.Value
					}
				}
			}

		case xml.CharData:
			if inParagraph {
				currentText.Write(t)
			}

		case xml.EndElement:
			if t.Name.Local == "p" && inParagraph {
				inParagraph = false
				text := strings.TrimSpace(currentText.String())
				if text == "" {
					continue
				}
				if level := docHeadingLevel(paragraphStyle); level > 0 {
					sections = append(sections, Section{Title: text, Level: level, Text: text, Type: "heading"})
				} else {
					sections = append(sections, Section{Text: text, Type: "paragraph"})
				}
			}
		}
	}

	res := sectionsResult(sections, "docx-xml")
	res.SetExtra("paragraphs", len(sections))
	return res, nil
}

// extractODT streams content.xml. OpenDocument marks headings explicitly
// with text:h and an outline-level attribute.
func (e *OfficeExtractor) extractODT(data []byte) (*Result, error) {
	rc, err := zipEntry(data, "content.xml")
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var sections []Section
	var currentText strings.Builder
	var inHeading, inParagraph, inList bool
	var headingLevel int

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "h":
				inHeading = true
				currentText.Reset()
				headingLevel = 1
				for _, attr := range t.Attr {
					if attr.Name.Local == "outline-level" {
						if n, err := strconv.Atoi(attr.Value); err == nil {
							headingLevel = n
						}
					}
				}
			case "p":
				inParagraph = true
				currentText.Reset()
			case "list":
				inList = true
			}

		case xml.CharData:
			if inHeading || inParagraph {
				currentText.Write(t)
			}

		case xml.EndElement:
			switch {
			case t.Name.Local == "h" && inHeading:
				inHeading = false
				text := strings.TrimSpace(currentText.String())
				if text == "" {
					continue
				}
				sections = append(sections, Section{Title: text, Level: headingLevel, Text: text, Type: "heading"})

			case t.Name.Local == "p" && inParagraph:
				inParagraph = false
				text := strings.TrimSpace(currentText.String())
				if text == "" {
					continue
				}
				stype := "paragraph"
				if inList {
					stype = "list"
				}
				sections = append(sections, Section{Text: text, Type: stype})

			case t.Name.Local == "list":
				inList = false
			}
		}
	}

	res := sectionsResult(sections, "odt-xml")
	res.SetExtra("paragraphs", len(sections))
	return res, nil
}

// extractXlsx reads every sheet, rendering rows as tab-delimited lines
// under a "Sheet: <name>" header. The first non-empty sheet's rows are
// kept for table rendering.
func (e *OfficeExtractor) extractXlsx(data []byte) (*Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	var tableRows [][]string
	rowCount := 0

	sheets := f.GetSheetList()
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			e.logger.Warn("extract: skipping unreadable sheet", "sheet", sheet, "error", err)
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("Sheet: ")
		sb.WriteString(sheet)
		for _, row := range rows {
			sb.WriteByte('\n')
			sb.WriteString(strings.Join(row, "\t"))
		}
		rowCount += len(rows)
		if tableRows == nil && len(rows) > 0 {
			tableRows = rows
		}
	}

	if strings.TrimSpace(sb.String()) == "" {
		return nil, fmt.Errorf("workbook contains no cell data")
	}

	res := &Result{
		Text:      sb.String(),
		TableRows: tableRows,
		Metadata:  Metadata{Method: "xlsx-sheets"},
	}
	res.SetExtra("sheets", len(sheets))
	res.SetExtra("rows", rowCount)
	return res, nil
}

// extractPptx reads ppt/slides/slideN.xml in slide order and collects the
// a:t text runs of each slide under a "Slide N:" header.
func (e *OfficeExtractor) extractPptx(data []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	type slideFile struct {
		nr int
		f  *zip.File
	}
	var slides []slideFile
	for _, f := range zr.File {
		var nr int
		if _, err := fmt.Sscanf(f.Name, "ppt/slides/slide%d.xml", &nr); err == nil && nr > 0 {
			slides = append(slides, slideFile{nr: nr, f: f})
		}
	}
	if len(slides) == 0 {
		return nil, fmt.Errorf("no slides found in archive")
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].nr < slides[j].nr })

	var sb strings.Builder
	var sections []Section
	for _, s := range slides {
		text, err := slideText(s.f)
		if err != nil {
			e.logger.Warn("extract: skipping unreadable slide", "slide", s.nr, "error", err)
			continue
		}
		header := fmt.Sprintf("Slide %d:", s.nr)
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(header)
		if text != "" {
			sb.WriteByte('\n')
			sb.WriteString(text)
		}
		sections = append(sections, Section{Title: fmt.Sprintf("Slide %d", s.nr), Level: 2, Text: text, Type: "slide"})
	}

	res := &Result{
		Text:     sb.String(),
		Sections: sections,
		Metadata: Metadata{Method: "pptx-slides", PageCount: len(slides)},
	}
	res.SetExtra("slides", len(slides))
	return res, nil
}

// slideText streams one slide XML and joins its a:t runs, one paragraph
// (a:p) per line.
func slideText(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var sb strings.Builder
	var inRun bool

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inRun = true
			}
		case xml.CharData:
			if inRun {
				sb.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inRun = false
			case "p":
				sb.WriteByte('\n')
			}
		}
	}

	return strings.TrimSpace(sb.String()), nil
}

// extractLegacy locates the main stream of an OLE compound document and
// salvages readable text from it. Full binary parsing of the pre-2007
// formats is out of reach, so the result always carries a warning.
func (e *OfficeExtractor) extractLegacy(data []byte, format string, streamNames ...string) (*Result, error) {
	doc, err := mscfb.New(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open compound document: %w", err)
	}

	var raw []byte
	var streamName string
	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		for _, want := range streamNames {
			if entry.Name == want {
				buf, err := io.ReadAll(entry)
				if err != nil {
					return nil, fmt.Errorf("read stream %s: %w", want, err)
				}
				raw = buf
				streamName = want
				break
			}
		}
		if raw != nil {
			break
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("no %s stream found (looked for %s)", format, strings.Join(streamNames, ", "))
	}

	text := salvageText(raw)
	if text == "" {
		return nil, fmt.Errorf("no readable text in %s stream", streamName)
	}

	e.logger.Debug("extract: legacy salvage", "format", format, "stream", streamName, "chars", len(text))

	res := &Result{
		Text: text,
		Metadata: Metadata{
			Method:  "legacy-salvage",
			Warning: "legacy " + format + " format; text recovered by character salvage and may be incomplete",
		},
	}
	res.SetExtra("stream", streamName)
	return res, nil
}

// sectionsResult joins section texts into a plain-text body and keeps the
// sections for markdown rendering.
func sectionsResult(sections []Section, method string) *Result {
	var sb strings.Builder
	for _, s := range sections {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(s.Text)
	}
	return &Result{
		Text:     sb.String(),
		Sections: sections,
		Metadata: Metadata{Method: method},
	}
}

// docHeadingLevel maps a Word paragraph style name to a heading level.
// "Heading1" → 1, "Title" → 1, "Subtitle" → 2, localized prefixes too.
func docHeadingLevel(style string) int {
	lower := strings.ToLower(style)

	if lower == "title" {
		return 1
	}
	if lower == "subtitle" {
		return 2
	}

	for _, prefix := range []string{"heading", "titre", "überschrift"} {
		if strings.HasPrefix(lower, prefix) {
			rest := lower[len(prefix):]
			if len(rest) == 1 && rest[0] >= '1' && rest[0] <= '6' {
				return int(rest[0] - '0')
			}
		}
	}
	return 0
}
