package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/maridot/docmill/filetype"
)

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

func officeExtract(t *testing.T, typ filetype.Type, data []byte) (*Result, error) {
	t.Helper()
	e := &OfficeExtractor{logger: slog.Default()}
	return e.Extract(context.Background(), Request{Data: data, FileName: "doc." + string(typ), Type: typ})
}

const docxBody = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Introduction</w:t></w:r></w:p>
<w:p><w:r><w:t>Opening paragraph.</w:t></w:r></w:p>
<w:p/>
<w:p><w:pPr><w:pStyle w:val="Title"/></w:pPr><w:r><w:t>Report Title</w:t></w:r></w:p>
<w:p><w:r><w:t>Split </w:t></w:r><w:r><w:t>runs.</w:t></w:r></w:p>
</w:body>
</w:document>`

func TestDocxHeadingsAndParagraphs(t *testing.T) {
	data := buildArchive(t, map[string]string{"word/document.xml": docxBody})
	res, err := officeExtract(t, filetype.TypeDocx, data)
	if err != nil {
		t.Fatalf("extract docx: %v", err)
	}

	want := []Section{
		{Title: "Introduction", Level: 1, Text: "Introduction", Type: "heading"},
		{Text: "Opening paragraph.", Type: "paragraph"},
		{Title: "Report Title", Level: 1, Text: "Report Title", Type: "heading"},
		{Text: "Split runs.", Type: "paragraph"},
	}
	if len(res.Sections) != len(want) {
		t.Fatalf("sections: got %d, want %d (%+v)", len(res.Sections), len(want), res.Sections)
	}
	for i, w := range want {
		if res.Sections[i] != w {
			t.Errorf("section %d: got %+v, want %+v", i, res.Sections[i], w)
		}
	}
	if res.Metadata.Method != "docx-xml" {
		t.Errorf("method: got %q", res.Metadata.Method)
	}
	if !strings.Contains(res.Text, "Introduction\n\nOpening paragraph.") {
		t.Errorf("joined text: %q", res.Text)
	}
}

func TestDocxMissingBodyPart(t *testing.T) {
	data := buildArchive(t, map[string]string{"other.xml": "<x/>"})
	_, err := officeExtract(t, filetype.TypeDocx, data)
	var xerr *ExtractionError
	if !errors.As(err, &xerr) {
		t.Fatalf("want ExtractionError, got %v", err)
	}
	if !strings.Contains(err.Error(), "word/document.xml not found") {
		t.Errorf("error: %v", err)
	}
}

const odtContent = `<?xml version="1.0" encoding="UTF-8"?>
<office:document-content xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0" xmlns:text="urn:oasis:names:tc:opendocument:xmlns:text:1.0">
<office:body><office:text>
<text:h text:outline-level="2">Agenda</text:h>
<text:p>Opening remarks.</text:p>
<text:list><text:list-item><text:p>First item</text:p></text:list-item><text:list-item><text:p>Second item</text:p></text:list-item></text:list>
</office:text></office:body>
</office:document-content>`

func TestODTOutlineAndLists(t *testing.T) {
	data := buildArchive(t, map[string]string{"content.xml": odtContent})
	res, err := officeExtract(t, filetype.TypeODT, data)
	if err != nil {
		t.Fatalf("extract odt: %v", err)
	}

	want := []Section{
		{Title: "Agenda", Level: 2, Text: "Agenda", Type: "heading"},
		{Text: "Opening remarks.", Type: "paragraph"},
		{Text: "First item", Type: "list"},
		{Text: "Second item", Type: "list"},
	}
	if len(res.Sections) != len(want) {
		t.Fatalf("sections: got %d, want %d (%+v)", len(res.Sections), len(want), res.Sections)
	}
	for i, w := range want {
		if res.Sections[i] != w {
			t.Errorf("section %d: got %+v, want %+v", i, res.Sections[i], w)
		}
	}
	if res.Metadata.Method != "odt-xml" {
		t.Errorf("method: got %q", res.Metadata.Method)
	}
}

func slideXML(texts ...string) string {
	var sb strings.Builder
	sb.WriteString(`<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main"><p:cSld><p:spTree><p:sp><p:txBody>`)
	for _, s := range texts {
		sb.WriteString(`<a:p><a:r><a:t>`)
		sb.WriteString(s)
		sb.WriteString(`</a:t></a:r></a:p>`)
	}
	sb.WriteString(`</p:txBody></p:sp></p:spTree></p:cSld></p:sld>`)
	return sb.String()
}

func TestPptxSlideOrder(t *testing.T) {
	// WHAT: Slides come back in numeric order even when the archive lists
	// slide10 before slide2.
	// WHY: Lexicographic archive order puts slide10 between slide1 and
	// slide2; presentations past nine slides would read shuffled.
	data := buildArchive(t, map[string]string{
		"[Content_Types].xml":      "<Types/>",
		"ppt/presentation.xml":     "<p:presentation/>",
		"ppt/slides/slide10.xml":   slideXML("Closing remarks"),
		"ppt/slides/slide2.xml":    slideXML("Middle section", "With a bullet"),
		"ppt/slides/slide1.xml":    slideXML("Opening title"),
		"ppt/slideLayouts/l1.xml":  "<p:sldLayout/>",
	})
	res, err := officeExtract(t, filetype.TypePptx, data)
	if err != nil {
		t.Fatalf("extract pptx: %v", err)
	}

	i1 := strings.Index(res.Text, "Slide 1:")
	i2 := strings.Index(res.Text, "Slide 2:")
	i10 := strings.Index(res.Text, "Slide 10:")
	if i1 < 0 || i2 < 0 || i10 < 0 {
		t.Fatalf("slide headers missing: %q", res.Text)
	}
	if !(i1 < i2 && i2 < i10) {
		t.Errorf("slide order: positions %d %d %d in %q", i1, i2, i10, res.Text)
	}
	if !strings.Contains(res.Text, "Middle section\nWith a bullet") {
		t.Errorf("slide paragraphs: %q", res.Text)
	}
	if res.Metadata.PageCount != 3 {
		t.Errorf("page count: got %d, want 3", res.Metadata.PageCount)
	}
	if len(res.Sections) != 3 || res.Sections[1].Title != "Slide 2" {
		t.Errorf("sections: %+v", res.Sections)
	}
}

func TestPptxNoSlides(t *testing.T) {
	data := buildArchive(t, map[string]string{"[Content_Types].xml": "<Types/>"})
	_, err := officeExtract(t, filetype.TypePptx, data)
	var xerr *ExtractionError
	if !errors.As(err, &xerr) {
		t.Fatalf("want ExtractionError, got %v", err)
	}
}

func TestXlsxSheets(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	rows := [][]any{
		{"name", "qty"},
		{"widget", 4},
		{"gadget", 7},
	}
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &rows[i]); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	res, err := officeExtract(t, filetype.TypeXlsx, buf.Bytes())
	if err != nil {
		t.Fatalf("extract xlsx: %v", err)
	}

	if !strings.Contains(res.Text, "Sheet: Sheet1") {
		t.Errorf("sheet header missing: %q", res.Text)
	}
	if !strings.Contains(res.Text, "name\tqty") || !strings.Contains(res.Text, "widget\t4") {
		t.Errorf("row content: %q", res.Text)
	}
	if res.Metadata.Method != "xlsx-sheets" {
		t.Errorf("method: got %q", res.Metadata.Method)
	}
	if len(res.TableRows) != 3 || res.TableRows[0][0] != "name" {
		t.Errorf("table rows: %+v", res.TableRows)
	}
	if res.Metadata.Extra["rows"] != 3 {
		t.Errorf("rows extra: got %v", res.Metadata.Extra["rows"])
	}
}

func TestXlsxNotAWorkbook(t *testing.T) {
	_, err := officeExtract(t, filetype.TypeXlsx, []byte("not a zip archive at all"))
	var xerr *ExtractionError
	if !errors.As(err, &xerr) {
		t.Fatalf("want ExtractionError, got %v", err)
	}
}

func TestLegacyDocNotCompound(t *testing.T) {
	_, err := officeExtract(t, filetype.TypeDoc, []byte("plain bytes, no OLE header"))
	var xerr *ExtractionError
	if !errors.As(err, &xerr) {
		t.Fatalf("want ExtractionError, got %v", err)
	}
}

func TestDocHeadingLevel(t *testing.T) {
	cases := []struct {
		style string
		want  int
	}{
		{"Heading1", 1},
		{"heading3", 3},
		{"Title", 1},
		{"Subtitle", 2},
		{"Titre2", 2},
		{"Überschrift4", 4},
		{"Heading7", 0},
		{"Heading10", 0},
		{"Normal", 0},
		{"", 0},
	}
	for _, c := range cases {
		if got := docHeadingLevel(c.style); got != c.want {
			t.Errorf("docHeadingLevel(%q): got %d, want %d", c.style, got, c.want)
		}
	}
}
