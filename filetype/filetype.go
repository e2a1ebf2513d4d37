// Package filetype determines a document's true format from byte
// signatures, file extension, and declared MIME type.
//
// Detection order:
//  1. Magic bytes — PDF header, ZIP container (modern Office), legacy
//     compound document (old Office). Container signatures are
//     disambiguated to a concrete subtype via the file extension.
//  2. Extension — authoritative when byte detection is inconclusive,
//     because declared MIME types lie more often than file names.
//  3. MIME keywords — last resort; spreadsheet and presentation keywords
//     are checked before the generic word/document ones so an ambiguous
//     declared type never demotes a workbook to a text document.
//
// Anything that falls through classifies as TypeUnknown, which callers
// treat as unsupported.
package filetype

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Type identifies a document format.
type Type string

const (
	TypePDF      Type = "pdf"
	TypeDocx     Type = "docx"
	TypeXlsx     Type = "xlsx"
	TypePptx     Type = "pptx"
	TypeODT      Type = "odt"
	TypeDoc      Type = "doc"
	TypeXls      Type = "xls"
	TypePpt      Type = "ppt"
	TypeCSV      Type = "csv"
	TypeTSV      Type = "tsv"
	TypeJSON     Type = "json"
	TypeHTML     Type = "html"
	TypeMarkdown Type = "md"
	TypeXML      Type = "xml"
	TypeText     Type = "txt"
	TypeUnknown  Type = "unknown"
)

// Detection confidence levels.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Detection methods.
const (
	MethodMagic     = "magic"
	MethodExtension = "extension"
	MethodMIME      = "mime"
	MethodNone      = "none"
)

// Classification is the outcome of a detection run.
type Classification struct {
	Type       Type   `json:"type"`
	Confidence string `json:"confidence"`
	Method     string `json:"method"`
}

var (
	pdfMagic = []byte("%PDF")
	zipMagic = []byte{0x50, 0x4B, 0x03, 0x04}
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// extTable maps normalized extensions to types for the fallback cascade.
var extTable = map[string]Type{
	"pdf":      TypePDF,
	"docx":     TypeDocx,
	"xlsx":     TypeXlsx,
	"pptx":     TypePptx,
	"odt":      TypeODT,
	"doc":      TypeDoc,
	"xls":      TypeXls,
	"ppt":      TypePpt,
	"csv":      TypeCSV,
	"tsv":      TypeTSV,
	"json":     TypeJSON,
	"html":     TypeHTML,
	"htm":      TypeHTML,
	"md":       TypeMarkdown,
	"markdown": TypeMarkdown,
	"xml":      TypeXML,
	"txt":      TypeText,
	"text":     TypeText,
	"log":      TypeText,
}

// Classify determines the document type of buf. fileName and declaredType
// may be empty; detection degrades through the cascade documented on the
// package.
func Classify(buf []byte, fileName, declaredType string) Classification {
	ext := normalizeExt(fileName)
	mime := strings.ToLower(strings.TrimSpace(declaredType))

	// Byte signatures win over everything else.
	if bytes.HasPrefix(buf, pdfMagic) {
		return Classification{Type: TypePDF, Confidence: ConfidenceHigh, Method: MethodMagic}
	}
	if bytes.HasPrefix(buf, zipMagic) {
		if t := zipSubtype(ext, mime); t != TypeUnknown {
			return Classification{Type: t, Confidence: ConfidenceHigh, Method: MethodMagic}
		}
		// A ZIP container we cannot attribute to an Office subtype.
		return Classification{Type: TypeUnknown, Confidence: ConfidenceLow, Method: MethodMagic}
	}
	if bytes.HasPrefix(buf, oleMagic) {
		return Classification{Type: compoundSubtype(ext, mime), Confidence: ConfidenceMedium, Method: MethodMagic}
	}

	if t, ok := extTable[ext]; ok {
		return Classification{Type: t, Confidence: ConfidenceMedium, Method: MethodExtension}
	}

	if t := mimeSubtype(mime); t != TypeUnknown {
		return Classification{Type: t, Confidence: ConfidenceLow, Method: MethodMIME}
	}

	return Classification{Type: TypeUnknown, Confidence: ConfidenceLow, Method: MethodNone}
}

// zipSubtype resolves a ZIP container to a modern Office subtype. The
// extension decides; MIME keywords break ties when the name is useless.
func zipSubtype(ext, mime string) Type {
	switch ext {
	case "docx":
		return TypeDocx
	case "xlsx":
		return TypeXlsx
	case "pptx":
		return TypePptx
	case "odt":
		return TypeODT
	}
	switch {
	case strings.Contains(mime, "spreadsheetml"), strings.Contains(mime, "spreadsheet"):
		return TypeXlsx
	case strings.Contains(mime, "presentationml"), strings.Contains(mime, "presentation"):
		return TypePptx
	case strings.Contains(mime, "opendocument.text"):
		return TypeODT
	case strings.Contains(mime, "wordprocessingml"), strings.Contains(mime, "word"):
		return TypeDocx
	}
	return TypeUnknown
}

// compoundSubtype resolves a legacy compound document to doc/xls/ppt.
// Bytes already proved the container family; the extension (then MIME)
// only picks the member. Word is the default — it is by far the most
// common legacy payload.
func compoundSubtype(ext, mime string) Type {
	switch ext {
	case "doc":
		return TypeDoc
	case "xls":
		return TypeXls
	case "ppt":
		return TypePpt
	}
	switch {
	case strings.Contains(mime, "excel"), strings.Contains(mime, "spreadsheet"):
		return TypeXls
	case strings.Contains(mime, "powerpoint"), strings.Contains(mime, "presentation"):
		return TypePpt
	}
	return TypeDoc
}

// mimeSubtype matches MIME keywords. Spreadsheet and presentation keywords
// are checked before word/document keywords on purpose.
func mimeSubtype(mime string) Type {
	if mime == "" {
		return TypeUnknown
	}
	switch {
	case strings.Contains(mime, "pdf"):
		return TypePDF
	case strings.Contains(mime, "csv"):
		return TypeCSV
	case strings.Contains(mime, "tab-separated"):
		return TypeTSV
	case strings.Contains(mime, "spreadsheetml"):
		return TypeXlsx
	case strings.Contains(mime, "ms-excel"):
		return TypeXls
	case strings.Contains(mime, "spreadsheet"), strings.Contains(mime, "excel"):
		return TypeXlsx
	case strings.Contains(mime, "presentationml"):
		return TypePptx
	case strings.Contains(mime, "ms-powerpoint"):
		return TypePpt
	case strings.Contains(mime, "presentation"), strings.Contains(mime, "powerpoint"):
		return TypePptx
	case strings.Contains(mime, "opendocument.text"):
		return TypeODT
	case strings.Contains(mime, "msword"):
		return TypeDoc
	case strings.Contains(mime, "wordprocessingml"):
		return TypeDocx
	case strings.Contains(mime, "word"), strings.Contains(mime, "document"):
		return TypeDocx
	case strings.Contains(mime, "json"):
		return TypeJSON
	case strings.Contains(mime, "html"):
		return TypeHTML
	case strings.Contains(mime, "markdown"):
		return TypeMarkdown
	case strings.Contains(mime, "xml"):
		return TypeXML
	case strings.HasPrefix(mime, "text/"):
		return TypeText
	}
	return TypeUnknown
}

func normalizeExt(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	return strings.TrimPrefix(ext, ".")
}
