package extract

import (
	"github.com/maridot/docmill/chunk"
	"github.com/maridot/docmill/filetype"
)

// Options are the caller-selected processing flags carried on the job
// descriptor.
type Options struct {
	OCR               bool `json:"ocr"`
	ConvertToMarkdown bool `json:"convertToMarkdown"`
	ExtractImages     bool `json:"extractImages"`
	GenerateEmbeddings bool `json:"generateEmbeddings"`
}

// ProgressFunc receives stage transitions from inside an extractor so the
// job store can reflect live progress. Implementations must be safe to
// call with any stage label; a nil ProgressFunc is allowed.
type ProgressFunc func(stage string, percent int)

// Request is one extraction call.
type Request struct {
	Data     []byte
	FileName string
	Type     filetype.Type
	Options  Options
	Progress ProgressFunc
}

func (r Request) progress(stage string, percent int) {
	if r.Progress != nil {
		r.Progress(stage, percent)
	}
}

// Section is a structural unit recovered from a document. Extractors that
// see real structure (headings in a .docx, slides in a .pptx) record it
// here so the markdown rendering can reuse it.
type Section struct {
	Title string `json:"title,omitempty"`
	Level int    `json:"level"` // heading level 1-6, 0 for body
	Text  string `json:"text"`
	Type  string `json:"type"` // heading, paragraph, table, list, page, slide
}

// Metadata describes how a result was produced.
type Metadata struct {
	Method     string         `json:"method"`
	DurationMS int64          `json:"processingTimeMs"`
	PageCount  int            `json:"pageCount,omitempty"`
	ByteSize   int            `json:"originalByteSize"`
	Warning    string         `json:"warning,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Result is the outcome of one extraction.
//
// Text is always set on success. Markdown and Chunks are filled by the
// post-processing stages when the job options ask for them. The unexported
// render inputs (sections, table rows, original markup, structured
// summary) survive only for the markdown stage and are not serialized.
type Result struct {
	Text     string        `json:"text"`
	Markdown string        `json:"markdown,omitempty"`
	Chunks   []chunk.Chunk `json:"chunks,omitempty"`
	Metadata Metadata      `json:"metadata"`

	Sections       []Section  `json:"-"`
	TableRows      [][]string `json:"-"`
	SourceHTML     string     `json:"-"`
	SourceMarkdown string     `json:"-"`
	Structured     string     `json:"-"`
}

// SetExtra records an extractor-specific metadata field.
func (r *Result) SetExtra(key string, value any) {
	if r.Metadata.Extra == nil {
		r.Metadata.Extra = make(map[string]any)
	}
	r.Metadata.Extra[key] = value
}
