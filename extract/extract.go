// Package extract converts classified document buffers into text,
// optional markdown, and extraction metadata.
//
// Supported formats:
//   - pdf                      — embedded text layer, OCR escalation
//   - docx, odt                — archive/zip → XML body with heading styles
//   - xlsx                     — per-sheet tabular text
//   - pptx                     — per-slide text runs
//   - doc, xls, ppt            — legacy compound files, character salvage
//   - csv, tsv                 — delimited listing, capped preview
//   - json                     — recursive structure summary, capped
//   - html, xml, md, txt, log  — markup stripping / plain text
//
// Usage:
//
//	svc := extract.New(extract.Config{}, extract.WithOCR(client))
//	res, err := svc.Process(ctx, extract.Request{Data: buf, Type: cls.Type})
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/maridot/docmill/chunk"
	"github.com/maridot/docmill/filetype"
	"github.com/maridot/docmill/ocr"
)

// Extractor converts one document family into a Result.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Result, error)
}

// Recognizer is the slice of the OCR client the PDF extractor escalates
// to when the text layer is unusable.
type Recognizer interface {
	Configured() bool
	Recognize(ctx context.Context, buf []byte, fileName string, mode ocr.Mode) (*ocr.Response, error)
}

// QuotaGate limits OCR page consumption.
type QuotaGate interface {
	CanConsume(ctx context.Context, pages int) (bool, error)
	Record(ctx context.Context, pages int) error
}

// Config configures the extraction service.
type Config struct {
	// MaxFileSize is the largest buffer Process accepts (default: 100 MB).
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`

	// Logger for debug/warn messages.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 100 * 1024 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service dispatches extraction by detected type through a closed
// extractor table.
type Service struct {
	cfg        Config
	logger     *slog.Logger
	md         *converter.Converter
	pdf        *PDFExtractor
	extractors map[filetype.Type]Extractor
}

// Option customises a Service.
type Option func(*Service)

// WithOCR wires the OCR escalation backend used for PDFs without a
// usable text layer.
func WithOCR(r Recognizer) Option {
	return func(s *Service) { s.pdf.ocr = r }
}

// WithQuota wires the OCR page quota gate.
func WithQuota(q QuotaGate) Option {
	return func(s *Service) { s.pdf.quota = q }
}

// New creates an extraction Service.
func New(cfg Config, opts ...Option) *Service {
	cfg.defaults()

	s := &Service{
		cfg:    cfg,
		logger: cfg.Logger,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}

	s.pdf = &PDFExtractor{logger: s.logger}
	office := &OfficeExtractor{logger: s.logger}
	text := &TextExtractor{logger: s.logger}

	s.extractors = map[filetype.Type]Extractor{
		filetype.TypePDF:      s.pdf,
		filetype.TypeDocx:     office,
		filetype.TypeXlsx:     office,
		filetype.TypePptx:     office,
		filetype.TypeODT:      office,
		filetype.TypeDoc:      office,
		filetype.TypeXls:      office,
		filetype.TypePpt:      office,
		filetype.TypeCSV:      text,
		filetype.TypeTSV:      text,
		filetype.TypeJSON:     text,
		filetype.TypeHTML:     text,
		filetype.TypeMarkdown: text,
		filetype.TypeXML:      text,
		filetype.TypeText:     text,
	}

	for _, o := range opts {
		o(s)
	}
	return s
}

// Supported reports whether an extractor exists for t.
func (s *Service) Supported(t filetype.Type) bool {
	_, ok := s.extractors[t]
	return ok
}

// Process runs the extractor for req.Type. A primary ExtractionError gets
// exactly one basic-extraction fallback attempt before it is returned.
func (s *Service) Process(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if int64(len(req.Data)) > s.cfg.MaxFileSize {
		return nil, fmt.Errorf("extract: file too large: %d bytes (max %d)", len(req.Data), s.cfg.MaxFileSize)
	}

	ext, ok := s.extractors[req.Type]
	if !ok {
		return nil, &UnsupportedFormatError{FileName: req.FileName, Type: req.Type}
	}

	s.logger.Debug("extract: processing", "file", req.FileName, "type", req.Type)

	res, err := ext.Extract(ctx, req)

	var xerr *ExtractionError
	if err != nil && errors.As(err, &xerr) {
		if salvaged := basicFallback(req.Data); salvaged != "" {
			s.logger.Warn("extract: primary extraction failed, basic fallback used",
				"file", req.FileName, "type", req.Type, "error", err)
			res = &Result{
				Text: salvaged,
				Metadata: Metadata{
					Method:  "basic-fallback",
					Warning: "primary extraction failed; basic character salvage used",
				},
			}
			err = nil
		}
	}
	if err != nil {
		return nil, err
	}

	res.Metadata.ByteSize = len(req.Data)

	if req.Options.ConvertToMarkdown {
		req.progress("converting_markdown", 80)
		res.Markdown = s.renderMarkdown(res)
	}
	if req.Options.GenerateEmbeddings {
		req.progress("chunking_text", 90)
		res.Chunks = chunk.Split(res.Text, chunk.Options{})
	}

	res.Metadata.DurationMS = time.Since(start).Milliseconds()
	return res, nil
}
