package extract

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/maridot/docmill/ocr"
)

// sparseCharsPerPage is the text-layer density below which a multi-page
// PDF counts as having no usable text. Scanned documents typically carry
// a handful of stray characters per page from stamps or metadata.
const sparseCharsPerPage = 50

// PDFExtractor reads the embedded text layer of a PDF and escalates to
// OCR when the layer is absent or implausibly sparse.
type PDFExtractor struct {
	logger *slog.Logger
	ocr    Recognizer
	quota  QuotaGate
}

func (e *PDFExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	req.progress("parsing", 30)

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(req.Data), conf)
	if err != nil {
		return nil, &ExtractionError{Format: req.Type, Cause: err}
	}

	pages := pdfCtx.PageCount
	hasImages, imageCount := countImageStreams(pdfCtx)

	var sb strings.Builder
	totalChars := 0
	for nr := 1; nr <= pages; nr++ {
		pageText := pdfPageText(pdfCtx, nr)
		if pageText == "" {
			continue
		}
		totalChars += len([]rune(pageText))
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(pageText)
	}

	text := sb.String()
	charsPerPage := 0.0
	if pages > 0 {
		charsPerPage = float64(totalChars) / float64(pages)
	}

	// Level 1 gate: empty text, or a multi-page document averaging under
	// the sparsity threshold, means the layer is unusable.
	if text == "" || (pages > 1 && charsPerPage < sparseCharsPerPage) {
		return e.escalate(ctx, req, pages, charsPerPage, hasImages)
	}

	req.progress("post_processing", 70)

	res := &Result{
		Text: text,
		Metadata: Metadata{
			Method:    "pdf-text-layer",
			PageCount: pages,
		},
	}
	res.SetExtra("charsPerPage", math.Round(charsPerPage*10)/10)
	res.SetExtra("hasImages", hasImages)
	if req.Options.ExtractImages {
		res.SetExtra("imageStreams", imageCount)
	}
	return res, nil
}

// escalate runs Level 2. OCR must be requested on the job, the client
// must be configured, and the page quota must allow the consumption;
// the first unmet precondition fails the job with its name.
func (e *PDFExtractor) escalate(ctx context.Context, req Request, pages int, charsPerPage float64, hasImages bool) (*Result, error) {
	unusable := &NoUsableTextError{Pages: pages, CharsPerPage: charsPerPage}

	if !req.Options.OCR {
		return nil, &PreconditionError{Precondition: "ocr is disabled for this job: " + unusable.Error()}
	}
	if e.ocr == nil || !e.ocr.Configured() {
		return nil, &PreconditionError{Precondition: "ocr service is not configured: " + unusable.Error()}
	}
	if e.quota != nil {
		ok, err := e.quota.CanConsume(ctx, pages)
		if err != nil {
			return nil, &OCRError{Cause: err}
		}
		if !ok {
			return nil, &PreconditionError{Precondition: "ocr page quota exhausted"}
		}
	}

	e.logger.Info("extract: escalating to ocr",
		"file", req.FileName, "pages", pages, "chars_per_page", charsPerPage)
	req.progress("ocr_processing", 50)

	resp, err := e.ocr.Recognize(ctx, req.Data, req.FileName, ocr.ModeText)
	if err != nil {
		return nil, &OCRError{Cause: err}
	}

	if e.quota != nil {
		if err := e.quota.Record(ctx, resp.Pages); err != nil {
			e.logger.Warn("extract: recording ocr usage failed", "error", err)
		}
	}

	req.progress("post_processing", 70)

	res := &Result{
		Text: resp.Text,
		Metadata: Metadata{
			Method:    "ocr",
			PageCount: resp.Pages,
		},
	}
	res.SetExtra("textLayerCharsPerPage", math.Round(charsPerPage*10)/10)
	res.SetExtra("hasImages", hasImages)
	if resp.Confidence > 0 {
		res.SetExtra("ocrConfidence", math.Round(resp.Confidence*10)/10)
	}
	return res, nil
}

// pdfPageText extracts the text of one page from its content stream.
func pdfPageText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return streamText(data)
}

// countImageStreams reports whether the document carries image XObjects
// and how many, from the optimizer's index when available, falling back
// to an XRefTable scan.
func countImageStreams(ctx *model.Context) (bool, int) {
	total := 0
	if ctx.Optimize != nil {
		for nr := 1; nr <= ctx.PageCount; nr++ {
			total += len(pdfcpu.ImageObjNrs(ctx, nr))
		}
		if total > 0 {
			return true, total
		}
	}
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if subtype, found := sd.Find("Subtype"); found {
			if name, isName := subtype.(types.Name); isName && name == "Image" {
				total++
			}
		}
	}
	return total > 0, total
}

// pdfLiteralRe matches PDF string literals: (text here)
var pdfLiteralRe = regexp.MustCompile(`\(([^)]*)\)`)

// streamText walks content-stream operators and collects shown text.
// Tj/TJ show text, ' shows text on the next line, Td/TD reposition
// (rendered as a space), T* starts a new line.
func streamText(data []byte) string {
	var sb strings.Builder

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfLiteralRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFLiteral(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfLiteralRe.FindAllSubmatch(line, -1) {
				if s := decodePDFLiteral(m[1]); s != "" {
					sb.WriteByte('\n')
					sb.WriteString(s)
				}
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}

	return tidyPDFText(sb.String())
}

// decodePDFLiteral resolves backslash escapes, including octal.
func decodePDFLiteral(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] >= '0' && raw[i] <= '7' {
				val := int(raw[i] - '0')
				for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
					i++
					val = val*8 + int(raw[i]-'0')
				}
				sb.WriteByte(byte(val))
			} else {
				sb.WriteByte(raw[i])
			}
		}
	}
	return sb.String()
}

// tidyPDFText collapses whitespace runs and drops non-printable runes.
func tidyPDFText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case r == '\n':
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte('\n')
				prevSpace = true
			}
		case unicode.IsSpace(r):
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
