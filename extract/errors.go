package extract

import (
	"fmt"

	"github.com/maridot/docmill/filetype"
)

// UnsupportedFormatError is returned when no extractor exists for the
// detected type. Fatal — the job is never retried for this.
type UnsupportedFormatError struct {
	FileName string
	Type     filetype.Type
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("extract: unsupported format %q (%s)", e.Type, e.FileName)
}

// ExtractionError wraps a parser failure on corrupt or malformed input.
// The service attempts one basic-extraction fallback before treating it
// as fatal.
type ExtractionError struct {
	Format filetype.Type
	Cause  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract: %s extraction failed: %v", e.Format, e.Cause)
}

func (e *ExtractionError) Unwrap() error { return e.Cause }

// NoUsableTextError reports an empty or implausibly sparse text layer.
// Not fatal by itself — it triggers OCR escalation when that path is open.
type NoUsableTextError struct {
	Pages        int
	CharsPerPage float64
}

func (e *NoUsableTextError) Error() string {
	if e.Pages > 1 {
		return fmt.Sprintf("extract: no usable text layer (%.0f chars/page over %d pages)", e.CharsPerPage, e.Pages)
	}
	return "extract: no usable text layer"
}

// PreconditionError names the unmet precondition that closed an
// escalation path, e.g. OCR requested but not configured.
type PreconditionError struct {
	Precondition string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("extract: precondition not met: %s", e.Precondition)
}

// OCRError wraps a failure from the recognition service. Fatal.
type OCRError struct {
	Cause error
}

func (e *OCRError) Error() string { return fmt.Sprintf("extract: ocr: %v", e.Cause) }

func (e *OCRError) Unwrap() error { return e.Cause }
