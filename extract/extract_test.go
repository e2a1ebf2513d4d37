package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/maridot/docmill/filetype"
)

func TestProcessUnsupportedFormat(t *testing.T) {
	svc := New(Config{})
	_, err := svc.Process(context.Background(), Request{
		Data: []byte("BM6"), FileName: "image.bmp", Type: filetype.TypeUnknown,
	})
	var uerr *UnsupportedFormatError
	if !errors.As(err, &uerr) {
		t.Fatalf("want UnsupportedFormatError, got %v", err)
	}
	if !strings.Contains(err.Error(), "image.bmp") {
		t.Errorf("error should name the file: %v", err)
	}
}

func TestProcessSizeLimit(t *testing.T) {
	svc := New(Config{MaxFileSize: 10})
	_, err := svc.Process(context.Background(), Request{
		Data: []byte("a,b\n1,2\n3,4"), FileName: "big.csv", Type: filetype.TypeCSV,
	})
	if err == nil || !strings.Contains(err.Error(), "file too large") {
		t.Fatalf("want size limit error, got %v", err)
	}
}

func TestProcessFallbackSalvage(t *testing.T) {
	// WHAT: When the primary extractor fails on corrupt input, readable
	// characters are salvaged from the raw buffer and the result is
	// flagged as a degraded extraction.
	// WHY: A truncated upload of a real document still holds most of its
	// text; failing the job outright would lose recoverable content.
	body := "This is not really a word document but has plenty of readable text"
	svc := New(Config{})
	res, err := svc.Process(context.Background(), Request{
		Data: []byte(body), FileName: "broken.docx", Type: filetype.TypeDocx,
	})
	if err != nil {
		t.Fatalf("fallback should absorb the failure: %v", err)
	}
	if res.Metadata.Method != "basic-fallback" {
		t.Errorf("method: got %q", res.Metadata.Method)
	}
	if res.Metadata.Warning == "" {
		t.Error("degraded result must carry a warning")
	}
	if res.Text != body {
		t.Errorf("salvaged text: got %q", res.Text)
	}
	if res.Metadata.ByteSize != len(body) {
		t.Errorf("byte size: got %d, want %d", res.Metadata.ByteSize, len(body))
	}
}

func TestProcessFallbackRejectsNoise(t *testing.T) {
	// Too little salvageable text: the primary error must surface instead
	// of an empty "success".
	svc := New(Config{})
	_, err := svc.Process(context.Background(), Request{
		Data: []byte("\x00\x01ab\x02cd\x03"), FileName: "noise.docx", Type: filetype.TypeDocx,
	})
	var xerr *ExtractionError
	if !errors.As(err, &xerr) {
		t.Fatalf("want ExtractionError, got %v", err)
	}
}

func TestProcessMarkdownOption(t *testing.T) {
	rec := &stageRecorder{}
	svc := New(Config{})
	res, err := svc.Process(context.Background(), Request{
		Data:     []byte("a,b\n1,2\n3,4"),
		FileName: "table.csv",
		Type:     filetype.TypeCSV,
		Options:  Options{ConvertToMarkdown: true},
		Progress: rec.record,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	want := "| a | b |\n| --- | --- |\n| 1 | 2 |\n| 3 | 4 |"
	if res.Markdown != want {
		t.Errorf("markdown:\ngot  %q\nwant %q", res.Markdown, want)
	}
	if !strings.Contains(strings.Join(rec.stages, " "), "converting_markdown:80") {
		t.Errorf("stages: %v", rec.stages)
	}
}

func TestProcessEmbeddingsOption(t *testing.T) {
	rec := &stageRecorder{}
	svc := New(Config{})
	res, err := svc.Process(context.Background(), Request{
		Data:     []byte("A short paragraph about nothing in particular."),
		FileName: "note.txt",
		Type:     filetype.TypeText,
		Options:  Options{GenerateEmbeddings: true},
		Progress: rec.record,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Chunks) != 1 {
		t.Fatalf("chunks: got %d, want 1", len(res.Chunks))
	}
	if res.Chunks[0].Content != res.Text {
		t.Errorf("chunk content: got %q, want %q", res.Chunks[0].Content, res.Text)
	}
	if !strings.Contains(strings.Join(rec.stages, " "), "chunking_text:90") {
		t.Errorf("stages: %v", rec.stages)
	}
}

func TestSupported(t *testing.T) {
	svc := New(Config{})
	for _, typ := range []filetype.Type{
		filetype.TypePDF, filetype.TypeDocx, filetype.TypeXlsx, filetype.TypeCSV,
		filetype.TypeJSON, filetype.TypeHTML, filetype.TypeText,
	} {
		if !svc.Supported(typ) {
			t.Errorf("Supported(%q) = false", typ)
		}
	}
	if svc.Supported(filetype.TypeUnknown) {
		t.Error("Supported(unknown) = true")
	}
}
