package extract

import (
	"strings"
	"testing"
)

func TestSafeTextNestedTagFragments(t *testing.T) {
	// WHAT: A tag split by another tag ("<scr<script>ipt>") must not
	// reassemble into markup after one strip pass; the output carries no
	// angle brackets at all.
	// WHY: Extracted text is stored and later rendered by downstream
	// consumers. A single-pass strip turns this input into "<script>",
	// reintroducing the exact payload the sanitizer exists to remove.
	in := `<scr<script>ipt>alert("x")</scr</script>ipt>`
	out := SafeText(in)
	if strings.ContainsAny(out, "<>") {
		t.Fatalf("sanitized output still contains angle brackets: %q", out)
	}
	if strings.Contains(out, "script") {
		t.Errorf("tag name survived sanitization: %q", out)
	}
}

func TestSafeTextEncodedMarkup(t *testing.T) {
	// WHAT: Entity-encoded tags are decoded and then stripped again.
	// WHY: "&lt;b&gt;" is harmless as-is but becomes live markup the
	// moment a consumer decodes entities; the second strip pass closes
	// that hole.
	out := SafeText("&lt;b&gt;bold claim&lt;/b&gt;")
	if strings.ContainsAny(out, "<>") {
		t.Fatalf("decoded markup survived: %q", out)
	}
	if !strings.Contains(out, "bold claim") {
		t.Errorf("text content lost: %q", out)
	}
}

func TestSafeTextPlainTextUntouched(t *testing.T) {
	in := "Hello, world. Nothing to see here."
	if out := SafeText(in); out != in {
		t.Errorf("plain text altered: got %q, want %q", out, in)
	}
}

func TestSafeTextCollapsesBlankRuns(t *testing.T) {
	out := SafeText("first\n\n\n\n\nsecond   \nthird")
	want := "first\n\nsecond\nthird"
	if out != want {
		t.Errorf("blank-run collapse: got %q, want %q", out, want)
	}
}

func TestSafeTextStripsTags(t *testing.T) {
	out := SafeText("<p>One</p><div class=\"x\">Two</div>")
	if strings.ContainsAny(out, "<>") {
		t.Fatalf("markup survived: %q", out)
	}
	if !strings.Contains(out, "One") || !strings.Contains(out, "Two") {
		t.Errorf("text content lost: %q", out)
	}
}

func TestDecodeEntities(t *testing.T) {
	if got := DecodeEntities("caf&eacute; &amp; biscuits"); got != "café & biscuits" {
		t.Errorf("decode: got %q", got)
	}
}
