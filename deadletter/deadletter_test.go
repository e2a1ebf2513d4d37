package deadletter_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/maridot/docmill/dbopen"
	"github.com/maridot/docmill/deadletter"
)

func newChannel(t *testing.T, opts ...deadletter.Option) *deadletter.Channel {
	t.Helper()
	db := dbopen.OpenMemory(t)
	c, err := deadletter.New(db, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPublishAndList(t *testing.T) {
	c := newChannel(t)
	ctx := context.Background()

	published, err := c.Publish(ctx, deadletter.Entry{
		JobID: "job_1",
		Error: deadletter.Failure{
			Message: "extraction failed",
			Trace:   "extract: parse pdf: unexpected EOF",
		},
		Descriptor:   json.RawMessage(`{"jobId":"job_1","bucket":"uploads","key":"a.pdf"}`),
		CapacityMode: "standard",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(published.ID, "dlq_") {
		t.Fatalf("id = %q, want dlq_ prefix", published.ID)
	}
	if published.Timestamp == "" {
		t.Fatal("timestamp should be stamped")
	}

	entries, err := c.List(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	got := entries[0]
	if got.JobID != "job_1" || got.Error.Message != "extraction failed" || got.CapacityMode != "standard" {
		t.Fatalf("entry fields lost: %+v", got)
	}

	var descriptor struct {
		Bucket string `json:"bucket"`
	}
	if err := json.Unmarshal(got.Descriptor, &descriptor); err != nil {
		t.Fatal(err)
	}
	if descriptor.Bucket != "uploads" {
		t.Fatal("descriptor should round-trip verbatim")
	}
}

func TestPublishRequiresJobID(t *testing.T) {
	c := newChannel(t)
	if _, err := c.Publish(context.Background(), deadletter.Entry{}); err == nil {
		t.Fatal("expected error for missing job id")
	}
}

func TestListLimit(t *testing.T) {
	c := newChannel(t)
	ctx := context.Background()

	for range 5 {
		c.Publish(ctx, deadletter.Entry{JobID: "job_x", Error: deadletter.Failure{Message: "boom"}})
	}

	entries, err := c.List(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
}

// WHAT: the webhook POST carries the entry JSON and an HMAC-SHA256
// signature in X-Signature-256 with the "sha256=" prefix.
// WHY: the operator endpoint must be able to reject forged dead-letter
// notifications; the signature is its only origin check.
func TestWebhookSignsPayload(t *testing.T) {
	const secret = "dlq-webhook-secret"

	var (
		gotBody []byte
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature-256")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh, err := deadletter.NewWebhook(srv.URL, secret)
	if err != nil {
		t.Fatal(err)
	}
	c := newChannel(t, deadletter.WithNotifier(wh))

	if _, err := c.Publish(context.Background(), deadletter.Entry{
		JobID: "job_1",
		Error: deadletter.Failure{Message: "ocr service unreachable"},
	}); err != nil {
		t.Fatal(err)
	}

	if len(gotBody) == 0 {
		t.Fatal("webhook never received a body")
	}
	var e deadletter.Entry
	if err := json.Unmarshal(gotBody, &e); err != nil {
		t.Fatal(err)
	}
	if e.JobID != "job_1" {
		t.Fatalf("posted jobId = %q", e.JobID)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Fatalf("signature = %q, want %q", gotSig, want)
	}
}

func TestWebhookNoSecretNoSignature(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature-256")
	}))
	defer srv.Close()

	wh, err := deadletter.NewWebhook(srv.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := wh.Notify(context.Background(), deadletter.Entry{JobID: "job_1"}); err != nil {
		t.Fatal(err)
	}
	if gotSig != "" {
		t.Fatalf("unexpected signature %q without a secret", gotSig)
	}
}

// WHAT: a failing webhook does not fail Publish; the entry still lands
// in the store.
// WHY: dead-lettering is the last stop for a failed job. If a flaky
// operator endpoint could fail it, the failure context would be lost
// entirely.
func TestNotifierFailureDoesNotFailPublish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh, err := deadletter.NewWebhook(srv.URL, "s")
	if err != nil {
		t.Fatal(err)
	}
	c := newChannel(t, deadletter.WithNotifier(wh))

	if _, err := c.Publish(context.Background(), deadletter.Entry{
		JobID: "job_1",
		Error: deadletter.Failure{Message: "boom"},
	}); err != nil {
		t.Fatalf("publish failed on notifier error: %v", err)
	}

	entries, _ := c.List(context.Background(), 1)
	if len(entries) != 1 {
		t.Fatal("entry should be stored despite the failed notification")
	}
}

func TestNewWebhookRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"", "ftp://host/hook", "not a url://", "https://"} {
		if _, err := deadletter.NewWebhook(raw, ""); err == nil {
			t.Fatalf("NewWebhook(%q) should fail", raw)
		}
	}
}
