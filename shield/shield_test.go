package shield_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/maridot/docmill/shield"
)

func wrap(h http.Handler, mws []func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func TestSecurityHeaders(t *testing.T) {
	h := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}), shield.Stack(1024))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/health", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("nosniff header: got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("frame options: got %q", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}
}

func TestRequestLogger(t *testing.T) {
	var inner *http.Request
	h := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = r
	}), shield.Stack(1024))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/jobs/x", nil))

	if shield.GetLogger(inner.Context()) == nil {
		t.Fatal("no per-request logger in context")
	}
}

func TestMaxBodyCapsRequests(t *testing.T) {
	// WHAT: Reading a body past the cap fails with MaxBytesError.
	// WHY: The submit endpoint accepts descriptors, not documents; an
	// unbounded body would let one request hold the daemon's memory.
	var readErr error
	h := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}), shield.Stack(16))

	body := strings.NewReader(strings.Repeat("x", 64))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/jobs", body))

	var mbe *http.MaxBytesError
	if !errors.As(readErr, &mbe) {
		t.Fatalf("want MaxBytesError, got %v", readErr)
	}
}

func TestHeadToGet(t *testing.T) {
	var method string
	h := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
	}), shield.Stack(1024))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("HEAD", "/v1/health", nil))

	if method != http.MethodGet {
		t.Errorf("method: got %q, want GET", method)
	}
}
