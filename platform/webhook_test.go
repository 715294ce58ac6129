package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/onnwee/crosspost/backend/post"
	"github.com/onnwee/crosspost/backend/testutil"
)

// unlimitedLimiter returns a limiter with no configured windows, which
// grants everything without touching the database.
func unlimitedLimiter() *post.Limiter {
	return post.NewLimiter(nil, map[string][]post.Window{})
}

func TestWebhookFormatTruncates(t *testing.T) {
	a := NewWebhookAdapter("http://example.invalid/hook", unlimitedLimiter())

	short := post.Item{Body: "hello", DedupeKey: "k1"}
	if got := a.Format(short); got.Content != "hello" || got.DedupeKey != "k1" {
		t.Errorf("short body should pass through, got %+v", got)
	}

	// Truncation counts runes, not bytes.
	long := post.Item{Body: strings.Repeat("é", webhookBodyLimit+5)}
	got := a.Format(long)
	if runes := []rune(got.Content); len(runes) != webhookBodyLimit {
		t.Errorf("expected %d runes after truncation, got %d", webhookBodyLimit, len(runes))
	}
}

func TestWebhookRejectsMediaPermanently(t *testing.T) {
	a := NewWebhookAdapter("http://example.invalid/hook", unlimitedLimiter())

	_, err := a.Publish(context.Background(), post.Item{
		Body:      "with attachment",
		MediaRefs: []string{"photo.png"},
	})
	if err == nil {
		t.Fatal("expected rejection for media attachment")
	}
	if post.KindOf(err) != post.KindPermanent {
		t.Errorf("media rejection must be permanent, got %s", post.KindOf(err))
	}
}

func TestWebhookPublishSuccess(t *testing.T) {
	mock := testutil.NewMockDestinationServer(t)
	mock.Handlers["/hook"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "msg-77"})
	}

	a := NewWebhookAdapter(mock.URL+"/hook", unlimitedLimiter())
	ref, err := a.Publish(context.Background(), post.Item{Body: "ship it", DedupeKey: "dk-1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ref != "msg-77" {
		t.Errorf("expected echoed id as published_ref, got %q", ref)
	}

	reqs := mock.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if got := reqs[0].Header.Get("X-Dedupe-Key"); got != "dk-1" {
		t.Errorf("expected dedupe key header, got %q", got)
	}
	var payload webhookPayload
	if err := json.Unmarshal(reqs[0].Body, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Content != "ship it" || payload.DedupeKey != "dk-1" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestWebhookPublishNoBodyFallsBackToDedupeKey(t *testing.T) {
	mock := testutil.NewMockDestinationServer(t)
	mock.Handlers["/hook"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}

	a := NewWebhookAdapter(mock.URL+"/hook", unlimitedLimiter())
	ref, err := a.Publish(context.Background(), post.Item{Body: "quiet receiver", DedupeKey: "dk-2"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ref != "dk-2" {
		t.Errorf("expected dedupe key fallback ref, got %q", ref)
	}
}

func TestWebhookPublishClassifiesStatuses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantKind   post.ErrorKind
	}{
		{"429 is rate limit", http.StatusTooManyRequests, "30", post.KindRateLimit},
		{"500 is transient", http.StatusInternalServerError, "", post.KindTransient},
		{"503 is transient", http.StatusServiceUnavailable, "", post.KindTransient},
		{"400 is permanent", http.StatusBadRequest, "", post.KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockDestinationServer(t)
			status, retryAfter := tt.status, tt.retryAfter
			mock.Handlers["/hook"] = func(w http.ResponseWriter, r *http.Request) {
				if retryAfter != "" {
					w.Header().Set("Retry-After", retryAfter)
				}
				w.WriteHeader(status)
			}

			a := NewWebhookAdapter(mock.URL+"/hook", unlimitedLimiter())
			_, err := a.Publish(context.Background(), post.Item{Body: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := post.KindOf(err); got != tt.wantKind {
				t.Errorf("KindOf = %s, want %s", got, tt.wantKind)
			}
			if tt.wantKind == post.KindRateLimit {
				var rl *post.RateLimitError
				if !errors.As(err, &rl) || rl.RetryAfter != 30*time.Second {
					t.Errorf("expected RetryAfter 30s carried through, got %v", err)
				}
			}
		})
	}
}

func TestWebhookPublishDeniedByDurableLimiter(t *testing.T) {
	mockDB, dbMock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer mockDB.Close()

	limiter := post.NewLimiter(mockDB, map[string][]post.Window{
		"webhook:post": {{Every: time.Minute, Ceiling: 1}},
	})
	dbMock.ExpectBegin()
	dbMock.ExpectQuery(`SELECT count FROM rate_windows`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	dbMock.ExpectRollback()

	a := NewWebhookAdapter("http://example.invalid/hook", limiter)
	_, pubErr := a.Publish(context.Background(), post.Item{Body: "held back"})
	var rl *post.RateLimitError
	if !errors.As(pubErr, &rl) {
		t.Fatalf("expected RateLimitError from limiter denial, got %v", pubErr)
	}
	if rl.RetryAfter <= 0 || rl.RetryAfter > time.Minute {
		t.Errorf("RetryAfter should be within the window, got %s", rl.RetryAfter)
	}
}

func TestParseRetryAfterForms(t *testing.T) {
	mk := func(v string) *http.Response {
		h := http.Header{}
		if v != "" {
			h.Set("Retry-After", v)
		}
		return &http.Response{Header: h}
	}

	if got := parseRetryAfter(mk("30")); got != 30*time.Second {
		t.Errorf("delta-seconds form: expected 30s, got %s", got)
	}

	// HTTP-date form resolves to the remaining delay.
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(mk(future)); got < 85*time.Second || got > 91*time.Second {
		t.Errorf("http-date form: expected roughly 90s, got %s", got)
	}

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(mk(past)); got != 0 {
		t.Errorf("past http-date must yield zero, got %s", got)
	}
	if got := parseRetryAfter(mk("soon")); got != 0 {
		t.Errorf("garbage value must yield zero, got %s", got)
	}
	if got := parseRetryAfter(mk("")); got != 0 {
		t.Errorf("absent header must yield zero, got %s", got)
	}
}
