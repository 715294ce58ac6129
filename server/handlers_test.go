package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/crosspost/backend/config"
	"github.com/onnwee/crosspost/backend/post"
	"github.com/onnwee/crosspost/backend/testutil"
)

func testHandlers(t *testing.T) *Handlers {
	t.Helper()
	database := testutil.SetupTestDB(t)
	testutil.ResetTables(t, database)
	cfg := &config.Config{
		MinLeadTime:  0,
		MaxHorizon:   90 * 24 * time.Hour,
		PollInterval: 30 * time.Second,
	}
	return NewHandlers(context.Background(), database, cfg, nil)
}

func TestScheduleAndStatusRoundTrip(t *testing.T) {
	h := testHandlers(t)

	scheduledAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	body, _ := json.Marshal(map[string]any{
		"body":         "release announcement",
		"author_ref":   "user-1",
		"visibility":   "public",
		"destination":  "webhook",
		"scheduled_at": scheduledAt.Format(time.RFC3339),
	})
	req := httptest.NewRequest(http.MethodPost, "/posts", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandlePosts(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created post.Item
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a post id in create response")
	}
	if created.Status != post.StatusScheduled {
		t.Fatalf("expected scheduled status, got %s", created.Status)
	}

	// Detail reflects the exact requested dispatch time.
	req = httptest.NewRequest(http.MethodGet, "/posts/"+created.ID, nil)
	rr = httptest.NewRecorder()
	h.HandlePostsDispatcher(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for detail, got %d", rr.Code)
	}
	var detail post.Item
	if err := json.Unmarshal(rr.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail response: %v", err)
	}
	if !detail.ScheduledAt.Equal(scheduledAt) {
		t.Errorf("scheduled_at mismatch: want %s, got %s", scheduledAt, detail.ScheduledAt)
	}

	// The new post is visible in the pending list.
	req = httptest.NewRequest(http.MethodGet, "/posts?destination=webhook", nil)
	rr = httptest.NewRecorder()
	h.HandlePosts(rr, req)
	var pending []post.Item
	if err := json.Unmarshal(rr.Body.Bytes(), &pending); err != nil {
		t.Fatalf("decode pending list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != created.ID {
		t.Fatalf("expected the created post in pending list, got %+v", pending)
	}
}

func TestScheduleRejectsInvalidWithoutPersisting(t *testing.T) {
	h := testHandlers(t)

	// Beyond the maximum horizon.
	body, _ := json.Marshal(map[string]any{
		"body":         "too far out",
		"destination":  "webhook",
		"scheduled_at": time.Now().UTC().Add(365 * 24 * time.Hour).Format(time.RFC3339),
	})
	req := httptest.NewRequest(http.MethodPost, "/posts", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandlePosts(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp["error"] != "invalid_schedule" {
		t.Errorf("expected error=invalid_schedule, got %q", resp["error"])
	}

	// Nothing was written.
	var n int
	if err := h.db.QueryRow("SELECT COUNT(1) FROM posts").Scan(&n); err != nil {
		t.Fatalf("count posts: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no persisted posts after rejection, found %d", n)
	}
}

func TestCancelSemantics(t *testing.T) {
	h := testHandlers(t)

	item, err := h.store.Schedule(context.Background(), post.ScheduleParams{
		Body:        "to be withdrawn",
		Destination: "webhook",
		ScheduledAt: time.Now().UTC().Add(time.Hour),
	}, 0, 0)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/posts/"+item.ID+"/cancel", nil)
	rr := httptest.NewRecorder()
	h.HandlePostsDispatcher(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for cancel, got %d", rr.Code)
	}

	// Cancelling again conflicts: the post is already terminal.
	req = httptest.NewRequest(http.MethodPost, "/posts/"+item.ID+"/cancel", nil)
	rr = httptest.NewRecorder()
	h.HandlePostsDispatcher(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for repeat cancel, got %d", rr.Code)
	}

	// A post mid-publish is not cancellable either.
	item2, err := h.store.Schedule(context.Background(), post.ScheduleParams{
		Body:        "in flight",
		Destination: "webhook",
		ScheduledAt: time.Now().UTC().Add(time.Hour),
	}, 0, 0)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := h.db.Exec("UPDATE posts SET status='publishing' WHERE id=$1", item2.ID); err != nil {
		t.Fatalf("force publishing: %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/posts/"+item2.ID+"/cancel", nil)
	rr = httptest.NewRecorder()
	h.HandlePostsDispatcher(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for cancel during publishing, got %d", rr.Code)
	}

	// Unknown ids are 404, not 409.
	req = httptest.NewRequest(http.MethodPost, "/posts/00000000-0000-0000-0000-000000000000/cancel", nil)
	rr = httptest.NewRecorder()
	h.HandlePostsDispatcher(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rr.Code)
	}
}

func TestDraftApproveScheduleFlow(t *testing.T) {
	h := testHandlers(t)

	body, _ := json.Marshal(map[string]any{
		"body":        "needs review",
		"destination": "webhook",
		"draft":       true,
	})
	req := httptest.NewRequest(http.MethodPost, "/posts", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandlePosts(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 for draft, got %d", rr.Code)
	}
	var draft post.Item
	if err := json.Unmarshal(rr.Body.Bytes(), &draft); err != nil {
		t.Fatalf("decode draft: %v", err)
	}
	if draft.Status != post.StatusDraft {
		t.Fatalf("expected draft status, got %s", draft.Status)
	}

	// Scheduling before approval conflicts.
	scheduleBody, _ := json.Marshal(map[string]string{
		"scheduled_at": time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	})
	req = httptest.NewRequest(http.MethodPost, "/posts/"+draft.ID+"/schedule", bytes.NewReader(scheduleBody))
	rr = httptest.NewRecorder()
	h.HandlePostsDispatcher(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 scheduling an unapproved draft, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/posts/"+draft.ID+"/approve", nil)
	rr = httptest.NewRecorder()
	h.HandlePostsDispatcher(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for approve, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/posts/"+draft.ID+"/schedule", bytes.NewReader(scheduleBody))
	rr = httptest.NewRecorder()
	h.HandlePostsDispatcher(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for schedule after approve, got %d", rr.Code)
	}

	got, err := h.store.Get(context.Background(), draft.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != post.StatusScheduled {
		t.Errorf("expected scheduled after flow, got %s", got.Status)
	}
}

func TestRequeueOnlyFromFailed(t *testing.T) {
	h := testHandlers(t)

	item, err := h.store.Schedule(context.Background(), post.ScheduleParams{
		Body:        "flaky",
		Destination: "webhook",
		ScheduledAt: time.Now().UTC().Add(time.Hour),
	}, 0, 0)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/posts/"+item.ID+"/requeue", nil)
	rr := httptest.NewRecorder()
	h.HandlePostsDispatcher(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 requeueing a scheduled post, got %d", rr.Code)
	}

	if _, err := h.db.Exec("UPDATE posts SET status='failed', attempts=5 WHERE id=$1", item.ID); err != nil {
		t.Fatalf("force failed: %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/posts/"+item.ID+"/requeue", nil)
	rr = httptest.NewRecorder()
	h.HandlePostsDispatcher(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for requeue from failed, got %d", rr.Code)
	}

	got, err := h.store.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != post.StatusScheduled || got.Attempts != 0 {
		t.Errorf("expected scheduled with attempts reset, got status=%s attempts=%d", got.Status, got.Attempts)
	}
}
