package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/crosspost/backend/post"
)

// scheduleRequest is the JSON body for creating a post, either scheduled
// directly or as a draft awaiting approval.
type scheduleRequest struct {
	Body        string   `json:"body"`
	AuthorRef   string   `json:"author_ref"`
	Visibility  string   `json:"visibility"`
	MediaRefs   []string `json:"media_refs"`
	Destination string   `json:"destination"`
	ScheduledAt string   `json:"scheduled_at"`
	Draft       bool     `json:"draft"`
}

// HandlePosts routes /posts: POST creates a post, GET lists pending posts.
func (h *Handlers) HandlePosts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePostCreate(w, r)
	case http.MethodGet:
		h.handlePostsList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handlePostCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	params := post.ScheduleParams{
		Body:        req.Body,
		AuthorRef:   req.AuthorRef,
		Visibility:  post.Visibility(req.Visibility),
		MediaRefs:   req.MediaRefs,
		Destination: req.Destination,
	}

	if req.Draft {
		item, err := h.store.CreateDraft(r.Context(), params)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(item)
		return
	}

	at, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		writeInvalidSchedule(w, "scheduled_at must be RFC 3339")
		return
	}
	params.ScheduledAt = at

	item, err := h.store.Schedule(r.Context(), params, h.cfg.MinLeadTime, h.cfg.MaxHorizon)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(item)
}

func (h *Handlers) handlePostsList(w http.ResponseWriter, r *http.Request) {
	limit, offset := listParams(r)
	destination := r.URL.Query().Get("destination")

	items, err := h.store.ListPending(r.Context(), destination, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(items)
}

// HandlePostsDispatcher routes requests under /posts/{id}/* to sub-handlers.
func (h *Handlers) HandlePostsDispatcher(w http.ResponseWriter, r *http.Request) {
	// crude routing
	path := strings.TrimPrefix(r.URL.Path, "/posts/")
	parts := strings.Split(path, "/")
	postID := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case postID == "" || postID == "/":
		http.NotFound(w, r)
	case tail == "":
		h.handlePostDetail(w, r, postID)
	case tail == "cancel":
		h.handlePostCancel(w, r, postID)
	case tail == "approve":
		h.handlePostApprove(w, r, postID)
	case tail == "schedule":
		h.handlePostSchedule(w, r, postID)
	case tail == "requeue":
		h.handlePostRequeue(w, r, postID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handlePostDetail(w http.ResponseWriter, r *http.Request, postID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	item, err := h.store.Get(r.Context(), postID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(item)
}

// handlePostCancel withdraws a post that has not started publishing. A post
// mid-publish or already terminal yields 409.
func (h *Handlers) handlePostCancel(w http.ResponseWriter, r *http.Request, postID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.store.Cancel(r.Context(), postID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handlePostApprove(w http.ResponseWriter, r *http.Request, postID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.store.Approve(r.Context(), postID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePostSchedule arms an approved draft with a dispatch time.
func (h *Handlers) handlePostSchedule(w http.ResponseWriter, r *http.Request, postID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ScheduledAt string `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	at, err := time.Parse(time.RFC3339, body.ScheduledAt)
	if err != nil {
		writeInvalidSchedule(w, "scheduled_at must be RFC 3339")
		return
	}
	if err := h.store.ScheduleApproved(r.Context(), postID, at, h.cfg.MinLeadTime, h.cfg.MaxHorizon); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePostRequeue re-arms a terminally failed post. Admin only; routed
// through adminAuth in NewMux.
func (h *Handlers) handlePostRequeue(w http.ResponseWriter, r *http.Request, postID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	at := time.Now().UTC()
	var body struct {
		ScheduledAt string `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.ScheduledAt != "" {
		parsed, perr := time.Parse(time.RFC3339, body.ScheduledAt)
		if perr != nil {
			writeInvalidSchedule(w, "scheduled_at must be RFC 3339")
			return
		}
		at = parsed
	}
	if err := h.store.Requeue(r.Context(), postID, at); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeStoreError maps store errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	var invalid *post.InvalidScheduleError
	switch {
	case errors.As(err, &invalid):
		writeInvalidSchedule(w, invalid.Reason)
	case errors.Is(err, post.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, post.ErrConflict):
		http.Error(w, "conflict: post is not in an eligible state", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeInvalidSchedule(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_schedule", "reason": reason})
}
