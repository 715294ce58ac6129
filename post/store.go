package post

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the durable record of posts and their lifecycle state. Every
// write touches a single row and transitions status with a conditional
// UPDATE, so a concurrent reader never observes a partial update and two
// workers can never both win the same transition.
type Store struct {
	DB *sql.DB
}

const itemColumns = `id, body, author_ref, visibility, media_refs, destination,
	COALESCE(scheduled_at, to_timestamp(0)), status, attempts, last_attempt_at,
	COALESCE(last_error, ''), COALESCE(published_ref, ''), dedupe_key, COALESCE(created_at, to_timestamp(0))`

// ScheduleParams carries everything needed to enqueue a post for dispatch.
type ScheduleParams struct {
	Body        string
	AuthorRef   string
	Visibility  Visibility
	MediaRefs   []string
	Destination string
	ScheduledAt time.Time
}

func (p ScheduleParams) validate() error {
	if p.Body == "" {
		return &InvalidScheduleError{Reason: "body is empty"}
	}
	if p.Destination == "" {
		return &InvalidScheduleError{Reason: "destination is empty"}
	}
	switch p.Visibility {
	case VisibilityPublic, VisibilityConnections, "":
	default:
		return &InvalidScheduleError{Reason: fmt.Sprintf("unknown visibility %q", p.Visibility)}
	}
	return nil
}

// Schedule validates the requested time against the allowed window and
// inserts a new post directly in scheduled state. Nothing is persisted when
// an InvalidScheduleError is returned.
func (s *Store) Schedule(ctx context.Context, p ScheduleParams, minLead, maxHorizon time.Duration) (Item, error) {
	if err := p.validate(); err != nil {
		return Item{}, err
	}
	now := time.Now().UTC()
	if minLead > 0 && p.ScheduledAt.Before(now.Add(minLead)) {
		return Item{}, &InvalidScheduleError{Reason: fmt.Sprintf("scheduled_at sooner than minimum lead time %s", minLead)}
	}
	if maxHorizon > 0 && p.ScheduledAt.After(now.Add(maxHorizon)) {
		return Item{}, &InvalidScheduleError{Reason: fmt.Sprintf("scheduled_at farther out than maximum horizon %s", maxHorizon)}
	}
	return s.insert(ctx, p, StatusScheduled)
}

// CreateDraft stores a post in draft state for later approval and scheduling.
func (s *Store) CreateDraft(ctx context.Context, p ScheduleParams) (Item, error) {
	if err := p.validate(); err != nil {
		return Item{}, err
	}
	return s.insert(ctx, p, StatusDraft)
}

func (s *Store) insert(ctx context.Context, p ScheduleParams, status Status) (Item, error) {
	if p.Visibility == "" {
		p.Visibility = VisibilityPublic
	}
	if p.MediaRefs == nil {
		p.MediaRefs = []string{}
	}
	media, err := json.Marshal(p.MediaRefs)
	if err != nil {
		return Item{}, fmt.Errorf("encode media refs: %w", err)
	}
	item := Item{
		ID:          uuid.New().String(),
		Body:        p.Body,
		AuthorRef:   p.AuthorRef,
		Visibility:  p.Visibility,
		MediaRefs:   p.MediaRefs,
		Destination: p.Destination,
		ScheduledAt: p.ScheduledAt.UTC(),
		Status:      status,
		DedupeKey:   uuid.New().String(),
		CreatedAt:   time.Now().UTC(),
	}
	var scheduledAt any
	if !item.ScheduledAt.IsZero() {
		scheduledAt = item.ScheduledAt
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO posts
		(id, body, author_ref, visibility, media_refs, destination, scheduled_at, status, dedupe_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		item.ID, item.Body, item.AuthorRef, string(item.Visibility), media,
		item.Destination, scheduledAt, string(item.Status), item.DedupeKey, item.CreatedAt)
	if err != nil {
		return Item{}, fmt.Errorf("insert post: %w", err)
	}
	return item, nil
}

// Approve moves a draft to approved.
func (s *Store) Approve(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE posts SET status=$1, updated_at=NOW()
		WHERE id=$2 AND status=$3`, string(StatusApproved), id, string(StatusDraft))
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	return s.casOutcome(ctx, res, id)
}

// ScheduleApproved arms an approved post with a dispatch time, applying the
// same window validation as Schedule.
func (s *Store) ScheduleApproved(ctx context.Context, id string, at time.Time, minLead, maxHorizon time.Duration) error {
	now := time.Now().UTC()
	if minLead > 0 && at.Before(now.Add(minLead)) {
		return &InvalidScheduleError{Reason: fmt.Sprintf("scheduled_at sooner than minimum lead time %s", minLead)}
	}
	if maxHorizon > 0 && at.After(now.Add(maxHorizon)) {
		return &InvalidScheduleError{Reason: fmt.Sprintf("scheduled_at farther out than maximum horizon %s", maxHorizon)}
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE posts SET status=$1, scheduled_at=$2, updated_at=NOW()
		WHERE id=$3 AND status=$4`, string(StatusScheduled), at.UTC(), id, string(StatusApproved))
	if err != nil {
		return fmt.Errorf("schedule approved: %w", err)
	}
	return s.casOutcome(ctx, res, id)
}

// Get returns a snapshot of one post.
func (s *Store) Get(ctx context.Context, id string) (Item, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM posts WHERE id=$1`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return Item{}, ErrNotFound
	}
	return item, err
}

// RearmDeferred flips deferred posts whose backoff has elapsed back to
// scheduled so the next ListDue picks them up. Returns how many re-armed.
func (s *Store) RearmDeferred(ctx context.Context, now time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE posts SET status=$1, updated_at=NOW()
		WHERE status=$2 AND scheduled_at <= $3`,
		string(StatusScheduled), string(StatusDeferred), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("rearm deferred: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReclaimStale recovers posts stuck in publishing after a worker died between
// the claim and the outcome write-back. Rows whose attempt started before
// cutoff move back to deferred with the attempt counted; the interrupted
// publish may have reached the destination, so a repeat delivery is possible
// and the dedupe key is what lets the destination collapse it. Returns how
// many were reclaimed.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE posts SET status=$1, attempts=attempts+1, last_error=$2, updated_at=NOW()
		WHERE status=$3 AND last_attempt_at IS NOT NULL AND last_attempt_at < $4`,
		string(StatusDeferred), "publish attempt abandoned by a previous worker",
		string(StatusPublishing), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListDue returns scheduled posts whose time has come, oldest first with id
// as the deterministic tiebreak. Callers must still Claim each item before
// dispatching; two concurrent ListDue calls may overlap.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]Item, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM posts
		WHERE status=$1 AND scheduled_at <= $2
		ORDER BY scheduled_at ASC, id ASC`, string(StatusScheduled), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Claim atomically transitions one scheduled post to publishing and stamps
// the attempt time. Exactly one concurrent claimant wins; the rest get
// ErrConflict. This compare-and-swap is the sole dispatch concurrency guard.
func (s *Store) Claim(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE posts SET status=$1, last_attempt_at=NOW(), updated_at=NOW()
		WHERE id=$2 AND status=$3`, string(StatusPublishing), id, string(StatusScheduled))
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	return s.casOutcome(ctx, res, id)
}

// MarkPublished finishes a successful dispatch. published_ref is set if and
// only if the post reaches published.
func (s *Store) MarkPublished(ctx context.Context, id, publishedRef string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE posts SET status=$1, published_ref=$2, last_error=NULL, updated_at=NOW()
		WHERE id=$3 AND status=$4`, string(StatusPublished), publishedRef, id, string(StatusPublishing))
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return s.casOutcome(ctx, res, id)
}

// Defer parks a publishing post until `until`. countAttempt distinguishes a
// real failure (backoff retry, attempts+1) from rate-limit backpressure
// (attempts unchanged).
func (s *Store) Defer(ctx context.Context, id string, until time.Time, lastError string, countAttempt bool) error {
	bump := 0
	if countAttempt {
		bump = 1
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE posts SET status=$1, scheduled_at=$2, attempts=attempts+$3, last_error=$4, updated_at=NOW()
		WHERE id=$5 AND status=$6`,
		string(StatusDeferred), until.UTC(), bump, lastError, id, string(StatusPublishing))
	if err != nil {
		return fmt.Errorf("defer: %w", err)
	}
	return s.casOutcome(ctx, res, id)
}

// Fail terminally fails a publishing post. The last error is retained for
// diagnosis; the item is never picked up again without an explicit requeue.
func (s *Store) Fail(ctx context.Context, id, lastError string, countAttempt bool) error {
	bump := 0
	if countAttempt {
		bump = 1
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE posts SET status=$1, attempts=attempts+$2, last_error=$3, updated_at=NOW()
		WHERE id=$4 AND status=$5`,
		string(StatusFailed), bump, lastError, id, string(StatusPublishing))
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	return s.casOutcome(ctx, res, id)
}

// Cancel withdraws a post that has not started publishing. A post currently
// publishing (or already terminal) is not cancellable and yields ErrConflict.
func (s *Store) Cancel(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE posts SET status=$1, updated_at=NOW()
		WHERE id=$2 AND status IN ($3,$4)`,
		string(StatusCancelled), id, string(StatusScheduled), string(StatusDeferred))
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return s.casOutcome(ctx, res, id)
}

// Requeue re-arms a terminally failed post as an explicit operator action,
// resetting the attempt counter.
func (s *Store) Requeue(ctx context.Context, id string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE posts SET status=$1, scheduled_at=$2, attempts=0, last_error=NULL, updated_at=NOW()
		WHERE id=$3 AND status=$4`,
		string(StatusScheduled), at.UTC(), id, string(StatusFailed))
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return s.casOutcome(ctx, res, id)
}

// ListPending returns non-terminal posts, optionally filtered by destination,
// soonest dispatch first.
func (s *Store) ListPending(ctx context.Context, destination string, limit, offset int) ([]Item, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT ` + itemColumns + ` FROM posts
		WHERE status IN ($1,$2,$3,$4,$5)`
	args := []any{string(StatusDraft), string(StatusApproved), string(StatusScheduled), string(StatusPublishing), string(StatusDeferred)}
	if destination != "" {
		q += ` AND destination=$6`
		args = append(args, destination)
	}
	q += fmt.Sprintf(` ORDER BY COALESCE(scheduled_at, to_timestamp(0)) ASC, id ASC LIMIT %d OFFSET %d`, limit, offset)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// CountPending reports how many posts still await dispatch (queue depth).
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM posts WHERE status IN ($1,$2)`,
		string(StatusScheduled), string(StatusDeferred)).Scan(&n)
	return n, err
}

// casOutcome turns a zero-row conditional update into ErrNotFound or
// ErrConflict depending on whether the row exists at all.
func (s *Store) casOutcome(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.DB.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE id=$1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (Item, error) {
	var (
		item        Item
		media       []byte
		visibility  string
		status      string
		lastAttempt sql.NullTime
	)
	if err := r.Scan(&item.ID, &item.Body, &item.AuthorRef, &visibility, &media,
		&item.Destination, &item.ScheduledAt, &status, &item.Attempts,
		&lastAttempt, &item.LastError, &item.PublishedRef, &item.DedupeKey, &item.CreatedAt); err != nil {
		return Item{}, err
	}
	item.Visibility = Visibility(visibility)
	item.Status = Status(status)
	if lastAttempt.Valid {
		t := lastAttempt.Time
		item.LastAttempt = &t
	}
	if len(media) > 0 {
		if err := json.Unmarshal(media, &item.MediaRefs); err != nil {
			return Item{}, fmt.Errorf("decode media refs: %w", err)
		}
	}
	if item.MediaRefs == nil {
		item.MediaRefs = []string{}
	}
	return item, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	items := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
