// Package post implements the content scheduling core: the durable post
// queue, the dispatch loop that publishes due items through destination
// adapters, the retry policy, and the per-destination rate limit ledger.
package post

import "time"

// Status is the lifecycle state of a post. Transitions are enforced with
// conditional updates so concurrent workers cannot move an item twice.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusApproved   Status = "approved"
	StatusScheduled  Status = "scheduled"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusDeferred   Status = "deferred"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusFailed || s == StatusCancelled
}

// Visibility is the audience scope a destination should apply. Destinations
// interpret it; the core only carries it.
type Visibility string

const (
	VisibilityPublic      Visibility = "public"
	VisibilityConnections Visibility = "connections"
)

// Item is one unit of publishable work.
type Item struct {
	ID          string     `json:"id"`
	Body        string     `json:"body"`
	AuthorRef   string     `json:"author_ref"`
	Visibility  Visibility `json:"visibility"`
	MediaRefs   []string   `json:"media_refs"`
	Destination string     `json:"destination"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastAttempt *time.Time `json:"last_attempt_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	// PublishedRef is the destination-assigned identifier, set only when
	// Status is published.
	PublishedRef string `json:"published_ref,omitempty"`
	// DedupeKey is generated at creation and sent to destinations as a
	// client request token so a retried publish can be deduplicated.
	DedupeKey string    `json:"dedupe_key"`
	CreatedAt time.Time `json:"created_at"`
}
