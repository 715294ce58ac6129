package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/crosspost/backend/telemetry"
)

// Adapter publishes one formatted post to a destination. Implementations
// must classify every failure as RateLimitError, TransientError or
// PermanentError before returning; the dispatch loop never inspects raw
// transport errors.
type Adapter interface {
	Destination() string
	Publish(ctx context.Context, item Item) (publishedRef string, err error)
}

// Scheduler owns every status transition between scheduled and a terminal
// state. One cooperative poll loop is the baseline; additional instances may
// run against the same database because Claim is a compare-and-swap.
type Scheduler struct {
	Store        *Store
	Adapters     map[string]Adapter
	Policy       Policy
	PollInterval time.Duration
}

// Start runs the dispatch loop until ctx is cancelled. The first pass runs
// immediately so a restart does not wait a full interval to resume work.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.PollInterval
	if v := os.Getenv("DISPATCH_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	slog.Info("dispatch job starting", slog.Duration("interval", interval), slog.String("component", "dispatch"))
	if err := s.dispatchOnce(ctx); err != nil {
		slog.Warn("dispatch once", slog.Any("err", err), slog.String("component", "dispatch"))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatch job stopped", slog.String("component", "dispatch"))
			return
		case <-ticker.C:
			if err := s.dispatchOnce(ctx); err != nil {
				slog.Warn("dispatch once", slog.Any("err", err), slog.String("component", "dispatch"))
			}
		}
	}
}

// dispatchOnce performs one poll pass: re-arm elapsed deferrals, fetch due
// posts, and dispatch each in turn. Items are processed independently; a
// failure on one never blocks the rest of the batch.
func (s *Scheduler) dispatchOnce(ctx context.Context) error {
	s.heartbeat(ctx)
	telemetry.DispatchCycles.Inc()
	now := time.Now().UTC()

	if n, err := s.Store.ReclaimStale(ctx, now.Add(-s.staleClaimAge())); err != nil {
		return fmt.Errorf("reclaim stale: %w", err)
	} else if n > 0 {
		slog.Warn("reclaimed posts orphaned in publishing", slog.Int("count", n), slog.String("component", "dispatch"))
	}

	if n, err := s.Store.RearmDeferred(ctx, now); err != nil {
		return fmt.Errorf("rearm deferred: %w", err)
	} else if n > 0 {
		slog.Debug("re-armed deferred posts", slog.Int("count", n), slog.String("component", "dispatch"))
	}

	if depth, err := s.Store.CountPending(ctx); err == nil {
		telemetry.SetQueueDepth(depth)
	}

	due, err := s.Store.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("list due: %w", err)
	}
	if len(due) == 0 {
		slog.Debug("no posts due for dispatch", slog.String("component", "dispatch"))
		return nil
	}
	for _, item := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.dispatchItem(ctx, item)
	}
	return nil
}

// dispatchItem drives a single post through claim, publish and outcome
// write-back. Each item's steps stay sequential even if callers fan out.
func (s *Scheduler) dispatchItem(ctx context.Context, item Item) {
	logger := slog.Default().With(slog.String("post_id", item.ID), slog.String("destination", item.Destination), slog.String("component", "dispatch"))

	if err := s.Store.Claim(ctx, item.ID); err != nil {
		if err == ErrConflict || err == ErrNotFound {
			// Another worker got there first, or the item was cancelled
			// between the fetch and the claim.
			logger.Debug("claim missed", slog.Any("err", err))
			return
		}
		logger.Warn("claim failed", slog.Any("err", err))
		return
	}

	adapter, ok := s.Adapters[item.Destination]
	if !ok {
		logger.Error("no adapter registered for destination")
		if err := s.Store.Fail(ctx, item.ID, "no adapter for destination "+item.Destination, true); err != nil {
			logger.Warn("fail write-back", slog.Any("err", err))
		}
		telemetry.PublishesFailed.Inc()
		return
	}

	start := time.Now()
	publishedRef, err := adapter.Publish(ctx, item)
	telemetry.PublishDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		if err := s.Store.MarkPublished(ctx, item.ID, publishedRef); err != nil {
			logger.Error("published but write-back failed", slog.Any("err", err), slog.String("published_ref", publishedRef))
			return
		}
		telemetry.PublishesSucceeded.Inc()
		logger.Info("published", slog.String("published_ref", publishedRef), slog.Duration("publish_duration", time.Since(start)))
		return
	}

	s.resolveFailure(ctx, item, err, logger)
}

// resolveFailure writes the outcome of a failed publish back to the store
// according to the error class and the retry policy.
func (s *Scheduler) resolveFailure(ctx context.Context, item Item, pubErr error, logger *slog.Logger) {
	now := time.Now().UTC()
	kind := KindOf(pubErr)

	if kind == KindRateLimit {
		// Backpressure, not a failure: re-arm at the window reset without
		// consuming an attempt. The media path wraps the limiter denial, so
		// unwrap rather than assert.
		retryAfter := s.Policy.Base
		var rl *RateLimitError
		if errors.As(pubErr, &rl) && rl.RetryAfter > 0 {
			retryAfter = rl.RetryAfter
		}
		until := now.Add(retryAfter)
		if err := s.Store.Defer(ctx, item.ID, until, pubErr.Error(), false); err != nil {
			logger.Warn("defer write-back", slog.Any("err", err))
			return
		}
		telemetry.RateLimitDeferrals.Inc()
		logger.Info("deferred on rate limit", slog.Time("until", until))
		return
	}

	attempts := item.Attempts + 1
	decision := s.Policy.Next(attempts, kind)
	if decision.Action == ActionGiveUp {
		if err := s.Store.Fail(ctx, item.ID, pubErr.Error(), true); err != nil {
			logger.Warn("fail write-back", slog.Any("err", err))
			return
		}
		telemetry.PublishesFailed.Inc()
		logger.Error("publish failed permanently", slog.Any("err", pubErr), slog.Int("attempts", attempts), slog.String("error_kind", kind.String()))
		return
	}

	until := now.Add(decision.Delay)
	if err := s.Store.Defer(ctx, item.ID, until, pubErr.Error(), true); err != nil {
		logger.Warn("defer write-back", slog.Any("err", err))
		return
	}
	telemetry.PublishesDeferred.Inc()
	logger.Warn("publish failed, deferred for retry", slog.Any("err", pubErr), slog.Int("attempts", attempts), slog.Time("until", until))
}

// staleClaimAge is how long a post may sit in publishing before it is
// presumed orphaned by a dead worker. Generous relative to the poll interval
// so a slow in-flight publish is never reclaimed out from under a live one.
func (s *Scheduler) staleClaimAge() time.Duration {
	age := 10 * s.PollInterval
	if age < 5*time.Minute {
		age = 5 * time.Minute
	}
	return age
}

// heartbeat records the last dispatch pass in kv for the /status endpoint.
func (s *Scheduler) heartbeat(ctx context.Context) {
	_, _ = s.Store.DB.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at)
		VALUES ('job_dispatch_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
}
