package post

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Window is one call-count ceiling over a fixed interval.
type Window struct {
	Every   time.Duration
	Ceiling int
}

// Grant is the answer to a TryAcquire.
type Grant struct {
	Allowed bool
	// RetryAfter is how long until every currently-full window has reset.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter enforces per-endpoint call ceilings over fixed windows. The window
// counters live in the rate_windows table, so limits hold across restarts
// and across scheduler instances sharing the database. A grant records the
// call in the same transaction that checks the ceilings; there is no
// separate commit step to race against.
type Limiter struct {
	DB *sql.DB
	// Windows maps an endpoint key to its ceilings. An endpoint with no
	// entry is unlimited.
	Windows map[string][]Window

	now func() time.Time // test seam
}

// NewLimiter builds a Limiter over db with per-endpoint window configs.
func NewLimiter(db *sql.DB, windows map[string][]Window) *Limiter {
	return &Limiter{DB: db, Windows: windows, now: time.Now}
}

// TryAcquire asks whether one call against endpointKey may proceed now. When
// every active window has spare capacity the call is recorded immediately
// and the grant is allowed; otherwise nothing is recorded and RetryAfter
// says when the most constrained window opens.
func (l *Limiter) TryAcquire(ctx context.Context, endpointKey string) (Grant, error) {
	windows := l.Windows[endpointKey]
	if len(windows) == 0 {
		return Grant{Allowed: true}, nil
	}
	now := l.now().UTC()

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return Grant{}, fmt.Errorf("begin rate window tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var retryAfter time.Duration
	for _, w := range windows {
		start := now.Truncate(w.Every)
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT count FROM rate_windows WHERE endpoint_key=$1 AND window_seconds=$2 AND window_start=$3 FOR UPDATE`,
			endpointKey, int(w.Every.Seconds()), start).Scan(&count)
		if err != nil && err != sql.ErrNoRows {
			return Grant{}, fmt.Errorf("read rate window: %w", err)
		}
		if count >= w.Ceiling {
			// All full windows must reset before a call can go through.
			if reset := start.Add(w.Every).Sub(now); reset > retryAfter {
				retryAfter = reset
			}
		}
	}
	if retryAfter > 0 {
		return Grant{Allowed: false, RetryAfter: retryAfter}, nil
	}

	for _, w := range windows {
		start := now.Truncate(w.Every)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_windows (endpoint_key, window_seconds, window_start, count, updated_at)
			 VALUES ($1,$2,$3,1,NOW())
			 ON CONFLICT (endpoint_key, window_seconds, window_start)
			 DO UPDATE SET count=rate_windows.count+1, updated_at=NOW()`,
			endpointKey, int(w.Every.Seconds()), start); err != nil {
			return Grant{}, fmt.Errorf("record rate window call: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Grant{}, fmt.Errorf("commit rate window tx: %w", err)
	}
	return Grant{Allowed: true}, nil
}

// StartPruneJob runs a loop deleting rate windows that have closed. Closed
// windows no longer influence grants; pruning only keeps the ledger small.
func StartPruneJob(ctx context.Context, db *sql.DB) {
	interval := 15 * time.Minute
	if s := os.Getenv("RATE_WINDOW_PRUNE_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			interval = d
		}
	}
	logger := slog.Default().With(slog.String("component", "rate_prune"))
	logger.Info("rate window prune job starting", slog.Duration("interval", interval))
	pruneOnce(ctx, db, logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("rate window prune job stopped")
			return
		case <-ticker.C:
			pruneOnce(ctx, db, logger)
		}
	}
}

func pruneOnce(ctx context.Context, db *sql.DB, logger *slog.Logger) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM rate_windows WHERE window_start + make_interval(secs => window_seconds) < NOW()`)
	if err != nil {
		logger.Warn("prune rate windows", slog.Any("err", err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Debug("pruned closed rate windows", slog.Int64("rows", n))
	}
	_, _ = db.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at)
		VALUES ('job_rate_window_prune_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
}
