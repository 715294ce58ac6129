package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"dispatcher", func() error {
			var last string
			err := h.db.QueryRowContext(r.Context(),
				"SELECT value FROM kv WHERE key='job_dispatch_last'").Scan(&last)
			if err != nil {
				// No heartbeat yet is fine right after startup.
				return nil //nolint:nilerr
			}
			ts, perr := time.Parse(time.RFC3339, last)
			if perr != nil {
				return fmt.Errorf("malformed dispatch heartbeat %q", last)
			}
			stale := 3 * h.cfg.PollInterval
			if stale < time.Minute {
				stale = time.Minute
			}
			if time.Since(ts) > stale {
				return fmt.Errorf("dispatch heartbeat stale since %s", ts.Format(time.RFC3339))
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			// Set headers before writing status code
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns an operational summary: job heartbeats and queue depth.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	stats := map[string]any{}
	for _, k := range []string{"job_dispatch_last", "job_rate_window_prune_last", "job_token_refresh_last"} {
		var val string
		row := h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, k)
		_ = row.Scan(&val)
		if val != "" {
			stats[k] = val
		}
	}
	if depth, err := h.store.CountPending(ctx); err == nil {
		stats["queue_depth"] = depth
	}
	var byStatus = map[string]int{}
	rows, err := h.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM posts GROUP BY status`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err == nil {
				byStatus[status] = n
			}
		}
		stats["posts_by_status"] = byStatus
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
