package server

import (
	"net/http"
	"strconv"
)

const maxListLimit = 200

// listParams extracts limit/offset pagination from the query string.
// Out-of-range values are clamped rather than rejected.
func listParams(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			limit = i
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if v := q.Get("offset"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			offset = i
		}
	}
	return limit, offset
}
