package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/haasonsaas/nexus/internal/sessions"
)

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func sessionListOptions(r *http.Request) sessions.ListOptions {
	opts := sessions.ListOptions{Limit: 50}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Offset = n
		}
	}
	return opts
}
