package handlers

import (
	"net/http"

	"github.com/kimhsiao/todosync/internal/network"
)

// Health handles GET /health. The process is healthy while it can serve from
// the local store; backend reachability is reported, not required.
func Health(observer *network.Observer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":       "ok",
			"reachability": observer.State().String(),
		})
	}
}
