package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/service"
	"github.com/kimhsiao/todosync/internal/sync/scheduler"
)

// SchedulerStatus is implemented by *scheduler.Scheduler.
type SchedulerStatus interface {
	GetStatus() scheduler.SchedulerStatus
}

// SyncHandler handles sync operations.
type SyncHandler struct {
	svc       *service.Service
	scheduler SchedulerStatus
}

// NewSyncHandler creates a new SyncHandler. sched may be nil.
func NewSyncHandler(svc *service.Service, sched SchedulerStatus) *SyncHandler {
	return &SyncHandler{svc: svc, scheduler: sched}
}

// Routes mounts the sync endpoints.
func (h *SyncHandler) Routes(r chi.Router) {
	r.Post("/", h.TriggerSync)
	r.Get("/status", h.GetStatus)
	r.Get("/conflicts", h.ListConflicts)
}

// TriggerSync handles POST /sync and waits for the pass to finish.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.SyncNow(r.Context())
	if err != nil && result == nil {
		writeError(w, r, err)
		return
	}
	if err != nil {
		// the pass ran but hit a local error; report both
		writeJSON(w, statusFor(errors.CodeOf(err)), map[string]interface{}{
			"result": result,
			"error":  map[string]string{"code": string(errors.CodeOf(err)), "message": err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetStatus handles GET /sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.SyncStatus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	body := map[string]interface{}{"sync": status}
	if h.scheduler != nil {
		body["scheduler"] = h.scheduler.GetStatus()
	}
	writeJSON(w, http.StatusOK, body)
}

// ListConflicts handles GET /sync/conflicts?limit=N
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, errors.New(errors.ErrInvalid, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	logs, err := h.svc.ConflictLogs(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
