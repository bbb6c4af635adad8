package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/todosync/internal/service"
)

// GroupHandler handles group operations.
type GroupHandler struct {
	svc *service.Service
}

// NewGroupHandler creates a new GroupHandler.
func NewGroupHandler(svc *service.Service) *GroupHandler {
	return &GroupHandler{svc: svc}
}

// Routes mounts the group endpoints.
func (h *GroupHandler) Routes(r chi.Router) {
	r.Get("/", h.ListGroups)
	r.Post("/", h.CreateGroup)
	r.Patch("/{id}", h.RenameGroup)
	r.Delete("/{id}", h.DeleteGroup)
}

type groupRequest struct {
	Name string `json:"name"`
}

// ListGroups handles GET /groups
func (h *GroupHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.svc.ListGroups(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

// CreateGroup handles POST /groups
func (h *GroupHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	g, err := h.svc.AddGroup(r.Context(), req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// RenameGroup handles PATCH /groups/{id}
func (h *GroupHandler) RenameGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	g, err := h.svc.RenameGroup(r.Context(), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// DeleteGroup handles DELETE /groups/{id}
func (h *GroupHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteGroup(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
