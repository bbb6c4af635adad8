package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/todosync/internal/db"
	"github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/models"
	"github.com/kimhsiao/todosync/internal/service"
)

// TodoHandler handles todo operations.
type TodoHandler struct {
	svc           *service.Service
	remoteTimeout time.Duration
}

// NewTodoHandler creates a new TodoHandler.
func NewTodoHandler(svc *service.Service, remoteTimeout time.Duration) *TodoHandler {
	return &TodoHandler{svc: svc, remoteTimeout: remoteTimeout}
}

// Routes mounts the todo endpoints.
func (h *TodoHandler) Routes(r chi.Router) {
	r.Get("/", h.ListTodos)
	r.Post("/", h.CreateTodo)
	r.Get("/{id}", h.GetTodo)
	r.Patch("/{id}", h.UpdateTodo)
	r.Post("/{id}/toggle", h.ToggleTodo)
	r.Delete("/{id}", h.DeleteTodo)
}

func filterFrom(r *http.Request) (db.TodoFilter, error) {
	status, err := db.ParseTodoStatus(r.URL.Query().Get("status"))
	if err != nil {
		return db.TodoFilter{}, err
	}
	return db.TodoFilter{GroupID: r.URL.Query().Get("group_id"), Status: status}, nil
}

// ListTodos handles GET /todos. With ?source=remote the backend is read
// directly when reachable.
func (h *TodoHandler) ListTodos(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("source") == "remote" {
		todos, fromRemote, err := h.svc.FetchTodos(r.Context(), filter, h.remoteTimeout)
		if err != nil {
			writeError(w, r, err)
			return
		}
		source := "local"
		if fromRemote {
			source = "remote"
		}
		w.Header().Set("X-Todosync-Source", source)
		writeJSON(w, http.StatusOK, todos)
		return
	}

	todos, err := h.svc.ListTodos(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, todos)
}

type createTodoRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	DueDate     string `json:"due_date"`
	GroupID     string `json:"group_id"`
}

// CreateTodo handles POST /todos
func (h *TodoHandler) CreateTodo(w http.ResponseWriter, r *http.Request) {
	var req createTodoRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, r, errors.Wrap(errors.ErrValidation, "invalid priority", err))
		return
	}
	in := db.NewTodo{
		Title:       req.Title,
		Description: req.Description,
		Priority:    priority,
		GroupID:     strings.TrimSpace(req.GroupID),
	}
	if req.DueDate != "" {
		due, err := models.ParseDate(req.DueDate)
		if err != nil {
			writeError(w, r, errors.Wrap(errors.ErrValidation, "invalid due_date", err))
			return
		}
		in.DueDate = &due
	}

	todo, err := h.svc.AddTodo(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, todo)
}

// GetTodo handles GET /todos/{id}
func (h *TodoHandler) GetTodo(w http.ResponseWriter, r *http.Request) {
	todo, err := h.svc.GetTodo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, todo)
}

// updateTodoRequest carries an edit. Absent fields are left alone; an empty
// due_date or group_id clears it.
type updateTodoRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Priority    *string `json:"priority"`
	DueDate     *string `json:"due_date"`
	GroupID     *string `json:"group_id"`
}

func (req updateTodoRequest) changes() (db.TodoChanges, error) {
	c := db.TodoChanges{Title: req.Title, Description: req.Description}
	if req.Priority != nil {
		p, err := models.ParsePriority(*req.Priority)
		if err != nil {
			return c, errors.Wrap(errors.ErrValidation, "invalid priority", err)
		}
		c.Priority = &p
	}
	if req.DueDate != nil {
		if *req.DueDate == "" {
			c.ClearDueDate = true
		} else {
			due, err := models.ParseDate(*req.DueDate)
			if err != nil {
				return c, errors.Wrap(errors.ErrValidation, "invalid due_date", err)
			}
			c.DueDate = &due
		}
	}
	if req.GroupID != nil {
		if *req.GroupID == "" {
			c.ClearGroup = true
		} else {
			c.GroupID = req.GroupID
		}
	}
	return c, nil
}

// UpdateTodo handles PATCH /todos/{id}
func (h *TodoHandler) UpdateTodo(w http.ResponseWriter, r *http.Request) {
	var req updateTodoRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	changes, err := req.changes()
	if err != nil {
		writeError(w, r, err)
		return
	}

	todo, err := h.svc.EditTodo(r.Context(), chi.URLParam(r, "id"), changes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, todo)
}

// ToggleTodo handles POST /todos/{id}/toggle
func (h *TodoHandler) ToggleTodo(w http.ResponseWriter, r *http.Request) {
	todo, err := h.svc.ToggleTodo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, todo)
}

// DeleteTodo handles DELETE /todos/{id}
func (h *TodoHandler) DeleteTodo(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteTodo(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
