// Package service is the surface the UI and the local API call. Writes land
// in the local store first; reconciliation with the backend happens later.
package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/todosync/internal/auth"
	"github.com/kimhsiao/todosync/internal/db"
	apperrors "github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/logging"
	"github.com/kimhsiao/todosync/internal/models"
	"github.com/kimhsiao/todosync/internal/network"
	syncpkg "github.com/kimhsiao/todosync/internal/sync"
	"github.com/kimhsiao/todosync/internal/sync/remote"
)

// ChangeKind names a notification sent to listeners.
type ChangeKind string

const (
	TodosChanged  ChangeKind = "todos.changed"
	GroupsChanged ChangeKind = "groups.changed"
	SyncStarted   ChangeKind = "sync.started"
	SyncCompleted ChangeKind = "sync.completed"
	SyncFailed    ChangeKind = "sync.failed"
)

// Change tells listeners that something they display may be stale.
type Change struct {
	Kind   ChangeKind `json:"type"`
	UserID string     `json:"user_id"`
	Data   any        `json:"data,omitempty"`
}

// Listener receives changes. It must not block.
type Listener func(Change)

// Trigger asks for a reconciliation pass for userID soon.
// *scheduler.Scheduler implements it.
type Trigger interface {
	TriggerUser(userID string) bool
}

// Options wires a Service. Store, Engine and Identity are required.
type Options struct {
	Store     db.Store
	Remote    remote.Accessor
	Engine    syncpkg.SyncEngineInterface
	Identity  auth.Identity
	Observer  *network.Observer
	Scheduler Trigger
}

type Service struct {
	store     db.Store
	remote    remote.Accessor
	engine    syncpkg.SyncEngineInterface
	identity  auth.Identity
	observer  *network.Observer
	scheduler Trigger

	passes singleflight.Group

	mu        sync.RWMutex
	users     map[string]struct{}
	listeners map[int]Listener
	nextID    int
}

// New creates a Service and routes engine events to its listeners.
func New(opts Options) *Service {
	observer := opts.Observer
	if observer == nil {
		observer = network.NewObserver()
	}
	identity := opts.Identity
	if identity == nil {
		identity = auth.NewStatic("")
	}
	s := &Service{
		store:     opts.Store,
		remote:    opts.Remote,
		engine:    opts.Engine,
		identity:  identity,
		observer:  observer,
		scheduler: opts.Scheduler,
		users:     make(map[string]struct{}),
		listeners: make(map[int]Listener),
	}
	if s.engine != nil {
		s.engine.SetEventHandler(s.onSyncEvent)
	}
	return s
}

// SetScheduler attaches the scheduler after construction; the scheduler
// itself needs the engine, so the two are built in sequence.
func (s *Service) SetScheduler(t Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler = t
}

// Observer returns the reachability observer the service consults.
func (s *Service) Observer() *network.Observer {
	return s.observer
}

// userID prefers a user carried on ctx, falling back to the configured
// identity.
func (s *Service) userID(ctx context.Context) (string, bool) {
	if id, ok := auth.UserIDFromContext(ctx); ok {
		s.mu.Lock()
		s.users[id] = struct{}{}
		s.mu.Unlock()
		return id, true
	}
	return s.identity.CurrentUserID()
}

// knows reports whether userID is the configured user or has used the
// service through a request context.
func (s *Service) knows(userID string) bool {
	if current, ok := s.identity.CurrentUserID(); ok && current == userID {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok
}

func (s *Service) requireUser(ctx context.Context) (string, error) {
	id, ok := s.userID(ctx)
	if !ok {
		return "", apperrors.New(apperrors.ErrNotAuthenticated, "no signed-in user")
	}
	return id, nil
}

// =====================================================
// Listeners
// =====================================================

// Subscribe registers fn and returns a func that removes it.
func (s *Service) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Service) notify(c Change) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, len(ids))
	for i, id := range ids {
		fns[i] = s.listeners[id]
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// afterWrite tells listeners to re-read and nudges the scheduler.
func (s *Service) afterWrite(userID string, kinds ...ChangeKind) {
	for _, k := range kinds {
		s.notify(Change{Kind: k, UserID: userID})
	}

	s.mu.RLock()
	sched := s.scheduler
	s.mu.RUnlock()
	if sched != nil && s.observer.IsReachable() {
		sched.TriggerUser(userID)
	}
}

func (s *Service) onSyncEvent(e syncpkg.SyncEvent) {
	switch e.Type {
	case syncpkg.SyncEventStarted:
		s.notify(Change{Kind: SyncStarted, UserID: e.UserID})
	case syncpkg.SyncEventFailed:
		s.notify(Change{Kind: SyncFailed, UserID: e.UserID, Data: e.Result})
	case syncpkg.SyncEventCompleted:
		if e.Result != nil && e.Result.TodosPulled > 0 {
			s.notify(Change{Kind: TodosChanged, UserID: e.UserID})
		}
		if e.Result != nil && e.Result.GroupsPulled > 0 {
			s.notify(Change{Kind: GroupsChanged, UserID: e.UserID})
		}
		s.notify(Change{Kind: SyncCompleted, UserID: e.UserID, Data: e.Result})
	}
}

// =====================================================
// Reads
// =====================================================

// ListTodos returns the current user's todos from the local store.
func (s *Service) ListTodos(ctx context.Context, filter db.TodoFilter) ([]*models.Todo, error) {
	userID, ok := s.userID(ctx)
	if !ok {
		return []*models.Todo{}, nil
	}
	return s.store.ListTodos(ctx, userID, filter)
}

// GetTodo returns one todo of the current user.
func (s *Service) GetTodo(ctx context.Context, id string) (*models.Todo, error) {
	userID, err := s.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.GetTodo(ctx, userID, id)
}

// ListGroups returns the current user's groups from the local store.
func (s *Service) ListGroups(ctx context.Context) ([]*models.Group, error) {
	userID, ok := s.userID(ctx)
	if !ok {
		return []*models.Group{}, nil
	}
	return s.store.ListGroups(ctx, userID)
}

// FetchTodos reads straight from the backend when it is reachable and falls
// back to the local store when it is not or when the read fails.
func (s *Service) FetchTodos(ctx context.Context, filter db.TodoFilter, timeout time.Duration) ([]*models.Todo, bool, error) {
	userID, ok := s.userID(ctx)
	if !ok {
		return []*models.Todo{}, false, nil
	}
	if s.remote == nil || !s.observer.IsReachable() {
		todos, err := s.store.ListTodos(ctx, userID, filter)
		return todos, false, err
	}
	if timeout <= 0 {
		timeout = syncpkg.DefaultRemoteTimeout
	}

	todos, err := s.fetchRemote(ctx, userID, filter, timeout)
	if err != nil {
		logging.Warn("Remote read failed, using local todos",
			map[string]interface{}{"user_id": userID, "error": err.Error()})
		todos, err = s.store.ListTodos(ctx, userID, filter)
		return todos, false, err
	}
	return todos, true, nil
}

func (s *Service) fetchRemote(ctx context.Context, userID string, filter db.TodoFilter, timeout time.Duration) ([]*models.Todo, error) {
	where := remote.Eq("user_id", userID)
	if filter.GroupID != "" {
		where = where.And("group_id", filter.GroupID)
	}
	switch filter.Status {
	case db.StatusActive:
		where = where.And("is_completed", false)
	case db.StatusCompleted:
		where = where.And("is_completed", true)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rows, err := s.remote.Select(callCtx, models.TableTodos, where, remote.Desc("created_at"))
	if err != nil {
		return nil, err
	}

	todos := make([]*models.Todo, 0, len(rows))
	for _, row := range rows {
		t, err := remote.DecodeTodo(row)
		if err != nil {
			return nil, err
		}
		todos = append(todos, t)
	}
	return todos, nil
}

// ConflictLogs returns the current user's most recent conflict decisions.
func (s *Service) ConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	userID, ok := s.userID(ctx)
	if !ok {
		return []*models.ConflictLog{}, nil
	}
	return s.store.ListConflictLogs(ctx, userID, limit)
}

// =====================================================
// Writes
// =====================================================

// AddTodo creates a todo. Without a group it goes into the user's default
// group, which is created on first use.
func (s *Service) AddTodo(ctx context.Context, in db.NewTodo) (*models.Todo, error) {
	userID, err := s.requireUser(ctx)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(in.Title) == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "title is required")
	}

	kinds := []ChangeKind{TodosChanged}
	if in.GroupID == "" {
		g, err := s.store.EnsureDefaultGroup(ctx, userID)
		if err != nil {
			return nil, err
		}
		in.GroupID = string(g.ID)
		kinds = append(kinds, GroupsChanged)
	}

	todo, err := s.store.AddTodo(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	s.afterWrite(userID, kinds...)
	return todo, nil
}

// ToggleTodo flips a todo's completion.
func (s *Service) ToggleTodo(ctx context.Context, id string) (*models.Todo, error) {
	userID, err := s.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	todo, err := s.store.ToggleTodo(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	s.afterWrite(userID, TodosChanged)
	return todo, nil
}

// EditTodo applies changes to a todo.
func (s *Service) EditTodo(ctx context.Context, id string, changes db.TodoChanges) (*models.Todo, error) {
	userID, err := s.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	todo, err := s.store.EditTodo(ctx, userID, id, changes)
	if err != nil {
		return nil, err
	}
	s.afterWrite(userID, TodosChanged)
	return todo, nil
}

// DeleteTodo removes a todo.
func (s *Service) DeleteTodo(ctx context.Context, id string) error {
	userID, err := s.requireUser(ctx)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTodo(ctx, userID, id); err != nil {
		return err
	}
	s.afterWrite(userID, TodosChanged)
	return nil
}

// AddGroup creates a group.
func (s *Service) AddGroup(ctx context.Context, name string) (*models.Group, error) {
	userID, err := s.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	g, err := s.store.AddGroup(ctx, userID, name)
	if err != nil {
		return nil, err
	}
	s.afterWrite(userID, GroupsChanged)
	return g, nil
}

// RenameGroup renames a group.
func (s *Service) RenameGroup(ctx context.Context, id, name string) (*models.Group, error) {
	userID, err := s.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	g, err := s.store.RenameGroup(ctx, userID, id, name)
	if err != nil {
		return nil, err
	}
	s.afterWrite(userID, GroupsChanged)
	return g, nil
}

// DeleteGroup removes a group. Its todos stay where they are.
func (s *Service) DeleteGroup(ctx context.Context, id string) error {
	userID, err := s.requireUser(ctx)
	if err != nil {
		return err
	}
	if err := s.store.DeleteGroup(ctx, userID, id); err != nil {
		return err
	}
	s.afterWrite(userID, GroupsChanged, TodosChanged)
	return nil
}

// EnsureDefaultGroup returns the user's default group, creating it if needed.
func (s *Service) EnsureDefaultGroup(ctx context.Context) (*models.Group, error) {
	userID, err := s.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.EnsureDefaultGroup(ctx, userID)
}
