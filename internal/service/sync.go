package service

import (
	"context"
	"time"

	"github.com/kimhsiao/todosync/internal/logging"
	"github.com/kimhsiao/todosync/internal/models"
	syncpkg "github.com/kimhsiao/todosync/internal/sync"
	"github.com/kimhsiao/todosync/internal/sync/remote"
)

// SyncNow runs a reconciliation pass for the current user and waits for it.
// Concurrent callers for the same user share one pass. When the backend is
// known to be offline the pass is skipped and no error is returned.
func (s *Service) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	userID, err := s.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if !s.observer.IsReachable() {
		now := time.Now()
		return &syncpkg.SyncResult{UserID: userID, StartTime: now, EndTime: now, Skipped: true}, nil
	}

	v, err, shared := s.passes.Do(userID, func() (interface{}, error) {
		return s.engine.Sync(ctx, userID)
	})
	if shared {
		logging.Debug("Joined running sync pass", map[string]interface{}{"user_id": userID})
	}
	result, _ := v.(*syncpkg.SyncResult)
	return result, err
}

// SyncStatus describes reconciliation state for the local API.
type SyncStatus struct {
	Status       syncpkg.SyncStatus `json:"status"`
	Reachability string             `json:"reachability"`
	LastSync     *time.Time         `json:"last_sync,omitempty"`
	Pending      int                `json:"pending"`
	LastError    string             `json:"last_error,omitempty"`
}

// SyncStatus reports the engine state and the current user's queue depth.
func (s *Service) SyncStatus(ctx context.Context) (*SyncStatus, error) {
	status := &SyncStatus{
		Status:       s.engine.Status(),
		Reachability: s.observer.State().String(),
		LastSync:     s.engine.LastSync(),
	}
	if err := s.engine.LastError(); err != nil {
		status.LastError = err.Error()
	}
	if userID, ok := s.userID(ctx); ok {
		n, err := s.store.PendingCount(ctx, userID)
		if err != nil {
			return nil, err
		}
		status.Pending = n
	}
	return status, nil
}

// WatchRemote subscribes to backend change notifications on both tables.
// Each change for a known user requests a pass for that user and tells
// listeners.
// The returned func stops watching.
func (s *Service) WatchRemote(ctx context.Context) (func(), error) {
	if s.remote == nil {
		return func() {}, nil
	}

	var subs []remote.Subscription
	stop := func() {
		for _, sub := range subs {
			sub.Close()
		}
	}

	for _, table := range []models.TableName{models.TableTodos, models.TableGroups} {
		sub, err := s.remote.Subscribe(ctx, table, s.onRemoteChange)
		if err != nil {
			stop()
			return nil, err
		}
		subs = append(subs, sub)
	}

	logging.Info("Watching remote changes", nil)
	return stop, nil
}

func (s *Service) onRemoteChange(e remote.ChangeEvent) {
	userID := e.UserID
	if userID == "" {
		current, ok := s.identity.CurrentUserID()
		if !ok {
			return
		}
		userID = current
	}
	if !s.knows(userID) {
		return
	}

	kind := TodosChanged
	if e.Table == models.TableGroups {
		kind = GroupsChanged
	}
	logging.Debug("Remote change received", map[string]interface{}{
		"table": string(e.Table),
		"type":  string(e.Type),
		"id":    e.RecordID,
	})

	s.mu.RLock()
	sched := s.scheduler
	s.mu.RUnlock()
	if sched != nil {
		sched.TriggerUser(userID)
	}
	s.notify(Change{Kind: kind, UserID: userID, Data: e})
}
