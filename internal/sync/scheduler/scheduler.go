// Package scheduler decides when reconciliation passes run: on reconnect,
// on an interval while the backend is reachable, and on demand.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/todosync/internal/auth"
	"github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/logging"
	"github.com/kimhsiao/todosync/internal/network"
	syncpkg "github.com/kimhsiao/todosync/internal/sync"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       syncpkg.SyncEngineInterface
	identity     auth.Identity
	observer     *network.Observer
	syncInterval time.Duration
	passTimeout  time.Duration

	triggerCh chan struct{}
	stopCh    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu             sync.RWMutex
	users          map[string]struct{}
	isRunning      bool
	lastSyncTime   time.Time
	lastResult     *syncpkg.SyncResult
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // periodic pass while reachable; 0 disables it
	PassTimeout  time.Duration // upper bound for one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 15 * time.Minute,
		PassTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, identity auth.Identity, observer *network.Observer, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	passTimeout := config.PassTimeout
	if passTimeout <= 0 {
		passTimeout = DefaultSchedulerConfig().PassTimeout
	}
	if observer == nil {
		observer = network.NewObserver()
	}

	return &Scheduler{
		engine:       engine,
		identity:     identity,
		observer:     observer,
		syncInterval: config.SyncInterval,
		passTimeout:  passTimeout,
		triggerCh:    make(chan struct{}, 1),
		users:        make(map[string]struct{}),
	}
}

// Start starts the background sync scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	stopCh := s.stopCh
	s.mu.Unlock()

	transitions, unsubscribe := s.observer.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.loop(loopCtx, stopCh, transitions)
	}()

	logging.Info("Background sync scheduler started",
		map[string]interface{}{"interval_seconds": s.syncInterval.Seconds()})
}

// Stop stops the background sync scheduler and waits for a running pass to
// observe cancellation.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}, transitions <-chan network.Transition) {
	var tick <-chan time.Time
	if s.syncInterval > 0 {
		ticker := time.NewTicker(s.syncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if t.To == network.Online && t.From != network.Online {
				s.runSync(ctx, "reconnect")
			}
		case <-tick:
			s.runSync(ctx, "interval")
		case <-s.triggerCh:
			s.runSync(ctx, "trigger")
		}
	}
}

// Trigger asks for a pass as soon as possible. Triggers that arrive while one
// is already pending are merged. Returns false when the scheduler is stopped.
func (s *Scheduler) Trigger() bool {
	if !s.IsRunning() {
		return false
	}
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
	return true
}

// TriggerUser adds userID to the users the scheduler syncs and asks for a
// pass. Users signed in through a bearer token are only known this way.
func (s *Scheduler) TriggerUser(userID string) bool {
	if userID == "" {
		return s.Trigger()
	}
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return false
	}
	s.users[userID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
	return true
}

// targets returns the configured user followed by every user handed to
// TriggerUser, without duplicates.
func (s *Scheduler) targets() []string {
	var out []string
	current, ok := s.identity.CurrentUserID()
	if ok {
		out = append(out, current)
	}

	s.mu.RLock()
	others := make([]string, 0, len(s.users))
	for id := range s.users {
		if !ok || id != current {
			others = append(others, id)
		}
	}
	s.mu.RUnlock()

	sort.Strings(others)
	return append(out, others...)
}

// runSync executes one pass for each known user.
func (s *Scheduler) runSync(ctx context.Context, reason string) {
	if !s.observer.IsReachable() {
		logging.Debug("Skipping sync - backend unreachable", map[string]interface{}{"reason": reason})
		return
	}
	users := s.targets()
	if len(users) == 0 {
		logging.Debug("Skipping sync - no signed-in user", map[string]interface{}{"reason": reason})
		return
	}
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		s.runPass(ctx, userID, reason)
	}
}

func (s *Scheduler) runPass(ctx context.Context, userID, reason string) {
	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx, userID)
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrSyncInProgress):
			logging.Debug("Sync already in progress, skipping", map[string]interface{}{"reason": reason, "user_id": userID})
		case ctx.Err() != nil:
			logging.Debug("Sync interrupted by shutdown", map[string]interface{}{"reason": reason})
		default:
			logging.ErrorWithCode("Scheduled sync failed", string(errors.ErrSyncFailed), err,
				map[string]interface{}{"reason": reason, "user_id": userID})
		}
		return
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.lastResult = result
	s.mu.Unlock()

	logging.Info("Scheduled sync completed",
		map[string]interface{}{
			"reason":    reason,
			"user_id":   userID,
			"pushed":    result.Pushed,
			"applied":   result.Applied,
			"pulled":    result.TodosPulled + result.GroupsPulled,
			"conflicts": result.Conflicts,
			"remaining": result.Remaining,
		})
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool                `json:"is_running"`
	Reachability   string              `json:"reachability"`
	LastSyncTime   *time.Time          `json:"last_sync_time,omitempty"`
	SyncInProgress bool                `json:"sync_in_progress"`
	PendingItems   int                 `json:"pending_items"`
	LastResult     *syncpkg.SyncResult `json:"last_result,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		Reachability:   s.observer.State().String(),
		SyncInProgress: s.syncInProgress,
		PendingItems:   s.engine.PendingChanges(),
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		last := s.lastSyncTime
		status.LastSyncTime = &last
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
