package scheduler

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/todosync/internal/auth"
	apperrors "github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/network"
	syncpkg "github.com/kimhsiao/todosync/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeEngine records the users it was asked to sync.
type fakeEngine struct {
	mu      gosync.Mutex
	users   []string
	err     error
	block   chan struct{}
	pending int
}

func (e *fakeEngine) Sync(ctx context.Context, userID string) (*syncpkg.SyncResult, error) {
	e.mu.Lock()
	e.users = append(e.users, userID)
	block, err := e.block, e.err
	e.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &syncpkg.SyncResult{UserID: userID, Applied: 1}, nil
}

func (e *fakeEngine) SetEventHandler(syncpkg.SyncEventHandler) {}
func (e *fakeEngine) Status() syncpkg.SyncStatus                { return syncpkg.SyncStatusIdle }
func (e *fakeEngine) LastSync() *time.Time                      { return nil }
func (e *fakeEngine) LastError() error                          { return nil }

func (e *fakeEngine) PendingChanges() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

func (e *fakeEngine) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.users...)
}

func newTestScheduler(t *testing.T, interval time.Duration) (*fakeEngine, *network.Observer, *auth.Static, *Scheduler) {
	t.Helper()
	engine := &fakeEngine{}
	observer := network.NewObserver()
	identity := auth.NewStatic("u1")
	s := NewScheduler(engine, identity, observer, &SchedulerConfig{SyncInterval: interval})
	t.Cleanup(s.Stop)
	return engine, observer, identity, s
}

// =====================================================
// Construction
// =====================================================

func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	assert.Equal(t, 15*time.Minute, config.SyncInterval)
	assert.Equal(t, 5*time.Minute, config.PassTimeout)
}

func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, auth.NewStatic(""), nil, nil)
	assert.Equal(t, 15*time.Minute, s.syncInterval)
	assert.Equal(t, 5*time.Minute, s.passTimeout)
	assert.NotNil(t, s.observer)
	assert.False(t, s.IsRunning())
}

// =====================================================
// Start/Stop
// =====================================================

func TestScheduler_StartStop_idempotent(t *testing.T) {
	_, _, _, s := newTestScheduler(t, 0)

	s.Stop() // without Start
	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.IsRunning())

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())

	// restart after stop
	s.Start(context.Background())
	assert.True(t, s.IsRunning())
}

func TestScheduler_Trigger_notRunning(t *testing.T) {
	engine, _, _, s := newTestScheduler(t, 0)
	assert.False(t, s.Trigger())
	assert.Empty(t, engine.calls())
}

// =====================================================
// Triggers
// =====================================================

func TestScheduler_Trigger_runsPassForCurrentUser(t *testing.T) {
	engine, _, _, s := newTestScheduler(t, 0)
	s.Start(context.Background())

	require.True(t, s.Trigger())
	require.Eventually(t, func() bool { return len(engine.calls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"u1"}, engine.calls())

	require.Eventually(t, func() bool { return s.GetStatus().LastSyncTime != nil }, time.Second, time.Millisecond)
	status := s.GetStatus()
	require.NotNil(t, status.LastResult)
	assert.Equal(t, 1, status.LastResult.Applied)
}

func TestScheduler_skipsWhenOffline(t *testing.T) {
	engine, observer, _, s := newTestScheduler(t, 0)
	observer.Set(network.Offline)
	s.Start(context.Background())

	s.Trigger()
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, engine.calls())
}

func TestScheduler_skipsWithoutUser(t *testing.T) {
	engine, _, identity, s := newTestScheduler(t, 0)
	identity.SetUserID("")
	s.Start(context.Background())

	s.Trigger()
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, engine.calls())
}

func TestScheduler_TriggerUser_syncsTokenUsers(t *testing.T) {
	engine, observer, identity, s := newTestScheduler(t, 0)
	identity.SetUserID("")
	assert.False(t, s.TriggerUser("u2"), "stopped scheduler")

	s.Start(context.Background())
	require.True(t, s.TriggerUser("u2"))
	require.Eventually(t, func() bool { return len(engine.calls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"u2"}, engine.calls())

	// the user stays known for later reconnects
	observer.Set(network.Offline)
	observer.Set(network.Online)
	require.Eventually(t, func() bool { return len(engine.calls()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"u2", "u2"}, engine.calls())
}

func TestScheduler_TriggerUser_configuredUserFirst(t *testing.T) {
	engine, _, _, s := newTestScheduler(t, 0)
	s.Start(context.Background())

	require.True(t, s.TriggerUser("u2"))
	require.Eventually(t, func() bool { return len(engine.calls()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"u1", "u2"}, engine.calls())

	require.True(t, s.TriggerUser("u1"))
	require.Eventually(t, func() bool { return len(engine.calls()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"u1", "u2", "u1", "u2"}, engine.calls())
}

func TestScheduler_reconnectTriggersPass(t *testing.T) {
	engine, observer, _, s := newTestScheduler(t, 0)
	observer.Set(network.Offline)
	s.Start(context.Background())

	observer.Update(true, true)
	require.Eventually(t, func() bool { return len(engine.calls()) == 1 }, time.Second, time.Millisecond)

	// going offline does not start a pass
	observer.Update(false, false)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, engine.calls(), 1)
}

func TestScheduler_periodicWhileReachable(t *testing.T) {
	engine, observer, _, s := newTestScheduler(t, 10*time.Millisecond)
	observer.Set(network.Online)
	s.Start(context.Background())

	require.Eventually(t, func() bool { return len(engine.calls()) >= 2 }, time.Second, time.Millisecond)

	observer.Set(network.Offline)
	time.Sleep(20 * time.Millisecond)
	n := len(engine.calls())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(engine.calls()))
}

func TestScheduler_failedPassKeepsLastSync(t *testing.T) {
	engine, _, _, s := newTestScheduler(t, 0)
	engine.err = apperrors.New(apperrors.ErrDatabase, "disk full")
	s.Start(context.Background())

	s.Trigger()
	require.Eventually(t, func() bool { return len(engine.calls()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Nil(t, s.GetStatus().LastSyncTime)
}

func TestScheduler_StopCancelsRunningPass(t *testing.T) {
	engine, _, _, s := newTestScheduler(t, 0)
	engine.block = make(chan struct{})
	s.Start(context.Background())

	s.Trigger()
	require.Eventually(t, func() bool { return s.GetStatus().SyncInProgress }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the running pass")
	}
	assert.False(t, s.GetStatus().SyncInProgress)
}

func TestScheduler_GetStatus(t *testing.T) {
	engine, observer, _, s := newTestScheduler(t, 0)
	engine.pending = 3

	status := s.GetStatus()
	assert.False(t, status.IsRunning)
	assert.Equal(t, "unknown", status.Reachability)
	assert.Equal(t, 3, status.PendingItems)
	assert.Nil(t, status.LastSyncTime)

	observer.Set(network.Offline)
	assert.Equal(t, "offline", s.GetStatus().Reachability)
}
