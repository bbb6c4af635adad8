package conflict

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/todosync/internal/models"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func todoAt(title string, updated time.Time) *models.Todo {
	return &models.Todo{
		ID:        "t1",
		UserID:    "u1",
		Title:     title,
		Priority:  models.PriorityMedium,
		CreatedAt: base,
		UpdatedAt: updated,
	}
}

func resolve(t *testing.T, r *Resolver, local, remote *models.Todo) *ResolveResult {
	t.Helper()
	c, err := NewConflict(local, remote)
	require.NoError(t, err)
	result, err := r.Resolve(c)
	require.NoError(t, err)
	return result
}

func TestResolve_localNewerWins(t *testing.T) {
	r := NewResolver(ResolutionStrategyLastWriteWins)
	local := todoAt("local", base.Add(time.Minute))
	remote := todoAt("remote", base)

	result := resolve(t, r, local, remote)
	assert.False(t, result.RemoteWins)
	assert.Same(t, local, result.Winner)
	require.NotNil(t, result.ConflictLog)
	assert.Equal(t, models.ResolutionLocalWins, result.ConflictLog.Resolution)
	assert.Equal(t, models.UUID("t1"), result.ConflictLog.RecordID)
	assert.Equal(t, "u1", result.ConflictLog.UserID)
}

func TestResolve_remoteNewerWins(t *testing.T) {
	r := NewResolver(ResolutionStrategyLastWriteWins)
	result := resolve(t, r, todoAt("local", base), todoAt("remote", base.Add(time.Second)))
	assert.True(t, result.RemoteWins)
	require.NotNil(t, result.ConflictLog)
	assert.Equal(t, models.ResolutionRemoteWins, result.ConflictLog.Resolution)
}

func TestResolve_tieGoesToRemote(t *testing.T) {
	r := NewResolver(ResolutionStrategyLastWriteWins)
	result := resolve(t, r, todoAt("local", base), todoAt("remote", base))
	assert.True(t, result.RemoteWins)
}

func TestResolve_fallsBackToCreatedAt(t *testing.T) {
	r := NewResolver(ResolutionStrategyLastWriteWins)
	// remote never updated: its modification time is created_at, older than local
	remote := todoAt("remote", time.Time{})
	local := todoAt("local", base.Add(time.Hour))

	result := resolve(t, r, local, remote)
	assert.False(t, result.RemoteWins)
	assert.True(t, base.Equal(result.ConflictLog.RemoteUpdatedAt))
}

func TestResolve_identicalContentNotLogged(t *testing.T) {
	r := NewResolver(ResolutionStrategyLastWriteWins)
	result := resolve(t, r, todoAt("same", base), todoAt("same", base.Add(time.Second)))
	assert.True(t, result.RemoteWins)
	assert.Nil(t, result.ConflictLog)
}

func TestResolve_remoteWinsStrategy(t *testing.T) {
	r := NewResolver(ResolutionStrategyRemoteWins)
	result := resolve(t, r, todoAt("local", base.Add(time.Hour)), todoAt("remote", base))
	assert.True(t, result.RemoteWins)
}

func TestResolve_invalid(t *testing.T) {
	r := NewResolver(ResolutionStrategyLastWriteWins)

	_, err := NewConflict(nil, todoAt("x", base))
	assert.True(t, errors.Is(err, ErrInvalidConflict))

	other := todoAt("x", base)
	other.ID = "t2"
	_, err = NewConflict(todoAt("x", base), other)
	assert.True(t, IsConflictError(err))

	_, err = r.Resolve(&Conflict{})
	assert.Equal(t, ErrInvalidConflict, err)
}

func TestResolve_comparesAtMicrosecondPrecision(t *testing.T) {
	r := NewResolver(ResolutionStrategyLastWriteWins)
	local := todoAt("same", base.Add(123456789*time.Nanosecond))
	remote := todoAt("same", base.Add(123456*time.Microsecond))

	result := resolve(t, r, local, remote)
	assert.True(t, result.RemoteWins, "a microsecond-truncated copy of the same stamp is a tie")
	assert.Nil(t, result.ConflictLog)

	remote.UpdatedAt = base.Add(123455 * time.Microsecond)
	assert.False(t, resolve(t, r, local, remote).RemoteWins)
}
