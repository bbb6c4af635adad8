// Package auth supplies the current user id to the rest of todosync.
package auth

import (
	"context"
	"strings"
	"sync"
)

// Identity reports the signed-in user, if any.
type Identity interface {
	CurrentUserID() (string, bool)
}

// Static is an Identity whose user can be swapped at runtime, e.g. on sign
// in and sign out.
type Static struct {
	mu     sync.RWMutex
	userID string
}

// NewStatic returns a Static identity for userID. An empty id means signed out.
func NewStatic(userID string) *Static {
	return &Static{userID: strings.TrimSpace(userID)}
}

// CurrentUserID returns the user id and whether one is set.
func (s *Static) CurrentUserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.userID != ""
}

// SetUserID replaces the current user. Pass "" to sign out.
func (s *Static) SetUserID(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = strings.TrimSpace(userID)
}

type ctxKey struct{}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserIDFromContext returns the user id stored by WithUserID.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// FromContext returns an Identity for the user stored on ctx.
func FromContext(ctx context.Context) Identity {
	return contextIdentity{ctx: ctx}
}

type contextIdentity struct {
	ctx context.Context
}

func (c contextIdentity) CurrentUserID() (string, bool) {
	return UserIDFromContext(c.ctx)
}
