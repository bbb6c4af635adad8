package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/todosync/internal/errors"
)

func TestStatic(t *testing.T) {
	s := NewStatic("  ")
	_, ok := s.CurrentUserID()
	assert.False(t, ok)

	s.SetUserID("u1")
	id, ok := s.CurrentUserID()
	assert.True(t, ok)
	assert.Equal(t, "u1", id)

	s.SetUserID("")
	_, ok = s.CurrentUserID()
	assert.False(t, ok)
}

func TestContextIdentity(t *testing.T) {
	_, ok := FromContext(context.Background()).CurrentUserID()
	assert.False(t, ok)

	id, ok := FromContext(WithUserID(context.Background(), "u2")).CurrentUserID()
	assert.True(t, ok)
	assert.Equal(t, "u2", id)
}

func TestVerifier_roundTrip(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Sign("u1", time.Hour)
	require.NoError(t, err)

	sub, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)
}

func TestVerifier_rejects(t *testing.T) {
	v := NewVerifier("secret")

	expired, err := v.Sign("u1", -time.Minute)
	require.NoError(t, err)

	otherKey, err := NewVerifier("other").Sign("u1", time.Hour)
	require.NoError(t, err)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub": "u1",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"expired":    expired,
		"wrong key":  otherKey,
		"no subject": noSub,
		"wrong alg":  hs512,
		"garbage":    "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthenticated))
		})
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("secret")
	var seen string
	handler := v.Middleware(NewStatic("fallback"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFromContext(r.Context())
	}))

	token, err := v.Sign("u1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", seen)

	seen = ""
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "fallback", seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer junk")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStaticMiddleware(t *testing.T) {
	var seen string
	var ok bool
	handler := StaticMiddleware(NewStatic(""))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, ok = UserIDFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)
	assert.Empty(t, seen)
}
