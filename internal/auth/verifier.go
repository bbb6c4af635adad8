package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/kimhsiao/todosync/internal/errors"
)

// Verifier checks HS256 bearer tokens issued by the hosted backend.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier using secret as the HMAC key.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign issues a token for userID. Used by tests and the CLI's token helper.
func (v *Verifier) Sign(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify parses tokenString and returns its subject.
func (v *Verifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", apperrors.Wrap(apperrors.ErrNotAuthenticated, "invalid token", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", apperrors.New(apperrors.ErrNotAuthenticated, "token has no subject")
	}
	return sub, nil
}

// bearer extracts the token from an Authorization header.
func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Middleware stores the verified user id on the request context. Requests
// without a token fall through to fallback, which may be nil. Requests with
// an invalid token are rejected.
func (v *Verifier) Middleware(fallback Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearer(r)
			if token == "" {
				if fallback != nil {
					if id, ok := fallback.CurrentUserID(); ok {
						r = r.WithContext(WithUserID(r.Context(), id))
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			userID, err := v.Verify(token)
			if err != nil {
				http.Error(w, `{"error":{"code":"NOT_AUTHENTICATED","message":"invalid token"}}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// StaticMiddleware puts the identity's user on every request context.
func StaticMiddleware(id Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID, ok := id.CurrentUserID(); ok {
				r = r.WithContext(WithUserID(r.Context(), userID))
			}
			next.ServeHTTP(w, r)
		})
	}
}
