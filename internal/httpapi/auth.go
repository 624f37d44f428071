package httpapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"groupsummary/internal/summary/admin"
)

// auth requires an HS256 bearer token with a "sub" claim and tags the request
// context with the caller as the admin actor.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.config().JWTSecret
		token := extractToken(r)
		if token == "" || secret == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		sub, err := parsed.Claims.GetSubject()
		if err != nil || sub == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := admin.WithActor(r.Context(), "api:"+sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
