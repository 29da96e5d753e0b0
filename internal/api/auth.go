package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// authExempt lists paths reachable without a token: health for probes,
// metrics for the scraper, and the token exchange itself.
func authExempt(path string) bool {
	switch path {
	case "/api/health", "/metrics", "/api/auth/token":
		return true
	}
	return false
}

// authMiddleware requires a bearer JWT signed with the configured secret.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")
		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.cfg.Auth.JWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleAuthToken serves POST /api/auth/token: exchanges the static API
// token for a short-lived JWT.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg == nil || !s.cfg.Auth.Enabled {
		s.respondError(w, http.StatusServiceUnavailable, "auth not configured")
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := s.parseJSON(r, &req); err != nil || req.Token == "" {
		s.respondError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.Auth.TokenHash), []byte(req.Token)); err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	lifetime := s.cfg.Auth.TokenLifetime
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss": "ringmaster",
		"iat": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Auth.JWTSecret))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"token":      signed,
		"expires_at": now.Add(lifetime),
	})
}
