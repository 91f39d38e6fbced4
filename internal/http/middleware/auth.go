package middleware

import (
	"encoding/json"
	"net/http"
)

type contextKey string

// UsernameKey carries the logged-in username through the request context.
const UsernameKey contextKey = "username"

// RequireSession answers 401 unless an earlier handler put a username
// under UsernameKey.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, _ := r.Context().Value(UsernameKey).(string)
		if username == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "not logged in"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
