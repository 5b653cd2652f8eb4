package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// HeaderUserID carries the learner identity on HTTP requests.
const HeaderUserID = "X-User-ID"

type ctxKey struct{}

// UserIDFrom returns the learner id stored by Middleware.
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// WithUserID stores id in ctx.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Middleware rejects requests whose X-User-ID is not on the allowlist.
// Paths in open (matched by prefix) skip the check.
func (s *Service) Middleware(open ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range open {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}
			id := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if id == "" {
				id = r.URL.Query().Get("user_id")
			}
			if !s.IsAllowed(id) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"type":    "forbidden",
						"message": "user is not allowed",
					},
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}
