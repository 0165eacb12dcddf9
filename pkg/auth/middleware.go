package auth

import "net/http"

// Header names populated by the fronting authentication proxy after it has
// verified the caller's token. This service trusts them as-is; it must only
// be reachable through that proxy.
const (
	HeaderUserID = "X-Auth-User"
	HeaderRole   = "X-Auth-Role"
)

// Middleware installs the caller identity from the trusted proxy headers.
// Requests without an identity are rejected before reaching any handler.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderUserID)
		role := r.Header.Get(HeaderRole)
		if userID == "" || role == "" {
			http.Error(w, "missing caller identity", http.StatusUnauthorized)
			return
		}
		ctx := WithIdentity(r.Context(), Identity{UserID: userID, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
