package core

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"omnifm/internal/types"
)

// adminKeyHeader is the header operators present their key in on admin
// routes.
const adminKeyHeader = "X-Admin-Key"

// AdminAuthMiddleware guards operator-only routes. The presented key is
// checked against the configured bcrypt hash, so the plaintext admin key
// never lives in configuration or memory longer than a single request.
func (s *Server) AdminAuthMiddleware(next http.Handler) http.Handler {
	hash := []byte(s.Config.Security.AdminKeyHash.Unmask())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(adminKeyHeader)
		if key == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyMissing,
				adminKeyHeader+" header is required", nil))
			return
		}

		// A missing hash must never fail open.
		if subtle.ConstantTimeCompare(hash, nil) == 1 {
			Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyInvalid,
				"admin access is not configured", nil))
			return
		}

		if err := bcrypt.CompareHashAndPassword(hash, []byte(key)); err != nil {
			s.Logger.Warn("admin key rejected",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyInvalid,
				"admin key is not valid", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}
