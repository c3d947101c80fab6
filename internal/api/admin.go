package api

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/p-n-ai/pai-eval/internal/i18n"
)

// requireAdmin checks the bearer token against the configured bcrypt hash.
// Admin routes answer 403 when no hash is configured.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if len(s.adminHash) == 0 || !ok || token == "" ||
			bcrypt.CompareHashAndPassword(s.adminHash, []byte(token)) != nil {
			writeJSON(w, http.StatusForbidden, errorBody{
				Error:   "ErrUnauthorized",
				Message: i18n.T(r.Context(), "ErrUnauthorized"),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleClearAll deletes every response, completion record and session.
func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearAll(); err != nil {
		s.writeError(w, r, err)
		return
	}
	slog.Warn("all evaluation data cleared", "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}
