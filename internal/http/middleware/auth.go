package middleware

import (
	"net/http"
	"strings"

	scs "github.com/alexedwards/scs/v2"

	"github.com/briangreenhill/corpsite/internal/auth"
)

// RequireAdmin rejects requests whose session is not marked as admin.
// Browsers asking for HTML are redirected to the login page.
func RequireAdmin(sess *scs.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sess.GetBool(r.Context(), auth.SessionKey) {
				if wantsHTML(r) {
					http.Redirect(w, r, "/admin/login", http.StatusSeeOther)
					return
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func wantsHTML(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	return strings.HasPrefix(r.Header.Get("Accept"), "text/html")
}
