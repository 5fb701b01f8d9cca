package httpmw

import "net/http"

// No CSRF protection: the deploy endpoint authenticates with a header secret, there are no
// cookies or sessions for a cross-site form to ride on.

// SecurityHeaders sets the headers every JSON API response carries. Nothing served here is
// meant to be rendered, framed or cached.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		// trigger responses depend on queue state
		h.Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}
