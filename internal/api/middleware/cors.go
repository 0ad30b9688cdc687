// cors.go: CORS для браузерных клиентов (popup расширения, веб-страница).
package middleware

import (
	"net/http"
	"slices"
)

// CORS разрешает запросы с origins из списка; "*" разрешает любой.
// Preflight OPTIONS отвечается 204 без передачи дальше.
func CORS(origins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (wildcard || slices.Contains(origins, origin)) {
				h := w.Header()
				if wildcard {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, "+RequestIDHeader)
				h.Set("Access-Control-Expose-Headers", "ETag, Retry-After, "+RequestIDHeader)
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
