package shield

import "net/http"

// HeadToGet rewrites HEAD requests as GET before routing. The gazeta API
// registers handlers with r.Get only, so a HEAD probe against a live
// endpoint (uptime checks on /health) would otherwise answer 405.
// net/http drops the response body for HEAD on its own.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
