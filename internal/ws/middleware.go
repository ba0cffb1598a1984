package ws

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// requestLog wraps a handler with a per-request correlation id, logged at
// the start and end of the request. The id never appears in a response
// body or header -- it exists purely to let a single request's log lines
// be grepped together; it carries no event content (§7).
func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		start := time.Now()
		log.Printf("request %s: %s %s started", id, r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
		log.Printf("request %s: %s %s completed in %s", id, r.Method, r.URL.Path, time.Since(start))
	})
}
