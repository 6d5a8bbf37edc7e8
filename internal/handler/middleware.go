package handler

import (
	"log"
	"net/http"
	"time"
)

// Logger logs each request method, path, remote address, and duration.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s from %s – %v", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}
