package metrics

import (
	"net/http"
	"time"
)

// ResponseRecorder captures the status code written by a downstream handler.
type ResponseRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

// NewResponseRecorder wraps w, defaulting the status to 200 until a handler
// writes an explicit one.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader records the status code before delegating.
func (r *ResponseRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

// Write marks the response as written with the current status.
func (r *ResponseRecorder) Write(p []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(p)
}

// Status returns the recorded status code.
func (r *ResponseRecorder) Status() int {
	return r.status
}

// Middleware instruments HTTP handlers with request count and latency. The
// pattern function maps a request to a bounded label value (the route
// pattern, not the raw path) to keep label cardinality under control.
func Middleware(recorder *Recorder, pattern func(*http.Request) string) func(http.Handler) http.Handler {
	if recorder == nil {
		recorder = Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(rec, r)

			label := r.URL.Path
			if pattern != nil {
				if p := pattern(r); p != "" {
					label = p
				}
			}
			recorder.ObserveRequest(r.Method, label, rec.Status(), time.Since(start).Seconds())
		})
	}
}
