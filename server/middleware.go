package server

import (
	"net/http"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/codegangsta/negroni"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// logEvent logs one service event per request
func (s *Server) logEvent(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	rid := r.Header.Get(requestIDHeader)
	if rid == "" {
		rid = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, rid)

	next(w, r)

	status := http.StatusOK
	if rw, ok := w.(negroni.ResponseWriter); ok && rw.Status() != 0 {
		status = rw.Status()
	}
	log.Infof("evt=SERVICE method=%s uri=%s sc=%d elapsed=%d rid=%s",
		r.Method, r.URL.RequestURI(), status, time.Since(start).Milliseconds(), rid)
}
