package server

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/logger"
)

// requestIDHeader carries the request id in both directions
const requestIDHeader = "X-Request-ID"

// routes configures all HTTP handlers
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	guard := s.deps.Auth.RequireToken

	mux.HandleFunc("GET /token", s.HandleToken)
	mux.HandleFunc("GET /stats", guard(s.HandleStats))
	mux.HandleFunc("POST /check", guard(s.HandleCheck))
	mux.HandleFunc("POST /batch", guard(s.HandleBatch))
	mux.HandleFunc("GET /modules", guard(s.HandleModules))
	mux.HandleFunc("GET /ws/modules", guard(s.HandleModuleEvents))
	mux.HandleFunc("GET /healthz", s.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.requestMiddleware(mux)
}

// requestMiddleware tags each request with an id, recovers handler panics
// and logs the outcome at debug level
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		ctx := logger.WithRequestID(r.Context(), requestID)
		r = r.WithContext(ctx)
		log := logger.FromContext(ctx, s.logger)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			if err := errors.Recovered(recover()); err != nil {
				log.Errorw("Handler panicked", "error", err, "path", r.URL.Path)
				if !rec.wrote {
					writeError(rec, http.StatusInternalServerError, "internal error")
				}
			}
			log.Debugw("Request served",
				"method", r.Method,
				logger.FieldPath, r.URL.Path,
				"status", rec.status,
				logger.FieldDurationMS, time.Since(start).Milliseconds(),
			)
		}()

		next.ServeHTTP(rec, r)
	})
}

// statusRecorder remembers the status written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.wrote = true
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
