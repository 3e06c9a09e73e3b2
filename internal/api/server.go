// Package api exposes the operational HTTP interface for the crawl engine:
// health probes, a status report, Prometheus metrics, and request seeding.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlforge/crawlforge/internal/crawl"
	"github.com/crawlforge/crawlforge/internal/crawler"
	"github.com/crawlforge/crawlforge/internal/metrics"
	"github.com/crawlforge/crawlforge/internal/requestqueue"
)

// QueueInfo is the queue surface the status endpoint reads.
type QueueInfo interface {
	PendingCount() int
	InProgressCount() int
	HandledCount() int
}

// RequestAdder seeds work into the queue.
type RequestAdder interface {
	AddRequest(ctx context.Context, req *crawl.Request, forefront bool) (requestqueue.AddResult, error)
}

// SessionInfo is the session pool surface the status endpoint reads.
type SessionInfo interface {
	Size() int
	UsableCount() int
}

// StatsInfo supplies the aggregate crawl counters.
type StatsInfo interface {
	Snapshot() crawler.Snapshot
}

// Server wires the ops routes to the running crawl's components.
type Server struct {
	router   chi.Router
	queue    QueueInfo
	adder    RequestAdder
	sessions SessionInfo
	stats    StatsInfo
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(queue QueueInfo, adder RequestAdder, sessions SessionInfo, stats StatsInfo, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:    queue,
		adder:    adder,
		sessions: sessions,
		stats:    stats,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/status", s.status)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/requests", s.addRequests)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{}
	if s.stats != nil {
		payload["statistics"] = s.stats.Snapshot()
	}
	if s.queue != nil {
		payload["queue"] = map[string]int{
			"pending":     s.queue.PendingCount(),
			"in_progress": s.queue.InProgressCount(),
			"handled":     s.queue.HandledCount(),
		}
	}
	if s.sessions != nil {
		payload["sessions"] = map[string]int{
			"size":   s.sessions.Size(),
			"usable": s.sessions.UsableCount(),
		}
	}
	s.writeJSON(w, http.StatusOK, payload)
}

type addRequestsRequest struct {
	URLs      []string `json:"urls"`
	Forefront bool     `json:"forefront"`
}

type addedRequest struct {
	URL               string `json:"url"`
	RequestID         string `json:"request_id"`
	WasAlreadyPresent bool   `json:"was_already_present"`
	WasAlreadyHandled bool   `json:"was_already_handled"`
}

func (s *Server) addRequests(w http.ResponseWriter, r *http.Request) {
	if s.adder == nil {
		s.writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	var req addRequestsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one URL required")
		return
	}

	added := make([]addedRequest, 0, len(req.URLs))
	for _, rawURL := range req.URLs {
		cr, err := crawl.NewRequest(rawURL)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid url: "+rawURL)
			return
		}
		result, err := s.adder.AddRequest(r.Context(), cr, req.Forefront)
		if err != nil {
			s.logger.Error("add request failed", zap.String("url", rawURL), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to add request")
			return
		}
		added = append(added, addedRequest{
			URL:               rawURL,
			RequestID:         result.RequestID,
			WasAlreadyPresent: result.WasAlreadyPresent,
			WasAlreadyHandled: result.WasAlreadyHandled,
		})
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"requests": added})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
