package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	appmw "github.com/AlfredDev/queryengine/middleware"
	"github.com/AlfredDev/queryengine/orchestrator"
)

// NewRouter returns a configured chi Router mounting the query engine's
// three §6 operations plus history/analytics/feedback endpoints, with
// the middleware chain the gateway router used (CORS, request ID,
// recovery, request logging, per-request timeout) adapted to this
// domain's scope — auth and rate limiting are the host's concern, not
// the core's, so they are not mounted here.
func NewRouter(orch *orchestrator.Orchestrator, queries FullQueryStore, logger zerolog.Logger, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	h := New(orch, queries, logger)

	r.Use(appmw.CORSMiddleware([]string{"*"}))
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", h.Healthz)
	r.Get("/ready", h.Healthz)

	r.Route("/v1", func(r chi.Router) {
		timeoutMW := appmw.NewTimeoutMiddleware(logger, requestTimeout)
		r.Use(timeoutMW.Handler)

		r.Post("/queries", h.ExecuteQuery)
		r.Post("/queries/explain", h.ExplainQuery)
		r.Get("/queries", h.ListQueries)
		r.Get("/queries/{id}", h.GetQuery)
		r.Delete("/queries/{id}", h.DeleteQuery)
		r.Post("/queries/{id}/feedback", h.SubmitFeedback)

		r.Get("/analytics", h.Analytics)
		r.Get("/analytics/optimizations", h.OptimizationReport)
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("request handled")
		})
	}
}
