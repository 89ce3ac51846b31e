// Package httpapi is the thin host adapter that exposes the three §6
// external operations (ExecuteQuery, ExplainQuery, SubmitFeedback) plus
// read endpoints over the Query Manager, over HTTP. Adapted from the
// gateway's handler/proxy.go request lifecycle: decode body, validate,
// call the core, encode response — generalized from one provider call
// into one orchestrator.ExecuteQuery call, with the NDJSON streaming
// variant taking the place of the gateway's SSE chat stream.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/queryengine/domain"
	"github.com/AlfredDev/queryengine/orchestrator"
	"github.com/AlfredDev/queryengine/stream"
)

// Handler wires the Pipeline Orchestrator and Query Manager behind the
// query-engine's public HTTP surface.
type Handler struct {
	orch    *orchestrator.Orchestrator
	queries FullQueryStore
	logger  zerolog.Logger
}

// New builds a Handler.
func New(orch *orchestrator.Orchestrator, queries FullQueryStore, logger zerolog.Logger) *Handler {
	return &Handler{orch: orch, queries: queries, logger: logger.With().Str("component", "httpapi").Logger()}
}

// executeRequest is the wire shape of POST /v1/queries.
type executeRequest struct {
	NaturalLanguage string `json:"natural_language"`
	DataSourceID    string `json:"data_source_id"`
	User            string `json:"user,omitempty"`
	UseCache        *bool  `json:"use_cache,omitempty"`
	Streaming       bool   `json:"streaming,omitempty"`
}

func (r executeRequest) useCache() bool {
	if r.UseCache == nil {
		return true
	}
	return *r.UseCache
}

// ExecuteQuery handles POST /v1/queries. When streaming=true in the
// body, the response body is the newline-delimited PipelineEvent wire
// protocol of spec §6; otherwise it is the single terminal Response.
func (h *Handler) ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "could not parse request body: "+err.Error())
		return
	}

	orchReq := orchestrator.Request{
		Tenant: tenantFromRequest(r), User: req.User, NaturalLanguage: req.NaturalLanguage,
		DataSourceID: req.DataSourceID, UseCache: req.useCache(), Streaming: req.Streaming,
	}

	if req.Streaming {
		h.streamExecute(w, r, orchReq)
		return
	}

	ch := stream.NewChannel(stream.DefaultBufferSize)
	go stream.Discard(ch)
	resp := h.orch.ExecuteQuery(r.Context(), orchReq, ch)
	writeJSON(w, statusFor(resp.Success, resp.Error), resp)
}

// streamExecute writes the newline-delimited PipelineEvent protocol,
// flushing after each event, and keeps the connection half-open until
// the terminal Result or Error event closes the channel — mirrors the
// gateway's handleStreamingChat flush-per-chunk loop.
func (h *Handler) streamExecute(w http.ResponseWriter, r *http.Request, req orchestrator.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, domain.KindInternal, "streaming unsupported by this server")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := stream.NewChannel(stream.DefaultBufferSize)
	encoder := json.NewEncoder(w)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range ch.Events() {
			if err := encoder.Encode(ev); err != nil {
				h.logger.Debug().Err(err).Msg("client disconnected mid-stream")
				return
			}
			flusher.Flush()
		}
	}()

	h.orch.ExecuteQuery(r.Context(), req, ch)
	<-done
}

// ExplainQuery handles POST /v1/queries/explain, running intent
// classification and SQL generation but never executing the result.
func (h *Handler) ExplainQuery(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "could not parse request body: "+err.Error())
		return
	}

	ch := stream.NewChannel(stream.DefaultBufferSize)
	go stream.Discard(ch)

	resp := h.orch.ExecuteQuery(r.Context(), orchestrator.Request{
		Tenant: tenantFromRequest(r), NaturalLanguage: req.NaturalLanguage,
		DataSourceID: req.DataSourceID, Explain: true,
	}, ch)
	writeJSON(w, statusFor(resp.Success, resp.Error), resp)
}

// feedbackRequest is the wire shape of POST /v1/queries/{id}/feedback.
type feedbackRequest struct {
	Helpful  bool   `json:"helpful"`
	Accurate bool   `json:"accurate"`
	Rating   *int   `json:"rating,omitempty"`
	Comments string `json:"comments,omitempty"`
}

// SubmitFeedback handles POST /v1/queries/{id}/feedback.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "could not parse request body: "+err.Error())
		return
	}

	rec, err := h.queries.UpdateFeedback(r.Context(), id, tenantFromRequest(r), domain.Feedback{
		Helpful: req.Helpful, Accurate: req.Accurate, Rating: req.Rating, Comments: req.Comments,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetQuery handles GET /v1/queries/{id}.
func (h *Handler) GetQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.queries.Get(r.Context(), id, tenantFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteQuery handles DELETE /v1/queries/{id}.
func (h *Handler) DeleteQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queries.Delete(r.Context(), id, tenantFromRequest(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// historyResponse is the paginated wire shape of GET /v1/queries.
type historyResponse struct {
	Records []domain.QueryRecord `json:"records"`
	Total   int                  `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// ListQueries handles GET /v1/queries with status/data_source_id/from/to/limit/offset query params.
func (h *Handler) ListQueries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := filtersFromParams(q)
	page := pageFromParams(q)

	records, total, err := h.queries.History(r.Context(), tenantFromRequest(r), filters, page)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Records: records, Total: total, Limit: page.Limit, Offset: page.Offset})
}

// Analytics handles GET /v1/analytics?window=7d.
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	window := r.URL.Query().Get("window")
	report, err := h.queries.Analytics(r.Context(), tenantFromRequest(r), window)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// OptimizationReport handles GET /v1/analytics/optimizations?window=7d.
func (h *Handler) OptimizationReport(w http.ResponseWriter, r *http.Request) {
	window := r.URL.Query().Get("window")
	report, err := h.queries.OptimizationReport(r.Context(), tenantFromRequest(r), window)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "queryengine"})
}

func tenantFromRequest(r *http.Request) domain.Tenant {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return domain.Tenant(t)
	}
	return domain.Tenant("default")
}

func statusFor(success bool, kind string) int {
	if success {
		return http.StatusOK
	}
	switch domain.Kind(kind) {
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindDataSourceNotFound:
		return http.StatusNotFound
	case domain.KindIntentLowConf, domain.KindUnsafeSQL:
		return http.StatusUnprocessableEntity
	case domain.KindCancelled:
		return http.StatusRequestTimeout
	case domain.KindExecutionFailed, domain.KindSQLGenFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	writeError(w, statusFor(false, string(kind)), kind, err.Error())
}

func writeError(w http.ResponseWriter, status int, kind domain.Kind, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"kind": kind, "message": message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func atoiDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
