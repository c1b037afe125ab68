package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/ruleflow/internal/engine"
	"github.com/gyaneshwarpardhi/ruleflow/internal/event"
	"github.com/gyaneshwarpardhi/ruleflow/internal/metrics"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
	"github.com/gyaneshwarpardhi/ruleflow/internal/store"
)

const maxBatchSize = 100

// Processor runs change events. *engine.Engine satisfies it.
type Processor interface {
	ProcessSync(ctx context.Context, ev *event.ChangeEvent) (*engine.EventResult, error)
	ProcessAsync(ev *event.ChangeEvent) bool
	QueueUtilization() float64
}

// Reloader re-reads the rule source on demand.
type Reloader interface {
	Reload() ([]*rule.Rule, error)
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

// WithReloader enables POST /v1/rules/reload.
func WithReloader(r Reloader) Option {
	return func(h *Handler) { h.reloader = r }
}

// WithReadinessCheck adds a dependency check (e.g. a database ping) to /readyz.
func WithReadinessCheck(check func(context.Context) error) Option {
	return func(h *Handler) { h.ready = check }
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng      Processor
	rules    store.RuleStore
	logs     store.LogReader
	reloader Reloader
	ready    func(context.Context) error
	mux      *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(eng Processor, rules store.RuleStore, logs store.LogReader, opts ...Option) http.Handler {
	h := &Handler{eng: eng, rules: rules, logs: logs, mux: http.NewServeMux()}
	for _, o := range opts {
		o(h)
	}

	h.mux.HandleFunc("POST /v1/events", h.ingestEvent)
	h.mux.HandleFunc("POST /v1/events/batch", h.ingestBatch)
	h.mux.HandleFunc("GET /v1/tenants/{tenant}/executions", h.listExecutions)
	h.mux.HandleFunc("GET /v1/tenants/{tenant}/rules", h.listRules)
	if h.reloader != nil {
		h.mux.HandleFunc("POST /v1/rules/reload", h.reloadRules)
	}
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

// POST /v1/events: synchronous single-event processing.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.ChangeEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if err := prepare(&ev, time.Now().UTC()); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: codeInvalidEvent, EventID: ev.ID})
		return
	}

	res, err := h.eng.ProcessSync(r.Context(), &ev)
	if err != nil {
		if res != nil {
			// Firings ran but a store write failed; the caller should retry.
			status, _ := classify(err)
			writeJSON(w, status, res)
			return
		}
		writeEventError(w, ev.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /v1/events/batch: async batch ingestion (up to 100 events).
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var events []*event.ChangeEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "batch must contain at least one event")
		return
	}
	if len(events) > maxBatchSize {
		writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(events), maxBatchSize))
		return
	}

	now := time.Now().UTC()
	invalid := map[int]string{}
	for i, ev := range events {
		if ev == nil {
			invalid[i] = "event is null"
			continue
		}
		if err := prepare(ev, now); err != nil {
			invalid[i] = err.Error()
		}
	}
	if len(invalid) > 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "batch contains invalid events",
			Code:    codeInvalidEvent,
			Invalid: invalid,
		})
		return
	}

	queued := 0
	for _, ev := range events {
		if h.eng.ProcessAsync(ev) {
			queued++
		}
	}
	status := http.StatusAccepted
	if queued == 0 {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]any{
		"job_id":   uuid.NewString(),
		"total":    len(events),
		"queued":   queued,
		"rejected": len(events) - queued,
	})
}

// prepare fills server-side defaults and validates ev.
func prepare(ev *event.ChangeEvent, now time.Time) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.ReceivedAt = now
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	return ev.Validate()
}

// GET /v1/tenants/{tenant}/executions: execution log viewer.
func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	q, err := parseLogQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	logs, hasMore, err := h.logs.ListExecutions(r.Context(), tenant, q)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, codeStoreUnavailable, err.Error())
		return
	}
	if logs == nil {
		logs = []rule.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": logs,
		"limit":      q.NormalizedLimit(),
		"offset":     q.Offset,
		"has_more":   hasMore,
	})
}

func parseLogQuery(r *http.Request) (store.LogQuery, error) {
	v := r.URL.Query()
	q := store.LogQuery{RuleID: v.Get("rule_id")}
	if s := v.Get("success"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return q, fmt.Errorf("success: %q is not a boolean", s)
		}
		q.Success = &b
	}
	if s := v.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, fmt.Errorf("since: %q is not an RFC 3339 time", s)
		}
		q.Since = &t
	}
	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		s := v.Get(name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, fmt.Errorf("%s: %q is not a non-negative integer", name, s)
		}
		*dst = n
	}
	return q, nil
}

// GET /v1/tenants/{tenant}/rules: the tenant's active rules.
func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.ListActiveRules(r.Context(), r.PathValue("tenant"), r.URL.Query().Get("table"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, codeStoreUnavailable, err.Error())
		return
	}
	if rules == nil {
		rules = []*rule.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// POST /v1/rules/reload: re-read rules from their source.
func (h *Handler) reloadRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.reloader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeReloadFailed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":    true,
		"rules_count": len(rules),
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the event queue is >80% full or a dependency is down.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"queue_utilization": util,
	})
}
