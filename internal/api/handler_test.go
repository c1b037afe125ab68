package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
	"github.com/gyaneshwarpardhi/ruleflow/internal/action/logevent"
	"github.com/gyaneshwarpardhi/ruleflow/internal/config"
	"github.com/gyaneshwarpardhi/ruleflow/internal/engine"
	"github.com/gyaneshwarpardhi/ruleflow/internal/event"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
	"github.com/gyaneshwarpardhi/ruleflow/internal/store/memory"
)

type fixture struct {
	handler http.Handler
	rules   *memory.RuleStore
	logs    *memory.LogStore
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	rules := memory.NewRuleStore(&rule.Rule{
		ID:           "task-done",
		TenantID:     "school-1",
		TriggerType:  rule.TriggerRecordUpdated,
		TriggerTable: "tasks",
		TriggerConditions: []rule.ConditionGroup{
			{Conditions: []rule.Condition{{Field: "status", Operator: rule.OpEquals, Value: "completed"}}},
		},
		Actions:   []rule.ActionSpec{{Type: rule.ActionLogEvent, Parameters: map[string]any{"msg": "done"}}},
		IsActive:  true,
		CreatedAt: time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC),
	})
	logs := memory.NewLogStore()
	d := action.NewDispatcher(action.NewRegistry(logevent.New()), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	eng := engine.New(ctx, rules, logs, d, config.EngineConf{EventWorkers: 2, QueueDepth: 16})
	t.Cleanup(func() {
		cancel()
		eng.Shutdown()
	})
	return &fixture{handler: New(eng, rules, logs, opts...), rules: rules, logs: logs}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

const completedEvent = `{
	"tenant_id": "school-1",
	"table": "tasks",
	"operation": "updated",
	"old_row": {"id": "t-1", "status": "pending"},
	"new_row": {"id": "t-1", "status": "completed"}
}`

func TestIngestEvent(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/events", completedEvent)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res engine.EventResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.NotEmpty(t, res.EventID)
	assert.Equal(t, []string{"task-done"}, res.RulesMatched)
	require.Len(t, res.Firings, 1)
	assert.True(t, res.Firings[0].Success)
	assert.Len(t, f.logs.All(), 1)
}

func TestIngestEvent_BadRequests(t *testing.T) {
	f := newFixture(t)
	for name, body := range map[string]string{
		"not json":      `{`,
		"no tenant":     `{"table":"tasks","operation":"updated"}`,
		"bad operation": `{"tenant_id":"s","table":"tasks","operation":"renamed"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/events", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestIngestBatch(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/events/batch", "["+completedEvent+","+completedEvent+"]")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body["queued"])
	assert.EqualValues(t, 0, body["rejected"])

	require.Eventually(t, func() bool { return len(f.logs.All()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestIngestBatch_Limits(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/events/batch", "[]").Code)

	big := "[" + strings.TrimSuffix(strings.Repeat(completedEvent+",", maxBatchSize+1), ",") + "]"
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/events/batch", big).Code)

	rec := f.do(t, http.MethodPost, "/v1/events/batch", `[`+completedEvent+`, {"table":"tasks"}]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"1"`)
	assert.Empty(t, f.logs.All(), "invalid batches are rejected whole")
}

func TestListExecutions(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/events", completedEvent).Code)
	}

	rec := f.do(t, http.MethodGet, "/v1/tenants/school-1/executions?limit=2&rule_id=task-done&success=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page struct {
		Executions []rule.ExecutionLog `json:"executions"`
		HasMore    bool                `json:"has_more"`
		Limit      int                 `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Executions, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, 2, page.Limit)
	assert.Equal(t, "completed", page.Executions[0].AfterValues["status"])

	rec = f.do(t, http.MethodGet, "/v1/tenants/school-2/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"executions":[]`)

	for _, q := range []string{"success=maybe", "limit=-1", "offset=x", "since=yesterday"} {
		rec = f.do(t, http.MethodGet, "/v1/tenants/school-1/executions?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestListRules(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/tenants/school-1/rules?table=tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = f.do(t, http.MethodGet, "/v1/tenants/school-1/rules?table=grades", "")
	assert.Contains(t, rec.Body.String(), `"count":0`)
}

type stubReloader struct {
	n   int
	err error
}

func (s stubReloader) Reload() ([]*rule.Rule, error) {
	if s.err != nil {
		return nil, s.err
	}
	return make([]*rule.Rule, s.n), nil
}

func TestReloadRules(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, newFixture(t).do(t, http.MethodPost, "/v1/rules/reload", "").Code,
		"route exists only with a reloader")

	rec := newFixture(t, WithReloader(stubReloader{n: 3})).do(t, http.MethodPost, "/v1/rules/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rules_count":3`)

	rec = newFixture(t, WithReloader(stubReloader{err: errors.New("bad yaml")})).do(t, http.MethodPost, "/v1/rules/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "").Code)

	down := newFixture(t, WithReadinessCheck(func(context.Context) error { return errors.New("db unreachable") }))
	rec := down.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db unreachable")
}

// overloaded reports a nearly full queue and rejects every event.
type overloaded struct{}

func (overloaded) ProcessSync(context.Context, *event.ChangeEvent) (*engine.EventResult, error) {
	return nil, fmt.Errorf("%w (capacity 1)", engine.ErrQueueFull)
}
func (overloaded) ProcessAsync(*event.ChangeEvent) bool { return false }
func (overloaded) QueueUtilization() float64           { return 0.95 }

func TestOverloadedEngine(t *testing.T) {
	h := New(overloaded{}, memory.NewRuleStore(), memory.NewLogStore())
	serve := func(method, path, body string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewBufferString(body)))
		return rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(http.MethodPost, "/v1/events", completedEvent))
	assert.Equal(t, http.StatusTooManyRequests, serve(http.MethodPost, "/v1/events/batch", "["+completedEvent+"]"))
	assert.Equal(t, http.StatusServiceUnavailable, serve(http.MethodGet, "/readyz", ""))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("%w: x", engine.ErrInvalidEvent), http.StatusBadRequest, codeInvalidEvent},
		{engine.ErrQueueFull, http.StatusTooManyRequests, codeQueueFull},
		{fmt.Errorf("%w after 1s", engine.ErrTimeout), http.StatusGatewayTimeout, codeTimeout},
		{errors.Join(&rule.StoreError{Op: "append_log", Err: errors.New("down")}), http.StatusServiceUnavailable, codeStoreUnavailable},
		{context.Canceled, http.StatusRequestTimeout, codeCanceled},
		{errors.New("boom"), http.StatusInternalServerError, codeInternal},
	}
	for _, tc := range cases {
		status, code := classify(tc.err)
		assert.Equal(t, tc.wantStatus, status, tc.err.Error())
		assert.Equal(t, tc.wantCode, code, tc.err.Error())
	}
}

func TestErrorEnvelopeCarriesEventID(t *testing.T) {
	decode := func(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
		t.Helper()
		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
		return body
	}

	t.Run("engine failure", func(t *testing.T) {
		h := New(overloaded{}, memory.NewRuleStore(), memory.NewLogStore())
		rec := httptest.NewRecorder()
		ev := strings.Replace(completedEvent, "{", `{"id": "ev-42",`, 1)
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(ev)))

		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, codeQueueFull, body.Code)
		assert.Equal(t, "ev-42", body.EventID)
		assert.Contains(t, body.Error, "capacity 1")
	})

	t.Run("invalid event gets an id", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/v1/events", `{"table":"tasks","operation":"updated"}`)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, codeInvalidEvent, body.Code)
		assert.NotEmpty(t, body.EventID)
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newFixture(t)
		body := decode(t, f.do(t, http.MethodPost, "/v1/events", `{`))
		assert.Equal(t, codeBadRequest, body.Code)
		assert.Empty(t, body.EventID)
	})

	t.Run("batch lists invalid entries", func(t *testing.T) {
		f := newFixture(t)
		body := decode(t, f.do(t, http.MethodPost, "/v1/events/batch", `[`+completedEvent+`, {"table":"tasks"}]`))
		assert.Equal(t, codeInvalidEvent, body.Code)
		assert.Contains(t, body.Invalid, 1)
		assert.NotContains(t, body.Invalid, 0)
	})
}
