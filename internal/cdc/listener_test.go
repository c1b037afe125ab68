package cdc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/ruleflow/internal/event"
	"github.com/gyaneshwarpardhi/ruleflow/internal/metrics"
)

func TestDecodePayload(t *testing.T) {
	ev, err := DecodePayload([]byte(`{
		"id": "9b1c",
		"tenant_id": "school-1",
		"table": "tasks",
		"operation": "updated",
		"old_row": {"id": 42, "status": "pending", "school_id": "school-1"},
		"new_row": {"id": 42, "status": "completed", "school_id": "school-1"},
		"occurred_at": "2024-09-01T10:00:00.123456+00:00"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "school-1", ev.TenantID)
	assert.Equal(t, event.OpUpdated, ev.Operation)
	assert.Equal(t, "completed", ev.NewRow["status"])
	assert.Equal(t, "42", ev.RecordID())
	assert.Equal(t, 2024, ev.OccurredAt.Year())
	assert.False(t, ev.ReceivedAt.IsZero())
}

func TestDecodePayload_Truncated(t *testing.T) {
	ev, err := DecodePayload([]byte(`{"tenant_id":"s","table":"tasks","operation":"deleted","truncated":true,"record_id":"t-9"}`))
	require.NoError(t, err)
	assert.Nil(t, ev.NewRow)
	assert.Equal(t, "t-9", ev.RecordID())
	assert.False(t, ev.OccurredAt.IsZero())
}

func TestDecodePayload_Rejects(t *testing.T) {
	for name, body := range map[string]string{
		"not json":       `{`,
		"no tenant":      `{"table":"tasks","operation":"created"}`,
		"bad operation":  `{"tenant_id":"s","table":"tasks","operation":"merged"}`,
		"no table":       `{"tenant_id":"s","operation":"created"}`,
		"time_based row": `{"tenant_id":"s","operation":"time_based"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePayload([]byte(body))
			assert.Error(t, err)
		})
	}
}

type fakeSink struct {
	accept bool
	got    []*event.ChangeEvent
}

func (f *fakeSink) ProcessAsync(ev *event.ChangeEvent) bool {
	f.got = append(f.got, ev)
	return f.accept
}

func TestHandle_ForwardsValidPayloads(t *testing.T) {
	sink := &fakeSink{accept: true}
	l := NewListener(nil, "record_changes", sink)

	l.handle(t.Context(), &pgconn.Notification{Channel: "record_changes", Payload: `{"tenant_id":"s","table":"tasks","operation":"created","new_row":{"id":"t-1"}}`})
	l.handle(t.Context(), &pgconn.Notification{Channel: "record_changes", Payload: `garbage`})

	require.Len(t, sink.got, 1)
	assert.Equal(t, "t-1", sink.got[0].RecordID())
}

type fakeFetcher struct {
	row   map[string]any
	err   error
	calls []string
}

func (f *fakeFetcher) FetchRow(_ context.Context, tenantID, table, recordID string) (map[string]any, error) {
	f.calls = append(f.calls, tenantID+"/"+table+"/"+recordID)
	return f.row, f.err
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

const truncatedUpdate = `{"tenant_id":"s","table":"tasks","operation":"updated","truncated":true,"record_id":"t-9"}`

func TestHandle_RestoresTruncatedRow(t *testing.T) {
	sink := &fakeSink{accept: true}
	rows := &fakeFetcher{row: map[string]any{"id": "t-9", "status": "completed"}}
	l := NewListener(nil, "record_changes", sink, WithRowFetcher(rows))
	refetched := counterValue(metrics.TruncatedNotifications.WithLabelValues("refetched"))

	l.handle(t.Context(), &pgconn.Notification{Payload: truncatedUpdate})

	require.Len(t, sink.got, 1)
	assert.Equal(t, []string{"s/tasks/t-9"}, rows.calls)
	assert.Equal(t, "completed", sink.got[0].NewRow["status"])
	assert.Equal(t, refetched+1, counterValue(metrics.TruncatedNotifications.WithLabelValues("refetched")))
}

func TestHandle_TruncatedRowUnavailableIsCounted(t *testing.T) {
	cases := map[string]struct {
		opts    []Option
		payload string
	}{
		"no fetcher": {
			payload: truncatedUpdate,
		},
		"fetch fails": {
			opts:    []Option{WithRowFetcher(&fakeFetcher{err: ErrRowGone})},
			payload: truncatedUpdate,
		},
		"deleted row": {
			opts:    []Option{WithRowFetcher(&fakeFetcher{err: errors.New("must not be called")})},
			payload: `{"tenant_id":"s","table":"tasks","operation":"deleted","truncated":true,"record_id":"t-9"}`,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			sink := &fakeSink{accept: true}
			l := NewListener(nil, "record_changes", sink, tc.opts...)
			before := counterValue(metrics.TruncatedNotifications.WithLabelValues("unavailable"))

			l.handle(t.Context(), &pgconn.Notification{Payload: tc.payload})

			require.Len(t, sink.got, 1, "event is still queued with the id-only row")
			assert.Equal(t, "t-9", sink.got[0].RecordID())
			assert.Equal(t, before+1, counterValue(metrics.TruncatedNotifications.WithLabelValues("unavailable")))
		})
	}
}

func TestFetchRowSQL(t *testing.T) {
	assert.Equal(t,
		`SELECT to_jsonb(t) FROM "grade ""book""" t WHERE t.school_id = $1 AND t.id::text = $2`,
		fetchRowSQL(`grade "book"`))
}

func TestStart_RejectsBadChannel(t *testing.T) {
	l := NewListener(nil, "record-changes; DROP TABLE x", &fakeSink{})
	err := l.Start(t.Context())
	assert.ErrorContains(t, err, "invalid channel name")
}

func TestNextBackoff(t *testing.T) {
	for cur := initialBackoff; cur < maxBackoff; cur *= 2 {
		next := nextBackoff(cur)
		want := cur * backoffMultiplier
		if want > maxBackoff {
			want = maxBackoff
		}
		assert.GreaterOrEqual(t, next, time.Duration(float64(want)*0.75))
		assert.LessOrEqual(t, next, time.Duration(float64(want)*1.25))
	}
	assert.LessOrEqual(t, nextBackoff(maxBackoff), time.Duration(float64(maxBackoff)*1.25))
}
