// Package cdc turns PostgreSQL LISTEN/NOTIFY row-change payloads into
// engine change events.
package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gyaneshwarpardhi/ruleflow/internal/event"
	"github.com/gyaneshwarpardhi/ruleflow/internal/metrics"
)

// validChannel matches safe PostgreSQL LISTEN channel names.
var validChannel = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	initialBackoff    = 1 * time.Second
	maxBackoff        = 30 * time.Second
	backoffMultiplier = 2
	readDeadline      = 2 * time.Minute
	fetchTimeout      = 5 * time.Second
)

// Sink accepts decoded events. *engine.Engine satisfies it.
type Sink interface {
	ProcessAsync(ev *event.ChangeEvent) bool
}

// Pool is the subset of *dbpool.Pool the listener needs.
type Pool interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Ping(ctx context.Context) error
}

// Listener subscribes to a NOTIFY channel and queues every payload as a
// change event.
type Listener struct {
	pool    Pool
	channel string
	sink    Sink
	rows    RowFetcher
}

// Option configures a Listener.
type Option func(*Listener)

// WithRowFetcher restores truncated row images before events are queued.
func WithRowFetcher(f RowFetcher) Option {
	return func(l *Listener) { l.rows = f }
}

// NewListener creates a Listener on channel.
func NewListener(pool Pool, channel string, sink Sink, opts ...Option) *Listener {
	l := &Listener{pool: pool, channel: channel, sink: sink}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start verifies the database is reachable and launches the LISTEN loop in
// a background goroutine that reconnects with backoff until ctx ends.
func (l *Listener) Start(ctx context.Context) error {
	if !validChannel.MatchString(l.channel) {
		return fmt.Errorf("cdc: invalid channel name %q", l.channel)
	}
	if err := l.pool.Ping(ctx); err != nil {
		return fmt.Errorf("cdc: database not reachable: %w", err)
	}
	go l.listen(ctx)
	return nil
}

func (l *Listener) listen(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		err := l.subscribeAndForward(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		slog.Warn("cdc connection lost, reconnecting", "channel", l.channel, "retry_in", backoff, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

// subscribeAndForward holds one connection in LISTEN until it fails or ctx
// is cancelled.
func (l *Listener) subscribeAndForward(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("executing LISTEN: %w", err)
	}
	slog.Info("cdc listening", "channel", l.channel)

	for {
		// Periodic deadline so a silent connection still notices ctx.
		if err := conn.Conn().PgConn().Conn().SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}

		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("waiting for notification: %w", err)
		}
		l.handle(ctx, n)
	}
}

func (l *Listener) handle(ctx context.Context, n *pgconn.Notification) {
	ev, truncated, err := decode([]byte(n.Payload))
	if err != nil {
		metrics.Notifications.WithLabelValues("invalid").Inc()
		slog.Warn("dropping change notification", "channel", n.Channel, "pid", n.PID, "err", err)
		return
	}
	if truncated {
		l.restoreRow(ctx, ev)
	}
	if !l.sink.ProcessAsync(ev) {
		metrics.Notifications.WithLabelValues("rejected").Inc()
		slog.Error("event queue full, change notification lost",
			"tenant", ev.TenantID, "table", ev.Table, "record_id", ev.RecordID())
		return
	}
	metrics.Notifications.WithLabelValues("queued").Inc()
}

// restoreRow replaces the id-only row of a truncated notification with the
// row as it is now. Deleted rows cannot be restored and keep only their id.
func (l *Listener) restoreRow(ctx context.Context, ev *event.ChangeEvent) {
	id := ev.RecordID()
	if l.rows == nil || ev.Operation == event.OpDeleted || id == "" {
		metrics.TruncatedNotifications.WithLabelValues("unavailable").Inc()
		slog.Warn("change notification truncated, rules see only the record id",
			"tenant", ev.TenantID, "table", ev.Table, "operation", ev.Operation, "record_id", id)
		return
	}
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	row, err := l.rows.FetchRow(fctx, ev.TenantID, ev.Table, id)
	if err != nil {
		metrics.TruncatedNotifications.WithLabelValues("unavailable").Inc()
		slog.Warn("re-reading truncated row failed, rules see only the record id",
			"tenant", ev.TenantID, "table", ev.Table, "record_id", id, "err", err)
		return
	}
	metrics.TruncatedNotifications.WithLabelValues("refetched").Inc()
	ev.NewRow = row
}

// payload is the JSON written by the ruleflow_notify_change() trigger
// function. Oversized rows arrive truncated with only the record id.
type payload struct {
	event.ChangeEvent
	Truncated bool   `json:"truncated,omitempty"`
	RecordID  string `json:"record_id,omitempty"`
}

// DecodePayload parses a notification payload into a validated event.
// A truncated payload yields an event whose row holds only the record id.
func DecodePayload(data []byte) (*event.ChangeEvent, error) {
	ev, _, err := decode(data)
	return ev, err
}

func decode(data []byte) (*event.ChangeEvent, bool, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("decoding payload: %w", err)
	}
	ev := p.ChangeEvent
	if p.Truncated {
		if p.RecordID != "" {
			row := map[string]any{"id": p.RecordID}
			if ev.Operation == event.OpDeleted {
				ev.OldRow = row
			} else {
				ev.NewRow = row
			}
		}
	}
	if ev.Operation == event.OpTimeBased {
		return nil, false, errors.New("time_based events cannot come from row changes")
	}
	if err := ev.Validate(); err != nil {
		return nil, false, err
	}
	ev.ReceivedAt = time.Now().UTC()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = ev.ReceivedAt
	}
	return &ev, p.Truncated, nil
}

// nextBackoff doubles the current backoff with ±25% jitter, capped at
// maxBackoff.
func nextBackoff(current time.Duration) time.Duration {
	next := current * backoffMultiplier
	if next > maxBackoff {
		next = maxBackoff
	}
	jitter := float64(next) * (0.75 + rand.Float64()*0.5) //nolint:gosec // jitter doesn't need crypto rand.
	return time.Duration(jitter)
}
