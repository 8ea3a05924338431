// Package outbox implements the Event Bus Adapter (C2) as an outbox: the
// critical-path write appends an event row in the same transaction as its
// triggering change, and a separate drain loop publishes queued rows to
// subscribers, fire-and-forget. This decouples publish latency/ordering
// from the write path per §9's design note.
//
// Grounded on pkg/audit/audit.go's LogAction: a small struct inserted via
// a SQL exec, with failures logged but never propagated to the caller.
// Re-architected from a direct-write audit log into an outbox + drain
// split, and from database/sql to pgx per this module's storage stack.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamforge/ingestd/internal/logger"
)

// EventType names one of the §9 outbound domain events.
type EventType string

const (
	EventSourceCreated        EventType = "m3u.source_created"
	EventSourceDeleted        EventType = "m3u.source_deleted"
	EventSourceEnabled        EventType = "m3u.source_enabled"
	EventSourceDisabled       EventType = "m3u.source_disabled"
	EventRefreshStarted       EventType = "m3u.refresh_started"
	EventRefreshCompleted     EventType = "m3u.refresh_completed"
	EventRefreshFailed        EventType = "m3u.refresh_failed"
	EventStreamCreated        EventType = "stream.created"
	EventStreamUpdated        EventType = "stream.updated"
	EventStreamDeleted        EventType = "stream.deleted"
	EventChannelCreated       EventType = "channel.created"
	EventChannelUpdated       EventType = "channel.updated"
	EventChannelDeleted       EventType = "channel.deleted"
	EventChannelStreamAdded   EventType = "channel.stream_added"
	EventChannelStreamRemoved EventType = "channel.stream_removed"
	EventGroupCreated         EventType = "channel_group.created"
	EventGroupUpdated         EventType = "channel_group.updated"
	EventGroupDeleted         EventType = "channel_group.deleted"
)

// Row mirrors one event_outbox table row: id, event_type, payload JSONB,
// created_at, published_at NULL (per SPEC_FULL.md §4.10).
type Row struct {
	ID          int64
	Type        EventType
	Payload     map[string]any
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// channelName is the Redis pub/sub channel an event type publishes to.
func channelName(eventType string) string {
	return "events:" + eventType
}

// Appender appends events to the outbox. Append is meant to be called
// inside the same transaction as the state change it documents, via
// AppendTx; Append runs the insert directly against the pool, as one
// autocommitted statement, for call sites that have no surrounding one.
type Appender struct {
	pool *pgxpool.Pool
}

func NewAppender(pool *pgxpool.Pool) *Appender {
	return &Appender{pool: pool}
}

// Append inserts one event row, best-effort: a failure is logged but not
// returned, matching audit.LogAction's "must never cause a user-visible
// error" contract.
func (a *Appender) Append(ctx context.Context, eventType EventType, payload map[string]any) {
	if err := a.AppendTx(ctx, a.pool, eventType, payload); err != nil {
		logger.FromContext(ctx).Error("outbox append failed", "event_type", eventType, "error", err)
	}
}

// AppendTx inserts one event row using the given executor, so callers can
// pass a pgx.Tx to get the event written atomically with its triggering
// change.
func (a *Appender) AppendTx(ctx context.Context, exec Executor, eventType EventType, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte("{}")
	}
	_, err = exec.Exec(ctx, `
		INSERT INTO event_outbox (event_type, payload, created_at, published_at)
		VALUES ($1, $2, now(), NULL)`,
		string(eventType), body,
	)
	return err
}

// Executor is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// AppendTx write inside a caller-supplied transaction or directly
// against the pool.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Publisher drains unpublished outbox rows and publishes them to a sink,
// marking each published row as done. It runs as a background loop
// started by cmd/ingestd-admin.
type Publisher struct {
	pool     *pgxpool.Pool
	sink     Sink
	interval time.Duration
	batch    int
}

// Sink is the publish target — internal/progress's Redis pub/sub client
// satisfies this, keeping outbox decoupled from a concrete broker import.
type Sink interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

func NewPublisher(pool *pgxpool.Pool, sink Sink) *Publisher {
	return &Publisher{pool: pool, sink: sink, interval: time.Second, batch: 200}
}

// Run drains the outbox on a fixed interval until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.drainOnce(ctx); err != nil {
				logger.FromContext(ctx).Error("outbox drain failed", "error", err)
			}
		}
	}
}

func (p *Publisher) drainOnce(ctx context.Context) error {
	rows, err := p.pool.Query(ctx, `
		SELECT id, event_type, payload
		FROM event_outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1`, p.batch)
	if err != nil {
		return fmt.Errorf("query outbox: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		var eventType string
		var payload []byte
		if err := rows.Scan(&id, &eventType, &payload); err != nil {
			rows.Close()
			return fmt.Errorf("scan outbox row: %w", err)
		}
		if err := p.sink.Publish(ctx, channelName(eventType), payload); err != nil {
			// Fire-and-forget: log and leave unpublished for the next drain.
			logger.FromContext(ctx).Error("publish event failed", "event_type", eventType, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(ids) == 0 {
		return nil
	}
	_, err = p.pool.Exec(ctx, `UPDATE event_outbox SET published_at = now() WHERE id = ANY($1)`, ids)
	return err
}
