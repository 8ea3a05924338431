// outbox_test.go — Integration tests for the event outbox.
// Requires a running Postgres with the event_outbox table (columns as
// listed on Row in outbox.go). Run with:
//
//	POSTGRES_PASSWORD=xxx go test ./internal/outbox/... -v
package outbox

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	host := getEnvOrDefault("POSTGRES_HOST", "localhost")
	port := getEnvOrDefault("POSTGRES_PORT", "5432")
	user := getEnvOrDefault("POSTGRES_USER", "ingestd")
	pass := getEnvOrDefault("POSTGRES_PASSWORD", "ingestd")
	dbname := getEnvOrDefault("POSTGRES_DB", "ingestd_dev")

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, dbname)
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Skipf("Postgres not available (skipping integration test): %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		t.Skipf("Postgres not available (skipping integration test): %v", err)
	}
	return pool
}

func TestAppend_InsertsRow(t *testing.T) {
	pool := testPool(t)
	defer pool.Close()

	a := NewAppender(pool)
	ctx := context.Background()
	a.Append(ctx, EventStreamCreated, map[string]any{"stream_id": "s1"})

	var eventType string
	err := pool.QueryRow(ctx, `
		SELECT event_type FROM event_outbox
		WHERE event_type = $1 AND published_at IS NULL
		ORDER BY id DESC LIMIT 1`, string(EventStreamCreated)).Scan(&eventType)
	if err != nil {
		t.Fatalf("query inserted row: %v", err)
	}
	if eventType != string(EventStreamCreated) {
		t.Errorf("event_type = %q", eventType)
	}
}

// fakeSink records published (channel, payload) pairs in memory.
type fakeSink struct {
	published []string
	fail      bool
}

func (s *fakeSink) Publish(ctx context.Context, channel string, payload []byte) error {
	if s.fail {
		return fmt.Errorf("sink unavailable")
	}
	s.published = append(s.published, channel)
	return nil
}

func TestDrainOnce_PublishesAndMarks(t *testing.T) {
	pool := testPool(t)
	defer pool.Close()

	ctx := context.Background()
	marker := fmt.Sprintf("test.drain_%d", time.Now().UnixNano())
	a := NewAppender(pool)
	a.Append(ctx, EventType(marker), map[string]any{"x": 1})

	sink := &fakeSink{}
	p := NewPublisher(pool, sink)
	if err := p.drainOnce(ctx); err != nil {
		t.Fatalf("drainOnce: %v", err)
	}

	found := false
	wantChannel := channelName(marker)
	for _, c := range sink.published {
		if c == wantChannel {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %q to be published, got %v", wantChannel, sink.published)
	}

	var publishedAt *time.Time
	err := pool.QueryRow(ctx, `SELECT published_at FROM event_outbox WHERE event_type = $1 ORDER BY id DESC LIMIT 1`, marker).Scan(&publishedAt)
	if err != nil {
		t.Fatalf("query row: %v", err)
	}
	if publishedAt == nil {
		t.Error("expected row to be marked published after successful drain")
	}
}

func TestDrainOnce_LeavesRowUnpublishedOnSinkFailure(t *testing.T) {
	pool := testPool(t)
	defer pool.Close()

	ctx := context.Background()
	marker := fmt.Sprintf("test.drainfail_%d", time.Now().UnixNano())
	a := NewAppender(pool)
	a.Append(ctx, EventType(marker), map[string]any{"x": 1})

	sink := &fakeSink{fail: true}
	p := NewPublisher(pool, sink)
	if err := p.drainOnce(ctx); err != nil {
		t.Fatalf("drainOnce: %v", err)
	}

	var publishedAt *time.Time
	err := pool.QueryRow(ctx, `SELECT published_at FROM event_outbox WHERE event_type = $1 ORDER BY id DESC LIMIT 1`, marker).Scan(&publishedAt)
	if err != nil {
		t.Fatalf("query row: %v", err)
	}
	if publishedAt != nil {
		t.Error("expected row to remain unpublished when sink fails")
	}
}
