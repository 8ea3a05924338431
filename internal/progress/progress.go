// Package progress implements the Progress Reporter (C3): publishes
// refresh progress to a Redis pub/sub channel per §6's schema and mirrors
// the latest status into the Source's last_status column, coalescing
// same-phase messages so percent is monotonic per §5.
//
// Grounded on internal/ratelimit's go-redis usage (a thin struct wrapping
// *goredis.Client, context-scoped calls) and pkg/audit's "best-effort,
// never propagate" discipline for the storage mirror write.
package progress

import (
	"context"
	"encoding/json"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/streamforge/ingestd/internal/logger"
)

// Action is one of the three refresh phases the progress channel reports.
type Action string

const (
	ActionDownloading      Action = "downloading"
	ActionProcessingGroups Action = "processing_groups"
	ActionParsing          Action = "parsing"
)

// Message is the progress channel payload, matching §6 exactly.
type Message struct {
	SourceID        string  `json:"source_id"`
	Action          Action  `json:"action"`
	Progress        float64 `json:"progress"`
	Status          string  `json:"status,omitempty"`
	Message         string  `json:"message,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
	Elapsed         float64 `json:"elapsed,omitempty"`
	ETA             float64 `json:"eta,omitempty"`
	StreamsCreated  int     `json:"streams_created,omitempty"`
	StreamsUpdated  int     `json:"streams_updated,omitempty"`
	StreamsDeleted  int     `json:"streams_deleted,omitempty"`
}

// Mirror persists the latest progress message as the Source's last_status
// mirror. internal/storage implements this; kept as an interface so this
// package does not import pgxpool.
type Mirror interface {
	UpdateLastStatus(ctx context.Context, sourceID string, status json.RawMessage) error
}

type noopMirror struct{}

func (noopMirror) UpdateLastStatus(context.Context, string, json.RawMessage) error { return nil }

// Reporter publishes progress messages and coalesces out-of-order ones.
type Reporter struct {
	redis  *goredis.Client
	mirror Mirror

	// publishFn defaults to the real Redis client's Publish, but tests in
	// this package may substitute a fake to exercise Emit's coalescing
	// logic without a live Redis server.
	publishFn func(ctx context.Context, channel string, payload []byte) error

	mu   sync.Mutex
	last map[string]float64 // key: sourceID + "|" + action, value: last emitted percent
}

func New(redis *goredis.Client, mirror Mirror) *Reporter {
	if mirror == nil {
		mirror = noopMirror{}
	}
	r := &Reporter{redis: redis, mirror: mirror, last: map[string]float64{}}
	r.publishFn = func(ctx context.Context, channel string, payload []byte) error {
		return r.redis.Publish(ctx, channel, payload).Err()
	}
	return r
}

// Emit publishes msg to progress:<source_id>, dropping it if percent is
// not strictly greater than the last emitted percent for the same
// (source_id, action) pair — the monotonic-in-percent guarantee of §5.
// A status of "error" or "success" always bypasses the coalescing check,
// since those are terminal messages regardless of percent.
func (r *Reporter) Emit(ctx context.Context, msg Message) {
	key := msg.SourceID + "|" + string(msg.Action)

	r.mu.Lock()
	last, seen := r.last[key]
	terminal := msg.Status == "error" || msg.Status == "success"
	if seen && !terminal && msg.Progress <= last {
		r.mu.Unlock()
		return
	}
	r.last[key] = msg.Progress
	r.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		logger.FromContext(ctx).Error("progress marshal failed", "source_id", msg.SourceID, "error", err)
		return
	}

	if err := r.Publish(ctx, "progress:"+msg.SourceID, body); err != nil {
		logger.FromContext(ctx).Error("progress publish failed", "source_id", msg.SourceID, "error", err)
	}

	if err := r.mirror.UpdateLastStatus(ctx, msg.SourceID, body); err != nil {
		logger.FromContext(ctx).Error("progress mirror write failed", "source_id", msg.SourceID, "error", err)
	}
}

// Publish implements outbox.Sink, letting the Event Bus Adapter reuse the
// same Redis client for its events:<type> channels.
func (r *Reporter) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.publishFn(ctx, channel, payload)
}

// ReportDownloading implements fetch.Reporter, translating the Fetcher's
// download-progress callback into a Message on the downloading action.
func (r *Reporter) ReportDownloading(ctx context.Context, sourceID string, percent float64, speedKBs, elapsedSec, etaSec float64, message string) {
	r.Emit(ctx, Message{
		SourceID: sourceID,
		Action:   ActionDownloading,
		Progress: percent,
		Message:  message,
		Speed:    speedKBs,
		Elapsed:  elapsedSec,
		ETA:      etaSec,
	})
}

// ReportUpsertProgress implements internal/stream.Reporter, translating
// batch-upsert progress into a processing_groups phase message — the
// spec's progress action enum has no dedicated "upserting" bucket, so
// stream upsert, like group reconciliation, reports under
// ActionProcessingGroups.
func (r *Reporter) ReportUpsertProgress(ctx context.Context, sourceID string, percent, elapsedSec, etaSec float64, created, updated int) {
	r.Emit(ctx, Message{
		SourceID:       sourceID,
		Action:         ActionProcessingGroups,
		Progress:       percent,
		Elapsed:        elapsedSec,
		ETA:            etaSec,
		StreamsCreated: created,
		StreamsUpdated: updated,
	})
}

// ReportRehashProgress implements internal/rehash.Reporter. Rehashing
// runs cluster-wide rather than against one source, so sourceID is left
// empty and the message is published on the channel "progress:" with no
// id suffix.
func (r *Reporter) ReportRehashProgress(ctx context.Context, percent float64, totalProcessed, duplicatesMerged, finalCount int) {
	r.Emit(ctx, Message{
		Action:         ActionProcessingGroups,
		Progress:       percent,
		StreamsUpdated: totalProcessed,
		StreamsDeleted: duplicatesMerged,
	})
}

// ReportRehashBlocked implements internal/rehash.Reporter's error path.
func (r *Reporter) ReportRehashBlocked(ctx context.Context, message string) {
	r.Emit(ctx, Message{Action: ActionProcessingGroups, Status: "error", Message: message})
}

// ResetPhase clears the coalescing baseline for (sourceID, action),
// called at the start of each new phase so a fresh 0% is not dropped as
// non-monotonic against a prior phase's 100%.
func (r *Reporter) ResetPhase(sourceID string, action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.last, sourceID+"|"+string(action))
}
