// main.go — ingestd-admin: the long-running control-plane process.
//
// Exposes the inbound triggers of §6 over a thin chi-routed HTTP surface
// (a convenience wrapper calling directly into the Refresh Orchestrator,
// since no external job queue is specified), keeps the event outbox
// draining in the background, and serves /healthz and /metrics.
//
// Routes:
//
//	GET  /healthz                    — liveness
//	GET  /metrics                    — Prometheus scrape endpoint
//	POST /sources/{id}/refresh       — RefreshSource(id), async, returns immediately
//	POST /sources/refresh-all        — RefreshAllActive(), async, returns immediately
//	POST /rehash                     — RehashStreams(new_hash_key_list), async
//	POST /groups/{source_id}/{group_name}/enabled — SetGroupEnabled, synchronous
//
// Grounded on services/channel/cmd/channel/main.go's chi wiring
// (middleware stack, route grouping, JSON request/response helpers).
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/streamforge/ingestd/internal/audit"
	"github.com/streamforge/ingestd/internal/config"
	"github.com/streamforge/ingestd/internal/fetch"
	"github.com/streamforge/ingestd/internal/lock"
	"github.com/streamforge/ingestd/internal/logger"
	"github.com/streamforge/ingestd/internal/metrics"
	"github.com/streamforge/ingestd/internal/orchestrator"
	"github.com/streamforge/ingestd/internal/outbox"
	"github.com/streamforge/ingestd/internal/progress"
	"github.com/streamforge/ingestd/internal/ratelimit"
	"github.com/streamforge/ingestd/internal/storage"
	"github.com/streamforge/ingestd/internal/stream"
	"github.com/streamforge/ingestd/internal/telemetry"
	"github.com/streamforge/ingestd/internal/validate"
)

// refreshTriggerRate bounds how often any one source (or "all") may be
// retriggered through the HTTP surface before the caller is told to back off.
const (
	refreshTriggerRate   = 6
	refreshTriggerWindow = time.Minute
)

type server struct {
	orc     *orchestrator.Orchestrator
	store   *storage.Store
	limiter *ratelimit.Limiter
	pool    *pgxpool.Pool
	events  *outbox.Appender
}

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogFormat, cfg.LogLevel)
	ctx := logger.WithContext(context.Background(), log)

	if err := telemetry.Init(cfg.SentryDSN, "ingestd-admin", cfg.Version); err != nil {
		log.Error("telemetry init failed", "error", err)
	}
	defer telemetry.Flush()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("db pool creation failed", "error", err)
		telemetry.CaptureError(err, map[string]string{"operation": "db_pool_init"})
		return
	}
	defer pool.Close()

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Error("redis URL parse failed", "error", err)
		telemetry.CaptureError(err, map[string]string{"operation": "redis_parse"})
		return
	}
	rdb := redis.NewClient(redisOpt)
	defer rdb.Close()

	store := storage.New(pool)
	reporter := progress.New(rdb, store)
	fetcher := fetch.New(cfg.CacheRoot,
		fetch.WithReporter(reporter),
		fetch.WithMaxCycles(cfg.MaxFetchCycles))
	events := outbox.NewAppender(pool)
	locker := lock.New(lock.NewRedisStore(rdb))

	orc := orchestrator.New(store, locker, events, reporter, fetcher,
		orchestrator.WithHashKeys(parseHashKeys(cfg.HashKeyList)),
		orchestrator.WithWorkerCounts(cfg.PlaylistWorkers, cfg.CatalogWorkers))

	publisher := outbox.NewPublisher(pool, reporter)
	go publisher.Run(ctx)

	limiter := ratelimit.New(ratelimit.NewRedisStore(rdb))
	s := &server{orc: orc, store: store, limiter: limiter, pool: pool, events: events}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/sources/{id}/refresh", s.handleRefreshSource)
	r.Post("/sources/refresh-all", s.handleRefreshAllActive)
	r.Post("/rehash", s.handleRehash)
	r.Post("/groups/{source_id}/{group_name}/enabled", s.handleSetGroupEnabled)

	log.Info("ingestd-admin starting", "addr", cfg.AdminAddr)
	srv := &http.Server{Addr: cfg.AdminAddr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("admin server error", "error", err)
	}
	log.Info("ingestd-admin stopped")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealthz reports process liveness; it does not round-trip to
// Postgres/Redis, since a degraded dependency should surface via /metrics
// and failed refresh jobs, not take the admin surface itself down.
func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /sources/{id}/refresh — enqueues one refresh and returns
// immediately, per §6's "returns immediately" contract; the task lock
// makes a second concurrent trigger for the same source a no-op error
// observed only by that second run, not the caller here.
func (s *server) handleRefreshSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "id")
	if err := validate.IsUUID("id", sourceID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if allowed, retry := s.limiter.CheckRefreshTrigger(r.Context(), sourceID, refreshTriggerRate, refreshTriggerWindow); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, http.StatusTooManyRequests, "refresh triggered too frequently for this source")
		return
	}
	if err := audit.LogActionWithRequest(r, s.pool, "source.refresh", "source", sourceID, nil); err != nil {
		logger.FromContext(r.Context()).Warn("audit log write failed", "error", err)
	}
	go func() {
		if err := s.orc.RefreshSource(context.Background(), sourceID); err != nil {
			logger.FromContext(r.Context()).Error("async refresh failed", "source_id", sourceID, "error", err)
			telemetry.CaptureError(err, map[string]string{"operation": "refresh", "source_id": sourceID})
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh_started", "source_id": sourceID})
}

// POST /sources/refresh-all
func (s *server) handleRefreshAllActive(w http.ResponseWriter, r *http.Request) {
	if allowed, retry := s.limiter.CheckRefreshTrigger(r.Context(), "all", refreshTriggerRate, refreshTriggerWindow); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, http.StatusTooManyRequests, "refresh-all triggered too frequently")
		return
	}
	if err := audit.LogActionWithRequest(r, s.pool, "source.refresh_all", "source", "", nil); err != nil {
		logger.FromContext(r.Context()).Warn("audit log write failed", "error", err)
	}
	go func() {
		if err := s.orc.RefreshAllActive(context.Background()); err != nil {
			logger.FromContext(r.Context()).Error("async refresh-all failed", "error", err)
			telemetry.CaptureError(err, map[string]string{"operation": "refresh_all"})
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh_all_started"})
}

// POST /rehash?keys=url,m3u_account_id
func (s *server) handleRehash(w http.ResponseWriter, r *http.Request) {
	keysParam := r.URL.Query().Get("keys")
	if err := validate.NonEmptyString("keys", keysParam); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	names := strings.Split(keysParam, ",")
	recognized := false
	for _, n := range names {
		switch stream.KeyField(strings.TrimSpace(strings.ToLower(n))) {
		case stream.KeyName, stream.KeyURL, stream.KeyTvgID, stream.KeyM3UAccountID:
			recognized = true
		}
	}
	if !recognized {
		writeError(w, http.StatusBadRequest, "no recognized hash key fields in keys")
		return
	}
	keys := parseHashKeys(names)
	if err := audit.LogActionWithRequest(r, s.pool, "stream.rehash", "stream", "", map[string]any{"keys": keysParam}); err != nil {
		logger.FromContext(r.Context()).Warn("audit log write failed", "error", err)
	}
	go func() {
		if _, err := s.orc.RehashStreams(context.Background(), keys); err != nil {
			logger.FromContext(r.Context()).Error("async rehash failed", "error", err)
			telemetry.CaptureError(err, map[string]string{"operation": "rehash"})
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "rehash_started"})
}

// POST /groups/{source_id}/{group_name}/enabled?value=true|false — runs
// synchronously since it is a single-row toggle, not a refresh pipeline.
func (s *server) handleSetGroupEnabled(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	groupName := chi.URLParam(r, "group_name")
	var verr validate.MultiError
	verr.Add(validate.IsUUID("source_id", sourceID))
	verr.Add(validate.NonEmptyString("group_name", groupName))
	verr.Add(validate.MaxLength("group_name", groupName, 255))
	if verr.HasErrors() {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	enabled, err := strconv.ParseBool(r.URL.Query().Get("value"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "value query param must be true or false")
		return
	}
	if err := s.store.SetGroupEnabled(r.Context(), sourceID, groupName, enabled); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := audit.LogActionWithRequest(r, s.pool, "group.enabled", "group", sourceID+"/"+groupName, map[string]any{"enabled": enabled}); err != nil {
		logger.FromContext(r.Context()).Warn("audit log write failed", "error", err)
	}
	s.events.Append(r.Context(), outbox.EventGroupUpdated, map[string]any{
		"source_id": sourceID, "group_name": groupName, "enabled": enabled,
	})
	writeJSON(w, http.StatusOK, map[string]any{"source_id": sourceID, "group_name": groupName, "enabled": enabled})
}

func parseHashKeys(names []string) []stream.KeyField {
	var out []stream.KeyField
	for _, n := range names {
		switch strings.TrimSpace(strings.ToLower(n)) {
		case "name":
			out = append(out, stream.KeyName)
		case "url":
			out = append(out, stream.KeyURL)
		case "tvg_id":
			out = append(out, stream.KeyTvgID)
		case "m3u_account_id":
			out = append(out, stream.KeyM3UAccountID)
		}
	}
	if len(out) == 0 {
		return []stream.KeyField{stream.KeyURL, stream.KeyM3UAccountID}
	}
	return out
}
