// main.go — ingestd worker entrypoint.
//
// ingestd is the out-of-band worker invoked once per refresh job (§5's
// "orchestrator runs as an out-of-band worker pulled from a job queue —
// exactly one invocation per (source, refresh)"): it wires storage,
// Redis, the Fetcher, and the Refresh Orchestrator, runs exactly the
// job named on the command line, then exits. cmd/ingestd-admin is the
// separate long-running process that accepts triggers and keeps the
// event outbox draining.
//
// Usage:
//
//	ingestd -source=<id>        refresh one source
//	ingestd -all                refresh every active source
//	ingestd -rehash=url,name    recompute every stream's hash under a new key list
//
// Grounded on services/content_acquirer/cmd/main.go's pgxpool + go-redis
// + signal.NotifyContext wiring shape.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/streamforge/ingestd/internal/config"
	"github.com/streamforge/ingestd/internal/fetch"
	"github.com/streamforge/ingestd/internal/lock"
	"github.com/streamforge/ingestd/internal/logger"
	"github.com/streamforge/ingestd/internal/orchestrator"
	"github.com/streamforge/ingestd/internal/outbox"
	"github.com/streamforge/ingestd/internal/progress"
	"github.com/streamforge/ingestd/internal/storage"
	"github.com/streamforge/ingestd/internal/stream"
	"github.com/streamforge/ingestd/internal/telemetry"
)

func main() {
	sourceID := flag.String("source", "", "refresh a single source by id")
	all := flag.Bool("all", false, "refresh every active source")
	rehashKeys := flag.String("rehash", "", "comma-separated hash key list (name,url,tvg_id,m3u_account_id); recomputes every stream's hash")
	flag.Parse()

	if *sourceID == "" && !*all && *rehashKeys == "" {
		log.Fatal("one of -source, -all, or -rehash is required")
	}

	cfg := config.Load()
	log := logger.New(cfg.LogFormat, cfg.LogLevel)
	ctx := logger.WithContext(context.Background(), log)

	if err := telemetry.Init(cfg.SentryDSN, "ingestd", cfg.Version); err != nil {
		log.Error("telemetry init failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("db pool creation failed", "error", err)
		telemetry.CaptureError(err, map[string]string{"operation": "db_pool_init"})
		telemetry.Flush()
		os.Exit(1)
	}
	defer pool.Close()

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Error("redis URL parse failed", "error", err)
		telemetry.CaptureError(err, map[string]string{"operation": "redis_parse"})
		telemetry.Flush()
		os.Exit(1)
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

	switch {
	case *sourceID != "":
		if err := orc.RefreshSource(ctx, *sourceID); err != nil {
			log.Error("refresh source failed", "source_id", *sourceID, "error", err)
			telemetry.CaptureError(err, map[string]string{"operation": "refresh", "source_id": *sourceID})
			telemetry.Flush()
			os.Exit(1)
		}
	case *all:
		if err := orc.RefreshAllActive(ctx); err != nil {
			log.Error("refresh all active failed", "error", err)
			telemetry.CaptureError(err, map[string]string{"operation": "refresh_all"})
			telemetry.Flush()
			os.Exit(1)
		}
	case *rehashKeys != "":
		keys := parseHashKeys(strings.Split(*rehashKeys, ","))
		result, err := orc.RehashStreams(ctx, keys)
		if err != nil {
			log.Error("rehash failed", "error", err)
			telemetry.CaptureError(err, map[string]string{"operation": "rehash"})
			telemetry.Flush()
			os.Exit(1)
		}
		log.Info("rehash complete",
			"total_processed", result.TotalProcessed,
			"duplicates_merged", result.DuplicatesMerged,
			"final_count", result.FinalCount)
	}

	telemetry.Flush()
	log.Info("ingestd job complete")
}

// parseHashKeys converts config's plain string key names into
// stream.KeyField values, skipping any name that does not match a known
// field rather than failing the whole run on a typo'd env var.
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
		default:
			slog.Default().Warn("ignoring unrecognized hash key field", "field", n)
		}
	}
	if len(out) == 0 {
		return []stream.KeyField{stream.KeyURL, stream.KeyM3UAccountID}
	}
	return out
}
