// Package telemetry wires error tracking for the ingestd binaries.
//
// Usage in main:
//
//	telemetry.Init(cfg.SentryDSN, "ingestd", version)
//	defer telemetry.Flush()
//
// Usage at a failure site:
//
//	telemetry.CaptureError(err, map[string]string{"source_id": sourceID, "operation": "refresh"})
package telemetry

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// Init initializes the Sentry SDK for a named ingestd binary. Call once at
// process startup. dsn may be empty — Sentry is then disabled and every
// other function in this package becomes a no-op.
func Init(dsn, binaryName, release string) error {
	if dsn == "" {
		fmt.Fprintf(os.Stderr, "[telemetry] SENTRY_DSN not set — Sentry disabled for %s\n", binaryName)
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          release,
		TracesSampleRate: 0.2,
		AttachStacktrace: true,
		Tags: map[string]string{
			"service": binaryName,
		},
	})
	if err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	return nil
}

// CaptureError sends an error to Sentry with optional context tags.
// Tags typically include source_id and operation. Safe to call when
// Sentry is disabled.
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Flush waits for buffered Sentry events to be sent. Call with defer in main.
func Flush() {
	sentry.Flush(2 * time.Second)
}
