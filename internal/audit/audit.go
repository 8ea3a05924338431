// Package audit provides a tamper-evident trail of every admin action that
// changes ingestion state: triggered refreshes, rehashes, and group
// enable/disable toggles.
//
// Actor type is always "admin" for this single-tenant control plane (no
// subscriber-facing surface exists in this domain); action naming follows
// "{resource}.{verb}", e.g. "source.refresh", "group.enabled".
package audit

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LogAction inserts a row into the audit_log table. Failures are logged by
// the caller but never propagated — audit writes are best-effort and must
// never turn an otherwise-successful trigger into an HTTP error.
func LogAction(ctx context.Context, pool *pgxpool.Pool, action, resourceType, resourceID string, details map[string]any) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		detailsJSON = []byte("{}")
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO audit_log (actor_type, action, resource_type, resource_id, details)
		VALUES ('admin', $1, $2, $3, $4)`,
		action, resourceType, resourceID, string(detailsJSON))
	return err
}

// LogActionWithRequest is a convenience wrapper that also captures the
// request's source IP from an http.Request.
func LogActionWithRequest(r *http.Request, pool *pgxpool.Pool, action, resourceType, resourceID string, details map[string]any) error {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.RemoteAddr
	}

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		detailsJSON = []byte("{}")
	}

	_, err = pool.Exec(r.Context(), `
		INSERT INTO audit_log (actor_type, action, resource_type, resource_id, details, ip_address)
		VALUES ('admin', $1, $2, $3, $4, $5)`,
		action, resourceType, resourceID, string(detailsJSON), ip)
	return err
}
