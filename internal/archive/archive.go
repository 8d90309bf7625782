// Package archive persists terminal session summaries to PostgreSQL.
//
// The engine itself is in-memory; the archive is an optional durable
// record of completed imports for reporting. Writes are best-effort and
// issued by the lifecycle manager after the session's bulk state is
// already freed, so archive latency never sits on a request path.
package archive

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/importflow/internal/session"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS import_session_archive (
    session_id       UUID PRIMARY KEY,
    status           TEXT NOT NULL,
    total_records    INTEGER NOT NULL,
    remaining_errors INTEGER NOT NULL,
    resolved_count   INTEGER NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    ended_at         TIMESTAMPTZ NOT NULL
)`

const insertSQL = `
INSERT INTO import_session_archive
    (session_id, status, total_records, remaining_errors, resolved_count, created_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id) DO UPDATE SET
    status           = EXCLUDED.status,
    remaining_errors = EXCLUDED.remaining_errors,
    resolved_count   = EXCLUDED.resolved_count,
    ended_at         = EXCLUDED.ended_at`

// Archive writes session summaries to the import_session_archive table.
type Archive struct {
	pool *pgxpool.Pool
}

// New creates an archive over an existing connection pool.
func New(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// EnsureSchema creates the archive table if it does not exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("ensure archive schema: %w", err)
	}
	return nil
}

// Record upserts one terminal session summary.
func (a *Archive) Record(ctx context.Context, sum session.Summary) error {
	var id pgtype.UUID
	if err := id.Scan(sum.ID); err != nil {
		return fmt.Errorf("archive session id: %w", err)
	}

	_, err := a.pool.Exec(ctx, insertSQL,
		id,
		string(sum.Status),
		int32(sum.TotalRecords),
		int32(sum.RemainingErrors),
		int32(sum.ResolvedCount),
		pgtype.Timestamptz{Time: sum.CreatedAt, Valid: true},
		pgtype.Timestamptz{Time: sum.EndedAt, Valid: true},
	)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", sum.ID, err)
	}
	return nil
}
