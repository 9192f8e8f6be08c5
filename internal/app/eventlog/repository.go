package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/studydeck/workspace/internal/workspace"
)

var ErrWorkspaceRequired = errors.New("workspace_id is required")
var ErrDuplicateEvent = errors.New("event id already appended")
var ErrAppendContention = errors.New("append retries exhausted")

const pgUniqueViolation = "23505"

// appendAttempts bounds the optimistic version-allocation retry loop. Version
// numbers are claimed with COALESCE(MAX(version),0)+1 under a UNIQUE
// (workspace_id, version) constraint; a concurrent append to the same
// workspace loses the race with a 23505 and simply re-reads the max.
const appendAttempts = 5

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS workspace_events (
  event_id text PRIMARY KEY,
  workspace_id text NOT NULL,
  version bigint NOT NULL,
  event_type text NOT NULL,
  payload jsonb NOT NULL DEFAULT '{}'::jsonb,
  actor_user_id text NOT NULL,
  actor_name text NOT NULL DEFAULT '',
  occurred_at timestamptz NOT NULL,
  inserted_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (workspace_id, version)
)`

const createEventsVersionIndexSQL = `
CREATE INDEX IF NOT EXISTS workspace_events_ws_version_idx
ON workspace_events (workspace_id, version)`

const appendEventSQL = `
INSERT INTO workspace_events (
  event_id, workspace_id, version, event_type, payload,
  actor_user_id, actor_name, occurred_at
)
SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5, $6, $7
FROM workspace_events
WHERE workspace_id = $2
RETURNING version
`

const listEventsAfterSQL = `
SELECT event_id, version, event_type, payload, actor_user_id, actor_name, occurred_at
FROM workspace_events
WHERE workspace_id = $1 AND version > $2
ORDER BY version ASC
LIMIT $3
`

const maxVersionSQL = `
SELECT COALESCE(MAX(version), 0)
FROM workspace_events
WHERE workspace_id = $1
`

// Repository is the durable per-workspace event log. Events are append-only;
// nothing here updates or deletes a persisted row.
type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createEventsTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createEventsVersionIndexSQL); err != nil {
		return err
	}
	return nil
}

// AppendEvent durably persists the event with the next version for the
// workspace and returns the assigned version. Safe under concurrent appends:
// the (workspace_id, version) uniqueness constraint arbitrates races and the
// loser retries against the new max.
func (r *Repository) AppendEvent(ctx context.Context, workspaceID string, event workspace.Event) (int64, error) {
	if workspaceID == "" {
		return 0, ErrWorkspaceRequired
	}

	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		var version int64
		err := r.Pool.QueryRow(ctx, appendEventSQL,
			event.EventID,
			workspaceID,
			event.Type,
			payload,
			event.ActorUserID,
			event.ActorName,
			event.OccurredAt,
		).Scan(&version)
		if err == nil {
			return version, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			if pgErr.ConstraintName == "workspace_events_pkey" {
				return 0, ErrDuplicateEvent
			}
			lastErr = err
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
			}
			continue
		}
		return 0, err
	}
	return 0, errors.Join(ErrAppendContention, lastErr)
}

// ListEventsAfter returns up to limit events with version strictly greater
// than afterVersion, ascending. Callers page by passing the last version seen.
func (r *Repository) ListEventsAfter(ctx context.Context, workspaceID string, afterVersion int64, limit int) ([]workspace.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := r.Pool.Query(ctx, listEventsAfterSQL, workspaceID, afterVersion, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]workspace.Event, 0, limit)
	for rows.Next() {
		var ev workspace.Event
		if err := rows.Scan(
			&ev.EventID,
			&ev.Version,
			&ev.Type,
			&ev.Payload,
			&ev.ActorUserID,
			&ev.ActorName,
			&ev.OccurredAt,
		); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// MaxVersion returns the highest version appended for the workspace, zero if
// the log is empty.
func (r *Repository) MaxVersion(ctx context.Context, workspaceID string) (int64, error) {
	var version int64
	if err := r.Pool.QueryRow(ctx, maxVersionSQL, workspaceID).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
