package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/media"

	_ "modernc.org/sqlite" // pure Go driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS item_snapshots (
	item_id TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	attributes TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	last_seen INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_deletions (
	item_id TEXT PRIMARY KEY,
	ref TEXT NOT NULL,
	deleted_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_deletions_expires_at ON pending_deletions(expires_at);

CREATE TABLE IF NOT EXISTS notification_jobs (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	item_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	group_key TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	state TEXT NOT NULL CHECK(state IN ('pending', 'in_flight', 'delivered', 'dead_lettered')),
	attempt INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notification_jobs_state ON notification_jobs(state, created_at);
`

// SQLiteConfig configures the embedded store.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// SQLiteStore is the default single-node Store.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at cfg.Path in WAL mode
// and applies the schema.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig, logger *zap.Logger) (*SQLiteStore, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	if _, err := sqlDB.ExecContext(ctx, sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	logger.Info("sqlite store opened", zap.String("path", cfg.Path))

	return &SQLiteStore{db: sqlDB, logger: logger}, nil
}

func unixNano(t time.Time) int64 { return t.UnixNano() }

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*media.ItemSnapshot, error) {
	query := `
	SELECT item_id, content_type, name, attributes, fingerprint, last_seen
	FROM item_snapshots
	WHERE item_id = ?
	`

	var snap media.ItemSnapshot
	var attrs string
	var lastSeen int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(&snap.ID, &snap.ContentType, &snap.Name, &attrs, &snap.Fingerprint, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &snap.Attributes); err != nil {
		return nil, fmt.Errorf("decode snapshot attributes: %w", err)
	}
	snap.LastSeen = fromUnixNano(lastSeen)
	return &snap, nil
}

func (s *SQLiteStore) PutSnapshot(ctx context.Context, snap *media.ItemSnapshot) error {
	attrs, err := json.Marshal(snap.Attributes)
	if err != nil {
		return fmt.Errorf("encode snapshot attributes: %w", err)
	}

	query := `
	INSERT INTO item_snapshots (item_id, content_type, name, attributes, fingerprint, last_seen)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(item_id) DO UPDATE SET
		content_type = excluded.content_type,
		name = excluded.name,
		attributes = excluded.attributes,
		fingerprint = excluded.fingerprint,
		last_seen = excluded.last_seen
	`
	_, err = s.db.ExecContext(ctx, query, snap.ID, string(snap.ContentType), snap.Name, string(attrs), snap.Fingerprint, unixNano(snap.LastSeen))
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM item_snapshots WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountSnapshots(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM item_snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) GetPendingDeletion(ctx context.Context, id string) (*media.PendingDeletion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT item_id, ref, deleted_at, expires_at FROM pending_deletions WHERE item_id = ?`, id)
	p, err := scanSQLitePending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pending deletion: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) PutPendingDeletion(ctx context.Context, p *media.PendingDeletion) error {
	ref, err := json.Marshal(p.Ref)
	if err != nil {
		return fmt.Errorf("encode pending ref: %w", err)
	}

	query := `
	INSERT INTO pending_deletions (item_id, ref, deleted_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(item_id) DO UPDATE SET
		ref = excluded.ref,
		deleted_at = excluded.deleted_at,
		expires_at = excluded.expires_at
	`
	if _, err := s.db.ExecContext(ctx, query, p.ItemID, string(ref), unixNano(p.DeletedAt), unixNano(p.ExpiresAt)); err != nil {
		return fmt.Errorf("upsert pending deletion: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeletePendingDeletion(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_deletions WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("delete pending deletion: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListExpiredPendingDeletions(ctx context.Context, now time.Time) ([]*media.PendingDeletion, error) {
	return s.queryPending(ctx, `
	SELECT item_id, ref, deleted_at, expires_at
	FROM pending_deletions
	WHERE expires_at <= ?
	ORDER BY expires_at
	`, unixNano(now))
}

func (s *SQLiteStore) ListPendingDeletions(ctx context.Context) ([]*media.PendingDeletion, error) {
	return s.queryPending(ctx, `
	SELECT item_id, ref, deleted_at, expires_at
	FROM pending_deletions
	ORDER BY expires_at
	`)
}

func (s *SQLiteStore) queryPending(ctx context.Context, query string, args ...any) ([]*media.PendingDeletion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending deletions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*media.PendingDeletion
	for rows.Next() {
		p, err := scanSQLitePending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending deletion: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePending(row rowScanner) (*media.PendingDeletion, error) {
	var p media.PendingDeletion
	var ref string
	var deletedAt, expiresAt int64
	if err := row.Scan(&p.ItemID, &ref, &deletedAt, &expiresAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ref), &p.Ref); err != nil {
		return nil, fmt.Errorf("decode pending ref: %w", err)
	}
	p.DeletedAt = fromUnixNano(deletedAt)
	p.ExpiresAt = fromUnixNano(expiresAt)
	return &p, nil
}

const sqliteJobColumns = `id, channel, item_id, kind, content_type, group_key, payload,
	state, attempt, next_attempt_at, last_error, created_at, updated_at`

func (s *SQLiteStore) SaveJob(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	query := `
	INSERT INTO notification_jobs (` + sqliteJobColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state = excluded.state,
		attempt = excluded.attempt,
		next_attempt_at = excluded.next_attempt_at,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID.String(),
		job.Channel,
		job.ItemID,
		job.Kind,
		job.ContentType,
		job.GroupKey,
		string(job.Payload),
		job.State,
		job.Attempt,
		unixNano(job.NextAttemptAt),
		job.LastError,
		unixNano(job.CreatedAt),
		unixNano(now),
	)
	if err != nil {
		s.logger.Error("failed to save job", zap.Error(err), zap.String("job_id", job.ID.String()))
		return fmt.Errorf("save job: %w", err)
	}
	job.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM notification_jobs WHERE id = ?`, id.String())
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListUnfinishedJobs(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, `
	SELECT `+sqliteJobColumns+`
	FROM notification_jobs
	WHERE state IN ('pending', 'in_flight')
	ORDER BY created_at ASC
	`)
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit, offset int) ([]*Job, error) {
	return s.queryJobs(ctx, `
	SELECT `+sqliteJobColumns+`
	FROM notification_jobs
	WHERE state = 'dead_lettered'
	ORDER BY created_at DESC
	LIMIT ? OFFSET ?
	`, limit, offset)
}

func (s *SQLiteStore) PurgeFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
	DELETE FROM notification_jobs
	WHERE state IN ('delivered', 'dead_lettered') AND updated_at < ?
	`, unixNano(before))
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanSQLiteJob(row rowScanner) (*Job, error) {
	var job Job
	var id, payload string
	var next, created, updated int64
	err := row.Scan(&id, &job.Channel, &job.ItemID, &job.Kind, &job.ContentType, &job.GroupKey, &payload,
		&job.State, &job.Attempt, &next, &job.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	job.Payload = json.RawMessage(payload)
	job.NextAttemptAt = fromUnixNano(next)
	job.CreatedAt = fromUnixNano(created)
	job.UpdatedAt = fromUnixNano(updated)
	return &job, nil
}

func (s *SQLiteStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
