package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/media"
)

// Repository is the PostgreSQL Store. The schema lives in migrations/ and is
// applied by cmd/migrator.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new PostgreSQL-backed store
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetSnapshot retrieves an item snapshot by ID
func (r *Repository) GetSnapshot(ctx context.Context, id string) (*media.ItemSnapshot, error) {
	query := `
		SELECT item_id, content_type, name, attributes, fingerprint, last_seen
		FROM item_snapshots
		WHERE item_id = $1
	`

	var snap media.ItemSnapshot
	var attrs []byte
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&snap.ID,
		&snap.ContentType,
		&snap.Name,
		&attrs,
		&snap.Fingerprint,
		&snap.LastSeen,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	if err := json.Unmarshal(attrs, &snap.Attributes); err != nil {
		return nil, fmt.Errorf("decode snapshot attributes: %w", err)
	}

	return &snap, nil
}

// PutSnapshot upserts an item snapshot
func (r *Repository) PutSnapshot(ctx context.Context, snap *media.ItemSnapshot) error {
	attrs, err := json.Marshal(snap.Attributes)
	if err != nil {
		return fmt.Errorf("encode snapshot attributes: %w", err)
	}

	query := `
		INSERT INTO item_snapshots (item_id, content_type, name, attributes, fingerprint, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (item_id) DO UPDATE SET
			content_type = EXCLUDED.content_type,
			name = EXCLUDED.name,
			attributes = EXCLUDED.attributes,
			fingerprint = EXCLUDED.fingerprint,
			last_seen = EXCLUDED.last_seen
	`

	_, err = r.db.Pool().Exec(ctx, query,
		snap.ID,
		string(snap.ContentType),
		snap.Name,
		attrs,
		snap.Fingerprint,
		snap.LastSeen,
	)
	if err != nil {
		r.logger.Error("failed to upsert snapshot",
			zap.Error(err),
			zap.String("item_id", snap.ID),
		)
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	return nil
}

// DeleteSnapshot removes an item snapshot
func (r *Repository) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM item_snapshots WHERE item_id = $1`, id); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// CountSnapshots returns the number of tracked items
func (r *Repository) CountSnapshots(ctx context.Context) (int, error) {
	var n int
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM item_snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

const pendingColumns = `item_id, ref, deleted_at, expires_at`

// GetPendingDeletion retrieves a pending deletion by item ID
func (r *Repository) GetPendingDeletion(ctx context.Context, id string) (*media.PendingDeletion, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_deletions WHERE item_id = $1`

	p, err := scanPending(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pending deletion: %w", err)
	}
	return p, nil
}

// PutPendingDeletion creates or refreshes a pending deletion
func (r *Repository) PutPendingDeletion(ctx context.Context, p *media.PendingDeletion) error {
	ref, err := json.Marshal(p.Ref)
	if err != nil {
		return fmt.Errorf("encode pending ref: %w", err)
	}

	query := `
		INSERT INTO pending_deletions (item_id, ref, deleted_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (item_id) DO UPDATE SET
			ref = EXCLUDED.ref,
			deleted_at = EXCLUDED.deleted_at,
			expires_at = EXCLUDED.expires_at
	`

	if _, err := r.db.Pool().Exec(ctx, query, p.ItemID, ref, p.DeletedAt, p.ExpiresAt); err != nil {
		r.logger.Error("failed to upsert pending deletion",
			zap.Error(err),
			zap.String("item_id", p.ItemID),
		)
		return fmt.Errorf("upsert pending deletion: %w", err)
	}
	return nil
}

// DeletePendingDeletion removes a pending deletion
func (r *Repository) DeletePendingDeletion(ctx context.Context, id string) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM pending_deletions WHERE item_id = $1`, id); err != nil {
		return fmt.Errorf("delete pending deletion: %w", err)
	}
	return nil
}

// ListExpiredPendingDeletions returns pending deletions whose window closed
func (r *Repository) ListExpiredPendingDeletions(ctx context.Context, now time.Time) ([]*media.PendingDeletion, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_deletions WHERE expires_at <= $1 ORDER BY expires_at ASC`
	return r.queryPending(ctx, query, now)
}

// ListPendingDeletions returns every pending deletion
func (r *Repository) ListPendingDeletions(ctx context.Context) ([]*media.PendingDeletion, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_deletions ORDER BY expires_at ASC`
	return r.queryPending(ctx, query)
}

func (r *Repository) queryPending(ctx context.Context, query string, args ...any) ([]*media.PendingDeletion, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending deletions: %w", err)
	}
	defer rows.Close()

	var out []*media.PendingDeletion
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending deletion: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func scanPending(row pgx.Row) (*media.PendingDeletion, error) {
	var p media.PendingDeletion
	var ref []byte
	if err := row.Scan(&p.ItemID, &ref, &p.DeletedAt, &p.ExpiresAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ref, &p.Ref); err != nil {
		return nil, fmt.Errorf("decode pending ref: %w", err)
	}
	return &p, nil
}

const jobColumns = `
	id, channel, item_id, kind, content_type, group_key, payload,
	state, attempt, next_attempt_at, last_error, created_at, updated_at
`

// SaveJob upserts a notification job
func (r *Repository) SaveJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO notification_jobs (
			id, channel, item_id, kind, content_type, group_key, payload,
			state, attempt, next_attempt_at, last_error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			attempt = EXCLUDED.attempt,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		job.ID,
		job.Channel,
		job.ItemID,
		job.Kind,
		job.ContentType,
		job.GroupKey,
		[]byte(job.Payload),
		job.State,
		job.Attempt,
		job.NextAttemptAt,
		job.LastError,
		job.CreatedAt,
	).Scan(&job.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to save job",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return fmt.Errorf("save job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM notification_jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// ListUnfinishedJobs returns pending and in-flight jobs in creation order
func (r *Repository) ListUnfinishedJobs(ctx context.Context) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM notification_jobs
		WHERE state IN ('pending', 'in_flight')
		ORDER BY created_at ASC
	`
	return r.queryJobs(ctx, query)
}

// ListDeadLetters returns dead-lettered jobs, newest first
func (r *Repository) ListDeadLetters(ctx context.Context, limit, offset int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM notification_jobs
		WHERE state = 'dead_lettered'
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	return r.queryJobs(ctx, query, limit, offset)
}

// PurgeFinishedJobs deletes delivered and dead-lettered jobs last touched before the cutoff
func (r *Repository) PurgeFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM notification_jobs
		WHERE state IN ('delivered', 'dead_lettered') AND updated_at < $1
	`

	result, err := r.db.Pool().Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}

	if n := result.RowsAffected(); n > 0 {
		r.logger.Info("purged finished jobs", zap.Int64("count", n))
	}
	return result.RowsAffected(), nil
}

func (r *Repository) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var job Job
	var payload []byte
	err := row.Scan(
		&job.ID,
		&job.Channel,
		&job.ItemID,
		&job.Kind,
		&job.ContentType,
		&job.GroupKey,
		&payload,
		&job.State,
		&job.Attempt,
		&job.NextAttemptAt,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Payload = payload
	return &job, nil
}

// Health pings the pool
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// Close releases the pool
func (r *Repository) Close() error {
	r.db.Close()
	return nil
}
