// Package db persists item snapshots, pending deletions and notification
// jobs. Three backends implement Store: in-memory, SQLite and PostgreSQL.
package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/jellycast/internal/media"
)

// StateStore keeps the last known state of every item and the deletions
// awaiting correlation. Implementations make each call atomic; callers
// serialize read-decide-write sequences per item themselves.
type StateStore interface {
	GetSnapshot(ctx context.Context, id string) (*media.ItemSnapshot, error)
	PutSnapshot(ctx context.Context, snap *media.ItemSnapshot) error
	DeleteSnapshot(ctx context.Context, id string) error
	CountSnapshots(ctx context.Context) (int, error)

	GetPendingDeletion(ctx context.Context, id string) (*media.PendingDeletion, error)
	PutPendingDeletion(ctx context.Context, p *media.PendingDeletion) error
	DeletePendingDeletion(ctx context.Context, id string) error
	ListExpiredPendingDeletions(ctx context.Context, now time.Time) ([]*media.PendingDeletion, error)
	ListPendingDeletions(ctx context.Context) ([]*media.PendingDeletion, error)
}

// JobStore persists notification jobs so queued work survives restarts.
type JobStore interface {
	SaveJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	// ListUnfinishedJobs returns pending and in-flight jobs, oldest first.
	ListUnfinishedJobs(ctx context.Context) ([]*Job, error)
	ListDeadLetters(ctx context.Context, limit, offset int) ([]*Job, error)
	PurgeFinishedJobs(ctx context.Context, before time.Time) (int64, error)
}

// Store is a complete persistence backend.
type Store interface {
	StateStore
	JobStore
	Health(ctx context.Context) error
	Close() error
}
