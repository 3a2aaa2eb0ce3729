package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/jellycast/internal/media"
)

// MemoryStore keeps everything in process memory. State is lost on exit;
// it serves tests and single-shot runs.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]media.ItemSnapshot
	pending   map[string]media.PendingDeletion
	jobs      map[uuid.UUID]*Job
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]media.ItemSnapshot),
		pending:   make(map[string]media.PendingDeletion),
		jobs:      make(map[uuid.UUID]*Job),
	}
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, id string) (*media.ItemSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) PutSnapshot(ctx context.Context, snap *media.ItemSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.ID] = *snap
	return nil
}

func (m *MemoryStore) DeleteSnapshot(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, id)
	return nil
}

func (m *MemoryStore) CountSnapshots(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots), nil
}

func (m *MemoryStore) GetPendingDeletion(ctx context.Context, id string) (*media.PendingDeletion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) PutPendingDeletion(ctx context.Context, p *media.PendingDeletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.ItemID] = *p
	return nil
}

func (m *MemoryStore) DeletePendingDeletion(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	return nil
}

func (m *MemoryStore) ListExpiredPendingDeletions(ctx context.Context, now time.Time) ([]*media.PendingDeletion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*media.PendingDeletion
	for _, p := range m.pending {
		if p.Expired(now) {
			p := p
			out = append(out, &p)
		}
	}
	sortPending(out)
	return out, nil
}

func (m *MemoryStore) ListPendingDeletions(ctx context.Context) ([]*media.PendingDeletion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*media.PendingDeletion, 0, len(m.pending))
	for _, p := range m.pending {
		p := p
		out = append(out, &p)
	}
	sortPending(out)
	return out, nil
}

func sortPending(ps []*media.PendingDeletion) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ExpiresAt.Before(ps[j].ExpiresAt) })
}

func (m *MemoryStore) SaveJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := job.Clone()
	if existing, ok := m.jobs[job.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	c.UpdatedAt = time.Now()
	m.jobs[job.ID] = c
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) ListUnfinishedJobs(ctx context.Context) ([]*Job, error) {
	return m.listJobs(func(j *Job) bool { return !j.Finished() }, false), nil
}

func (m *MemoryStore) ListDeadLetters(ctx context.Context, limit, offset int) ([]*Job, error) {
	all := m.listJobs(func(j *Job) bool { return j.State == JobDeadLettered }, true)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) PurgeFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.Finished() && j.UpdatedAt.Before(before) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) listJobs(keep func(*Job) bool, newestFirst bool) []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Job
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if newestFirst {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

func (m *MemoryStore) Health(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
