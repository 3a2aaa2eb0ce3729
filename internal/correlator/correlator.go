// Package correlator holds deletions for a short window so that a delete
// followed by a re-add of the same content (a file upgrade) can be reported
// as one change instead of a deletion and a new item.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/db"
	"github.com/lalithlochan/jellycast/internal/keylock"
	"github.com/lalithlochan/jellycast/internal/media"
)

// ErrAlreadyResolved is returned internally when a pending record was
// matched or expired by a concurrent caller.
var ErrAlreadyResolved = errors.New("pending deletion already resolved")

// Strategy names accepted in the match policy.
const (
	MatchID       = "id"
	MatchEpisode  = "episode"
	MatchProvider = "provider"
	MatchPath     = "path"
)

// DefaultPolicy is used when no policy is configured.
var DefaultPolicy = []string{MatchID, MatchEpisode, MatchProvider}

// Sink receives deletions that survived the correlation window.
type Sink func(ctx context.Context, p *media.PendingDeletion)

// Config tunes the correlator.
type Config struct {
	Delay time.Duration
	// Policy is the ordered list of strategies tried by Match. The id
	// strategy is always tried first.
	Policy []string
	// Immediate disables holding: deletions go straight to the sink.
	Immediate bool
	// ScanInterval defaults to Delay.
	ScanInterval time.Duration
}

// Correlator tracks pending deletions. The store is the source of truth; the
// in-memory index only narrows candidate lookups for the non-id strategies.
type Correlator struct {
	cfg    Config
	store  db.StateStore
	sink   Sink
	locks  *keylock.Locker
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	index   map[string]media.PendingDeletion
	timers  map[string]*time.Timer
	baseCtx context.Context
}

// New creates a correlator. Call Run to recover persisted records and start
// the expiry scan.
func New(cfg Config, store db.StateStore, sink Sink, logger *zap.Logger) *Correlator {
	if cfg.Delay <= 0 {
		cfg.Delay = 30 * time.Second
	}
	if len(cfg.Policy) == 0 {
		cfg.Policy = DefaultPolicy
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = cfg.Delay
	}
	return &Correlator{
		cfg:     cfg,
		store:   store,
		sink:    sink,
		locks:   keylock.New(),
		logger:  logger,
		now:     time.Now,
		index:   make(map[string]media.PendingDeletion),
		timers:  make(map[string]*time.Timer),
		baseCtx: context.Background(),
	}
}

// SetClock replaces the time source used by timer callbacks.
func (c *Correlator) SetClock(now func() time.Time) {
	c.now = now
}

// Delay returns the correlation window.
func (c *Correlator) Delay() time.Duration {
	return c.cfg.Delay
}

// OnDeleted records a deletion. It returns true when the deletion was handed
// to the sink right away instead of being held.
func (c *Correlator) OnDeleted(ctx context.Context, ref media.ItemRef, now time.Time) (bool, error) {
	p := &media.PendingDeletion{
		ItemID:    ref.ID,
		Ref:       ref,
		DeletedAt: now,
		ExpiresAt: now.Add(c.cfg.Delay),
	}

	if c.cfg.Immediate {
		c.sink(ctx, p)
		return true, nil
	}

	unlock := c.locks.Lock(ref.ID)
	defer unlock()

	if err := c.store.PutPendingDeletion(ctx, p); err != nil {
		return false, fmt.Errorf("hold deletion %s: %w", ref.ID, err)
	}

	c.mu.Lock()
	c.index[ref.ID] = *p
	c.armLocked(ref.ID, c.cfg.Delay)
	c.mu.Unlock()

	c.logger.Debug("deletion held",
		zap.String("item_id", ref.ID),
		zap.Time("expires_at", p.ExpiresAt),
	)
	return false, nil
}

// Match looks for a pending deletion describing the same content as ref. On
// success the record is removed and returned, and its deletion will never be
// emitted. A nil record means nothing matched.
func (c *Correlator) Match(ctx context.Context, ref media.ItemRef, now time.Time) (*media.PendingDeletion, error) {
	for _, id := range c.candidates(ref) {
		p, err := c.claim(ctx, id, now)
		if errors.Is(err, ErrAlreadyResolved) {
			continue
		}
		if err != nil {
			return nil, err
		}
		c.logger.Info("deletion correlated with re-add",
			zap.String("deleted_id", p.ItemID),
			zap.String("added_id", ref.ID),
		)
		return p, nil
	}
	return nil, nil
}

// claim removes the pending record for id if it is still open. An expired
// record found here is finalized as a deletion instead.
func (c *Correlator) claim(ctx context.Context, id string, now time.Time) (*media.PendingDeletion, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	p, err := c.store.GetPendingDeletion(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		c.forget(id)
		return nil, ErrAlreadyResolved
	}
	if err != nil {
		return nil, fmt.Errorf("load pending deletion %s: %w", id, err)
	}

	if err := c.store.DeletePendingDeletion(ctx, id); err != nil {
		return nil, fmt.Errorf("resolve pending deletion %s: %w", id, err)
	}

	// The index entry stays until the sink returns so a concurrent Match
	// for the same content blocks on the lock instead of missing it.
	if p.Expired(now) {
		c.sink(ctx, p)
		c.forget(id)
		return nil, ErrAlreadyResolved
	}
	c.forget(id)
	return p, nil
}

// expire finalizes id if its window has closed. Refreshed records are left
// alone; their own timer handles them.
func (c *Correlator) expire(ctx context.Context, id string, now time.Time) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	p, err := c.store.GetPendingDeletion(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		c.forget(id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pending deletion %s: %w", id, err)
	}
	if !p.Expired(now) {
		return nil
	}

	if err := c.store.DeletePendingDeletion(ctx, id); err != nil {
		return fmt.Errorf("expire pending deletion %s: %w", id, err)
	}

	c.logger.Info("deletion confirmed",
		zap.String("item_id", id),
		zap.String("name", p.Ref.Name),
	)
	c.sink(ctx, p)
	c.forget(id)
	return nil
}

// Scan finalizes every stored record whose window closed by now.
func (c *Correlator) Scan(ctx context.Context, now time.Time) (int, error) {
	expired, err := c.store.ListExpiredPendingDeletions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired deletions: %w", err)
	}
	for _, p := range expired {
		if err := c.expire(ctx, p.ItemID, now); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// Recover rebuilds the index from the store and arms a timer per record.
func (c *Correlator) Recover(ctx context.Context) error {
	pending, err := c.store.ListPendingDeletions(ctx)
	if err != nil {
		return fmt.Errorf("list pending deletions: %w", err)
	}

	now := c.now()
	c.mu.Lock()
	for _, p := range pending {
		c.index[p.ItemID] = *p
		c.armLocked(p.ItemID, p.ExpiresAt.Sub(now))
	}
	c.mu.Unlock()

	if len(pending) > 0 {
		c.logger.Info("recovered pending deletions", zap.Int("count", len(pending)))
	}
	return nil
}

// Run recovers persisted records and scans for expired ones until ctx is
// cancelled.
func (c *Correlator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	if err := c.Recover(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.stopTimers()
			return nil
		case <-ticker.C:
			if _, err := c.Scan(ctx, c.now()); err != nil {
				c.logger.Error("expiry scan failed", zap.Error(err))
			}
		}
	}
}

// Len returns the number of held deletions.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Correlator) armLocked(id string, after time.Duration) {
	if t, ok := c.timers[id]; ok {
		t.Stop()
	}
	if after < 0 {
		after = 0
	}
	c.timers[id] = time.AfterFunc(after, func() {
		c.mu.Lock()
		ctx := c.baseCtx
		c.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := c.expire(ctx, id, c.now()); err != nil {
			c.logger.Error("deletion expiry failed", zap.String("item_id", id), zap.Error(err))
		}
	})
}

func (c *Correlator) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.index, id)
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Correlator) stopTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

// candidates returns pending record IDs that may describe ref, in policy
// order, without duplicates.
func (c *Correlator) candidates(ref media.ItemRef) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	add := func(ids []string) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}

	// The exact ID is always checked against the store, even if the index
	// has not seen it yet.
	add([]string{ref.ID})

	for _, strategy := range c.cfg.Policy {
		var match func(media.ItemRef, media.ItemRef) bool
		switch strategy {
		case MatchEpisode:
			match = sameEpisode
		case MatchProvider:
			match = sameProvider
		case MatchPath:
			match = samePath
		default:
			continue
		}

		var hits []media.PendingDeletion
		for _, p := range c.index {
			if match(p.Ref, ref) {
				hits = append(hits, p)
			}
		}
		sort.Slice(hits, func(i, j int) bool {
			if hits[i].DeletedAt.Equal(hits[j].DeletedAt) {
				return hits[i].ItemID < hits[j].ItemID
			}
			return hits[i].DeletedAt.Before(hits[j].DeletedAt)
		})
		ids := make([]string, len(hits))
		for i, p := range hits {
			ids[i] = p.ItemID
		}
		add(ids)
	}
	return out
}

func sameEpisode(a, b media.ItemRef) bool {
	if a.ContentType != media.ContentEpisode || b.ContentType != media.ContentEpisode {
		return false
	}
	if a.Season != b.Season || a.Episode != b.Episode {
		return false
	}
	if a.SeriesID != "" && b.SeriesID != "" {
		return a.SeriesID == b.SeriesID
	}
	return a.SeriesName != "" && strings.EqualFold(a.SeriesName, b.SeriesName)
}

func sameProvider(a, b media.ItemRef) bool {
	if a.ContentType != b.ContentType {
		return false
	}
	for k, v := range a.Providers {
		if v != "" && b.Providers[k] == v {
			return true
		}
	}
	return false
}

func samePath(a, b media.ItemRef) bool {
	return a.Path != "" && a.Path == b.Path
}
