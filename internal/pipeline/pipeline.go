// Package pipeline is the single entry point for inbound media events. It
// classifies each event, correlates deletions with re-adds, detects changes
// against stored item state, routes the result and enqueues notifications.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/classifier"
	"github.com/lalithlochan/jellycast/internal/correlator"
	"github.com/lalithlochan/jellycast/internal/db"
	"github.com/lalithlochan/jellycast/internal/detector"
	"github.com/lalithlochan/jellycast/internal/jellyfin"
	"github.com/lalithlochan/jellycast/internal/keylock"
	"github.com/lalithlochan/jellycast/internal/media"
	"github.com/lalithlochan/jellycast/internal/metrics"
	"github.com/lalithlochan/jellycast/internal/render"
	"github.com/lalithlochan/jellycast/internal/router"
)

// ErrStateStore marks an event aborted because the state store failed. The
// event was not finalized and may be redelivered.
var ErrStateStore = errors.New("state store unavailable")

// Enqueuer accepts notifications for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, channel string, n render.Notification) (*db.Job, error)
}

// ItemFetcher loads full item details from the media server.
type ItemFetcher interface {
	GetItem(ctx context.Context, id string) (*jellyfin.Item, error)
}

// Config tunes the pipeline stages.
type Config struct {
	Correlation correlator.Config
	Detection   detector.Config
}

// Result describes what happened to one event.
type Result struct {
	ItemID  string        `json:"item_id"`
	Kind    string        `json:"kind"`
	Outcome media.Outcome `json:"outcome"`
	Channel string        `json:"channel,omitempty"`
}

// Stats is a point-in-time view of processed events.
type Stats struct {
	Outcomes         map[media.Outcome]int64 `json:"outcomes"`
	Rejected         int64                   `json:"rejected"`
	PendingDeletions int                     `json:"pending_deletions"`
}

// Pipeline processes events. Different items are processed concurrently;
// events for the same item are serialized.
type Pipeline struct {
	store      db.StateStore
	correlator *correlator.Correlator
	detector   *detector.Detector
	router     *router.Router
	out        Enqueuer
	fetcher    ItemFetcher
	locks      *keylock.Locker
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	outcomes map[media.Outcome]int64
	rejected int64
}

// New wires a pipeline. The returned pipeline owns its correlator; start it
// with Correlator().Run.
func New(cfg Config, store db.StateStore, rt *router.Router, out Enqueuer, logger *zap.Logger) *Pipeline {
	p := &Pipeline{
		store:    store,
		detector: detector.New(cfg.Detection),
		router:   rt,
		out:      out,
		locks:    keylock.New(),
		logger:   logger,
		now:      time.Now,
		outcomes: make(map[media.Outcome]int64),
	}
	p.correlator = correlator.New(cfg.Correlation, store, p.confirmDeletion, logger)
	return p
}

// SetFetcher enables completing Added events that carry no stream data.
func (p *Pipeline) SetFetcher(f ItemFetcher) {
	p.fetcher = f
}

// SetClock replaces the time source. Tests only.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
	p.correlator.SetClock(now)
}

// Correlator returns the deletion correlator owned by the pipeline.
func (p *Pipeline) Correlator() *correlator.Correlator {
	return p.correlator
}

// Submit processes one raw event. Validation failures return a
// *media.ValidationError; store failures wrap ErrStateStore.
func (p *Pipeline) Submit(ctx context.Context, raw classifier.RawEvent) (Result, error) {
	now := p.now()

	ev, err := classifier.Classify(raw, now)
	if err != nil {
		p.Reject("invalid")
		p.logger.Warn("event rejected",
			zap.String("event_type", raw.EventType),
			zap.String("item_id", raw.ItemID),
			zap.Error(err),
		)
		return Result{ItemID: raw.ItemID}, err
	}

	var res Result
	switch ev.Kind {
	case media.EventDeleted:
		res, err = p.deleted(ctx, ev, now)
	default:
		res, err = p.added(ctx, ev, now)
	}
	if err != nil {
		p.logger.Error("event aborted",
			zap.String("item_id", ev.Item.ID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
		return res, err
	}

	p.count(ev.Kind, res.Outcome)
	return res, nil
}

func (p *Pipeline) deleted(ctx context.Context, ev media.Event, now time.Time) (Result, error) {
	unlock := p.locks.Lock(ev.Item.ID)
	defer unlock()

	res := Result{ItemID: ev.Item.ID, Kind: string(ev.Kind), Outcome: media.OutcomeHeld}

	immediate, err := p.correlator.OnDeleted(ctx, ev.Item, now)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrStateStore, err)
	}
	metrics.SetPendingDeletions(p.correlator.Len())
	if immediate {
		res.Outcome = media.OutcomeDeleted
	}
	return res, nil
}

func (p *Pipeline) added(ctx context.Context, ev media.Event, now time.Time) (Result, error) {
	if !ev.Attributes.HasMedia() && p.fetcher != nil {
		ev = p.complete(ctx, ev)
	}

	id := ev.Item.ID
	unlock := p.locks.Lock(id)
	defer unlock()

	res := Result{ItemID: id, Kind: string(ev.Kind)}

	matched, err := p.correlator.Match(ctx, ev.Item, now)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrStateStore, err)
	}
	if matched != nil {
		metrics.RecordCorrelation("matched")
		metrics.SetPendingDeletions(p.correlator.Len())
	}

	// A re-add under a new ID compares against the deleted item's state
	// and replaces its snapshot, so the old ID is held too. This cannot
	// deadlock: a pending deletion for id is only created under id's lock,
	// so whoever holds baseline's lock is never matching against id.
	baseline := id
	if matched != nil && matched.ItemID != id {
		baseline = matched.ItemID
		unlockBaseline := p.locks.Lock(baseline)
		defer unlockBaseline()
	}

	prev, err := p.store.GetSnapshot(ctx, baseline)
	if errors.Is(err, db.ErrNotFound) {
		prev = nil
	} else if err != nil {
		return res, fmt.Errorf("%w: %w", ErrStateStore, err)
	}

	result := p.detector.Detect(prev, ev, now)
	if matched != nil && !result.Notify {
		// The held deletion was suppressed by this match, so the re-add
		// must notify in its place even when nothing watched changed.
		result.Outcome = media.OutcomeUpgrade
		result.Notify = true
	}
	res.Outcome = result.Outcome

	if err := p.store.PutSnapshot(ctx, result.Snapshot); err != nil {
		return res, fmt.Errorf("%w: %w", ErrStateStore, err)
	}
	if baseline != id {
		if err := p.store.DeleteSnapshot(ctx, baseline); err != nil && !errors.Is(err, db.ErrNotFound) {
			p.logger.Warn("failed to drop replaced snapshot", zap.String("item_id", baseline), zap.Error(err))
		}
	}

	p.logger.Debug("item classified",
		zap.String("item_id", id),
		zap.String("outcome", string(result.Outcome)),
		zap.Bool("correlated", matched != nil),
	)

	if !result.Notify {
		return res, nil
	}

	res.Channel = p.notify(ctx, render.Notification{
		Outcome:    result.Outcome,
		Item:       ev.Item,
		Attributes: result.Snapshot.Attributes,
		Changes:    result.Changes.Changes,
		At:         now,
	}, ev.Channel)
	return res, nil
}

// complete fills stream attributes from the media server. Failures leave
// the event as received.
func (p *Pipeline) complete(ctx context.Context, ev media.Event) media.Event {
	item, err := p.fetcher.GetItem(ctx, ev.Item.ID)
	if err != nil {
		p.logger.Warn("item detail fetch failed", zap.String("item_id", ev.Item.ID), zap.Error(err))
		return ev
	}

	path := ev.Item.Path
	if path == "" {
		path = item.Path
		ev.Item.Path = path
	}
	ev.Attributes = classifier.Attributes(item.Properties(), path)
	if ev.Item.Name == "" {
		ev.Item.Name = item.Name
	}
	return ev
}

// confirmDeletion is the correlator sink: the deletion survived its window,
// or deletions are not held at all.
func (p *Pipeline) confirmDeletion(ctx context.Context, pd *media.PendingDeletion) {
	if p.now().Before(pd.ExpiresAt) {
		metrics.RecordCorrelation("immediate")
	} else {
		metrics.RecordCorrelation("expired")
	}
	metrics.SetPendingDeletions(p.correlator.Len())

	if err := p.store.DeleteSnapshot(ctx, pd.ItemID); err != nil && !errors.Is(err, db.ErrNotFound) {
		p.logger.Warn("failed to drop snapshot of deleted item", zap.String("item_id", pd.ItemID), zap.Error(err))
	}

	p.notify(ctx, render.Notification{
		Outcome: media.OutcomeDeleted,
		Item:    pd.Ref,
		At:      pd.DeletedAt,
	}, "")

	// Held deletions were counted as held when received.
	p.mu.Lock()
	p.outcomes[media.OutcomeDeleted]++
	p.mu.Unlock()
	metrics.RecordEvent(string(media.EventDeleted), string(media.OutcomeDeleted))
}

// notify routes and enqueues n, returning the channel used. Routing and
// queue failures are logged, never returned.
func (p *Pipeline) notify(ctx context.Context, n render.Notification, override string) string {
	decision := p.router.Resolve(n.Item.ContentType, override)
	if decision.LogOnly {
		p.logger.Info("notification not routed",
			zap.String("item_id", n.Item.ID),
			zap.String("outcome", string(n.Outcome)),
			zap.String("reason", decision.Reason),
		)
		return ""
	}

	if _, err := p.out.Enqueue(ctx, decision.Channel, n); err != nil {
		p.logger.Warn("notification dropped",
			zap.String("item_id", n.Item.ID),
			zap.String("channel", decision.Channel),
			zap.Error(err),
		)
		return ""
	}
	return decision.Channel
}

// Reject counts an event refused before or during classification.
func (p *Pipeline) Reject(reason string) {
	p.mu.Lock()
	p.rejected++
	p.mu.Unlock()
	metrics.RecordRejected(reason)
}

func (p *Pipeline) count(kind media.EventKind, outcome media.Outcome) {
	// Immediate deletions are counted by the sink.
	if outcome == media.OutcomeDeleted {
		return
	}
	p.mu.Lock()
	p.outcomes[outcome]++
	p.mu.Unlock()
	metrics.RecordEvent(string(kind), string(outcome))
}

// Stats returns outcome counters and the number of held deletions.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	outcomes := make(map[media.Outcome]int64, len(p.outcomes))
	for k, v := range p.outcomes {
		outcomes[k] = v
	}
	return Stats{
		Outcomes:         outcomes,
		Rejected:         p.rejected,
		PendingDeletions: p.correlator.Len(),
	}
}
