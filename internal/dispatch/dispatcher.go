// Package dispatch queues rendered notifications per channel and delivers
// them with grouping, rate limiting and bounded retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/jellycast/internal/circuitbreaker"
	"github.com/lalithlochan/jellycast/internal/db"
	"github.com/lalithlochan/jellycast/internal/delivery"
	"github.com/lalithlochan/jellycast/internal/metrics"
	"github.com/lalithlochan/jellycast/internal/render"
)

var (
	// ErrUnknownChannel is returned for a channel that is not configured.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNotDeadLettered is returned when redriving a job that is not dead.
	ErrNotDeadLettered = errors.New("job is not dead-lettered")
)

// ChannelConfig describes one delivery channel.
type ChannelConfig struct {
	Endpoint      string
	Grouping      Grouping
	RatePerMinute int
}

// Config holds dispatcher settings.
type Config struct {
	Channels        map[string]ChannelConfig
	Capacity        int
	MaxAttempts     int
	BackoffBase     time.Duration
	DeliveryTimeout time.Duration
	ShutdownGrace   time.Duration
}

// DeadLetterFunc is called once per job that reached DeadLettered.
type DeadLetterFunc func(ctx context.Context, job *db.Job)

type channel struct {
	name      string
	cfg       ChannelConfig
	deliverer *circuitbreaker.Protected
	wake      chan struct{}

	mu    sync.Mutex
	queue *Queue
}

// Dispatcher owns the per-channel queues. Each channel has a single loop
// that advances its jobs through pending, in flight, and delivered or
// dead-lettered.
type Dispatcher struct {
	cfg          Config
	store        db.JobStore
	limiter      Limiter
	logger       *zap.Logger
	onDeadLetter DeadLetterFunc

	channels map[string]*channel
	names    []string

	clockMu     sync.Mutex
	now         func() time.Time
	lastCreated time.Time

	restored    atomic.Bool
	delivered   atomic.Int64
	deadLetters atomic.Int64
	retries     atomic.Int64
}

// New builds a dispatcher. Every channel gets its own circuit breaker in
// front of deliverer. A nil limiter disables rate limiting.
func New(cfg Config, store db.JobStore, deliverer delivery.Deliverer, limiter Limiter, logger *zap.Logger) *Dispatcher {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 500
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if limiter == nil {
		limiter = unlimited{}
	}

	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		limiter:  limiter,
		logger:   logger,
		channels: make(map[string]*channel, len(cfg.Channels)),
		now:      time.Now,
	}
	for name, cc := range cfg.Channels {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(name), logger)
		d.channels[name] = &channel{
			name:      name,
			cfg:       cc,
			deliverer: circuitbreaker.NewProtected(deliverer, breaker, logger),
			wake:      make(chan struct{}, 1),
			queue:     NewQueue(cc.Grouping, cfg.Capacity),
		}
		d.names = append(d.names, name)
	}
	sort.Strings(d.names)
	return d
}

// SetClock replaces the time source. Tests only.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()
	d.now = now
}

// OnDeadLetter registers fn to observe dead-lettered jobs. Call before Run.
func (d *Dispatcher) OnDeadLetter(fn DeadLetterFunc) {
	d.onDeadLetter = fn
}

func (d *Dispatcher) clock() time.Time {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()
	return d.now()
}

// createdAt returns a creation time strictly after every earlier one, so
// storage order equals submission order.
func (d *Dispatcher) createdAt() time.Time {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()

	t := d.now().UTC().Truncate(time.Microsecond)
	if !t.After(d.lastCreated) {
		t = d.lastCreated.Add(time.Microsecond)
	}
	d.lastCreated = t
	return t
}

// Enqueue queues n on channelName and persists the new job. A full queue
// rejects the job with ErrQueueOverflow.
func (d *Dispatcher) Enqueue(ctx context.Context, channelName string, n render.Notification) (*db.Job, error) {
	ch, ok := d.channels[channelName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channelName)
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}

	created := d.createdAt()
	job := &db.Job{
		ID:            uuid.New(),
		Channel:       channelName,
		ItemID:        n.Item.ID,
		Kind:          string(n.Outcome),
		ContentType:   string(n.Item.ContentType),
		Payload:       payload,
		State:         db.JobPending,
		NextAttemptAt: created,
		CreatedAt:     created,
		UpdatedAt:     created,
	}

	ch.mu.Lock()
	if err := ch.queue.Push(job, created); err != nil {
		ch.mu.Unlock()
		metrics.RecordQueueRejection(channelName)
		d.logger.Warn("notification queue full, job rejected",
			zap.String("channel", channelName),
			zap.String("item_id", n.Item.ID),
			zap.Int("capacity", d.cfg.Capacity),
		)
		return nil, err
	}
	d.persist(ctx, job)
	depth := ch.queue.Len()
	ch.mu.Unlock()

	metrics.SetQueueDepth(channelName, depth)
	ch.signal()

	d.logger.Debug("notification queued",
		zap.String("job_id", job.ID.String()),
		zap.String("channel", channelName),
		zap.String("group_key", job.GroupKey),
	)
	return job, nil
}

// Restore reloads unfinished jobs. In-flight jobs are reset to pending,
// grouped jobs are rebuilt into their delivery units, and jobs for
// channels that no longer exist are dead-lettered. Only the first call
// does anything; call it before the first Enqueue.
func (d *Dispatcher) Restore(ctx context.Context) (int, error) {
	if !d.restored.CompareAndSwap(false, true) {
		return 0, nil
	}
	jobs, err := d.store.ListUnfinishedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}

	type unitKey struct{ channel, group string }
	units := make(map[unitKey]*Unit)
	var order []unitKey
	count := 0

	for _, job := range jobs {
		d.clockMu.Lock()
		if job.CreatedAt.After(d.lastCreated) {
			d.lastCreated = job.CreatedAt
		}
		d.clockMu.Unlock()

		if _, ok := d.channels[job.Channel]; !ok {
			d.deadLetter(ctx, job, "channel no longer configured")
			continue
		}
		if job.State == db.JobInFlight {
			job.State = db.JobPending
			d.persist(ctx, job)
		}

		k := unitKey{job.Channel, job.GroupKey}
		if job.GroupKey == "" {
			k.group = "job:" + job.ID.String()
		}
		u, ok := units[k]
		if !ok {
			key := job.GroupKey
			if key == "" {
				key = job.ID.String()
			}
			u = &Unit{Key: key}
			units[k] = u
			order = append(order, k)
		}
		u.Jobs = append(u.Jobs, job)
		if job.NextAttemptAt.After(u.ReadyAt) {
			u.ReadyAt = job.NextAttemptAt
		}
		count++
	}

	for _, k := range order {
		ch := d.channels[k.channel]
		ch.mu.Lock()
		ch.queue.Restore(units[k])
		metrics.SetQueueDepth(ch.name, ch.queue.Len())
		ch.mu.Unlock()
		ch.signal()
	}

	if count > 0 {
		d.logger.Info("restored unfinished notification jobs",
			zap.Int("jobs", count),
			zap.Int("units", len(order)),
		)
	}
	return count, nil
}

// Run restores persisted work, unless Restore already ran, and drives every channel until ctx is done.
// Deliveries in progress at cancellation get ShutdownGrace to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	if _, err := d.Restore(ctx); err != nil {
		d.logger.Error("failed to restore notification jobs", zap.Error(err))
	}

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(d.cfg.ShutdownGrace)
		defer t.Stop()
		select {
		case <-t.C:
			cancelWork()
		case <-workCtx.Done():
		}
	})
	defer stop()

	g := new(errgroup.Group)
	for _, name := range d.names {
		ch := d.channels[name]
		g.Go(func() error {
			d.loop(ctx, workCtx, ch)
			return nil
		})
	}
	err := g.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}

func (c *channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx, workCtx context.Context, ch *channel) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		now := d.clock()
		ch.mu.Lock()
		unit, wake := ch.queue.Next(now)
		ch.mu.Unlock()

		if unit != nil {
			d.deliver(workCtx, ch, unit)
			continue
		}

		var timerC <-chan time.Time
		if !wake.IsZero() {
			timer.Reset(max(wake.Sub(now), time.Millisecond))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-ch.wake:
		case <-timerC:
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ch *channel, unit *Unit) {
	now := d.clock()

	wait, err := d.limiter.Reserve(ctx, ch.name, now)
	if err != nil {
		d.logger.Warn("rate limiter unavailable, sending without budget check",
			zap.String("channel", ch.name),
			zap.Error(err),
		)
		wait = 0
	}
	if wait > 0 {
		metrics.RecordRateLimited(ch.name)
		d.requeue(ch, unit, now.Add(wait))
		return
	}

	notifications := make([]render.Notification, 0, len(unit.Jobs))
	for _, job := range unit.Jobs {
		var n render.Notification
		if err := json.Unmarshal(job.Payload, &n); err != nil {
			d.finish(ch, unit, func(j *db.Job) {
				d.deadLetter(ctx, j, "undecodable payload: "+err.Error())
			})
			return
		}
		notifications = append(notifications, n)

		job.State = db.JobInFlight
		job.UpdatedAt = now
		d.persist(ctx, job)
	}

	dctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	start := time.Now()
	err = ch.deliverer.Deliver(dctx, ch.cfg.Endpoint, render.Compose(notifications))
	cancel()

	d.settle(ctx, ch, unit, err, time.Since(start))
}

func (d *Dispatcher) settle(ctx context.Context, ch *channel, unit *Unit, err error, took time.Duration) {
	now := d.clock()
	fields := []zap.Field{
		zap.String("channel", ch.name),
		zap.String("unit", unit.Key),
		zap.Int("jobs", len(unit.Jobs)),
	}

	var open *circuitbreaker.OpenError
	switch {
	case err == nil:
		d.finish(ch, unit, func(j *db.Job) {
			j.State = db.JobDelivered
			j.Attempt++
			j.LastError = ""
			j.UpdatedAt = now
			d.persist(ctx, j)
		})
		d.delivered.Add(int64(len(unit.Jobs)))
		metrics.RecordDelivery(ch.name, "delivered", took)
		d.logger.Info("notification delivered", fields...)

	case ctx.Err() != nil:
		// Shutdown grace ran out. The attempt does not count.
		d.pend(ctx, unit, now, err)
		d.requeue(ch, unit, now)
		d.logger.Warn("delivery interrupted by shutdown", append(fields, zap.Error(err))...)

	case errors.As(err, &open):
		d.pend(ctx, unit, open.RetryAt, err)
		d.requeue(ch, unit, open.RetryAt)
		metrics.RecordDelivery(ch.name, "deferred", 0)
		d.logger.Debug("channel circuit open, delivery deferred",
			append(fields, zap.Time("retry_at", open.RetryAt))...)

	case delivery.IsPermanent(err):
		msg := err.Error()
		d.finish(ch, unit, func(j *db.Job) {
			j.Attempt++
			d.deadLetter(ctx, j, msg)
		})
		metrics.RecordDelivery(ch.name, "dead_letter", took)
		d.logger.Error("permanent delivery failure", append(fields, zap.Error(err))...)

	default:
		attempt := 0
		for _, j := range unit.Jobs {
			j.Attempt++
			attempt = max(attempt, j.Attempt)
		}
		if attempt >= d.cfg.MaxAttempts {
			msg := err.Error()
			d.finish(ch, unit, func(j *db.Job) {
				d.deadLetter(ctx, j, msg)
			})
			metrics.RecordDelivery(ch.name, "dead_letter", took)
			d.logger.Error("delivery failed, attempts exhausted",
				append(fields, zap.Int("attempt", attempt), zap.Error(err))...)
			return
		}

		next := now.Add(d.backoff(attempt, err))
		d.pend(ctx, unit, next, err)
		d.requeue(ch, unit, next)
		d.retries.Add(1)
		metrics.RecordDelivery(ch.name, "retry", took)
		d.logger.Warn("delivery failed, will retry",
			append(fields, zap.Int("attempt", attempt), zap.Time("next_attempt_at", next), zap.Error(err))...)
	}
}

// backoff is BackoffBase doubled per attempt, stretched to a server's
// Retry-After when that is longer.
func (d *Dispatcher) backoff(attempt int, err error) time.Duration {
	wait := d.cfg.BackoffBase << (attempt - 1)
	if after, ok := delivery.RetryAfter(err); ok && after > wait {
		wait = after
	}
	return wait
}

func (d *Dispatcher) pend(ctx context.Context, unit *Unit, next time.Time, cause error) {
	now := d.clock()
	for _, j := range unit.Jobs {
		j.State = db.JobPending
		j.NextAttemptAt = next
		j.LastError = cause.Error()
		j.UpdatedAt = now
		d.persist(ctx, j)
	}
}

func (d *Dispatcher) requeue(ch *channel, unit *Unit, at time.Time) {
	ch.mu.Lock()
	ch.queue.Retry(unit, at)
	ch.mu.Unlock()
}

func (d *Dispatcher) finish(ch *channel, unit *Unit, each func(*db.Job)) {
	for _, j := range unit.Jobs {
		each(j)
	}
	ch.mu.Lock()
	ch.queue.Done(unit)
	depth := ch.queue.Len()
	ch.mu.Unlock()
	metrics.SetQueueDepth(ch.name, depth)
}

func (d *Dispatcher) deadLetter(ctx context.Context, job *db.Job, reason string) {
	job.State = db.JobDeadLettered
	job.LastError = reason
	job.UpdatedAt = d.clock()
	d.persist(ctx, job)
	d.deadLetters.Add(1)

	d.logger.Warn("notification dead-lettered",
		zap.String("job_id", job.ID.String()),
		zap.String("channel", job.Channel),
		zap.String("item_id", job.ItemID),
		zap.Int("attempt", job.Attempt),
		zap.String("reason", reason),
	)
	if d.onDeadLetter != nil {
		d.onDeadLetter(context.WithoutCancel(ctx), job.Clone())
	}
}

func (d *Dispatcher) persist(ctx context.Context, job *db.Job) {
	if err := d.store.SaveJob(context.WithoutCancel(ctx), job.Clone()); err != nil {
		d.logger.Error("failed to persist notification job",
			zap.String("job_id", job.ID.String()),
			zap.String("state", job.State),
			zap.Error(err),
		)
	}
}

// Redrive puts a dead-lettered job back in its channel queue as a fresh
// single delivery.
func (d *Dispatcher) Redrive(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	ch, ok := d.channels[job.Channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, job.Channel)
	}

	ch.mu.Lock()
	// Re-read under the channel lock so concurrent redrives of one job
	// requeue it once.
	job, err = d.store.GetJob(ctx, id)
	if err != nil {
		ch.mu.Unlock()
		return nil, err
	}
	if job.State != db.JobDeadLettered {
		ch.mu.Unlock()
		return nil, ErrNotDeadLettered
	}

	now := d.clock()
	job.State = db.JobPending
	job.Attempt = 0
	job.LastError = ""
	job.NextAttemptAt = now
	job.UpdatedAt = now

	if err := ch.queue.Requeue(job); err != nil {
		ch.mu.Unlock()
		metrics.RecordQueueRejection(ch.name)
		return nil, err
	}
	d.persist(ctx, job)
	depth := ch.queue.Len()
	ch.mu.Unlock()

	metrics.SetQueueDepth(ch.name, depth)
	ch.signal()
	d.logger.Info("dead-lettered job redriven",
		zap.String("job_id", job.ID.String()),
		zap.String("channel", job.Channel),
	)
	return job, nil
}

// DeadLetters lists dead-lettered jobs, newest first.
func (d *Dispatcher) DeadLetters(ctx context.Context, limit, offset int) ([]*db.Job, error) {
	return d.store.ListDeadLetters(ctx, limit, offset)
}

// SendTest delivers a test message to channel immediately, outside the
// queue.
func (d *Dispatcher) SendTest(ctx context.Context, channelName string) error {
	ch, ok := d.channels[channelName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelName)
	}
	dctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()
	return ch.deliverer.Deliver(dctx, ch.cfg.Endpoint, render.TestMessage(channelName, d.clock()))
}

// Channels returns the configured channel names, sorted.
func (d *Dispatcher) Channels() []string {
	return append([]string(nil), d.names...)
}

// ChannelStats is the state of one channel.
type ChannelStats struct {
	Name       string               `json:"name"`
	Depth      int                  `json:"depth"`
	OpenGroups int                  `json:"open_groups"`
	InFlight   bool                 `json:"in_flight"`
	Breaker    circuitbreaker.Stats `json:"circuit_breaker"`
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Channels    []ChannelStats `json:"channels"`
	Delivered   int64          `json:"delivered"`
	Retries     int64          `json:"retries"`
	DeadLetters int64          `json:"dead_letters"`
}

// Stats returns current queue depths and counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Channels:    make([]ChannelStats, 0, len(d.names)),
		Delivered:   d.delivered.Load(),
		Retries:     d.retries.Load(),
		DeadLetters: d.deadLetters.Load(),
	}
	for _, name := range d.names {
		ch := d.channels[name]
		ch.mu.Lock()
		cs := ChannelStats{
			Name:       name,
			Depth:      ch.queue.Len(),
			OpenGroups: ch.queue.OpenGroups(),
			InFlight:   ch.queue.InFlight(),
		}
		ch.mu.Unlock()
		cs.Breaker = ch.deliverer.Breaker().Stats()
		s.Channels = append(s.Channels, cs)
	}
	return s
}
