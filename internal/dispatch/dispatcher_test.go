package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/circuitbreaker"
	"github.com/lalithlochan/jellycast/internal/db"
	"github.com/lalithlochan/jellycast/internal/delivery"
	"github.com/lalithlochan/jellycast/internal/media"
	"github.com/lalithlochan/jellycast/internal/render"
)

type call struct {
	endpoint string
	msg      render.Message
	at       time.Time
}

// fakeDeliverer returns errs in order, then nil.
type fakeDeliverer struct {
	mu    sync.Mutex
	errs  []error
	calls []call
}

func (f *fakeDeliverer) Deliver(_ context.Context, endpoint string, msg render.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{endpoint: endpoint, msg: msg, at: time.Now()})
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeDeliverer) Supports(string) bool { return true }

func (f *fakeDeliverer) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func testConfig(grouping Grouping) Config {
	return Config{
		Channels: map[string]ChannelConfig{
			"movies": {Endpoint: "https://discord.test/movies", Grouping: grouping},
		},
		Capacity:        500,
		MaxAttempts:     3,
		BackoffBase:     time.Millisecond,
		DeliveryTimeout: time.Second,
		ShutdownGrace:   100 * time.Millisecond,
	}
}

func newTestDispatcher(t *testing.T, cfg Config, deliverer delivery.Deliverer, limiter Limiter) (*Dispatcher, *db.MemoryStore) {
	t.Helper()
	store := db.NewMemoryStore()
	d := New(cfg, store, deliverer, limiter, zap.NewNop())
	if _, err := d.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	return d, store
}

func start(t *testing.T, d *Dispatcher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher did not stop")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func jobState(store *db.MemoryStore, id uuid.UUID) *db.Job {
	j, err := store.GetJob(context.Background(), id)
	if err != nil {
		return &db.Job{}
	}
	return j
}

func notification(id, name string, outcome media.Outcome) render.Notification {
	return render.Notification{
		Outcome: outcome,
		Item:    media.ItemRef{ID: id, ContentType: media.ContentMovie, Name: name},
		At:      t0,
	}
}

func TestDispatcher_DeliversInSubmissionOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := &fakeDeliverer{}
	d, store := newTestDispatcher(t, testConfig(Grouping{Mode: GroupNone}), fake, nil)
	stop := start(t, d)

	var jobs []*db.Job
	for _, name := range []string{"Alpha", "Bravo", "Charlie"} {
		j, err := d.Enqueue(context.Background(), "movies", notification(strings.ToLower(name), name, media.OutcomeNew))
		if err != nil {
			t.Fatal(err)
		}
		jobs = append(jobs, j)
	}

	waitFor(t, "three deliveries", func() bool { return len(fake.snapshot()) == 3 })
	stop()

	for i, name := range []string{"Alpha", "Bravo", "Charlie"} {
		c := fake.snapshot()[i]
		if c.endpoint != "https://discord.test/movies" {
			t.Errorf("endpoint = %s", c.endpoint)
		}
		if !strings.Contains(c.msg.Embeds[0].Description, name) {
			t.Errorf("delivery %d = %q, want %s", i, c.msg.Embeds[0].Description, name)
		}
		if got := jobState(store, jobs[i].ID); got.State != db.JobDelivered || got.Attempt != 1 {
			t.Errorf("job %d state = %s attempt %d", i, got.State, got.Attempt)
		}
	}
	if !jobs[0].CreatedAt.Before(jobs[1].CreatedAt) || !jobs[1].CreatedAt.Before(jobs[2].CreatedAt) {
		t.Error("CreatedAt is not strictly increasing")
	}
	if s := d.Stats(); s.Delivered != 3 || s.Channels[0].Depth != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDispatcher_RetryCeiling(t *testing.T) {
	defer goleak.VerifyNone(t)

	transient := errors.New("status 502")
	fake := &fakeDeliverer{errs: []error{transient, transient, transient, transient}}
	d, store := newTestDispatcher(t, testConfig(Grouping{}), fake, nil)

	var dead []*db.Job
	var mu sync.Mutex
	d.OnDeadLetter(func(_ context.Context, j *db.Job) {
		mu.Lock()
		dead = append(dead, j)
		mu.Unlock()
	})
	stop := start(t, d)

	job, err := d.Enqueue(context.Background(), "movies", notification("42", "Heat", media.OutcomeUpgrade))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "dead letter", func() bool { return jobState(store, job.ID).State == db.JobDeadLettered })
	stop()

	if n := len(fake.snapshot()); n != 3 {
		t.Errorf("delivery attempts = %d, want 3", n)
	}
	got := jobState(store, job.ID)
	if got.Attempt != 3 || got.LastError != "status 502" {
		t.Errorf("job = attempt %d, last error %q", got.Attempt, got.LastError)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dead) != 1 || dead[0].ID != job.ID {
		t.Errorf("dead letter hook saw %d jobs", len(dead))
	}
	if d.Stats().DeadLetters != 1 {
		t.Errorf("DeadLetters = %d, want 1", d.Stats().DeadLetters)
	}
}

func TestDispatcher_TransientThenSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := &fakeDeliverer{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	d, store := newTestDispatcher(t, testConfig(Grouping{}), fake, nil)
	stop := start(t, d)

	job, _ := d.Enqueue(context.Background(), "movies", notification("7", "Alien", media.OutcomeNew))
	waitFor(t, "delivery", func() bool { return jobState(store, job.ID).State == db.JobDelivered })
	stop()

	if got := jobState(store, job.ID); got.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", got.Attempt)
	}
	if d.Stats().Retries != 2 {
		t.Errorf("Retries = %d, want 2", d.Stats().Retries)
	}
}

func TestDispatcher_PermanentDeadLettersImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := &fakeDeliverer{errs: []error{delivery.Permanent(errors.New("status 400"))}}
	d, store := newTestDispatcher(t, testConfig(Grouping{}), fake, nil)
	stop := start(t, d)

	job, _ := d.Enqueue(context.Background(), "movies", notification("1", "Up", media.OutcomeNew))
	waitFor(t, "dead letter", func() bool { return jobState(store, job.ID).State == db.JobDeadLettered })
	stop()

	if n := len(fake.snapshot()); n != 1 {
		t.Errorf("delivery attempts = %d, want 1", n)
	}
}

func TestDispatcher_RetryAfterExtendsBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := &fakeDeliverer{errs: []error{&delivery.RetryAfterError{After: 80 * time.Millisecond, Err: errors.New("status 429")}}}
	d, store := newTestDispatcher(t, testConfig(Grouping{}), fake, nil)
	stop := start(t, d)

	job, _ := d.Enqueue(context.Background(), "movies", notification("5", "Ran", media.OutcomeNew))
	waitFor(t, "delivery", func() bool { return jobState(store, job.ID).State == db.JobDelivered })
	stop()

	calls := fake.snapshot()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if gap := calls[1].at.Sub(calls[0].at); gap < 75*time.Millisecond {
		t.Errorf("retry after %v, want at least the server's Retry-After", gap)
	}
}

func TestDispatcher_CircuitOpenDoesNotConsumeAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)

	open := func() error {
		return &circuitbreaker.OpenError{Name: "movies", RetryAt: time.Now().Add(10 * time.Millisecond)}
	}
	fake := &fakeDeliverer{errs: []error{open(), open()}}
	cfg := testConfig(Grouping{})
	cfg.MaxAttempts = 1
	d, store := newTestDispatcher(t, cfg, fake, nil)
	stop := start(t, d)

	job, _ := d.Enqueue(context.Background(), "movies", notification("9", "Solaris", media.OutcomeNew))
	waitFor(t, "delivery", func() bool { return jobState(store, job.ID).State == db.JobDelivered })
	stop()

	if got := jobState(store, job.ID); got.Attempt != 1 {
		t.Errorf("attempt = %d, deferrals must not count", got.Attempt)
	}
}

type onceLimiter struct {
	mu   sync.Mutex
	wait time.Duration
}

func (l *onceLimiter) Reserve(context.Context, string, time.Time) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.wait
	l.wait = 0
	return w, nil
}

func TestDispatcher_RateLimitDefers(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := &fakeDeliverer{}
	cfg := testConfig(Grouping{})
	cfg.MaxAttempts = 1
	d, store := newTestDispatcher(t, cfg, fake, &onceLimiter{wait: 20 * time.Millisecond})
	stop := start(t, d)

	job, _ := d.Enqueue(context.Background(), "movies", notification("3", "Ikiru", media.OutcomeNew))
	waitFor(t, "delivery", func() bool { return jobState(store, job.ID).State == db.JobDelivered })
	stop()

	if n := len(fake.snapshot()); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestDispatcher_GroupDeliveredAsOneMessage(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := &fakeDeliverer{}
	d, store := newTestDispatcher(t, testConfig(Grouping{Mode: GroupEvent, Delay: time.Hour, MaxItems: 3}), fake, nil)
	stop := start(t, d)

	var ids []uuid.UUID
	for _, id := range []string{"a", "b", "c"} {
		j, err := d.Enqueue(context.Background(), "movies", notification(id, "Film "+id, media.OutcomeNew))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.ID)
	}
	waitFor(t, "group delivery", func() bool { return len(fake.snapshot()) == 1 })
	stop()

	msg := fake.snapshot()[0].msg
	if len(msg.Embeds) != 1 || !strings.HasPrefix(msg.Embeds[0].Title, "3 ") {
		t.Errorf("group message = %+v", msg)
	}
	for _, id := range ids {
		if jobState(store, id).State != db.JobDelivered {
			t.Errorf("job %s not delivered", id)
		}
	}
}

func TestDispatcher_EnqueueErrors(t *testing.T) {
	cfg := testConfig(Grouping{})
	cfg.Capacity = 2
	d, _ := newTestDispatcher(t, cfg, &fakeDeliverer{}, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := d.Enqueue(ctx, "movies", notification("x", "X", media.OutcomeNew)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := d.Enqueue(ctx, "movies", notification("x", "X", media.OutcomeNew)); !errors.Is(err, ErrQueueOverflow) {
		t.Errorf("expected ErrQueueOverflow, got %v", err)
	}
	if _, err := d.Enqueue(ctx, "podcasts", notification("x", "X", media.OutcomeNew)); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestDispatcher_Restore(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	payload := []byte(`{"outcome":"new","item":{"id":"1","content_type":"movie","name":"M"},"attributes":{},"at":"2026-03-01T12:00:00Z"}`)

	save := func(channel, group, state string, offset time.Duration) *db.Job {
		j := &db.Job{
			ID: uuid.New(), Channel: channel, ItemID: "1", Kind: "new", ContentType: "movie",
			GroupKey: group, Payload: payload, State: state,
			NextAttemptAt: t0, CreatedAt: t0.Add(offset), UpdatedAt: t0,
		}
		if err := store.SaveJob(ctx, j); err != nil {
			t.Fatal(err)
		}
		return j
	}
	inFlight := save("movies", "", db.JobInFlight, 1*time.Second)
	save("movies", "new@1", db.JobPending, 2*time.Second)
	save("movies", "new@1", db.JobPending, 3*time.Second)
	orphan := save("podcasts", "", db.JobPending, 4*time.Second)
	save("movies", "", db.JobDelivered, 5*time.Second)

	d := New(testConfig(Grouping{}), store, &fakeDeliverer{}, nil, zap.NewNop())
	n, err := d.Restore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("restored %d jobs, want 3", n)
	}
	if got := jobState(store, inFlight.ID).State; got != db.JobPending {
		t.Errorf("in-flight job restored as %s", got)
	}
	if got := jobState(store, orphan.ID).State; got != db.JobDeadLettered {
		t.Errorf("job for removed channel is %s", got)
	}

	ch := d.channels["movies"]
	u1, _ := ch.queue.Next(t0)
	ch.queue.Done(u1)
	u2, _ := ch.queue.Next(t0)
	if u1.Key != inFlight.ID.String() || u2 == nil || u2.Key != "new@1" || len(u2.Jobs) != 2 {
		t.Errorf("restored units %+v then %+v", u1, u2)
	}

	if n, _ := d.Restore(ctx); n != 0 {
		t.Errorf("second Restore loaded %d jobs", n)
	}

	next, err := d.Enqueue(ctx, "movies", notification("2", "N", media.OutcomeNew))
	if err != nil {
		t.Fatal(err)
	}
	if !next.CreatedAt.After(orphan.CreatedAt) {
		t.Error("new job sorts before restored jobs")
	}
}

func TestDispatcher_Redrive(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := &fakeDeliverer{errs: []error{delivery.Permanent(errors.New("status 404"))}}
	d, store := newTestDispatcher(t, testConfig(Grouping{}), fake, nil)
	stop := start(t, d)
	defer stop()

	ctx := context.Background()
	job, _ := d.Enqueue(ctx, "movies", notification("8", "Ran", media.OutcomeNew))
	waitFor(t, "dead letter", func() bool { return jobState(store, job.ID).State == db.JobDeadLettered })

	dead, err := d.DeadLetters(ctx, 10, 0)
	if err != nil || len(dead) != 1 {
		t.Fatalf("DeadLetters() = %d jobs, err %v", len(dead), err)
	}

	if _, err := d.Redrive(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "redriven delivery", func() bool { return jobState(store, job.ID).State == db.JobDelivered })

	if _, err := d.Redrive(ctx, job.ID); !errors.Is(err, ErrNotDeadLettered) {
		t.Errorf("expected ErrNotDeadLettered, got %v", err)
	}
	if _, err := d.Redrive(ctx, uuid.New()); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDispatcher_ConcurrentRedriveRequeuesOnce(t *testing.T) {
	d, store := newTestDispatcher(t, testConfig(Grouping{}), &fakeDeliverer{}, nil)
	ctx := context.Background()

	job := &db.Job{
		ID:        uuid.New(),
		Channel:   "movies",
		ItemID:    "8",
		Kind:      string(media.OutcomeNew),
		Payload:   []byte(`{}`),
		State:     db.JobDeadLettered,
		Attempt:   3,
		LastError: "status 404",
		CreatedAt: t0,
	}
	if err := store.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Redrive(ctx, job.ID)
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
			case !errors.Is(err, ErrNotDeadLettered):
				t.Errorf("Redrive() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("successful redrives = %d, want 1", succeeded)
	}
	ch := d.channels["movies"]
	ch.mu.Lock()
	depth := ch.queue.Len()
	ch.mu.Unlock()
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
	if got := jobState(store, job.ID); got.State != db.JobPending || got.Attempt != 0 {
		t.Errorf("job = %s attempt %d, want pending attempt 0", got.State, got.Attempt)
	}
}

func TestDispatcher_SendTest(t *testing.T) {
	fake := &fakeDeliverer{}
	d, _ := newTestDispatcher(t, testConfig(Grouping{}), fake, nil)

	if err := d.SendTest(context.Background(), "movies"); err != nil {
		t.Fatal(err)
	}
	calls := fake.snapshot()
	if len(calls) != 1 || calls[0].msg.Embeds[0].Title == "" {
		t.Errorf("calls = %+v", calls)
	}
	if err := d.SendTest(context.Background(), "nope"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}

type blockingDeliverer struct {
	started chan struct{}
}

func (b *blockingDeliverer) Deliver(ctx context.Context, _ string, _ render.Message) error {
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingDeliverer) Supports(string) bool { return true }

func TestDispatcher_ShutdownGraceCancelsWithoutAttempt(t *testing.T) {
	defer goleak.VerifyNone(t)

	blocker := &blockingDeliverer{started: make(chan struct{})}
	cfg := testConfig(Grouping{})
	cfg.DeliveryTimeout = time.Minute
	cfg.ShutdownGrace = 20 * time.Millisecond
	d, store := newTestDispatcher(t, cfg, blocker, nil)
	stop := start(t, d)

	job, _ := d.Enqueue(context.Background(), "movies", notification("11", "Stalker", media.OutcomeNew))
	<-blocker.started
	stop()

	got := jobState(store, job.ID)
	if got.State != db.JobPending || got.Attempt != 0 {
		t.Errorf("interrupted job = %s attempt %d, want pending attempt 0", got.State, got.Attempt)
	}
}
