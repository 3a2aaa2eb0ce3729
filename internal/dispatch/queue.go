package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/lalithlochan/jellycast/internal/db"
)

// ErrQueueOverflow is returned when a channel already holds its full
// capacity of unfinished jobs.
var ErrQueueOverflow = errors.New("notification queue full")

// Grouping modes.
const (
	GroupNone  = "none"
	GroupEvent = "event"
	GroupType  = "type"
	GroupBoth  = "both"
)

// Grouping controls how a channel batches jobs into one message.
type Grouping struct {
	Mode     string
	Delay    time.Duration
	MaxItems int
}

func (g Grouping) enabled() bool {
	return g.Mode != "" && g.Mode != GroupNone
}

// base returns the bucket a job falls into under mode.
func (g Grouping) base(job *db.Job) string {
	switch g.Mode {
	case GroupEvent:
		return job.Kind
	case GroupType:
		return job.ContentType
	case GroupBoth:
		return job.Kind + "/" + job.ContentType
	default:
		return ""
	}
}

// Unit is one delivery: a single job or a flushed group. It is delivered
// and retried as a whole.
type Unit struct {
	Key     string
	Jobs    []*db.Job
	ReadyAt time.Time
}

type openGroup struct {
	key      string
	base     string
	openedAt time.Time
	jobs     []*db.Job
}

// Queue is the delivery state of one channel. It does no I/O and reads no
// clock; every call takes the current time from the caller. Not safe for
// concurrent use.
type Queue struct {
	grouping Grouping
	capacity int

	ready    []*Unit
	open     []*openGroup
	inFlight *Unit
	size     int
}

// NewQueue returns an empty queue holding at most capacity unfinished jobs.
func NewQueue(grouping Grouping, capacity int) *Queue {
	if grouping.enabled() {
		if grouping.MaxItems <= 0 {
			grouping.MaxItems = 20
		}
		if grouping.Delay <= 0 {
			grouping.Delay = 5 * time.Minute
		}
	}
	return &Queue{grouping: grouping, capacity: capacity}
}

// Len returns the number of unfinished jobs: queued, grouped or in flight.
func (q *Queue) Len() int { return q.size }

// OpenGroups returns the number of groups still collecting jobs.
func (q *Queue) OpenGroups() int { return len(q.open) }

// InFlight reports whether a unit is being delivered.
func (q *Queue) InFlight() bool { return q.inFlight != nil }

// Push adds a new job. Under a grouping mode the job joins the open group of
// its bucket, opening one if needed, and job.GroupKey is set.
func (q *Queue) Push(job *db.Job, now time.Time) error {
	if q.size >= q.capacity {
		return ErrQueueOverflow
	}
	q.size++

	if !q.grouping.enabled() {
		job.GroupKey = ""
		q.ready = append(q.ready, &Unit{Key: job.ID.String(), Jobs: []*db.Job{job}, ReadyAt: job.NextAttemptAt})
		return nil
	}

	base := q.grouping.base(job)
	var g *openGroup
	for _, og := range q.open {
		if og.base == base {
			g = og
			break
		}
	}
	if g == nil {
		g = &openGroup{
			key:      fmt.Sprintf("%s@%d", base, now.UnixNano()),
			base:     base,
			openedAt: now,
		}
		q.open = append(q.open, g)
	}
	job.GroupKey = g.key
	g.jobs = append(g.jobs, job)

	if len(g.jobs) >= q.grouping.MaxItems {
		q.flush(g, now)
	}
	return nil
}

// Requeue adds job as a unit of its own, bypassing grouping.
func (q *Queue) Requeue(job *db.Job) error {
	if q.size >= q.capacity {
		return ErrQueueOverflow
	}
	q.size++
	job.GroupKey = ""
	q.ready = append(q.ready, &Unit{Key: job.ID.String(), Jobs: []*db.Job{job}, ReadyAt: job.NextAttemptAt})
	return nil
}

// Restore appends a unit recovered from storage. Capacity is not enforced:
// work accepted before a restart is never dropped.
func (q *Queue) Restore(u *Unit) {
	q.size += len(u.Jobs)
	q.ready = append(q.ready, u)
}

// Advance flushes every open group whose window closed at or before now.
func (q *Queue) Advance(now time.Time) {
	for len(q.open) > 0 {
		g := q.open[0]
		if now.Before(g.openedAt.Add(q.grouping.Delay)) {
			return
		}
		q.flush(g, now)
	}
}

func (q *Queue) flush(g *openGroup, now time.Time) {
	for i, og := range q.open {
		if og == g {
			q.open = append(q.open[:i], q.open[i+1:]...)
			break
		}
	}
	q.ready = append(q.ready, &Unit{Key: g.key, Jobs: g.jobs, ReadyAt: now})
}

// Next hands out the head unit if it is due. Otherwise it returns nil and
// the earliest time something may become due, or the zero time when the
// queue is idle. Only one unit is in flight at a time.
func (q *Queue) Next(now time.Time) (*Unit, time.Time) {
	q.Advance(now)
	if q.inFlight != nil {
		return nil, time.Time{}
	}

	var wake time.Time
	if len(q.ready) > 0 {
		head := q.ready[0]
		if !now.Before(head.ReadyAt) {
			q.ready = q.ready[1:]
			q.inFlight = head
			return head, time.Time{}
		}
		wake = head.ReadyAt
	}
	if len(q.open) > 0 {
		closes := q.open[0].openedAt.Add(q.grouping.Delay)
		if wake.IsZero() || closes.Before(wake) {
			wake = closes
		}
	}
	return nil, wake
}

// Done retires the in-flight unit.
func (q *Queue) Done(u *Unit) {
	if q.inFlight != u {
		return
	}
	q.inFlight = nil
	q.size -= len(u.Jobs)
}

// Retry puts the in-flight unit back at the head of the queue, due at at.
// Later units wait behind it.
func (q *Queue) Retry(u *Unit, at time.Time) {
	if q.inFlight != u {
		return
	}
	q.inFlight = nil
	u.ReadyAt = at
	q.ready = append([]*Unit{u}, q.ready...)
}
