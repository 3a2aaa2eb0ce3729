package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a snapshot, pending deletion or job does not
// exist.
var ErrNotFound = errors.New("not found")

// Job is one rendered notification waiting for, or done with, delivery.
type Job struct {
	ID            uuid.UUID       `json:"id"`
	Channel       string          `json:"channel"`
	ItemID        string          `json:"item_id"`
	Kind          string          `json:"kind"`
	ContentType   string          `json:"content_type"`
	GroupKey      string          `json:"group_key,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	State         string          `json:"state"`
	Attempt       int             `json:"attempt"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Job states
const (
	JobPending      = "pending"
	JobInFlight     = "in_flight"
	JobDelivered    = "delivered"
	JobDeadLettered = "dead_lettered"
)

// Finished reports whether the job reached a terminal state.
func (j *Job) Finished() bool {
	return j.State == JobDelivered || j.State == JobDeadLettered
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	return &c
}
