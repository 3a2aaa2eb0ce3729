// Package media holds the item, snapshot and event types shared by the
// processing pipeline.
package media

import (
	"strings"
	"time"
)

// ContentType is the normalized kind of a library item.
type ContentType string

const (
	ContentMovie   ContentType = "movie"
	ContentSeries  ContentType = "series"
	ContentEpisode ContentType = "episode"
	ContentAudio   ContentType = "audio"
	ContentOther   ContentType = "other"
)

// ParseContentType maps a source server item type (Movie, Episode,
// MusicAlbum, ...) or an already normalized name onto a ContentType.
func ParseContentType(s string) ContentType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "movie":
		return ContentMovie
	case "series", "season":
		return ContentSeries
	case "episode":
		return ContentEpisode
	case "audio", "musicalbum", "audiobook":
		return ContentAudio
	default:
		return ContentOther
	}
}

// EventKind is the lifecycle event an inbound notification describes.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventDeleted EventKind = "deleted"
)

// ItemRef identifies an item and carries the keys used to correlate a
// deletion with a later re-add of the same content.
type ItemRef struct {
	ID          string            `json:"id"`
	ContentType ContentType       `json:"content_type"`
	Name        string            `json:"name"`
	Year        int               `json:"year,omitempty"`
	SeriesID    string            `json:"series_id,omitempty"`
	SeriesName  string            `json:"series_name,omitempty"`
	Season      int               `json:"season,omitempty"`
	Episode     int               `json:"episode,omitempty"`
	Providers   map[string]string `json:"providers,omitempty"`
	Path        string            `json:"path,omitempty"`
}

// Event is a validated, classified inbound event.
type Event struct {
	Kind       EventKind
	Item       ItemRef
	Attributes Attributes
	// Channel overrides routing when set.
	Channel    string
	ReceivedAt time.Time
}

// ItemSnapshot is the last known state of an item.
type ItemSnapshot struct {
	ID          string      `json:"id"`
	ContentType ContentType `json:"content_type"`
	Name        string      `json:"name"`
	Attributes  Attributes  `json:"attributes"`
	Fingerprint string      `json:"fingerprint"`
	LastSeen    time.Time   `json:"last_seen"`
}

// SnapshotFromEvent builds the snapshot an Added event would persist.
func SnapshotFromEvent(ev Event) *ItemSnapshot {
	return &ItemSnapshot{
		ID:          ev.Item.ID,
		ContentType: ev.Item.ContentType,
		Name:        ev.Item.Name,
		Attributes:  ev.Attributes,
		Fingerprint: ev.Attributes.Fingerprint(),
		LastSeen:    ev.ReceivedAt,
	}
}

// PendingDeletion is a deletion held back while an upgrade re-add may
// still arrive.
type PendingDeletion struct {
	ItemID    string    `json:"item_id"`
	Ref       ItemRef   `json:"ref"`
	DeletedAt time.Time `json:"deleted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the correlation window closed at or before now.
func (p *PendingDeletion) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Outcome is the classification result of a processed event.
type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeUpgrade   Outcome = "upgrade"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRename    Outcome = "rename"
	OutcomeUnwatched Outcome = "unwatched"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeHeld      Outcome = "held"
)

// Notifies reports whether the outcome produces a notification by itself.
// Renames are decided by the caller's rename filter.
func (o Outcome) Notifies() bool {
	return o == OutcomeNew || o == OutcomeUpgrade || o == OutcomeDeleted
}

// Change is the old and new value of one attribute.
type Change struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// ChangeSet lists the notifiable attribute differences of an upgrade.
type ChangeSet struct {
	ItemID  string           `json:"item_id"`
	Changes map[Field]Change `json:"changes"`
}

// Empty reports whether no change was recorded.
func (c ChangeSet) Empty() bool {
	return len(c.Changes) == 0
}
