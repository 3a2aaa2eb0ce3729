// Package detector compares an added item against its stored snapshot and
// decides what kind of change, if any, it represents.
package detector

import (
	"time"

	"github.com/lalithlochan/jellycast/internal/media"
)

// DefaultWatch are the attributes whose changes notify by default.
var DefaultWatch = []media.Field{
	media.FieldResolution,
	media.FieldVideoCodec,
	media.FieldAudioCodec,
	media.FieldAudioChannels,
	media.FieldHDR,
}

// Config tunes change detection.
type Config struct {
	Watch         []media.Field
	FilterRenames bool
}

// Result is the classification of one Added event.
type Result struct {
	Outcome media.Outcome
	Changes media.ChangeSet
	// Snapshot is the state to persist for the item.
	Snapshot *media.ItemSnapshot
	// Notify is false for outcomes that must stay silent.
	Notify bool
}

// Detector classifies Added events.
type Detector struct {
	watch         map[media.Field]bool
	filterRenames bool
}

// New creates a detector. A nil watch list selects DefaultWatch.
func New(cfg Config) *Detector {
	fields := cfg.Watch
	if fields == nil {
		fields = DefaultWatch
	}
	watch := make(map[media.Field]bool, len(fields))
	for _, f := range fields {
		watch[f] = true
	}
	return &Detector{watch: watch, filterRenames: cfg.FilterRenames}
}

// Watched reports whether changes to f notify.
func (d *Detector) Watched(f media.Field) bool {
	return d.watch[f]
}

// Detect classifies ev against prev, the last known snapshot of the same
// content (nil if unknown).
func (d *Detector) Detect(prev *media.ItemSnapshot, ev media.Event, now time.Time) Result {
	next := media.SnapshotFromEvent(ev)
	next.LastSeen = now

	if prev == nil {
		return Result{Outcome: media.OutcomeNew, Snapshot: next, Notify: true}
	}

	// The item was announced without stream data. The first event that
	// carries it fills the snapshot in silently.
	if !prev.Attributes.HasMedia() && ev.Attributes.HasMedia() {
		return Result{Outcome: media.OutcomeUnwatched, Snapshot: next}
	}

	// An event without stream data says nothing about quality; keep what
	// we already know.
	if !ev.Attributes.HasMedia() && prev.Attributes.HasMedia() {
		path := ev.Attributes.Path
		next.Attributes = prev.Attributes
		if path != "" {
			next.Attributes.Path = path
		}
		next.Fingerprint = prev.Fingerprint
	}

	if next.Fingerprint == prev.Fingerprint {
		if next.Name != prev.Name || next.Attributes.Path != prev.Attributes.Path {
			return Result{Outcome: media.OutcomeRename, Snapshot: next, Notify: !d.filterRenames}
		}
		return Result{Outcome: media.OutcomeDuplicate, Snapshot: next}
	}

	changes := media.ChangeSet{ItemID: next.ID, Changes: make(map[media.Field]media.Change)}
	for _, f := range media.QualityFields {
		if !d.watch[f] {
			continue
		}
		old, cur := prev.Attributes.Value(f), next.Attributes.Value(f)
		if old != cur {
			changes.Changes[f] = media.Change{Old: old, New: cur}
		}
	}

	if changes.Empty() {
		return Result{Outcome: media.OutcomeUnwatched, Snapshot: next}
	}
	return Result{Outcome: media.OutcomeUpgrade, Changes: changes, Snapshot: next, Notify: true}
}
