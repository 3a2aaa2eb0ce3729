package detector

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lalithlochan/jellycast/internal/media"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func hd() media.Attributes {
	return media.Attributes{
		Resolution:    "1080p",
		VideoCodec:    "H264",
		AudioCodec:    "AC3",
		AudioChannels: "5.1",
		HDR:           "SDR",
		QualityScore:  320,
		Size:          4 << 30,
		Path:          "/movies/Heat (1995)/Heat.mkv",
	}
}

func added(id, name string, attrs media.Attributes) media.Event {
	return media.Event{
		Kind:       media.EventAdded,
		Item:       media.ItemRef{ID: id, ContentType: media.ContentMovie, Name: name, Path: attrs.Path},
		Attributes: attrs,
		ReceivedAt: now,
	}
}

func snapshot(id, name string, attrs media.Attributes) *media.ItemSnapshot {
	return media.SnapshotFromEvent(added(id, name, attrs))
}

func TestDetect(t *testing.T) {
	uhd := hd()
	uhd.Resolution = "4K"
	uhd.QualityScore = 420

	moved := hd()
	moved.Path = "/movies/Heat (1995)/Heat.1995.mkv"

	bigger := hd()
	bigger.Size = 9 << 30

	tests := []struct {
		name        string
		prev        *media.ItemSnapshot
		ev          media.Event
		wantOutcome media.Outcome
		wantNotify  bool
		wantChanges map[media.Field]media.Change
	}{
		{
			name:        "unknown item is new",
			ev:          added("42", "Heat", hd()),
			wantOutcome: media.OutcomeNew,
			wantNotify:  true,
		},
		{
			name:        "resolution upgrade",
			prev:        snapshot("42", "Heat", hd()),
			ev:          added("42", "Heat", uhd),
			wantOutcome: media.OutcomeUpgrade,
			wantNotify:  true,
			wantChanges: map[media.Field]media.Change{
				media.FieldResolution: {Old: "1080p", New: "4K"},
			},
		},
		{
			name:        "identical re-add is duplicate",
			prev:        snapshot("42", "Heat", hd()),
			ev:          added("42", "Heat", hd()),
			wantOutcome: media.OutcomeDuplicate,
		},
		{
			name:        "path change is a silent rename",
			prev:        snapshot("99", "Heat", hd()),
			ev:          added("99", "Heat", moved),
			wantOutcome: media.OutcomeRename,
		},
		{
			name:        "title change is a silent rename",
			prev:        snapshot("99", "Heat", hd()),
			ev:          added("99", "Heat (Director's Cut)", hd()),
			wantOutcome: media.OutcomeRename,
		},
		{
			name:        "unwatched field change",
			prev:        snapshot("42", "Heat", hd()),
			ev:          added("42", "Heat", bigger),
			wantOutcome: media.OutcomeUnwatched,
		},
		{
			name:        "event without stream data keeps known quality",
			prev:        snapshot("42", "Heat", hd()),
			ev:          added("42", "Heat", media.Attributes{Path: hd().Path}),
			wantOutcome: media.OutcomeDuplicate,
		},
		{
			name:        "first stream data fills in silently",
			prev:        snapshot("42", "Heat", media.Attributes{Path: hd().Path}),
			ev:          added("42", "Heat", hd()),
			wantOutcome: media.OutcomeUnwatched,
		},
	}

	d := New(Config{FilterRenames: true})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Detect(tt.prev, tt.ev, now)

			if res.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %s, want %s", res.Outcome, tt.wantOutcome)
			}
			if res.Notify != tt.wantNotify {
				t.Errorf("Notify = %v, want %v", res.Notify, tt.wantNotify)
			}
			if tt.wantChanges != nil {
				if diff := cmp.Diff(tt.wantChanges, res.Changes.Changes); diff != "" {
					t.Errorf("changes mismatch (-want +got):\n%s", diff)
				}
			} else if !res.Changes.Empty() {
				t.Errorf("unexpected changes: %v", res.Changes.Changes)
			}
			if res.Snapshot == nil || res.Snapshot.ID != tt.ev.Item.ID {
				t.Fatalf("Snapshot = %v, want snapshot for %s", res.Snapshot, tt.ev.Item.ID)
			}
			if !res.Snapshot.LastSeen.Equal(now) {
				t.Errorf("LastSeen = %v, want %v", res.Snapshot.LastSeen, now)
			}
		})
	}
}

func TestDetect_FillInStoresStreamData(t *testing.T) {
	d := New(Config{FilterRenames: true})
	bare := snapshot("42", "Heat", media.Attributes{Path: hd().Path})

	res := d.Detect(bare, added("42", "Heat", hd()), now)
	if diff := cmp.Diff(hd(), res.Snapshot.Attributes); diff != "" {
		t.Errorf("snapshot attributes mismatch (-want +got):\n%s", diff)
	}
	if res.Snapshot.Fingerprint == bare.Fingerprint {
		t.Error("fingerprint not updated after fill-in")
	}

	// The next event compares against the filled-in state.
	uhd := hd()
	uhd.Resolution = "4K"
	if next := d.Detect(res.Snapshot, added("42", "Heat", uhd), now); next.Outcome != media.OutcomeUpgrade {
		t.Errorf("Outcome = %s, want upgrade", next.Outcome)
	}
}

func TestDetect_RenameNotifiesWhenUnfiltered(t *testing.T) {
	moved := hd()
	moved.Path = "/movies/other.mkv"

	res := New(Config{FilterRenames: false}).Detect(snapshot("99", "Heat", hd()), added("99", "Heat", moved), now)
	if res.Outcome != media.OutcomeRename || !res.Notify {
		t.Errorf("got %s notify=%v, want notifying rename", res.Outcome, res.Notify)
	}
	if res.Snapshot.Attributes.Path != moved.Path {
		t.Errorf("snapshot path = %s, want %s", res.Snapshot.Attributes.Path, moved.Path)
	}
}

func TestDetect_CustomWatchSet(t *testing.T) {
	bigger := hd()
	bigger.Size = 9 << 30

	d := New(Config{Watch: []media.Field{media.FieldFileSize}})
	if d.Watched(media.FieldResolution) {
		t.Error("resolution should not be watched")
	}

	res := d.Detect(snapshot("42", "Heat", hd()), added("42", "Heat", bigger), now)
	if res.Outcome != media.OutcomeUpgrade {
		t.Fatalf("Outcome = %s, want upgrade", res.Outcome)
	}
	if _, ok := res.Changes.Changes[media.FieldFileSize]; !ok {
		t.Errorf("expected file_size change, got %v", res.Changes.Changes)
	}
}

func TestDetect_MultipleChanges(t *testing.T) {
	next := hd()
	next.Resolution = "4K"
	next.VideoCodec = "HEVC"
	next.HDR = "Dolby Vision"
	next.AudioChannels = "7.1"

	res := New(Config{}).Detect(snapshot("42", "Heat", hd()), added("42", "Heat", next), now)

	want := media.ChangeSet{
		ItemID: "42",
		Changes: map[media.Field]media.Change{
			media.FieldResolution:    {Old: "1080p", New: "4K"},
			media.FieldVideoCodec:    {Old: "H264", New: "HEVC"},
			media.FieldHDR:           {Old: "SDR", New: "Dolby Vision"},
			media.FieldAudioChannels: {Old: "5.1", New: "7.1"},
		},
	}
	if diff := cmp.Diff(want, res.Changes); diff != "" {
		t.Errorf("ChangeSet mismatch (-want +got):\n%s", diff)
	}
}
