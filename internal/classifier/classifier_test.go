package classifier

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lalithlochan/jellycast/internal/media"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestClassify_Added(t *testing.T) {
	raw := FromPayload(map[string]any{
		"NotificationType":   "ItemAdded",
		"ItemId":             "42",
		"ItemType":           "Movie",
		"Name":               "Dune",
		"Year":               float64(2021),
		"ItemPath":           "/movies/Dune (2021)/Dune.mkv",
		"Video_0_Width":      float64(3840),
		"Video_0_Height":     float64(2160),
		"Video_0_Codec":      "hevc",
		"Video_0_VideoRange": "HDR",
		"Audio_0_Codec":      "truehd",
		"Audio_0_Channels":   float64(8),
		"Provider_tmdb":      "438631",
		"Size":               "123456",
	})

	ev, err := Classify(raw, now)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	wantRef := media.ItemRef{
		ID:          "42",
		ContentType: media.ContentMovie,
		Name:        "Dune",
		Year:        2021,
		Providers:   map[string]string{"tmdb": "438631"},
		Path:        "/movies/Dune (2021)/Dune.mkv",
	}
	if diff := cmp.Diff(wantRef, ev.Item); diff != "" {
		t.Errorf("item mismatch (-want +got):\n%s", diff)
	}

	if ev.Kind != media.EventAdded {
		t.Errorf("Kind = %v, want %v", ev.Kind, media.EventAdded)
	}
	a := ev.Attributes
	if a.Resolution != "4K" || a.VideoCodec != "HEVC" || a.AudioCodec != "TRUEHD" || a.AudioChannels != "7.1" || a.HDR != "HDR10" {
		t.Errorf("unexpected attributes: %+v", a)
	}
	if a.Size != 123456 {
		t.Errorf("Size = %d, want 123456", a.Size)
	}
	if a.QualityScore != media.QualityScore(a) {
		t.Errorf("QualityScore = %d, want %d", a.QualityScore, media.QualityScore(a))
	}
	if !ev.ReceivedAt.Equal(now) {
		t.Errorf("ReceivedAt = %v, want %v", ev.ReceivedAt, now)
	}
}

func TestClassify_Episode(t *testing.T) {
	ev, err := Classify(RawEvent{
		EventType: "Added",
		ItemID:    "ep-1",
		Properties: map[string]any{
			"ItemType":      "Episode",
			"SeriesName":    "Severance",
			"SeriesId":      "s-9",
			"SeasonNumber":  float64(2),
			"EpisodeNumber": float64(3),
		},
	}, now)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if ev.Item.ContentType != media.ContentEpisode || ev.Item.Season != 2 || ev.Item.Episode != 3 || ev.Item.SeriesID != "s-9" {
		t.Errorf("unexpected item: %+v", ev.Item)
	}
	if ev.Attributes.QualityScore != 0 {
		t.Errorf("QualityScore = %d, want 0 without media attributes", ev.Attributes.QualityScore)
	}
}

func TestClassify_Deleted(t *testing.T) {
	ev, err := Classify(RawEvent{EventType: "itemdeleted", ItemID: "7"}, now)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if ev.Kind != media.EventDeleted {
		t.Errorf("Kind = %v, want deleted", ev.Kind)
	}
	if ev.Item.ContentType != media.ContentOther {
		t.Errorf("ContentType = %v, want other", ev.Item.ContentType)
	}
}

func TestClassify_ChannelOverride(t *testing.T) {
	ev, err := Classify(RawEvent{EventType: "Added", ItemID: "1", Properties: map[string]any{"Channel": "vip"}}, now)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if ev.Channel != "vip" {
		t.Errorf("Channel = %q, want vip", ev.Channel)
	}
}

func TestClassify_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		raw   RawEvent
		field string
	}{
		{"missing type", RawEvent{ItemID: "1"}, "event_type"},
		{"unknown type", RawEvent{EventType: "PlaybackStart", ItemID: "1"}, "event_type"},
		{"missing id", RawEvent{EventType: "ItemAdded"}, "item_id"},
		{"blank id", RawEvent{EventType: "ItemAdded", ItemID: "   "}, "item_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Classify(tt.raw, now)
			var verr *media.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestFromPayload(t *testing.T) {
	raw := FromPayload(map[string]any{"NotificationType": "ItemDeleted", "ItemId": "abc"})
	if raw.EventType != "ItemDeleted" || raw.ItemID != "abc" {
		t.Errorf("FromPayload() = %+v", raw)
	}
}

func TestAttributes_ResolutionFallback(t *testing.T) {
	a := Attributes(map[string]any{"Resolution": "1080p", "Audio_0_ChannelLayout": "5.1", "VideoCodec": "h264"}, "/x")
	if a.Resolution != "1080p" || a.AudioChannels != "5.1" || a.VideoCodec != "H264" || a.Path != "/x" {
		t.Errorf("Attributes() = %+v", a)
	}
}
