// Package classifier validates raw inbound events and turns them into
// typed media events.
package classifier

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lalithlochan/jellycast/internal/media"
)

// RawEvent is an inbound event before validation. Properties use the
// Jellyfin webhook plugin field names.
type RawEvent struct {
	EventType  string
	ItemID     string
	Properties map[string]any
}

// FromPayload extracts a RawEvent from a flat webhook body.
func FromPayload(body map[string]any) RawEvent {
	raw := RawEvent{Properties: body}
	raw.EventType = firstString(body, "NotificationType", "Event", "EventType", "event_type")
	raw.ItemID = firstString(body, "ItemId", "ItemID", "item_id", "Id")
	return raw
}

// Classify validates raw and returns the typed event. It is pure: now only
// stamps ReceivedAt.
func Classify(raw RawEvent, now time.Time) (media.Event, error) {
	kind, err := parseKind(raw.EventType)
	if err != nil {
		return media.Event{}, err
	}

	id := strings.TrimSpace(raw.ItemID)
	if id == "" {
		id = firstString(raw.Properties, "ItemId", "ItemID", "Id")
	}
	if id == "" {
		return media.Event{}, &media.ValidationError{Field: "item_id", Reason: "missing"}
	}

	p := raw.Properties
	ref := media.ItemRef{
		ID:          id,
		ContentType: media.ParseContentType(firstString(p, "ItemType", "Type")),
		Name:        firstString(p, "Name"),
		Year:        firstInt(p, "Year", "ProductionYear"),
		SeriesID:    firstString(p, "SeriesId", "SeriesID"),
		SeriesName:  firstString(p, "SeriesName"),
		Season:      firstInt(p, "SeasonNumber", "ParentIndexNumber"),
		Episode:     firstInt(p, "EpisodeNumber", "IndexNumber"),
		Providers:   providers(p),
		Path:        firstString(p, "ItemPath", "Path"),
	}

	return media.Event{
		Kind:       kind,
		Item:       ref,
		Attributes: Attributes(p, ref.Path),
		Channel:    firstString(p, "Channel", "channel"),
		ReceivedAt: now,
	}, nil
}

func parseKind(eventType string) (media.EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "added", "itemadded":
		return media.EventAdded, nil
	case "deleted", "itemdeleted", "removed", "itemremoved":
		return media.EventDeleted, nil
	case "":
		return "", &media.ValidationError{Field: "event_type", Reason: "missing"}
	default:
		return "", &media.ValidationError{Field: "event_type", Reason: fmt.Sprintf("unrecognized %q", eventType)}
	}
}

// Attributes extracts technical attributes from a property map.
func Attributes(p map[string]any, path string) media.Attributes {
	a := media.Attributes{
		Resolution: firstString(p, "Resolution"),
		VideoCodec: strings.ToUpper(firstString(p, "Video_0_Codec", "VideoCodec")),
		AudioCodec: strings.ToUpper(firstString(p, "Audio_0_Codec", "AudioCodec")),
		HDR:        media.NormalizeHDR(firstString(p, "Video_0_VideoRange", "VideoRange", "HDR")),
		Size:       int64(firstInt(p, "Size", "FileSize")),
		Path:       path,
	}
	if a.Resolution == "" {
		a.Resolution = media.ResolutionLabel(firstInt(p, "Video_0_Width", "Width"), firstInt(p, "Video_0_Height", "Height"))
	}
	a.AudioChannels = firstString(p, "Audio_0_ChannelLayout", "AudioChannels")
	if n := firstInt(p, "Audio_0_Channels", "Channels"); n > 0 {
		a.AudioChannels = media.ChannelLayout(n)
	}
	if a.HasMedia() {
		a.QualityScore = media.QualityScore(a)
	}
	return a
}

func providers(p map[string]any) map[string]string {
	keys := map[string][]string{
		"tmdb": {"Provider_tmdb", "Provider_Tmdb"},
		"imdb": {"Provider_imdb", "Provider_Imdb"},
		"tvdb": {"Provider_tvdb", "Provider_Tvdb"},
	}
	var out map[string]string
	for name, candidates := range keys {
		v := firstString(p, candidates...)
		if v == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string, 3)
		}
		out[name] = v
	}
	return out
}

func firstString(p map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := p[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			return strconv.Itoa(t)
		case int64:
			return strconv.FormatInt(t, 10)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return ""
}

func firstInt(p map[string]any, keys ...string) int {
	for _, k := range keys {
		v, ok := p[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			if t > math.MaxInt64 || t < math.MinInt64 {
				continue
			}
			return int(t)
		case int:
			return t
		case int64:
			return int(t)
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				return n
			}
		}
	}
	return 0
}
