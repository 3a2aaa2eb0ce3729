package router

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lalithlochan/jellycast/internal/media"
)

func TestResolve(t *testing.T) {
	r := New(
		map[string]string{"movie": "movies", "episode": "tv", "series": "tv", "audio": "music"},
		"default",
		map[string]Channel{
			"movies":  {},
			"tv":      {},
			"music":   {Disabled: true},
			"default": {},
			"admin":   {},
		},
	)

	tests := []struct {
		name     string
		ct       media.ContentType
		override string
		want     Decision
	}{
		{"movie route", media.ContentMovie, "", Decision{Channel: "movies", Reason: ReasonRoute}},
		{"episode route", media.ContentEpisode, "", Decision{Channel: "tv", Reason: ReasonRoute}},
		{"override wins", media.ContentMovie, "admin", Decision{Channel: "admin", Reason: ReasonOverride}},
		{"unknown override ignored", media.ContentMovie, "nope", Decision{Channel: "movies", Reason: ReasonRoute}},
		{"disabled route falls back", media.ContentAudio, "", Decision{Channel: "default", Reason: ReasonFallback}},
		{"unrouted type falls back", media.ContentOther, "", Decision{Channel: "default", Reason: ReasonFallback}},
		{"disabled override ignored", media.ContentEpisode, "music", Decision{Channel: "tv", Reason: ReasonRoute}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, r.Resolve(tt.ct, tt.override)); diff != "" {
				t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolve_LogOnly(t *testing.T) {
	tests := []struct {
		name     string
		fallback string
		channels map[string]Channel
	}{
		{"no fallback", "", map[string]Channel{"movies": {}}},
		{"fallback none", "none", map[string]Channel{"movies": {}, "none": {}}},
		{"fallback missing", "default", map[string]Channel{"movies": {}}},
		{"fallback disabled", "default", map[string]Channel{"default": {Disabled: true}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(map[string]string{"movie": "movies"}, tt.fallback, tt.channels)
			got := r.Resolve(media.ContentAudio, "")
			if !got.LogOnly || got.Channel != "" {
				t.Errorf("Resolve() = %+v, want log-only", got)
			}
		})
	}
}

func TestChannels(t *testing.T) {
	r := New(nil, "", map[string]Channel{"a": {}, "b": {Disabled: true}, "c": {}})
	got := r.Channels()
	sort.Strings(got)
	if diff := cmp.Diff([]string{"a", "c"}, got); diff != "" {
		t.Errorf("Channels() mismatch (-want +got):\n%s", diff)
	}
}
