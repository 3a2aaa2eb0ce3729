package jellyfin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/classifier"
	"github.com/lalithlochan/jellycast/internal/media"
)

const heatJSON = `{
	"Id": "42", "Name": "Heat", "Type": "Movie", "Path": "/movies/Heat (1995)/Heat.mkv",
	"ProductionYear": 1995,
	"ProviderIds": {"Tmdb": "949", "Imdb": "tt0113277"},
	"MediaStreams": [
		{"Type": "Video", "Codec": "hevc", "Width": 3840, "Height": 2160, "VideoRange": "HDR"},
		{"Type": "Audio", "Codec": "truehd", "Channels": 8},
		{"Type": "Audio", "Codec": "aac", "Channels": 2}
	],
	"MediaSources": [{"Path": "/movies/Heat (1995)/Heat.mkv", "Size": 52000000000}]
}`

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Emby-Token") != "secret" {
			t.Errorf("X-Emby-Token = %q", r.Header.Get("X-Emby-Token"))
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient(Config{URL: srv.URL + "/", APIKey: "secret", UserID: "u1", Timeout: time.Second}, zap.NewNop())
}

func TestGetItem(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Users/u1/Items/42":
			if r.URL.Query().Get("Fields") == "" {
				t.Error("Fields not requested")
			}
			fmt.Fprint(w, heatJSON)
		default:
			http.NotFound(w, r)
		}
	})

	item, err := c.GetItem(context.Background(), "42")
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if item.Name != "Heat" || len(item.MediaStreams) != 3 {
		t.Errorf("item = %+v", item)
	}

	if _, err := c.GetItem(context.Background(), "404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestItemClassifiesLikeWebhook(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, heatJSON)
	})
	item, err := c.GetItem(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}

	ev, err := classifier.Classify(item.RawEvent("ItemAdded"), time.Now())
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	if ev.Kind != media.EventAdded || ev.Item.ContentType != media.ContentMovie || ev.Item.Year != 1995 {
		t.Errorf("event = %+v", ev.Item)
	}
	if ev.Item.Providers["tmdb"] != "949" || ev.Item.Providers["imdb"] != "tt0113277" {
		t.Errorf("providers = %v", ev.Item.Providers)
	}
	a := ev.Attributes
	if a.Resolution != "4K" || a.VideoCodec != "HEVC" || a.AudioCodec != "TRUEHD" || a.AudioChannels != "7.1" || a.HDR != "HDR10" {
		t.Errorf("attributes = %+v", a)
	}
	if a.Size != 52000000000 {
		t.Errorf("size = %d", a.Size)
	}
}

func TestListItemsPaginates(t *testing.T) {
	const total = 5
	var requests int
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Path != "/Users/u1/Items" || r.URL.Query().Get("Recursive") != "true" {
			t.Errorf("unexpected request %s", r.URL)
		}
		start, _ := strconv.Atoi(r.URL.Query().Get("StartIndex"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("Limit"))
		fmt.Fprint(w, `{"Items":[`)
		for i := start; i < min(start+limit, total); i++ {
			if i > start {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"Id":"%d","Name":"Item %d","Type":"Episode","SeriesName":"Show","ParentIndexNumber":1,"IndexNumber":%d}`, i, i, i+1)
		}
		fmt.Fprintf(w, `],"TotalRecordCount":%d}`, total)
	})
	c.pageLen = 2

	items, err := c.ListItems(context.Background())
	if err != nil {
		t.Fatalf("ListItems() error = %v", err)
	}
	if len(items) != total {
		t.Errorf("got %d items, want %d", len(items), total)
	}
	if requests != 3 {
		t.Errorf("requests = %d, want 3 pages", requests)
	}

	p := items[4].Properties()
	if p["SeasonNumber"] != 1 || p["EpisodeNumber"] != 5 {
		t.Errorf("episode properties = %v", p)
	}
}

func TestServerErrors(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	if _, err := c.ListItems(context.Background()); err == nil {
		t.Error("expected error on 500")
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Error("expected ping error on 500")
	}
}

func TestGetItemWithoutUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Items" || r.URL.Query().Get("Ids") == "" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.URL.Query().Get("Ids") == "42" {
			fmt.Fprintf(w, `{"Items":[%s],"TotalRecordCount":1}`, heatJSON)
			return
		}
		fmt.Fprint(w, `{"Items":[],"TotalRecordCount":0}`)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, APIKey: "secret"}, zap.NewNop())
	item, err := c.GetItem(context.Background(), "42")
	if err != nil || item.ID != "42" {
		t.Fatalf("GetItem() = %+v, %v", item, err)
	}
	if _, err := c.GetItem(context.Background(), "7"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
