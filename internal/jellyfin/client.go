// Package jellyfin is a small client for the Jellyfin REST API. It fetches
// item details to complete thin webhook payloads and enumerates the library
// for background sync.
package jellyfin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/classifier"
)

// ErrNotFound is returned when the server does not know an item.
var ErrNotFound = errors.New("jellyfin item not found")

const (
	itemFields     = "Path,MediaStreams,MediaSources,ProviderIds,ProductionYear"
	itemTypes      = "Movie,Series,Episode,Audio,MusicAlbum"
	defaultPageLen = 500
)

// Config holds the server connection settings.
type Config struct {
	URL     string
	APIKey  string
	UserID  string
	Timeout time.Duration
}

// Client provides access to the Jellyfin REST API.
type Client struct {
	baseURL    string
	apiKey     string
	userID     string
	pageLen    int
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a Jellyfin API client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		userID:     cfg.UserID,
		pageLen:    defaultPageLen,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// MediaStream is one video, audio or subtitle stream.
type MediaStream struct {
	Type          string `json:"Type"`
	Codec         string `json:"Codec"`
	Width         int    `json:"Width"`
	Height        int    `json:"Height"`
	Channels      int    `json:"Channels"`
	ChannelLayout string `json:"ChannelLayout"`
	VideoRange    string `json:"VideoRange"`
}

// MediaSource is one file backing an item.
type MediaSource struct {
	Path string `json:"Path"`
	Size int64  `json:"Size"`
}

// Item is a library item as returned by the Items endpoints.
type Item struct {
	ID                string            `json:"Id"`
	Name              string            `json:"Name"`
	Type              string            `json:"Type"`
	Path              string            `json:"Path"`
	ProductionYear    int               `json:"ProductionYear"`
	SeriesID          string            `json:"SeriesId"`
	SeriesName        string            `json:"SeriesName"`
	ParentIndexNumber int               `json:"ParentIndexNumber"`
	IndexNumber       int               `json:"IndexNumber"`
	ProviderIDs       map[string]string `json:"ProviderIds"`
	MediaStreams      []MediaStream     `json:"MediaStreams"`
	MediaSources      []MediaSource     `json:"MediaSources"`
}

type itemsPage struct {
	Items            []Item `json:"Items"`
	TotalRecordCount int    `json:"TotalRecordCount"`
}

// Properties renders the item with the field names of the Jellyfin
// webhook plugin, so it classifies like a webhook event.
func (it *Item) Properties() map[string]any {
	p := map[string]any{
		"ItemId":   it.ID,
		"ItemType": it.Type,
		"Name":     it.Name,
	}
	if it.Path != "" {
		p["ItemPath"] = it.Path
	}
	if it.ProductionYear > 0 {
		p["Year"] = it.ProductionYear
	}
	if it.SeriesID != "" {
		p["SeriesId"] = it.SeriesID
	}
	if it.SeriesName != "" {
		p["SeriesName"] = it.SeriesName
	}
	if strings.EqualFold(it.Type, "Episode") {
		p["SeasonNumber"] = it.ParentIndexNumber
		p["EpisodeNumber"] = it.IndexNumber
	}
	for k, v := range it.ProviderIDs {
		p["Provider_"+strings.ToLower(k)] = v
	}

	var video, audio bool
	for _, s := range it.MediaStreams {
		switch {
		case s.Type == "Video" && !video:
			video = true
			p["Video_0_Codec"] = s.Codec
			p["Video_0_Width"] = s.Width
			p["Video_0_Height"] = s.Height
			if s.VideoRange != "" {
				p["Video_0_VideoRange"] = s.VideoRange
			}
		case s.Type == "Audio" && !audio:
			audio = true
			p["Audio_0_Codec"] = s.Codec
			if s.Channels > 0 {
				p["Audio_0_Channels"] = s.Channels
			} else if s.ChannelLayout != "" {
				p["Audio_0_ChannelLayout"] = s.ChannelLayout
			}
		}
	}
	if len(it.MediaSources) > 0 && it.MediaSources[0].Size > 0 {
		p["Size"] = it.MediaSources[0].Size
	}
	return p
}

// RawEvent returns the item as an inbound event of eventType.
func (it *Item) RawEvent(eventType string) classifier.RawEvent {
	return classifier.RawEvent{
		EventType:  eventType,
		ItemID:     it.ID,
		Properties: it.Properties(),
	}
}

func (c *Client) itemsPath() string {
	if c.userID != "" {
		return "/Users/" + url.PathEscape(c.userID) + "/Items"
	}
	return "/Items"
}

// GetItem fetches one item with its media streams.
func (c *Client) GetItem(ctx context.Context, id string) (*Item, error) {
	q := url.Values{}
	q.Set("Fields", itemFields)
	q.Set("EnableUserData", "false")

	var item Item
	if c.userID != "" {
		if err := c.get(ctx, c.itemsPath()+"/"+url.PathEscape(id), q, &item); err != nil {
			return nil, err
		}
		return &item, nil
	}

	// Without a user, look the item up through the library query.
	q.Set("Ids", id)
	var page itemsPage
	if err := c.get(ctx, "/Items", q, &page); err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &page.Items[0], nil
}

// ListItems enumerates every movie, series, episode and audio item.
func (c *Client) ListItems(ctx context.Context) ([]Item, error) {
	var all []Item
	for start := 0; ; {
		q := url.Values{}
		q.Set("Recursive", "true")
		q.Set("IncludeItemTypes", itemTypes)
		q.Set("Fields", itemFields)
		q.Set("EnableUserData", "false")
		q.Set("StartIndex", strconv.Itoa(start))
		q.Set("Limit", strconv.Itoa(c.pageLen))

		var page itemsPage
		if err := c.get(ctx, c.itemsPath(), q, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		start += len(page.Items)

		if len(page.Items) == 0 || start >= page.TotalRecordCount {
			break
		}
	}

	c.logger.Debug("retrieved library items", zap.Int("items", len(all)))
	return all, nil
}

// Ping tests connectivity to the server.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/System/Info/Public", nil, nil)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	fullURL := c.baseURL + endpoint
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Emby-Token", c.apiKey)
	req.Header.Set("X-Emby-Client", "jellycast")
	req.Header.Set("X-Emby-Device-Name", "jellycast")
	req.Header.Set("X-Emby-Device-Id", "jellycast")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("jellyfin request %s failed: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, endpoint)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("jellyfin %s returned status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode jellyfin %s: %w", endpoint, err)
	}
	return nil
}
