// Package render turns processed library changes into notification
// messages. The message layout follows the Discord webhook format; other
// transports use its plain text form.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lalithlochan/jellycast/internal/media"
)

// Discord limits.
const (
	maxTitle       = 256
	maxDescription = 4096
	maxFieldValue  = 1024
	maxGroupLines  = 10
)

// Embed colors per outcome.
const (
	ColorNew     = 0x66CC33
	ColorUpgrade = 0x2ECC71
	ColorDeleted = 0xE74C3C
	ColorOther   = 0x5865F2
)

const footer = "jellycast"

// Notification is one library change queued for delivery. It is the
// persisted job payload.
type Notification struct {
	Outcome    media.Outcome                `json:"outcome"`
	Item       media.ItemRef                `json:"item"`
	Attributes media.Attributes             `json:"attributes"`
	Changes    map[media.Field]media.Change `json:"changes,omitempty"`
	At         time.Time                    `json:"at"`
}

// Message is a rendered notification.
type Message struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content,omitempty"`
	Embeds   []Embed `json:"embeds,omitempty"`
}

// Embed is a Discord rich embed.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

// EmbedField is a name/value row inside an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// EmbedFooter is the small text under an embed.
type EmbedFooter struct {
	Text string `json:"text,omitempty"`
}

// Compose renders one notification or a group of them as a single message.
func Compose(ns []Notification) Message {
	switch len(ns) {
	case 0:
		return Message{}
	case 1:
		return Message{Embeds: []Embed{single(ns[0])}}
	default:
		return Message{Embeds: []Embed{group(ns)}}
	}
}

// TestMessage is sent by the channel test endpoint.
func TestMessage(channel string, now time.Time) Message {
	return Message{Embeds: []Embed{{
		Title:       "Test notification",
		Description: fmt.Sprintf("Channel **%s** is configured correctly.", channel),
		Color:       ColorOther,
		Timestamp:   now.UTC().Format(time.RFC3339),
		Footer:      &EmbedFooter{Text: footer},
	}}}
}

func single(n Notification) Embed {
	e := Embed{
		Title:       truncate(fmt.Sprintf("%s %s", typeLabel(n.Item.ContentType), verb(n.Outcome)), maxTitle),
		Description: truncate(headline(n.Item), maxDescription),
		Color:       color(n.Outcome),
		Timestamp:   n.At.UTC().Format(time.RFC3339),
		Footer:      &EmbedFooter{Text: footer},
	}

	switch n.Outcome {
	case media.OutcomeUpgrade:
		if lines := changeLines(n.Changes); lines != "" {
			e.Fields = append(e.Fields, EmbedField{Name: "Changes Detected", Value: truncate(lines, maxFieldValue)})
		}
		e.Fields = append(e.Fields, detailFields(n.Attributes, "Current Quality")...)
	case media.OutcomeDeleted:
	default:
		e.Fields = append(e.Fields, detailFields(n.Attributes, "Quality")...)
	}
	return e
}

func group(ns []Notification) Embed {
	outcome := ns[0].Outcome
	for _, n := range ns[1:] {
		if n.Outcome != outcome {
			outcome = ""
			break
		}
	}

	title := fmt.Sprintf("%d library changes", len(ns))
	if outcome != "" {
		title = fmt.Sprintf("%d items %s", len(ns), strings.ToLower(verb(outcome)))
	}

	var b strings.Builder
	for i, n := range ns {
		if i == maxGroupLines {
			fmt.Fprintf(&b, "... and %d more", len(ns)-maxGroupLines)
			break
		}
		b.WriteString(headline(n.Item))
		if q := qualityLine(n.Attributes); q != "" && n.Outcome != media.OutcomeDeleted {
			b.WriteString(" · ")
			b.WriteString(q)
		}
		if outcome == "" {
			fmt.Fprintf(&b, " (%s)", strings.ToLower(verb(n.Outcome)))
		}
		b.WriteString("\n")
	}

	last := ns[len(ns)-1].At
	return Embed{
		Title:       truncate(title, maxTitle),
		Description: truncate(strings.TrimRight(b.String(), "\n"), maxDescription),
		Color:       color(outcome),
		Timestamp:   last.UTC().Format(time.RFC3339),
		Footer:      &EmbedFooter{Text: footer},
	}
}

func detailFields(a media.Attributes, qualityName string) []EmbedField {
	var fields []EmbedField
	if q := qualityLine(a); q != "" {
		fields = append(fields, EmbedField{Name: qualityName, Value: q, Inline: true})
	}
	if audio := strings.TrimSpace(a.AudioCodec + " " + a.AudioChannels); audio != "" {
		fields = append(fields, EmbedField{Name: "Audio", Value: audio, Inline: true})
	}
	if a.Size > 0 {
		fields = append(fields, EmbedField{Name: "File Size", Value: humanize.IBytes(uint64(a.Size)), Inline: true})
	}
	return fields
}

func qualityLine(a media.Attributes) string {
	parts := make([]string, 0, 3)
	if a.Resolution != "" {
		parts = append(parts, a.Resolution)
	}
	if a.VideoCodec != "" {
		parts = append(parts, a.VideoCodec)
	}
	if a.HDR != "" && a.HDR != "SDR" {
		parts = append(parts, a.HDR)
	}
	return strings.Join(parts, " ")
}

var fieldLabels = map[media.Field]string{
	media.FieldResolution:    "Resolution",
	media.FieldVideoCodec:    "Video Codec",
	media.FieldAudioCodec:    "Audio Codec",
	media.FieldAudioChannels: "Audio Channels",
	media.FieldHDR:           "HDR",
	media.FieldQualityScore:  "Quality Score",
	media.FieldFileSize:      "File Size",
}

func changeLines(changes map[media.Field]media.Change) string {
	var lines []string
	for _, f := range media.QualityFields {
		c, ok := changes[f]
		if !ok {
			continue
		}
		old, cur := orNone(c.Old), orNone(c.New)
		if f == media.FieldFileSize {
			old, cur = sizeLabel(c.Old), sizeLabel(c.New)
		}
		lines = append(lines, fmt.Sprintf("%s: %s → %s", fieldLabels[f], old, cur))
	}
	return strings.Join(lines, "\n")
}

func headline(ref media.ItemRef) string {
	switch {
	case ref.ContentType == media.ContentEpisode && ref.SeriesName != "":
		return fmt.Sprintf("**%s** S%02dE%02d · %s", ref.SeriesName, ref.Season, ref.Episode, ref.Name)
	case ref.Year > 0:
		return fmt.Sprintf("**%s** (%d)", ref.Name, ref.Year)
	default:
		return fmt.Sprintf("**%s**", ref.Name)
	}
}

func typeLabel(ct media.ContentType) string {
	switch ct {
	case media.ContentMovie:
		return "Movie"
	case media.ContentSeries:
		return "Series"
	case media.ContentEpisode:
		return "Episode"
	case media.ContentAudio:
		return "Music"
	default:
		return "Item"
	}
}

func verb(o media.Outcome) string {
	switch o {
	case media.OutcomeNew:
		return "Added"
	case media.OutcomeUpgrade:
		return "Upgraded"
	case media.OutcomeDeleted:
		return "Deleted"
	case media.OutcomeRename:
		return "Renamed"
	default:
		return "Changed"
	}
}

func color(o media.Outcome) int {
	switch o {
	case media.OutcomeNew:
		return ColorNew
	case media.OutcomeUpgrade:
		return ColorUpgrade
	case media.OutcomeDeleted:
		return ColorDeleted
	default:
		return ColorOther
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func sizeLabel(s string) string {
	var n int64
	if _, err := fmt.Sscan(s, &n); err != nil || n <= 0 {
		return orNone(s)
	}
	return humanize.IBytes(uint64(n))
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
