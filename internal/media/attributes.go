package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Field names one item attribute.
type Field string

const (
	FieldResolution    Field = "resolution"
	FieldVideoCodec    Field = "video_codec"
	FieldAudioCodec    Field = "audio_codec"
	FieldAudioChannels Field = "audio_channels"
	FieldHDR           Field = "hdr"
	FieldQualityScore  Field = "quality_score"
	FieldFileSize      Field = "file_size"
	FieldPath          Field = "path"
)

// QualityFields are the attributes that make up the fingerprint, in hashing
// order. Path is deliberately absent.
var QualityFields = []Field{
	FieldResolution,
	FieldVideoCodec,
	FieldAudioCodec,
	FieldAudioChannels,
	FieldHDR,
	FieldQualityScore,
	FieldFileSize,
}

// Attributes are the technical properties of a media file.
type Attributes struct {
	Resolution    string `json:"resolution,omitempty"`
	VideoCodec    string `json:"video_codec,omitempty"`
	AudioCodec    string `json:"audio_codec,omitempty"`
	AudioChannels string `json:"audio_channels,omitempty"`
	HDR           string `json:"hdr,omitempty"`
	QualityScore  int    `json:"quality_score,omitempty"`
	Size          int64  `json:"size,omitempty"`
	Path          string `json:"path,omitempty"`
}

// Value returns the string form of a field, used for diffing and display.
func (a Attributes) Value(f Field) string {
	switch f {
	case FieldResolution:
		return a.Resolution
	case FieldVideoCodec:
		return a.VideoCodec
	case FieldAudioCodec:
		return a.AudioCodec
	case FieldAudioChannels:
		return a.AudioChannels
	case FieldHDR:
		return a.HDR
	case FieldQualityScore:
		return strconv.Itoa(a.QualityScore)
	case FieldFileSize:
		return strconv.FormatInt(a.Size, 10)
	case FieldPath:
		return a.Path
	default:
		return ""
	}
}

// Fingerprint is a hex SHA-256 digest over every quality field. Two
// attribute sets differing only in Path share a fingerprint.
func (a Attributes) Fingerprint() string {
	h := sha256.New()
	for _, f := range QualityFields {
		// Length-prefixed so adjacent values cannot run together.
		v := a.Value(f)
		fmt.Fprintf(h, "%s:%d:%s;", f, len(v), v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HasMedia reports whether any technical attribute is known.
func (a Attributes) HasMedia() bool {
	return a.Resolution != "" || a.VideoCodec != "" || a.AudioCodec != ""
}

// ResolutionLabel converts a video width and height into a display label.
func ResolutionLabel(width, height int) string {
	switch {
	case width <= 0:
		return ""
	case width >= 7680:
		return "8K"
	case width >= 3840:
		return "4K"
	case width >= 1920:
		return "1080p"
	case width >= 1280:
		return "720p"
	case width >= 720 && height >= 480:
		return "480p"
	default:
		return fmt.Sprintf("%dx%d", width, height)
	}
}

// ChannelLayout converts an audio channel count into a layout label.
func ChannelLayout(channels int) string {
	switch {
	case channels >= 8:
		return "7.1"
	case channels >= 6:
		return "5.1"
	case channels >= 2:
		return "Stereo"
	case channels == 1:
		return "Mono"
	default:
		return ""
	}
}

// NormalizeHDR reduces a video range description to HDR flavour or SDR.
func NormalizeHDR(videoRange string) string {
	r := strings.ToUpper(strings.TrimSpace(videoRange))
	switch {
	case r == "":
		return ""
	case strings.Contains(r, "DOVI") || strings.Contains(r, "DOLBY"):
		return "Dolby Vision"
	case strings.Contains(r, "HDR10+"):
		return "HDR10+"
	case strings.Contains(r, "HLG"):
		return "HLG"
	case strings.Contains(r, "HDR"):
		return "HDR10"
	default:
		return "SDR"
	}
}

var resolutionScores = map[string]int{
	"8K":    500,
	"4K":    400,
	"1080p": 300,
	"720p":  200,
	"480p":  100,
}

var codecScores = map[string]int{
	"AV1":  30,
	"HEVC": 20,
	"H265": 20,
	"VP9":  15,
	"H264": 10,
	"AVC":  10,
}

// QualityScore is a deterministic ranking of an attribute set. Higher is
// better; it only compares files, it carries no absolute meaning.
func QualityScore(a Attributes) int {
	score, ok := resolutionScores[a.Resolution]
	if !ok && a.Resolution != "" {
		score = 50
	}
	score += codecScores[strings.ToUpper(a.VideoCodec)]
	if a.HDR != "" && a.HDR != "SDR" {
		score += 50
	}
	switch a.AudioChannels {
	case "7.1":
		score += 15
	case "5.1":
		score += 10
	}
	return score
}
