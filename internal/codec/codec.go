// Package codec maps codec identifiers found in playlists and containers to
// the canonical names carried by elementary stream formats.
package codec

import "strings"

// Video represents a video codec.
type Video string

// Video codec constants.
const (
	VideoH264 Video = "h264" // H.264/AVC
	VideoH265 Video = "h265" // H.265/HEVC
	VideoVP9  Video = "vp9"
	VideoAV1  Video = "av1"
)

// Audio represents an audio codec.
type Audio string

// Audio codec constants.
const (
	AudioAAC  Audio = "aac"
	AudioMP3  Audio = "mp3"
	AudioAC3  Audio = "ac3"  // Dolby Digital
	AudioEAC3 Audio = "eac3" // Dolby Digital Plus
	AudioOpus Audio = "opus"
)

// Elementary stream kinds.
const (
	KindVideo    = "video"
	KindAudio    = "audio"
	KindSubtitle = "subtitle"
)

func (v Video) String() string { return string(v) }

func (a Audio) String() string { return string(a) }

// Info describes one recognized codec.
type Info struct {
	Name string
	Kind string
}

// rfc6381 indexes sample entry prefixes of RFC 6381 codec strings.
var rfc6381 = map[string]Info{
	"avc1": {string(VideoH264), KindVideo},
	"avc3": {string(VideoH264), KindVideo},
	"hev1": {string(VideoH265), KindVideo},
	"hvc1": {string(VideoH265), KindVideo},
	"vp09": {string(VideoVP9), KindVideo},
	"av01": {string(VideoAV1), KindVideo},
	"mp4a": {string(AudioAAC), KindAudio},
	"ac-3": {string(AudioAC3), KindAudio},
	"ec-3": {string(AudioEAC3), KindAudio},
	"opus": {string(AudioOpus), KindAudio},
	"wvtt": {"webvtt", KindSubtitle},
	"stpp": {"ttml", KindSubtitle},
}

// ParseRFC6381 recognizes an HLS CODECS entry such as "avc1.64001f" or
// "mp4a.40.2". MPEG-1/2 audio object types of mp4a map to mp3.
func ParseRFC6381(s string) (Info, bool) {
	lower := strings.ToLower(strings.TrimSpace(s))
	prefix, rest, _ := strings.Cut(lower, ".")
	info, ok := rfc6381[prefix]
	if !ok {
		return Info{}, false
	}
	if prefix == "mp4a" && (rest == "40.34" || rest == "69" || rest == "6b") {
		info.Name = string(AudioMP3)
	}
	return info, true
}

// Kind classifies a CODECS list: video when any entry is video, otherwise
// audio or subtitle when every recognized entry agrees. Unknown lists
// return the empty string.
func Kind(codecs []string) string {
	kinds := make(map[string]bool)
	for _, c := range codecs {
		if info, ok := ParseRFC6381(c); ok {
			kinds[info.Kind] = true
		}
	}
	switch {
	case kinds[KindVideo]:
		return KindVideo
	case kinds[KindAudio] && !kinds[KindSubtitle]:
		return KindAudio
	case kinds[KindSubtitle] && !kinds[KindAudio]:
		return KindSubtitle
	}
	return ""
}
