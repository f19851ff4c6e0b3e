package webrtc

import (
	"fmt"
	"strings"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

var videoFeedback = []ports.RTCPFeedback{
	{Type: webrtc.TypeRTCPFBNACK},
	{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
	{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
	{Type: webrtc.TypeRTCPFBGoogREMB},
	{Type: webrtc.TypeRTCPFBTransportCC},
}

// catalog holds the codecs the engine knows how to route, keyed by lower
// case mime type.
var catalog = map[string]ports.RTPCodecCapability{
	strings.ToLower(webrtc.MimeTypeOpus): {
		Kind:      domain.MediaKindAudio,
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
		Parameters: map[string]interface{}{
			"minptime":     10,
			"useinbandfec": 1,
		},
		RTCPFeedback: []ports.RTCPFeedback{{Type: webrtc.TypeRTCPFBTransportCC}},
	},
	strings.ToLower(webrtc.MimeTypeVP8): {
		Kind:         domain.MediaKindVideo,
		MimeType:     webrtc.MimeTypeVP8,
		ClockRate:    90000,
		RTCPFeedback: videoFeedback,
	},
	strings.ToLower(webrtc.MimeTypeVP9): {
		Kind:      domain.MediaKindVideo,
		MimeType:  webrtc.MimeTypeVP9,
		ClockRate: 90000,
		Parameters: map[string]interface{}{
			"profile-id": 2,
		},
		RTCPFeedback: videoFeedback,
	},
	strings.ToLower(webrtc.MimeTypeH264): {
		Kind:      domain.MediaKindVideo,
		MimeType:  webrtc.MimeTypeH264,
		ClockRate: 90000,
		Parameters: map[string]interface{}{
			"packetization-mode":      1,
			"profile-level-id":        "42e01f",
			"level-asymmetry-allowed": 1,
		},
		RTCPFeedback: videoFeedback,
	},
}

// DefaultCodecs resolves configured mime types ("audio/opus", "video/VP8")
// into router media codecs.
func DefaultCodecs(mimeTypes []string) ([]ports.RTPCodecCapability, error) {
	out := make([]ports.RTPCodecCapability, 0, len(mimeTypes))
	seen := make(map[string]bool, len(mimeTypes))
	for _, m := range mimeTypes {
		key := strings.ToLower(strings.TrimSpace(m))
		c, ok := catalog[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCodec, m)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out, nil
}

func codecMatches(mime string, clockRate uint32, channels uint16, c ports.RTPCodecCapability) bool {
	if !strings.EqualFold(mime, c.MimeType) || clockRate != c.ClockRate {
		return false
	}
	if channels != 0 && c.Channels != 0 && channels != c.Channels {
		return false
	}
	return true
}

func findCodec(caps []ports.RTPCodecCapability, mime string, clockRate uint32, channels uint16) (ports.RTPCodecCapability, bool) {
	for _, c := range caps {
		if codecMatches(mime, clockRate, channels, c) {
			return c, true
		}
	}
	return ports.RTPCodecCapability{}, false
}

func cloneParams(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
