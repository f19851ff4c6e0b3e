package domain

import "fmt"

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case MediaKindAudio, MediaKindVideo:
		return MediaKind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMediaKind, s)
	}
}

// ProducerInfo is the public view of a live producer.
type ProducerInfo struct {
	ID   string    `json:"id"`
	Kind MediaKind `json:"kind"`
}
