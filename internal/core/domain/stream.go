package domain

import (
	"time"
)

// StreamToken identifies a room and its persisted stream record.
type StreamToken string

// Stream is the persisted record a room mirrors its derived status into.
// Only Token, Owner and CreatedAt are written by the control plane on
// creation; the rest is derived from room state.
type Stream struct {
	Token       StreamToken `json:"token"`
	Owner       string      `json:"owner"`
	IsLive      bool        `json:"is_live"`
	StartTime   *time.Time  `json:"start_time,omitempty"`
	EndTime     *time.Time  `json:"end_time,omitempty"`
	ViewerCount int         `json:"viewer_count"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (s *Stream) Clone() *Stream {
	if s == nil {
		return nil
	}
	c := *s
	if s.StartTime != nil {
		t := *s.StartTime
		c.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	return &c
}

// StreamEventType names a derived status change broadcast to other services.
type StreamEventType string

const (
	StreamEventLive    StreamEventType = "stream.live"
	StreamEventEnded   StreamEventType = "stream.ended"
	StreamEventViewers StreamEventType = "stream.viewers"
)

// StreamEvent is published after the corresponding store write succeeds.
type StreamEvent struct {
	Type        StreamEventType `json:"type"`
	Token       StreamToken     `json:"stream_token"`
	ViewerCount int             `json:"viewer_count,omitempty"`
	At          time.Time       `json:"at"`
}
