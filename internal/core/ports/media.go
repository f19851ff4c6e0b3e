package ports

import (
	"context"

	"relaycast/internal/core/domain"
)

// Wire shapes below use the media engine's field names; peers pass them
// through to their client-side device untouched.

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"` // auto, client, server
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportParams is what a peer needs to build its side of a transport.
type TransportParams struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RTPCodecCapability struct {
	Kind                 domain.MediaKind       `json:"kind"`
	MimeType             string                 `json:"mimeType"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32                 `json:"clockRate"`
	Channels             uint16                 `json:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback         `json:"rtcpFeedback,omitempty"`
}

type RTPCapabilities struct {
	Codecs []RTPCodecCapability `json:"codecs"`
}

type RTPCodecParameters struct {
	MimeType     string                 `json:"mimeType"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback         `json:"rtcpFeedback,omitempty"`
}

type RTPEncoding struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

type RTPParameters struct {
	MID       string               `json:"mid,omitempty"`
	Codecs    []RTPCodecParameters `json:"codecs"`
	Encodings []RTPEncoding        `json:"encodings,omitempty"`
}

// MediaEngine spawns workers. Everything below a worker is owned by it and
// closed with it.
type MediaEngine interface {
	CreateWorker(ctx context.Context) (Worker, error)
}

type Worker interface {
	ID() string
	Alive() bool
	CreateRouter(ctx context.Context, codecs []RTPCodecCapability) (Router, error)
	// OnDied handlers run on their own goroutine once the worker is gone.
	OnDied(fn func(err error))
	Close()
}

// Router is one routing context; producers and consumers only meet inside
// the same router.
type Router interface {
	ID() string
	WorkerID() string
	RTPCapabilities() RTPCapabilities
	CreateTransport(ctx context.Context) (Transport, error)
	CanConsume(producerID string, caps RTPCapabilities) bool
	Closed() bool
	Close()
}

type Transport interface {
	ID() string
	Params() TransportParams
	Connect(ctx context.Context, dtls DTLSParameters) error
	Connected() bool
	Produce(ctx context.Context, kind domain.MediaKind, rtp RTPParameters, appData map[string]interface{}) (Producer, error)
	// Consume creates a paused consumer of producerID.
	Consume(ctx context.Context, producerID string, caps RTPCapabilities) (Consumer, error)
	Closed() bool
	Close()
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	RTPParameters() RTPParameters
	AppData() map[string]interface{}
	// OnTransportClose fires when the owning transport (or router, or
	// worker) closes underneath the producer.
	OnTransportClose(fn func())
	Closed() bool
	Close()
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	RTPParameters() RTPParameters
	Paused() bool
	Resume(ctx context.Context) error
	OnTransportClose(fn func())
	OnProducerClose(fn func())
	Closed() bool
	Close()
}
