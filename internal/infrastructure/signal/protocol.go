package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	apperrors "relaycast/pkg/errors"
)

// Request types.
const (
	TypeCreateProducerTransport  = "create-producer-transport"
	TypeConnectProducerTransport = "connect-producer-transport"
	TypeProduce                  = "produce"
	TypeCreateConsumerTransport  = "create-consumer-transport"
	TypeConnectConsumerTransport = "connect-consumer-transport"
	TypeConsume                  = "consume"
	TypeResumeConsumer           = "resume-consumer"
	TypeGetProducers             = "get-producers"
	TypePing                     = "ping"
)

// Server-originated types.
const (
	TypeWelcome = "welcome"
	TypePong    = "pong"
	TypeError   = "error"
)

// Close codes and reasons used when a connection is refused or ended by the
// server.
const (
	CloseSuperseded = 4000

	reasonInvalidParams = "invalid connection parameters"
	reasonStreamUnknown = "stream not registered"
	reasonNotOwner      = "not the stream owner"
	reasonUnavailable   = "service unavailable"
	reasonSuperseded    = "superseded by a newer connection"
	reasonShutdown      = "server shutting down"
	reasonWorkerLost    = "media worker lost"
)

var errBadPayload = errors.New("malformed message data")

// Message is an inbound request. RequestID is echoed verbatim, so clients may
// use strings or numbers.
type Message struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Response carries request results and server pushes.
type Response struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
	Data      interface{}     `json:"data,omitempty"`
}

type ErrorMessage struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
	Error     string          `json:"error"`
	Code      string          `json:"code"`
}

type WelcomeData struct {
	PeerID          domain.PeerID         `json:"peer_id"`
	Role            domain.Role           `json:"role"`
	StreamToken     domain.StreamToken    `json:"stream_token"`
	RTPCapabilities ports.RTPCapabilities `json:"rtp_capabilities"`
}

type connectTransportRequest struct {
	DTLSParameters ports.DTLSParameters `json:"dtlsParameters"`
}

type produceRequest struct {
	Kind          string                 `json:"kind"`
	RTPParameters ports.RTPParameters    `json:"rtpParameters"`
	AppData       map[string]interface{} `json:"appData,omitempty"`
}

type consumeRequest struct {
	ProducerID      string                `json:"producer_id"`
	RTPCapabilities ports.RTPCapabilities `json:"rtpCapabilities"`
}

type resumeConsumerRequest struct {
	ConsumerID string `json:"consumer_id"`
}

type ProduceResponse struct {
	ID   string           `json:"id"`
	Kind domain.MediaKind `json:"kind"`
}

type ConsumeResponse struct {
	ID            string              `json:"id"`
	ProducerID    string              `json:"producer_id"`
	Kind          domain.MediaKind    `json:"kind"`
	RTPParameters ports.RTPParameters `json:"rtpParameters"`
}

type ProducersResponse struct {
	Producers []domain.ProducerInfo `json:"producers"`
}

var errorMappings = []apperrors.Mapping{
	{Target: errBadPayload, Code: apperrors.ErrCodeInvalidInput, Status: http.StatusBadRequest},
	{Target: domain.ErrInvalidMediaKind, Code: apperrors.ErrCodeInvalidInput, Status: http.StatusBadRequest},
	{Target: domain.ErrInvalidDTLS, Code: apperrors.ErrCodeInvalidInput, Status: http.StatusBadRequest},
	{Target: domain.ErrInvalidRTPParams, Code: apperrors.ErrCodeInvalidInput, Status: http.StatusBadRequest},
	{Target: domain.ErrUnsupportedCodec, Code: apperrors.ErrCodeInvalidInput, Status: http.StatusBadRequest},

	{Target: domain.ErrWrongRole, Code: apperrors.ErrCodeForbidden, Status: http.StatusForbidden},
	{Target: domain.ErrNotStreamOwner, Code: apperrors.ErrCodeUnauthorized, Status: http.StatusUnauthorized},

	{Target: domain.ErrStreamNotFound, Code: apperrors.ErrCodeNotFound, Status: http.StatusNotFound},
	{Target: domain.ErrRoomNotFound, Code: apperrors.ErrCodeNotFound, Status: http.StatusNotFound},
	{Target: domain.ErrViewerNotFound, Code: apperrors.ErrCodeNotFound, Status: http.StatusNotFound},
	{Target: domain.ErrProducerNotFound, Code: apperrors.ErrCodeNotFound, Status: http.StatusNotFound},

	{Target: domain.ErrPublisherExists, Code: apperrors.ErrCodeConflict, Status: http.StatusConflict},

	{Target: domain.ErrNoPublisher, Code: apperrors.ErrCodeInvalidState, Status: http.StatusConflict},
	{Target: domain.ErrTransportNotConnected, Code: apperrors.ErrCodeInvalidState, Status: http.StatusConflict},
	{Target: domain.ErrAlreadyConnected, Code: apperrors.ErrCodeInvalidState, Status: http.StatusConflict},
	{Target: domain.ErrCannotConsume, Code: apperrors.ErrCodeInvalidState, Status: http.StatusConflict},
	{Target: domain.ErrRoomClosed, Code: apperrors.ErrCodeInvalidState, Status: http.StatusConflict},
	{Target: domain.ErrTransportClosed, Code: apperrors.ErrCodeInvalidState, Status: http.StatusConflict},
	{Target: domain.ErrRouterClosed, Code: apperrors.ErrCodeInvalidState, Status: http.StatusConflict},

	{Target: domain.ErrNoWorkers, Code: apperrors.ErrCodeServiceUnavailable, Status: http.StatusServiceUnavailable},
	{Target: domain.ErrWorkerClosed, Code: apperrors.ErrCodeServiceUnavailable, Status: http.StatusServiceUnavailable},
	{Target: domain.ErrNoPortsAvailable, Code: apperrors.ErrCodeServiceUnavailable, Status: http.StatusServiceUnavailable},
}

// classify maps an operation error onto the code sent to the peer.
func classify(err error) *apperrors.AppError {
	return apperrors.Classify(err, errorMappings...)
}

func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errBadPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}
