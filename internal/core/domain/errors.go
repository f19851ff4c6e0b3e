package domain

import "errors"

var (
	// records
	ErrStreamNotFound = errors.New("stream not found")
	ErrStreamExists   = errors.New("stream already exists")

	// authorization
	ErrNotStreamOwner = errors.New("identity is not the stream owner")
	ErrInvalidRole    = errors.New("invalid role")
	ErrWrongRole      = errors.New("operation not allowed for role")

	// room state
	ErrRoomNotFound          = errors.New("room not found")
	ErrRoomClosed            = errors.New("room closed")
	ErrPublisherExists       = errors.New("publisher already exists")
	ErrNoPublisher           = errors.New("no publisher")
	ErrTransportNotConnected = errors.New("transport not connected")
	ErrViewerNotFound        = errors.New("viewer not found")
	ErrProducerNotFound      = errors.New("producer not found")
	ErrCannotConsume         = errors.New("cannot consume")
	ErrInvalidMediaKind      = errors.New("invalid media kind")

	// media engine
	ErrNoWorkers        = errors.New("no media workers available")
	ErrWorkerClosed     = errors.New("media worker closed")
	ErrRouterClosed     = errors.New("router closed")
	ErrTransportClosed  = errors.New("transport closed")
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrInvalidDTLS      = errors.New("invalid dtls parameters")
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrInvalidRTPParams = errors.New("invalid rtp parameters")
	ErrNoPortsAvailable = errors.New("no ports available")
)
