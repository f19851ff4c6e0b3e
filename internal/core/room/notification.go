package room

import (
	"relaycast/internal/core/domain"
)

// Push notification types sent to peers.
const (
	NotifyNewProducer        = "new-producer"
	NotifyProducerClosed     = "producer-closed"
	NotifyPublisherEnded     = "publisher-ended"
	NotifyViewerCount        = "viewer-count"
	NotifyProducersAvailable = "producers-available"
	NotifyPublisherNotLive   = "publisher-not-live"
)

// Notification is a server push. Data is marshalled as the message payload.
type Notification struct {
	Type string
	Data interface{}
}

type ProducerClosedData struct {
	ProducerID string `json:"producer_id"`
	ConsumerID string `json:"consumer_id"`
}

type ViewerCountData struct {
	Count int `json:"count"`
}

type ProducersData struct {
	Producers []domain.ProducerInfo `json:"producers"`
}

// Peer is the room's handle on a connected client.
type Peer interface {
	ID() domain.PeerID
	Notify(n Notification) error
}

type delivery struct {
	peer Peer
	n    Notification
}

func NewProducer(id string, kind domain.MediaKind) Notification {
	return Notification{Type: NotifyNewProducer, Data: domain.ProducerInfo{ID: id, Kind: kind}}
}

func ProducerClosed(producerID, consumerID string) Notification {
	return Notification{Type: NotifyProducerClosed, Data: ProducerClosedData{ProducerID: producerID, ConsumerID: consumerID}}
}

func ViewerCount(count int) Notification {
	return Notification{Type: NotifyViewerCount, Data: ViewerCountData{Count: count}}
}

func PublisherEnded() Notification {
	return Notification{Type: NotifyPublisherEnded, Data: struct{}{}}
}

func ProducersAvailable(producers []domain.ProducerInfo) Notification {
	return Notification{Type: NotifyProducersAvailable, Data: ProducersData{Producers: producers}}
}

func PublisherNotLive() Notification {
	return Notification{Type: NotifyPublisherNotLive, Data: struct{}{}}
}
