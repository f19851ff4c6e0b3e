package room

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"go.uber.org/zap"
)

type publisher struct {
	peerID    domain.PeerID
	peer      Peer
	transport ports.Transport
	producers map[domain.MediaKind]string
}

type viewer struct {
	peerID    domain.PeerID
	peer      Peer
	transport ports.Transport
	consumers map[string]string // producer id -> consumer id
}

type producerEntry struct {
	kind     domain.MediaKind
	producer ports.Producer
}

type consumerEntry struct {
	viewer     *viewer
	producerID string
	consumer   ports.Consumer
}

// ProduceResult is returned by Produce.
type ProduceResult struct {
	Producer ports.Producer
	// FirstLive is set when this producer took the room from no producers
	// to one.
	FirstLive bool
}

// Info is a point-in-time view of a room for the ops API.
type Info struct {
	Token       domain.StreamToken    `json:"stream_token"`
	RouterID    string                `json:"router_id"`
	WorkerID    string                `json:"worker_id"`
	PublisherID domain.PeerID         `json:"publisher_id,omitempty"`
	Live        bool                  `json:"live"`
	Producers   []domain.ProducerInfo `json:"producers"`
	ViewerCount int                   `json:"viewer_count"`
	Sessions    int                   `json:"sessions"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Room is the media session for one stream token: at most one publisher,
// any number of viewers, all routed through one router.
//
// Every operation holds mu for its whole duration, engine calls included.
// Engine close events arrive on their own goroutines and re-check the flat
// tables before pruning, so each entry is pruned and reported once.
// Notifications are collected under mu and delivered after it is released.
type Room struct {
	token     domain.StreamToken
	router    ports.Router
	createdAt time.Time
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	closed    bool
	sessions  int
	publisher *publisher
	viewers   map[domain.PeerID]*viewer
	producers map[string]*producerEntry
	consumers map[string]*consumerEntry
}

// New returns an empty room on router. The caller owns the router until
// the room is closed.
func New(token domain.StreamToken, router ports.Router, logger *zap.SugaredLogger) *Room {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Room{
		token:     token,
		router:    router,
		createdAt: time.Now(),
		logger:    logger.With("stream_token", string(token)),
		viewers:   make(map[domain.PeerID]*viewer),
		producers: make(map[string]*producerEntry),
		consumers: make(map[string]*consumerEntry),
	}
}

// Token, Router and CreatedAt are fixed for the room's lifetime.
func (r *Room) Token() domain.StreamToken { return r.token }
func (r *Room) Router() ports.Router      { return r.router }
func (r *Room) CreatedAt() time.Time      { return r.createdAt }

// RTPCapabilities are the router's capabilities, sent to peers on welcome.
func (r *Room) RTPCapabilities() ports.RTPCapabilities {
	return r.router.RTPCapabilities()
}

// SetPublisher claims the publisher slot and creates the up-link transport.
// The same peer may call it again: its previous producers and transport are
// closed first.
func (r *Room) SetPublisher(ctx context.Context, peerID domain.PeerID, peer Peer) (ports.TransportParams, error) {
	r.mu.Lock()
	var out []delivery
	defer func() { r.deliver(out) }()
	defer r.mu.Unlock()

	if r.closed {
		return ports.TransportParams{}, domain.ErrRoomClosed
	}
	if r.publisher != nil && r.publisher.peerID != peerID {
		return ports.TransportParams{}, domain.ErrPublisherExists
	}
	if r.publisher != nil {
		out = append(out, r.teardownPublisherLocked()...)
	}

	t, err := r.router.CreateTransport(ctx)
	if err != nil {
		return ports.TransportParams{}, fmt.Errorf("create producer transport: %w", err)
	}

	r.publisher = &publisher{
		peerID:    peerID,
		peer:      peer,
		transport: t,
		producers: make(map[domain.MediaKind]string),
	}
	r.logger.Infow("publisher transport created", "peer_id", peerID, "transport_id", t.ID())
	return t.Params(), nil
}

// ConnectProducerTransport completes DTLS on the publisher's up-link.
func (r *Room) ConnectProducerTransport(ctx context.Context, dtls ports.DTLSParameters) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return domain.ErrRoomClosed
	}
	if r.publisher == nil || r.publisher.transport == nil {
		return domain.ErrNoPublisher
	}
	if err := r.publisher.transport.Connect(ctx, dtls); err != nil {
		return fmt.Errorf("connect producer transport: %w", err)
	}
	return nil
}

// Produce creates a producer on the connected up-link transport. A previous
// producer of the same kind is replaced.
func (r *Room) Produce(ctx context.Context, kind domain.MediaKind, rtpParams ports.RTPParameters, appData map[string]interface{}) (ProduceResult, error) {
	r.mu.Lock()
	var out []delivery
	defer func() { r.deliver(out) }()
	defer r.mu.Unlock()

	if r.closed {
		return ProduceResult{}, domain.ErrRoomClosed
	}
	pub := r.publisher
	if pub == nil || pub.transport == nil {
		return ProduceResult{}, domain.ErrNoPublisher
	}
	if !pub.transport.Connected() {
		return ProduceResult{}, domain.ErrTransportNotConnected
	}

	wasLive := len(pub.producers) > 0

	p, err := pub.transport.Produce(ctx, kind, rtpParams, appData)
	if err != nil {
		return ProduceResult{}, fmt.Errorf("produce %s: %w", kind, err)
	}

	if oldID, ok := pub.producers[kind]; ok {
		r.logger.Infow("replacing producer", "kind", kind, "old_producer_id", oldID, "producer_id", p.ID())
		out = append(out, r.closeProducerLocked(oldID)...)
	}

	entry := &producerEntry{kind: kind, producer: p}
	r.producers[p.ID()] = entry
	pub.producers[kind] = p.ID()
	p.OnTransportClose(func() { r.onProducerTransportClose(p.ID(), entry) })

	for _, v := range r.viewers {
		out = append(out, delivery{peer: v.peer, n: NewProducer(p.ID(), kind)})
	}

	r.logger.Infow("producer created", "peer_id", pub.peerID, "producer_id", p.ID(), "kind", kind)
	return ProduceResult{Producer: p, FirstLive: !wasLive}, nil
}

// AddViewer creates the down-link transport for a viewer. An existing
// record for the same peer id is closed and replaced.
func (r *Room) AddViewer(ctx context.Context, peerID domain.PeerID, peer Peer) (ports.TransportParams, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ports.TransportParams{}, domain.ErrRoomClosed
	}
	if old, ok := r.viewers[peerID]; ok {
		r.removeViewerLocked(old)
	}

	t, err := r.router.CreateTransport(ctx)
	if err != nil {
		return ports.TransportParams{}, fmt.Errorf("create consumer transport: %w", err)
	}

	r.viewers[peerID] = &viewer{
		peerID:    peerID,
		peer:      peer,
		transport: t,
		consumers: make(map[string]string),
	}
	r.logger.Infow("viewer added", "peer_id", peerID, "transport_id", t.ID(), "viewers", len(r.viewers))
	return t.Params(), nil
}

// ConnectConsumerTransport completes DTLS on the viewer's down-link.
func (r *Room) ConnectConsumerTransport(ctx context.Context, peerID domain.PeerID, dtls ports.DTLSParameters) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return domain.ErrRoomClosed
	}
	v, ok := r.viewers[peerID]
	if !ok {
		return domain.ErrViewerNotFound
	}
	if err := v.transport.Connect(ctx, dtls); err != nil {
		return fmt.Errorf("connect consumer transport: %w", err)
	}
	return nil
}

// Consume creates a paused consumer of producerID for the viewer. A prior
// consumer for the same pair is closed first.
func (r *Room) Consume(ctx context.Context, peerID domain.PeerID, producerID string, caps ports.RTPCapabilities) (ports.Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, domain.ErrRoomClosed
	}
	v, ok := r.viewers[peerID]
	if !ok {
		return nil, domain.ErrViewerNotFound
	}
	if _, ok := r.producers[producerID]; !ok {
		return nil, domain.ErrProducerNotFound
	}
	if !r.router.CanConsume(producerID, caps) {
		return nil, domain.ErrCannotConsume
	}

	if oldID, ok := v.consumers[producerID]; ok {
		if old, ok := r.consumers[oldID]; ok {
			r.dropConsumerLocked(oldID, old)
			old.consumer.Close()
		}
	}

	c, err := v.transport.Consume(ctx, producerID, caps)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", producerID, err)
	}

	entry := &consumerEntry{viewer: v, producerID: producerID, consumer: c}
	r.consumers[c.ID()] = entry
	v.consumers[producerID] = c.ID()

	c.OnTransportClose(func() { r.onConsumerClosed(c.ID(), entry, false) })
	c.OnProducerClose(func() { r.onConsumerClosed(c.ID(), entry, true) })

	r.logger.Debugw("consumer created", "peer_id", peerID, "producer_id", producerID, "consumer_id", c.ID())
	return c, nil
}

// ResumeConsumer is a no-op for unknown viewers or consumers.
func (r *Room) ResumeConsumer(ctx context.Context, peerID domain.PeerID, consumerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.viewers[peerID]
	if !ok {
		return nil
	}
	entry, ok := r.consumers[consumerID]
	if !ok || entry.viewer != v {
		return nil
	}
	if err := entry.consumer.Resume(ctx); err != nil {
		return fmt.Errorf("resume consumer: %w", err)
	}
	return nil
}

// RemoveViewer releases a viewer's consumers and transport. It reports the
// remaining viewer count and whether the viewer was present.
func (r *Room) RemoveViewer(peerID domain.PeerID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.viewers[peerID]
	if !ok {
		return len(r.viewers), false
	}
	r.removeViewerLocked(v)
	r.logger.Infow("viewer removed", "peer_id", peerID, "viewers", len(r.viewers))
	return len(r.viewers), true
}

// RemovePublisher closes the publisher's producers, notifying affected
// viewers, and its transport, then clears the slot.
func (r *Room) RemovePublisher() {
	r.mu.Lock()
	var out []delivery
	defer func() { r.deliver(out) }()
	defer r.mu.Unlock()

	if r.publisher == nil {
		return
	}
	peerID := r.publisher.peerID
	out = r.teardownPublisherLocked()
	r.publisher = nil
	r.logger.Infow("publisher removed", "peer_id", peerID)
}

// RemovePublisherIf removes the publisher only when peerID holds the slot.
func (r *Room) RemovePublisherIf(peerID domain.PeerID) bool {
	r.mu.Lock()
	if r.publisher == nil || r.publisher.peerID != peerID {
		r.mu.Unlock()
		return false
	}
	out := r.teardownPublisherLocked()
	r.publisher = nil
	r.mu.Unlock()

	r.deliver(out)
	r.logger.Infow("publisher removed", "peer_id", peerID)
	return true
}

// ProducerIDs lists live producers, audio first.
func (r *Room) ProducerIDs() []domain.ProducerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producerInfosLocked()
}

func (r *Room) HasPublisher() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publisher != nil
}

// HasLivePublisher is true while the publisher has at least one producer.
func (r *Room) HasLivePublisher() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveLocked()
}

// PublisherID reports the peer holding the publisher slot, if any.
func (r *Room) PublisherID() (domain.PeerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publisher == nil {
		return "", false
	}
	return r.publisher.peerID, true
}

// ViewerCount is the number of viewer records, joined or not yet consuming.
func (r *Room) ViewerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

// Idle rooms have no live publisher and no viewers.
func (r *Room) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idleLocked()
}

// Attach and Detach count connected sessions bound to the room, so the
// registry does not reclaim it between a peer connecting and joining.
func (r *Room) Attach() {
	r.mu.Lock()
	r.sessions++
	r.mu.Unlock()
}

func (r *Room) Detach() {
	r.mu.Lock()
	if r.sessions > 0 {
		r.sessions--
	}
	r.mu.Unlock()
}

// BroadcastViewerCount pushes the current viewer count to the publisher and
// every viewer.
func (r *Room) BroadcastViewerCount() int {
	r.mu.Lock()
	count := len(r.viewers)
	n := ViewerCount(count)
	out := make([]delivery, 0, count+1)
	if r.publisher != nil {
		out = append(out, delivery{peer: r.publisher.peer, n: n})
	}
	for _, v := range r.viewers {
		out = append(out, delivery{peer: v.peer, n: n})
	}
	r.mu.Unlock()

	r.deliver(out)
	return count
}

// NotifyViewers pushes n to every viewer.
func (r *Room) NotifyViewers(n Notification) {
	r.mu.Lock()
	out := make([]delivery, 0, len(r.viewers))
	for _, v := range r.viewers {
		out = append(out, delivery{peer: v.peer, n: n})
	}
	r.mu.Unlock()

	r.deliver(out)
}

// Info is a point-in-time snapshot for the ops API.
func (r *Room) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := Info{
		Token:       r.token,
		RouterID:    r.router.ID(),
		WorkerID:    r.router.WorkerID(),
		Live:        r.liveLocked(),
		Producers:   r.producerInfosLocked(),
		ViewerCount: len(r.viewers),
		Sessions:    r.sessions,
		CreatedAt:   r.createdAt,
	}
	if r.publisher != nil {
		info.PublisherID = r.publisher.peerID
	}
	return info
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close releases every engine resource and the router. Peers are not
// notified.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closeLocked()
	r.mu.Unlock()

	r.router.Close()
	r.logger.Infow("room closed")
}

func (r *Room) closeLocked() {
	r.closed = true
	for _, v := range r.viewers {
		r.removeViewerLocked(v)
	}
	if r.publisher != nil {
		r.teardownPublisherLocked()
		r.publisher = nil
	}
}

// fail closes a room whose worker died. Viewers are told the publisher
// ended if one held the room, which is what it reports.
func (r *Room) fail() bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	hadPublisher := r.publisher != nil
	var out []delivery
	if hadPublisher {
		for _, v := range r.viewers {
			out = append(out, delivery{peer: v.peer, n: PublisherEnded()})
		}
	}
	r.closeLocked()
	r.mu.Unlock()

	r.deliver(out)
	r.router.Close()
	return hadPublisher
}

func (r *Room) liveLocked() bool {
	return r.publisher != nil && len(r.publisher.producers) > 0
}

func (r *Room) idleLocked() bool {
	return !r.liveLocked() && len(r.viewers) == 0
}

func (r *Room) reclaimableLocked() bool {
	return r.idleLocked() && r.sessions == 0
}

func (r *Room) producerInfosLocked() []domain.ProducerInfo {
	out := make([]domain.ProducerInfo, 0, len(r.producers))
	for id, e := range r.producers {
		out = append(out, domain.ProducerInfo{ID: id, Kind: e.kind})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// teardownPublisherLocked closes all publisher producers and the up-link
// transport but leaves the slot itself to the caller.
func (r *Room) teardownPublisherLocked() []delivery {
	pub := r.publisher
	var out []delivery
	for _, id := range pub.producers {
		out = append(out, r.closeProducerLocked(id)...)
	}
	if pub.transport != nil {
		pub.transport.Close()
		pub.transport = nil
	}
	return out
}

// closeProducerLocked prunes a producer and every consumer of it, closes
// them, and returns producer-closed notifications for affected viewers.
func (r *Room) closeProducerLocked(producerID string) []delivery {
	entry, ok := r.producers[producerID]
	if !ok {
		return nil
	}
	delete(r.producers, producerID)
	if r.publisher != nil && r.publisher.producers[entry.kind] == producerID {
		delete(r.publisher.producers, entry.kind)
	}

	var out []delivery
	for cid, ce := range r.consumers {
		if ce.producerID != producerID {
			continue
		}
		r.dropConsumerLocked(cid, ce)
		ce.consumer.Close()
		out = append(out, delivery{peer: ce.viewer.peer, n: ProducerClosed(producerID, cid)})
	}
	entry.producer.Close()
	return out
}

func (r *Room) dropConsumerLocked(consumerID string, ce *consumerEntry) {
	delete(r.consumers, consumerID)
	if ce.viewer.consumers[ce.producerID] == consumerID {
		delete(ce.viewer.consumers, ce.producerID)
	}
}

func (r *Room) removeViewerLocked(v *viewer) {
	for _, cid := range v.consumers {
		if ce, ok := r.consumers[cid]; ok {
			delete(r.consumers, cid)
			ce.consumer.Close()
		}
	}
	v.consumers = make(map[string]string)
	if v.transport != nil {
		v.transport.Close()
	}
	if r.viewers[v.peerID] == v {
		delete(r.viewers, v.peerID)
	}
}

func (r *Room) onProducerTransportClose(producerID string, entry *producerEntry) {
	r.mu.Lock()
	if r.producers[producerID] != entry {
		r.mu.Unlock()
		return
	}
	out := r.closeProducerLocked(producerID)
	r.mu.Unlock()

	r.logger.Infow("producer pruned after transport close", "producer_id", producerID)
	r.deliver(out)
}

func (r *Room) onConsumerClosed(consumerID string, entry *consumerEntry, producerClosed bool) {
	r.mu.Lock()
	if r.consumers[consumerID] != entry {
		r.mu.Unlock()
		return
	}
	r.dropConsumerLocked(consumerID, entry)
	var out []delivery
	if producerClosed {
		out = append(out, delivery{peer: entry.viewer.peer, n: ProducerClosed(entry.producerID, consumerID)})
	}
	r.mu.Unlock()

	r.deliver(out)
}

func (r *Room) deliver(out []delivery) {
	for _, d := range out {
		if d.peer == nil {
			continue
		}
		if err := d.peer.Notify(d.n); err != nil {
			r.logger.Debugw("notification not delivered",
				"peer_id", d.peer.ID(),
				"type", d.n.Type,
				"error", err,
			)
		}
	}
}
