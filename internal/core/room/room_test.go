package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	webrtcinfra "relaycast/internal/infrastructure/webrtc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPeer struct {
	id domain.PeerID

	mu  sync.Mutex
	got []Notification
}

func newPeer(id string) *recordingPeer { return &recordingPeer{id: domain.PeerID(id)} }

func (p *recordingPeer) ID() domain.PeerID { return p.id }

func (p *recordingPeer) Notify(n Notification) error {
	p.mu.Lock()
	p.got = append(p.got, n)
	p.mu.Unlock()
	return nil
}

func (p *recordingPeer) ofType(t string) []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Notification
	for _, n := range p.got {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

type testEnv struct {
	engine *webrtcinfra.Engine
	worker ports.Worker
	codecs []ports.RTPCodecCapability
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	e := webrtcinfra.NewEngine(webrtcinfra.Config{AnnouncedIP: "127.0.0.1", PortMin: 41000, PortMax: 41999}, nil)
	w, err := e.CreateWorker(context.Background())
	require.NoError(t, err)
	codecs, err := webrtcinfra.DefaultCodecs([]string{"audio/opus", "video/VP8"})
	require.NoError(t, err)
	return &testEnv{engine: e, worker: w, codecs: codecs}
}

func (env *testEnv) newRoom(t *testing.T, token string) *Room {
	t.Helper()
	r, err := env.worker.CreateRouter(context.Background(), env.codecs)
	require.NoError(t, err)
	return New(domain.StreamToken(token), r, nil)
}

var dtls = ports.DTLSParameters{
	Role:         "client",
	Fingerprints: []ports.DTLSFingerprint{{Algorithm: "sha-256", Value: "01:02"}},
}

func videoParams() ports.RTPParameters {
	return ports.RTPParameters{Codecs: []ports.RTPCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}}}
}

func audioParams() ports.RTPParameters {
	return ports.RTPParameters{Codecs: []ports.RTPCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}}}
}

// startPublisher takes the slot, connects and produces the given kinds.
func startPublisher(t *testing.T, r *Room, peer *recordingPeer, kinds ...domain.MediaKind) map[domain.MediaKind]string {
	t.Helper()
	ctx := context.Background()
	_, err := r.SetPublisher(ctx, peer.ID(), peer)
	require.NoError(t, err)
	require.NoError(t, r.ConnectProducerTransport(ctx, dtls))

	ids := make(map[domain.MediaKind]string)
	for _, k := range kinds {
		params := videoParams()
		if k == domain.MediaKindAudio {
			params = audioParams()
		}
		res, err := r.Produce(ctx, k, params, nil)
		require.NoError(t, err)
		ids[k] = res.Producer.ID()
	}
	return ids
}

func joinViewer(t *testing.T, r *Room, peer *recordingPeer) {
	t.Helper()
	ctx := context.Background()
	_, err := r.AddViewer(ctx, peer.ID(), peer)
	require.NoError(t, err)
	require.NoError(t, r.ConnectConsumerTransport(ctx, peer.ID(), dtls))
}

func TestSetPublisher_ConcurrentClaimsOneWinner(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := newPeer(fmt.Sprintf("pub-%d", i))
			_, errs[i] = r.SetPublisher(context.Background(), p.ID(), p)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrPublisherExists)
	}
	assert.Equal(t, 1, wins)
	assert.True(t, r.HasPublisher())
	assert.False(t, r.HasLivePublisher())
}

func TestSetPublisher_SamePeerReplacesTransport(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")
	pub := newPeer("pub")
	viewer := newPeer("v1")

	ids := startPublisher(t, r, pub, domain.MediaKindVideo)
	joinViewer(t, r, viewer)
	_, err := r.Consume(context.Background(), viewer.ID(), ids[domain.MediaKindVideo], r.RTPCapabilities())
	require.NoError(t, err)

	first := r.publisher.transport.ID()
	params, err := r.SetPublisher(context.Background(), pub.ID(), pub)
	require.NoError(t, err)

	assert.NotEqual(t, first, params.ID)
	assert.False(t, r.HasLivePublisher())
	assert.Empty(t, r.ProducerIDs())
	assert.Len(t, viewer.ofType(NotifyProducerClosed), 1)
}

func TestConnectProducerTransport_NoPublisher(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")

	err := r.ConnectProducerTransport(context.Background(), dtls)
	assert.ErrorIs(t, err, domain.ErrNoPublisher)
}

func TestProduce_RequiresConnectedTransport(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")
	pub := newPeer("pub")
	ctx := context.Background()

	_, err := r.Produce(ctx, domain.MediaKindVideo, videoParams(), nil)
	assert.ErrorIs(t, err, domain.ErrNoPublisher)

	_, err = r.SetPublisher(ctx, pub.ID(), pub)
	require.NoError(t, err)
	_, err = r.Produce(ctx, domain.MediaKindVideo, videoParams(), nil)
	assert.ErrorIs(t, err, domain.ErrTransportNotConnected)
}

func TestProduce_FirstLiveAndNewProducerPush(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")
	pub := newPeer("pub")
	viewer := newPeer("v1")
	ctx := context.Background()

	joinViewer(t, r, viewer)
	_, err := r.SetPublisher(ctx, pub.ID(), pub)
	require.NoError(t, err)
	require.NoError(t, r.ConnectProducerTransport(ctx, dtls))

	res, err := r.Produce(ctx, domain.MediaKindVideo, videoParams(), nil)
	require.NoError(t, err)
	assert.True(t, res.FirstLive)
	assert.True(t, r.HasLivePublisher())

	res2, err := r.Produce(ctx, domain.MediaKindAudio, audioParams(), nil)
	require.NoError(t, err)
	assert.False(t, res2.FirstLive)

	pushes := viewer.ofType(NotifyNewProducer)
	require.Len(t, pushes, 2)
	assert.Equal(t, domain.ProducerInfo{ID: res.Producer.ID(), Kind: domain.MediaKindVideo}, pushes[0].Data)

	infos := r.ProducerIDs()
	require.Len(t, infos, 2)
	assert.Equal(t, domain.MediaKindAudio, infos[0].Kind)
	assert.Equal(t, domain.MediaKindVideo, infos[1].Kind)
}

func TestProduce_LastWinsPerKind(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")
	pub := newPeer("pub")
	viewer := newPeer("v1")
	ctx := context.Background()

	ids := startPublisher(t, r, pub, domain.MediaKindVideo)
	joinViewer(t, r, viewer)
	c, err := r.Consume(ctx, viewer.ID(), ids[domain.MediaKindVideo], r.RTPCapabilities())
	require.NoError(t, err)

	res, err := r.Produce(ctx, domain.MediaKindVideo, videoParams(), nil)
	require.NoError(t, err)
	assert.False(t, res.FirstLive)

	infos := r.ProducerIDs()
	require.Len(t, infos, 1)
	assert.Equal(t, res.Producer.ID(), infos[0].ID)
	assert.True(t, c.Closed())

	// give the engine's async close events a chance to race the room
	time.Sleep(50 * time.Millisecond)
	closed := viewer.ofType(NotifyProducerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, ProducerClosedData{ProducerID: ids[domain.MediaKindVideo], ConsumerID: c.ID()}, closed[0].Data)
}

func TestConsume_Errors(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")
	pub := newPeer("pub")
	viewer := newPeer("v1")
	ctx := context.Background()

	ids := startPublisher(t, r, pub, domain.MediaKindVideo)

	_, err := r.Consume(ctx, viewer.ID(), ids[domain.MediaKindVideo], r.RTPCapabilities())
	assert.ErrorIs(t, err, domain.ErrViewerNotFound)

	joinViewer(t, r, viewer)
	_, err = r.Consume(ctx, viewer.ID(), "nope", r.RTPCapabilities())
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	audioOnly := ports.RTPCapabilities{Codecs: []ports.RTPCodecCapability{
		{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	}}
	_, err = r.Consume(ctx, viewer.ID(), ids[domain.MediaKindVideo], audioOnly)
	assert.ErrorIs(t, err, domain.ErrCannotConsume)
	assert.Empty(t, r.consumers)
	assert.Empty(t, r.viewers[viewer.ID()].consumers)
}

func TestConsume_StartsPausedAndReplacesPair(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")
	pub := newPeer("pub")
	viewer := newPeer("v1")
	ctx := context.Background()

	ids := startPublisher(t, r, pub, domain.MediaKindVideo)
	joinViewer(t, r, viewer)

	c1, err := r.Consume(ctx, viewer.ID(), ids[domain.MediaKindVideo], r.RTPCapabilities())
	require.NoError(t, err)
	assert.True(t, c1.Paused())

	c2, err := r.Consume(ctx, viewer.ID(), ids[domain.MediaKindVideo], r.RTPCapabilities())
	require.NoError(t, err)
	assert.True(t, c1.Closed())
	assert.Len(t, r.consumers, 1)
	assert.Equal(t, c2.ID(), r.viewers[viewer.ID()].consumers[ids[domain.MediaKindVideo]])

	require.NoError(t, r.ResumeConsumer(ctx, viewer.ID(), c2.ID()))
	assert.False(t, c2.Paused())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, viewer.ofType(NotifyProducerClosed), "replacing a consumer is not a producer close")
}

func TestResumeConsumer_UnknownIsNoop(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")
	ctx := context.Background()

	assert.NoError(t, r.ResumeConsumer(ctx, "ghost", "c1"))

	viewer := newPeer("v1")
	joinViewer(t, r, viewer)
	assert.NoError(t, r.ResumeConsumer(ctx, viewer.ID(), "c1"))
}

func TestRemovePublisher_NotifiesEachConsumerOnce(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")
	pub := newPeer("pub")
	v1, v2 := newPeer("v1"), newPeer("v2")
	ctx := context.Background()

	ids := startPublisher(t, r, pub, domain.MediaKindAudio, domain.MediaKindVideo)
	for _, v := range []*recordingPeer{v1, v2} {
		joinViewer(t, r, v)
		for _, id := range ids {
			_, err := r.Consume(ctx, v.ID(), id, r.RTPCapabilities())
			require.NoError(t, err)
		}
	}

	r.RemovePublisher()

	assert.False(t, r.HasPublisher())
	assert.Empty(t, r.ProducerIDs())
	assert.Empty(t, r.consumers)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, v1.ofType(NotifyProducerClosed), 2)
	assert.Len(t, v2.ofType(NotifyProducerClosed), 2)
}

func TestRemovePublisherIf_OnlyForHolder(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")
	pub := newPeer("pub")
	startPublisher(t, r, pub, domain.MediaKindVideo)

	assert.False(t, r.RemovePublisherIf("someone-else"))
	assert.True(t, r.HasLivePublisher())
	assert.True(t, r.RemovePublisherIf(pub.ID()))
	assert.False(t, r.HasPublisher())
}

func TestTransportClose_PrunesAndNotifiesOnce(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")
	pub := newPeer("pub")
	viewer := newPeer("v1")
	ctx := context.Background()

	ids := startPublisher(t, r, pub, domain.MediaKindVideo)
	joinViewer(t, r, viewer)
	c, err := r.Consume(ctx, viewer.ID(), ids[domain.MediaKindVideo], r.RTPCapabilities())
	require.NoError(t, err)

	// close underneath the room, as a failed transport would
	r.mu.Lock()
	upTransport := r.publisher.transport
	r.mu.Unlock()
	upTransport.Close()

	assert.Eventually(t, func() bool { return !r.HasLivePublisher() }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(viewer.ofType(NotifyProducerClosed)) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	closed := viewer.ofType(NotifyProducerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, ProducerClosedData{ProducerID: ids[domain.MediaKindVideo], ConsumerID: c.ID()}, closed[0].Data)

	r.mu.Lock()
	assert.Empty(t, r.consumers)
	assert.Empty(t, r.viewers[viewer.ID()].consumers)
	r.mu.Unlock()
}

func TestAddViewer_ReplacesExistingRecord(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")
	pub := newPeer("pub")
	viewer := newPeer("v1")
	ctx := context.Background()

	ids := startPublisher(t, r, pub, domain.MediaKindVideo)
	joinViewer(t, r, viewer)
	c, err := r.Consume(ctx, viewer.ID(), ids[domain.MediaKindVideo], r.RTPCapabilities())
	require.NoError(t, err)
	oldTransport := r.viewers[viewer.ID()].transport

	_, err = r.AddViewer(ctx, viewer.ID(), viewer)
	require.NoError(t, err)

	assert.Equal(t, 1, r.ViewerCount())
	assert.True(t, c.Closed())
	assert.True(t, oldTransport.Closed())
	assert.Empty(t, r.consumers)
}

func TestRemoveViewer_ReturnsRemainingCount(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")

	for i := 0; i < 3; i++ {
		joinViewer(t, r, newPeer(fmt.Sprintf("v%d", i)))
	}
	count, ok := r.RemoveViewer("v1")
	assert.True(t, ok)
	assert.Equal(t, 2, count)

	count, ok = r.RemoveViewer("v1")
	assert.False(t, ok)
	assert.Equal(t, 2, count)
}

func TestIdleAndBroadcast(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")
	pub := newPeer("pub")
	viewer := newPeer("v1")

	assert.True(t, r.Idle())

	_, err := r.SetPublisher(context.Background(), pub.ID(), pub)
	require.NoError(t, err)
	assert.True(t, r.Idle(), "publisher without producers is not live")

	joinViewer(t, r, viewer)
	assert.False(t, r.Idle())

	assert.Equal(t, 1, r.BroadcastViewerCount())
	for _, p := range []*recordingPeer{pub, viewer} {
		counts := p.ofType(NotifyViewerCount)
		require.Len(t, counts, 1)
		assert.Equal(t, ViewerCountData{Count: 1}, counts[0].Data)
	}

	r.NotifyViewers(PublisherEnded())
	assert.Len(t, viewer.ofType(NotifyPublisherEnded), 1)
	assert.Empty(t, pub.ofType(NotifyPublisherEnded))
}

func TestClose_ReleasesEverything(t *testing.T) {
	env := newEnv(t)
	r := env.newRoom(t, "T1")
	pub := newPeer("pub")
	viewer := newPeer("v1")
	ctx := context.Background()

	ids := startPublisher(t, r, pub, domain.MediaKindVideo)
	joinViewer(t, r, viewer)
	_, err := r.Consume(ctx, viewer.ID(), ids[domain.MediaKindVideo], r.RTPCapabilities())
	require.NoError(t, err)

	r.Close()
	r.Close()

	assert.True(t, r.Closed())
	assert.True(t, r.Router().Closed())
	assert.Equal(t, 0, r.ViewerCount())
	_, err = r.AddViewer(ctx, "v2", newPeer("v2"))
	assert.ErrorIs(t, err, domain.ErrRoomClosed)

	info := r.Info()
	assert.Equal(t, domain.StreamToken("T1"), info.Token)
	assert.False(t, info.Live)
}
