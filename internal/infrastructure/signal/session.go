package signal

import (
	"errors"
	"sync"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/room"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errSessionClosed = errors.New("session closed")

// session is one websocket connection bound to one room with a fixed role.
// It implements room.Peer.
type session struct {
	id    domain.PeerID
	role  domain.Role
	token domain.StreamToken
	room  *room.Room

	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	// limiter is nil when message rate limiting is off.
	limiter *rate.Limiter

	// opMu serialises message handling with release, so nothing touches the
	// room on behalf of this session once it was released.
	opMu     sync.Mutex
	released bool
	// attached is true until the session joins its room or is released.
	attached bool

	closeOnce sync.Once
	closed    chan struct{}

	onNotify func(msgType string)
	logger   *zap.SugaredLogger
}

func (s *session) ID() domain.PeerID { return s.id }

// Notify pushes a room notification. It may be called from any goroutine.
func (s *session) Notify(n room.Notification) error {
	if err := s.send(Response{Type: n.Type, Data: n.Data}); err != nil {
		return err
	}
	if s.onNotify != nil {
		s.onNotify(n.Type)
	}
	return nil
}

func (s *session) send(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}

	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteJSON(v)
}

func (s *session) sendControl(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	if s.writeTimeout > 0 {
		deadline = time.Now().Add(s.writeTimeout)
	}
	return s.conn.WriteControl(messageType, data, deadline)
}

// close sends a close frame with code and reason and closes the socket. The
// read loop then fails and runs the disconnect path.
func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		_ = s.sendControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		close(s.closed)
		_ = s.conn.Close()
	})
}

// allow reports whether another message fits the rate limit.
func (s *session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}
