package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/room"
	"relaycast/pkg/config"
	apperrors "relaycast/pkg/errors"
	rlog "relaycast/pkg/logger"
	"relaycast/pkg/tracing"
	"relaycast/pkg/utils"
	"relaycast/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errUnknownType = errors.New("unknown message type")

// Authorizer decides whether a connection may join a stream in a role.
type Authorizer interface {
	Authorize(ctx context.Context, token domain.StreamToken, role domain.Role, identity string) error
}

// StatusSink receives derived stream status. Calls must not block.
type StatusSink interface {
	MarkLive(token domain.StreamToken)
	MarkEnded(token domain.StreamToken)
	UpdateViewerCount(token domain.StreamToken, count int)
}

type Metrics interface {
	RecordPeerConnected(role domain.Role)
	RecordPeerDisconnected(role domain.Role)
	RecordRefused(reason string)
	RecordSuperseded()
	RecordMessage(msgType, result string, duration time.Duration)
	RecordNotification(msgType string)
}

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	MaxMessageSize int64

	// Per-connection message limit; zero rate disables it.
	MessagesPerSecond float64
	Burst             int
}

// NewConfig takes the signaling settings out of the application config.
func NewConfig(cfg *config.Config) Config {
	c := Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}
	if cfg.RateLimiting.Enabled {
		c.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		c.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return c
}

type handlerFunc func(ctx context.Context, sess *session, r *room.Room, msg Message) (interface{}, func(), error)

type route struct {
	// role is empty for requests either role may send.
	role    domain.Role
	handler handlerFunc
}

// Server is the websocket signaling endpoint. It owns no room state itself:
// rooms live in the registry, sessions are indexed by peer id for
// supersede.
type Server struct {
	cfg      Config
	registry *room.Registry
	auth     Authorizer
	status   StatusSink
	metrics  Metrics
	upgrader websocket.Upgrader
	routes   map[string]route
	logger   *zap.SugaredLogger
	ctxLog   *rlog.ContextLogger

	mu           sync.Mutex
	sessions     map[domain.PeerID]*session
	shuttingDown bool
	wg           sync.WaitGroup
}

// NewServer builds the signaling endpoint. Zero durations in cfg fall back to
// 30s ping, twice that for pong and 10s writes; a nil status discards status
// updates.
func NewServer(cfg Config, registry *room.Registry, auth Authorizer, status StatusSink, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if status == nil {
		status = nopStatus{}
	}

	s := &Server{
		cfg:      cfg,
		registry: registry,
		auth:     auth,
		status:   status,
		metrics:  nopMetrics{},
		logger:   logger,
		ctxLog:   rlog.NewContextLogger(logger.Desugar()),
		sessions: make(map[domain.PeerID]*session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.routes = map[string]route{
		TypeCreateProducerTransport:  {role: domain.RolePublisher, handler: s.handleCreateProducerTransport},
		TypeConnectProducerTransport: {role: domain.RolePublisher, handler: s.handleConnectProducerTransport},
		TypeProduce:                  {role: domain.RolePublisher, handler: s.handleProduce},
		TypeCreateConsumerTransport:  {role: domain.RoleViewer, handler: s.handleCreateConsumerTransport},
		TypeConnectConsumerTransport: {role: domain.RoleViewer, handler: s.handleConnectConsumerTransport},
		TypeConsume:                  {role: domain.RoleViewer, handler: s.handleConsume},
		TypeResumeConsumer:           {role: domain.RoleViewer, handler: s.handleResumeConsumer},
		TypeGetProducers:             {handler: s.handleGetProducers},
	}
	if registry != nil {
		registry.OnRoomLost(s.roomLost)
	}
	return s
}

// SetMetrics installs the metrics sink. Call before serving.
func (s *Server) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// SessionCount returns the number of registered sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

type connectParams struct {
	token    domain.StreamToken
	role     domain.Role
	identity string
	peerID   domain.PeerID
}

func parseConnectParams(r *http.Request) (connectParams, error) {
	q := r.URL.Query()
	token := q.Get("stream_token")
	if err := validation.ValidateStreamToken(token); err != nil {
		return connectParams{}, err
	}
	role, err := domain.ParseRole(q.Get("role"))
	if err != nil {
		return connectParams{}, err
	}
	identity := q.Get("identity")
	if err := validation.ValidateIdentity(identity, role == domain.RolePublisher); err != nil {
		return connectParams{}, err
	}
	peerID := q.Get("peer_id")
	if err := validation.ValidatePeerID(peerID); err != nil {
		return connectParams{}, err
	}
	if peerID == "" {
		peerID = utils.NewPeerID()
	}
	return connectParams{
		token:    domain.StreamToken(token),
		role:     role,
		identity: identity,
		peerID:   domain.PeerID(peerID),
	}, nil
}

// HandleWebSocket serves GET /ws?stream_token=&role=&identity=[&peer_id=].
// Refused connections are upgraded and closed with 1008, or 1011 when the
// refusal is ours (store or worker failure).
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		s.refuse(conn, websocket.CloseGoingAway, reasonShutdown, "shutdown", nil)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	params, err := parseConnectParams(r)
	if err != nil {
		s.refuse(conn, websocket.ClosePolicyViolation, reasonInvalidParams, "invalid_params", err)
		return
	}

	// the connection is the only cancellation signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = rlog.WithPeer(ctx, string(params.token), string(params.peerID))

	if err := s.auth.Authorize(ctx, params.token, params.role, params.identity); err != nil {
		switch {
		case errors.Is(err, domain.ErrStreamNotFound):
			s.refuse(conn, websocket.ClosePolicyViolation, reasonStreamUnknown, "stream_unknown", err)
		case errors.Is(err, domain.ErrNotStreamOwner):
			s.refuse(conn, websocket.ClosePolicyViolation, reasonNotOwner, "not_owner", err)
		case errors.Is(err, domain.ErrInvalidRole):
			s.refuse(conn, websocket.ClosePolicyViolation, reasonInvalidParams, "invalid_params", err)
		default:
			s.refuse(conn, websocket.CloseInternalServerErr, reasonUnavailable, "store_error", err)
		}
		return
	}

	rm, err := s.registry.Acquire(ctx, params.token)
	if err != nil {
		s.refuse(conn, websocket.CloseInternalServerErr, reasonUnavailable, "no_worker", err)
		return
	}

	sess := &session{
		id:           params.peerID,
		role:         params.role,
		token:        params.token,
		room:         rm,
		attached:     true,
		conn:         conn,
		writeTimeout: s.cfg.WriteTimeout,
		closed:       make(chan struct{}),
		onNotify:     s.metrics.RecordNotification,
		logger: s.logger.With(
			"peer_id", string(params.peerID),
			"stream_token", string(params.token),
			"role", string(params.role),
		),
	}
	if s.cfg.MessagesPerSecond > 0 {
		sess.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	s.register(sess)
	s.metrics.RecordPeerConnected(sess.role)
	sess.logger.Infow("peer connected", "remote_addr", r.RemoteAddr)

	defer func() {
		sess.close(websocket.CloseNormalClosure, "")
		s.release(sess)
	}()

	welcome := Response{
		Type: TypeWelcome,
		Data: WelcomeData{
			PeerID:          sess.id,
			Role:            sess.role,
			StreamToken:     sess.token,
			RTPCapabilities: rm.RTPCapabilities(),
		},
	}
	if err := sess.send(welcome); err != nil {
		sess.logger.Infow("failed to send welcome", "error", err)
		return
	}

	s.serve(ctx, sess)
}

// register installs sess under its peer id, superseding any session that
// already holds the id. The old session is closed and released first.
func (s *Server) register(sess *session) {
	for {
		s.mu.Lock()
		old, ok := s.sessions[sess.id]
		if !ok {
			s.sessions[sess.id] = sess
			late := s.shuttingDown
			s.mu.Unlock()
			// Shutdown already took its snapshot
			if late {
				sess.close(websocket.CloseGoingAway, reasonShutdown)
			}
			return
		}
		s.mu.Unlock()

		sess.logger.Infow("superseding existing session", "old_stream_token", string(old.token), "old_role", string(old.role))
		s.metrics.RecordSuperseded()
		old.close(CloseSuperseded, reasonSuperseded)
		s.release(old)
	}
}

// release runs the disconnect path once per session.
func (s *Server) release(sess *session) {
	sess.opMu.Lock()
	defer sess.opMu.Unlock()
	if sess.released {
		return
	}
	sess.released = true

	s.mu.Lock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()

	r := sess.room
	switch sess.role {
	case domain.RolePublisher:
		if r.RemovePublisherIf(sess.id) {
			s.status.MarkEnded(sess.token)
			r.NotifyViewers(room.PublisherEnded())
		}
	case domain.RoleViewer:
		if _, ok := r.RemoveViewer(sess.id); ok {
			count := r.BroadcastViewerCount()
			s.status.UpdateViewerCount(sess.token, count)
		}
	}
	s.detach(sess)
	if s.registry.DeleteIfIdle(sess.token) {
		sess.logger.Infow("room reclaimed")
	}

	s.metrics.RecordPeerDisconnected(sess.role)
	sess.logger.Infow("peer disconnected")
}

// roomLost ends the stream of a room that went down with its worker and
// closes the sessions bound to it, so clients reconnect onto a live worker.
func (s *Server) roomLost(r *room.Room, hadPublisher bool) {
	if hadPublisher {
		s.status.MarkEnded(r.Token())
	}

	s.mu.Lock()
	var stranded []*session
	for _, sess := range s.sessions {
		if sess.room == r {
			stranded = append(stranded, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range stranded {
		sess.close(websocket.CloseInternalServerErr, reasonWorkerLost)
	}
	s.logger.Warnw("room lost with its media worker",
		"stream_token", string(r.Token()),
		"sessions_closed", len(stranded),
	)
}

// detach drops the connect-time hold on the room. Once a session has joined,
// its publisher slot or viewer record decides whether the room stays.
// Callers hold sess.opMu.
func (s *Server) detach(sess *session) {
	if sess.attached {
		sess.attached = false
		sess.room.Detach()
	}
}

func (s *Server) refuse(conn *websocket.Conn, code int, reason, metricReason string, cause error) {
	s.metrics.RecordRefused(metricReason)
	if code == websocket.CloseInternalServerErr {
		s.logger.Errorw("connection refused", "reason", reason, "error", cause)
	} else {
		s.logger.Infow("connection refused", "reason", reason, "error", cause)
	}
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// serve reads frames on a helper goroutine and handles them here, one at a
// time and in arrival order, interleaved with keepalive pings.
func (s *Server) serve(ctx context.Context, sess *session) {
	conn := sess.conn
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case frames <- data:
			case <-sess.closed:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case data := <-frames:
			s.handleFrame(ctx, sess, data)

		case <-pingTicker.C:
			if err := sess.sendControl(websocket.PingMessage, nil); err != nil {
				sess.logger.Infow("error sending ping", "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				sess.logger.Infow("connection closed unexpectedly", "error", err)
			}
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, sess *session, data []byte) {
	start := time.Now()

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		s.sendError(sess, nil, classify(errBadPayload))
		s.metrics.RecordMessage("invalid", "error", time.Since(start))
		return
	}
	if !sess.allow() {
		s.sendError(sess, msg.RequestID, apperrors.NewRateLimitError())
		s.metrics.RecordMessage(msg.Type, "rate_limited", time.Since(start))
		return
	}

	sess.opMu.Lock()
	defer sess.opMu.Unlock()
	if sess.released {
		return
	}

	ctx, span := tracing.TraceSignalMessage(ctx, msg.Type, string(sess.token), string(sess.id), string(sess.role))
	defer span.End()
	if len(msg.RequestID) > 0 {
		ctx = rlog.WithRequestID(ctx, string(msg.RequestID))
		tracing.AddSpanAttributes(ctx, tracing.RequestIDKey.String(string(msg.RequestID)))
	}

	result := "ok"
	respData, followUp, err := s.dispatch(ctx, sess, msg)
	switch {
	case errors.Is(err, errUnknownType):
		result = "unknown"
		sess.logger.Debugw("unknown message type dropped", "type", msg.Type)
	case err != nil:
		result = "error"
		tracing.RecordError(ctx, err)
		appErr := classify(err)
		s.ctxLog.Sugar(ctx).Infow("signaling request failed",
			"type", msg.Type,
			"code", appErr.Code,
			"error", err,
		)
		s.sendError(sess, msg.RequestID, appErr)
	default:
		respType := msg.Type
		if msg.Type == TypePing {
			respType = TypePong
		}
		if err := sess.send(Response{Type: respType, RequestID: msg.RequestID, Data: respData}); err != nil {
			sess.logger.Debugw("response not delivered", "type", msg.Type, "error", err)
		}
		if followUp != nil {
			followUp()
		}
	}
	s.metrics.RecordMessage(msg.Type, result, time.Since(start))
}

func (s *Server) dispatch(ctx context.Context, sess *session, msg Message) (interface{}, func(), error) {
	if msg.Type == TypePing {
		return nil, nil, nil
	}
	rt, ok := s.routes[msg.Type]
	if !ok {
		return nil, nil, errUnknownType
	}
	if rt.role != "" && rt.role != sess.role {
		return nil, nil, fmt.Errorf("%w: %s requires %s", domain.ErrWrongRole, msg.Type, rt.role)
	}

	// lookup only, so a reclaimed room is never revived by a late message
	r, ok := s.registry.Get(sess.token)
	if !ok || r != sess.room {
		return nil, nil, domain.ErrRoomNotFound
	}
	return rt.handler(ctx, sess, r, msg)
}

func (s *Server) sendError(sess *session, requestID json.RawMessage, appErr *apperrors.AppError) {
	err := sess.send(ErrorMessage{
		Type:      TypeError,
		RequestID: requestID,
		Error:     appErr.Message,
		Code:      string(appErr.Code),
	})
	if err != nil {
		sess.logger.Debugw("error message not delivered", "error", err)
	}
}

func (s *Server) handleCreateProducerTransport(ctx context.Context, sess *session, r *room.Room, msg Message) (interface{}, func(), error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "set_publisher", string(sess.token))
	defer span.End()

	params, err := r.SetPublisher(ctx, sess.id, sess)
	if err != nil {
		return nil, nil, err
	}
	s.detach(sess)
	return params, nil, nil
}

func (s *Server) handleConnectProducerTransport(ctx context.Context, sess *session, r *room.Room, msg Message) (interface{}, func(), error) {
	var req connectTransportRequest
	if err := decodeData(msg.Data, &req); err != nil {
		return nil, nil, err
	}
	if err := r.ConnectProducerTransport(ctx, req.DTLSParameters); err != nil {
		return nil, nil, err
	}
	return struct{}{}, nil, nil
}

func (s *Server) handleProduce(ctx context.Context, sess *session, r *room.Room, msg Message) (interface{}, func(), error) {
	var req produceRequest
	if err := decodeData(msg.Data, &req); err != nil {
		return nil, nil, err
	}
	kind, err := domain.ParseMediaKind(req.Kind)
	if err != nil {
		return nil, nil, err
	}

	ctx, span := tracing.TraceRoomOperation(ctx, "produce", string(sess.token))
	defer span.End()

	res, err := r.Produce(ctx, kind, req.RTPParameters, req.AppData)
	if err != nil {
		return nil, nil, err
	}
	if res.FirstLive {
		s.status.MarkLive(sess.token)
	}
	return ProduceResponse{ID: res.Producer.ID(), Kind: res.Producer.Kind()}, nil, nil
}

func (s *Server) handleCreateConsumerTransport(ctx context.Context, sess *session, r *room.Room, msg Message) (interface{}, func(), error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "add_viewer", string(sess.token))
	defer span.End()

	params, err := r.AddViewer(ctx, sess.id, sess)
	if err != nil {
		return nil, nil, err
	}
	s.detach(sess)

	followUp := func() {
		count := r.BroadcastViewerCount()
		s.status.UpdateViewerCount(sess.token, count)

		var n room.Notification
		if r.HasLivePublisher() {
			n = room.ProducersAvailable(r.ProducerIDs())
		} else {
			n = room.PublisherNotLive()
		}
		if err := sess.Notify(n); err != nil {
			sess.logger.Debugw("notification not delivered", "type", n.Type, "error", err)
		}
	}
	return params, followUp, nil
}

func (s *Server) handleConnectConsumerTransport(ctx context.Context, sess *session, r *room.Room, msg Message) (interface{}, func(), error) {
	var req connectTransportRequest
	if err := decodeData(msg.Data, &req); err != nil {
		return nil, nil, err
	}
	if err := r.ConnectConsumerTransport(ctx, sess.id, req.DTLSParameters); err != nil {
		return nil, nil, err
	}
	return struct{}{}, nil, nil
}

func (s *Server) handleConsume(ctx context.Context, sess *session, r *room.Room, msg Message) (interface{}, func(), error) {
	var req consumeRequest
	if err := decodeData(msg.Data, &req); err != nil {
		return nil, nil, err
	}
	if req.ProducerID == "" {
		return nil, nil, fmt.Errorf("%w: producer_id is required", errBadPayload)
	}

	ctx, span := tracing.TraceRoomOperation(ctx, "consume", string(sess.token))
	defer span.End()

	c, err := r.Consume(ctx, sess.id, req.ProducerID, req.RTPCapabilities)
	if err != nil {
		return nil, nil, err
	}
	return ConsumeResponse{
		ID:            c.ID(),
		ProducerID:    c.ProducerID(),
		Kind:          c.Kind(),
		RTPParameters: c.RTPParameters(),
	}, nil, nil
}

func (s *Server) handleResumeConsumer(ctx context.Context, sess *session, r *room.Room, msg Message) (interface{}, func(), error) {
	var req resumeConsumerRequest
	if err := decodeData(msg.Data, &req); err != nil {
		return nil, nil, err
	}
	if err := r.ResumeConsumer(ctx, sess.id, req.ConsumerID); err != nil {
		return nil, nil, err
	}
	return struct{}{}, nil, nil
}

func (s *Server) handleGetProducers(ctx context.Context, sess *session, r *room.Room, msg Message) (interface{}, func(), error) {
	return ProducersResponse{Producers: r.ProducerIDs()}, nil, nil
}

// Shutdown refuses new connections, closes every session with 1001 and
// waits for their disconnect paths to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close(websocket.CloseGoingAway, reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("signaling sessions drained", "sessions", len(sessions))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopStatus struct{}

func (nopStatus) MarkLive(domain.StreamToken)               {}
func (nopStatus) MarkEnded(domain.StreamToken)              {}
func (nopStatus) UpdateViewerCount(domain.StreamToken, int) {}

type nopMetrics struct{}

func (nopMetrics) RecordPeerConnected(domain.Role)             {}
func (nopMetrics) RecordPeerDisconnected(domain.Role)          {}
func (nopMetrics) RecordRefused(string)                        {}
func (nopMetrics) RecordSuperseded()                           {}
func (nopMetrics) RecordMessage(string, string, time.Duration) {}
func (nopMetrics) RecordNotification(string)                   {}
