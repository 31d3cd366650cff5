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

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/tracing"
	"meshcall/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ICEProvider hands out the ICE servers a user may use, TURN credentials
// included.
type ICEProvider interface {
	ICEServers(userID domain.UserID) []domain.ICEServer
}

// Fanout forwards frames to users connected to other relay instances.
type Fanout interface {
	PublishDelivery(ctx context.Context, userID domain.UserID, frame json.RawMessage) error
}

// Locker serializes session updates across relay instances sharing a
// registry.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	RingTimeout       time.Duration
	MaxParticipants   int
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		RingTimeout:       30 * time.Second,
		MaxParticipants:   8,
		MaxMessageSize:    64 * 1024,
		MessagesPerSecond: 100,
		Burst:             200,
		AllowedOrigins:    []string{"*"},
	}
}

type ServerDeps struct {
	Auth     ports.AuthService
	Registry ports.CallRegistry
	ICE      ICEProvider
	Fanout   Fanout
	Locker   Locker
	Metrics  ports.RelayMetrics
	Logger   *zap.SugaredLogger
	Now      func() time.Time
}

const sendBuffer = 64

// connection is one authenticated socket. Only its serve loop writes to the
// socket; everyone else queues frames on send.
type connection struct {
	user    domain.UserInfo
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	done    chan struct{}
}

func (c *connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// WebSocketServer relays call signaling between users. It assigns call ids,
// tracks who is ringing and who joined, and forwards negotiation messages
// between members of the same call.
type WebSocketServer struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	auth     ports.AuthService
	registry ports.CallRegistry
	ice      ICEProvider
	fanout   Fanout
	locker   Locker
	metrics  ports.RelayMetrics
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu          sync.RWMutex
	connections map[domain.UserID]*connection

	// callsMu serializes session read-modify-write cycles on this instance;
	// locker extends that to other instances.
	callsMu    sync.Mutex
	ringTimers map[domain.CallID]*time.Timer
}

func NewWebSocketServer(cfg ServerConfig, deps ServerDeps) *WebSocketServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}

	s := &WebSocketServer{
		cfg:         cfg,
		auth:        deps.Auth,
		registry:    deps.Registry,
		ice:         deps.ICE,
		fanout:      deps.Fanout,
		locker:      deps.Locker,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		now:         deps.Now,
		connections: make(map[domain.UserID]*connection),
		ringTimers:  make(map[domain.CallID]*time.Timer),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
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

func (s *WebSocketServer) authenticate(r *http.Request) (*domain.User, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return nil, errors.New("missing token")
	}
	return s.auth.ValidateToken(token)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		s.metrics.MessageRejected("unauthorized")
		s.logger.Infow("rejecting websocket connection", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	c := &connection{
		user:    domain.UserInfo{UserID: user.ID, Username: user.Username, AvatarURL: user.AvatarURL},
		conn:    ws,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst),
		done:    make(chan struct{}),
	}
	if s.cfg.MessagesPerSecond <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}

	s.register(c)
	defer s.unregister(c)

	if s.ice != nil {
		s.sendTo(context.Background(), user.ID, domain.EventTURNCredentials,
			domain.TURNCredentialsPayload{ICEServers: s.ice.ICEServers(user.ID)})
	}

	s.serve(c)
}

func (s *WebSocketServer) register(c *connection) {
	s.mu.Lock()
	existing, reconnect := s.connections[c.user.UserID]
	s.connections[c.user.UserID] = c
	count := len(s.connections)
	s.mu.Unlock()

	if reconnect {
		// the newer socket wins
		existing.conn.Close()
		s.logger.Infow("closing old connection for reconnecting user", "user_id", c.user.UserID)
	}
	s.metrics.ConnectionsChanged(count)
	s.logger.Infow("user connected", "user_id", c.user.UserID, "reconnect", reconnect)
}

func (s *WebSocketServer) unregister(c *connection) {
	close(c.done)

	s.mu.Lock()
	current := s.connections[c.user.UserID] == c
	if current {
		delete(s.connections, c.user.UserID)
	}
	count := len(s.connections)
	s.mu.Unlock()

	s.metrics.ConnectionsChanged(count)
	if !current {
		return
	}
	s.leaveAll(context.Background(), c.user.UserID)
	s.logger.Infow("user disconnected", "user_id", c.user.UserID)
}

func (s *WebSocketServer) serve(c *connection) {
	ws := c.conn
	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messages := make(chan Envelope, 10)
	readErr := make(chan error, 1)

	go func() {
		defer close(messages)
		for {
			var env Envelope
			if err := ws.ReadJSON(&env); err != nil {
				var syntaxErr *json.SyntaxError
				if errors.As(err, &syntaxErr) {
					s.metrics.MessageRejected("malformed")
					continue
				}
				readErr <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messages <- env:
			case <-c.done:
				return
			}
		}
	}()

	for {
		select {
		case env, ok := <-messages:
			if !ok {
				err := <-readErr
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Infow("error reading from user", "user_id", c.user.UserID, "error", err)
				}
				return
			}
			if !c.limiter.Allow() {
				s.metrics.MessageRejected("rate_limited")
				s.sendError(c, env.Event, "rate limit exceeded")
				continue
			}
			if err := s.handleMessage(context.Background(), c.user, env); err != nil {
				s.logger.Infow("error handling message from user",
					"user_id", c.user.UserID,
					"event", env.Event,
					"error", err,
				)
				s.metrics.MessageRejected("invalid")
				s.sendError(c, env.Event, err.Error())
			}
		case frame := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Infow("error writing to user", "user_id", c.user.UserID, "error", err)
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "user_id", c.user.UserID, "error", err)
				return
			}
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, from domain.UserInfo, env Envelope) error {
	ctx, span := tracing.TraceSignaling(ctx, env.Event, "relay")
	defer span.End()

	switch env.Event {
	case domain.EventCallInitiate:
		return decodeAnd(env.Data, func(p domain.InitiatePayload) error { return s.handleInitiate(ctx, from, p) })
	case domain.EventCallAccept:
		return decodeAnd(env.Data, func(p domain.CallRefPayload) error { return s.handleAccept(ctx, from, p) })
	case domain.EventCallReject:
		return decodeAnd(env.Data, func(p domain.CallRefPayload) error { return s.handleReject(ctx, from, p) })
	case domain.EventCallEnd:
		return decodeAnd(env.Data, func(p domain.CallRefPayload) error { return s.handleEnd(ctx, from, p) })
	case domain.EventParticipantMediaToggle:
		return decodeAnd(env.Data, func(p domain.MediaTogglePayload) error { return s.handleMediaToggle(ctx, from, p) })
	case domain.EventOffer, domain.EventAnswer:
		return decodeAnd(env.Data, func(p domain.SessionDescriptionPayload) error {
			return s.handleSessionDescription(ctx, from, env.Event, p)
		})
	case domain.EventICECandidate:
		return decodeAnd(env.Data, func(p domain.ICECandidatePayload) error { return s.handleICECandidate(ctx, from, p) })
	case "":
		return fmt.Errorf("event name is required")
	default:
		return fmt.Errorf("unknown event: %s", env.Event)
	}
}

func decodeAnd[T any](data json.RawMessage, fn func(T) error) error {
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return fn(payload)
}

func (s *WebSocketServer) handleInitiate(ctx context.Context, from domain.UserInfo, p domain.InitiatePayload) error {
	if !p.CallType.Valid() {
		return domain.ErrInvalidCallType
	}
	if err := validation.ValidateIdentifier(string(p.ConversationID), "conversationId"); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	invitees := make([]string, len(p.ParticipantIDs))
	for i, id := range p.ParticipantIDs {
		invitees[i] = string(id)
	}
	if err := validation.ValidateParticipants(invitees, string(from.UserID), s.cfg.MaxParticipants); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	session := domain.NewCallSession(domain.CallID(uuid.NewString()), p.ConversationID, p.CallType, from, p.ParticipantIDs, s.now())

	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	if err := s.registry.Create(ctx, session); err != nil {
		return fmt.Errorf("failed to register call: %w", err)
	}
	s.metrics.CallSessionOpened()
	tracing.AddSpanAttributes(ctx,
		tracing.CallIDKey.String(string(session.ID)),
		tracing.ConversationIDKey.String(string(p.ConversationID)),
		tracing.CallTypeKey.String(string(p.CallType)),
	)

	initiated := domain.InitiatedPayload{CallID: session.ID, ConversationID: p.ConversationID}
	if s.ice != nil {
		initiated.ICEServers = s.ice.ICEServers(from.UserID)
	}
	s.sendTo(ctx, from.UserID, domain.EventCallInitiated, initiated)

	incoming := domain.IncomingPayload{
		CallID:         session.ID,
		From:           from,
		ConversationID: p.ConversationID,
		CallType:       p.CallType,
	}
	for _, invitee := range session.Ringing() {
		s.sendTo(ctx, invitee, domain.EventCallIncoming, incoming)
	}

	callID := session.ID
	s.ringTimers[callID] = time.AfterFunc(s.cfg.RingTimeout, func() { s.expireRinging(callID) })

	s.logger.Infow("call initiated",
		"call_id", session.ID,
		"user_id", from.UserID,
		"invitees", len(session.Invites),
	)
	return nil
}

func (s *WebSocketServer) handleAccept(ctx context.Context, from domain.UserInfo, p domain.CallRefPayload) error {
	unlock, err := s.lockCall(ctx, p.CallID)
	if err != nil {
		return err
	}
	defer unlock()

	session, err := s.registry.Get(ctx, p.CallID)
	if err != nil {
		return err
	}
	if session.IsMember(from.UserID) {
		return nil
	}
	if st, invited := session.Invites[from.UserID]; !invited || st != domain.InviteRinging {
		return fmt.Errorf("user %s is not ringing for call %s", from.UserID, p.CallID)
	}

	others := session.Recipients(from.UserID)
	session.Join(from, s.now())
	if err := s.registry.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}
	s.stopRingingIfDone(session)

	joined := domain.ParticipantPayload{CallID: session.ID, UserInfo: from}
	for _, id := range others {
		switch {
		case id == session.Initiator.UserID:
			s.sendTo(ctx, id, domain.EventCallAccepted, joined)
		case session.IsMember(id):
			s.sendTo(ctx, id, domain.EventParticipantJoined, joined)
		}
	}
	s.logger.Infow("call accepted", "call_id", session.ID, "user_id", from.UserID, "members", len(session.Members))
	return nil
}

func (s *WebSocketServer) handleReject(ctx context.Context, from domain.UserInfo, p domain.CallRefPayload) error {
	unlock, err := s.lockCall(ctx, p.CallID)
	if err != nil {
		return err
	}
	defer unlock()

	session, err := s.registry.Get(ctx, p.CallID)
	if err != nil {
		return err
	}
	if session.IsMember(from.UserID) {
		return s.leave(ctx, session, from.UserID)
	}
	if st, invited := session.Invites[from.UserID]; !invited || st != domain.InviteRinging {
		return nil
	}

	session.Invites[from.UserID] = domain.InviteRejected
	rejected := domain.ActorPayload{CallID: session.ID, UserID: from.UserID}
	for _, id := range session.Recipients(from.UserID) {
		if session.IsMember(id) {
			s.sendTo(ctx, id, domain.EventCallRejected, rejected)
		}
	}
	s.logger.Infow("call rejected", "call_id", session.ID, "user_id", from.UserID)
	return s.settle(ctx, session, "rejected")
}

func (s *WebSocketServer) handleEnd(ctx context.Context, from domain.UserInfo, p domain.CallRefPayload) error {
	return s.leaveCall(ctx, p.CallID, from.UserID)
}

// leave removes a member. Once the call can no longer connect anyone the
// remaining users get call:ended, otherwise call:participant:left.
func (s *WebSocketServer) leave(ctx context.Context, session *domain.CallSession, userID domain.UserID) error {
	session.Leave(userID)
	s.logger.Infow("user left call", "call_id", session.ID, "user_id", userID, "members", len(session.Members))

	if len(session.Members) == 0 || session.Over() {
		ended := domain.ActorPayload{CallID: session.ID, UserID: userID, Reason: "ended"}
		for _, id := range session.Recipients(userID) {
			s.sendTo(ctx, id, domain.EventCallEnded, ended)
		}
		return s.close(ctx, session, "ended")
	}

	left := domain.ActorPayload{CallID: session.ID, UserID: userID}
	for _, id := range session.Recipients(userID) {
		if session.IsMember(id) {
			s.sendTo(ctx, id, domain.EventParticipantLeft, left)
		}
	}
	return s.settle(ctx, session, "ended")
}

// settle stores the session or closes it when it is over.
func (s *WebSocketServer) settle(ctx context.Context, session *domain.CallSession, outcome string) error {
	if session.Over() {
		return s.close(ctx, session, outcome)
	}
	if err := s.registry.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}
	s.stopRingingIfDone(session)
	return nil
}

func (s *WebSocketServer) close(ctx context.Context, session *domain.CallSession, outcome string) error {
	if timer, ok := s.ringTimers[session.ID]; ok {
		timer.Stop()
		delete(s.ringTimers, session.ID)
	}
	if err := s.registry.Delete(ctx, session.ID); err != nil {
		return fmt.Errorf("failed to delete call: %w", err)
	}
	s.metrics.CallSessionClosed(outcome)
	s.logger.Infow("call closed", "call_id", session.ID, "outcome", outcome)
	return nil
}

func (s *WebSocketServer) stopRingingIfDone(session *domain.CallSession) {
	if len(session.Ringing()) > 0 {
		return
	}
	if timer, ok := s.ringTimers[session.ID]; ok {
		timer.Stop()
		delete(s.ringTimers, session.ID)
	}
}

// expireRinging marks every invitee still ringing as missed.
func (s *WebSocketServer) expireRinging(callID domain.CallID) {
	ctx := context.Background()
	unlock, err := s.lockCall(ctx, callID)
	if err != nil {
		s.logger.Warnw("failed to lock call for ring expiry", "call_id", callID, "error", err)
		return
	}
	defer unlock()
	delete(s.ringTimers, callID)

	session, err := s.registry.Get(ctx, callID)
	if err != nil {
		return
	}
	ringing := session.Ringing()
	if len(ringing) == 0 {
		return
	}

	for _, invitee := range ringing {
		session.Invites[invitee] = domain.InviteMissed
		s.sendTo(ctx, invitee, domain.EventCallMissed, domain.ActorPayload{CallID: callID})
		missed := domain.ActorPayload{CallID: callID, UserID: invitee}
		for id := range session.Members {
			s.sendTo(ctx, id, domain.EventCallMissed, missed)
		}
	}
	s.logger.Infow("call unanswered", "call_id", callID, "missed", len(ringing))

	if err := s.settle(ctx, session, "missed"); err != nil {
		s.logger.Warnw("failed to settle missed call", "call_id", callID, "error", err)
	}
}

// leaveAll drops a disconnected user from every call it is part of.
func (s *WebSocketServer) leaveAll(ctx context.Context, userID domain.UserID) {
	sessions, err := s.registry.FindByUser(ctx, userID)
	if err != nil {
		s.logger.Warnw("failed to look up calls of disconnected user", "user_id", userID, "error", err)
		return
	}
	for _, found := range sessions {
		if err := s.leaveCall(ctx, found.ID, userID); err != nil {
			s.logger.Warnw("failed to remove disconnected user", "call_id", found.ID, "user_id", userID, "error", err)
		}
	}
}

func (s *WebSocketServer) leaveCall(ctx context.Context, callID domain.CallID, userID domain.UserID) error {
	unlock, err := s.lockCall(ctx, callID)
	if err != nil {
		return err
	}
	defer unlock()

	session, err := s.registry.Get(ctx, callID)
	if errors.Is(err, domain.ErrCallNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !session.IsMember(userID) {
		return nil
	}
	return s.leave(ctx, session, userID)
}

// lockCall takes the local session lock and, when configured, the shared
// lock for the call.
func (s *WebSocketServer) lockCall(ctx context.Context, callID domain.CallID) (func(), error) {
	s.callsMu.Lock()
	if s.locker == nil {
		return s.callsMu.Unlock, nil
	}
	release, err := s.locker.Lock(ctx, "call:"+string(callID))
	if err != nil {
		s.callsMu.Unlock()
		return nil, fmt.Errorf("failed to lock call %s: %w", callID, err)
	}
	return func() {
		release()
		s.callsMu.Unlock()
	}, nil
}

func (s *WebSocketServer) handleMediaToggle(ctx context.Context, from domain.UserInfo, p domain.MediaTogglePayload) error {
	session, err := s.memberSession(ctx, p.CallID, from.UserID)
	if err != nil {
		return err
	}
	p.UserID = from.UserID
	for id := range session.Members {
		if id != from.UserID {
			s.sendTo(ctx, id, domain.EventParticipantMediaToggle, p)
		}
	}
	return nil
}

func (s *WebSocketServer) handleSessionDescription(ctx context.Context, from domain.UserInfo, event string, p domain.SessionDescriptionPayload) error {
	if p.SDP.SDP == "" {
		return fmt.Errorf("%w: sdp is required", domain.ErrInvalidPayload)
	}
	if err := s.checkRoute(ctx, p.CallID, from.UserID, p.To); err != nil {
		return err
	}
	to := p.To
	p.From, p.To = from.UserID, ""
	s.logger.Debugw("routing session description",
		"event", event,
		"call_id", p.CallID,
		"from", from.UserID,
		"to", to,
		"sdp_length", len(p.SDP.SDP),
	)
	s.sendTo(ctx, to, event, p)
	return nil
}

func (s *WebSocketServer) handleICECandidate(ctx context.Context, from domain.UserInfo, p domain.ICECandidatePayload) error {
	if p.Candidate.Candidate == "" {
		return fmt.Errorf("%w: candidate is required", domain.ErrInvalidPayload)
	}
	if err := s.checkRoute(ctx, p.CallID, from.UserID, p.To); err != nil {
		return err
	}
	to := p.To
	p.From, p.To = from.UserID, ""
	s.sendTo(ctx, to, domain.EventICECandidate, p)
	return nil
}

// checkRoute allows negotiation traffic only between members of one call.
func (s *WebSocketServer) checkRoute(ctx context.Context, callID domain.CallID, from, to domain.UserID) error {
	if to == "" {
		return fmt.Errorf("%w: to is required", domain.ErrInvalidPayload)
	}
	session, err := s.memberSession(ctx, callID, from)
	if err != nil {
		return err
	}
	if !session.IsMember(to) {
		return fmt.Errorf("user %s is not in call %s", to, callID)
	}
	return nil
}

func (s *WebSocketServer) memberSession(ctx context.Context, callID domain.CallID, userID domain.UserID) (*domain.CallSession, error) {
	session, err := s.registry.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !session.IsMember(userID) {
		return nil, fmt.Errorf("user %s is not in call %s", userID, callID)
	}
	return session, nil
}

func (s *WebSocketServer) sendTo(ctx context.Context, userID domain.UserID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Errorw("failed to marshal payload", "event", event, "error", err)
		return
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		s.logger.Errorw("failed to marshal frame", "event", event, "error", err)
		return
	}

	if s.DeliverLocal(userID, frame) {
		s.metrics.MessageRelayed(event)
		return
	}
	if s.fanout != nil {
		if err := s.fanout.PublishDelivery(ctx, userID, frame); err != nil {
			s.logger.Warnw("failed to publish frame", "event", event, "user_id", userID, "error", err)
			return
		}
		s.metrics.MessageRelayed(event)
		return
	}
	s.metrics.MessageRejected("offline")
	s.logger.Debugw("recipient offline, dropping frame", "event", event, "user_id", userID)
}

// DeliverLocal writes a frame to a user connected to this instance.
func (s *WebSocketServer) DeliverLocal(userID domain.UserID, frame []byte) bool {
	s.mu.RLock()
	c, ok := s.connections[userID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if !c.enqueue(frame) {
		s.logger.Warnw("send buffer full, dropping frame", "user_id", userID)
		return false
	}
	return true
}

func (s *WebSocketServer) sendError(c *connection, event, message string) {
	data, _ := json.Marshal(map[string]string{"event": event, "message": message})
	frame, _ := json.Marshal(Envelope{Event: "error", Data: data})
	c.enqueue(frame)
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) IsUserConnected(userID domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.connections[userID]
	return exists
}

// Shutdown stops ring timers and closes every socket with a going-away
// frame. Each closed socket then leaves its calls as on any disconnect.
func (s *WebSocketServer) Shutdown() {
	s.callsMu.Lock()
	for id, timer := range s.ringTimers {
		timer.Stop()
		delete(s.ringTimers, id)
	}
	s.callsMu.Unlock()

	s.mu.RLock()
	conns := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	for _, c := range conns {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"), deadline)
		c.conn.Close()
	}
	s.logger.Infow("relay connections closed", "count", len(conns))
}
