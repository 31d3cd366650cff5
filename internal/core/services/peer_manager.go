package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Peer is the connection to one remote participant plus its negotiation
// bookkeeping.
type Peer struct {
	UserID    domain.UserID
	CreatedAt time.Time

	pc ports.PeerConnection

	mu sync.Mutex
	// negotiating is set from the moment an offer is created (or a remote
	// offer is being answered) until the exchange is back to stable.
	negotiating     bool
	negotiatedSince time.Time
	deferred        bool
	deferredRestart bool

	// offerSeq identifies the current exchange so that a late answer timer
	// cannot touch a newer one.
	offerSeq     uint64
	offerRestart bool
	answerTimer  *time.Timer

	// remote candidates wait here until the first remote description is set
	remoteReady bool
	queued      []webrtc.ICECandidateInit

	videoSender  ports.Sender
	remoteStream *domain.RemoteStream
	disconnected *time.Timer
	closed       bool
}

func (p *Peer) Connection() ports.PeerConnection { return p.pc }

func (p *Peer) RemoteStream() *domain.RemoteStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteStream
}

func (p *Peer) Negotiating() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.negotiating
}

// beginNegotiationLocked marks a new exchange as in flight. p.mu must be held.
func (p *Peer) beginNegotiationLocked(iceRestart bool) uint64 {
	p.stopAnswerTimerLocked()
	p.negotiating = true
	p.negotiatedSince = time.Now()
	p.offerSeq++
	p.offerRestart = iceRestart
	return p.offerSeq
}

func (p *Peer) stopAnswerTimerLocked() {
	if p.answerTimer != nil {
		p.answerTimer.Stop()
		p.answerTimer = nil
	}
}

func (p *Peer) stopDisconnectTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected != nil {
		p.disconnected.Stop()
		p.disconnected = nil
	}
}

// recovery is notified by the connection-state policy.
type recovery interface {
	connectionFailed(userID domain.UserID)
	disconnectTimedOut(userID domain.UserID)
}

// PeerManagerConfig holds the recovery timings. A zero AnswerTimeout leaves
// unanswered offers in flight.
type PeerManagerConfig struct {
	DisconnectGrace time.Duration
	AnswerTimeout   time.Duration
	ICEServers      []webrtc.ICEServer
}

// PeerManager owns one peer connection per remote participant and runs the
// offer/answer and ICE exchange for them.
type PeerManager struct {
	cfg       PeerManagerConfig
	factory   ports.PeerConnectionFactory
	signaling ports.SignalingTransport
	calls     ports.CallReader
	identity  ports.Identity
	logger    *zap.SugaredLogger
	metrics   ports.CallMetrics

	recovery       recovery
	onRemoteStream func(userID domain.UserID, stream *domain.RemoteStream)
	screenSource   func() *domain.LocalTrack

	mu         sync.Mutex
	peers      map[domain.UserID]*Peer
	pending    map[domain.UserID][]webrtc.ICECandidateInit
	iceServers []webrtc.ICEServer
}

func NewPeerManager(
	cfg PeerManagerConfig,
	factory ports.PeerConnectionFactory,
	signaling ports.SignalingTransport,
	calls ports.CallReader,
	identity ports.Identity,
	logger *zap.SugaredLogger,
	metrics ports.CallMetrics,
) *PeerManager {
	return &PeerManager{
		cfg:        cfg,
		factory:    factory,
		signaling:  signaling,
		calls:      calls,
		identity:   identity,
		logger:     logger,
		metrics:    metrics,
		peers:      make(map[domain.UserID]*Peer),
		pending:    make(map[domain.UserID][]webrtc.ICECandidateInit),
		iceServers: append([]webrtc.ICEServer(nil), cfg.ICEServers...),
	}
}

// OnRemoteStream registers the receiver of remote stream changes. Every call
// gets a new stream value.
func (m *PeerManager) OnRemoteStream(fn func(userID domain.UserID, stream *domain.RemoteStream)) {
	m.onRemoteStream = fn
}

// AddICEServers appends servers not already configured.
func (m *PeerManager) AddICEServers(servers []domain.ICEServer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := make(map[string]struct{}, len(m.iceServers))
	for _, s := range m.iceServers {
		known[iceServerKey(s)] = struct{}{}
	}
	for _, s := range servers {
		srv := s.ToWebRTC()
		key := iceServerKey(srv)
		if _, ok := known[key]; ok || len(srv.URLs) == 0 {
			continue
		}
		known[key] = struct{}{}
		m.iceServers = append(m.iceServers, srv)
	}
}

// SetScreenSource gives new connections access to the active screen track.
func (m *PeerManager) SetScreenSource(fn func() *domain.LocalTrack) {
	m.screenSource = fn
}

func (m *PeerManager) ICEServers() []webrtc.ICEServer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webrtc.ICEServer(nil), m.iceServers...)
}

func iceServerKey(s webrtc.ICEServer) string {
	urls := append([]string(nil), s.URLs...)
	sort.Strings(urls)
	return strings.Join(urls, ",") + "|" + s.Username
}

// CreateConnection returns the connection for userID, creating it when
// absent. created reports whether this call made it.
func (m *PeerManager) CreateConnection(ctx context.Context, userID domain.UserID) (peer *Peer, created bool, err error) {
	m.mu.Lock()
	if existing, ok := m.peers[userID]; ok {
		m.mu.Unlock()
		return existing, false, nil
	}

	pc, err := m.factory.NewPeerConnection(m.iceServers)
	if err != nil {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("failed to create peer connection for %s: %w", userID, err)
	}

	peer = &Peer{
		UserID:    userID,
		CreatedAt: time.Now(),
		pc:        pc,
		// candidates buffered before the connection existed go first
		queued: m.pending[userID],
	}
	delete(m.pending, userID)
	m.peers[userID] = peer
	count := len(m.peers)
	m.mu.Unlock()

	m.attachLocalTracks(peer)

	pc.OnTrack(func(track domain.RemoteTrack) { m.handleRemoteTrack(peer, track) })
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) { m.handleLocalCandidate(peer, c) })
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { m.handleConnectionState(peer, s) })

	m.metrics.PeerConnectionsChanged(count)
	m.logger.Infow("peer connection created",
		"user_id", userID,
		"buffered_candidates", len(peer.queued),
		"connections", count,
	)
	return peer, true, nil
}

// attachLocalTracks adds every local track to a new connection. While the
// screen is shared it goes out on the video sender instead of the camera.
func (m *PeerManager) attachLocalTracks(peer *Peer) {
	var screen *domain.LocalTrack
	if call := m.calls.Call(); call != nil && call.IsScreenSharing && m.screenSource != nil {
		screen = m.screenSource()
	}

	hasVideo := false
	attach := func(kind domain.MediaKind, track webrtc.TrackLocal) {
		sender, err := peer.pc.AddTrack(track)
		if err != nil {
			m.logger.Warnw("failed to attach local track",
				"user_id", peer.UserID,
				"kind", kind,
				"error", err,
			)
			return
		}
		if kind == domain.MediaKindVideo {
			hasVideo = true
			peer.mu.Lock()
			peer.videoSender = sender
			peer.mu.Unlock()
		}
	}

	if stream := m.calls.LocalStream(); stream != nil {
		for _, t := range stream.Tracks() {
			if t.Kind() == domain.MediaKindVideo && screen != nil {
				if !hasVideo {
					attach(t.Kind(), screen.Track())
				}
				continue
			}
			attach(t.Kind(), t.Track())
		}
	}
	if screen != nil && !hasVideo {
		attach(domain.MediaKindVideo, screen.Track())
	}
}

func (m *PeerManager) Peer(userID domain.UserID) (*Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[userID]
	return p, ok
}

// Peers returns the user ids with an open connection, sorted.
func (m *PeerManager) Peers() []domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]domain.UserID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *PeerManager) PendingCandidates(userID domain.UserID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[userID])
}

// CloseConnection closes and forgets the connection to userID. Absent
// entries are a no-op.
func (m *PeerManager) CloseConnection(userID domain.UserID) {
	m.mu.Lock()
	peer, ok := m.peers[userID]
	delete(m.peers, userID)
	count := len(m.peers)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.closePeer(peer)
	m.metrics.PeerConnectionsChanged(count)
}

func (m *PeerManager) CloseAll() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[domain.UserID]*Peer)
	m.mu.Unlock()

	for _, p := range peers {
		m.closePeer(p)
	}
	m.metrics.PeerConnectionsChanged(0)
}

func (m *PeerManager) ClearPendingCandidates() {
	m.mu.Lock()
	m.pending = make(map[domain.UserID][]webrtc.ICECandidateInit)
	m.mu.Unlock()
}

func (m *PeerManager) closePeer(p *Peer) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.stopAnswerTimerLocked()
	if p.disconnected != nil {
		p.disconnected.Stop()
		p.disconnected = nil
	}
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		m.logger.Warnw("error closing peer connection", "user_id", p.UserID, "error", err)
	}
	m.logger.Infow("peer connection closed", "user_id", p.UserID)
}

// AddICECandidate applies a remote candidate, buffering it when no
// connection to the sender exists yet.
func (m *PeerManager) AddICECandidate(ctx context.Context, from domain.UserID, candidate webrtc.ICECandidateInit) {
	m.mu.Lock()
	peer, ok := m.peers[from]
	if !ok {
		m.pending[from] = append(m.pending[from], candidate)
		n := len(m.pending[from])
		m.mu.Unlock()
		m.metrics.CandidatesBuffered(n)
		m.logger.Debugw("buffered ICE candidate", "user_id", from, "buffered", n)
		return
	}
	m.mu.Unlock()

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if !peer.remoteReady {
		peer.queued = append(peer.queued, candidate)
		return
	}
	m.applyCandidateLocked(peer, candidate)
}

func (m *PeerManager) applyCandidateLocked(peer *Peer, candidate webrtc.ICECandidateInit) {
	if err := peer.pc.AddICECandidate(candidate); err != nil {
		m.logger.Warnw("failed to add ICE candidate", "user_id", peer.UserID, "error", err)
	}
}

// markRemoteReady flushes queued candidates, in order, after a remote
// description has been applied.
func (m *PeerManager) markRemoteReady(peer *Peer) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.remoteReady {
		return
	}
	peer.remoteReady = true
	queued := peer.queued
	peer.queued = nil
	for _, c := range queued {
		m.applyCandidateLocked(peer, c)
	}
}

// SendOffer creates an offer for userID and sends it. When an exchange with
// that peer is already in flight the request is deferred and replayed once
// the peer is stable again.
func (m *PeerManager) SendOffer(ctx context.Context, userID domain.UserID, iceRestart bool) error {
	callID, err := m.negotiableCallID()
	if err != nil {
		m.logger.Errorw("refusing to send offer", "user_id", userID, "ice_restart", iceRestart, "error", err)
		return err
	}

	peer, ok := m.Peer(userID)
	if !ok {
		return domain.ErrPeerNotFound
	}

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		return domain.ErrPeerNotFound
	}
	if peer.negotiating || peer.pc.SignalingState() != webrtc.SignalingStateStable {
		peer.deferred = true
		peer.deferredRestart = peer.deferredRestart || iceRestart
		peer.mu.Unlock()
		m.logger.Debugw("negotiation in progress, offer deferred",
			"call_id", callID,
			"user_id", userID,
			"ice_restart", iceRestart,
		)
		return nil
	}
	seq := peer.beginNegotiationLocked(iceRestart)
	peer.mu.Unlock()

	ctx, span := tracing.TraceNegotiation(ctx, "offer", string(callID), string(userID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.ICERestartKey.Bool(iceRestart))

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := peer.pc.CreateOffer(opts)
	if err != nil {
		tracing.RecordError(ctx, err)
		m.finishNegotiation(ctx, peer)
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := peer.pc.SetLocalDescription(offer); err != nil {
		tracing.RecordError(ctx, err)
		m.finishNegotiation(ctx, peer)
		return fmt.Errorf("failed to set local description: %w", err)
	}

	err = m.signaling.Send(ctx, domain.EventOffer, domain.SessionDescriptionPayload{
		CallID: callID,
		To:     userID,
		SDP:    offer,
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		// nobody will answer; go back to stable so later offers are not stuck
		if rbErr := peer.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); rbErr != nil {
			m.logger.Warnw("failed to roll back unsent offer", "user_id", userID, "error", rbErr)
		}
		peer.mu.Lock()
		peer.negotiating = false
		peer.mu.Unlock()
		return fmt.Errorf("failed to send offer: %w", err)
	}

	m.armAnswerTimer(peer, seq)
	m.logger.Infow("offer sent",
		"call_id", callID,
		"user_id", userID,
		"ice_restart", iceRestart,
	)
	return nil
}

func (m *PeerManager) armAnswerTimer(peer *Peer, seq uint64) {
	if m.cfg.AnswerTimeout <= 0 {
		return
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	// the answer may already have been applied
	if peer.closed || !peer.negotiating || peer.offerSeq != seq {
		return
	}
	peer.answerTimer = time.AfterFunc(m.cfg.AnswerTimeout, func() { m.answerTimedOut(peer, seq) })
}

// answerTimedOut rolls back an offer whose answer never came, typically
// because it was dropped while signaling was down, and offers again.
func (m *PeerManager) answerTimedOut(peer *Peer, seq uint64) {
	peer.mu.Lock()
	if peer.closed || !peer.negotiating || peer.offerSeq != seq ||
		peer.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		peer.mu.Unlock()
		return
	}
	peer.answerTimer = nil
	if err := peer.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		peer.mu.Unlock()
		m.logger.Warnw("failed to roll back unanswered offer", "user_id", peer.UserID, "error", err)
		return
	}
	peer.deferred = true
	peer.deferredRestart = peer.deferredRestart || peer.offerRestart
	peer.mu.Unlock()

	m.logger.Warnw("offer not answered, offering again",
		"user_id", peer.UserID,
		"timeout", m.cfg.AnswerTimeout,
	)
	m.finishNegotiation(context.Background(), peer)
}

// HandleOffer answers a remote offer, creating the connection when needed.
func (m *PeerManager) HandleOffer(ctx context.Context, from domain.UserID, offer webrtc.SessionDescription) error {
	callID, err := m.negotiableCallID()
	if err != nil {
		m.logger.Errorw("refusing to answer offer", "user_id", from, "error", err)
		return err
	}

	peer, _, err := m.CreateConnection(ctx, from)
	if err != nil {
		return err
	}

	ctx, span := tracing.TraceNegotiation(ctx, "answer", string(callID), string(from))
	defer span.End()

	peer.mu.Lock()
	collision := peer.negotiating || peer.pc.SignalingState() != webrtc.SignalingStateStable
	if collision {
		if !m.polite(from) {
			peer.mu.Unlock()
			m.logger.Infow("ignoring colliding offer", "call_id", callID, "user_id", from)
			return nil
		}
		if err := peer.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			peer.mu.Unlock()
			tracing.RecordError(ctx, err)
			return fmt.Errorf("failed to roll back local offer: %w", err)
		}
		// our own change still has to reach the peer
		peer.deferred = true
		m.logger.Infow("rolled back local offer for colliding remote offer", "call_id", callID, "user_id", from)
	}
	peer.beginNegotiationLocked(false)
	peer.mu.Unlock()

	if err := peer.pc.SetRemoteDescription(offer); err != nil {
		tracing.RecordError(ctx, err)
		m.finishNegotiation(ctx, peer)
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	m.markRemoteReady(peer)

	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		tracing.RecordError(ctx, err)
		m.finishNegotiation(ctx, peer)
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		tracing.RecordError(ctx, err)
		m.finishNegotiation(ctx, peer)
		return fmt.Errorf("failed to set local answer: %w", err)
	}

	err = m.signaling.Send(ctx, domain.EventAnswer, domain.SessionDescriptionPayload{
		CallID: callID,
		To:     from,
		SDP:    answer,
	})
	m.finishNegotiation(ctx, peer)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to send answer: %w", err)
	}

	m.logger.Infow("answer sent", "call_id", callID, "user_id", from)
	return nil
}

// HandleAnswer applies the answer to an offer sent earlier.
func (m *PeerManager) HandleAnswer(ctx context.Context, from domain.UserID, answer webrtc.SessionDescription) error {
	peer, ok := m.Peer(from)
	if !ok {
		m.logger.Warnw("answer for unknown peer", "user_id", from)
		return domain.ErrPeerNotFound
	}

	if state := peer.pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		m.logger.Warnw("ignoring unexpected answer", "user_id", from, "signaling_state", state.String())
		return nil
	}

	if err := peer.pc.SetRemoteDescription(answer); err != nil {
		m.finishNegotiation(ctx, peer)
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	m.markRemoteReady(peer)
	m.finishNegotiation(ctx, peer)

	m.logger.Infow("answer applied", "user_id", from)
	return nil
}

// finishNegotiation clears the in-flight flag and replays a deferred offer.
func (m *PeerManager) finishNegotiation(ctx context.Context, peer *Peer) {
	peer.mu.Lock()
	started := peer.negotiatedSince
	wasNegotiating := peer.negotiating
	peer.negotiating = false
	peer.stopAnswerTimerLocked()
	replay := peer.deferred && !peer.closed
	restart := peer.deferredRestart
	if replay {
		peer.deferred = false
		peer.deferredRestart = false
	}
	peer.mu.Unlock()

	if wasNegotiating && !started.IsZero() {
		m.metrics.NegotiationCompleted("offer_answer", time.Since(started))
	}

	if replay {
		m.logger.Debugw("replaying deferred offer", "user_id", peer.UserID, "ice_restart", restart)
		if err := m.SendOffer(context.WithoutCancel(ctx), peer.UserID, restart); err != nil {
			m.logger.Warnw("deferred offer failed", "user_id", peer.UserID, "error", err)
		}
	}
}

// polite reports whether the local side yields on offer collisions with
// remote. The lexicographically greater user id is polite.
func (m *PeerManager) polite(remote domain.UserID) bool {
	return m.identity.CurrentUser().ID > remote
}

func (m *PeerManager) negotiableCallID() (domain.CallID, error) {
	call := m.calls.Call()
	if call == nil {
		return "", domain.ErrNoActiveCall
	}
	if call.ID.IsPending() {
		return "", domain.ErrCallPending
	}
	return call.ID, nil
}

func (m *PeerManager) handleRemoteTrack(peer *Peer, track domain.RemoteTrack) {
	peer.mu.Lock()
	peer.remoteStream = peer.remoteStream.WithTrack(track)
	stream := peer.remoteStream
	peer.mu.Unlock()

	m.logger.Infow("remote track received",
		"user_id", peer.UserID,
		"track_id", track.ID(),
		"kind", track.Kind().String(),
	)
	if m.onRemoteStream != nil {
		m.onRemoteStream(peer.UserID, stream)
	}
}

func (m *PeerManager) handleLocalCandidate(peer *Peer, candidate webrtc.ICECandidateInit) {
	call := m.calls.Call()
	if call == nil || call.ID.IsPending() {
		m.logger.Debugw("suppressing local ICE candidate, call id not assigned", "user_id", peer.UserID)
		return
	}

	err := m.signaling.Send(context.Background(), domain.EventICECandidate, domain.ICECandidatePayload{
		CallID:    call.ID,
		To:        peer.UserID,
		Candidate: candidate,
	})
	if err != nil {
		m.logger.Debugw("failed to send ICE candidate", "call_id", call.ID, "user_id", peer.UserID, "error", err)
	}
}

func (m *PeerManager) handleConnectionState(peer *Peer, state webrtc.PeerConnectionState) {
	m.metrics.PeerStateChanged(state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		peer.stopDisconnectTimer()
		m.logger.Infow("peer connected", "user_id", peer.UserID)

	case webrtc.PeerConnectionStateFailed:
		peer.stopDisconnectTimer()
		m.logger.Warnw("peer connection failed, restarting ICE", "user_id", peer.UserID)
		if m.recovery != nil {
			m.recovery.connectionFailed(peer.UserID)
		}

	case webrtc.PeerConnectionStateDisconnected:
		m.logger.Warnw("peer disconnected, waiting for recovery",
			"user_id", peer.UserID,
			"grace", m.cfg.DisconnectGrace,
		)
		peer.mu.Lock()
		if peer.disconnected == nil && !peer.closed {
			peer.disconnected = time.AfterFunc(m.cfg.DisconnectGrace, func() {
				peer.mu.Lock()
				peer.disconnected = nil
				closed := peer.closed
				peer.mu.Unlock()

				if closed || peer.pc.ConnectionState() != webrtc.PeerConnectionStateDisconnected {
					return
				}
				m.logger.Warnw("peer still disconnected, renegotiating", "user_id", peer.UserID)
				if m.recovery != nil {
					m.recovery.disconnectTimedOut(peer.UserID)
				}
			})
		}
		peer.mu.Unlock()

	case webrtc.PeerConnectionStateClosed:
		m.mu.Lock()
		if current, ok := m.peers[peer.UserID]; ok && current == peer {
			delete(m.peers, peer.UserID)
		}
		count := len(m.peers)
		m.mu.Unlock()
		peer.stopDisconnectTimer()
		m.metrics.PeerConnectionsChanged(count)
	}
}
