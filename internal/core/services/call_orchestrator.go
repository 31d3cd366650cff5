package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"
	"meshcall/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type OrchestratorConfig struct {
	PendingTimeout  time.Duration
	MaxAge          time.Duration
	RingTimeout     time.Duration
	DisconnectGrace time.Duration
	AnswerTimeout   time.Duration
	ICEServers      []webrtc.ICEServer
	Video           domain.VideoConstraints
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		PendingTimeout:  30 * time.Second,
		MaxAge:          5 * time.Minute,
		RingTimeout:     30 * time.Second,
		DisconnectGrace: 5 * time.Second,
		AnswerTimeout:   10 * time.Second,
		Video:           domain.VideoConstraints{Width: 1280, Height: 720, FrameRate: 30},
	}
}

// Dependencies of an Orchestrator. Repository, Metrics, Logger and Now are
// optional.
type Dependencies struct {
	Signaling   ports.SignalingTransport
	Store       ports.CallStore
	Repository  ports.CallRepository
	Identity    ports.Identity
	Devices     ports.MediaDevices
	PeerFactory ports.PeerConnectionFactory
	Metrics     ports.CallMetrics
	Logger      *zap.SugaredLogger
	Now         func() time.Time
}

type incomingEntry struct {
	call  domain.IncomingCall
	timer *time.Timer
}

// Orchestrator drives the call lifecycle: it reacts to signaling events and
// user intents and coordinates media, peer connections and call state.
type Orchestrator struct {
	cfg       OrchestratorConfig
	signaling ports.SignalingTransport
	store     ports.CallStore
	repo      ports.CallRepository
	identity  ports.Identity
	metrics   ports.CallMetrics
	logger    *zap.SugaredLogger
	now       func() time.Time

	media *MediaService
	peers *PeerManager
	reneg *Renegotiator

	// opMu serializes intents and signaling events. Everything below it is
	// only touched while it is held.
	opMu     sync.Mutex
	incoming map[domain.CallID]*incomingEntry
	invited  map[domain.UserID]struct{}
	// abandoned counts pending calls ended locally before the server
	// assigned their id.
	abandoned    int
	pendingTimer *time.Timer
	outbox       []func()

	obsMu       sync.RWMutex
	onIncoming  []func(domain.IncomingCall)
	onEnded     []func(domain.CallID, domain.EndReason)
	unsubscribe []func()
}

var _ ports.CallService = (*Orchestrator)(nil)

func NewOrchestrator(cfg OrchestratorConfig, deps Dependencies) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	o := &Orchestrator{
		cfg:       cfg,
		signaling: deps.Signaling,
		store:     deps.Store,
		repo:      deps.Repository,
		identity:  deps.Identity,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
		incoming:  make(map[domain.CallID]*incomingEntry),
		invited:   make(map[domain.UserID]struct{}),
	}

	o.media = NewMediaService(deps.Devices, cfg.Video, deps.Logger, deps.Metrics)
	o.peers = NewPeerManager(PeerManagerConfig{
		DisconnectGrace: cfg.DisconnectGrace,
		AnswerTimeout:   cfg.AnswerTimeout,
		ICEServers:      cfg.ICEServers,
	}, deps.PeerFactory, deps.Signaling, deps.Store, deps.Identity, deps.Logger, deps.Metrics)
	o.reneg = NewRenegotiator(o.peers, deps.Store, deps.Logger, deps.Metrics)

	o.peers.OnRemoteStream(o.handleRemoteStream)
	o.peers.SetScreenSource(o.media.ScreenTrack)
	o.reneg.OnUnrecoverable(o.handleUnrecoverable)
	return o
}

func (o *Orchestrator) Peers() *PeerManager { return o.peers }

func (o *Orchestrator) Media() *MediaService { return o.media }

// OnIncoming registers an observer for ringing calls. Observers run after
// the event has been applied and may call back into the orchestrator.
func (o *Orchestrator) OnIncoming(fn func(domain.IncomingCall)) {
	o.obsMu.Lock()
	o.onIncoming = append(o.onIncoming, fn)
	o.obsMu.Unlock()
}

func (o *Orchestrator) OnEnded(fn func(domain.CallID, domain.EndReason)) {
	o.obsMu.Lock()
	o.onEnded = append(o.onEnded, fn)
	o.obsMu.Unlock()
}

// Start subscribes to the signaling events the call layer handles.
func (o *Orchestrator) Start(ctx context.Context) {
	subs := []func(){
		o.signaling.Subscribe(domain.EventCallInitiated, decode(o, domain.EventCallInitiated, o.onInitiated)),
		o.signaling.Subscribe(domain.EventCallIncoming, decode(o, domain.EventCallIncoming, o.onIncomingCall)),
		o.signaling.Subscribe(domain.EventCallAccepted, decode(o, domain.EventCallAccepted, o.onJoined)),
		o.signaling.Subscribe(domain.EventParticipantJoined, decode(o, domain.EventParticipantJoined, o.onJoined)),
		o.signaling.Subscribe(domain.EventCallRejected, decode(o, domain.EventCallRejected, o.onRejected)),
		o.signaling.Subscribe(domain.EventCallMissed, decode(o, domain.EventCallMissed, o.onMissed)),
		o.signaling.Subscribe(domain.EventCallEnded, decode(o, domain.EventCallEnded, o.onEndedRemotely)),
		o.signaling.Subscribe(domain.EventParticipantLeft, decode(o, domain.EventParticipantLeft, o.onLeft)),
		o.signaling.Subscribe(domain.EventParticipantMediaToggle, decode(o, domain.EventParticipantMediaToggle, o.onMediaToggle)),
		o.signaling.Subscribe(domain.EventOffer, decode(o, domain.EventOffer, o.onOffer)),
		o.signaling.Subscribe(domain.EventAnswer, decode(o, domain.EventAnswer, o.onAnswer)),
		o.signaling.Subscribe(domain.EventICECandidate, decode(o, domain.EventICECandidate, o.onICECandidate)),
		o.signaling.Subscribe(domain.EventTURNCredentials, decode(o, domain.EventTURNCredentials, o.onTURNCredentials)),
	}

	o.signaling.OnConnectionChange(func(connected bool) {
		if connected {
			o.logger.Infow("signaling connected")
			return
		}
		o.logger.Warnw("signaling disconnected, outgoing messages will be dropped")
	})

	o.obsMu.Lock()
	o.unsubscribe = append(o.unsubscribe, subs...)
	o.obsMu.Unlock()
}

// Close unsubscribes from signaling and stops pending ring timers. An active
// call is left untouched.
func (o *Orchestrator) Close() {
	o.obsMu.Lock()
	subs := o.unsubscribe
	o.unsubscribe = nil
	o.obsMu.Unlock()
	for _, unsub := range subs {
		unsub()
	}

	o.opMu.Lock()
	for id, e := range o.incoming {
		e.timer.Stop()
		delete(o.incoming, id)
	}
	o.stopPendingTimer()
	o.opMu.Unlock()
}

// decode turns a typed event handler into a signaling handler that runs
// serialized with every other operation.
func decode[T any](o *Orchestrator, event string, fn func(ctx context.Context, payload T)) ports.SignalHandler {
	return func(ctx context.Context, data json.RawMessage) {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			o.logger.Warnw("dropping malformed signaling payload", "event", event, "error", err)
			return
		}
		o.serialize(func() { fn(ctx, payload) })
	}
}

// serialize runs fn under opMu, then delivers queued observer notifications.
func (o *Orchestrator) serialize(fn func()) {
	o.opMu.Lock()
	fn()
	outbox := o.outbox
	o.outbox = nil
	o.opMu.Unlock()

	for _, notify := range outbox {
		notify()
	}
}

// InitiateCall starts an outgoing call. It returns once local media is
// ready; the server assigns the call id asynchronously.
func (o *Orchestrator) InitiateCall(ctx context.Context, conversationID domain.ConversationID, callType domain.CallType, participantIDs []domain.UserID) (*domain.Call, error) {
	if !callType.Valid() {
		return nil, domain.ErrInvalidCallType
	}
	self := o.identity.CurrentUser()

	invitees := make([]domain.UserID, 0, len(participantIDs))
	for _, id := range participantIDs {
		if id != "" && id != self.ID {
			invitees = append(invitees, id)
		}
	}
	if len(invitees) == 0 {
		return nil, apperrors.NewInvalidInputError("at least one other participant is required")
	}

	ctx, span := tracing.TraceCall(ctx, "initiate", string(domain.PendingCallID), string(self.ID))
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		tracing.CallTypeKey.String(string(callType)),
		tracing.ConversationIDKey.String(string(conversationID)),
	)

	var (
		result *domain.Call
		err    error
	)
	o.serialize(func() {
		if o.store.Call() != nil {
			err = domain.ErrCallInProgress
			return
		}

		stream, mediaErr := o.media.AcquireLocalStream(ctx, callType == domain.CallTypeVideo)
		if mediaErr != nil {
			err = mediaErr
			return
		}

		call := &domain.Call{
			ID:             domain.PendingCallID,
			ConversationID: conversationID,
			Type:           callType,
			InitiatorID:    self.ID,
			Status:         domain.CallStatusOutgoing,
			Participants:   make(map[domain.UserID]*domain.Participant),
			IsAudioEnabled: true,
			IsVideoEnabled: callType == domain.CallTypeVideo,
			CreatedAt:      o.now(),
		}
		o.store.SetCall(call)
		o.store.SetLocalStream(stream)
		o.armPendingTimer(call.CreatedAt)
		o.invited = make(map[domain.UserID]struct{}, len(invitees))
		for _, id := range invitees {
			o.invited[id] = struct{}{}
		}
		o.persist(ctx)

		sendErr := o.signaling.Send(ctx, domain.EventCallInitiate, domain.InitiatePayload{
			ConversationID: conversationID,
			CallType:       callType,
			ParticipantIDs: invitees,
		})
		if sendErr != nil {
			o.teardown(ctx, domain.EndReasonFailed, "")
			err = fmt.Errorf("failed to send call initiation: %w", sendErr)
			return
		}

		o.metrics.CallStarted(callType, "outgoing")
		o.logger.Infow("call initiated",
			"conversation_id", conversationID,
			"call_type", callType,
			"participants", len(invitees),
		)
		result = o.store.Call()
	})
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return result, err
}

// AcceptCall answers a ringing call. The caller's connection is created in
// answerer role; the caller sends the offer.
func (o *Orchestrator) AcceptCall(ctx context.Context, callID domain.CallID) error {
	self := o.identity.CurrentUser()
	ctx, span := tracing.TraceCall(ctx, "accept", string(callID), string(self.ID))
	defer span.End()

	var err error
	o.serialize(func() {
		entry, ok := o.incoming[callID]
		if !ok {
			err = domain.ErrCallNotFound
			return
		}
		if o.store.Call() != nil {
			err = domain.ErrCallInProgress
			return
		}

		// a failed capture leaves the call ringing
		stream, mediaErr := o.media.AcquireLocalStream(ctx, entry.call.Type == domain.CallTypeVideo)
		if mediaErr != nil {
			err = mediaErr
			return
		}

		entry.timer.Stop()
		delete(o.incoming, callID)

		incoming := entry.call
		o.store.SetCall(&domain.Call{
			ID:             callID,
			ConversationID: incoming.ConversationID,
			Type:           incoming.Type,
			InitiatorID:    incoming.Caller.ID,
			Status:         domain.CallStatusActive,
			Participants:   make(map[domain.UserID]*domain.Participant),
			IsAudioEnabled: true,
			IsVideoEnabled: incoming.Type == domain.CallTypeVideo,
			CreatedAt:      o.now(),
		})
		o.store.SetLocalStream(stream)
		if addErr := o.store.AddParticipant(o.newParticipant(domain.UserInfo{
			UserID:    incoming.Caller.ID,
			Username:  incoming.Caller.Username,
			AvatarURL: incoming.Caller.AvatarURL,
		}, incoming.Type)); addErr != nil {
			o.logger.Warnw("failed to register caller", "call_id", callID, "error", addErr)
		}
		o.persist(ctx)

		if _, _, connErr := o.peers.CreateConnection(ctx, incoming.Caller.ID); connErr != nil {
			o.teardown(ctx, domain.EndReasonFailed, domain.EventCallReject)
			err = connErr
			return
		}

		if sendErr := o.signaling.Send(ctx, domain.EventCallAccept, domain.CallRefPayload{CallID: callID}); sendErr != nil {
			o.teardown(ctx, domain.EndReasonFailed, "")
			err = fmt.Errorf("failed to send call acceptance: %w", sendErr)
			return
		}

		o.metrics.CallStarted(incoming.Type, "incoming")
		o.logger.Infow("call accepted",
			"call_id", callID,
			"user_id", incoming.Caller.ID,
			"call_type", incoming.Type,
		)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

// RejectCall declines a ringing call, or leaves the current call when callID
// names it.
func (o *Orchestrator) RejectCall(ctx context.Context, callID domain.CallID) error {
	var err error
	o.serialize(func() {
		if entry, ok := o.incoming[callID]; ok {
			entry.timer.Stop()
			delete(o.incoming, callID)
			if sendErr := o.signaling.Send(ctx, domain.EventCallReject, domain.CallRefPayload{CallID: callID}); sendErr != nil {
				err = fmt.Errorf("failed to send call rejection: %w", sendErr)
			}
			o.logger.Infow("incoming call rejected", "call_id", callID)
			return
		}

		if call := o.store.Call(); call != nil && call.ID == callID {
			o.teardown(ctx, domain.EndReasonRejected, domain.EventCallReject)
			return
		}
		err = domain.ErrCallNotFound
	})
	return err
}

// EndCall hangs up the current call. Calling it without a call, or more
// than once, does nothing.
func (o *Orchestrator) EndCall(ctx context.Context) error {
	ctx, span := tracing.TraceCall(ctx, "end", "", string(o.identity.CurrentUser().ID))
	defer span.End()

	o.serialize(func() {
		o.teardown(ctx, domain.EndReasonLocal, domain.EventCallEnd)
	})
	return nil
}

// teardown releases everything the call holds. The store hands the call out
// exactly once, which makes the rest run at most once per call. notifyEvent
// is sent to the server when non-empty.
func (o *Orchestrator) teardown(ctx context.Context, reason domain.EndReason, notifyEvent string) {
	duration := o.store.Duration(o.now())
	call := o.store.Clear()
	if call == nil {
		return
	}
	o.invited = make(map[domain.UserID]struct{})
	o.stopPendingTimer()

	o.peers.CloseAll()
	o.peers.ClearPendingCandidates()
	o.media.StopAll()
	if o.repo != nil {
		if err := o.repo.Delete(ctx); err != nil {
			o.logger.Warnw("failed to delete persisted call", "call_id", call.ID, "error", err)
		}
	}

	if notifyEvent != "" {
		if call.ID.IsPending() {
			o.abandoned++
		} else if err := o.signaling.Send(ctx, notifyEvent, domain.CallRefPayload{CallID: call.ID}); err != nil {
			o.logger.Warnw("failed to notify call end", "call_id", call.ID, "event", notifyEvent, "error", err)
		}
	}

	o.metrics.CallEnded(reason, duration)
	o.logger.Infow("call ended",
		"call_id", call.ID,
		"reason", reason,
		"duration", duration,
	)

	o.obsMu.RLock()
	observers := append(([]func(domain.CallID, domain.EndReason))(nil), o.onEnded...)
	o.obsMu.RUnlock()
	id := call.ID
	o.outbox = append(o.outbox, func() {
		for _, fn := range observers {
			fn(id, reason)
		}
	})
}

// Restore inspects the call persisted by a previous run. Stale calls are
// discarded; others are put back in the store without connections.
func (o *Orchestrator) Restore(ctx context.Context) (*domain.Call, error) {
	if o.repo == nil {
		return nil, nil
	}

	snap, err := o.repo.Load(ctx)
	if errors.Is(err, domain.ErrCallNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted call: %w", err)
	}

	if snap.IsStale(o.now(), o.cfg.PendingTimeout, o.cfg.MaxAge) {
		o.logger.Infow("discarding stale call",
			"call_id", snap.ID,
			"created_at", snap.CreatedAt,
		)
		o.metrics.CallEnded(domain.EndReasonStale, 0)
		if err := o.repo.Delete(ctx); err != nil {
			return nil, fmt.Errorf("failed to delete stale call: %w", err)
		}
		return nil, nil
	}

	var restored *domain.Call
	o.serialize(func() {
		if o.store.Call() != nil {
			return
		}
		o.store.SetCall(&domain.Call{
			ID:             snap.ID,
			ConversationID: snap.ConversationID,
			Type:           snap.Type,
			InitiatorID:    snap.InitiatorID,
			Status:         snap.Status,
			Participants:   make(map[domain.UserID]*domain.Participant),
			CreatedAt:      snap.CreatedAt,
		})
		if snap.ID.IsPending() {
			// the id was addressed to the previous process and will not come
			o.armPendingTimer(snap.CreatedAt)
		}
		restored = o.store.Call()
		o.logger.Infow("restored persisted call", "call_id", snap.ID, "status", snap.Status)
	})
	return restored, nil
}

// armPendingTimer ends the current call if the server has not assigned its
// id within PendingTimeout of createdAt. opMu must be held.
func (o *Orchestrator) armPendingTimer(createdAt time.Time) {
	o.stopPendingTimer()
	if o.cfg.PendingTimeout <= 0 {
		return
	}
	wait := o.cfg.PendingTimeout - o.now().Sub(createdAt)
	if wait < 0 {
		wait = 0
	}
	o.pendingTimer = time.AfterFunc(wait, func() {
		o.serialize(func() { o.expirePending(createdAt) })
	})
}

func (o *Orchestrator) stopPendingTimer() {
	if o.pendingTimer != nil {
		o.pendingTimer.Stop()
		o.pendingTimer = nil
	}
}

func (o *Orchestrator) expirePending(createdAt time.Time) {
	call := o.store.Call()
	if call == nil || !call.ID.IsPending() || !call.CreatedAt.Equal(createdAt) {
		return
	}
	o.logger.Warnw("call id never assigned, discarding call",
		"conversation_id", call.ConversationID,
		"pending_timeout", o.cfg.PendingTimeout,
	)
	// not counted as abandoned: a late id would otherwise end the next call
	o.teardown(context.Background(), domain.EndReasonStale, "")
}

func (o *Orchestrator) ToggleAudio(ctx context.Context) (bool, error) {
	return o.toggle(ctx, domain.MediaKindAudio, domain.MediaTypeAudio, o.store.SetAudioEnabled)
}

func (o *Orchestrator) ToggleVideo(ctx context.Context) (bool, error) {
	return o.toggle(ctx, domain.MediaKindVideo, domain.MediaTypeVideo, o.store.SetVideoEnabled)
}

func (o *Orchestrator) toggle(ctx context.Context, kind domain.MediaKind, mediaType string, set func(bool) error) (bool, error) {
	var (
		enabled bool
		err     error
	)
	o.serialize(func() {
		if o.store.Call() == nil {
			err = domain.ErrNoActiveCall
			return
		}
		enabled, err = o.media.ToggleTrackKind(kind)
		if err != nil {
			return
		}
		if setErr := set(enabled); setErr != nil {
			err = setErr
			return
		}
		o.announceMedia(ctx, mediaType, enabled)
	})
	return enabled, err
}

// SwitchToVideo upgrades an audio call: it captures the camera and
// renegotiates every connection.
func (o *Orchestrator) SwitchToVideo(ctx context.Context) error {
	var err error
	o.serialize(func() {
		call, callErr := o.negotiableCall()
		if callErr != nil {
			err = callErr
			return
		}

		if camera := o.media.CameraTrack(); camera != nil {
			camera.SetEnabled(true)
		} else {
			track, mediaErr := o.media.AcquireCameraTrack(ctx)
			if mediaErr != nil {
				err = mediaErr
				return
			}
			o.store.SetLocalStream(o.media.AppendTrack(track))
			if addErr := o.reneg.AddTrack(ctx, track); addErr != nil {
				o.logger.Warnw("renegotiation after video upgrade incomplete", "call_id", call.ID, "error", addErr)
			}
		}

		_ = o.store.SetVideoEnabled(true)
		o.announceMedia(ctx, domain.MediaTypeVideo, true)
		o.logger.Infow("switched to video", "call_id", call.ID)
	})
	return err
}

// StartScreenShare replaces the outbound camera video with the screen.
func (o *Orchestrator) StartScreenShare(ctx context.Context) error {
	var err error
	o.serialize(func() {
		call, callErr := o.negotiableCall()
		if callErr != nil {
			err = callErr
			return
		}
		if call.IsScreenSharing {
			return
		}

		screen, mediaErr := o.media.AcquireScreenTrack(ctx)
		if mediaErr != nil {
			err = mediaErr
			return
		}
		if replaceErr := o.reneg.ReplaceVideoTrack(ctx, screen.Track()); replaceErr != nil {
			o.logger.Warnw("screen track not applied to every connection", "call_id", call.ID, "error", replaceErr)
		}

		_ = o.store.SetScreenSharing(true)
		o.announceMedia(ctx, domain.MediaTypeScreen, true)
		o.logger.Infow("screen share started", "call_id", call.ID)
	})
	return err
}

// StopScreenShare puts the camera back on the video senders. No
// renegotiation takes place.
func (o *Orchestrator) StopScreenShare(ctx context.Context) error {
	var err error
	o.serialize(func() {
		call := o.store.Call()
		if call == nil {
			err = domain.ErrNoActiveCall
			return
		}
		if !call.IsScreenSharing {
			return
		}

		var camera webrtc.TrackLocal
		if t := o.media.CameraTrack(); t != nil {
			camera = t.Track()
		}
		if replaceErr := o.reneg.ReplaceVideoTrack(ctx, camera); replaceErr != nil {
			o.logger.Warnw("camera track not restored on every connection", "call_id", call.ID, "error", replaceErr)
		}
		o.media.ReleaseScreenTrack()

		_ = o.store.SetScreenSharing(false)
		o.announceMedia(ctx, domain.MediaTypeScreen, false)
		o.logger.Infow("screen share stopped", "call_id", call.ID)
	})
	return err
}

func (o *Orchestrator) CurrentCall() *domain.Call {
	return o.store.Call()
}

// PendingIncoming lists ringing calls, oldest first.
func (o *Orchestrator) PendingIncoming() []domain.IncomingCall {
	o.opMu.Lock()
	out := make([]domain.IncomingCall, 0, len(o.incoming))
	for _, e := range o.incoming {
		out = append(out, e.call)
	}
	o.opMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

func (o *Orchestrator) CallDuration() time.Duration {
	return o.store.Duration(o.now())
}

func (o *Orchestrator) negotiableCall() (*domain.Call, error) {
	call := o.store.Call()
	if call == nil {
		return nil, domain.ErrNoActiveCall
	}
	if call.ID.IsPending() {
		return nil, domain.ErrCallPending
	}
	return call, nil
}

func (o *Orchestrator) announceMedia(ctx context.Context, mediaType string, enabled bool) {
	call := o.store.Call()
	if call == nil || call.ID.IsPending() {
		return
	}
	err := o.signaling.Send(ctx, domain.EventParticipantMediaToggle, domain.MediaTogglePayload{
		CallID:    call.ID,
		UserID:    o.identity.CurrentUser().ID,
		MediaType: mediaType,
		Enabled:   enabled,
	})
	if err != nil {
		o.logger.Warnw("failed to announce media change", "call_id", call.ID, "media_type", mediaType, "error", err)
	}
}

func (o *Orchestrator) persist(ctx context.Context) {
	if o.repo == nil {
		return
	}
	call := o.store.Call()
	if call == nil {
		return
	}
	if err := o.repo.Save(ctx, call.Snapshot()); err != nil {
		o.logger.Warnw("failed to persist call", "call_id", call.ID, "error", err)
	}
}

func (o *Orchestrator) newParticipant(user domain.UserInfo, callType domain.CallType) domain.Participant {
	return domain.Participant{
		UserID:         user.UserID,
		Username:       user.Username,
		AvatarURL:      user.AvatarURL,
		IsAudioEnabled: true,
		IsVideoEnabled: callType == domain.CallTypeVideo,
	}
}

// currentCall returns the call when id names it.
func (o *Orchestrator) currentCall(id domain.CallID) (*domain.Call, bool) {
	call := o.store.Call()
	if call == nil || id == "" || call.ID != id {
		return nil, false
	}
	return call, true
}

func (o *Orchestrator) isSelf(id domain.UserID) bool {
	return id == o.identity.CurrentUser().ID
}

// dismissIncoming drops a ringing call without answering it.
func (o *Orchestrator) dismissIncoming(id domain.CallID) bool {
	entry, ok := o.incoming[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(o.incoming, id)
	return true
}

// onInitiated applies a server-assigned id. Ids arrive in the order the
// calls were initiated, so those owed to abandoned calls come first.
func (o *Orchestrator) onInitiated(ctx context.Context, p domain.InitiatedPayload) {
	if o.abandoned > 0 {
		o.abandoned--
		o.logger.Infow("ending call abandoned before it was assigned an id", "call_id", p.CallID)
		if err := o.signaling.Send(ctx, domain.EventCallEnd, domain.CallRefPayload{CallID: p.CallID}); err != nil {
			o.logger.Warnw("failed to end abandoned call", "call_id", p.CallID, "error", err)
		}
		return
	}

	call := o.store.Call()
	if call == nil || !call.ID.IsPending() || (p.ConversationID != "" && p.ConversationID != call.ConversationID) {
		o.logger.Debugw("ignoring unexpected call id assignment", "call_id", p.CallID)
		return
	}

	if err := o.store.SetCallID(p.CallID); err != nil {
		o.logger.Warnw("failed to apply call id", "call_id", p.CallID, "error", err)
		return
	}
	o.stopPendingTimer()
	o.peers.AddICEServers(p.ICEServers)
	o.persist(ctx)
	o.logger.Infow("call id assigned", "call_id", p.CallID, "ice_servers", len(p.ICEServers))
}

func (o *Orchestrator) onIncomingCall(ctx context.Context, p domain.IncomingPayload) {
	if o.isSelf(p.From.UserID) {
		return
	}
	if _, ringing := o.incoming[p.CallID]; ringing {
		return
	}
	if _, current := o.currentCall(p.CallID); current {
		return
	}

	callType := p.CallType
	if !callType.Valid() {
		callType = domain.CallTypeAudio
	}
	incoming := domain.IncomingCall{
		CallID:         p.CallID,
		ConversationID: p.ConversationID,
		Type:           callType,
		Caller:         p.From.User(),
		ReceivedAt:     o.now(),
	}

	callID := p.CallID
	o.incoming[callID] = &incomingEntry{
		call: incoming,
		timer: time.AfterFunc(o.cfg.RingTimeout, func() {
			o.serialize(func() { o.expireIncoming(callID) })
		}),
	}
	o.logger.Infow("incoming call",
		"call_id", callID,
		"user_id", p.From.UserID,
		"call_type", callType,
	)

	o.obsMu.RLock()
	observers := append(([]func(domain.IncomingCall))(nil), o.onIncoming...)
	o.obsMu.RUnlock()
	o.outbox = append(o.outbox, func() {
		for _, fn := range observers {
			fn(incoming)
		}
	})
}

func (o *Orchestrator) expireIncoming(callID domain.CallID) {
	if !o.dismissIncoming(callID) {
		return
	}
	o.logger.Infow("incoming call not answered, rejecting", "call_id", callID)
	if err := o.signaling.Send(context.Background(), domain.EventCallReject, domain.CallRefPayload{CallID: callID}); err != nil {
		o.logger.Warnw("failed to send automatic rejection", "call_id", callID, "error", err)
	}
}

// onJoined handles call:accepted and call:participant:joined. Members already
// in the call offer to the newcomer; the newcomer waits.
func (o *Orchestrator) onJoined(ctx context.Context, p domain.ParticipantPayload) {
	if o.isSelf(p.UserID) {
		// answered on another device
		o.dismissIncoming(p.CallID)
		return
	}
	call, ok := o.currentCall(p.CallID)
	if !ok {
		o.logger.Debugw("ignoring join for another call", "call_id", p.CallID, "user_id", p.UserID)
		return
	}

	if err := o.store.AddParticipant(o.newParticipant(p.UserInfo, call.Type)); err != nil {
		o.logger.Warnw("failed to add participant", "call_id", call.ID, "user_id", p.UserID, "error", err)
		return
	}
	if call.Status != domain.CallStatusActive {
		_ = o.store.SetStatus(domain.CallStatusActive)
	}
	delete(o.invited, p.UserID)
	o.persist(ctx)

	_, created, err := o.peers.CreateConnection(ctx, p.UserID)
	if err != nil {
		o.logger.Errorw("failed to connect to participant", "call_id", call.ID, "user_id", p.UserID, "error", err)
		return
	}
	if !created {
		return
	}
	if err := o.peers.SendOffer(ctx, p.UserID, false); err != nil {
		o.logger.Errorw("failed to offer to participant", "call_id", call.ID, "user_id", p.UserID, "error", err)
	}
}

func (o *Orchestrator) onRejected(ctx context.Context, p domain.ActorPayload) {
	if o.isSelf(p.UserID) {
		o.dismissIncoming(p.CallID)
		return
	}
	if _, ok := o.currentCall(p.CallID); !ok {
		return
	}
	o.logger.Infow("invitation rejected", "call_id", p.CallID, "user_id", p.UserID)
	o.dropInvitee(ctx, p.UserID, domain.EndReasonRejected)
}

func (o *Orchestrator) onMissed(ctx context.Context, p domain.ActorPayload) {
	if o.dismissIncoming(p.CallID) {
		o.logger.Infow("incoming call missed", "call_id", p.CallID)
		return
	}
	if _, ok := o.currentCall(p.CallID); !ok {
		return
	}
	if p.UserID == "" {
		o.teardown(ctx, domain.EndReasonMissed, "")
		return
	}
	o.dropInvitee(ctx, p.UserID, domain.EndReasonMissed)
}

// dropInvitee ends the call once nobody is connected or still ringing.
func (o *Orchestrator) dropInvitee(ctx context.Context, userID domain.UserID, reason domain.EndReason) {
	delete(o.invited, userID)
	call := o.store.Call()
	if call == nil {
		return
	}
	if len(o.invited) == 0 && len(call.RemoteParticipants(o.identity.CurrentUser().ID)) == 0 {
		o.teardown(ctx, reason, "")
	}
}

func (o *Orchestrator) onEndedRemotely(ctx context.Context, p domain.ActorPayload) {
	if p.UserID != "" && o.isSelf(p.UserID) {
		return
	}
	if o.dismissIncoming(p.CallID) {
		o.logger.Infow("incoming call cancelled by caller", "call_id", p.CallID)
		return
	}
	if _, ok := o.currentCall(p.CallID); !ok {
		return
	}
	o.teardown(ctx, domain.EndReasonRemote, "")
}

func (o *Orchestrator) onLeft(ctx context.Context, p domain.ActorPayload) {
	if o.isSelf(p.UserID) {
		return
	}
	if _, ok := o.currentCall(p.CallID); !ok {
		return
	}

	o.peers.CloseConnection(p.UserID)
	if err := o.store.RemoveParticipant(p.UserID); err != nil && !errors.Is(err, domain.ErrPeerNotFound) {
		o.logger.Warnw("failed to remove participant", "call_id", p.CallID, "user_id", p.UserID, "error", err)
	}
	o.logger.Infow("participant left", "call_id", p.CallID, "user_id", p.UserID)
	o.dropInvitee(ctx, p.UserID, domain.EndReasonRemote)
}

func (o *Orchestrator) onMediaToggle(_ context.Context, p domain.MediaTogglePayload) {
	if o.isSelf(p.UserID) {
		return
	}
	if _, ok := o.currentCall(p.CallID); !ok {
		return
	}

	err := o.store.UpdateParticipant(p.UserID, func(part *domain.Participant) {
		switch p.MediaType {
		case domain.MediaTypeAudio:
			part.IsAudioEnabled = p.Enabled
		case domain.MediaTypeVideo:
			part.IsVideoEnabled = p.Enabled
		case domain.MediaTypeScreen:
			part.IsScreenSharing = p.Enabled
		}
	})
	if err != nil {
		o.logger.Debugw("media toggle for unknown participant", "call_id", p.CallID, "user_id", p.UserID)
	}
}

func (o *Orchestrator) onOffer(ctx context.Context, p domain.SessionDescriptionPayload) {
	call, ok := o.currentCall(p.CallID)
	if !ok || o.isSelf(p.From) {
		o.logger.Debugw("ignoring offer", "call_id", p.CallID, "user_id", p.From)
		return
	}

	if _, known := call.Participants[p.From]; !known {
		// mesh members that joined earlier introduce themselves with an offer
		_ = o.store.AddParticipant(o.newParticipant(domain.UserInfo{UserID: p.From}, call.Type))
		delete(o.invited, p.From)
	}

	if err := o.peers.HandleOffer(ctx, p.From, p.SDP); err != nil {
		o.logger.Errorw("failed to handle offer", "call_id", p.CallID, "user_id", p.From, "error", err)
	}
}

func (o *Orchestrator) onAnswer(ctx context.Context, p domain.SessionDescriptionPayload) {
	if _, ok := o.currentCall(p.CallID); !ok {
		return
	}
	if err := o.peers.HandleAnswer(ctx, p.From, p.SDP); err != nil {
		o.logger.Warnw("failed to handle answer", "call_id", p.CallID, "user_id", p.From, "error", err)
	}
}

func (o *Orchestrator) onICECandidate(ctx context.Context, p domain.ICECandidatePayload) {
	if _, ok := o.currentCall(p.CallID); !ok {
		return
	}
	o.peers.AddICECandidate(ctx, p.From, p.Candidate)
}

func (o *Orchestrator) onTURNCredentials(_ context.Context, p domain.TURNCredentialsPayload) {
	o.peers.AddICEServers(p.ICEServers)
	o.logger.Debugw("ICE servers updated", "count", len(p.ICEServers))
}

// handleRemoteStream runs on connection goroutines; the store write goes
// through serialize like every other one.
func (o *Orchestrator) handleRemoteStream(userID domain.UserID, stream *domain.RemoteStream) {
	o.serialize(func() { o.attachRemoteStream(userID, stream) })
}

func (o *Orchestrator) attachRemoteStream(userID domain.UserID, stream *domain.RemoteStream) {
	err := o.store.UpdateParticipant(userID, func(p *domain.Participant) {
		p.Stream = stream
	})
	if errors.Is(err, domain.ErrPeerNotFound) {
		call := o.store.Call()
		if call == nil {
			return
		}
		part := o.newParticipant(domain.UserInfo{UserID: userID}, call.Type)
		part.Stream = stream
		err = o.store.AddParticipant(part)
	}
	if err != nil && !errors.Is(err, domain.ErrNoActiveCall) {
		o.logger.Warnw("failed to attach remote stream", "user_id", userID, "error", err)
	}
}

func (o *Orchestrator) handleUnrecoverable(userID domain.UserID, err error) {
	o.logger.Errorw("connection cannot be recovered, ending call", "user_id", userID, "error", err)
	o.serialize(func() {
		o.teardown(context.Background(), domain.EndReasonFailed, domain.EventCallEnd)
	})
}
