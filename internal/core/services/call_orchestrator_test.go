package services

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/repositories/memory"
	apperrors "meshcall/pkg/errors"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type client struct {
	user      domain.User
	orch      *Orchestrator
	transport *fakeTransport
	factory   *fakeFactory
	devices   *fakeDevices
	store     *memory.CallStore
	repo      ports.CallRepository

	mu    sync.Mutex
	ended []domain.EndReason
}

func newClient(t *testing.T, id domain.UserID, opts ...func(*OrchestratorConfig, *Dependencies)) *client {
	t.Helper()
	c := &client{
		user:      domain.User{ID: id, Username: string(id)},
		transport: newFakeTransport(),
		factory:   &fakeFactory{},
		devices:   &fakeDevices{},
		store:     memory.NewCallStore(),
		repo:      memory.NewMemoryCallRepository(),
	}

	cfg := DefaultOrchestratorConfig()
	// offers are answered by hand in these tests
	cfg.AnswerTimeout = 0
	deps := Dependencies{
		Signaling:   c.transport,
		Store:       c.store,
		Repository:  c.repo,
		Identity:    NewStaticIdentity(c.user),
		Devices:     c.devices,
		PeerFactory: c.factory,
		Logger:      zaptest.NewLogger(t).Sugar(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	c.orch = NewOrchestrator(cfg, deps)
	c.orch.OnEnded(func(_ domain.CallID, reason domain.EndReason) {
		c.mu.Lock()
		c.ended = append(c.ended, reason)
		c.mu.Unlock()
	})
	c.orch.Start(context.Background())
	t.Cleanup(c.orch.Close)
	return c
}

func (c *client) endReasons() []domain.EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.EndReason(nil), c.ended...)
}

func (c *client) info() domain.UserInfo {
	return domain.UserInfo{UserID: c.user.ID, Username: c.user.Username}
}

// ring delivers an incoming call from caller to c.
func ring(t *testing.T, c *client, callID domain.CallID, caller *client, callType domain.CallType) {
	t.Helper()
	c.transport.emit(t, domain.EventCallIncoming, domain.IncomingPayload{
		CallID:         callID,
		From:           caller.info(),
		ConversationID: "conv",
		CallType:       callType,
	})
}

func TestOrchestrator_InitiateCall(t *testing.T) {
	alice := newClient(t, "alice")

	call, err := alice.orch.InitiateCall(context.Background(), "conv", domain.CallTypeAudio, []domain.UserID{"alice", "bob"})
	require.NoError(t, err)

	assert.Equal(t, domain.PendingCallID, call.ID)
	assert.Equal(t, domain.CallStatusOutgoing, call.Status)
	assert.Equal(t, domain.UserID("alice"), call.InitiatorID)
	assert.NotNil(t, alice.store.LocalStream())

	require.Len(t, alice.devices.requests, 1)
	assert.True(t, alice.devices.requests[0].Audio)
	assert.Nil(t, alice.devices.requests[0].Video, "audio calls never open the camera")

	payload := lastPayload[domain.InitiatePayload](t, alice.transport, domain.EventCallInitiate)
	assert.Equal(t, []domain.UserID{"bob"}, payload.ParticipantIDs)

	alice.transport.emit(t, domain.EventCallInitiated, domain.InitiatedPayload{
		CallID:     "c1",
		ICEServers: []domain.ICEServer{{URLs: []string{"turn:t.example.com"}, Username: "u", Credential: "p"}},
	})
	assert.Equal(t, domain.CallID("c1"), alice.orch.CurrentCall().ID)
	assert.Len(t, alice.orch.Peers().ICEServers(), 1)

	snap, err := alice.repo.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.CallID("c1"), snap.ID)
}

func TestOrchestrator_InitiateCallValidation(t *testing.T) {
	alice := newClient(t, "alice")
	ctx := context.Background()

	_, err := alice.orch.InitiateCall(ctx, "conv", "hologram", []domain.UserID{"bob"})
	assert.ErrorIs(t, err, domain.ErrInvalidCallType)

	_, err = alice.orch.InitiateCall(ctx, "conv", domain.CallTypeAudio, []domain.UserID{"alice"})
	assert.True(t, apperrors.IsAppError(err))

	_, err = alice.orch.InitiateCall(ctx, "conv", domain.CallTypeAudio, []domain.UserID{"bob"})
	require.NoError(t, err)
	_, err = alice.orch.InitiateCall(ctx, "conv", domain.CallTypeAudio, []domain.UserID{"carol"})
	assert.ErrorIs(t, err, domain.ErrCallInProgress)
}

func TestOrchestrator_MediaFailureCreatesNoState(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"permission denied", os.ErrPermission, apperrors.ErrPermissionDenied},
		{"no device", os.ErrNotExist, apperrors.ErrDeviceNotFound},
		{"device busy", errors.New("device or resource busy"), apperrors.ErrDeviceInUse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alice := newClient(t, "alice")
			alice.devices.userErr = tt.err

			_, err := alice.orch.InitiateCall(context.Background(), "conv", domain.CallTypeVideo, []domain.UserID{"bob"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)

			assert.Nil(t, alice.orch.CurrentCall())
			assert.Empty(t, alice.transport.events())
			assert.Empty(t, alice.factory.pcs)
		})
	}
}

// A calls B with video, B accepts, they negotiate and connect, then A hangs
// up.
func TestOrchestrator_TwoPartyCall(t *testing.T) {
	alice := newClient(t, "alice")
	bob := newClient(t, "bob")
	ctx := context.Background()

	var rang []domain.IncomingCall
	bob.orch.OnIncoming(func(c domain.IncomingCall) { rang = append(rang, c) })

	_, err := alice.orch.InitiateCall(ctx, "conv", domain.CallTypeVideo, []domain.UserID{"bob"})
	require.NoError(t, err)
	alice.transport.emit(t, domain.EventCallInitiated, domain.InitiatedPayload{CallID: "c1"})

	ring(t, bob, "c1", alice, domain.CallTypeVideo)
	require.Len(t, rang, 1)
	assert.Equal(t, domain.UserID("alice"), rang[0].Caller.ID)

	require.NoError(t, bob.orch.AcceptCall(ctx, "c1"))
	assert.Len(t, bob.transport.messages(domain.EventCallAccept), 1)
	assert.Empty(t, bob.transport.messages(domain.EventOffer), "the answerer waits for the offer")
	assert.Equal(t, []domain.UserID{"alice"}, bob.orch.Peers().Peers())

	alice.transport.emit(t, domain.EventCallAccepted, domain.ParticipantPayload{CallID: "c1", UserInfo: bob.info()})
	assert.Equal(t, domain.CallStatusActive, alice.orch.CurrentCall().Status)

	offer := lastPayload[domain.SessionDescriptionPayload](t, alice.transport, domain.EventOffer)
	assert.Equal(t, domain.UserID("bob"), offer.To)
	assert.Len(t, alice.transport.messages(domain.EventOffer), 1)

	offer.From, offer.To = "alice", ""
	bob.transport.emit(t, domain.EventOffer, offer)
	answer := lastPayload[domain.SessionDescriptionPayload](t, bob.transport, domain.EventAnswer)
	assert.Equal(t, domain.UserID("alice"), answer.To)

	answer.From, answer.To = "bob", ""
	alice.transport.emit(t, domain.EventAnswer, answer)

	alicePC, bobPC := alice.factory.last(), bob.factory.last()
	assert.Equal(t, webrtc.SignalingStateStable, alicePC.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, bobPC.SignalingState())

	bobPC.onCandidate(candidate("bob-host"))
	cand := lastPayload[domain.ICECandidatePayload](t, bob.transport, domain.EventICECandidate)
	cand.From, cand.To = "bob", ""
	alice.transport.emit(t, domain.EventICECandidate, cand)
	assert.Equal(t, []webrtc.ICECandidateInit{candidate("bob-host")}, alicePC.appliedCandidates())

	bobPC.onTrack(fakeRemoteTrack{id: "a", stream: "alice", kind: webrtc.RTPCodecTypeVideo})
	alicePC.setConnectionState(webrtc.PeerConnectionStateConnected)
	bobPC.setConnectionState(webrtc.PeerConnectionStateConnected)
	assert.True(t, bob.orch.CurrentCall().Participants["alice"].Stream.HasKind(domain.MediaKindVideo))

	require.NoError(t, alice.orch.EndCall(ctx))
	require.NoError(t, alice.orch.EndCall(ctx))
	assert.Len(t, alice.transport.messages(domain.EventCallEnd), 1)
	assert.Empty(t, alice.orch.Peers().Peers())
	assert.True(t, alicePC.isClosed())
	assert.Equal(t, 2, alice.devices.stopCount())

	bob.transport.emit(t, domain.EventCallEnded, domain.ActorPayload{CallID: "c1", UserID: "alice"})
	assert.Empty(t, bob.orch.Peers().Peers())
	assert.Nil(t, bob.orch.CurrentCall())
	assert.Empty(t, bob.transport.messages(domain.EventCallEnd))

	assert.Equal(t, []domain.EndReason{domain.EndReasonLocal}, alice.endReasons())
	assert.Equal(t, []domain.EndReason{domain.EndReasonRemote}, bob.endReasons())
}

func TestOrchestrator_EndCallIsIdempotentAgainstRemoteEnd(t *testing.T) {
	alice := newClient(t, "alice")
	ctx := context.Background()

	_, err := alice.orch.InitiateCall(ctx, "conv", domain.CallTypeAudio, []domain.UserID{"bob"})
	require.NoError(t, err)
	alice.transport.emit(t, domain.EventCallInitiated, domain.InitiatedPayload{CallID: "c1"})

	require.NoError(t, alice.orch.EndCall(ctx))
	alice.transport.emit(t, domain.EventCallEnded, domain.ActorPayload{CallID: "c1", UserID: "bob"})
	require.NoError(t, alice.orch.EndCall(ctx))

	assert.Len(t, alice.transport.messages(domain.EventCallEnd), 1)
	assert.Len(t, alice.endReasons(), 1)

	_, err = alice.repo.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestOrchestrator_EndWhilePending(t *testing.T) {
	alice := newClient(t, "alice")
	ctx := context.Background()

	_, err := alice.orch.InitiateCall(ctx, "conv", domain.CallTypeAudio, []domain.UserID{"bob"})
	require.NoError(t, err)
	require.NoError(t, alice.orch.EndCall(ctx))
	assert.Empty(t, alice.transport.messages(domain.EventCallEnd), "nothing may be sent under the pending id")

	// the server's id arrives late and the call is ended under it
	alice.transport.emit(t, domain.EventCallInitiated, domain.InitiatedPayload{CallID: "c9"})
	end := lastPayload[domain.CallRefPayload](t, alice.transport, domain.EventCallEnd)
	assert.Equal(t, domain.CallID("c9"), end.CallID)
	assert.Nil(t, alice.orch.CurrentCall())
}

func TestOrchestrator_RingTimeoutRejects(t *testing.T) {
	bob := newClient(t, "bob", func(cfg *OrchestratorConfig, _ *Dependencies) {
		cfg.RingTimeout = 20 * time.Millisecond
	})
	alice := newClient(t, "alice")

	ring(t, bob, "c1", alice, domain.CallTypeAudio)
	require.Len(t, bob.orch.PendingIncoming(), 1)

	require.Eventually(t, func() bool {
		return len(bob.transport.messages(domain.EventCallReject)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, bob.orch.PendingIncoming())
	assert.ErrorIs(t, bob.orch.AcceptCall(context.Background(), "c1"), domain.ErrCallNotFound)
}

func TestOrchestrator_RingTimerCancelledByAccept(t *testing.T) {
	bob := newClient(t, "bob", func(cfg *OrchestratorConfig, _ *Dependencies) {
		cfg.RingTimeout = 20 * time.Millisecond
	})
	alice := newClient(t, "alice")

	ring(t, bob, "c1", alice, domain.CallTypeAudio)
	require.NoError(t, bob.orch.AcceptCall(context.Background(), "c1"))

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, bob.transport.messages(domain.EventCallReject))
	assert.NotNil(t, bob.orch.CurrentCall())
}

func TestOrchestrator_AcceptMediaFailureKeepsRinging(t *testing.T) {
	bob := newClient(t, "bob")
	alice := newClient(t, "alice")
	ring(t, bob, "c1", alice, domain.CallTypeVideo)

	bob.devices.userErr = os.ErrPermission
	err := bob.orch.AcceptCall(context.Background(), "c1")
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)
	assert.Nil(t, bob.orch.CurrentCall())
	assert.Len(t, bob.orch.PendingIncoming(), 1)
	assert.Empty(t, bob.factory.pcs)

	bob.devices.userErr = nil
	require.NoError(t, bob.orch.AcceptCall(context.Background(), "c1"))
}

func TestOrchestrator_RejectIncoming(t *testing.T) {
	bob := newClient(t, "bob")
	alice := newClient(t, "alice")
	ring(t, bob, "c1", alice, domain.CallTypeAudio)

	require.NoError(t, bob.orch.RejectCall(context.Background(), "c1"))
	ref := lastPayload[domain.CallRefPayload](t, bob.transport, domain.EventCallReject)
	assert.Equal(t, domain.CallID("c1"), ref.CallID)
	assert.Empty(t, bob.orch.PendingIncoming())

	assert.ErrorIs(t, bob.orch.RejectCall(context.Background(), "c1"), domain.ErrCallNotFound)
}

func TestOrchestrator_IgnoresEchoesAndForeignCalls(t *testing.T) {
	alice := newClient(t, "alice")
	ctx := context.Background()

	_, err := alice.orch.InitiateCall(ctx, "conv", domain.CallTypeAudio, []domain.UserID{"bob"})
	require.NoError(t, err)
	alice.transport.emit(t, domain.EventCallInitiated, domain.InitiatedPayload{CallID: "c1"})

	alice.transport.emit(t, domain.EventCallIncoming, domain.IncomingPayload{CallID: "c1", From: alice.info(), CallType: domain.CallTypeAudio})
	alice.transport.emit(t, domain.EventCallAccepted, domain.ParticipantPayload{CallID: "c1", UserInfo: alice.info()})
	alice.transport.emit(t, domain.EventCallAccepted, domain.ParticipantPayload{CallID: "other", UserInfo: domain.UserInfo{UserID: "bob"}})
	alice.transport.emit(t, domain.EventOffer, domain.SessionDescriptionPayload{CallID: "other", From: "bob", SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer}})
	alice.transport.emit(t, domain.EventCallEnded, domain.ActorPayload{CallID: "c1", UserID: "alice"})

	assert.Empty(t, alice.orch.PendingIncoming())
	assert.Empty(t, alice.factory.pcs)
	require.NotNil(t, alice.orch.CurrentCall())
	assert.Empty(t, alice.orch.CurrentCall().Participants)
}

func TestOrchestrator_RejectedByEveryInviteeEndsCall(t *testing.T) {
	alice := newClient(t, "alice")
	ctx := context.Background()

	_, err := alice.orch.InitiateCall(ctx, "conv", domain.CallTypeAudio, []domain.UserID{"bob", "carol"})
	require.NoError(t, err)
	alice.transport.emit(t, domain.EventCallInitiated, domain.InitiatedPayload{CallID: "c1"})

	alice.transport.emit(t, domain.EventCallRejected, domain.ActorPayload{CallID: "c1", UserID: "bob"})
	assert.NotNil(t, alice.orch.CurrentCall())

	alice.transport.emit(t, domain.EventCallMissed, domain.ActorPayload{CallID: "c1", UserID: "carol"})
	assert.Nil(t, alice.orch.CurrentCall())
	assert.Equal(t, []domain.EndReason{domain.EndReasonMissed}, alice.endReasons())
	assert.Empty(t, alice.transport.messages(domain.EventCallEnd))
}

func TestOrchestrator_MeshJoinAndLeave(t *testing.T) {
	alice := newClient(t, "alice")
	ctx := context.Background()

	_, err := alice.orch.InitiateCall(ctx, "conv", domain.CallTypeAudio, []domain.UserID{"bob", "carol"})
	require.NoError(t, err)
	alice.transport.emit(t, domain.EventCallInitiated, domain.InitiatedPayload{CallID: "c1"})

	alice.transport.emit(t, domain.EventCallAccepted, domain.ParticipantPayload{CallID: "c1", UserInfo: domain.UserInfo{UserID: "bob"}})
	alice.transport.emit(t, domain.EventParticipantJoined, domain.ParticipantPayload{CallID: "c1", UserInfo: domain.UserInfo{UserID: "carol"}})
	// a duplicate join creates neither a connection nor an offer
	alice.transport.emit(t, domain.EventParticipantJoined, domain.ParticipantPayload{CallID: "c1", UserInfo: domain.UserInfo{UserID: "carol"}})

	assert.Equal(t, []domain.UserID{"bob", "carol"}, alice.orch.Peers().Peers())
	assert.Len(t, alice.transport.messages(domain.EventOffer), 2)

	alice.transport.emit(t, domain.EventParticipantMediaToggle, domain.MediaTogglePayload{CallID: "c1", UserID: "bob", MediaType: domain.MediaTypeAudio, Enabled: false})
	assert.False(t, alice.orch.CurrentCall().Participants["bob"].IsAudioEnabled)

	alice.transport.emit(t, domain.EventParticipantLeft, domain.ActorPayload{CallID: "c1", UserID: "bob"})
	assert.Equal(t, []domain.UserID{"carol"}, alice.orch.Peers().Peers())
	require.NotNil(t, alice.orch.CurrentCall())

	alice.transport.emit(t, domain.EventParticipantLeft, domain.ActorPayload{CallID: "c1", UserID: "carol"})
	assert.Nil(t, alice.orch.CurrentCall())
	assert.Equal(t, []domain.EndReason{domain.EndReasonRemote}, alice.endReasons())
}

// activeCall puts alice in call c1 with bob connected and stable.
func activeCall(t *testing.T, callType domain.CallType) (*client, *fakePeerConnection) {
	t.Helper()
	alice := newClient(t, "alice")
	ctx := context.Background()

	_, err := alice.orch.InitiateCall(ctx, "conv", callType, []domain.UserID{"bob"})
	require.NoError(t, err)
	alice.transport.emit(t, domain.EventCallInitiated, domain.InitiatedPayload{CallID: "c1"})
	alice.transport.emit(t, domain.EventCallAccepted, domain.ParticipantPayload{CallID: "c1", UserInfo: domain.UserInfo{UserID: "bob"}})
	alice.transport.emit(t, domain.EventAnswer, domain.SessionDescriptionPayload{
		CallID: "c1",
		From:   "bob",
		SDP:    webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"},
	})

	pc := alice.factory.last()
	require.Equal(t, webrtc.SignalingStateStable, pc.SignalingState())
	return alice, pc
}

func TestOrchestrator_ScreenShareReplacesTrackOnly(t *testing.T) {
	alice, pc := activeCall(t, domain.CallTypeVideo)
	ctx := context.Background()
	offers := pc.offerCount()
	camera := alice.orch.Media().CameraTrack()
	require.NotNil(t, camera)

	require.NoError(t, alice.orch.StartScreenShare(ctx))
	assert.True(t, alice.orch.CurrentCall().IsScreenSharing)
	assert.NotEqual(t, camera.Track(), pc.senders[1].Track())

	require.NoError(t, alice.orch.StopScreenShare(ctx))
	assert.False(t, alice.orch.CurrentCall().IsScreenSharing)
	assert.Equal(t, camera.Track(), pc.senders[1].Track(), "camera is back on the sender")
	assert.Equal(t, offers, pc.offerCount(), "no renegotiation for screen share on a video call")

	toggles := alice.transport.messages(domain.EventParticipantMediaToggle)
	assert.Len(t, toggles, 2)
}

func TestOrchestrator_SwitchToVideo(t *testing.T) {
	alice, pc := activeCall(t, domain.CallTypeAudio)
	ctx := context.Background()
	require.Len(t, pc.Senders(), 1)

	require.NoError(t, alice.orch.SwitchToVideo(ctx))

	assert.Len(t, pc.Senders(), 2)
	assert.Equal(t, 2, pc.offerCount())
	assert.True(t, alice.orch.CurrentCall().IsVideoEnabled)
	assert.True(t, alice.store.LocalStream().HasKind(domain.MediaKindVideo))

	toggle := lastPayload[domain.MediaTogglePayload](t, alice.transport, domain.EventParticipantMediaToggle)
	assert.Equal(t, domain.MediaTypeVideo, toggle.MediaType)
	assert.True(t, toggle.Enabled)

	// already on video: no second sender, no new offer
	require.NoError(t, alice.orch.SwitchToVideo(ctx))
	assert.Len(t, pc.Senders(), 2)
	assert.Equal(t, 2, pc.offerCount())
	assert.Len(t, alice.store.LocalStream().TracksOfKind(domain.MediaKindVideo), 1)
}

func TestOrchestrator_SwitchToVideoOnVideoCall(t *testing.T) {
	alice, pc := activeCall(t, domain.CallTypeVideo)
	ctx := context.Background()
	require.Len(t, pc.Senders(), 2)
	offers := pc.offerCount()

	require.NoError(t, alice.orch.SwitchToVideo(ctx))
	require.NoError(t, alice.orch.SwitchToVideo(ctx))

	assert.Len(t, pc.Senders(), 2)
	assert.Equal(t, offers, pc.offerCount())
	assert.Len(t, alice.devices.requests, 1, "the camera is not captured again")
}

func TestOrchestrator_SwitchToVideoWhilePending(t *testing.T) {
	alice := newClient(t, "alice")
	_, err := alice.orch.InitiateCall(context.Background(), "conv", domain.CallTypeAudio, []domain.UserID{"bob"})
	require.NoError(t, err)

	assert.ErrorIs(t, alice.orch.SwitchToVideo(context.Background()), domain.ErrCallPending)
	assert.ErrorIs(t, alice.orch.StartScreenShare(context.Background()), domain.ErrCallPending)
}

func TestOrchestrator_ToggleAudioKeepsTrackAlive(t *testing.T) {
	alice, _ := activeCall(t, domain.CallTypeAudio)
	ctx := context.Background()

	enabled, err := alice.orch.ToggleAudio(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, alice.orch.CurrentCall().IsAudioEnabled)
	assert.Zero(t, alice.devices.stopCount())

	enabled, err = alice.orch.ToggleAudio(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	_, err = alice.orch.ToggleVideo(ctx)
	assert.ErrorIs(t, err, ErrNoTrack)
}

func TestOrchestrator_UnrecoverableFailureEndsCall(t *testing.T) {
	alice := newClient(t, "alice")
	ctx := context.Background()

	_, err := alice.orch.InitiateCall(ctx, "conv", domain.CallTypeAudio, []domain.UserID{"bob"})
	require.NoError(t, err)
	_, _, err = alice.orch.Peers().CreateConnection(ctx, "bob")
	require.NoError(t, err)

	// an ICE restart cannot be sent before the call has an id
	alice.factory.last().setConnectionState(webrtc.PeerConnectionStateFailed)

	assert.Nil(t, alice.orch.CurrentCall())
	assert.Empty(t, alice.orch.Peers().Peers())
	assert.Empty(t, alice.transport.messages(domain.EventOffer))
	assert.Equal(t, []domain.EndReason{domain.EndReasonFailed}, alice.endReasons())
}

func TestOrchestrator_Restore(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		snapshot domain.CallSnapshot
		restored bool
	}{
		{
			name:     "fresh pending call",
			snapshot: domain.CallSnapshot{ID: domain.PendingCallID, CreatedAt: now.Add(-10 * time.Second)},
			restored: true,
		},
		{
			name:     "pending past grace",
			snapshot: domain.CallSnapshot{ID: domain.PendingCallID, CreatedAt: now.Add(-31 * time.Second)},
		},
		{
			name:     "assigned call within ceiling",
			snapshot: domain.CallSnapshot{ID: "c1", Status: domain.CallStatusActive, CreatedAt: now.Add(-4 * time.Minute)},
			restored: true,
		},
		{
			name:     "assigned call past ceiling",
			snapshot: domain.CallSnapshot{ID: "c1", Status: domain.CallStatusActive, CreatedAt: now.Add(-6 * time.Minute)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, "alice", func(_ *OrchestratorConfig, deps *Dependencies) {
				deps.Now = func() time.Time { return now }
			})
			require.NoError(t, c.repo.Save(context.Background(), tt.snapshot))

			call, err := c.orch.Restore(context.Background())
			require.NoError(t, err)

			if tt.restored {
				require.NotNil(t, call)
				assert.Equal(t, tt.snapshot.ID, call.ID)
				return
			}
			assert.Nil(t, call)
			assert.Nil(t, c.orch.CurrentCall())
			_, err = c.repo.Load(context.Background())
			assert.ErrorIs(t, err, domain.ErrCallNotFound)
		})
	}
}

func TestOrchestrator_AbandonedIdDoesNotHijackNextCall(t *testing.T) {
	alice := newClient(t, "alice")
	ctx := context.Background()

	_, err := alice.orch.InitiateCall(ctx, "conv", domain.CallTypeAudio, []domain.UserID{"bob"})
	require.NoError(t, err)
	require.NoError(t, alice.orch.EndCall(ctx))

	_, err = alice.orch.InitiateCall(ctx, "conv", domain.CallTypeVideo, []domain.UserID{"bob"})
	require.NoError(t, err)

	// ids come back in initiation order: c1 belongs to the abandoned call
	alice.transport.emit(t, domain.EventCallInitiated, domain.InitiatedPayload{CallID: "c1", ConversationID: "conv"})
	alice.transport.emit(t, domain.EventCallInitiated, domain.InitiatedPayload{CallID: "c2", ConversationID: "conv"})

	ends := alice.transport.messages(domain.EventCallEnd)
	require.Len(t, ends, 1)
	end := lastPayload[domain.CallRefPayload](t, alice.transport, domain.EventCallEnd)
	assert.Equal(t, domain.CallID("c1"), end.CallID)

	call := alice.orch.CurrentCall()
	require.NotNil(t, call)
	assert.Equal(t, domain.CallID("c2"), call.ID)
	assert.Equal(t, domain.CallTypeVideo, call.Type)
}

func TestOrchestrator_PendingCallExpires(t *testing.T) {
	alice := newClient(t, "alice", func(cfg *OrchestratorConfig, _ *Dependencies) {
		cfg.PendingTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()

	_, err := alice.orch.InitiateCall(ctx, "conv", domain.CallTypeAudio, []domain.UserID{"bob"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return alice.orch.CurrentCall() == nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.EndReason{domain.EndReasonStale}, alice.endReasons())
	assert.Equal(t, 1, alice.devices.stopCount())
	_, err = alice.repo.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrCallNotFound)

	// a late id is ignored and does not end the next call
	alice.transport.emit(t, domain.EventCallInitiated, domain.InitiatedPayload{CallID: "late"})
	assert.Empty(t, alice.transport.messages(domain.EventCallEnd))

	_, err = alice.orch.InitiateCall(ctx, "conv", domain.CallTypeAudio, []domain.UserID{"bob"})
	require.NoError(t, err)
	alice.transport.emit(t, domain.EventCallInitiated, domain.InitiatedPayload{CallID: "c2"})
	assert.Equal(t, domain.CallID("c2"), alice.orch.CurrentCall().ID)
	assert.Empty(t, alice.transport.messages(domain.EventCallEnd))
}

func TestOrchestrator_AssignedCallDoesNotExpire(t *testing.T) {
	alice := newClient(t, "alice", func(cfg *OrchestratorConfig, _ *Dependencies) {
		cfg.PendingTimeout = 20 * time.Millisecond
	})

	_, err := alice.orch.InitiateCall(context.Background(), "conv", domain.CallTypeAudio, []domain.UserID{"bob"})
	require.NoError(t, err)
	alice.transport.emit(t, domain.EventCallInitiated, domain.InitiatedPayload{CallID: "c1"})

	time.Sleep(60 * time.Millisecond)
	require.NotNil(t, alice.orch.CurrentCall())
	assert.Equal(t, domain.CallID("c1"), alice.orch.CurrentCall().ID)
	assert.Empty(t, alice.endReasons())
}

func TestOrchestrator_RestoredPendingCallExpires(t *testing.T) {
	alice := newClient(t, "alice", func(cfg *OrchestratorConfig, _ *Dependencies) {
		cfg.PendingTimeout = 60 * time.Millisecond
	})
	ctx := context.Background()
	require.NoError(t, alice.repo.Save(ctx, domain.CallSnapshot{
		ID:             domain.PendingCallID,
		ConversationID: "conv",
		Type:           domain.CallTypeAudio,
		InitiatorID:    "alice",
		Status:         domain.CallStatusOutgoing,
		CreatedAt:      time.Now().Add(-20 * time.Millisecond),
	}))

	call, err := alice.orch.Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, call)

	require.Eventually(t, func() bool { return alice.orch.CurrentCall() == nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.EndReason{domain.EndReasonStale}, alice.endReasons())
	_, err = alice.repo.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrCallNotFound)

	_, err = alice.orch.InitiateCall(ctx, "conv", domain.CallTypeAudio, []domain.UserID{"bob"})
	assert.NoError(t, err)
}

func TestOrchestrator_JoinDuringScreenShareGetsScreen(t *testing.T) {
	for _, callType := range []domain.CallType{domain.CallTypeVideo, domain.CallTypeAudio} {
		t.Run(string(callType), func(t *testing.T) {
			alice, _ := activeCall(t, callType)
			require.NoError(t, alice.orch.StartScreenShare(context.Background()))
			screen := alice.orch.Media().ScreenTrack()
			require.NotNil(t, screen)

			alice.transport.emit(t, domain.EventParticipantJoined, domain.ParticipantPayload{
				CallID:   "c1",
				UserInfo: domain.UserInfo{UserID: "carol"},
			})

			pc := alice.factory.last()
			require.Len(t, pc.Senders(), 2, "one audio and one video sender")
			assert.Equal(t, screen.Track(), pc.senderTrack(1))
			assert.Equal(t, 1, pc.offerCount())
		})
	}
}

func TestOrchestrator_RemoteStreamFromConnectionGoroutine(t *testing.T) {
	alice, pc := activeCall(t, domain.CallTypeVideo)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pc.onTrack(fakeRemoteTrack{id: "v", stream: "bob", kind: webrtc.RTPCodecTypeVideo})
	}()
	<-done

	call := alice.orch.CurrentCall()
	require.NotNil(t, call)
	require.Contains(t, call.Participants, domain.UserID("bob"))
	require.NotNil(t, call.Participants["bob"].Stream)
	assert.Equal(t, "bob", call.Participants["bob"].Stream.ID)
}
