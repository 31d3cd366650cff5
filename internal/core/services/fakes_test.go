package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	Event string
	Data  json.RawMessage
}

// fakeTransport records outbound events and lets tests inject inbound ones.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []sentMessage
	handlers  map[string][]ports.SignalHandler
	connected bool
	sendErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]ports.SignalHandler), connected: true}
}

func (f *fakeTransport) Send(_ context.Context, event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if !f.connected {
		return domain.ErrSignalingDisconnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{Event: event, Data: data})
	return nil
}

func (f *fakeTransport) Subscribe(event string, handler ports.SignalHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
	idx := len(f.handlers[event]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[event][idx] = nil
	}
}

func (f *fakeTransport) OnConnectionChange(func(bool)) {}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) emit(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	handlers := append([]ports.SignalHandler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(context.Background(), data)
		}
	}
}

func (f *fakeTransport) messages(event string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Event)
	}
	return out
}

func lastPayload[T any](t *testing.T, f *fakeTransport, event string) T {
	t.Helper()
	msgs := f.messages(event)
	require.NotEmpty(t, msgs, "no %s sent", event)
	var out T
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Data, &out))
	return out
}

type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced++
	return nil
}

// fakePeerConnection follows the signaling state machine closely enough to
// exercise offer/answer ordering.
type fakePeerConnection struct {
	mu         sync.Mutex
	senders    []*fakeSender
	state      webrtc.SignalingState
	connState  webrtc.PeerConnectionState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	offers     []*webrtc.OfferOptions
	closed     bool
	remoteErr  error

	onTrack     func(domain.RemoteTrack)
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
}

func newFakePeerConnection() *fakePeerConnection {
	return &fakePeerConnection{state: webrtc.SignalingStateStable, connState: webrtc.PeerConnectionStateNew}
}

func (p *fakePeerConnection) AddTrack(track webrtc.TrackLocal) (ports.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePeerConnection) Senders() []ports.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ports.Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *fakePeerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, options)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", len(p.offers))}, nil
}

func (p *fakePeerConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		p.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		p.state = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		p.state = webrtc.SignalingStateStable
		return nil
	}
	p.local = &desc
	return nil
}

func (p *fakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if p.state != webrtc.SignalingStateStable {
			return errors.New("offer in wrong state")
		}
		p.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if p.state != webrtc.SignalingStateHaveLocalOffer {
			return errors.New("answer in wrong state")
		}
		p.state = webrtc.SignalingStateStable
	}
	p.remote = &desc
	return nil
}

func (p *fakePeerConnection) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeerConnection) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeerConnection) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connState
}

func (p *fakePeerConnection) OnTrack(h func(domain.RemoteTrack)) { p.onTrack = h }

func (p *fakePeerConnection) OnICECandidate(h func(webrtc.ICECandidateInit)) { p.onCandidate = h }

func (p *fakePeerConnection) OnConnectionStateChange(h func(webrtc.PeerConnectionState)) {
	p.onState = h
}

func (p *fakePeerConnection) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeerConnection) setConnectionState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.connState = s
	h := p.onState
	p.mu.Unlock()
	if h != nil {
		h(s)
	}
}

func (p *fakePeerConnection) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePeerConnection) offerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.offers)
}

func (p *fakePeerConnection) offerOptions(i int) *webrtc.OfferOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers[i]
}

func (p *fakePeerConnection) senderTrack(i int) webrtc.TrackLocal {
	p.mu.Lock()
	s := p.senders[i]
	p.mu.Unlock()
	return s.Track()
}

func (p *fakePeerConnection) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	mu  sync.Mutex
	pcs []*fakePeerConnection
	err error
}

func (f *fakeFactory) NewPeerConnection([]webrtc.ICEServer) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := newFakePeerConnection()
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) last() *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

// fakeDevices hands out sample tracks and counts stops.
type fakeDevices struct {
	mu         sync.Mutex
	userErr    error
	displayErr error
	requests   []domain.MediaConstraints
	stopped    int
	seq        int
}

func (d *fakeDevices) track(kind domain.MediaKind, source domain.TrackSource) *domain.LocalTrack {
	d.seq++
	mime := webrtc.MimeTypeOpus
	if kind == domain.MediaKindVideo {
		mime = webrtc.MimeTypeVP8
	}
	sample, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		fmt.Sprintf("%s-%d", source, d.seq),
		"local",
	)
	if err != nil {
		panic(err)
	}
	return domain.NewLocalTrack(kind, source, sample, func() {
		d.mu.Lock()
		d.stopped++
		d.mu.Unlock()
	})
}

func (d *fakeDevices) GetUserMedia(_ context.Context, c domain.MediaConstraints) ([]*domain.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, c)
	if d.userErr != nil {
		return nil, d.userErr
	}
	var tracks []*domain.LocalTrack
	if c.Audio {
		tracks = append(tracks, d.track(domain.MediaKindAudio, domain.SourceMicrophone))
	}
	if c.Video != nil {
		tracks = append(tracks, d.track(domain.MediaKindVideo, domain.SourceCamera))
	}
	return tracks, nil
}

func (d *fakeDevices) GetDisplayMedia(context.Context) (*domain.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.displayErr != nil {
		return nil, d.displayErr
	}
	return d.track(domain.MediaKindVideo, domain.SourceScreen), nil
}

func (d *fakeDevices) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

type fakeRemoteTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (t fakeRemoteTrack) ID() string { return t.id }

func (t fakeRemoteTrack) StreamID() string { return t.stream }

func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

// fakeCalls is a minimal CallReader for peer manager tests.
type fakeCalls struct {
	mu     sync.Mutex
	call   *domain.Call
	stream *domain.LocalStream
}

func (c *fakeCalls) Call() *domain.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call.Clone()
}

func (c *fakeCalls) LocalStream() *domain.LocalStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *fakeCalls) setID(id domain.CallID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.call = &domain.Call{ID: id, Type: domain.CallTypeVideo}
}
