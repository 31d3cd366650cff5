package webrtc

import (
	"errors"
	"fmt"
	"io"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// MediaObserver receives transport level counters from live connections.
type MediaObserver interface {
	RTPReceived(kind string, bytes int)
	RTCPFeedback(packetType string)
}

type Config struct {
	PortRange struct {
		Min uint16
		Max uint16
	}
}

// PeerConnectionFactory builds pion peer connections sharing one API
// instance.
type PeerConnectionFactory struct {
	api      *webrtc.API
	observer MediaObserver
	logger   *zap.SugaredLogger
}

var _ ports.PeerConnectionFactory = (*PeerConnectionFactory)(nil)

func NewPeerConnectionFactory(cfg Config, observer MediaObserver, logger *zap.SugaredLogger) (*PeerConnectionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &PeerConnectionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
		),
		observer: observer,
		logger:   logger,
	}, nil
}

func (f *PeerConnectionFactory) NewPeerConnection(iceServers []webrtc.ICEServer) (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   iceServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, err
	}
	return &peerConnection{pc: pc, observer: f.observer, logger: f.logger}, nil
}

// peerConnection adapts *webrtc.PeerConnection to ports.PeerConnection and
// drains inbound RTP and RTCP so pion's buffers never stall.
type peerConnection struct {
	pc       *webrtc.PeerConnection
	observer MediaObserver
	logger   *zap.SugaredLogger
}

func (p *peerConnection) AddTrack(track webrtc.TrackLocal) (ports.Sender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go p.readSenderRTCP(sender)
	return sender, nil
}

func (p *peerConnection) Senders() []ports.Sender {
	senders := p.pc.GetSenders()
	out := make([]ports.Sender, 0, len(senders))
	for _, s := range senders {
		out = append(out, s)
	}
	return out
}

func (p *peerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(options)
}

func (p *peerConnection) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(options)
}

func (p *peerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *peerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConnection) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *peerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *peerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *peerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *peerConnection) OnTrack(handler func(track domain.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		handler(track)
		go p.consumeTrack(track)
		go p.readReceiverRTCP(receiver)
	})
}

func (p *peerConnection) OnICECandidate(handler func(candidate webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		handler(c.ToJSON())
	})
}

func (p *peerConnection) OnConnectionStateChange(handler func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(handler)
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

// consumeTrack reads the remote track until it ends. The call layer does not
// render media; reading keeps the receiver flowing and feeds byte counters.
func (p *peerConnection) consumeTrack(track *webrtc.TrackRemote) {
	kind := track.Kind().String()
	buf := make([]byte, 1500)
	packet := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debugw("remote track read ended", "track_id", track.ID(), "error", err)
			}
			return
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if p.observer != nil {
			p.observer.RTPReceived(kind, len(packet.Payload))
		}
	}
}

func (p *peerConnection) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		p.countFeedback(packets)
	}
}

func (p *peerConnection) readReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		p.countFeedback(packets)
	}
}

func (p *peerConnection) countFeedback(packets []rtcp.Packet) {
	for _, packet := range packets {
		var name string
		switch pkt := packet.(type) {
		case *rtcp.PictureLossIndication:
			name = "pli"
		case *rtcp.TransportLayerNack:
			if len(pkt.Nacks) == 0 {
				continue
			}
			name = "nack"
		case *rtcp.ReceiverReport:
			name = "receiver_report"
		case *rtcp.SenderReport:
			name = "sender_report"
		default:
			continue
		}
		if p.observer != nil {
			p.observer.RTCPFeedback(name)
		}
	}
}
