package domain

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func KindFromCodecType(t webrtc.RTPCodecType) MediaKind {
	if t == webrtc.RTPCodecTypeVideo {
		return MediaKindVideo
	}
	return MediaKindAudio
}

type TrackSource string

const (
	SourceMicrophone TrackSource = "microphone"
	SourceCamera     TrackSource = "camera"
	SourceScreen     TrackSource = "screen"
)

type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate int
}

type MediaConstraints struct {
	Audio bool
	Video *VideoConstraints
}

// LocalTrack is a captured track. Disabling keeps the capture open and only
// mutes output; Stop releases the device and is idempotent.
type LocalTrack struct {
	kind   MediaKind
	source TrackSource
	track  webrtc.TrackLocal
	onStop func()

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func NewLocalTrack(kind MediaKind, source TrackSource, track webrtc.TrackLocal, onStop func()) *LocalTrack {
	return &LocalTrack{
		kind:    kind,
		source:  source,
		track:   track,
		onStop:  onStop,
		enabled: true,
	}
}

func (t *LocalTrack) Kind() MediaKind { return t.kind }

func (t *LocalTrack) Source() TrackSource { return t.source }

func (t *LocalTrack) Track() webrtc.TrackLocal { return t.track }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.enabled = false
	onStop := t.onStop
	t.mu.Unlock()

	if onStop != nil {
		onStop()
	}
}

// LocalStream is an immutable set of local tracks. WithTrack returns a new
// stream so holders of the old reference can detect the change.
type LocalStream struct {
	id     string
	tracks []*LocalTrack
}

func NewLocalStream(id string, tracks ...*LocalTrack) *LocalStream {
	return &LocalStream{id: id, tracks: append([]*LocalTrack(nil), tracks...)}
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []*LocalTrack {
	return append([]*LocalTrack(nil), s.tracks...)
}

func (s *LocalStream) TracksOfKind(kind MediaKind) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *LocalStream) HasKind(kind MediaKind) bool {
	return len(s.TracksOfKind(kind)) > 0
}

func (s *LocalStream) WithTrack(track *LocalTrack) *LocalStream {
	return NewLocalStream(s.id, append(s.Tracks(), track)...)
}

// RemoteTrack is the part of an inbound track the call layer looks at.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// RemoteStream aggregates the inbound tracks of one participant.
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}

// WithTrack returns a new stream containing track, replacing any track that
// has the same id.
func (s *RemoteStream) WithTrack(track RemoteTrack) *RemoteStream {
	next := &RemoteStream{ID: track.StreamID()}
	if s != nil {
		next.ID = s.ID
		for _, t := range s.Tracks {
			if t.ID() != track.ID() {
				next.Tracks = append(next.Tracks, t)
			}
		}
	}
	next.Tracks = append(next.Tracks, track)
	return next
}

func (s *RemoteStream) HasKind(kind MediaKind) bool {
	if s == nil {
		return false
	}
	for _, t := range s.Tracks {
		if KindFromCodecType(t.Kind()) == kind {
			return true
		}
	}
	return false
}
