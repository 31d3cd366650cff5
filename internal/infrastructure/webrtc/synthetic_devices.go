package webrtc

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// opus frame carrying 20ms of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const audioFrame = 20 * time.Millisecond

type DeviceConfig struct {
	Camera     bool
	Microphone bool
	Screen     bool
}

// SyntheticDevices is a capture backend for headless clients. The
// microphone emits opus silence; camera and screen tracks are negotiated
// but idle. Each device can be held by one track at a time.
type SyntheticDevices struct {
	cfg    DeviceConfig
	logger *zap.SugaredLogger

	mu    sync.Mutex
	inUse map[domain.TrackSource]bool
}

var _ ports.MediaDevices = (*SyntheticDevices)(nil)

func NewSyntheticDevices(cfg DeviceConfig, logger *zap.SugaredLogger) *SyntheticDevices {
	return &SyntheticDevices{
		cfg:    cfg,
		logger: logger,
		inUse:  make(map[domain.TrackSource]bool),
	}
}

func (d *SyntheticDevices) GetUserMedia(ctx context.Context, constraints domain.MediaConstraints) ([]*domain.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var wanted []domain.TrackSource
	if constraints.Audio {
		wanted = append(wanted, domain.SourceMicrophone)
	}
	if constraints.Video != nil {
		wanted = append(wanted, domain.SourceCamera)
	}
	if len(wanted) == 0 {
		return nil, apperrors.NewInvalidInputError("no media requested")
	}

	if err := d.claim(wanted...); err != nil {
		return nil, err
	}

	streamID := uuid.NewString()
	tracks := make([]*domain.LocalTrack, 0, len(wanted))
	for _, source := range wanted {
		track, err := d.newTrack(source, streamID)
		if err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			d.release(wanted[len(tracks):]...)
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

func (d *SyntheticDevices) GetDisplayMedia(ctx context.Context) (*domain.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.claim(domain.SourceScreen); err != nil {
		return nil, err
	}
	track, err := d.newTrack(domain.SourceScreen, uuid.NewString())
	if err != nil {
		d.release(domain.SourceScreen)
		return nil, err
	}
	return track, nil
}

func (d *SyntheticDevices) available(source domain.TrackSource) bool {
	switch source {
	case domain.SourceMicrophone:
		return d.cfg.Microphone
	case domain.SourceCamera:
		return d.cfg.Camera
	case domain.SourceScreen:
		return d.cfg.Screen
	}
	return false
}

// claim reserves every source or none.
func (d *SyntheticDevices) claim(sources ...domain.TrackSource) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range sources {
		if !d.available(s) {
			return apperrors.NewMediaError(apperrors.ErrCodeDeviceNotFound, fmt.Errorf("%s: %w", s, syscall.ENODEV))
		}
		if d.inUse[s] {
			return apperrors.NewMediaError(apperrors.ErrCodeDeviceInUse, fmt.Errorf("%s: %w", s, syscall.EBUSY))
		}
	}
	for _, s := range sources {
		d.inUse[s] = true
	}
	return nil
}

func (d *SyntheticDevices) release(sources ...domain.TrackSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range sources {
		delete(d.inUse, s)
	}
}

func (d *SyntheticDevices) newTrack(source domain.TrackSource, streamID string) (*domain.LocalTrack, error) {
	kind := domain.MediaKindVideo
	mime := webrtc.MimeTypeVP8
	if source == domain.SourceMicrophone {
		kind = domain.MediaKindAudio
		mime = webrtc.MimeTypeOpus
	}

	sample, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		fmt.Sprintf("%s-%s", source, uuid.NewString()[:8]),
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", source, err)
	}

	done := make(chan struct{})
	var once sync.Once
	track := domain.NewLocalTrack(kind, source, sample, func() {
		once.Do(func() { close(done) })
		d.release(source)
		d.logger.Debugw("capture stopped", "source", source, "track_id", sample.ID())
	})

	if source == domain.SourceMicrophone {
		go d.pumpSilence(track, sample, done)
	}
	d.logger.Debugw("capture started", "source", source, "track_id", sample.ID())
	return track, nil
}

// pumpSilence writes silence frames while the track is enabled.
func (d *SyntheticDevices) pumpSilence(track *domain.LocalTrack, sample *webrtc.TrackLocalStaticSample, done <-chan struct{}) {
	ticker := time.NewTicker(audioFrame)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !track.Enabled() {
				continue
			}
			if err := sample.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrame}); err != nil {
				d.logger.Debugw("failed to write audio sample", "track_id", sample.ID(), "error", err)
			}
		}
	}
}
