package services

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNoTrack = apperrors.NewNotFoundError("local track")

// MediaService owns the local capture: the shared camera/microphone stream
// and an optional screen track.
type MediaService struct {
	devices ports.MediaDevices
	video   domain.VideoConstraints
	logger  *zap.SugaredLogger
	metrics ports.CallMetrics

	mu     sync.Mutex
	stream *domain.LocalStream
	screen *domain.LocalTrack
}

func NewMediaService(devices ports.MediaDevices, video domain.VideoConstraints, logger *zap.SugaredLogger, metrics ports.CallMetrics) *MediaService {
	return &MediaService{
		devices: devices,
		video:   video,
		logger:  logger,
		metrics: metrics,
	}
}

// AcquireLocalStream returns the current stream or captures a new one:
// microphone always, camera only when video is requested.
func (m *MediaService) AcquireLocalStream(ctx context.Context, video bool) (*domain.LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream != nil {
		return m.stream, nil
	}

	constraints := domain.MediaConstraints{Audio: true}
	if video {
		v := m.video
		constraints.Video = &v
	}

	tracks, err := m.devices.GetUserMedia(ctx, constraints)
	if err != nil {
		return nil, m.fail("user media", err)
	}

	m.stream = domain.NewLocalStream(uuid.NewString(), tracks...)
	m.logger.Infow("local stream acquired",
		"stream_id", m.stream.ID(),
		"tracks", len(tracks),
		"video", video,
	)
	return m.stream, nil
}

// AcquireCameraTrack captures a camera track without touching the stream.
func (m *MediaService) AcquireCameraTrack(ctx context.Context) (*domain.LocalTrack, error) {
	v := m.video
	tracks, err := m.devices.GetUserMedia(ctx, domain.MediaConstraints{Video: &v})
	if err != nil {
		return nil, m.fail("camera", err)
	}

	var camera *domain.LocalTrack
	for _, t := range tracks {
		if t.Kind() == domain.MediaKindVideo && camera == nil {
			camera = t
			continue
		}
		t.Stop()
	}
	if camera == nil {
		return nil, m.fail("camera", apperrors.NewMediaError(apperrors.ErrCodeDeviceNotFound, errors.New("no video track returned")))
	}
	return camera, nil
}

// AppendTrack adds track to the stream and returns the new stream value.
func (m *MediaService) AppendTrack(track *domain.LocalTrack) *domain.LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		m.stream = domain.NewLocalStream(uuid.NewString(), track)
	} else {
		m.stream = m.stream.WithTrack(track)
	}
	return m.stream
}

func (m *MediaService) AcquireScreenTrack(ctx context.Context) (*domain.LocalTrack, error) {
	m.mu.Lock()
	if m.screen != nil && !m.screen.Stopped() {
		screen := m.screen
		m.mu.Unlock()
		return screen, nil
	}
	m.mu.Unlock()

	track, err := m.devices.GetDisplayMedia(ctx)
	if err != nil {
		return nil, m.fail("display media", err)
	}

	m.mu.Lock()
	m.screen = track
	m.mu.Unlock()
	return track, nil
}

func (m *MediaService) ReleaseScreenTrack() {
	m.mu.Lock()
	screen := m.screen
	m.screen = nil
	m.mu.Unlock()

	if screen != nil {
		screen.Stop()
	}
}

// ScreenTrack returns the live screen track, or nil.
func (m *MediaService) ScreenTrack() *domain.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screen == nil || m.screen.Stopped() {
		return nil
	}
	return m.screen
}

// CameraTrack returns the first live camera track of the stream.
func (m *MediaService) CameraTrack() *domain.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	for _, t := range m.stream.TracksOfKind(domain.MediaKindVideo) {
		if t.Source() == domain.SourceCamera && !t.Stopped() {
			return t
		}
	}
	return nil
}

func (m *MediaService) Stream() *domain.LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// ToggleTrackKind flips enabled on every stream track of kind and returns the
// new state. Tracks keep capturing.
func (m *MediaService) ToggleTrackKind(kind domain.MediaKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		return false, ErrNoTrack
	}
	tracks := m.stream.TracksOfKind(kind)
	if len(tracks) == 0 {
		return false, ErrNoTrack
	}

	enabled := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	return enabled, nil
}

// StopAll stops every acquired track. Safe to call repeatedly.
func (m *MediaService) StopAll() {
	m.mu.Lock()
	stream, screen := m.stream, m.screen
	m.stream, m.screen = nil, nil
	m.mu.Unlock()

	if stream != nil {
		for _, t := range stream.Tracks() {
			t.Stop()
		}
	}
	if screen != nil {
		screen.Stop()
	}
}

func (m *MediaService) fail(what string, err error) error {
	classified := classifyMediaError(err)
	m.metrics.MediaAcquisitionFailed(string(classified.Code))
	m.logger.Warnw("media acquisition failed",
		"source", what,
		"code", classified.Code,
		"error", err,
	)
	return classified
}

// classifyMediaError maps a capture failure onto one of the media error
// codes.
func classifyMediaError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		switch appErr.Code {
		case apperrors.ErrCodePermissionDenied, apperrors.ErrCodeDeviceNotFound,
			apperrors.ErrCodeDeviceInUse, apperrors.ErrCodeMediaUnavailable:
			return appErr
		}
	}

	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return apperrors.NewMediaError(apperrors.ErrCodePermissionDenied, err)
	case errors.Is(err, syscall.EBUSY):
		return apperrors.NewMediaError(apperrors.ErrCodeDeviceInUse, err)
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOENT):
		return apperrors.NewMediaError(apperrors.ErrCodeDeviceNotFound, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "notallowed"), strings.Contains(msg, "denied"):
		return apperrors.NewMediaError(apperrors.ErrCodePermissionDenied, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"), strings.Contains(msg, "notreadable"):
		return apperrors.NewMediaError(apperrors.ErrCodeDeviceInUse, err)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no device"), strings.Contains(msg, "no such device"):
		return apperrors.NewMediaError(apperrors.ErrCodeDeviceNotFound, err)
	}
	return apperrors.NewMediaError(apperrors.ErrCodeMediaUnavailable, err)
}
