package services

import (
	"context"
	"errors"
	"fmt"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Renegotiator changes the media of established connections: adding tracks,
// swapping the outbound video source and restarting ICE.
type Renegotiator struct {
	peers   *PeerManager
	calls   ports.CallReader
	logger  *zap.SugaredLogger
	metrics ports.CallMetrics

	onUnrecoverable func(userID domain.UserID, err error)
}

func NewRenegotiator(peers *PeerManager, calls ports.CallReader, logger *zap.SugaredLogger, metrics ports.CallMetrics) *Renegotiator {
	r := &Renegotiator{
		peers:   peers,
		calls:   calls,
		logger:  logger,
		metrics: metrics,
	}
	peers.recovery = r
	return r
}

// OnUnrecoverable registers the callback run when a broken connection
// cannot be recovered.
func (r *Renegotiator) OnUnrecoverable(fn func(userID domain.UserID, err error)) {
	r.onUnrecoverable = fn
}

// Renegotiate sends a fresh offer to userID.
func (r *Renegotiator) Renegotiate(ctx context.Context, userID domain.UserID, iceRestart bool) error {
	return r.peers.SendOffer(ctx, userID, iceRestart)
}

// RestartICE renegotiates with new ICE credentials. Failing to even send the
// restart is reported as unrecoverable.
func (r *Renegotiator) RestartICE(ctx context.Context, userID domain.UserID) error {
	r.metrics.ICERestarted()
	err := r.peers.SendOffer(ctx, userID, true)
	if err == nil {
		return nil
	}

	r.logger.Errorw("ICE restart failed", "user_id", userID, "error", err)
	if errors.Is(err, domain.ErrCallPending) || errors.Is(err, domain.ErrNoActiveCall) {
		if r.onUnrecoverable != nil {
			r.onUnrecoverable(userID, err)
		}
	}
	return err
}

// AddTrack adds track to every connection that has no sender of its kind and
// renegotiates those connections one after another.
func (r *Renegotiator) AddTrack(ctx context.Context, track *domain.LocalTrack) error {
	var errs []error
	for _, userID := range r.peers.Peers() {
		peer, ok := r.peers.Peer(userID)
		if !ok {
			continue
		}
		peer.mu.Lock()
		videoSender := peer.videoSender
		peer.mu.Unlock()
		if track.Kind() == domain.MediaKindVideo && videoSender != nil {
			// an emptied video slot is refilled in place
			if videoSender.Track() == nil {
				if err := videoSender.ReplaceTrack(track.Track()); err != nil {
					errs = append(errs, fmt.Errorf("refill video sender for %s: %w", userID, err))
				}
			}
			continue
		}
		if hasSenderOfKind(peer.pc, track.Kind()) {
			r.logger.Debugw("connection already sends this kind, skipping",
				"user_id", userID,
				"kind", track.Kind(),
			)
			continue
		}

		sender, err := peer.pc.AddTrack(track.Track())
		if err != nil {
			errs = append(errs, fmt.Errorf("add %s track for %s: %w", track.Kind(), userID, err))
			continue
		}
		if track.Kind() == domain.MediaKindVideo {
			peer.mu.Lock()
			peer.videoSender = sender
			peer.mu.Unlock()
		}

		if err := r.Renegotiate(ctx, userID, false); err != nil {
			errs = append(errs, fmt.Errorf("renegotiate %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

// ReplaceVideoTrack swaps the outbound video on every connection without
// renegotiating. Connections that never sent video get the track added.
func (r *Renegotiator) ReplaceVideoTrack(ctx context.Context, track webrtc.TrackLocal) error {
	var errs []error
	for _, userID := range r.peers.Peers() {
		peer, ok := r.peers.Peer(userID)
		if !ok {
			continue
		}

		peer.mu.Lock()
		sender := peer.videoSender
		peer.mu.Unlock()

		if sender != nil {
			if err := sender.ReplaceTrack(track); err != nil {
				errs = append(errs, fmt.Errorf("replace video track for %s: %w", userID, err))
			}
			continue
		}
		if track == nil {
			continue
		}

		sender, err := peer.pc.AddTrack(track)
		if err != nil {
			errs = append(errs, fmt.Errorf("add video track for %s: %w", userID, err))
			continue
		}
		peer.mu.Lock()
		peer.videoSender = sender
		peer.mu.Unlock()

		r.logger.Infow("connection had no video sender, track added", "user_id", userID)
		if err := r.Renegotiate(ctx, userID, false); err != nil {
			errs = append(errs, fmt.Errorf("renegotiate %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Renegotiator) connectionFailed(userID domain.UserID) {
	_ = r.RestartICE(context.Background(), userID)
}

func (r *Renegotiator) disconnectTimedOut(userID domain.UserID) {
	_ = r.RestartICE(context.Background(), userID)
}

func hasSenderOfKind(pc ports.PeerConnection, kind domain.MediaKind) bool {
	for _, s := range pc.Senders() {
		t := s.Track()
		if t != nil && domain.KindFromCodecType(t.Kind()) == kind {
			return true
		}
	}
	return false
}
