package signal

import (
	"time"

	"meshcall/internal/core/domain"
)

type nopMetrics struct{}

func (nopMetrics) ConnectionsChanged(int) {}
func (nopMetrics) CallSessionOpened() {}
func (nopMetrics) CallSessionClosed(string) {}
func (nopMetrics) MessageRelayed(string) {}
func (nopMetrics) MessageRejected(string) {}

func (nopMetrics) CallStarted(domain.CallType, string) {}
func (nopMetrics) CallEnded(domain.EndReason, time.Duration) {}
func (nopMetrics) PeerConnectionsChanged(int) {}
func (nopMetrics) PeerStateChanged(string) {}
func (nopMetrics) NegotiationCompleted(string, time.Duration) {}
func (nopMetrics) ICERestarted() {}
func (nopMetrics) CandidatesBuffered(int) {}
func (nopMetrics) SignalingMessage(string, string) {}
func (nopMetrics) SignalingDropped(string) {}
func (nopMetrics) MediaAcquisitionFailed(string) {}
