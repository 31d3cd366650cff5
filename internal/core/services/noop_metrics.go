package services

import (
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

type noopMetrics struct{}

var _ ports.CallMetrics = noopMetrics{}

func (noopMetrics) CallStarted(domain.CallType, string) {}
func (noopMetrics) CallEnded(domain.EndReason, time.Duration) {}
func (noopMetrics) PeerConnectionsChanged(int) {}
func (noopMetrics) PeerStateChanged(string) {}
func (noopMetrics) NegotiationCompleted(string, time.Duration) {}
func (noopMetrics) ICERestarted() {}
func (noopMetrics) CandidatesBuffered(int) {}
func (noopMetrics) SignalingMessage(string, string) {}
func (noopMetrics) SignalingDropped(string) {}
func (noopMetrics) MediaAcquisitionFailed(string) {}
