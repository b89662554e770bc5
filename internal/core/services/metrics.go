package services

import "alumlink/internal/core/domain"

// noopMetrics is substituted when no recorder is wired, so services never
// nil-check before recording.
type noopMetrics struct{}

func (noopMetrics) RecordUserOnline()                             {}
func (noopMetrics) RecordUserOffline()                            {}
func (noopMetrics) RecordConnectionOpened()                       {}
func (noopMetrics) RecordConnectionClosed()                       {}
func (noopMetrics) RecordMessageSubmitted()                       {}
func (noopMetrics) RecordStatusTransition(domain.MessageStatus)   {}
func (noopMetrics) RecordCallStarted(domain.CallType)             {}
func (noopMetrics) RecordCallEnded(domain.CallEndReason, float64) {}
func (noopMetrics) RecordSignalRelayed()                          {}
