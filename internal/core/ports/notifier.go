package ports

import "alumlink/internal/core/domain"

// Notifier pushes outbound events to live client connections. Implemented
// by the gateway; push success is transport-level only and never implies
// delivery.
type Notifier interface {
	PushToUser(userID domain.UserID, event domain.Event)
	PushToConnection(connID domain.ConnectionID, event domain.Event)
	Broadcast(event domain.Event)
}

// MetricsRecorder receives operational counters from the core services.
type MetricsRecorder interface {
	RecordUserOnline()
	RecordUserOffline()
	RecordConnectionOpened()
	RecordConnectionClosed()
	RecordMessageSubmitted()
	RecordStatusTransition(status domain.MessageStatus)
	RecordCallStarted(callType domain.CallType)
	RecordCallEnded(reason domain.CallEndReason, durationSeconds float64)
	RecordSignalRelayed()
}

// PresencePublisher fans presence transitions out to other gateway
// instances.
type PresencePublisher interface {
	PublishPresence(userID domain.UserID, online bool)
}
