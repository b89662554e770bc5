package ports

import (
	"context"
	"encoding/json"

	"alumlink/internal/core/domain"
)

// PresenceRegistry is the authoritative map of users to live connections.
type PresenceRegistry interface {
	Register(ctx context.Context, userID domain.UserID, connID domain.ConnectionID) error
	Unregister(ctx context.Context, connID domain.ConnectionID) error
	IsOnline(userID domain.UserID) bool
	ConnectionsFor(userID domain.UserID) []domain.ConnectionID
	OnlineUsers() []domain.UserID
}

// MessageService is the staged-delivery message pipeline.
type MessageService interface {
	Submit(ctx context.Context, senderID, receiverID domain.UserID, content, clientTempID string) (*domain.Message, error)
	AcknowledgeDelivered(ctx context.Context, ackingUserID domain.UserID, messageIDs []domain.MessageID) error
	AcknowledgeRead(ctx context.Context, ackingUserID domain.UserID, conversationID domain.ConversationID) error
	History(ctx context.Context, requesterID, counterpartID domain.UserID, afterSeq int64, limit int) ([]*domain.Message, error)
}

// CallCoordinator drives the per-call state machine and relays signaling
// payloads between the two participants.
type CallCoordinator interface {
	InitCall(ctx context.Context, callerID, receiverID domain.UserID, callType domain.CallType) (*domain.CallSession, error)
	AnswerCall(ctx context.Context, callID domain.CallID, answererID domain.UserID) error
	RejectCall(ctx context.Context, callID domain.CallID, byID domain.UserID) error
	EndCall(ctx context.Context, callID domain.CallID, byID domain.UserID) error
	RelaySignal(ctx context.Context, callID domain.CallID, fromID domain.UserID, payload json.RawMessage) error
	SessionFor(userID domain.UserID) (*domain.CallSession, bool)

	// Presence hooks. UserOffline is invoked when a user's last connection
	// drops; UserOnline cancels a pending disconnect grace window.
	UserOffline(userID domain.UserID)
	UserOnline(userID domain.UserID)
}
