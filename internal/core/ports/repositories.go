package ports

import (
	"context"

	"alumlink/internal/core/domain"
)

// MessageRepository is the durable, append-only history store. Append
// assigns the per-conversation sequence number; status updates are
// forward-only.
type MessageRepository interface {
	Append(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, id domain.MessageID) (*domain.Message, error)
	GetByClientTempID(ctx context.Context, sender domain.UserID, clientTempID string) (*domain.Message, error)
	UpdateStatus(ctx context.Context, id domain.MessageID, status domain.MessageStatus) error
	// ListConversation returns messages with seq > afterSeq in ascending
	// seq order, at most limit entries.
	ListConversation(ctx context.Context, conv domain.ConversationID, afterSeq int64, limit int) ([]*domain.Message, error)
	// UnreadFor returns messages in the conversation addressed to the user
	// that are not yet read, in ascending seq order.
	UnreadFor(ctx context.Context, conv domain.ConversationID, receiver domain.UserID) ([]*domain.Message, error)
}
