package domain

import (
	"sort"
	"strings"
	"time"
)

type MessageID string

type ConversationID string

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

var statusRank = map[MessageStatus]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank orders statuses so that transitions can be checked for
// monotonicity: sent < delivered < read.
func (s MessageStatus) Rank() int {
	return statusRank[s]
}

// CanTransitionTo reports whether moving to next is a forward transition.
// A message status never regresses.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	return next.Rank() > s.Rank()
}

type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	SenderID       UserID         `json:"sender_id"`
	ReceiverID     UserID         `json:"receiver_id"`
	Content        string         `json:"content"`
	Status         MessageStatus  `json:"status"`
	Seq            int64          `json:"seq"`
	ClientTempID   string         `json:"client_temp_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ConversationKey derives the canonical conversation id for a pair of
// users. Participants are sorted so either side resolves the same key.
func ConversationKey(a, b UserID) ConversationID {
	ids := []string{string(a), string(b)}
	sort.Strings(ids)
	return ConversationID(strings.Join(ids, ":"))
}

// ConversationParticipants splits a conversation key back into its two
// participant ids.
func ConversationParticipants(id ConversationID) (UserID, UserID, bool) {
	parts := strings.SplitN(string(id), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return UserID(parts[0]), UserID(parts[1]), true
}
