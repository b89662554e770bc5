package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitionsAreForwardOnly(t *testing.T) {
	assert.True(t, StatusSent.CanTransitionTo(StatusDelivered))
	assert.True(t, StatusSent.CanTransitionTo(StatusRead))
	assert.True(t, StatusDelivered.CanTransitionTo(StatusRead))

	assert.False(t, StatusDelivered.CanTransitionTo(StatusSent))
	assert.False(t, StatusRead.CanTransitionTo(StatusDelivered))
	assert.False(t, StatusRead.CanTransitionTo(StatusSent))
	assert.False(t, StatusSent.CanTransitionTo(StatusSent))
}

func TestConversationKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, ConversationKey("alice", "bob"), ConversationKey("bob", "alice"))
	assert.Equal(t, ConversationID("alice:bob"), ConversationKey("bob", "alice"))
}

func TestConversationParticipants(t *testing.T) {
	a, b, ok := ConversationParticipants("alice:bob")
	assert.True(t, ok)
	assert.Equal(t, UserID("alice"), a)
	assert.Equal(t, UserID("bob"), b)

	_, _, ok = ConversationParticipants("no-separator")
	assert.False(t, ok)

	_, _, ok = ConversationParticipants(":bob")
	assert.False(t, ok)
}

func TestCallSessionParticipants(t *testing.T) {
	s := &CallSession{ID: "call_1", CallerID: "alice", ReceiverID: "bob", State: CallRinging}

	assert.True(t, s.Live())
	assert.True(t, s.HasParticipant("alice"))
	assert.False(t, s.HasParticipant("carol"))

	other, ok := s.OtherParty("alice")
	assert.True(t, ok)
	assert.Equal(t, UserID("bob"), other)

	_, ok = s.OtherParty("carol")
	assert.False(t, ok)

	s.State = CallEnded
	assert.False(t, s.Live())
}
