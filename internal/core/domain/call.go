package domain

import "time"

type CallID string

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

type CallState string

const (
	// CallRinging covers both sides of the same state: the callee sees an
	// incoming ring, the caller sees it as outgoing.
	CallRinging CallState = "ringing"
	CallActive  CallState = "active"
	CallEnded   CallState = "ended"
)

type CallEndReason string

const (
	EndReasonHangup     CallEndReason = "hangup"
	EndReasonRejected   CallEndReason = "rejected"
	EndReasonTimeout    CallEndReason = "timeout"
	EndReasonDisconnect CallEndReason = "disconnect"
)

type CallSession struct {
	ID         CallID        `json:"call_id"`
	CallerID   UserID        `json:"caller_id"`
	ReceiverID UserID        `json:"receiver_id"`
	Type       CallType      `json:"type"`
	State      CallState     `json:"state"`
	EndReason  CallEndReason `json:"end_reason,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	AnsweredAt *time.Time    `json:"answered_at,omitempty"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
}

// Live reports whether the session still occupies its participants.
func (c *CallSession) Live() bool {
	return c.State == CallRinging || c.State == CallActive
}

// HasParticipant reports whether the user is the caller or the receiver.
func (c *CallSession) HasParticipant(u UserID) bool {
	return c.CallerID == u || c.ReceiverID == u
}

// OtherParty returns the counterpart of the given participant.
func (c *CallSession) OtherParty(u UserID) (UserID, bool) {
	switch u {
	case c.CallerID:
		return c.ReceiverID, true
	case c.ReceiverID:
		return c.CallerID, true
	}
	return "", false
}
