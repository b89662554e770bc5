package domain

import "encoding/json"

type EventType string

const (
	EventUserOnline          EventType = "user_online"
	EventUserOffline         EventType = "user_offline"
	EventReceiveMessage      EventType = "receive_message"
	EventHistory             EventType = "history"
	EventMessageAck          EventType = "message_ack"
	EventMessageStatusUpdate EventType = "message_status_update"
	EventCallIncoming        EventType = "call_incoming"
	EventCallAccepted        EventType = "call_accepted"
	EventCallEnded           EventType = "call_ended"
	EventSignal              EventType = "signal"
	EventTyping              EventType = "typing"
	EventError               EventType = "error"
)

// Event is the outbound envelope pushed to client connections.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type PresencePayload struct {
	UserID UserID `json:"user_id"`
}

// MessageAckPayload echoes the server-assigned identity of a submitted
// message back to the sending connection.
type MessageAckPayload struct {
	ClientTempID   string         `json:"client_temp_id,omitempty"`
	MessageID      MessageID      `json:"message_id"`
	ConversationID ConversationID `json:"conversation_id"`
	Seq            int64          `json:"seq"`
	Status         MessageStatus  `json:"status"`
}

type StatusUpdatePayload struct {
	ConversationID ConversationID `json:"conversation_id"`
	MessageIDs     []MessageID    `json:"message_ids"`
	Status         MessageStatus  `json:"status"`
}

type CallIncomingPayload struct {
	CallID   CallID   `json:"call_id"`
	CallerID UserID   `json:"caller_id"`
	Type     CallType `json:"type"`
}

type CallAcceptedPayload struct {
	CallID     CallID `json:"call_id"`
	AnsweredBy UserID `json:"answered_by"`
}

type CallEndedPayload struct {
	CallID CallID        `json:"call_id"`
	Reason CallEndReason `json:"reason"`
}

// SignalPayload carries session-description/ICE data between call
// participants. Data is relayed verbatim and never inspected.
type SignalPayload struct {
	CallID CallID          `json:"call_id"`
	FromID UserID          `json:"from_id"`
	Data   json.RawMessage `json:"data"`
}

type TypingPayload struct {
	ConversationID ConversationID `json:"conversation_id"`
	UserID         UserID         `json:"user_id"`
	Typing         bool           `json:"typing"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
