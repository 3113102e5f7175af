package entity

import "time"

// MessageAppended is emitted after a message has been durably stored.
// Consumers (notifications, emails) run outside the request path.
type MessageAppended struct {
	MessageID      string      `json:"message_id"`
	ConversationID string      `json:"conversation_id"`
	Sender         Participant `json:"sender"`
	Recipient      Participant `json:"recipient"`
	Type           MessageType `json:"message_type"`
	Preview        string      `json:"preview"`
	CreatedAt      time.Time   `json:"created_at"`
}
