package entity

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MessageType represents the type of a message
type MessageType string

const (
	MessageTypeText         MessageType = "text"
	MessageTypeOrderRequest MessageType = "order_request"
	MessageTypeEventRequest MessageType = "event_request"
)

// RequestStatus is the lifecycle state of a structured request
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
)

// DefaultMaxTextLength is the maximum number of characters in a message text
const DefaultMaxTextLength = 2000

// PreviewLength is the number of characters kept in a conversation preview
const PreviewLength = 120

// StructuredPayload is the machine-actionable part of a request message
type StructuredPayload struct {
	Status     RequestStatus  `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Message is an immutable entry of a conversation log
type Message struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	Sender         Participant        `json:"sender"`
	Text           string             `json:"text"`
	Type           MessageType        `json:"message_type"`
	Payload        *StructuredPayload `json:"structured_payload,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`

	// ReadBy is derived from the conversation read watermarks when listing
	ReadBy []string `json:"read_by,omitempty"`
}

// IsValidMessageType checks if a message type is valid
func IsValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeText, MessageTypeOrderRequest, MessageTypeEventRequest:
		return true
	}
	return false
}

// IsStructuredRequest reports whether the type carries a payload
func (t MessageType) IsStructuredRequest() bool {
	return t == MessageTypeOrderRequest || t == MessageTypeEventRequest
}

// ValidateMessageText validates the text for a message
func ValidateMessageText(text string, maxLength int) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxTextLength
	}
	if utf8.RuneCountInString(text) > maxLength {
		return ErrMessageTooLong
	}
	return nil
}

// ValidateContent checks type, text and payload together
func ValidateContent(msgType MessageType, text string, payload *StructuredPayload, maxLength int) error {
	if !IsValidMessageType(msgType) {
		return ErrInvalidMessageType
	}
	if msgType.IsStructuredRequest() {
		if payload == nil {
			return ErrInvalidPayload
		}
		if text == "" {
			return nil
		}
		return ValidateMessageText(text, maxLength)
	}
	if payload != nil {
		return ErrInvalidPayload
	}
	return ValidateMessageText(text, maxLength)
}

// Preview returns the conversation preview for a message.
// Request payloads never leak into previews.
func Preview(msgType MessageType, text string) string {
	switch msgType {
	case MessageTypeOrderRequest:
		return "New order request"
	case MessageTypeEventRequest:
		return "New event request"
	}
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewLength])
}

// CanTransition reports whether a request may move from one status to another
func CanTransition(from, to RequestStatus) bool {
	return from == RequestPending && (to == RequestAccepted || to == RequestDeclined)
}

// ParseRequestStatus parses a terminal status requested by a workflow
func ParseRequestStatus(s string) (RequestStatus, error) {
	switch RequestStatus(s) {
	case RequestAccepted, RequestDeclined:
		return RequestStatus(s), nil
	default:
		return "", ErrInvalidStatusTransition
	}
}

// ReadersOf computes which participants have read a message,
// using the sender plus every read watermark at or after the message time.
func ReadersOf(msg Message, unread []UnreadEntry) []string {
	readers := []string{msg.Sender.Key()}
	for _, u := range unread {
		if u.ParticipantKey == msg.Sender.Key() || u.ReadAt == nil {
			continue
		}
		if !u.ReadAt.Before(msg.CreatedAt) {
			readers = append(readers, u.ParticipantKey)
		}
	}
	return readers
}
