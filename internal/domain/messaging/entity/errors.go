package entity

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors for messaging
var (
	ErrUnauthenticated         = errors.New("unauthenticated")
	ErrForbidden               = errors.New("actor cannot act as a participant of this conversation")
	ErrConversationNotFound    = errors.New("conversation not found")
	ErrMessageNotFound         = errors.New("message not found")
	ErrTenantNotFound          = errors.New("tenant not found")
	ErrInvalidParticipant      = errors.New("invalid participant")
	ErrInvalidParticipants     = errors.New("a conversation needs two distinct participants, at least one of them a tenant")
	ErrInvalidTenantContext    = errors.New("tenant context must reference a tenant participant")
	ErrEmptyMessage            = errors.New("message text cannot be empty")
	ErrMessageTooLong          = errors.New("message exceeds maximum length")
	ErrInvalidMessageType      = errors.New("invalid message type")
	ErrInvalidPayload          = errors.New("structured payload is required for request messages and forbidden for text")
	ErrNotStructuredRequest    = errors.New("message is not a structured request")
	ErrInvalidStatusTransition = errors.New("request status cannot transition")
	ErrDuplicateConversation   = errors.New("conversation already exists for this participant pair")
	ErrConflict                = errors.New("concurrent update conflict")
	ErrRateLimited             = errors.New("rate limit exceeded")
)

// RateLimitError carries the retry-after hint of a rejected send.
// errors.Is(err, ErrRateLimited) holds for it.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// IsInvalid reports whether err is one of the validation errors
func IsInvalid(err error) bool {
	for _, target := range []error{
		ErrInvalidParticipant,
		ErrInvalidParticipants,
		ErrInvalidTenantContext,
		ErrEmptyMessage,
		ErrMessageTooLong,
		ErrInvalidMessageType,
		ErrInvalidPayload,
		ErrNotStructuredRequest,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
