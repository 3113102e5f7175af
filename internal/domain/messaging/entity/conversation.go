package entity

import "time"

// ConversationType describes which kinds of parties talk
type ConversationType string

const (
	ConversationIndividualTenant ConversationType = "individual_tenant"
	ConversationTenantTenant     ConversationType = "tenant_tenant"
)

// UnreadEntry is one participant's unread counter and read watermark
type UnreadEntry struct {
	ParticipantKey string     `json:"participant_key"`
	Count          int        `json:"count"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// Conversation is a deduplicated two-party thread
type Conversation struct {
	ID                 string           `json:"id"`
	Participants       [2]Participant   `json:"participants"`
	CompositeKey       string           `json:"composite_key"`
	Type               ConversationType `json:"conversation_type"`
	TenantContext      *TenantRef       `json:"tenant_context,omitempty"`
	LastMessageAt      time.Time        `json:"last_message_at"`
	LastMessagePreview string           `json:"last_message_preview,omitempty"`
	Unread             []UnreadEntry    `json:"unread"`
	ReconciledAt       *time.Time       `json:"reconciled_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// NewConversation builds a conversation with zeroed counters for both parties.
// The ID is left for the store to assign.
func NewConversation(a, b Participant, tenantContext *TenantRef, now time.Time) (*Conversation, error) {
	if err := ValidatePair(a, b); err != nil {
		return nil, err
	}

	conv := &Conversation{
		Participants:  [2]Participant{a, b},
		CompositeKey:  CompositeKey(a, b),
		Type:          PairType(a, b),
		LastMessageAt: now,
		CreatedAt:     now,
		Unread: []UnreadEntry{
			{ParticipantKey: a.Key(), UpdatedAt: now},
			{ParticipantKey: b.Key(), UpdatedAt: now},
		},
	}

	if tenantContext == nil && conv.Type == ConversationIndividualTenant {
		for _, p := range conv.Participants {
			if ref, ok := p.Tenant(); ok {
				tenantContext = &ref
			}
		}
	}
	if tenantContext != nil {
		if !conv.HasTenant(*tenantContext) {
			return nil, ErrInvalidTenantContext
		}
		tc := *tenantContext
		conv.TenantContext = &tc
	}

	return conv, nil
}

// ValidatePair checks two participants can form a conversation
func ValidatePair(a, b Participant) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if a.Equal(b) {
		return ErrInvalidParticipants
	}
	if a.Kind == ParticipantIndividual && b.Kind == ParticipantIndividual {
		return ErrInvalidParticipants
	}
	return nil
}

// PairType classifies a valid pair
func PairType(a, b Participant) ConversationType {
	if a.Kind == ParticipantTenant && b.Kind == ParticipantTenant {
		return ConversationTenantTenant
	}
	return ConversationIndividualTenant
}

// HasParticipant reports whether p is one of the two parties
func (c *Conversation) HasParticipant(p Participant) bool {
	return c.Participants[0].Equal(p) || c.Participants[1].Equal(p)
}

// HasTenant reports whether the tenant is one of the two parties
func (c *Conversation) HasTenant(ref TenantRef) bool {
	return c.HasParticipant(Tenant(ref.Kind, ref.ID))
}

// Counterpart returns the party that is not p
func (c *Conversation) Counterpart(p Participant) (Participant, bool) {
	switch {
	case c.Participants[0].Equal(p):
		return c.Participants[1], true
	case c.Participants[1].Equal(p):
		return c.Participants[0], true
	}
	return Participant{}, false
}

// UnreadFor returns the unread entry for a participant key
func (c *Conversation) UnreadFor(key string) UnreadEntry {
	for _, u := range c.Unread {
		if u.ParticipantKey == key {
			return u
		}
	}
	return UnreadEntry{ParticipantKey: key}
}

// NeedsTenantContext reports whether tc should be written onto the stored conversation
func (c *Conversation) NeedsTenantContext(tc *TenantRef) bool {
	if tc == nil {
		return false
	}
	return c.TenantContext == nil || *c.TenantContext != *tc
}

// ApplyMessage mutates counters the way an append by sender does:
// every other party gains one unread, the sender only gets a fresh updatedAt.
// Stores without an atomic increment primitive run this inside an optimistic transaction.
func (c *Conversation) ApplyMessage(senderKey, preview string, at time.Time) {
	for i := range c.Unread {
		if c.Unread[i].ParticipantKey != senderKey {
			c.Unread[i].Count++
		}
		c.Unread[i].UpdatedAt = at
	}
	if !at.Before(c.LastMessageAt) {
		c.LastMessageAt = at
		c.LastMessagePreview = preview
	}
}

// ApplyRead zeroes the participant's counter and moves its read watermark
func (c *Conversation) ApplyRead(key string, at time.Time) bool {
	for i := range c.Unread {
		if c.Unread[i].ParticipantKey == key {
			c.Unread[i].Count = 0
			c.Unread[i].UpdatedAt = at
			readAt := at
			c.Unread[i].ReadAt = &readAt
			return true
		}
	}
	return false
}

// LastMessage summarizes the newest message a conversation shows in its inbox row
type LastMessage struct {
	At      time.Time
	Preview string
}

// ApplyLastMessage moves the last message fields forward, never back
func (c *Conversation) ApplyLastMessage(last LastMessage) {
	if last.At.After(c.LastMessageAt) {
		c.LastMessageAt = last.At
		c.LastMessagePreview = last.Preview
	}
}

// ConversationView is the list projection rendered for one caller
type ConversationView struct {
	ID                 string           `json:"id"`
	Type               ConversationType `json:"conversation_type"`
	Me                 Participant      `json:"me"`
	Counterpart        Participant      `json:"counterpart"`
	CounterpartName    string           `json:"counterpart_name"`
	TenantContext      *TenantRef       `json:"tenant_context,omitempty"`
	UnreadCount        int              `json:"unread_count"`
	LastMessagePreview string           `json:"last_message_preview,omitempty"`
	LastMessageAt      time.Time        `json:"last_message_at"`
}
