package entity

import (
	"sort"
	"strings"
)

// ParticipantKind tells whether a participant is a person or a business tenant
type ParticipantKind string

const (
	ParticipantIndividual ParticipantKind = "individual"
	ParticipantTenant     ParticipantKind = "tenant"
)

// individualPrefix is the canonical key namespace for individuals.
// Tenant keys use their tenant kind as namespace instead.
const individualPrefix = "individual"

// TenantRef identifies a business tenant (e.g. company/c1)
type TenantRef struct {
	Kind string `json:"tenant_kind"`
	ID   string `json:"tenant_id"`
}

// Key returns "<kind>:<id>"
func (t TenantRef) Key() string {
	return t.Kind + ":" + t.ID
}

// IsZero reports whether the reference is empty
func (t TenantRef) IsZero() bool {
	return t.Kind == "" && t.ID == ""
}

// Validate checks that both parts are present and usable in a key
func (t TenantRef) Validate() error {
	if t.Kind == "" || t.ID == "" {
		return ErrInvalidParticipant
	}
	if t.Kind == individualPrefix || strings.Contains(t.Kind, ":") {
		return ErrInvalidParticipant
	}
	return nil
}

// Participant is one party of a conversation: either an individual acting for
// themselves or a tenant acted for through a membership.
type Participant struct {
	Kind         ParticipantKind `json:"kind"`
	IndividualID string          `json:"individual_id,omitempty"`
	TenantKind   string          `json:"tenant_kind,omitempty"`
	TenantID     string          `json:"tenant_id,omitempty"`
}

// Individual builds an individual participant
func Individual(id string) Participant {
	return Participant{Kind: ParticipantIndividual, IndividualID: id}
}

// Tenant builds a tenant participant
func Tenant(kind, id string) Participant {
	return Participant{Kind: ParticipantTenant, TenantKind: kind, TenantID: id}
}

// Key returns the canonical key. Two participants are equal iff their keys are equal.
func (p Participant) Key() string {
	if p.Kind == ParticipantIndividual {
		return individualPrefix + ":" + p.IndividualID
	}
	return p.TenantKind + ":" + p.TenantID
}

// Equal compares canonical keys
func (p Participant) Equal(other Participant) bool {
	return p.Key() == other.Key()
}

// Tenant returns the tenant reference of a tenant participant
func (p Participant) Tenant() (TenantRef, bool) {
	if p.Kind != ParticipantTenant {
		return TenantRef{}, false
	}
	return TenantRef{Kind: p.TenantKind, ID: p.TenantID}, true
}

// Validate checks that exactly the fields of the participant's kind are set
func (p Participant) Validate() error {
	switch p.Kind {
	case ParticipantIndividual:
		if p.IndividualID == "" || p.TenantKind != "" || p.TenantID != "" {
			return ErrInvalidParticipant
		}
		return nil
	case ParticipantTenant:
		if p.IndividualID != "" {
			return ErrInvalidParticipant
		}
		return TenantRef{Kind: p.TenantKind, ID: p.TenantID}.Validate()
	default:
		return ErrInvalidParticipant
	}
}

// ParseParticipantKey is the inverse of Participant.Key
func ParseParticipantKey(key string) (Participant, error) {
	namespace, id, ok := strings.Cut(key, ":")
	if !ok || namespace == "" || id == "" {
		return Participant{}, ErrInvalidParticipant
	}
	if namespace == individualPrefix {
		return Individual(id), nil
	}
	return Tenant(namespace, id), nil
}

// CompositeKey derives the order-independent pair key used to deduplicate conversations
func CompositeKey(a, b Participant) string {
	keys := []string{a.Key(), b.Key()}
	sort.Strings(keys)
	return keys[0] + "|" + keys[1]
}

// ResolveActingParticipant decides which identity an actor uses inside a conversation
// between a and b. A membership of one of the tenant participants wins over the
// actor's own individual identity; the first participant is checked first.
func ResolveActingParticipant(actorID string, memberships []TenantRef, a, b Participant) (Participant, error) {
	if actorID == "" {
		return Participant{}, ErrUnauthenticated
	}

	for _, p := range []Participant{a, b} {
		ref, ok := p.Tenant()
		if !ok {
			continue
		}
		for _, m := range memberships {
			if m == ref {
				return p, nil
			}
		}
	}

	self := Individual(actorID)
	if self.Equal(a) || self.Equal(b) {
		return self, nil
	}

	return Participant{}, ErrForbidden
}

// CanActAs reports whether the actor may speak as p
func CanActAs(actorID string, memberships []TenantRef, p Participant) bool {
	if ref, ok := p.Tenant(); ok {
		for _, m := range memberships {
			if m == ref {
				return true
			}
		}
		return false
	}
	return p.IndividualID == actorID
}
