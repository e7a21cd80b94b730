// Package events defines the typed, append-only audit event stream. Every
// committed ledger transition yields one or more events with a monotonically
// increasing sequence number; consumers (the audit table, Kafka, websocket
// subscribers) all observe the same order.
package events

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindContentCreated      Kind = "content.created"
	KindAccessPurchased     Kind = "access.purchased"
	KindContentAccessed     Kind = "content.accessed"
	KindAccessRevoked       Kind = "access.revoked"
	KindDecryptionRequested Kind = "decryption.requested"
	KindDecryptionCompleted Kind = "decryption.completed"
)

// Event is the single envelope for all kinds. Fields not used by a kind stay
// zero and are omitted from JSON.
type Event struct {
	Seq       uint64     `json:"seq"`
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	At        time.Time  `json:"at"`
	ContentID uint64     `json:"content_id,omitempty"`
	Principal string     `json:"principal,omitempty"`
	Title     string     `json:"title,omitempty"`
	TokenID   *uint64    `json:"token_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
	Status    string     `json:"status,omitempty"`
}

func newEvent(seq uint64, kind Kind, at time.Time) Event {
	return Event{Seq: seq, ID: uuid.New().String(), Kind: kind, At: at.UTC()}
}

func ContentCreated(seq uint64, at time.Time, contentID uint64, creator, title string) Event {
	ev := newEvent(seq, KindContentCreated, at)
	ev.ContentID = contentID
	ev.Principal = creator
	ev.Title = title
	return ev
}

func AccessPurchased(seq uint64, at time.Time, contentID uint64, buyer string, tokenID uint64, expiresAt time.Time) Event {
	ev := newEvent(seq, KindAccessPurchased, at)
	ev.ContentID = contentID
	ev.Principal = buyer
	ev.TokenID = &tokenID
	exp := expiresAt.UTC()
	ev.ExpiresAt = &exp
	return ev
}

func ContentAccessed(seq uint64, at time.Time, contentID uint64, user string) Event {
	ev := newEvent(seq, KindContentAccessed, at)
	ev.ContentID = contentID
	ev.Principal = user
	return ev
}

func AccessRevoked(seq uint64, at time.Time, contentID uint64, user string) Event {
	ev := newEvent(seq, KindAccessRevoked, at)
	ev.ContentID = contentID
	ev.Principal = user
	return ev
}

func DecryptionRequested(seq uint64, at time.Time, requestID string, contentID uint64, principal string) Event {
	ev := newEvent(seq, KindDecryptionRequested, at)
	ev.RequestID = requestID
	ev.ContentID = contentID
	ev.Principal = principal
	return ev
}

func DecryptionCompleted(seq uint64, at time.Time, requestID, status string) Event {
	ev := newEvent(seq, KindDecryptionCompleted, at)
	ev.RequestID = requestID
	ev.Status = status
	return ev
}
