package model

import "time"

// EventType names a marketplace domain event.
type EventType string

const (
	EventListingCreated EventType = "listing.created"
	EventOfferCreated   EventType = "offer.created"
	EventOfferAccepted  EventType = "offer.accepted"
	EventOfferRejected  EventType = "offer.rejected"
)

func (t EventType) IsValid() bool {
	switch t {
	case EventListingCreated, EventOfferCreated, EventOfferAccepted, EventOfferRejected:
		return true
	default:
		return false
	}
}

// Event is emitted after a marketplace write commits. It is published to the
// marketplace events topic and consumed by the projectors.
type Event struct {
	ID         string    `json:"id"` // ULID
	Type       EventType `json:"type"`
	ListingID  int64     `json:"listing_id"`
	OfferID    int64     `json:"offer_id,omitempty"`
	Actor      string    `json:"actor"` // owner for listing events, buyer for offer events
	Price      float64   `json:"price"`
	OccurredAt time.Time `json:"occurred_at"`
}
