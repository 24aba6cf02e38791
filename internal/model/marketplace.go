package model

import "context"

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
)

// Terminal reports whether no further transition is allowed from s.
func (s OfferStatus) Terminal() bool {
	return s == OfferAccepted || s == OfferRejected
}

type OfferAction string

const (
	ActionAccept OfferAction = "accept"
	ActionReject OfferAction = "reject"
)

// Result returns the status an offer ends in after the action is applied.
func (a OfferAction) Result() OfferStatus {
	if a == ActionAccept {
		return OfferAccepted
	}
	return OfferRejected
}

type Listing struct {
	ID             int64   `json:"id" db:"id"`
	ItemName       string  `json:"item_name" db:"item_name"`
	ListedPrice    float64 `json:"listed_price" db:"listed_price"`
	AIAgentAddress string  `json:"ai_agent_address" db:"ai_agent_address"`
	OwnerName      string  `json:"owner_name" db:"owner_name"`
}

type Offer struct {
	ID         int64       `json:"id" db:"id"`
	ListingID  int64       `json:"listing_id" db:"listing_id"`
	OfferPrice float64     `json:"offer_price" db:"offer_price"`
	BuyerName  string      `json:"buyer_name" db:"buyer_name"`
	Status     OfferStatus `json:"status" db:"status"`
}

// OfferView is an offer joined with the listing it targets.
type OfferView struct {
	Offer
	ItemName     string `json:"item_name" db:"item_name"`
	CurrentOwner string `json:"current_owner" db:"current_owner"`
}

// Repository is the persistence port of the marketplace service.
type Repository interface {
	CreateListing(ctx context.Context, listing *Listing) error
	ListListings(ctx context.Context) ([]Listing, error)
	ListOffers(ctx context.Context) ([]OfferView, error)
	// Atomic runs fn in a single transaction. fn's error rolls it back.
	Atomic(ctx context.Context, fn func(tx RepositoryTx) error) error
}

// RepositoryTx is the set of operations available inside Atomic.
type RepositoryTx interface {
	// GetListing returns nil, nil when the listing does not exist.
	GetListing(ctx context.Context, id int64) (*Listing, error)
	CreateOffer(ctx context.Context, offer *Offer) error
	// GetOfferForUpdate locks the offer's listing row and then the offer row
	// until the transaction ends.
	// It returns nil, nil when the offer does not exist.
	GetOfferForUpdate(ctx context.Context, id int64) (*Offer, error)
	UpdateOfferStatus(ctx context.Context, id int64, status OfferStatus) error
	UpdateListingOwner(ctx context.Context, listingID int64, owner string) error
	// RejectPendingOffers rejects every pending offer on the listing except
	// the given one and returns the rejected offers.
	RejectPendingOffers(ctx context.Context, listingID, exceptOfferID int64) ([]Offer, error)
}
