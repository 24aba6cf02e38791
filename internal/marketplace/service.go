package marketplace

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"marketplace-backend/internal/apperr"
	"marketplace-backend/internal/model"
)

// EventPublisher receives domain events after the write that produced them
// has committed.
type EventPublisher interface {
	Publish(ctx context.Context, evt model.Event) error
}

// PublisherFunc adapts a function to EventPublisher.
type PublisherFunc func(ctx context.Context, evt model.Event) error

func (f PublisherFunc) Publish(ctx context.Context, evt model.Event) error { return f(ctx, evt) }

// NopPublisher drops every event.
var NopPublisher = PublisherFunc(func(context.Context, model.Event) error { return nil })

// Service enforces the listing/offer rules on top of a model.Repository.
type Service struct {
	repo      model.Repository
	publisher EventPublisher
	now       func() time.Time
}

func NewService(repo model.Repository, publisher EventPublisher) *Service {
	if publisher == nil {
		publisher = NopPublisher
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		now:       time.Now,
	}
}

func (s *Service) CreateListing(ctx context.Context, req CreateListingRequest) (*model.Listing, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	listing := &model.Listing{
		ItemName:       req.ItemName,
		ListedPrice:    req.ListedPrice,
		AIAgentAddress: req.AIAgentAddress,
		OwnerName:      req.OwnerName,
	}
	if err := s.repo.CreateListing(ctx, listing); err != nil {
		return nil, errors.Wrap(err, "create listing")
	}

	log.WithFields(log.Fields{"listing_id": listing.ID, "owner": listing.OwnerName}).Info("listing created")
	s.publish(ctx, s.event(model.EventListingCreated, listing.ID, 0, listing.OwnerName, listing.ListedPrice))
	return listing, nil
}

func (s *Service) ListListings(ctx context.Context) ([]model.Listing, error) {
	listings, err := s.repo.ListListings(ctx)
	return listings, errors.Wrap(err, "list listings")
}

func (s *Service) ListOffers(ctx context.Context) ([]model.OfferView, error) {
	offers, err := s.repo.ListOffers(ctx)
	return offers, errors.Wrap(err, "list offers")
}

func (s *Service) CreateOffer(ctx context.Context, req CreateOfferRequest) (*model.Offer, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	offer := &model.Offer{
		ListingID:  req.ListingID,
		OfferPrice: req.OfferPrice,
		BuyerName:  req.BuyerName,
		Status:     model.OfferPending,
	}
	err := s.repo.Atomic(ctx, func(tx model.RepositoryTx) error {
		listing, err := tx.GetListing(ctx, req.ListingID)
		if err != nil {
			return err
		}
		if listing == nil {
			return apperr.NotFound("listing %d not found", req.ListingID)
		}
		return tx.CreateOffer(ctx, offer)
	})
	if err != nil {
		return nil, errors.Wrap(err, "create offer")
	}

	log.WithFields(log.Fields{"offer_id": offer.ID, "listing_id": offer.ListingID, "buyer": offer.BuyerName}).Info("offer created")
	s.publish(ctx, s.event(model.EventOfferCreated, offer.ListingID, offer.ID, offer.BuyerName, offer.OfferPrice))
	return offer, nil
}

// RespondToOffer moves a pending offer to accepted or rejected. Accepting
// transfers the listing to the buyer and rejects the listing's other pending
// offers in the same transaction.
func (s *Service) RespondToOffer(ctx context.Context, offerID int64, req RespondToOfferRequest) (*model.Offer, error) {
	if err := validateRequest(req); err != nil {
		return nil, apperr.Validation("action must be one of: %s, %s", model.ActionAccept, model.ActionReject)
	}
	action := model.OfferAction(req.Action)
	if offerID <= 0 {
		return nil, apperr.NotFound("offer %d not found", offerID)
	}

	var (
		offer    *model.Offer
		rejected []model.Offer
	)
	err := s.repo.Atomic(ctx, func(tx model.RepositoryTx) error {
		var err error
		offer, err = tx.GetOfferForUpdate(ctx, offerID)
		if err != nil {
			return err
		}
		if offer == nil {
			return apperr.NotFound("offer %d not found", offerID)
		}
		if offer.Status.Terminal() {
			return apperr.Conflict("offer %d already %s", offerID, offer.Status)
		}

		offer.Status = action.Result()
		if err := tx.UpdateOfferStatus(ctx, offer.ID, offer.Status); err != nil {
			return err
		}
		if action != model.ActionAccept {
			return nil
		}
		if err := tx.UpdateListingOwner(ctx, offer.ListingID, offer.BuyerName); err != nil {
			return err
		}
		rejected, err = tx.RejectPendingOffers(ctx, offer.ListingID, offer.ID)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "respond to offer")
	}

	log.WithFields(log.Fields{
		"offer_id":      offer.ID,
		"listing_id":    offer.ListingID,
		"status":        offer.Status,
		"auto_rejected": len(rejected),
	}).Info("offer responded")

	evtType := model.EventOfferRejected
	if offer.Status == model.OfferAccepted {
		evtType = model.EventOfferAccepted
	}
	events := []model.Event{s.event(evtType, offer.ListingID, offer.ID, offer.BuyerName, offer.OfferPrice)}
	for _, r := range rejected {
		events = append(events, s.event(model.EventOfferRejected, r.ListingID, r.ID, r.BuyerName, r.OfferPrice))
	}
	s.publish(ctx, events...)
	return offer, nil
}

func (s *Service) event(t model.EventType, listingID, offerID int64, actor string, price float64) model.Event {
	return model.Event{
		ID:         ulid.Make().String(),
		Type:       t,
		ListingID:  listingID,
		OfferID:    offerID,
		Actor:      actor,
		Price:      price,
		OccurredAt: s.now().UTC(),
	}
}

// publish is fire-and-forget: the write already committed, so a failed
// publish is logged and never surfaced to the caller.
func (s *Service) publish(ctx context.Context, events ...model.Event) {
	ctx = context.WithoutCancel(ctx)
	for _, evt := range events {
		if err := s.publisher.Publish(ctx, evt); err != nil {
			log.WithError(err).WithFields(log.Fields{"event_id": evt.ID, "type": evt.Type}).Warn("publish event failed")
		}
	}
}
