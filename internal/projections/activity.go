package projections

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

type OfferCounts struct {
	Total    int64 `json:"total"`
	Pending  int64 `json:"pending"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

// ListingActivity is the projected read model of one listing.
type ListingActivity struct {
	ListingID    int64       `json:"listing_id"`
	Owner        string      `json:"owner"`
	ListedPrice  float64     `json:"listed_price"`
	HighestOffer float64     `json:"highest_offer"`
	Offers       OfferCounts `json:"offers"`
	OwnerHistory []string    `json:"owner_history"`
	LastEventAt  time.Time   `json:"last_event_at"`
}

// ListingActivity returns nil, nil when nothing has been projected for id.
func (p *Projector) ListingActivity(ctx context.Context, id int64) (*ListingActivity, error) {
	fields, err := p.rdb.HGetAll(ctx, listingKey(id)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read listing activity")
	}
	if len(fields) == 0 {
		return nil, nil
	}
	owners, err := p.rdb.LRange(ctx, ownersKey(id), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read owner history")
	}

	a := &ListingActivity{
		ListingID:    id,
		Owner:        fields[fieldOwner],
		ListedPrice:  parseFloat(fields[fieldListedPrice]),
		HighestOffer: parseFloat(fields[fieldHighest]),
		Offers: OfferCounts{
			Total:    parseInt(fields[fieldTotal]),
			Pending:  parseInt(fields[fieldPending]),
			Accepted: parseInt(fields[fieldAccepted]),
			Rejected: parseInt(fields[fieldRejected]),
		},
		OwnerHistory: owners,
	}
	if ts := fields[fieldLastEvent]; ts != "" {
		a.LastEventAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return a, nil
}

// RecentlyActive returns up to limit listing ids, most recently active first.
func (p *Projector) RecentlyActive(ctx context.Context, limit int64) ([]int64, error) {
	members, err := p.rdb.ZRevRange(ctx, recentKey, 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read recent listings")
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
