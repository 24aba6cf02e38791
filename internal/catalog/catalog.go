package catalog

import (
	"math"
	"sort"
	"strings"

	"marketplace-backend/internal/apperr"
)

type Offer struct {
	Buyer   string  `json:"buyer" validate:"required"`
	Amount  float64 `json:"amount" validate:"gte=0"`
	Message string  `json:"message"`
	Date    string  `json:"date"`
}

type Item struct {
	ID           string   `json:"id" validate:"required"`
	Title        string   `json:"title" validate:"required"`
	Description  string   `json:"description"`
	Category     string   `json:"category" validate:"required"`
	Condition    string   `json:"condition"`
	Seller       string   `json:"seller"`
	SellerRating float64  `json:"seller_rating" validate:"gte=0,lte=5"`
	Location     string   `json:"location"`
	PostedDate   string   `json:"posted_date"`
	Images       []string `json:"images"`
	AskingPrice  float64  `json:"asking_price" validate:"gte=0"`
	Status       string   `json:"status"`
	Offers       []Offer  `json:"offers" validate:"dive"`
}

// HighestOffer returns the largest offer, or nil when there are none. Ties
// keep the earliest offer.
func (it *Item) HighestOffer() *Offer {
	var best *Offer
	for i := range it.Offers {
		if best == nil || it.Offers[i].Amount > best.Amount {
			best = &it.Offers[i]
		}
	}
	return best
}

// Catalog is an immutable item list. It is safe for concurrent use.
type Catalog struct {
	items []Item
}

// Match is a search hit annotated with its highest offer.
type Match struct {
	Item         Item
	HighestOffer *Offer
}

type OfferSummary struct {
	Item   Item
	Offers []Offer // highest first
	// TopPercent is the highest offer as a percentage of the asking price,
	// rounded to one decimal. Zero when there are no offers.
	TopPercent float64
}

type CategoryCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type Stats struct {
	TotalItems     int             `json:"total_items"`
	TotalOffers    int             `json:"total_offers"`
	AvgAskingPrice float64         `json:"avg_asking_price"`
	AvgOfferAmount float64         `json:"avg_offer_amount"`
	Categories     []CategoryCount `json:"categories"`
}

func (c *Catalog) Len() int { return len(c.items) }

// Search filters by case-insensitive substring of title or description, exact
// case-insensitive category and maximum asking price. Empty filters and a
// non-positive maxPrice match everything. Results keep catalog order.
func (c *Catalog) Search(query, category string, maxPrice float64) []Match {
	q := strings.ToLower(query)
	matches := []Match{}
	for _, it := range c.items {
		if q != "" && !strings.Contains(strings.ToLower(it.Title), q) && !strings.Contains(strings.ToLower(it.Description), q) {
			continue
		}
		if category != "" && !strings.EqualFold(it.Category, category) {
			continue
		}
		if maxPrice > 0 && it.AskingPrice > maxPrice {
			continue
		}
		cp := it.clone()
		matches = append(matches, Match{Item: cp, HighestOffer: cp.HighestOffer()})
	}
	return matches
}

// Item returns the item with its offers sorted highest first.
func (c *Catalog) Item(id string) (*Item, error) {
	for _, it := range c.items {
		if it.ID == id {
			cp := it.clone()
			sortOffers(cp.Offers)
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("Item with ID '%s' not found.", id)
}

func (c *Catalog) OffersFor(id string) (*OfferSummary, error) {
	it, err := c.Item(id)
	if err != nil {
		return nil, err
	}
	s := &OfferSummary{Item: *it, Offers: it.Offers}
	if len(it.Offers) > 0 && it.AskingPrice > 0 {
		s.TopPercent = round1(it.Offers[0].Amount / it.AskingPrice * 100)
	}
	return s, nil
}

// Categories returns each distinct category with its item count, sorted by name.
func (c *Catalog) Categories() []CategoryCount {
	counts := map[string]int{}
	for _, it := range c.items {
		counts[it.Category]++
	}
	out := make([]CategoryCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, CategoryCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) Stats() Stats {
	s := Stats{TotalItems: len(c.items), Categories: c.Categories()}
	var asking, offered float64
	for _, it := range c.items {
		asking += it.AskingPrice
		s.TotalOffers += len(it.Offers)
		for _, o := range it.Offers {
			offered += o.Amount
		}
	}
	if s.TotalItems > 0 {
		s.AvgAskingPrice = asking / float64(s.TotalItems)
	}
	if s.TotalOffers > 0 {
		s.AvgOfferAmount = offered / float64(s.TotalOffers)
	}
	return s
}

func (it Item) clone() Item {
	it.Images = append([]string(nil), it.Images...)
	it.Offers = append([]Offer(nil), it.Offers...)
	return it
}

func sortOffers(offers []Offer) {
	sort.SliceStable(offers, func(i, j int) bool { return offers[i].Amount > offers[j].Amount })
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
