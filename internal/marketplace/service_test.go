package marketplace

import (
	"context"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-backend/internal/apperr"
	"marketplace-backend/internal/model"
)

func setup(t *testing.T) (*Service, *mockRepository, *mockPublisher) {
	t.Helper()
	repo := newMockRepository()
	pub := &mockPublisher{}
	return NewService(repo, pub), repo, pub
}

func createListing(t *testing.T, svc *Service, name, owner string) *model.Listing {
	t.Helper()
	l, err := svc.CreateListing(context.Background(), CreateListingRequest{
		ItemName: name, ListedPrice: 100, AIAgentAddress: "http://agent.local", OwnerName: owner,
	})
	require.NoError(t, err)
	return l
}

func createOffer(t *testing.T, svc *Service, listingID int64, buyer string, price float64) *model.Offer {
	t.Helper()
	o, err := svc.CreateOffer(context.Background(), CreateOfferRequest{ListingID: listingID, OfferPrice: price, BuyerName: buyer})
	require.NoError(t, err)
	return o
}

func TestCreateListing(t *testing.T) {
	svc, repo, pub := setup(t)

	t.Run("Success", func(t *testing.T) {
		l := createListing(t, svc, "apple", "alice")
		assert.NotZero(t, l.ID)
		assert.Equal(t, "alice", repo.listings[l.ID].OwnerName)

		require.Len(t, pub.events, 1)
		assert.Equal(t, model.EventListingCreated, pub.events[0].Type)
		assert.Equal(t, l.ID, pub.events[0].ListingID)
		assert.NotEmpty(t, pub.events[0].ID)
	})

	t.Run("Fail on missing fields", func(t *testing.T) {
		pub.Reset()
		_, err := svc.CreateListing(context.Background(), CreateListingRequest{ItemName: "pear", ListedPrice: 5})
		require.Error(t, err)
		assert.True(t, apperr.IsValidation(err))
		assert.Contains(t, err.Error(), "ai_agent_address")
		assert.Contains(t, err.Error(), "owner_name")
		assert.Empty(t, pub.events)
	})

	t.Run("Fail on non-positive price", func(t *testing.T) {
		_, err := svc.CreateListing(context.Background(), CreateListingRequest{
			ItemName: "pear", ListedPrice: -1, AIAgentAddress: "x", OwnerName: "bob",
		})
		assert.True(t, apperr.IsValidation(err))
		assert.Contains(t, err.Error(), "invalid fields: listed_price")
	})
}

func TestCreateOffer(t *testing.T) {
	svc, repo, pub := setup(t)
	l := createListing(t, svc, "apple", "alice")
	pub.Reset()

	t.Run("Success", func(t *testing.T) {
		o := createOffer(t, svc, l.ID, "carol", 80)
		assert.Equal(t, model.OfferPending, o.Status)
		assert.Equal(t, model.OfferPending, repo.offers[o.ID].Status)
		require.Len(t, pub.events, 1)
		assert.Equal(t, model.EventOfferCreated, pub.events[0].Type)
		assert.Equal(t, "carol", pub.events[0].Actor)
	})

	t.Run("Fail on unknown listing", func(t *testing.T) {
		pub.Reset()
		_, err := svc.CreateOffer(context.Background(), CreateOfferRequest{ListingID: 999, OfferPrice: 1, BuyerName: "dave"})
		assert.True(t, apperr.IsNotFound(err))
		assert.Empty(t, pub.events)
	})

	t.Run("Fail on missing fields", func(t *testing.T) {
		_, err := svc.CreateOffer(context.Background(), CreateOfferRequest{ListingID: l.ID})
		assert.True(t, apperr.IsValidation(err))
	})
}

func TestRespondToOffer(t *testing.T) {
	ctx := context.Background()

	t.Run("Accept transfers ownership and rejects siblings", func(t *testing.T) {
		svc, repo, pub := setup(t)
		l := createListing(t, svc, "apple", "alice")
		winner := createOffer(t, svc, l.ID, "carol", 90)
		loser := createOffer(t, svc, l.ID, "dave", 70)
		pub.Reset()

		o, err := svc.RespondToOffer(ctx, winner.ID, RespondToOfferRequest{Action: "accept"})
		require.NoError(t, err)
		assert.Equal(t, model.OfferAccepted, o.Status)
		assert.Equal(t, "carol", repo.listings[l.ID].OwnerName)
		assert.Equal(t, model.OfferRejected, repo.offers[loser.ID].Status)

		require.Len(t, pub.events, 2)
		assert.Equal(t, model.EventOfferAccepted, pub.events[0].Type)
		assert.Equal(t, model.EventOfferRejected, pub.events[1].Type)
		assert.Equal(t, loser.ID, pub.events[1].OfferID)
	})

	t.Run("Reject keeps owner", func(t *testing.T) {
		svc, repo, _ := setup(t)
		l := createListing(t, svc, "apple", "alice")
		o := createOffer(t, svc, l.ID, "carol", 90)

		got, err := svc.RespondToOffer(ctx, o.ID, RespondToOfferRequest{Action: "reject"})
		require.NoError(t, err)
		assert.Equal(t, model.OfferRejected, got.Status)
		assert.Equal(t, "alice", repo.listings[l.ID].OwnerName)
	})

	t.Run("Terminal offers cannot change", func(t *testing.T) {
		svc, repo, pub := setup(t)
		l := createListing(t, svc, "apple", "alice")
		o := createOffer(t, svc, l.ID, "carol", 90)
		_, err := svc.RespondToOffer(ctx, o.ID, RespondToOfferRequest{Action: "reject"})
		require.NoError(t, err)
		pub.Reset()

		for _, action := range []string{"accept", "reject"} {
			_, err := svc.RespondToOffer(ctx, o.ID, RespondToOfferRequest{Action: action})
			assert.True(t, apperr.IsConflict(err), action)
		}
		assert.Equal(t, model.OfferRejected, repo.offers[o.ID].Status)
		assert.Equal(t, "alice", repo.listings[l.ID].OwnerName)
		assert.Empty(t, pub.events)
	})

	t.Run("Invalid action", func(t *testing.T) {
		svc, repo, _ := setup(t)
		l := createListing(t, svc, "apple", "alice")
		o := createOffer(t, svc, l.ID, "carol", 90)

		for _, action := range []string{"", "buy", "ACCEPT"} {
			_, err := svc.RespondToOffer(ctx, o.ID, RespondToOfferRequest{Action: action})
			assert.True(t, apperr.IsValidation(err), action)
		}
		assert.Equal(t, model.OfferPending, repo.offers[o.ID].Status)
	})

	t.Run("Unknown offer", func(t *testing.T) {
		svc, _, _ := setup(t)
		for _, id := range []int64{0, 42} {
			_, err := svc.RespondToOffer(ctx, id, RespondToOfferRequest{Action: "accept"})
			assert.True(t, apperr.IsNotFound(err))
		}
	})

	t.Run("Resale after acceptance", func(t *testing.T) {
		svc, repo, _ := setup(t)
		l := createListing(t, svc, "apple", "alice")
		first := createOffer(t, svc, l.ID, "carol", 90)
		_, err := svc.RespondToOffer(ctx, first.ID, RespondToOfferRequest{Action: "accept"})
		require.NoError(t, err)

		second := createOffer(t, svc, l.ID, "dave", 120)
		_, err = svc.RespondToOffer(ctx, second.ID, RespondToOfferRequest{Action: "accept"})
		require.NoError(t, err)
		assert.Equal(t, "dave", repo.listings[l.ID].OwnerName)
		assert.Equal(t, model.OfferAccepted, repo.offers[first.ID].Status)
	})
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, PublisherFunc(func(context.Context, model.Event) error {
		return errors.New("broker down")
	}))

	l := createListing(t, svc, "apple", "alice")
	assert.Contains(t, repo.listings, l.ID)
}

func TestRepositoryErrorsAreInternal(t *testing.T) {
	repo := newMockRepository()
	repo.failWith = errors.New("connection reset")
	svc := NewService(repo, nil)

	_, err := svc.ListListings(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.Equal(t, "internal server error", apperr.Message(err))
}

type mockPublisher struct {
	events []model.Event
}

func (m *mockPublisher) Publish(_ context.Context, evt model.Event) error {
	m.events = append(m.events, evt)
	return nil
}

func (m *mockPublisher) Reset() { m.events = nil }

// mockRepository keeps rows in maps. Atomic snapshots both maps and
// restores them when fn fails.
type mockRepository struct {
	listings map[int64]*model.Listing
	offers   map[int64]*model.Offer
	nextID   int64
	failWith error
}

func newMockRepository() *mockRepository {
	return &mockRepository{listings: map[int64]*model.Listing{}, offers: map[int64]*model.Offer{}}
}

func (m *mockRepository) CreateListing(_ context.Context, l *model.Listing) error {
	if m.failWith != nil {
		return m.failWith
	}
	m.nextID++
	l.ID = m.nextID
	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *mockRepository) ListListings(context.Context) ([]model.Listing, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	out := []model.Listing{}
	for _, l := range m.listings {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepository) ListOffers(context.Context) ([]model.OfferView, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	out := []model.OfferView{}
	for _, o := range m.offers {
		l := m.listings[o.ListingID]
		out = append(out, model.OfferView{Offer: *o, ItemName: l.ItemName, CurrentOwner: l.OwnerName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepository) Atomic(_ context.Context, fn func(tx model.RepositoryTx) error) error {
	if m.failWith != nil {
		return m.failWith
	}
	listings := make(map[int64]model.Listing, len(m.listings))
	for id, l := range m.listings {
		listings[id] = *l
	}
	offers := make(map[int64]model.Offer, len(m.offers))
	for id, o := range m.offers {
		offers[id] = *o
	}

	if err := fn(m); err != nil {
		m.listings = map[int64]*model.Listing{}
		for id, l := range listings {
			l := l
			m.listings[id] = &l
		}
		m.offers = map[int64]*model.Offer{}
		for id, o := range offers {
			o := o
			m.offers[id] = &o
		}
		return err
	}
	return nil
}

func (m *mockRepository) GetListing(_ context.Context, id int64) (*model.Listing, error) {
	l, ok := m.listings[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *mockRepository) CreateOffer(_ context.Context, o *model.Offer) error {
	if _, ok := m.listings[o.ListingID]; !ok {
		return errors.New("foreign key violation")
	}
	m.nextID++
	o.ID = m.nextID
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *mockRepository) GetOfferForUpdate(_ context.Context, id int64) (*model.Offer, error) {
	o, ok := m.offers[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *mockRepository) UpdateOfferStatus(_ context.Context, id int64, status model.OfferStatus) error {
	m.offers[id].Status = status
	return nil
}

func (m *mockRepository) UpdateListingOwner(_ context.Context, listingID int64, owner string) error {
	m.listings[listingID].OwnerName = owner
	return nil
}

func (m *mockRepository) RejectPendingOffers(_ context.Context, listingID, exceptOfferID int64) ([]model.Offer, error) {
	var out []model.Offer
	for _, o := range m.offers {
		if o.ListingID == listingID && o.ID != exceptOfferID && o.Status == model.OfferPending {
			o.Status = model.OfferRejected
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
