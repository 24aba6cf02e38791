package store

import (
	"context"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-backend/internal/apperr"
	"marketplace-backend/internal/config"
	"marketplace-backend/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// One connection keeps the in-memory database alive and shared.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	require.NoError(t, err)
	require.NoError(t, MigrateDB(db.DB, config.DriverSQLite))

	return New(db, config.DriverSQLite)
}

func seedListing(t *testing.T, s *Store, name, owner string) *model.Listing {
	t.Helper()
	l := &model.Listing{ItemName: name, ListedPrice: 100, AIAgentAddress: "http://agent.local/" + owner, OwnerName: owner}
	require.NoError(t, s.CreateListing(context.Background(), l))
	return l
}

func seedOffer(t *testing.T, s *Store, listingID int64, buyer string, price float64) *model.Offer {
	t.Helper()
	o := &model.Offer{ListingID: listingID, OfferPrice: price, BuyerName: buyer, Status: model.OfferPending}
	err := s.Atomic(context.Background(), func(tx model.RepositoryTx) error {
		return tx.CreateOffer(context.Background(), o)
	})
	require.NoError(t, err)
	return o
}

func TestMigrateDBIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, MigrateDB(s.db.DB, config.DriverSQLite))
}

func TestCreateAndListListings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.ListListings(ctx)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	apple := seedListing(t, s, "apple", "alice")
	pear := seedListing(t, s, "pear", "bob")
	assert.NotZero(t, apple.ID)
	assert.Greater(t, pear.ID, apple.ID)

	listings, err := s.ListListings(ctx)
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, *apple, listings[0])
	assert.Equal(t, *pear, listings[1])
}

func TestListOffersJoinsListing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := seedListing(t, s, "apple", "alice")
	o := seedOffer(t, s, l.ID, "carol", 80)

	offers, err := s.ListOffers(ctx)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, o.ID, offers[0].ID)
	assert.Equal(t, l.ID, offers[0].ListingID)
	assert.Equal(t, 80.0, offers[0].OfferPrice)
	assert.Equal(t, model.OfferPending, offers[0].Status)
	assert.Equal(t, "apple", offers[0].ItemName)
	assert.Equal(t, "alice", offers[0].CurrentOwner)
}

func TestCreateOfferRequiresListing(t *testing.T) {
	s := newTestStore(t)

	err := s.Atomic(context.Background(), func(tx model.RepositoryTx) error {
		return tx.CreateOffer(context.Background(), &model.Offer{ListingID: 999, OfferPrice: 10, BuyerName: "carol", Status: model.OfferPending})
	})
	assert.Error(t, err)
}

func TestTxReadsReturnNilWhenMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Atomic(ctx, func(tx model.RepositoryTx) error {
		listing, err := tx.GetListing(ctx, 42)
		require.NoError(t, err)
		assert.Nil(t, listing)

		offer, err := tx.GetOfferForUpdate(ctx, 42)
		require.NoError(t, err)
		assert.Nil(t, offer)
		return nil
	})
	require.NoError(t, err)
}

func TestAcceptFlowUpdatesOwnerAndRejectsSiblings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := seedListing(t, s, "apple", "alice")
	winner := seedOffer(t, s, l.ID, "carol", 90)
	loser := seedOffer(t, s, l.ID, "dave", 70)
	other := seedListing(t, s, "pear", "bob")
	untouched := seedOffer(t, s, other.ID, "erin", 10)

	var rejected []model.Offer
	err := s.Atomic(ctx, func(tx model.RepositoryTx) error {
		offer, err := tx.GetOfferForUpdate(ctx, winner.ID)
		require.NoError(t, err)
		require.NotNil(t, offer)

		require.NoError(t, tx.UpdateOfferStatus(ctx, offer.ID, model.OfferAccepted))
		require.NoError(t, tx.UpdateListingOwner(ctx, offer.ListingID, offer.BuyerName))
		rejected, err = tx.RejectPendingOffers(ctx, offer.ListingID, offer.ID)
		return err
	})
	require.NoError(t, err)

	require.Len(t, rejected, 1)
	assert.Equal(t, loser.ID, rejected[0].ID)
	assert.Equal(t, model.OfferRejected, rejected[0].Status)

	offers, err := s.ListOffers(ctx)
	require.NoError(t, err)
	status := map[int64]model.OfferStatus{}
	for _, o := range offers {
		status[o.ID] = o.Status
	}
	assert.Equal(t, model.OfferAccepted, status[winner.ID])
	assert.Equal(t, model.OfferRejected, status[loser.ID])
	assert.Equal(t, model.OfferPending, status[untouched.ID])

	listings, err := s.ListListings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "carol", listings[0].OwnerName)
	assert.Equal(t, "bob", listings[1].OwnerName)
}

func TestAtomicRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := seedListing(t, s, "apple", "alice")
	boom := errors.New("boom")

	err := s.Atomic(ctx, func(tx model.RepositoryTx) error {
		require.NoError(t, tx.UpdateListingOwner(ctx, l.ID, "mallory"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	listings, err := s.ListListings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", listings[0].OwnerName)
}

func TestAtomicRerunsLockConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	l := seedListing(t, s, "apple", "alice")

	t.Run("Deadlock is rerun", func(t *testing.T) {
		calls := 0
		err := s.Atomic(ctx, func(tx model.RepositoryTx) error {
			calls++
			if calls == 1 {
				require.NoError(t, tx.UpdateListingOwner(ctx, l.ID, "mallory"))
				return errors.Wrap(&mysql.MySQLError{Number: errDeadlock, Message: "Deadlock found when trying to get lock"}, "select pending offers")
			}
			return tx.UpdateListingOwner(ctx, l.ID, "carol")
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)

		listings, err := s.ListListings(ctx)
		require.NoError(t, err)
		assert.Equal(t, "carol", listings[0].OwnerName)
	})

	t.Run("Persistent lock wait timeout becomes a conflict", func(t *testing.T) {
		calls := 0
		err := s.Atomic(ctx, func(model.RepositoryTx) error {
			calls++
			return &mysql.MySQLError{Number: errLockWaitTimeout, Message: "Lock wait timeout exceeded"}
		})
		assert.Equal(t, maxTxAttempts, calls)
		assert.True(t, apperr.IsConflict(err))
		assert.Equal(t, "listing is being updated concurrently, retry the request", apperr.Message(err))
	})

	t.Run("Other server errors are not rerun", func(t *testing.T) {
		calls := 0
		err := s.Atomic(ctx, func(model.RepositoryTx) error {
			calls++
			return &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
		})
		assert.Equal(t, 1, calls)
		assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	})
}
