package store

import (
	"context"
	"database/sql"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"marketplace-backend/internal/apperr"
	"marketplace-backend/internal/config"
	"marketplace-backend/internal/model"
)

// Store persists listings and offers. It implements model.Repository.
type Store struct {
	db      *sqlx.DB
	dialect string
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg config.Database) (*Store, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if cfg.Driver == config.DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return New(db, cfg.Driver), nil
}

func New(db *sqlx.DB, dialect string) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateListing(ctx context.Context, listing *model.Listing) error {
	query := `INSERT INTO listings (item_name, listed_price, ai_agent_address, owner_name) VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query, listing.ItemName, listing.ListedPrice, listing.AIAgentAddress, listing.OwnerName)
	if err != nil {
		return errors.Wrap(err, "insert listing")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "listing id")
	}
	listing.ID = id
	return nil
}

func (s *Store) ListListings(ctx context.Context) ([]model.Listing, error) {
	query := `
		SELECT id, item_name, listed_price, ai_agent_address, owner_name
		FROM listings
		ORDER BY id
	`
	listings := []model.Listing{}
	if err := s.db.SelectContext(ctx, &listings, query); err != nil {
		return nil, errors.Wrap(err, "select listings")
	}
	return listings, nil
}

func (s *Store) ListOffers(ctx context.Context) ([]model.OfferView, error) {
	query := `
		SELECT o.id, o.listing_id, o.offer_price, o.buyer_name, o.status,
		       l.item_name, l.owner_name AS current_owner
		FROM offers o
		JOIN listings l ON o.listing_id = l.id
		ORDER BY o.id
	`
	offers := []model.OfferView{}
	if err := s.db.SelectContext(ctx, &offers, query); err != nil {
		return nil, errors.Wrap(err, "select offers")
	}
	return offers, nil
}

// maxTxAttempts bounds how often Atomic reruns a transaction that lost a
// lock conflict.
const maxTxAttempts = 3

// MySQL server errors that abort a transaction which may succeed if rerun.
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// Atomic runs fn inside one transaction, committing only if fn succeeds.
// A transaction aborted by a deadlock or lock wait timeout is rerun, so fn
// must not keep state across attempts other than its results. When every
// attempt loses, the failure is reported as a conflict.
func (s *Store) Atomic(ctx context.Context, fn func(tx model.RepositoryTx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.atomicOnce(ctx, fn)
		if !isLockConflict(err) {
			return err
		}
		log.WithError(err).WithField("attempt", attempt).Warn("store: transaction lost a lock conflict")
	}
	return &apperr.Error{Kind: apperr.KindConflict, Msg: "listing is being updated concurrently, retry the request", Err: err}
}

func (s *Store) atomicOnce(ctx context.Context, fn func(tx model.RepositoryTx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&storeTx{tx: tx, dialect: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithError(rbErr).Error("store: rollback failed")
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

// isLockConflict reports whether err is a MySQL deadlock or lock wait timeout.
func isLockConflict(err error) bool {
	// go-sql-driver/mysql: server errors surface as *mysql.MySQLError.
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == errDeadlock || myErr.Number == errLockWaitTimeout
}

type storeTx struct {
	tx      *sqlx.Tx
	dialect string
}

// forUpdate is the row-lock suffix. SQLite locks the whole database for
// the duration of a write transaction and has no FOR UPDATE.
func (t *storeTx) forUpdate() string {
	if t.dialect == config.DriverMySQL {
		return " FOR UPDATE"
	}
	return ""
}

func (t *storeTx) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	query := `SELECT id, item_name, listed_price, ai_agent_address, owner_name FROM listings WHERE id = ?`
	var listing model.Listing
	if err := t.tx.GetContext(ctx, &listing, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "select listing")
	}
	return &listing, nil
}

func (t *storeTx) CreateOffer(ctx context.Context, offer *model.Offer) error {
	query := `INSERT INTO offers (listing_id, offer_price, buyer_name, status) VALUES (?, ?, ?, ?)`
	res, err := t.tx.ExecContext(ctx, query, offer.ListingID, offer.OfferPrice, offer.BuyerName, offer.Status)
	if err != nil {
		return errors.Wrap(err, "insert offer")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "offer id")
	}
	offer.ID = id
	return nil
}

// GetOfferForUpdate locks the offer's listing row before the offer row.
// Every transaction that locks offers goes through the listing first, so
// accepts of sibling offers on one listing run one after another.
func (t *storeTx) GetOfferForUpdate(ctx context.Context, id int64) (*model.Offer, error) {
	// An offer never moves to another listing, so this read needs no lock.
	var listingID int64
	if err := t.tx.GetContext(ctx, &listingID, `SELECT listing_id FROM offers WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "select offer listing")
	}
	var locked int64
	if err := t.tx.GetContext(ctx, &locked, `SELECT id FROM listings WHERE id = ?`+t.forUpdate(), listingID); err != nil {
		return nil, errors.Wrap(err, "lock listing")
	}

	query := `SELECT id, listing_id, offer_price, buyer_name, status FROM offers WHERE id = ?` + t.forUpdate()
	var offer model.Offer
	if err := t.tx.GetContext(ctx, &offer, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "select offer")
	}
	return &offer, nil
}

func (t *storeTx) UpdateOfferStatus(ctx context.Context, id int64, status model.OfferStatus) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE offers SET status = ? WHERE id = ?`, status, id)
	return errors.Wrap(err, "update offer status")
}

func (t *storeTx) UpdateListingOwner(ctx context.Context, listingID int64, owner string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE listings SET owner_name = ? WHERE id = ?`, owner, listingID)
	return errors.Wrap(err, "update listing owner")
}

func (t *storeTx) RejectPendingOffers(ctx context.Context, listingID, exceptOfferID int64) ([]model.Offer, error) {
	query := `
		SELECT id, listing_id, offer_price, buyer_name, status
		FROM offers
		WHERE listing_id = ? AND status = ? AND id <> ?
		ORDER BY id` + t.forUpdate()
	var offers []model.Offer
	if err := t.tx.SelectContext(ctx, &offers, query, listingID, model.OfferPending, exceptOfferID); err != nil {
		return nil, errors.Wrap(err, "select pending offers")
	}
	if len(offers) == 0 {
		return nil, nil
	}

	update := `UPDATE offers SET status = ? WHERE listing_id = ? AND status = ? AND id <> ?`
	if _, err := t.tx.ExecContext(ctx, update, model.OfferRejected, listingID, model.OfferPending, exceptOfferID); err != nil {
		return nil, errors.Wrap(err, "reject pending offers")
	}
	for i := range offers {
		offers[i].Status = model.OfferRejected
	}
	return offers, nil
}
