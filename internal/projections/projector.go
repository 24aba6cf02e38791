package projections

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"marketplace-backend/internal/model"
)

const (
	// recentKey is a sorted set of listing ids scored by last activity (unix ms).
	recentKey = "activity:listings"
	// seenTTL bounds the dedup window for redelivered events.
	seenTTL = 7 * 24 * time.Hour
)

func listingKey(id int64) string { return fmt.Sprintf("activity:listing:%d", id) }
func ownersKey(id int64) string  { return fmt.Sprintf("activity:listing:%d:owners", id) }
func seenKey(eventID string) string {
	return "activity:seen:" + eventID
}

// Hash fields of activity:listing:<id>.
const (
	fieldOwner       = "owner"
	fieldListedPrice = "listed_price"
	fieldTotal       = "offers_total"
	fieldPending     = "offers_pending"
	fieldAccepted    = "offers_accepted"
	fieldRejected    = "offers_rejected"
	fieldHighest     = "highest_offer"
	fieldLastEvent   = "last_event_at"
)

// raiseHighest sets KEYS[1].ARGV[1] to ARGV[2] unless it already holds a
// greater or equal number.
var raiseHighest = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current and tonumber(current) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// Projector folds marketplace events into Redis read models.
type Projector struct {
	rdb redis.Cmdable
}

func NewProjector(rdb redis.Cmdable) *Projector {
	return &Projector{rdb: rdb}
}

// Apply projects one event. Redelivered events (same id) are ignored, so
// Apply is safe under the at-least-once delivery of the event stream.
func (p *Projector) Apply(ctx context.Context, evt model.Event) error {
	// redis/go-redis/v9: SetNX claims the event id; false means already applied.
	fresh, err := p.rdb.SetNX(ctx, seenKey(evt.ID), 1, seenTTL).Result()
	if err != nil {
		return errors.Wrap(err, "claim event")
	}
	if !fresh {
		log.WithField("event_id", evt.ID).Debug("projections: duplicate event skipped")
		return nil
	}

	key := listingKey(evt.ListingID)
	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		switch evt.Type {
		case model.EventListingCreated:
			pipe.HSet(ctx, key, fieldOwner, evt.Actor, fieldListedPrice, evt.Price)
			pipe.RPush(ctx, ownersKey(evt.ListingID), evt.Actor)
		case model.EventOfferCreated:
			pipe.HIncrBy(ctx, key, fieldTotal, 1)
			pipe.HIncrBy(ctx, key, fieldPending, 1)
			// redis/go-redis/v9: Eval, not Run; a queued EVALSHA cannot retry on NOSCRIPT.
			raiseHighest.Eval(ctx, pipe, []string{key}, fieldHighest, strconv.FormatFloat(evt.Price, 'f', -1, 64))
		case model.EventOfferAccepted:
			pipe.HIncrBy(ctx, key, fieldPending, -1)
			pipe.HIncrBy(ctx, key, fieldAccepted, 1)
			pipe.HSet(ctx, key, fieldOwner, evt.Actor)
			pipe.RPush(ctx, ownersKey(evt.ListingID), evt.Actor)
		case model.EventOfferRejected:
			pipe.HIncrBy(ctx, key, fieldPending, -1)
			pipe.HIncrBy(ctx, key, fieldRejected, 1)
		}
		pipe.HSet(ctx, key, fieldLastEvent, evt.OccurredAt.UTC().Format(time.RFC3339Nano))
		// redis/go-redis/v9: ZAdd keeps the recency index ordered by last activity.
		pipe.ZAdd(ctx, recentKey, redis.Z{Score: float64(evt.OccurredAt.UnixMilli()), Member: evt.ListingID})
		return nil
	})
	if err != nil {
		// Release the claim so a redelivery can retry.
		_ = p.rdb.Del(ctx, seenKey(evt.ID)).Err()
		return errors.Wrapf(err, "project %s", evt.Type)
	}

	log.WithFields(log.Fields{"event_id": evt.ID, "type": evt.Type, "listing_id": evt.ListingID}).Debug("projections: applied")
	return nil
}
