package projections

import (
	"marketplace-backend/internal/kstream"
)

// Consumer returns a stream consumer that feeds every event from r into the
// projector. Apply deduplicates by event id, so redeliveries are harmless.
func (p *Projector) Consumer(r kstream.MessageReader) *kstream.Consumer {
	return kstream.NewConsumer(r, p.Apply)
}
