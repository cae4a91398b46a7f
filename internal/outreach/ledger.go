// Package outreach owns read-side aggregation of the contact log and the
// canned message catalog. The log itself is append-only; everything here is
// derived from it.
package outreach

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/panelworks/fieldops/internal/model"
)

// Reader is the slice of the store the ledger aggregates over.
type Reader interface {
	OutreachCounts(ctx context.Context, weekAgo, monthAgo time.Time) (map[string]model.OutreachCounts, error)
	LastContacts(ctx context.Context) (map[string]model.LastContact, error)
}

// Ledger computes trailing contact-frequency windows used to suppress
// over-contacted customers from candidate pools.
type Ledger struct {
	reader Reader
}

// NewLedger wraps a store reader.
func NewLedger(r Reader) *Ledger {
	return &Ledger{reader: r}
}

// Snapshot is one point-in-time view of per-customer contact history.
type Snapshot struct {
	Counts map[string]model.OutreachCounts
	Last   map[string]model.LastContact
}

// Snapshot aggregates contact counts over the trailing 7 and 30 days ending
// at now, plus each customer's most recent contact.
func (l *Ledger) Snapshot(ctx context.Context, now time.Time) (*Snapshot, error) {
	weekAgo := now.AddDate(0, 0, -7)
	monthAgo := now.AddDate(0, 0, -30)

	counts, err := l.reader.OutreachCounts(ctx, weekAgo, monthAgo)
	if err != nil {
		return nil, eris.Wrap(err, "outreach: aggregate counts")
	}
	last, err := l.reader.LastContacts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "outreach: last contacts")
	}
	if counts == nil {
		counts = map[string]model.OutreachCounts{}
	}
	if last == nil {
		last = map[string]model.LastContact{}
	}
	return &Snapshot{Counts: counts, Last: last}, nil
}

// Suppressed reports whether a customer is over either contact cap.
func (s *Snapshot) Suppressed(customerID string, maxPerWeek, maxPerMonth int) bool {
	c := s.Counts[customerID]
	return c.Week >= maxPerWeek || c.Month >= maxPerMonth
}
