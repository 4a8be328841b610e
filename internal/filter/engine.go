// Package filter implements the gear matching predicate and resolves the
// users to notify for new gear.
package filter

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"gearwatch/internal/model"
)

// Match reports whether g passes f. Every clause must hold; an empty gear
// name or an empty set accepts any value.
func Match(f model.Filter, g model.Gear) bool {
	if f.MinRarity > g.Rarity {
		return false
	}
	if f.GearName != "" && f.GearName != g.Name {
		return false
	}
	if !f.Types.IsEmpty() && !f.Types.Contains(string(g.Type)) {
		return false
	}
	if !f.Brands.IsEmpty() && !f.Brands.Contains(g.Brand) {
		return false
	}
	if !f.Abilities.IsEmpty() && !f.Abilities.Contains(g.Ability) {
		return false
	}
	return true
}

// Store resolves the owners of the stored filters accepting a gear item,
// applying the same predicate as Match.
type Store interface {
	MatchingRecipients(ctx context.Context, g model.Gear) ([]model.Recipient, error)
}

// GearMatch pairs a new gear item with the users to notify about it.
type GearMatch struct {
	Gear       model.Gear
	Recipients []model.Recipient
}

// Matcher resolves recipients for a batch of gear with bounded concurrency.
type Matcher struct {
	store Store
	limit int
	log   *slog.Logger
}

// NewMatcher creates a Matcher running at most limit lookups at once.
func NewMatcher(store Store, limit int, log *slog.Logger) *Matcher {
	if limit < 1 {
		limit = 1
	}
	return &Matcher{store: store, limit: limit, log: log}
}

// MatchAll returns one GearMatch per gear item, in input order. Items no
// filter accepts are included with no recipients. Any store failure fails
// the whole call, since a partial match set cannot be dispatched safely.
func (m *Matcher) MatchAll(ctx context.Context, gear []model.Gear) ([]GearMatch, error) {
	out := make([]GearMatch, len(gear))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.limit)
	for i, item := range gear {
		g.Go(func() error {
			recipients, err := m.store.MatchingRecipients(gctx, item)
			if err != nil {
				return fmt.Errorf("match %q: %w", item.Name, err)
			}
			m.log.Debug("matched gear", "name", item.Name, "users", len(recipients))
			out[i] = GearMatch{Gear: item, Recipients: recipients}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
