package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/jeden-/mt5agent/internal/observ"
)

// Store persists positions. Persistence failures never propagate out of the
// reconciler: the in-memory mutation still takes effect and the entry is
// marked unsynchronized for a later Recover pass.
type Store interface {
	Save(p Position) error
	Update(p Position) error
}

// VenueGateway exposes the venue queries the reconciler needs. A (nil, nil)
// single-position result means the venue has no such record; only transport
// or adapter failures return errors.
type VenueGateway interface {
	OpenPositions(owner int64) ([]Position, error)
	Position(ticket int64) (*Position, error)
	ClosedPosition(ticket int64) (*Position, error)
}

// Reconciler owns the local position map and keeps it consistent with
// venue-reported truth. All mutation goes through its operations; callers
// must not modify returned positions.
type Reconciler struct {
	mu        sync.Mutex
	positions map[int64]*Position
	venue     VenueGateway
	store     Store
	now       func() time.Time
}

func NewReconciler(venue VenueGateway, store Store) *Reconciler {
	return &Reconciler{
		positions: map[int64]*Position{},
		venue:     venue,
		store:     store,
		now:       time.Now,
	}
}

// Add tracks a new position and persists it. An existing ticket is returned
// unchanged: at most one position per ticket.
func (r *Reconciler) Add(p Position) *Position {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.positions[p.Ticket]; ok {
		return copyOf(cur)
	}
	if p.Status == "" {
		p.Status = StatusOpen
	}
	if p.OpenTime.IsZero() {
		p.OpenTime = r.now().UTC()
	}
	p.SyncStatus = true
	p.ErrorMessage = ""
	r.persist(&p, r.store.Save)
	r.positions[p.Ticket] = &p
	r.publishBacklog()
	return copyOf(&p)
}

// Update mutates only the mutable fields of a tracked position and persists
// the result.
func (r *Reconciler) Update(ticket int64, patch Patch) (*Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.positions[ticket]
	if !ok {
		return nil, fmt.Errorf("position %d not tracked", ticket)
	}
	p.apply(patch)
	p.SyncStatus = true
	p.ErrorMessage = ""
	r.persist(p, r.store.Update)
	return copyOf(p), nil
}

// Close marks a position closed with the venue-reported close data.
func (r *Reconciler) Close(ticket int64, closePrice float64, closeTime time.Time, profit float64) (*Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked(ticket, closePrice, closeTime, profit)
}

func (r *Reconciler) closeLocked(ticket int64, closePrice float64, closeTime time.Time, profit float64) (*Position, error) {
	p, ok := r.positions[ticket]
	if !ok {
		return nil, fmt.Errorf("position %d not tracked", ticket)
	}
	p.Status = StatusClosed
	p.ClosePrice = closePrice
	p.CloseTime = closeTime
	p.Profit = profit
	p.SyncStatus = true
	p.ErrorMessage = ""
	r.persist(p, r.store.Update)
	r.publishBacklog()
	return copyOf(p), nil
}

// Get returns a copy of one tracked position.
func (r *Reconciler) Get(ticket int64) (*Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[ticket]
	if !ok {
		return nil, false
	}
	return copyOf(p), true
}

// OpenPositions returns copies of the locally tracked OPEN positions for an
// owner.
func (r *Reconciler) OpenPositions(owner int64) []Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Position
	for _, p := range r.positions {
		if p.OwnerID == owner && p.Status == StatusOpen {
			out = append(out, *p)
		}
	}
	return out
}

// Purge drops a ticket from the local map. Administrative cleanup only;
// normal closure keeps the record.
func (r *Reconciler) Purge(ticket int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, ticket)
	r.publishBacklog()
}

// SyncWithVenue aligns the local map with the venue's open-position list for
// one owner; owner 0 spans all owners, matching the venue gateway. Venue
// positions are updated or added; locally OPEN positions the venue no longer
// reports are closed from their closed-position record.
// When that lookup fails the position is only marked unsynchronized; the
// venue stays authoritative and a later Recover pass retries.
func (r *Reconciler) SyncWithVenue(owner int64) error {
	venuePositions, err := r.venue.OpenPositions(owner)
	if err != nil {
		return fmt.Errorf("sync with venue: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reported := map[int64]bool{}
	for _, vp := range venuePositions {
		reported[vp.Ticket] = true
		if cur, ok := r.positions[vp.Ticket]; ok {
			cur.apply(PatchFrom(vp))
			cur.SyncStatus = true
			cur.ErrorMessage = ""
			r.persist(cur, r.store.Update)
			continue
		}
		p := vp
		if p.Status == "" {
			p.Status = StatusOpen
		}
		p.SyncStatus = true
		r.persist(&p, r.store.Save)
		r.positions[p.Ticket] = &p
	}

	for ticket, p := range r.positions {
		if (owner != 0 && p.OwnerID != owner) || p.Status != StatusOpen || reported[ticket] {
			continue
		}
		closed, err := r.venue.ClosedPosition(ticket)
		switch {
		case err != nil:
			p.SyncStatus = false
			p.ErrorMessage = err.Error()
			observ.Error("position_sync_lookup_failed", err, map[string]any{"ticket": ticket})
		case closed != nil:
			_, _ = r.closeLocked(ticket, closed.ClosePrice, closed.CloseTime, closed.Profit)
		default:
			// Neither open nor in closed history: never guess.
			p.SyncStatus = false
			p.ErrorMessage = fmt.Sprintf("ticket %d absent from venue open and closed records", ticket)
		}
	}

	r.publishBacklog()
	return nil
}

// Recover re-runs SyncWithVenue and then repairs every unsynchronized
// position individually; owner 0 spans all owners. Per-position failures are
// logged and leave the position unsynchronized for a later Recover call, so
// the operation is safely re-runnable.
func (r *Reconciler) Recover(owner int64) error {
	if err := r.SyncWithVenue(owner); err != nil {
		observ.Error("position_recover_sync_failed", err, map[string]any{"owner": owner})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for ticket, p := range r.positions {
		if (owner != 0 && p.OwnerID != owner) || p.SyncStatus {
			continue
		}

		if p.Status == StatusClosed {
			p.SyncStatus = true
			p.ErrorMessage = ""
			r.persist(p, r.store.Update)
			continue
		}

		live, err := r.venue.Position(ticket)
		if err != nil {
			observ.Error("position_recover_failed", err, map[string]any{"ticket": ticket})
			continue
		}
		if live != nil {
			p.apply(PatchFrom(*live))
			p.SyncStatus = true
			p.ErrorMessage = ""
			r.persist(p, r.store.Update)
			continue
		}

		closed, err := r.venue.ClosedPosition(ticket)
		if err != nil {
			observ.Error("position_recover_failed", err, map[string]any{"ticket": ticket})
			continue
		}
		if closed != nil {
			_, _ = r.closeLocked(ticket, closed.ClosePrice, closed.CloseTime, closed.Profit)
			continue
		}
		observ.Log("position_recover_unresolved", map[string]any{"ticket": ticket})
	}

	r.publishBacklog()
	return nil
}

// persist runs one store write; on failure the position is marked
// unsynchronized and the error never propagates.
func (r *Reconciler) persist(p *Position, write func(Position) error) {
	if r.store == nil {
		return
	}
	if err := write(*p); err != nil {
		p.SyncStatus = false
		p.ErrorMessage = err.Error()
		observ.Error("position_persist_failed", err, map[string]any{"ticket": p.Ticket})
		observ.IncCounter("position_persist_errors_total", nil)
	}
}

func (r *Reconciler) publishBacklog() {
	unsynced := 0
	for _, p := range r.positions {
		if !p.SyncStatus {
			unsynced++
		}
	}
	observ.SetGauge("positions_unsynced", float64(unsynced), nil)
}

func copyOf(p *Position) *Position {
	out := *p
	return &out
}
