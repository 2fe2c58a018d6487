package position

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

type fakeVenue struct {
	open    []Position
	closed  map[int64]*Position
	openErr error
	// per-ticket errors for single-position and closed-record lookups
	positionErr map[int64]error
	closedErr   map[int64]error
	live        map[int64]*Position
}

func (v *fakeVenue) OpenPositions(owner int64) ([]Position, error) {
	if v.openErr != nil {
		return nil, v.openErr
	}
	out := make([]Position, len(v.open))
	copy(out, v.open)
	return out, nil
}

func (v *fakeVenue) Position(ticket int64) (*Position, error) {
	if err := v.positionErr[ticket]; err != nil {
		return nil, err
	}
	if p, ok := v.live[ticket]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (v *fakeVenue) ClosedPosition(ticket int64) (*Position, error) {
	if err := v.closedErr[ticket]; err != nil {
		return nil, err
	}
	if p, ok := v.closed[ticket]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

type fakeStore struct {
	saved     map[int64]Position
	saveErr   error
	updateErr error
	writes    int
}

func newFakeStore() *fakeStore { return &fakeStore{saved: map[int64]Position{}} }

func (s *fakeStore) Save(p Position) error {
	s.writes++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved[p.Ticket] = p
	return nil
}

func (s *fakeStore) Update(p Position) error {
	s.writes++
	if s.updateErr != nil {
		return s.updateErr
	}
	s.saved[p.Ticket] = p
	return nil
}

func openPos(ticket int64, symbol string) Position {
	return Position{
		Ticket: ticket, OwnerID: 77, Symbol: symbol, Direction: "BUY",
		Volume: 0.1, OpenPrice: 1.1, CurrentPrice: 1.1, Status: StatusOpen,
	}
}

func TestAddIsPerTicket(t *testing.T) {
	st := newFakeStore()
	r := NewReconciler(&fakeVenue{}, st)

	first := r.Add(openPos(1, "EURUSD"))
	if !first.SyncStatus {
		t.Fatal("fresh add must be synchronized")
	}
	dup := openPos(1, "GBPUSD")
	got := r.Add(dup)
	if got.Symbol != "EURUSD" {
		t.Fatalf("duplicate ticket overwrote position: %+v", got)
	}
	if _, ok := st.saved[1]; !ok {
		t.Fatal("add did not persist")
	}
}

func TestUpdateMutatesOnlyMutableFields(t *testing.T) {
	r := NewReconciler(&fakeVenue{}, newFakeStore())
	r.Add(openPos(1, "EURUSD"))

	price := 1.15
	got, err := r.Update(1, Patch{CurrentPrice: &price})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.CurrentPrice != 1.15 || got.OpenPrice != 1.1 {
		t.Fatalf("update result %+v", got)
	}
	if _, err := r.Update(99, Patch{}); err == nil {
		t.Fatal("update of untracked ticket must error")
	}
}

func TestCloseRecordsCloseFields(t *testing.T) {
	r := NewReconciler(&fakeVenue{}, newFakeStore())
	r.Add(openPos(1, "EURUSD"))

	when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := r.Close(1, 1.2, when, 42.5)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if got.Status != StatusClosed || got.ClosePrice != 1.2 || got.Profit != 42.5 || !got.CloseTime.Equal(when) {
		t.Fatalf("close result %+v", got)
	}
}

func TestPersistFailureNeverPropagates(t *testing.T) {
	st := newFakeStore()
	st.saveErr = errors.New("disk full")
	r := NewReconciler(&fakeVenue{}, st)

	got := r.Add(openPos(1, "EURUSD"))
	if got.SyncStatus {
		t.Fatal("failed persist must mark position unsynchronized")
	}
	if got.ErrorMessage == "" {
		t.Fatal("failed persist must record an error message")
	}
	// the in-memory mutation still took effect
	if _, ok := r.Get(1); !ok {
		t.Fatal("position must be tracked despite persist failure")
	}
}

func TestSyncWithVenueIsIdempotent(t *testing.T) {
	venue := &fakeVenue{open: []Position{openPos(1, "EURUSD"), openPos(2, "GBPUSD")}}
	r := NewReconciler(venue, newFakeStore())

	if err := r.SyncWithVenue(77); err != nil {
		t.Fatalf("sync: %v", err)
	}
	snapshot := func() map[int64]Position {
		out := map[int64]Position{}
		for _, p := range r.OpenPositions(77) {
			out[p.Ticket] = p
		}
		return out
	}
	before := snapshot()
	if err := r.SyncWithVenue(77); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !reflect.DeepEqual(before, snapshot()) {
		t.Fatal("second sync with unchanged venue list changed local state")
	}
}

func TestSyncClosesVanishedPosition(t *testing.T) {
	closeTime := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	venue := &fakeVenue{
		closed: map[int64]*Position{
			1: {Ticket: 1, ClosePrice: 1.18, CloseTime: closeTime, Profit: 15.75},
		},
	}
	r := NewReconciler(venue, newFakeStore())
	r.Add(openPos(1, "EURUSD"))

	if err := r.SyncWithVenue(77); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got, ok := r.Get(1)
	if !ok {
		t.Fatal("closed position must stay tracked")
	}
	if got.Status != StatusClosed || got.Profit != 15.75 {
		t.Fatalf("vanished position not closed from history: %+v", got)
	}
}

func TestSyncOwnerZeroSpansAllOwners(t *testing.T) {
	closeTime := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	venue := &fakeVenue{
		closed: map[int64]*Position{
			1: {Ticket: 1, ClosePrice: 1.18, CloseTime: closeTime, Profit: 15.75},
		},
	}
	r := NewReconciler(venue, newFakeStore())
	r.Add(openPos(1, "EURUSD")) // OwnerID 77

	// owner 0 is the all-owners wildcard on both sides of the gateway,
	// so closure detection must still cover tracked positions with a magic
	if err := r.SyncWithVenue(0); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got, _ := r.Get(1)
	if got.Status != StatusClosed || got.Profit != 15.75 {
		t.Fatalf("owner 0 sync skipped closure detection: %+v", got)
	}
}

func TestSyncNeverGuessesOnLookupFailure(t *testing.T) {
	venue := &fakeVenue{closedErr: map[int64]error{1: errors.New("adapter timeout")}}
	r := NewReconciler(venue, newFakeStore())
	r.Add(openPos(1, "EURUSD"))

	if err := r.SyncWithVenue(77); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got, _ := r.Get(1)
	if got.Status != StatusOpen {
		t.Fatalf("lookup failure must not change status, got %s", got.Status)
	}
	if got.SyncStatus || got.ErrorMessage == "" {
		t.Fatalf("lookup failure must mark unsynchronized with message: %+v", got)
	}
}

func TestSyncMarksUnresolvedAbsence(t *testing.T) {
	r := NewReconciler(&fakeVenue{}, newFakeStore())
	r.Add(openPos(1, "EURUSD"))

	if err := r.SyncWithVenue(77); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got, _ := r.Get(1)
	if got.SyncStatus {
		t.Fatal("position absent from both venue lists must stay unsynchronized")
	}
}

func TestRecoverRepairsUnsynced(t *testing.T) {
	st := newFakeStore()
	st.updateErr = errors.New("db locked")
	venue := &fakeVenue{open: []Position{openPos(1, "EURUSD")}}
	r := NewReconciler(venue, st)
	r.Add(openPos(1, "EURUSD"))

	// first sync fails to persist and leaves the position unsynchronized
	if err := r.SyncWithVenue(77); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got, _ := r.Get(1)
	if got.SyncStatus {
		t.Fatal("expected unsynchronized position after persist failure")
	}

	// store heals; recover clears the flag
	st.updateErr = nil
	venue.live = map[int64]*Position{1: {Ticket: 1, OwnerID: 77, CurrentPrice: 1.12}}
	if err := r.Recover(77); err != nil {
		t.Fatalf("recover: %v", err)
	}
	got, _ = r.Get(1)
	if !got.SyncStatus || got.ErrorMessage != "" {
		t.Fatalf("recover did not clear sync flag: %+v", got)
	}
}

func TestRecoverNeverUnsyncsHealthyPositions(t *testing.T) {
	venue := &fakeVenue{open: []Position{openPos(1, "EURUSD")}}
	r := NewReconciler(venue, newFakeStore())
	r.Add(openPos(1, "EURUSD"))
	r.Add(openPos(2, "GBPUSD"))
	// ticket 2 vanished and its history lookup keeps failing
	venue.closedErr = map[int64]error{2: errors.New("adapter timeout")}
	venue.positionErr = map[int64]error{2: errors.New("adapter timeout")}

	if err := r.Recover(77); err != nil {
		t.Fatalf("recover: %v", err)
	}
	healthy, _ := r.Get(1)
	if !healthy.SyncStatus {
		t.Fatal("recover flipped a synchronized position to unsynchronized")
	}
	broken, _ := r.Get(2)
	if broken.SyncStatus {
		t.Fatal("unresolvable position must stay unsynchronized for the next pass")
	}

	// a later pass with a healthy venue fixes it
	venue.closedErr = nil
	venue.positionErr = nil
	venue.closed = map[int64]*Position{2: {Ticket: 2, ClosePrice: 1.3, Profit: -3.2, CloseTime: time.Now().UTC()}}
	if err := r.Recover(77); err != nil {
		t.Fatalf("second recover: %v", err)
	}
	fixed, _ := r.Get(2)
	if !fixed.SyncStatus || fixed.Status != StatusClosed {
		t.Fatalf("second recover did not close the vanished position: %+v", fixed)
	}
}

func TestRecoverRepersistsClosedPositions(t *testing.T) {
	st := newFakeStore()
	r := NewReconciler(&fakeVenue{}, st)
	r.Add(openPos(1, "EURUSD"))
	st.updateErr = fmt.Errorf("db locked")
	if _, err := r.Close(1, 1.2, time.Now().UTC(), 5.0); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, _ := r.Get(1)
	if got.SyncStatus {
		t.Fatal("failed close persist must mark unsynchronized")
	}

	st.updateErr = nil
	if err := r.Recover(77); err != nil {
		t.Fatalf("recover: %v", err)
	}
	got, _ = r.Get(1)
	if !got.SyncStatus {
		t.Fatal("recover must re-persist closed positions and clear the flag")
	}
}

func TestPurge(t *testing.T) {
	r := NewReconciler(&fakeVenue{}, newFakeStore())
	r.Add(openPos(1, "EURUSD"))
	r.Purge(1)
	if _, ok := r.Get(1); ok {
		t.Fatal("purge must drop the ticket")
	}
}
