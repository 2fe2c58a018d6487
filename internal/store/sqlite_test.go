package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeden-/mt5agent/internal/position"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConfigHistory(t *testing.T) {
	db := openTestDB(t)

	latest, err := db.GetLatestConfig()
	require.NoError(t, err)
	require.Nil(t, latest, "empty history must return nil, nil")

	id1, err := db.SaveConfig("observation", []byte(`{"mode":"observation"}`), "initial")
	require.NoError(t, err)
	id2, err := db.SaveConfig("automatic", []byte(`{"mode":"automatic"}`), "go live")
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	latest, err = db.GetLatestConfig()
	require.NoError(t, err)
	require.Equal(t, id2, latest.ID)
	require.Equal(t, "automatic", latest.Mode)
	require.Equal(t, "go live", latest.Comment)
	require.JSONEq(t, `{"mode":"automatic"}`, string(latest.Config))

	byID, err := db.GetConfigByID(id1)
	require.NoError(t, err)
	require.Equal(t, "observation", byID.Mode)

	missing, err := db.GetConfigByID(9999)
	require.NoError(t, err)
	require.Nil(t, missing)

	hist, err := db.GetConfigHistory(1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, id2, hist[0].ID)
}

func testPosition(ticket int64) position.Position {
	return position.Position{
		Ticket: ticket, OwnerID: 77, Symbol: "EURUSD", Direction: "BUY",
		Volume: 0.1, OpenPrice: 1.1, CurrentPrice: 1.105, StopLoss: 1.09,
		TakeProfit: 1.12, OpenTime: time.Unix(1700000000, 0).UTC(),
		Status: position.StatusOpen, SyncStatus: true,
	}
}

func TestPositionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ps := db.Positions()

	require.NoError(t, ps.Save(testPosition(1)))

	got, err := ps.Get(77, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, testPosition(1), *got)

	missing, err := ps.Get(77, 2)
	require.NoError(t, err)
	require.Nil(t, missing, "absent position must return nil, nil")
}

func TestPositionSaveRefreshesExistingRow(t *testing.T) {
	db := openTestDB(t)
	ps := db.Positions()

	stale := testPosition(1)
	stale.Profit = 10
	stale.CurrentPrice = 1.1
	stale.SyncStatus = false
	stale.ErrorMessage = "old persist failure"
	require.NoError(t, ps.Save(stale))

	// a re-Save of the same ticket, as after a process restart, must
	// replace every mutable column, not just symbol and direction
	fresh := testPosition(1)
	fresh.Profit = 20
	fresh.CurrentPrice = 1.20
	fresh.SyncStatus = true
	require.NoError(t, ps.Save(fresh))

	got, err := ps.Get(77, 1)
	require.NoError(t, err)
	require.Equal(t, fresh, *got)
}

func TestPositionUpdate(t *testing.T) {
	db := openTestDB(t)
	ps := db.Positions()
	require.NoError(t, ps.Save(testPosition(1)))

	p := testPosition(1)
	p.Status = position.StatusClosed
	p.ClosePrice = 1.18
	p.CloseTime = time.Unix(1700003600, 0).UTC()
	p.Profit = 15.75
	require.NoError(t, ps.Update(p))

	got, err := ps.Get(77, 1)
	require.NoError(t, err)
	require.Equal(t, position.StatusClosed, got.Status)
	require.Equal(t, 15.75, got.Profit)
	require.Equal(t, p.CloseTime, got.CloseTime)
}

func TestPositionUpdateHealsMissingRow(t *testing.T) {
	db := openTestDB(t)
	ps := db.Positions()

	// update of a never-saved position falls back to insert
	require.NoError(t, ps.Update(testPosition(5)))
	got, err := ps.Get(77, 5)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestPositionList(t *testing.T) {
	db := openTestDB(t)
	ps := db.Positions()
	require.NoError(t, ps.Save(testPosition(3)))
	require.NoError(t, ps.Save(testPosition(1)))
	other := testPosition(9)
	other.OwnerID = 42
	require.NoError(t, ps.Save(other))

	got, err := ps.List(77)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].Ticket)
	require.Equal(t, int64(3), got[1].Ticket)
}
