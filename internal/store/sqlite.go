package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeden-/mt5agent/internal/position"
)

const schema = `
CREATE TABLE IF NOT EXISTS config_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	mode       TEXT NOT NULL,
	config     TEXT NOT NULL,
	comment    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	ticket        INTEGER NOT NULL,
	owner_id      INTEGER NOT NULL,
	symbol        TEXT NOT NULL,
	direction     TEXT NOT NULL,
	volume        REAL NOT NULL,
	open_price    REAL NOT NULL,
	current_price REAL NOT NULL,
	stop_loss     REAL NOT NULL,
	take_profit   REAL NOT NULL,
	profit        REAL NOT NULL,
	open_time     INTEGER NOT NULL,
	status        TEXT NOT NULL,
	close_price   REAL NOT NULL DEFAULT 0,
	close_time    INTEGER NOT NULL DEFAULT 0,
	sync_status   INTEGER NOT NULL DEFAULT 1,
	error_message TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (owner_id, ticket)
);
`

// DB is the embedded database backing the config-history store and the
// durable position store.
type DB struct {
	sql *sql.DB
}

// Open creates or opens the database file and applies the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The store serves one process; a single connection avoids writer races.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error { return d.sql.Close() }

// ConfigVersion is one persisted configuration revision.
type ConfigVersion struct {
	ID        int64     `json:"id"`
	Mode      string    `json:"mode"`
	Config    []byte    `json:"config"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveConfig appends a configuration revision and returns its id.
func (d *DB) SaveConfig(mode string, config []byte, comment string) (int64, error) {
	res, err := d.sql.Exec(
		`INSERT INTO config_history (mode, config, comment, created_at) VALUES (?, ?, ?, ?)`,
		mode, string(config), comment, time.Now().UTC().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("save config: %w", err)
	}
	return res.LastInsertId()
}

// GetLatestConfig returns the newest revision, or (nil, nil) when the
// history is empty.
func (d *DB) GetLatestConfig() (*ConfigVersion, error) {
	row := d.sql.QueryRow(`SELECT id, mode, config, comment, created_at FROM config_history ORDER BY id DESC LIMIT 1`)
	return scanConfig(row)
}

// GetConfigByID returns one revision, or (nil, nil) when absent.
func (d *DB) GetConfigByID(id int64) (*ConfigVersion, error) {
	row := d.sql.QueryRow(`SELECT id, mode, config, comment, created_at FROM config_history WHERE id = ?`, id)
	return scanConfig(row)
}

// GetConfigHistory returns up to limit revisions, newest first.
func (d *DB) GetConfigHistory(limit int) ([]ConfigVersion, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.sql.Query(`SELECT id, mode, config, comment, created_at FROM config_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("config history: %w", err)
	}
	defer rows.Close()

	var out []ConfigVersion
	for rows.Next() {
		var v ConfigVersion
		var cfg string
		var created int64
		if err := rows.Scan(&v.ID, &v.Mode, &cfg, &v.Comment, &created); err != nil {
			return nil, err
		}
		v.Config = []byte(cfg)
		v.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanConfig(row *sql.Row) (*ConfigVersion, error) {
	var v ConfigVersion
	var cfg string
	var created int64
	err := row.Scan(&v.ID, &v.Mode, &cfg, &v.Comment, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.Config = []byte(cfg)
	v.CreatedAt = time.Unix(created, 0).UTC()
	return &v, nil
}

// Positions returns the durable position store view of the database.
func (d *DB) Positions() *PositionStore {
	return &PositionStore{sql: d.sql}
}

// PositionStore persists positions keyed by (owner, ticket).
type PositionStore struct {
	sql *sql.DB
}

func (s *PositionStore) Save(p position.Position) error {
	_, err := s.sql.Exec(`
		INSERT INTO positions
			(ticket, owner_id, symbol, direction, volume, open_price, current_price,
			 stop_loss, take_profit, profit, open_time, status, close_price, close_time,
			 sync_status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, ticket) DO UPDATE SET
			symbol = excluded.symbol, direction = excluded.direction,
			volume = excluded.volume, open_price = excluded.open_price,
			current_price = excluded.current_price,
			stop_loss = excluded.stop_loss, take_profit = excluded.take_profit,
			profit = excluded.profit, status = excluded.status,
			close_price = excluded.close_price, close_time = excluded.close_time,
			sync_status = excluded.sync_status, error_message = excluded.error_message`,
		p.Ticket, p.OwnerID, p.Symbol, p.Direction, p.Volume, p.OpenPrice, p.CurrentPrice,
		p.StopLoss, p.TakeProfit, p.Profit, unixOrZero(p.OpenTime), string(p.Status),
		p.ClosePrice, unixOrZero(p.CloseTime), boolToInt(p.SyncStatus), p.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("save position %d: %w", p.Ticket, err)
	}
	return nil
}

func (s *PositionStore) Update(p position.Position) error {
	res, err := s.sql.Exec(`
		UPDATE positions SET
			volume = ?, current_price = ?, stop_loss = ?, take_profit = ?, profit = ?,
			status = ?, close_price = ?, close_time = ?, sync_status = ?, error_message = ?
		WHERE owner_id = ? AND ticket = ?`,
		p.Volume, p.CurrentPrice, p.StopLoss, p.TakeProfit, p.Profit,
		string(p.Status), p.ClosePrice, unixOrZero(p.CloseTime),
		boolToInt(p.SyncStatus), p.ErrorMessage,
		p.OwnerID, p.Ticket,
	)
	if err != nil {
		return fmt.Errorf("update position %d: %w", p.Ticket, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Position was never saved (earlier persist failure); heal by saving.
		return s.Save(p)
	}
	return nil
}

// Get returns one position, or (nil, nil) when absent.
func (s *PositionStore) Get(owner, ticket int64) (*position.Position, error) {
	row := s.sql.QueryRow(selectPositions+` WHERE owner_id = ? AND ticket = ?`, owner, ticket)
	p, err := scanPosition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PositionStore) List(owner int64) ([]position.Position, error) {
	rows, err := s.sql.Query(selectPositions+` WHERE owner_id = ? ORDER BY ticket`, owner)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		p, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

const selectPositions = `
	SELECT ticket, owner_id, symbol, direction, volume, open_price, current_price,
	       stop_loss, take_profit, profit, open_time, status, close_price, close_time,
	       sync_status, error_message
	FROM positions`

func scanPosition(scan func(...any) error) (*position.Position, error) {
	var p position.Position
	var status string
	var openTime, closeTime int64
	var synced int
	err := scan(
		&p.Ticket, &p.OwnerID, &p.Symbol, &p.Direction, &p.Volume, &p.OpenPrice,
		&p.CurrentPrice, &p.StopLoss, &p.TakeProfit, &p.Profit, &openTime, &status,
		&p.ClosePrice, &closeTime, &synced, &p.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	p.Status = position.Status(status)
	p.SyncStatus = synced != 0
	if openTime > 0 {
		p.OpenTime = time.Unix(openTime, 0).UTC()
	}
	if closeTime > 0 {
		p.CloseTime = time.Unix(closeTime, 0).UTC()
	}
	return &p, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
