// Package storage provides SQLite-backed persistence for tracker checkpoints,
// raw odds observations, and emitted alerts.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/oddswatch/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

// StoredAlert is an alert row together with its delivery flag.
type StoredAlert struct {
	models.AlertEvent
	Notified bool `json:"notified"`
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/oddswatch/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "oddswatch", "data.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tracked_markets (
			market_key       TEXT PRIMARY KEY,
			match_id         TEXT NOT NULL,
			market_type      TEXT NOT NULL,
			outcome          TEXT NOT NULL,
			line             TEXT NOT NULL DEFAULT '',
			history          TEXT NOT NULL DEFAULT '[]',
			last_alert_price REAL NOT NULL DEFAULT 0,
			has_alerted      INTEGER NOT NULL DEFAULT 0,
			last_seen        INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS observations (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			market_key  TEXT NOT NULL,
			match_id    TEXT NOT NULL,
			market_type TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			line        TEXT NOT NULL DEFAULT '',
			price       REAL NOT NULL,
			league      TEXT,
			home        TEXT,
			away        TEXT,
			bookmaker   TEXT,
			observed_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id               TEXT PRIMARY KEY,
			market_key       TEXT NOT NULL,
			match_id         TEXT NOT NULL,
			market_type      TEXT NOT NULL,
			outcome          TEXT NOT NULL,
			line             TEXT NOT NULL DEFAULT '',
			baseline         REAL NOT NULL,
			current_price    REAL NOT NULL,
			drop_percent     REAL NOT NULL,
			incremental_drop REAL NOT NULL,
			z_score          REAL NOT NULL,
			history          TEXT NOT NULL,
			sport            TEXT,
			league           TEXT,
			home             TEXT,
			away             TEXT,
			bookmaker        TEXT,
			detected_at      INTEGER NOT NULL,
			notified         INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_key ON observations(market_key, observed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_observed_at ON observations(observed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_detected_at ON alerts(detected_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveTracked replaces the stored tracker checkpoint with markets in one
// transaction, so purged keys do not come back on restart.
func (s *Storage) SaveTracked(markets []models.TrackedMarket) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM tracked_markets`); err != nil {
		return fmt.Errorf("failed to clear tracked markets: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO tracked_markets
			(market_key, match_id, market_type, outcome, line, history,
			 last_alert_price, has_alerted, last_seen)
		VALUES (?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range markets {
		historyJSON, err := json.Marshal(m.History)
		if err != nil {
			return fmt.Errorf("failed to marshal history for %s: %w", m.Key, err)
		}
		if _, err := stmt.Exec(
			m.Key.String(), m.Key.MatchID, m.Key.MarketType, m.Key.Outcome, m.Key.Line,
			string(historyJSON), m.LastAlertPrice, boolToInt(m.HasAlerted), m.LastSeen.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to save tracked market %s: %w", m.Key, err)
		}
	}

	return tx.Commit()
}

// LoadTracked returns the stored tracker checkpoint.
func (s *Storage) LoadTracked() ([]models.TrackedMarket, error) {
	rows, err := s.db.Query(`
		SELECT match_id, market_type, outcome, line, history,
		       last_alert_price, has_alerted, last_seen
		FROM tracked_markets ORDER BY market_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked markets: %w", err)
	}
	defer rows.Close()

	markets := []models.TrackedMarket{}
	for rows.Next() {
		var m models.TrackedMarket
		var historyJSON string
		var hasAlerted int
		var lastSeenNano int64

		if err := rows.Scan(
			&m.Key.MatchID, &m.Key.MarketType, &m.Key.Outcome, &m.Key.Line, &historyJSON,
			&m.LastAlertPrice, &hasAlerted, &lastSeenNano,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tracked market: %w", err)
		}
		if err := json.Unmarshal([]byte(historyJSON), &m.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history for %s: %w", m.Key, err)
		}
		m.HasAlerted = hasAlerted != 0
		m.LastSeen = time.Unix(0, lastSeenNano)
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// AddObservations appends raw quotes to the observation log.
func (s *Storage) AddObservations(quotes []models.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO observations
			(market_key, match_id, market_type, outcome, line, price,
			 league, home, away, bookmaker, observed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, q := range quotes {
		if _, err := stmt.Exec(
			q.Key.String(), q.Key.MatchID, q.Key.MarketType, q.Key.Outcome, q.Key.Line, q.Price,
			q.League, q.Home, q.Away, q.Bookmaker, q.ObservedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to insert observation: %w", err)
		}
	}
	return tx.Commit()
}

// ObservedPrices returns up to limit most recent logged prices for key,
// oldest first.
func (s *Storage) ObservedPrices(key models.MarketKey, limit int) ([]float64, error) {
	rows, err := s.db.Query(`
		SELECT price FROM (
			SELECT price, observed_at, id FROM observations
			WHERE market_key = ? ORDER BY observed_at DESC, id DESC LIMIT ?
		) ORDER BY observed_at ASC, id ASC`, key.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	prices := []float64{}
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// CountObservations returns the number of logged observations.
func (s *Storage) CountObservations() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM observations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}
	return n, nil
}

// PruneObservations deletes observations older than before.
func (s *Storage) PruneObservations(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM observations WHERE observed_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune observations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Storage) AddAlert(alert *models.AlertEvent) error {
	historyJSON, err := json.Marshal(alert.History)
	if err != nil {
		return fmt.Errorf("failed to marshal alert history: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO alerts
			(id, market_key, match_id, market_type, outcome, line, baseline, current_price,
			 drop_percent, incremental_drop, z_score, history, sport, league, home, away,
			 bookmaker, detected_at, notified)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,0)`,
		alert.ID, alert.Key.String(), alert.Key.MatchID, alert.Key.MarketType, alert.Key.Outcome,
		alert.Key.Line, alert.Baseline, alert.Current, alert.DropPercent, alert.IncrementalDrop,
		alert.ZScore, string(historyJSON), alert.Sport, alert.League, alert.Home, alert.Away,
		alert.Bookmaker, alert.DetectedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// MarkNotified flags an alert as delivered to at least one sink.
func (s *Storage) MarkNotified(id string) error {
	res, err := s.db.Exec(`UPDATE alerts SET notified = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark alert notified: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("alert not found: %s", id)
	}
	return nil
}

// RecentAlerts returns up to limit alerts, newest first.
func (s *Storage) RecentAlerts(limit int) ([]StoredAlert, error) {
	rows, err := s.db.Query(`
		SELECT id, match_id, market_type, outcome, line, baseline, current_price,
		       drop_percent, incremental_drop, z_score, history, sport, league, home, away,
		       bookmaker, detected_at, notified
		FROM alerts ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []StoredAlert{}
	for rows.Next() {
		var a StoredAlert
		var historyJSON string
		var sport, league, home, away, bookmaker sql.NullString
		var detectedAtNano int64
		var notified int

		err := rows.Scan(
			&a.ID, &a.Key.MatchID, &a.Key.MarketType, &a.Key.Outcome, &a.Key.Line,
			&a.Baseline, &a.Current, &a.DropPercent, &a.IncrementalDrop, &a.ZScore,
			&historyJSON, &sport, &league, &home, &away, &bookmaker,
			&detectedAtNano, &notified,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if err := json.Unmarshal([]byte(historyJSON), &a.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert history: %w", err)
		}

		a.Sport, a.League, a.Home, a.Away, a.Bookmaker = sport.String, league.String, home.String, away.String, bookmaker.String
		a.DetectedAt = time.Unix(0, detectedAtNano)
		a.Notified = notified != 0
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
