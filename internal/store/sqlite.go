package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed control-plane store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath,
// applies pragmas and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetGatewayValue reads one durable key for a gateway.
func (s *SQLiteStore) GetGatewayValue(ctx context.Context, gatewayID, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM gateway_state
		WHERE gateway_id = ? AND key = ?
	`, gatewayID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get gateway value: %w", err)
	}
	return value, nil
}

// SetGatewayValue writes or replaces one durable key.
func (s *SQLiteStore) SetGatewayValue(ctx context.Context, gatewayID, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO gateway_state (gateway_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
	`, gatewayID, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set gateway value: %w", err)
	}
	return nil
}

// DeleteGatewayValue removes one durable key.
func (s *SQLiteStore) DeleteGatewayValue(ctx context.Context, gatewayID, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM gateway_state WHERE gateway_id = ? AND key = ?
	`, gatewayID, key)
	if err != nil {
		return fmt.Errorf("delete gateway value: %w", err)
	}
	return nil
}

const insertUsageEventSQL = `
	INSERT INTO usage_events (gateway_id, event_type, count, minute_ts, created_at)
	VALUES (?, ?, ?, ?, ?)`

// AppendUsageEvents records a batch of aggregated usage rows in one
// transaction.
func (s *SQLiteStore) AppendUsageEvents(ctx context.Context, events []UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, e := range events {
		_, err := tx.ExecContext(ctx, insertUsageEventSQL,
			e.GatewayID, e.EventType, e.Count,
			e.Minute.UTC().Format(time.RFC3339), now)
		if err != nil {
			return fmt.Errorf("append usage event %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UsageTotals sums event counts per type for a gateway since the given
// time.
func (s *SQLiteStore) UsageTotals(ctx context.Context, gatewayID string, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, SUM(count)
		FROM usage_events
		WHERE gateway_id = ? AND minute_ts >= ?
		GROUP BY event_type
	`, gatewayID, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var total int64
		if err := rows.Scan(&eventType, &total); err != nil {
			return nil, fmt.Errorf("scan usage total: %w", err)
		}
		totals[eventType] = total
	}
	return totals, rows.Err()
}
