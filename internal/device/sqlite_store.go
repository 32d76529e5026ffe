package device

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/kura-gateway/internal/infrastructure/database"
)

// SQLiteStore keeps the mapping in the registered_devices table.
// The schema is created by the embedded migrations.
type SQLiteStore struct {
	db  *database.DB
	now func() time.Time
}

// NewSQLiteStore returns a store using db. Call db.Migrate first.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Load returns every registered device.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, account FROM registered_devices")
	if err != nil {
		return nil, fmt.Errorf("querying registered devices: %w", err)
	}
	defer rows.Close()

	records := make(map[string]Record)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Account); err != nil {
			return nil, fmt.Errorf("%w: scanning row: %w", ErrCorruptStore, err)
		}
		records[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating registered devices: %w", err)
	}
	return records, nil
}

// Save replaces the table contents with records in one transaction.
// Devices that were already present keep their original registered_at.
func (s *SQLiteStore) Save(ctx context.Context, records map[string]Record) error {
	if err := validate(records); err != nil {
		return err
	}

	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		since, err := registeredAt(ctx, tx)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM registered_devices"); err != nil {
			return fmt.Errorf("clearing registered devices: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO registered_devices (id, account, registered_at) VALUES (?, ?, ?)")
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()

		now := s.now().UTC().Format(time.RFC3339)
		for _, r := range records {
			at, ok := since[r.ID]
			if !ok {
				at = now
			}
			if _, err := stmt.ExecContext(ctx, r.ID, r.Account, at); err != nil {
				return fmt.Errorf("inserting %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

func registeredAt(ctx context.Context, tx *sql.Tx) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id, registered_at FROM registered_devices")
	if err != nil {
		return nil, fmt.Errorf("querying registered devices: %w", err)
	}
	defer rows.Close()

	since := make(map[string]string)
	for rows.Next() {
		var id, at string
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		since[id] = at
	}
	return since, rows.Err()
}
