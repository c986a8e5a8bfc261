package router

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/meridian-labs/aegis/pkg/contracts"
)

// SQLiteStore persists executor profiles so learned routing state survives
// restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs its migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS executor_profiles (
		category        TEXT NOT NULL,
		executor_id     TEXT NOT NULL,
		running_quality REAL NOT NULL,
		running_cost    REAL NOT NULL,
		uses            INTEGER NOT NULL,
		PRIMARY KEY (category, executor_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Upsert(ctx context.Context, snap Snapshot) error {
	query := `
	INSERT INTO executor_profiles (category, executor_id, running_quality, running_cost, uses)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (category, executor_id) DO UPDATE SET
		running_quality = excluded.running_quality,
		running_cost    = excluded.running_cost,
		uses            = excluded.uses
	`
	_, err := s.db.ExecContext(ctx, query,
		string(snap.Category), snap.ExecutorID,
		snap.RunningQuality, snap.RunningCost, snap.Uses)
	if err != nil {
		return fmt.Errorf("persist executor profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, executor_id, running_quality, running_cost, uses
		FROM executor_profiles`)
	if err != nil {
		return nil, fmt.Errorf("load executor profiles: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var cat string
		if err := rows.Scan(&cat, &snap.ExecutorID, &snap.RunningQuality, &snap.RunningCost, &snap.Uses); err != nil {
			return nil, err
		}
		snap.Category = contracts.Category(cat)
		out = append(out, snap)
	}
	return out, rows.Err()
}
