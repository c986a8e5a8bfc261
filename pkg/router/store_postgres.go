package router

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/meridian-labs/aegis/pkg/contracts"
)

// PostgresStore is the shared-database variant of the profile store, for
// deployments where several pipeline instances learn against one table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Upsert(ctx context.Context, snap Snapshot) error {
	query := `
	INSERT INTO executor_profiles (category, executor_id, running_quality, running_cost, uses)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (category, executor_id) DO UPDATE SET
		running_quality = EXCLUDED.running_quality,
		running_cost    = EXCLUDED.running_cost,
		uses            = EXCLUDED.uses
	`
	_, err := s.db.ExecContext(ctx, query,
		string(snap.Category), snap.ExecutorID,
		snap.RunningQuality, snap.RunningCost, snap.Uses)
	if err != nil {
		return fmt.Errorf("persist executor profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]Snapshot, error) {
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
