package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meridian-labs/aegis/pkg/contracts"
	"github.com/meridian-labs/aegis/pkg/fingerprint"
)

// SQLiteStore persists cache entries so reusable results survive restarts.
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
	CREATE TABLE IF NOT EXISTS cache_entries (
		fingerprint   TEXT PRIMARY KEY,
		result        JSON NOT NULL,
		quality       INTEGER NOT NULL,
		created_at    DATETIME NOT NULL,
		expires_at    DATETIME NOT NULL,
		escalated     INTEGER NOT NULL DEFAULT 0,
		sub_threshold INTEGER NOT NULL DEFAULT 0
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e.Result)
	if err != nil {
		return fmt.Errorf("marshal cached result: %w", err)
	}
	query := `
	INSERT INTO cache_entries (fingerprint, result, quality, created_at, expires_at, escalated, sub_threshold)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (fingerprint) DO UPDATE SET
		result        = excluded.result,
		quality       = excluded.quality,
		created_at    = excluded.created_at,
		expires_at    = excluded.expires_at,
		escalated     = excluded.escalated,
		sub_threshold = excluded.sub_threshold
	`
	_, err = s.db.ExecContext(ctx, query,
		string(e.Fingerprint), string(raw), e.Quality,
		e.CreatedAt.UTC(), e.ExpiresAt.UTC(),
		boolToInt(e.Escalated), boolToInt(e.SubThreshold))
	if err != nil {
		return fmt.Errorf("persist cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, string(fp))
	return err
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, result, quality, created_at, expires_at, escalated, sub_threshold
		FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("load cache entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var fp, raw string
		var quality, escal, subThr int
		var createdAt, expiresAt time.Time
		if err := rows.Scan(&fp, &raw, &quality, &createdAt, &expiresAt, &escal, &subThr); err != nil {
			return nil, err
		}
		var result contracts.Result
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, fmt.Errorf("decode cached result for %s: %w", fp, err)
		}
		out = append(out, &Entry{
			Fingerprint:  fingerprint.Fingerprint(fp),
			Result:       &result,
			Quality:      quality,
			CreatedAt:    createdAt,
			ExpiresAt:    expiresAt,
			Escalated:    escal != 0,
			SubThreshold: subThr != 0,
		})
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
