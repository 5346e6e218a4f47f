package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/glimte/ordersaga-go/saga"
)

// PostgresStore persists instances in a PostgreSQL table, one row per
// transaction id with the full record as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the backing table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS saga_instances (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			version    BIGINT NOT NULL,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("create saga_instances: %w", err)
	}
	return nil
}

// Save persists the instance. The row is committed only when the stored
// version is exactly one behind, so concurrent writers for the same id
// resolve first-committer-wins.
func (s *PostgresStore) Save(ctx context.Context, instance *saga.Instance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("marshal instance %s: %w", instance.ID, err)
	}

	var result sql.Result
	if instance.Version == 1 {
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO saga_instances (id, status, version, data)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`,
			instance.ID, string(instance.Status), instance.Version, data)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE saga_instances
			SET status = $2, version = $3, data = $4, updated_at = CURRENT_TIMESTAMP
			WHERE id = $1 AND version = $3 - 1`,
			instance.ID, string(instance.Status), instance.Version, data)
	}
	if err != nil {
		return fmt.Errorf("save instance %s: %w", instance.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save instance %s: %w", instance.ID, err)
	}
	if affected == 0 {
		return saga.ErrVersionConflict
	}
	return nil
}

// Load returns the instance for id.
func (s *PostgresStore) Load(ctx context.Context, id string) (*saga.Instance, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM saga_instances WHERE id = $1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}

	var instance saga.Instance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return &instance, nil
}

// LoadActive returns every non-terminal instance.
func (s *PostgresStore) LoadActive(ctx context.Context) ([]*saga.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM saga_instances
		WHERE status NOT IN ($1, $2, $3)`,
		string(saga.StatusCompleted), string(saga.StatusFailed), string(saga.StatusCompensated))
	if err != nil {
		return nil, fmt.Errorf("load active instances: %w", err)
	}
	defer rows.Close()

	var active []*saga.Instance
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		var instance saga.Instance
		if err := json.Unmarshal(data, &instance); err != nil {
			return nil, fmt.Errorf("decode instance: %w", err)
		}
		active = append(active, &instance)
	}
	return active, rows.Err()
}

// CountByStatus returns instance counts per status.
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[saga.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM saga_instances GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[saga.Status]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[saga.Status(status)] = count
	}
	return counts, rows.Err()
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
