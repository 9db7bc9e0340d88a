package shardmap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/dreamware/shardis/shardkey"
)

// PostgresStore is the durable shard-map implementation:
// a `shard_map(shard_key PK, shard_id)` table plus an append-only
// `shard_map_history` table, with the insert and its history row written
// in the same transaction. It operates over string keys — SQL storage
// needs a concrete on-the-wire key representation, and string is the
// overwhelmingly common one, so PostgresStore is not generic over K the
// way MemoryStore is (see DESIGN.md for the tradeoff).
type PostgresStore struct {
	db        *sql.DB
	logger    *zap.Logger
	observers []ChangeObserver[string]
}

// NewPostgresStore wraps an already-open *sql.DB (typically opened with
// sql.Open("postgres", dsn) against github.com/lib/pq). logger may be nil,
// in which case a no-op logger is used.
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

// EnsureSchema creates the shard_map and shard_map_history tables if they
// do not already exist. Safe to call repeatedly at process startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS shard_map (
			shard_key TEXT PRIMARY KEY,
			shard_id  TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS shard_map_history (
			id             BIGSERIAL PRIMARY KEY,
			shard_key      TEXT NOT NULL,
			old_shard_id   TEXT,
			new_shard_id   TEXT NOT NULL,
			changed_at_utc TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("shardmap: ensure schema: %w", err)
	}
	return nil
}

// TryGet implements Store for string keys.
func (s *PostgresStore) TryGet(ctx context.Context, key shardkey.ShardKey[string]) (shardkey.ShardId, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT shard_id FROM shard_map WHERE shard_key = $1`, key.Value()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("shardmap: try get: %w", err)
	}
	return shardkey.ShardId(id), true, nil
}

// Assign implements Store, unconditionally overwriting within a
// transaction that also appends a history row.
func (s *PostgresStore) Assign(ctx context.Context, key shardkey.ShardKey[string], id shardkey.ShardId) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("shardmap: begin: %w", err)
	}
	defer tx.Rollback()

	var oldID sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT shard_id FROM shard_map WHERE shard_key = $1`, key.Value()).Scan(&oldID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("shardmap: assign lookup: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO shard_map (shard_key, shard_id) VALUES ($1, $2)
		ON CONFLICT (shard_key) DO UPDATE SET shard_id = EXCLUDED.shard_id
	`, key.Value(), string(id)); err != nil {
		return fmt.Errorf("shardmap: assign upsert: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO shard_map_history (shard_key, old_shard_id, new_shard_id, changed_at_utc)
		VALUES ($1, $2, $3, $4)
	`, key.Value(), nullableString(oldID), string(id), now); err != nil {
		return fmt.Errorf("shardmap: assign history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("shardmap: assign commit: %w", err)
	}

	var oldPtr *shardkey.ShardId
	if oldID.Valid {
		v := shardkey.ShardId(oldID.String)
		oldPtr = &v
	}
	s.notify(key, oldPtr, id)
	s.logger.Debug("shard map assigned", zap.String("key", key.Value()), zap.String("shard_id", string(id)))
	return nil
}

// TryAssign implements Store as an atomic compare-and-set insert using
// INSERT ... ON CONFLICT DO NOTHING, reading back the winner on conflict.
func (s *PostgresStore) TryAssign(ctx context.Context, key shardkey.ShardKey[string], id shardkey.ShardId) (bool, shardkey.ShardId, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("shardmap: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO shard_map (shard_key, shard_id) VALUES ($1, $2)
		ON CONFLICT (shard_key) DO NOTHING
	`, key.Value(), string(id))
	if err != nil {
		return false, "", fmt.Errorf("shardmap: try assign insert: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, "", fmt.Errorf("shardmap: try assign rows affected: %w", err)
	}

	if rows == 0 {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT shard_id FROM shard_map WHERE shard_key = $1`, key.Value()).Scan(&current); err != nil {
			return false, "", fmt.Errorf("shardmap: try assign read current: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, "", fmt.Errorf("shardmap: try assign commit: %w", err)
		}
		return false, shardkey.ShardId(current), nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO shard_map_history (shard_key, old_shard_id, new_shard_id, changed_at_utc)
		VALUES ($1, NULL, $2, $3)
	`, key.Value(), string(id), time.Now().UTC()); err != nil {
		return false, "", fmt.Errorf("shardmap: try assign history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("shardmap: try assign commit: %w", err)
	}

	s.notify(key, nil, id)
	s.logger.Debug("shard map assignment created", zap.String("key", key.Value()), zap.String("shard_id", string(id)))
	return true, id, nil
}

// TryGetOrAdd implements Store.
func (s *PostgresStore) TryGetOrAdd(ctx context.Context, key shardkey.ShardKey[string], factory func() shardkey.ShardId) (bool, shardkey.ShardId, error) {
	if id, ok, err := s.TryGet(ctx, key); err != nil {
		return false, "", err
	} else if ok {
		return false, id, nil
	}
	return s.TryAssign(ctx, key, factory())
}

// Enumerate implements Store, streaming rows ordered by shard_key and
// checking ctx between rows.
func (s *PostgresStore) Enumerate(ctx context.Context) (<-chan Entry[string], <-chan error) {
	out := make(chan Entry[string])
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		rows, err := s.db.QueryContext(ctx, `SELECT shard_key, shard_id FROM shard_map ORDER BY shard_key ASC`)
		if err != nil {
			errc <- fmt.Errorf("shardmap: enumerate query: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			default:
			}

			var key, id string
			if err := rows.Scan(&key, &id); err != nil {
				errc <- fmt.Errorf("shardmap: enumerate scan: %w", err)
				return
			}

			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case out <- Entry[string]{Key: shardkey.String(key), ShardID: shardkey.ShardId(id)}:
			}
		}
		if err := rows.Err(); err != nil {
			errc <- fmt.Errorf("shardmap: enumerate rows: %w", err)
		}
	}()

	return out, errc
}

// OnAssignmentChanged implements Store.
func (s *PostgresStore) OnAssignmentChanged(observer ChangeObserver[string]) {
	s.observers = append(s.observers, observer)
}

func (s *PostgresStore) notify(key shardkey.ShardKey[string], old *shardkey.ShardId, new shardkey.ShardId) {
	for _, obs := range s.observers {
		obs(key, old, new)
	}
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
