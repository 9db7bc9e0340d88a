package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/dreamware/shardis/shardkey"
)

// PostgresStore is the durable CheckpointStore: a single
// `migration_checkpoint(plan_id PK, version, updated_at_utc, payload)`
// table, upserted on the primary key with version strictly increasing.
// It is concrete to string keys for the same reason shardmap.PostgresStore
// is: SQL storage needs one on-the-wire key representation.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore wraps an already-open *sql.DB (opened with
// sql.Open("postgres", dsn) against github.com/lib/pq). logger may be nil.
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

// EnsureSchema creates the migration_checkpoint table if it does not
// already exist. Safe to call repeatedly at process startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migration_checkpoint (
			plan_id        UUID PRIMARY KEY,
			version        INTEGER NOT NULL,
			updated_at_utc TIMESTAMPTZ NOT NULL,
			payload        JSONB NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("checkpoint: ensure schema: %w", err)
	}
	return nil
}

// payload is the on-disk JSON shape. Field names are part of the wire
// contract and must not change casing.
type payload struct {
	PlanID             uuid.UUID      `json:"PlanId"`
	Version            int            `json:"Version"`
	UpdatedAtUtc       time.Time      `json:"UpdatedAtUtc"`
	States             []payloadState `json:"States"`
	LastProcessedIndex int            `json:"LastProcessedIndex"`
}

type payloadState struct {
	Key     string `json:"Key"`
	State   string `json:"State"`
	Retries int    `json:"Retries"`
}

func stateName(s KeyMoveState) string {
	switch s {
	case Copied:
		return "Copied"
	case Verified:
		return "Verified"
	case Swapped:
		return "Swapped"
	case Failed:
		return "Failed"
	default:
		return "Planned"
	}
}

func stateFromName(name string) KeyMoveState {
	switch name {
	case "Copied":
		return Copied
	case "Verified":
		return Verified
	case "Swapped":
		return Swapped
	case "Failed":
		return Failed
	default:
		return Planned
	}
}

// Load implements CheckpointStore[string].
func (s *PostgresStore) Load(ctx context.Context, planID uuid.UUID) (*Checkpoint[string], bool, error) {
	var raw []byte
	var version int
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT version, updated_at_utc, payload FROM migration_checkpoint WHERE plan_id = $1`, planID,
	).Scan(&version, &updatedAt, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint: load: %w", err)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, fmt.Errorf("checkpoint: decode payload: %w", err)
	}

	progress := make(map[string]KeyProgress[string], len(p.States))
	for _, st := range p.States {
		progress[st.Key] = KeyProgress[string]{
			Key:     shardkey.String(st.Key),
			State:   stateFromName(st.State),
			Retries: st.Retries,
		}
	}

	return &Checkpoint[string]{
		PlanID:             planID,
		Version:            version,
		UpdatedAtUtc:       updatedAt.UTC(),
		Progress:           progress,
		LastProcessedIndex: p.LastProcessedIndex,
	}, true, nil
}

// Persist implements CheckpointStore: an upsert on plan_id, rejecting any
// write whose Version does not strictly advance the row already present,
// matching shardmap.PostgresStore's transactional upsert style.
func (s *PostgresStore) Persist(ctx context.Context, cp Checkpoint[string]) error {
	states := make([]payloadState, 0, len(cp.Progress))
	for key, p := range cp.Progress {
		states = append(states, payloadState{Key: key, State: stateName(p.State), Retries: p.Retries})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Key < states[j].Key })
	now := cp.UpdatedAtUtc
	if now.IsZero() {
		now = time.Now().UTC()
	}
	raw, err := json.Marshal(payload{
		PlanID:             cp.PlanID,
		Version:            cp.Version,
		UpdatedAtUtc:       now,
		States:             states,
		LastProcessedIndex: cp.LastProcessedIndex,
	})
	if err != nil {
		return fmt.Errorf("checkpoint: encode payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO migration_checkpoint (plan_id, version, updated_at_utc, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (plan_id) DO UPDATE
			SET version = EXCLUDED.version, updated_at_utc = EXCLUDED.updated_at_utc, payload = EXCLUDED.payload
			WHERE migration_checkpoint.version < EXCLUDED.version
	`, cp.PlanID, cp.Version, now, raw)
	if err != nil {
		return fmt.Errorf("checkpoint: persist upsert: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checkpoint: persist rows affected: %w", err)
	}
	if rows == 0 {
		// Either a fresh insert failed silently (impossible: no conflict
		// target collision without an existing row) or an existing row's
		// version was >= cp.Version: the monotonicity invariant rejected
		// a stale write.
		var current int
		if err := tx.QueryRowContext(ctx, `SELECT version FROM migration_checkpoint WHERE plan_id = $1`, cp.PlanID).Scan(&current); err == nil && current >= cp.Version {
			return fmt.Errorf("checkpoint: stale version %d for plan %s (current %d)", cp.Version, cp.PlanID, current)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("checkpoint: persist commit: %w", err)
	}
	s.logger.Debug("checkpoint persisted", zap.String("plan_id", cp.PlanID.String()), zap.Int("version", cp.Version))
	return nil
}
