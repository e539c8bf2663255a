package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpPool/internal/core"
	"PerpPool/internal/event"
)

// SnapshotManager stores engine snapshots for warm restarts and reads back
// the events logged after them for replay.
type SnapshotManager struct {
	db       *sql.DB
	engineID string
}

func NewSnapshotManager(db *sql.DB, engineID string) *SnapshotManager {
	return &SnapshotManager{db: db, engineID: engineID}
}

// SaveSnapshot persists snap and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState, takenAt time.Time) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	const formatVersion = 1 // JSON-encoded core.SnapshotState

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, engine_id, sequence, data, state_hash, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (engine_id, sequence) DO UPDATE SET data = $4, state_hash = $5, size_bytes = $7
	`, uuid.New(), sm.engineID, snap.Sequence, data, snap.StateHash.Bytes(), formatVersion, len(data), takenAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot returns the newest snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE engine_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, sm.engineID)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// NextSequence returns the sequence after the newest persisted event, or
// zero for an empty log.
func (sm *SnapshotManager) NextSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events WHERE engine_id = $1
	`, sm.engineID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64 + 1, nil
}

// LoadEventsFrom returns up to limit events with sequence >= fromSequence,
// oldest first, decoded back into envelopes.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, market_id, event_type, idempotency_key, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE engine_id = $1 AND sequence >= $2
		ORDER BY sequence
		LIMIT $3
	`, sm.engineID, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*event.EventEnvelope
	for rows.Next() {
		row := EventRow{EngineID: sm.engineID}
		if err := rows.Scan(
			&row.Sequence, &row.MarketID, &row.EventType, &row.IdempotencyKey, &row.Payload,
			&row.StateHash, &row.PrevHash, &row.Timestamp,
		); err != nil {
			return nil, err
		}
		env, err := ParseRow(row)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// Prune keeps the newest keep snapshots and deletes the rest.
func (sm *SnapshotManager) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE engine_id = $1 AND sequence NOT IN (
			SELECT sequence FROM event_log.snapshots
			WHERE engine_id = $1
			ORDER BY sequence DESC
			LIMIT $2
		)
	`, sm.engineID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
