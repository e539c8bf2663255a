package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PerpPool/internal/event"
)

var orderPlacedType = event.EventTypeOrderPlaced.String()

// PostgresOrderIDChecker answers whether an order id was ever issued by
// looking for its OrderPlaced event in the event log.
type PostgresOrderIDChecker struct {
	db       *sql.DB
	engineID string
	timeout  time.Duration
}

func NewPostgresOrderIDChecker(db *sql.DB, engineID string) *PostgresOrderIDChecker {
	return &PostgresOrderIDChecker{
		db:       db,
		engineID: engineID,
		timeout:  500 * time.Millisecond,
	}
}

// OrderIDExists checks the event log for an OrderPlaced with this id.
func (c *PostgresOrderIDChecker) OrderIDExists(ctx context.Context, id common.Hash) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := `
        SELECT 1
        FROM event_log.events
        WHERE engine_id = $1 AND event_type = $2 AND idempotency_key = $3
        LIMIT 1
    `

	var exists int
	err := c.db.QueryRowContext(ctx, query, c.engineID, orderPlacedType, id.Hex()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentOrderIDs returns up to limit ids placed at or after fromSequence,
// newest first, for warming the in-memory guard after a restart.
func (c *PostgresOrderIDChecker) RecentOrderIDs(ctx context.Context, fromSequence int64, limit int) ([]common.Hash, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT idempotency_key
		FROM event_log.events
		WHERE engine_id = $1 AND event_type = $2 AND sequence >= $3
		ORDER BY sequence DESC
		LIMIT $4
	`, c.engineID, orderPlacedType, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []common.Hash
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		ids = append(ids, common.HexToHash(key))
	}
	return ids, rows.Err()
}
