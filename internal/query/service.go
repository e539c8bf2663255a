package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// maxRows caps every listing.
const maxRows = 500

// QueryService reads the persisted event log of one engine. It lags the
// engine by the persistence flush interval; live state is served from the
// engine itself.
type QueryService struct {
	db       *sql.DB
	engineID string
}

func NewQueryService(db *sql.DB, engineID string) *QueryService {
	return &QueryService{db: db, engineID: engineID}
}

// Events returns up to limit events with sequence >= fromSequence, oldest
// first.
func (qs *QueryService) Events(ctx context.Context, fromSequence int64, limit int) ([]EventRecord, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, market_id, event_type, idempotency_key, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE engine_id = $1 AND sequence >= $2
		ORDER BY sequence
		LIMIT $3
	`, qs.engineID, fromSequence, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		var payload, stateHash, prevHash []byte
		if err := rows.Scan(
			&e.Sequence, &e.MarketID, &e.EventType, &e.IdempotencyKey, &payload,
			&stateHash, &prevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.StateHash = common.BytesToHash(stateHash)
		e.PrevHash = common.BytesToHash(prevHash)
		events = append(events, e)
	}
	return events, rows.Err()
}

// JournalHistory returns journal entries touching account, newest first.
// A positive beforeSequence pages backwards.
func (qs *QueryService) JournalHistory(
	ctx context.Context,
	account common.Address,
	limit int,
	beforeSequence int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", strings.ToLower(account.Hex()))

	query := `
		SELECT j.journal_id, j.batch_id, j.event_ref, j.sequence,
		       j.debit_account, j.credit_account, j.asset_id, j.amount::TEXT,
		       j.journal_type, j.timestamp
		FROM event_log.journal j
		WHERE j.engine_id = $1
		  AND (j.debit_account LIKE $2 OR j.credit_account LIKE $2)
	`
	args := []interface{}{qs.engineID, accountPrefix}
	argIdx := 3

	if beforeSequence > 0 {
		query += fmt.Sprintf(" AND j.sequence < $%d", argIdx)
		args = append(args, beforeSequence)
		argIdx++
	}

	query += " ORDER BY j.sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the stored hash chain: every event must link to
// its predecessor's state hash, sequences must be contiguous and every
// journal row must belong to a stored event. Reports at most 10 findings of
// each kind.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{LastSequence: -1}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(sequence), -1)
		FROM event_log.events
		WHERE engine_id = $1
	`, qs.engineID).Scan(&report.Events, &report.LastSequence); err != nil {
		return nil, err
	}

	var err error
	report.HashChainBreaks, err = qs.sequences(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.engine_id = e1.engine_id AND e2.sequence = e1.sequence - 1
		WHERE e1.engine_id = $1 AND e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}

	report.SequenceGaps, err = qs.sequences(ctx, `
		SELECT e1.sequence + 1
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.engine_id = e1.engine_id AND e2.sequence = e1.sequence + 1
		WHERE e1.engine_id = $1 AND e2.sequence IS NULL
		  AND e1.sequence < (SELECT MAX(sequence) FROM event_log.events WHERE engine_id = $1)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}

	report.OrphanJournals, err = qs.sequences(ctx, `
		SELECT DISTINCT j.sequence
		FROM event_log.journal j
		WHERE j.engine_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM event_log.events e
			WHERE e.engine_id = j.engine_id AND e.sequence = j.sequence
		  )
		ORDER BY j.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("orphan journals: %w", err)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.OrphanJournals) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) sequences(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query, qs.engineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxRows {
		return 100
	}
	return limit
}
