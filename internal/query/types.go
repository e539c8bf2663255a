package query

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventRecord is one stored event.
type EventRecord struct {
	Sequence       int64           `json:"sequence"`
	MarketID       string          `json:"market_id"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      common.Hash     `json:"state_hash"`
	PrevHash       common.Hash     `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// JournalHistoryEntry is one stored journal row touching an account.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        string `json:"amount"` // base units, NUMERIC in Postgres
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"` // unix micros
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	Events          int64   `json:"events"`
	LastSequence    int64   `json:"last_sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`    // first missing sequence of each gap
	OrphanJournals  []int64 `json:"orphan_journals,omitempty"` // sequences with journals but no event
}
