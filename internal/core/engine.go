package core

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"PerpPool/internal/event"
	"PerpPool/internal/fees"
	"PerpPool/internal/ledger"
	"PerpPool/internal/observability"
	"PerpPool/internal/state"
)

// PriceFeed supplies the mark price, USD scale.
type PriceFeed interface {
	CurrentPrice(ctx context.Context) (int64, error)
}

// Registry supplies market parameters and decides which engine is trusted.
type Registry interface {
	Params() state.Params
	IsTrusted(engine common.Address) bool
	Successor(engine common.Address) common.Address
}

// Custody holds the sale tokens stakers lock in the engine.
type Custody interface {
	BalanceOf(account common.Address) *big.Int
	TotalSupply() *big.Int
	TransferIn(from common.Address, amount *big.Int) error
	TransferOut(to common.Address, amount *big.Int) error
}

// Lifecycle of an engine. Retired is terminal.
type Lifecycle int32

const (
	LifecycleActive Lifecycle = iota
	LifecycleRetired
)

func (l Lifecycle) String() string {
	if l == LifecycleRetired {
		return "retired"
	}
	return "active"
}

// CoreOutput is everything downstream consumers need for one event.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
}

// Config wires an Engine to its collaborators.
type Config struct {
	EngineID    common.Address
	MarketID    string
	MarketStart time.Time

	Registry    Registry
	Prices      PriceFeed
	SaleToken   Custody       // staked token
	RewardToken fees.Holdings // holdings drive the fee discount

	// OrderIDs defaults to an in-memory guard of 1M ids.
	OrderIDs *OrderIDGuard

	// Clock defaults to time.Now.
	Clock func() time.Time

	PersistChan chan<- CoreOutput
	PublishChan chan<- CoreOutput

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Engine owns positions and limit orders of one market and drives every
// ledger mutation. All state sits behind one mutex: each operation plans on
// scratch copies, validates, then commits, so partial fills are never
// observable.
type Engine struct {
	mu sync.Mutex

	id          common.Address
	marketID    string
	marketStart time.Time

	registry    Registry
	prices      PriceFeed
	saleToken   Custody
	rewardToken fees.Holdings

	ledger    *ledger.Ledger
	rewards   *ledger.RewardDistributor
	fees      *fees.Calculator
	validator *ledger.InvariantValidator
	positions *state.PositionManager
	orders    *state.OrderBook
	orderIDs  *OrderIDGuard
	chain     *hashChain

	now           func() time.Time
	nonce         uint64
	sequence      int64
	paramsVersion int64
	lifecycle     Lifecycle
	successor     common.Address

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil || cfg.Prices == nil || cfg.SaleToken == nil || cfg.RewardToken == nil {
		return nil, fmt.Errorf("%w: registry, prices and both tokens are required", ErrInvalidParameter)
	}
	if cfg.MarketID == "" {
		return nil, fmt.Errorf("%w: market id is required", ErrInvalidParameter)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.OrderIDs == nil {
		cfg.OrderIDs = NewOrderIDGuard(1_000_000, nil)
	}
	if cfg.MarketStart.IsZero() {
		cfg.MarketStart = cfg.Clock()
	}

	params := cfg.Registry.Params()
	l := ledger.New()
	positions := state.NewPositionManager()
	l.SetMarginProvider(positions)

	return &Engine{
		id:            cfg.EngineID,
		marketID:      cfg.MarketID,
		marketStart:   cfg.MarketStart,
		registry:      cfg.Registry,
		prices:        cfg.Prices,
		saleToken:     cfg.SaleToken,
		rewardToken:   cfg.RewardToken,
		ledger:        l,
		rewards:       ledger.NewRewardDistributor(l, params.PercentScale),
		fees:          fees.NewCalculator(cfg.RewardToken, cfg.Registry),
		validator:     ledger.NewInvariantValidator(l),
		positions:     positions,
		orders:        state.NewOrderBook(),
		orderIDs:      cfg.OrderIDs,
		chain:         newHashChain(cfg.EngineID),
		now:           cfg.Clock,
		paramsVersion: params.Version,
		lifecycle:     LifecycleActive,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		persistChan:   cfg.PersistChan,
		publishChan:   cfg.PublishChan,
	}, nil
}

// ============================================================================
// Operation plumbing
// ============================================================================

const (
	opLimitOrder  = "limit_order"
	opMarketOrder = "market_order"
	opLiquidate   = "liquidate"
	opExpire      = "expire"
	opClose       = "close"
	opDeposit     = "deposit"
	opWithdraw    = "withdraw"
	opStake       = "stake"
	opUnstake     = "unstake"
	opClaim       = "claim_dividends"
)

// pending is one event produced by a committed operation.
type pending struct {
	payload  event.Event
	batch    *ledger.Batch
	accounts []common.Address
}

// begin runs the per-operation preamble under the lock: it notices parameter
// changes and loss of registry trust, emitting events for both, and returns
// the parameters the operation must use.
func (e *Engine) begin(now time.Time) state.Params {
	params := e.registry.Params()

	var out []pending
	if params.Version != e.paramsVersion {
		e.paramsVersion = params.Version
		out = append(out, pending{payload: &event.ParamsUpdated{
			Version:             params.Version,
			MaxLeverage:         params.MaxLeverage,
			MinOrderValue:       params.MinOrderValue,
			MaxOrderValue:       params.MaxOrderValue,
			BankruptcyThreshold: params.BankruptcyThreshold,
			LiquidationProfit:   params.LiquidationProfit,
			FeeDiscountIndex:    params.FeeDiscountIndex,
			MarketFeeRate:       params.MarketFeeRate,
			LimitFeeRate:        params.LimitFeeRate,
		}})
	}

	if e.lifecycle == LifecycleActive && !e.registry.IsTrusted(e.id) {
		e.lifecycle = LifecycleRetired
		e.successor = e.registry.Successor(e.id)
		e.logger.Warn().
			Str("engine", e.id.Hex()).
			Str("successor", e.successor.Hex()).
			Msg("registry no longer trusts engine, retiring")
		if e.metrics != nil {
			e.metrics.EngineRetired.Set(1)
		}
		out = append(out, pending{payload: &event.EngineRetired{Engine: e.id, Successor: e.successor}})
	}

	if len(out) > 0 {
		e.emit(now, out)
	}
	return params
}

// tx opens a ledger transaction stamped with the next sequence.
func (e *Engine) tx(now time.Time) *ledger.Tx {
	return e.ledger.Begin("", e.sequence, now.UnixMicro())
}

// commit applies a planned ledger transaction and positions. Every check has
// already passed, so a failure here means the engine state is corrupt.
func (e *Engine) commit(tx *ledger.Tx, positions []state.Position) {
	if err := e.validator.ValidateBatchBalance(tx.Batch()); err != nil {
		e.fatal("unbalanced batch: %v", err)
	}
	if err := e.ledger.Commit(tx); err != nil {
		e.fatal("commit failed: %v", err)
	}
	for _, pos := range positions {
		e.positions.SetPosition(pos)
	}
	for _, pos := range positions {
		if pos.IsFlat() {
			continue
		}
		if err := e.validator.ValidateAvailableNonNegative(pos.Account); err != nil {
			e.fatal("invariant violated: %v", err)
		}
	}
}

func (e *Engine) fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.logger.Error().Str("engine", e.id.Hex()).Msg(msg)
	panic("FATAL: " + msg)
}

// emit envelopes committed events, chains their state hashes and hands them
// to the persistence and publish channels.
func (e *Engine) emit(now time.Time, events []pending) []*event.EventEnvelope {
	envelopes := make([]*event.EventEnvelope, 0, len(events))

	for _, p := range events {
		key := p.payload.IdempotencyKey()
		batch := p.batch
		if batch == nil {
			batch = ledger.NewBatch(key, e.sequence, now.UnixMicro())
		}
		batch.Stamp(key, e.sequence)

		digest := e.computeStateDigest(batch, p.accounts)
		prev, hash := e.chain.link(e.sequence, digest)

		envelope := &event.EventEnvelope{
			Sequence:       e.sequence,
			IdempotencyKey: key,
			EventType:      p.payload.EventType(),
			MarketID:       e.marketID,
			Timestamp:      now,
			Payload:        p.payload,
			StateHash:      [32]byte(hash),
			PrevHash:       [32]byte(prev),
		}
		envelopes = append(envelopes, envelope)
		e.sequence++

		output := CoreOutput{Envelope: envelope, Batch: batch, StateDelta: digest}

		// Persistence is lossless: block until the writer drains.
		if e.persistChan != nil {
			select {
			case e.persistChan <- output:
			default:
				if e.metrics != nil {
					e.metrics.PersistBackpressure.Inc()
				}
				e.persistChan <- output
			}
		}

		// Publishing is best effort.
		if e.publishChan != nil {
			select {
			case e.publishChan <- output:
			default:
				if e.metrics != nil {
					e.metrics.PublishDrops.Inc()
				}
			}
		}

		if e.metrics != nil {
			for _, j := range batch.Journals {
				e.metrics.Journals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.Sequence.Set(float64(e.sequence))
	}
	return envelopes
}

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch touched with its balance, then the positions of the
// accounts the event concerns.
func (e *Engine) computeStateDigest(batch *ledger.Batch, accounts []common.Address) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}
	keys := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})

	digest := make([]byte, 0, len(keys)*96+len(accounts)*48)
	for _, key := range keys {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendBigInt(digest, e.ledger.AccountBalance(key))
	}

	owners := append([]common.Address(nil), accounts...)
	sort.Slice(owners, func(i, j int) bool {
		return owners[i].Cmp(owners[j]) < 0
	})
	var last common.Address
	for i, acct := range owners {
		if i > 0 && acct == last {
			continue
		}
		last = acct
		digest = append(digest, e.positions.GetPosition(acct).CanonicalBytes()...)
	}

	return digest
}

// appendBigInt writes sign, length and big-endian magnitude.
func appendBigInt(buf []byte, v *big.Int) []byte {
	mag := v.Bytes()
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	buf = append(buf, sign, byte(len(mag)))
	return append(buf, mag...)
}

// markPrice reads the feed outside of any ledger transaction.
func (e *Engine) markPrice(ctx context.Context) (int64, error) {
	price, err := e.prices.CurrentPrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: non-positive mark %d", ErrPriceUnavailable, price)
	}
	return price, nil
}

func (e *Engine) applied(op string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.OpsApplied.WithLabelValues(op).Inc()
	e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	e.metrics.OpenPositions.Set(float64(e.positions.OpenCount()))
	e.metrics.RestingOrders.Set(float64(e.orders.Len()))
	e.metrics.OrderIDLRUSize.Set(float64(e.orderIDs.Size()))

	pool := e.ledger.Pool()
	e.metrics.TotalStaked.Set(toFloat(pool.TotalStaked))
	e.metrics.AllTimeTotalProfit.Set(toFloat(pool.AllTimeTotalProfit))
	e.metrics.MarginBank.Set(toFloat(pool.MarginBank))
	e.metrics.Debt.Set(toFloat(pool.Debt))
}

func (e *Engine) rejected(op string, err error) error {
	e.logger.Debug().Str("op", op).Err(err).Msg("operation rejected")
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, reason(err)).Inc()
	}
	return err
}

func toFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
