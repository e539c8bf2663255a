package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"PerpPool/internal/core"
	"PerpPool/internal/event"
	fpmath "PerpPool/internal/math"
	"PerpPool/internal/observability"
	"PerpPool/internal/query"
	"PerpPool/internal/state"
)

// AdminHeader carries the caller address on admin routes.
const AdminHeader = "X-Admin-Address"

// ParamsAdmin is the writable side of the market registry;
// state.ParamsManager implements it.
type ParamsAdmin interface {
	Params() state.Params
	Update(params state.Params) (state.Params, error)
	SetFeeRates(limitRate, marketRate int64) (state.Params, error)
	Redeploy(engine, successor common.Address, window time.Duration) error
}

// HTTPConfig wires the JSON API.
type HTTPConfig struct {
	Addr      string
	Engine    *core.Engine
	Registry  ParamsAdmin
	Admin     common.Address // zero disables admin routes
	RateLimit float64        // requests per second, zero disables
	RateBurst int
	Health    *observability.HealthChecker
	Audit     *query.QueryService // nil disables the event log routes

	// OnLifecycle is called after an admin action that may retire the engine.
	OnLifecycle func(core.Lifecycle)
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

// HTTPServer serves the engine operations and queries as JSON.
type HTTPServer struct {
	cfg     HTTPConfig
	mux     *runtime.ServeMux
	limiter *rate.Limiter
	srv     *http.Server
}

func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	s := &HTTPServer{
		cfg: cfg,
		mux: runtime.NewServeMux(),
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	if err := s.routes(); err != nil {
		return nil, err
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

type route struct {
	method  string
	pattern string
	handle  func(r *http.Request, params map[string]string) (any, error)
}

func (s *HTTPServer) routes() error {
	routes := []route{
		{http.MethodGet, "/v1/status", s.status},
		{http.MethodGet, "/v1/price", s.price},
		{http.MethodGet, "/v1/positions", s.positions},
		{http.MethodGet, "/v1/orders/{id}", s.order},
		{http.MethodGet, "/v1/accounts/{account}", s.account},
		{http.MethodGet, "/v1/accounts/{account}/orders", s.accountOrders},
		{http.MethodGet, "/v1/accounts/{account}/risk", s.risk},
		{http.MethodPost, "/v1/accounts/{account}/deposit", s.deposit},
		{http.MethodPost, "/v1/accounts/{account}/withdraw", s.withdraw},
		{http.MethodPost, "/v1/accounts/{account}/stake", s.stake},
		{http.MethodPost, "/v1/accounts/{account}/unstake", s.unstake},
		{http.MethodPost, "/v1/accounts/{account}/claim", s.claim},
		{http.MethodPost, "/v1/accounts/{account}/orders/limit", s.limitOrder},
		{http.MethodPost, "/v1/accounts/{account}/orders/market", s.marketOrder},
		{http.MethodPost, "/v1/accounts/{account}/close", s.closePosition},
		{http.MethodPost, "/v1/accounts/{account}/liquidate", s.liquidate},
		{http.MethodPost, "/v1/accounts/{account}/expire", s.expire},
		{http.MethodPut, "/v1/admin/fees", s.admin(s.setFees)},
		{http.MethodPut, "/v1/admin/params", s.admin(s.setParams)},
		{http.MethodPost, "/v1/admin/redeploy", s.admin(s.redeploy)},
	}
	if s.cfg.Audit != nil {
		routes = append(routes,
			route{http.MethodGet, "/v1/events", s.events},
			route{http.MethodGet, "/v1/accounts/{account}/journal", s.journal},
			route{http.MethodGet, "/v1/admin/integrity", s.admin(s.integrity)},
		)
	}
	for _, rt := range routes {
		if err := s.mux.HandlePath(rt.method, rt.pattern, s.instrument(rt)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// Handler is the full HTTP handler: health checks, then the rate-limited API.
func (s *HTTPServer) Handler() http.Handler {
	root := http.NewServeMux()
	if s.cfg.Health != nil {
		root.HandleFunc("/healthz", s.cfg.Health.LivenessHandler)
		root.HandleFunc("/readyz", s.cfg.Health.ReadinessHandler)
	}
	root.Handle("/", s.rateLimit(s.mux))
	return root
}

// Start serves until ctx is cancelled.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.cfg.Logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	s.cfg.Logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.HTTPRateLimit.Inc()
			}
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Code: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) instrument(rt route) runtime.HandlerFunc {
	label := rt.method + " " + rt.pattern
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := rt.handle(r, params)

		code := http.StatusOK
		if err != nil {
			code = statusFor(err)
			body := errorBody{Error: err.Error(), Code: errorCode(err)}
			if code == http.StatusInternalServerError {
				s.cfg.Logger.Error().Err(err).Str("route", label).Msg("request failed")
				body.Error = "internal error"
			}
			writeJSON(w, code, body)
		} else {
			writeJSON(w, code, resp)
		}

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.HTTPRequests.WithLabelValues(label, strconv.Itoa(code)).Inc()
			s.cfg.Metrics.HTTPDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		}
	}
}

// ============================================================================
// Errors
// ============================================================================

// errBadRequest marks malformed input that never reached the engine.
var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, core.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrInsufficientBalance), errors.Is(err, core.ErrMarketActive):
		return http.StatusConflict
	case errors.Is(err, core.ErrOrderNotFound), errors.Is(err, core.ErrNoPosition):
		return http.StatusNotFound
	case errors.Is(err, core.ErrOrderExpired), errors.Is(err, core.ErrEngineRetired):
		return http.StatusGone
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errBadRequest):
		return "bad_request"
	case errors.Is(err, core.ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, core.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, core.ErrMarketActive):
		return "market_active"
	case errors.Is(err, core.ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, core.ErrNoPosition):
		return "no_position"
	case errors.Is(err, core.ErrOrderExpired):
		return "order_expired"
	case errors.Is(err, core.ErrEngineRetired):
		return "engine_retired"
	case errors.Is(err, core.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, core.ErrPriceUnavailable):
		return "price_unavailable"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================================
// Request decoding
// ============================================================================

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: body: %v", errBadRequest, err)
	}
	return nil
}

func pathAddress(params map[string]string, key string) (common.Address, error) {
	v := params[key]
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", errBadRequest, key, v)
	}
	return common.HexToAddress(v), nil
}

// settlement converts a decimal amount of the settlement asset.
func settlement(field string, d decimal.Decimal) (*big.Int, error) {
	v, err := fpmath.ParseFixed(d.String(), fpmath.SettlementConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return v, nil
}

// usd converts a decimal price or notional amount.
func usd(field string, d decimal.Decimal) (int64, error) {
	v, err := fpmath.ParseFixedInt64(d.String(), fpmath.USDConfig)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return v, nil
}

// leverage converts a multiple such as "3.5" to the percent-scaled form.
func leverage(d decimal.Decimal) (int64, error) {
	scaled := d.Shift(2)
	if !scaled.Equal(scaled.Truncate(0)) || !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: leverage %s has more than 2 decimals", errBadRequest, d)
	}
	return scaled.IntPart(), nil
}

// ============================================================================
// Queries
// ============================================================================

type priceResponse struct {
	Price    int64  `json:"price"`
	Decimal  string `json:"decimal"`
	MarketID string `json:"market_id"`
}

func (s *HTTPServer) status(_ *http.Request, _ map[string]string) (any, error) {
	return s.cfg.Engine.Status(), nil
}

func (s *HTTPServer) price(r *http.Request, _ map[string]string) (any, error) {
	p, err := s.cfg.Engine.MarkPrice(r.Context())
	if err != nil {
		return nil, err
	}
	return priceResponse{Price: p, Decimal: fpmath.FormatFixedInt64(p, fpmath.USDConfig), MarketID: s.cfg.Engine.MarketID()}, nil
}

func (s *HTTPServer) positions(_ *http.Request, _ map[string]string) (any, error) {
	return s.cfg.Engine.Positions(), nil
}

func (s *HTTPServer) order(_ *http.Request, params map[string]string) (any, error) {
	raw := params["id"]
	id, err := hexToHash(raw)
	if err != nil {
		return nil, err
	}
	o, ok := s.cfg.Engine.Order(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrOrderNotFound, raw)
	}
	return o, nil
}

func hexToHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: order id %q is not a 32-byte hex hash", errBadRequest, s)
	}
	return common.BytesToHash(b), nil
}

func (s *HTTPServer) account(_ *http.Request, params map[string]string) (any, error) {
	acct, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	return s.cfg.Engine.Account(acct), nil
}

func (s *HTTPServer) accountOrders(_ *http.Request, params map[string]string) (any, error) {
	acct, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	return s.cfg.Engine.Orders(acct), nil
}

type riskResponse struct {
	Account       common.Address `json:"account"`
	Position      state.Position `json:"position"`
	Mark          int64          `json:"mark"`
	UnrealizedPnL *big.Int       `json:"unrealized_pnl"`
	Liquidatable  bool           `json:"liquidatable"`
}

func (s *HTTPServer) risk(r *http.Request, params map[string]string) (any, error) {
	acct, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	mark, err := s.cfg.Engine.MarkPrice(r.Context())
	if err != nil {
		return nil, err
	}
	pnl, err := s.cfg.Engine.UnrealizedPnL(r.Context(), acct)
	if err != nil {
		return nil, err
	}
	liq, err := s.cfg.Engine.IsLiquidatable(r.Context(), acct)
	if err != nil {
		return nil, err
	}
	return riskResponse{
		Account:       acct,
		Position:      s.cfg.Engine.Position(acct),
		Mark:          mark,
		UnrealizedPnL: pnl,
		Liquidatable:  liq,
	}, nil
}

// ============================================================================
// Funds
// ============================================================================

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type dividendsResponse struct {
	DividendsPaid *big.Int         `json:"dividends_paid"`
	Account       core.AccountView `json:"account"`
}

func (s *HTTPServer) amountCall(r *http.Request, params map[string]string) (common.Address, *big.Int, error) {
	acct, err := pathAddress(params, "account")
	if err != nil {
		return common.Address{}, nil, err
	}
	var req amountRequest
	if err := decode(r, &req); err != nil {
		return common.Address{}, nil, err
	}
	amount, err := settlement("amount", req.Amount)
	if err != nil {
		return common.Address{}, nil, err
	}
	return acct, amount, nil
}

func (s *HTTPServer) deposit(r *http.Request, params map[string]string) (any, error) {
	acct, amount, err := s.amountCall(r, params)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Engine.Deposit(r.Context(), acct, amount); err != nil {
		return nil, err
	}
	return s.cfg.Engine.Account(acct), nil
}

func (s *HTTPServer) withdraw(r *http.Request, params map[string]string) (any, error) {
	acct, amount, err := s.amountCall(r, params)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Engine.Withdraw(r.Context(), acct, amount); err != nil {
		return nil, err
	}
	return s.cfg.Engine.Account(acct), nil
}

func (s *HTTPServer) stake(r *http.Request, params map[string]string) (any, error) {
	acct, amount, err := s.amountCall(r, params)
	if err != nil {
		return nil, err
	}
	paid, err := s.cfg.Engine.Stake(r.Context(), acct, amount)
	if err != nil {
		return nil, err
	}
	return dividendsResponse{DividendsPaid: paid, Account: s.cfg.Engine.Account(acct)}, nil
}

func (s *HTTPServer) unstake(r *http.Request, params map[string]string) (any, error) {
	acct, amount, err := s.amountCall(r, params)
	if err != nil {
		return nil, err
	}
	paid, err := s.cfg.Engine.Unstake(r.Context(), acct, amount)
	if err != nil {
		return nil, err
	}
	return dividendsResponse{DividendsPaid: paid, Account: s.cfg.Engine.Account(acct)}, nil
}

func (s *HTTPServer) claim(r *http.Request, params map[string]string) (any, error) {
	acct, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	paid, err := s.cfg.Engine.ClaimDividends(r.Context(), acct)
	if err != nil {
		return nil, err
	}
	return dividendsResponse{DividendsPaid: paid, Account: s.cfg.Engine.Account(acct)}, nil
}

// ============================================================================
// Orders and positions
// ============================================================================

type limitOrderRequest struct {
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Side      event.Side      `json:"side"`
	Leverage  decimal.Decimal `json:"leverage"`
	ExpiresIn string          `json:"expires_in"`
}

func (s *HTTPServer) limitOrder(r *http.Request, params map[string]string) (any, error) {
	trader, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	var body limitOrderRequest
	if err := decode(r, &body); err != nil {
		return nil, err
	}
	req := core.LimitOrderRequest{Side: body.Side}
	if req.Price, err = usd("price", body.Price); err != nil {
		return nil, err
	}
	if req.Amount, err = usd("amount", body.Amount); err != nil {
		return nil, err
	}
	if req.Leverage, err = leverage(body.Leverage); err != nil {
		return nil, err
	}
	if req.ExpiresIn, err = time.ParseDuration(body.ExpiresIn); err != nil {
		return nil, fmt.Errorf("%w: expires_in: %v", errBadRequest, err)
	}
	return s.cfg.Engine.PlaceLimitOrder(r.Context(), trader, req)
}

type marketOrderRequest struct {
	OrderIDs []common.Hash   `json:"order_ids"`
	Amount   decimal.Decimal `json:"amount"`
	Leverage decimal.Decimal `json:"leverage"`
}

func (s *HTTPServer) marketOrder(r *http.Request, params map[string]string) (any, error) {
	taker, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	var body marketOrderRequest
	if err := decode(r, &body); err != nil {
		return nil, err
	}
	req := core.MarketOrderRequest{OrderIDs: body.OrderIDs}
	if req.Amount, err = usd("amount", body.Amount); err != nil {
		return nil, err
	}
	if req.Leverage, err = leverage(body.Leverage); err != nil {
		return nil, err
	}
	return s.cfg.Engine.PlaceMarketOrder(r.Context(), taker, req)
}

func (s *HTTPServer) closePosition(r *http.Request, params map[string]string) (any, error) {
	owner, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	return s.cfg.Engine.ClosePosition(r.Context(), owner)
}

type liquidateRequest struct {
	Caller common.Address `json:"caller"`
}

func (s *HTTPServer) liquidate(r *http.Request, params map[string]string) (any, error) {
	acct, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	var body liquidateRequest
	if err := decode(r, &body); err != nil {
		return nil, err
	}
	if body.Caller == (common.Address{}) {
		return nil, fmt.Errorf("%w: caller is required", errBadRequest)
	}
	return s.cfg.Engine.Liquidate(r.Context(), body.Caller, acct)
}

func (s *HTTPServer) expire(r *http.Request, params map[string]string) (any, error) {
	acct, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	return s.cfg.Engine.Expire(r.Context(), acct)
}

// ============================================================================
// Admin
// ============================================================================

func (s *HTTPServer) admin(next func(*http.Request, map[string]string) (any, error)) func(*http.Request, map[string]string) (any, error) {
	return func(r *http.Request, params map[string]string) (any, error) {
		caller := r.Header.Get(AdminHeader)
		if s.cfg.Admin == (common.Address{}) || !common.IsHexAddress(caller) || common.HexToAddress(caller) != s.cfg.Admin {
			return nil, fmt.Errorf("%w: admin route", core.ErrUnauthorized)
		}
		return next(r, params)
	}
}

type feesRequest struct {
	LimitFeeRate  int64 `json:"limit_fee_rate"`
	MarketFeeRate int64 `json:"market_fee_rate"`
}

func (s *HTTPServer) setFees(r *http.Request, _ map[string]string) (any, error) {
	var body feesRequest
	if err := decode(r, &body); err != nil {
		return nil, err
	}
	params, err := s.cfg.Registry.SetFeeRates(body.LimitFeeRate, body.MarketFeeRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidParameter, err)
	}
	s.cfg.Logger.Info().
		Int64("limit_fee_rate", params.LimitFeeRate).
		Int64("market_fee_rate", params.MarketFeeRate).
		Int64("version", params.Version).
		Msg("fee rates updated")
	return params, nil
}

func (s *HTTPServer) setParams(r *http.Request, _ map[string]string) (any, error) {
	params := s.cfg.Registry.Params()
	if err := decode(r, &params); err != nil {
		return nil, err
	}
	updated, err := s.cfg.Registry.Update(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidParameter, err)
	}
	s.cfg.Logger.Info().Int64("version", updated.Version).Msg("market params updated")
	return updated, nil
}

type redeployRequest struct {
	Successor   common.Address `json:"successor"`
	TrustWindow string         `json:"trust_window"`
}

func (s *HTTPServer) redeploy(r *http.Request, _ map[string]string) (any, error) {
	var body redeployRequest
	if err := decode(r, &body); err != nil {
		return nil, err
	}
	window, err := time.ParseDuration(body.TrustWindow)
	if err != nil || window <= 0 {
		return nil, fmt.Errorf("%w: trust_window %q", errBadRequest, body.TrustWindow)
	}
	if body.Successor == (common.Address{}) {
		return nil, fmt.Errorf("%w: successor is required", errBadRequest)
	}
	if err := s.cfg.Registry.Redeploy(s.cfg.Engine.ID(), body.Successor, window); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidParameter, err)
	}

	lc := s.cfg.Engine.Refresh()
	if s.cfg.OnLifecycle != nil {
		s.cfg.OnLifecycle(lc)
	}
	s.cfg.Logger.Warn().Str("successor", body.Successor.Hex()).Str("lifecycle", lc.String()).Msg("engine redeployed")
	return s.cfg.Engine.Status(), nil
}

// ============================================================================
// Event log
// ============================================================================

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s %q", errBadRequest, key, v)
	}
	return n, nil
}

func (s *HTTPServer) events(r *http.Request, _ map[string]string) (any, error) {
	from, err := queryInt(r, "from", 0)
	if err != nil {
		return nil, err
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		return nil, err
	}
	return s.cfg.Audit.Events(r.Context(), from, int(limit))
}

func (s *HTTPServer) journal(r *http.Request, params map[string]string) (any, error) {
	acct, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	before, err := queryInt(r, "before", 0)
	if err != nil {
		return nil, err
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		return nil, err
	}
	return s.cfg.Audit.JournalHistory(r.Context(), acct, int(limit), before)
}

func (s *HTTPServer) integrity(r *http.Request, _ map[string]string) (any, error) {
	return s.cfg.Audit.VerifyIntegrity(r.Context())
}
