package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"PerpPool/internal/core"
	"PerpPool/internal/custody"
	"PerpPool/internal/observability"
	"PerpPool/internal/pricefeed"
	"PerpPool/internal/server"
	"PerpPool/internal/state"
)

const usd = int64(1_000_000_000)

var (
	engineID  = common.HexToAddress("0x00000000000000000000000000000000000e0001")
	successor = common.HexToAddress("0x00000000000000000000000000000000000e0002")
	admin     = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	maker     = common.HexToAddress("0x000000000000000000000000000000000000a001")
	taker     = common.HexToAddress("0x000000000000000000000000000000000000b001")
)

type apiFixture struct {
	ts        *httptest.Server
	eng       *core.Engine
	registry  *state.ParamsManager
	health    *observability.HealthChecker
	grpc      *server.GRPCServer
	metrics   *observability.Metrics
	lifecycle []core.Lifecycle
}

func newAPI(t *testing.T, rateLimit float64, burst int) *apiFixture {
	t.Helper()

	registry, err := state.NewParamsManager(state.DefaultParams())
	require.NoError(t, err)
	registry.AddEngine(engineID, 24*time.Hour)

	f := &apiFixture{
		registry: registry,
		health:   observability.NewHealthChecker(),
		grpc:     server.NewGRPCServer("127.0.0.1:0", zerolog.Nop()),
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
	}
	f.eng, err = core.New(core.Config{
		EngineID:    engineID,
		MarketID:    "BTC-USD",
		MarketStart: time.Now(),
		Registry:    registry,
		Prices:      pricefeed.NewStatic(100 * usd),
		SaleToken:   custody.NewToken("SALE"),
		RewardToken: custody.NewToken("REWARD"),
		PersistChan: make(chan core.CoreOutput, 1024),
		Metrics:     f.metrics,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	f.grpc.SetEngineLifecycle(core.LifecycleActive)

	api, err := server.NewHTTPServer(server.HTTPConfig{
		Engine:    f.eng,
		Registry:  registry,
		Admin:     admin,
		RateLimit: rateLimit,
		RateBurst: burst,
		Health:    f.health,
		OnLifecycle: func(lc core.Lifecycle) {
			f.lifecycle = append(f.lifecycle, lc)
			f.grpc.SetEngineLifecycle(lc)
		},
		Metrics: f.metrics,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	f.ts = httptest.NewServer(api.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string, header ...string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		// list responses
		out = nil
	}
	return resp.StatusCode, out
}

func accountPath(a common.Address, suffix string) string {
	return "/v1/accounts/" + a.Hex() + suffix
}

// ============================================================================
// Test: Funds and queries
// ============================================================================

func TestHTTP_DepositAndAccount(t *testing.T) {
	f := newAPI(t, 0, 0)

	code, body := f.do(t, http.MethodPost, accountPath(taker, "/deposit"), `{"amount":"1.5"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, json.Number("1500000000000000000"), body["cash"])

	code, body = f.do(t, http.MethodGet, accountPath(taker, ""), "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, json.Number("1500000000000000000"), body["available"])

	code, body = f.do(t, http.MethodPost, accountPath(taker, "/withdraw"), `{"amount":"2"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "insufficient_balance", body["code"])
}

func TestHTTP_BadInput(t *testing.T) {
	f := newAPI(t, 0, 0)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
		code   string
	}{
		{"bad address", http.MethodPost, "/v1/accounts/alice/deposit", `{"amount":"1"}`, http.StatusBadRequest, "bad_request"},
		{"unknown field", http.MethodPost, accountPath(taker, "/deposit"), `{"amount":"1","memo":"x"}`, http.StatusBadRequest, "bad_request"},
		{"too many decimals", http.MethodPost, accountPath(taker, "/deposit"), `{"amount":"0.0000000000000000001"}`, http.StatusBadRequest, "bad_request"},
		{"zero deposit", http.MethodPost, accountPath(taker, "/deposit"), `{"amount":"0"}`, http.StatusBadRequest, "invalid_parameter"},
		{"bad order id", http.MethodGet, "/v1/orders/0x1234", "", http.StatusBadRequest, "bad_request"},
		{"unknown order", http.MethodGet, "/v1/orders/0x" + strings.Repeat("ab", 32), "", http.StatusNotFound, "order_not_found"},
		{"no position to close", http.MethodPost, accountPath(taker, "/close"), "", http.StatusNotFound, "no_position"},
		{"liquidate without caller", http.MethodPost, accountPath(taker, "/liquidate"), `{}`, http.StatusBadRequest, "bad_request"},
		{"expire before market end", http.MethodPost, accountPath(taker, "/expire"), "", http.StatusConflict, "market_active"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, code, body)
			assert.Equal(t, tc.code, body["code"])
		})
	}
}

// ============================================================================
// Test: Orders
// ============================================================================

func TestHTTP_LimitThenMarketOrder(t *testing.T) {
	f := newAPI(t, 0, 0)
	for _, a := range []common.Address{maker, taker} {
		code, _ := f.do(t, http.MethodPost, accountPath(a, "/deposit"), `{"amount":"1"}`)
		require.Equal(t, http.StatusOK, code)
	}

	code, order := f.do(t, http.MethodPost, accountPath(maker, "/orders/limit"),
		`{"price":"100","amount":"10","side":"long","leverage":"2","expires_in":"1h"}`)
	require.Equal(t, http.StatusOK, code, order)
	id, ok := order["id"].(string)
	require.True(t, ok)
	assert.Equal(t, json.Number("200"), order["leverage"])

	code, got := f.do(t, http.MethodGet, "/v1/orders/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, json.Number("0"), got["filled"])

	code, fill := f.do(t, http.MethodPost, accountPath(taker, "/orders/market"),
		`{"order_ids":["`+id+`"],"amount":"10","leverage":"2"}`)
	require.Equal(t, http.StatusOK, code, fill)
	position, ok := fill["position"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "short", position["side"])
	assert.Equal(t, json.Number("10000000000"), position["amount"])

	code, risk := f.do(t, http.MethodGet, accountPath(taker, "/risk"), "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, risk["liquidatable"])
	assert.Equal(t, json.Number("0"), risk["unrealized_pnl"])

	code, _ = f.do(t, http.MethodPost, accountPath(taker, "/orders/market"),
		`{"order_ids":["0x`+strings.Repeat("cd", 32)+`"],"amount":"10","leverage":"2"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

// ============================================================================
// Test: Admin
// ============================================================================

func TestHTTP_AdminRequiresAdminAddress(t *testing.T) {
	f := newAPI(t, 0, 0)

	code, body := f.do(t, http.MethodPut, "/v1/admin/fees", `{"limit_fee_rate":30,"market_fee_rate":50}`)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "unauthorized", body["code"])

	code, _ = f.do(t, http.MethodPut, "/v1/admin/fees", `{"limit_fee_rate":30,"market_fee_rate":50}`,
		server.AdminHeader, taker.Hex())
	assert.Equal(t, http.StatusForbidden, code)

	code, body = f.do(t, http.MethodPut, "/v1/admin/fees", `{"limit_fee_rate":30,"market_fee_rate":50}`,
		server.AdminHeader, admin.Hex())
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, int64(50), f.registry.Params().MarketFeeRate)
	assert.Equal(t, int64(2), f.registry.Params().Version)

	code, _ = f.do(t, http.MethodPut, "/v1/admin/fees", `{"limit_fee_rate":-1,"market_fee_rate":50}`,
		server.AdminHeader, admin.Hex())
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_AdminParamsKeepsOmittedFields(t *testing.T) {
	f := newAPI(t, 0, 0)

	code, body := f.do(t, http.MethodPut, "/v1/admin/params", `{"liquidation_profit":40}`,
		server.AdminHeader, admin.Hex())
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, int64(40), f.registry.Params().LiquidationProfit)
	assert.Equal(t, int64(10), f.registry.Params().BankruptcyThreshold)
}

func TestHTTP_RedeployRetiresEngine(t *testing.T) {
	f := newAPI(t, 0, 0)

	resp, err := f.grpc.HealthServer().Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.EngineService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	code, body := f.do(t, http.MethodPost, "/v1/admin/redeploy",
		`{"successor":"`+successor.Hex()+`","trust_window":"2160h"}`, server.AdminHeader, admin.Hex())
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "retired", body["lifecycle"])
	assert.Equal(t, []core.Lifecycle{core.LifecycleRetired}, f.lifecycle)

	resp, err = f.grpc.HealthServer().Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.EngineService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	code, body = f.do(t, http.MethodPost, accountPath(maker, "/orders/limit"),
		`{"price":"100","amount":"10","side":"long","leverage":"2","expires_in":"1h"}`)
	assert.Equal(t, http.StatusGone, code)
	assert.Equal(t, "engine_retired", body["code"])
}

// ============================================================================
// Test: Rate limit and health
// ============================================================================

func TestHTTP_RateLimit(t *testing.T) {
	f := newAPI(t, 0.001, 1)

	code, _ := f.do(t, http.MethodGet, "/v1/status", "")
	assert.Equal(t, http.StatusOK, code)

	code, body := f.do(t, http.MethodGet, "/v1/status", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate_limited", body["code"])

	// health checks bypass the limiter
	code, _ = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestHTTP_Readiness(t *testing.T) {
	f := newAPI(t, 0, 0)

	code, _ := f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	f.health.SetReady(true)
	code, _ = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, code)

	f.health.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	code, body := f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}
