package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	x402 "github.com/x402-foundation/x402/go"
	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mcpay/gateway/internal/auth"
	"github.com/mcpay/gateway/internal/cache"
	"github.com/mcpay/gateway/internal/catalog"
	"github.com/mcpay/gateway/internal/config"
	"github.com/mcpay/gateway/internal/fetch"
	"github.com/mcpay/gateway/internal/ledger"
	"github.com/mcpay/gateway/internal/monitoring"
	"github.com/mcpay/gateway/internal/payments"
	"github.com/mcpay/gateway/internal/ratelimit"
)

// stubFacilitator settles everything with a fixed response.
type stubFacilitator struct {
	settleResp *x402.SettleResponse
	calls      int
}

func (f *stubFacilitator) Verify(ctx context.Context, payload, reqs []byte) (*x402.VerifyResponse, error) {
	return &x402.VerifyResponse{IsValid: true}, nil
}

func (f *stubFacilitator) Settle(ctx context.Context, payload, reqs []byte) (*x402.SettleResponse, error) {
	f.calls++
	return f.settleResp, nil
}

func (f *stubFacilitator) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	return x402.SupportedResponse{}, nil
}

type testEnv struct {
	db       *gorm.DB
	ledger   *ledger.Store
	fc       *stubFacilitator
	gateway  *httptest.Server
	upstream *upstreamStub
}

// upstreamStub records what the gateway forwards.
type upstreamStub struct {
	server   *httptest.Server
	calls    int
	lastBody []byte
	lastHdr  http.Header
	respond  func(w http.ResponseWriter, r *http.Request)
}

func newUpstream(t *testing.T) *upstreamStub {
	t.Helper()
	u := &upstreamStub{}
	u.respond = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`))
	}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls++
		u.lastBody, _ = io.ReadAll(r.Body)
		u.lastHdr = r.Header.Clone()
		u.respond(w, r)
	}))
	t.Cleanup(u.server.Close)
	return u
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, catalog.Migrate(db))
	require.NoError(t, ledger.Migrate(db))

	upstream := newUpstream(t)
	seedCatalog(t, db, upstream.server.URL)

	fc := &stubFacilitator{settleResp: &x402.SettleResponse{
		Success:     true,
		Transaction: "0xtx1",
		Payer:       "0xpayer",
		Network:     "eip155:8453",
	}}

	store := catalog.NewStore(db)
	led := ledger.NewStore(db)
	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{})
	require.NoError(t, err)

	gw := NewGateway(&config.Config{}, Deps{
		Catalog:  store,
		Ledger:   led,
		Resolver: auth.NewStoreResolver(store, "test-secret", "mcpay_session"),
		Limiter:  ratelimit.NewRegistry(ratelimit.Config{Capacity: 100, RefillPerSec: 1000}),
		Fetcher:  fetch.NewClient(nil, fetch.Options{MaxRetries: 0, BaseDelay: time.Millisecond}),
		Cache:    cache.NewMemoryStore(time.Minute, 0),
		Settler:  payments.NewSettlerWithClient(fc),
		Metrics:  monitoring.NewMetrics(),
		Tracker:  tracker,
	})

	router := chi.NewRouter()
	gw.Register(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testEnv{db: db, ledger: led, fc: fc, gateway: ts, upstream: upstream}
}

func seedCatalog(t *testing.T, db *gorm.DB, upstreamURL string) {
	t.Helper()
	server := catalog.Server{
		ID:              uuid.New(),
		Slug:            "demo",
		Name:            "Demo Server",
		URL:             upstreamURL,
		ReceiverAddress: "0xpayee",
	}
	require.NoError(t, db.Create(&server).Error)

	free := catalog.Tool{ID: uuid.New(), ServerID: server.ID, Name: "free_tool"}
	require.NoError(t, db.Create(&free).Error)

	paid := catalog.Tool{ID: uuid.New(), ServerID: server.ID, Name: "paid_tool", IsMonetized: true}
	require.NoError(t, db.Create(&paid).Error)
	require.NoError(t, db.Create(&catalog.PricingEntry{
		ID:            uuid.New(),
		ToolID:        paid.ID,
		Amount:        "10000",
		TokenDecimals: 6,
		Network:       "eip155:8453",
		AssetAddress:  "0xusdc",
		Active:        true,
	}).Error)
}

func toolCallBody(tool string) string {
	return `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"` + tool + `","arguments":{}}}`
}

func paymentHeader(t *testing.T, signature string) string {
	t.Helper()
	payload := x402.PaymentPayload{
		X402Version: 2,
		Payload: map[string]interface{}{
			"signature": signature,
			"authorization": map[string]interface{}{
				"from": "0xpayer", "to": "0xpayee", "value": "10000",
			},
		},
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func postRPC(t *testing.T, env *testEnv, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, env.gateway.URL+"/v1/mcp/demo", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestProxyUnknownServer(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.gateway.URL+"/v1/mcp/nope", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, env.upstream.calls)
}

func TestNotificationShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	resp := postRPC(t, env, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)
	assert.Equal(t, 0, env.upstream.calls)
}

func TestClientResponseShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	resp := postRPC(t, env, `{"jsonrpc":"2.0","id":3,"result":{}}`, nil)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 0, env.upstream.calls)
}

func TestFreeToolCallProxied(t *testing.T) {
	env := newTestEnv(t)
	resp := postRPC(t, env, toolCallBody("free_tool"), http.Header{
		"Authorization": {"Bearer leak-me-not"},
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"ok":true`)

	require.Equal(t, 1, env.upstream.calls)
	assert.JSONEq(t, toolCallBody("free_tool"), string(env.upstream.lastBody))
	assert.Empty(t, env.upstream.lastHdr.Get("Authorization"))
	assert.NotEmpty(t, env.upstream.lastHdr.Get("User-Agent"))
	assert.Equal(t, 0, env.fc.calls)
}

func TestPaidToolSettlesAndRecords(t *testing.T) {
	env := newTestEnv(t)
	header := http.Header{payments.PaymentHeader: {paymentHeader(t, "0xsig1")}}

	resp := postRPC(t, env, toolCallBody("paid_tool"), header)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(payments.PaymentResponseHeader))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), payments.PaymentResponseHeader)
	assert.Equal(t, 1, env.fc.calls)
	assert.Empty(t, env.upstream.lastHdr.Get(payments.PaymentHeader))

	rec, err := env.ledger.GetBySignature(context.Background(), "0xsig1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
	assert.Equal(t, "0xtx1", rec.TransactionHash)
	assert.Equal(t, "10000", rec.Amount)

	// Replaying the same proof settles again but never duplicates the row.
	resp2 := postRPC(t, env, toolCallBody("paid_tool"), header)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	count, err := env.ledger.CountBySignature(context.Background(), "0xsig1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestInlinePaymentStrippedBeforeForward(t *testing.T) {
	env := newTestEnv(t)

	proof := x402.PaymentPayload{
		X402Version: 2,
		Payload:     map[string]interface{}{"signature": "0xinline"},
	}
	proofJSON, err := json.Marshal(proof)
	require.NoError(t, err)
	body := `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"paid_tool","arguments":{},"_meta":{"x402/payment":` + string(proofJSON) + `}}}`

	resp := postRPC(t, env, body, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, env.fc.calls)
	assert.NotContains(t, string(env.upstream.lastBody), "x402/payment")
	assert.Contains(t, string(env.upstream.lastBody), `"name":"paid_tool"`)
}

func TestSettlementFailureStillDeliversResult(t *testing.T) {
	env := newTestEnv(t)
	env.fc.settleResp = &x402.SettleResponse{Success: false, ErrorReason: "insufficient funds"}

	resp := postRPC(t, env, toolCallBody("paid_tool"), http.Header{
		payments.PaymentHeader: {paymentHeader(t, "0xsigfail")},
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"ok":true`)
	assert.Empty(t, resp.Header.Get(payments.PaymentResponseHeader))

	rec, err := env.ledger.GetBySignature(context.Background(), "0xsigfail")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUpstreamErrorSkipsSettlement(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.respond = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"payment required"}`))
	}

	resp := postRPC(t, env, toolCallBody("paid_tool"), http.Header{
		payments.PaymentHeader: {paymentHeader(t, "0xsigskip")},
	})

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, 0, env.fc.calls)
}

func TestGetServedFromCache(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.respond = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"resources":[]}`))
	}

	first, err := http.Get(env.gateway.URL + "/v1/mcp/demo")
	require.NoError(t, err)
	defer first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Empty(t, first.Header.Get(CacheHeader))

	second, err := http.Get(env.gateway.URL + "/v1/mcp/demo")
	require.NoError(t, err)
	defer second.Body.Close()
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "HIT", second.Header.Get(CacheHeader))

	body, _ := io.ReadAll(second.Body)
	assert.Equal(t, `{"resources":[]}`, string(body))
	assert.Equal(t, 1, env.upstream.calls)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.gateway.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
}
