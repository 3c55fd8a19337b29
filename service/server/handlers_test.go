package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/tokensend/service/db"
	"github.com/brojonat/tokensend/service/metrics"
	"github.com/brojonat/tokensend/service/solana"
	"github.com/brojonat/tokensend/service/transfer"
)

const (
	testAddress   = "7EcDhSYGxXyscszYEp35KHN8vvw3svAuLKTzXwCFLtV"
	testSignature = "5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTransferConfig() transfer.Config {
	return transfer.Config{
		Network:        "mainnet",
		Mint:           solanago.MustPublicKeyFromBase58("Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"),
		Symbol:         "USDT",
		Recipient:      solanago.MustPublicKeyFromBase58("Cr24upCtnEmpLaWzXhopcVPJrkE4daZYnVtUq2y7zAgS"),
		Amount:         solana.TokenAmount{Amount: 1_000_000, Decimals: 6},
		Memo:           "Payment for services",
		MinFeeLamports: 5000,
		MaxRetries:     5,
	}
}

// mockService implements TransferService for testing.
type mockService struct {
	mu sync.Mutex

	state      transfer.State
	cfg        transfer.Config
	connectErr error
	fetchErr   error
	sendResult *transfer.Result
	sendErr    error

	connectCalls    int
	disconnectCalls int
	fetchCalls      int
	sendCalls       int
}

func newMockService() *mockService {
	return &mockService{cfg: testTransferConfig()}
}

func (m *mockService) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	if m.connectErr != nil {
		return m.connectErr
	}
	balance := solana.TokenAmount{Amount: 2_500_000, Decimals: 6}
	m.state = transfer.State{Connected: true, Address: testAddress, Balance: &balance, CanSend: true}
	return nil
}

func (m *mockService) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectCalls++
	m.state = transfer.State{}
}

func (m *mockService) FetchBalance(ctx context.Context) (*solana.TokenAmount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++
	return m.state.Balance, m.fetchErr
}

func (m *mockService) Send(ctx context.Context) (*transfer.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	return m.sendResult, m.sendErr
}

func (m *mockService) State() transfer.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockService) Config() transfer.Config {
	return m.cfg
}

// mockStore implements TransferStore for testing.
type mockStore struct {
	transfers  []*db.Transfer
	lastParams db.ListTransfersParams
	err        error
}

func (m *mockStore) ListTransfers(ctx context.Context, params db.ListTransfersParams) ([]*db.Transfer, error) {
	m.lastParams = params
	if m.err != nil {
		return nil, m.err
	}
	return m.transfers, nil
}

func (m *mockStore) GetTransfer(ctx context.Context, id string) (*db.Transfer, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, t := range m.transfers {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, db.ErrTransferNotFound
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// doFrom sends a request carrying the given browser headers.
func doFrom(t *testing.T, h http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader("amount=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body), w.Body.String())
	return body
}

func TestGetState_Disconnected(t *testing.T) {
	svc := newMockService()
	h := New(":0", svc, nil, nil, testLogger()).Handler()

	w := do(t, h, "GET", "/api/v1/state")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	body := decode(t, w)
	assert.Equal(t, false, body["connected"])
	assert.Nil(t, body["balance"], "balance is null before connect")
	assert.Contains(t, body, "balance")
	assert.Equal(t, false, body["can_send"])
	assert.Equal(t, "USDT", body["symbol"])
	assert.Equal(t, "1", body["amount"])
	assert.Equal(t, "Cr24upCtnEmpLaWzXhopcVPJrkE4daZYnVtUq2y7zAgS", body["recipient"])
	assert.NotContains(t, body, "address")
}

func TestConnectAndDisconnect(t *testing.T) {
	svc := newMockService()
	h := New(":0", svc, nil, nil, testLogger()).Handler()

	w := do(t, h, "POST", "/api/v1/wallet/connect")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, testAddress, body["address"])
	assert.Equal(t, "2.500000", body["balance"])
	assert.Equal(t, true, body["can_send"])

	w = do(t, h, "POST", "/api/v1/wallet/disconnect")
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, false, body["connected"])
	assert.Nil(t, body["balance"])

	assert.Equal(t, 1, svc.connectCalls)
	assert.Equal(t, 1, svc.disconnectCalls)
}

func TestConnect_Error(t *testing.T) {
	svc := newMockService()
	svc.connectErr = errors.New("failed to connect wallet: no keypair configured")
	h := New(":0", svc, nil, nil, testLogger()).Handler()

	w := do(t, h, "POST", "/api/v1/wallet/connect")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decode(t, w)["error"], "no keypair configured")
}

func TestRefreshBalance(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		svc := newMockService()
		h := New(":0", svc, nil, nil, testLogger()).Handler()

		w := do(t, h, "POST", "/api/v1/balance/refresh")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Zero(t, svc.fetchCalls)
	})

	t.Run("connected", func(t *testing.T) {
		svc := newMockService()
		require.NoError(t, svc.Connect(context.Background()))
		h := New(":0", svc, nil, nil, testLogger()).Handler()

		w := do(t, h, "POST", "/api/v1/balance/refresh")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2.500000", decode(t, w)["balance"])
		assert.Equal(t, 1, svc.fetchCalls)
	})

	t.Run("fetch error still reports state", func(t *testing.T) {
		svc := newMockService()
		require.NoError(t, svc.Connect(context.Background()))
		svc.fetchErr = errors.New("rpc down")
		h := New(":0", svc, nil, nil, testLogger()).Handler()

		w := do(t, h, "POST", "/api/v1/balance/refresh")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestSendTransfer_Success(t *testing.T) {
	svc := newMockService()
	balance := solana.TokenAmount{Amount: 1_500_000, Decimals: 6}
	confirmedAt := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	svc.sendResult = &transfer.Result{
		ID:                      "0d6d5a4c-3d4b-4b8e-9c43-2f5d1c7e9a10",
		Signature:               solanago.MustSignatureFromBase58(testSignature),
		Sender:                  solanago.MustPublicKeyFromBase58(testAddress),
		Recipient:               svc.cfg.Recipient,
		Amount:                  svc.cfg.Amount,
		Memo:                    svc.cfg.Memo,
		CreatedRecipientAccount: true,
		ConfirmedAt:             confirmedAt,
		Balance:                 &balance,
	}
	h := New(":0", svc, nil, nil, testLogger()).Handler()

	w := do(t, h, "POST", "/api/v1/transfers")
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	assert.Equal(t, "0d6d5a4c-3d4b-4b8e-9c43-2f5d1c7e9a10", body["id"])
	assert.Equal(t, testSignature, body["signature"])
	assert.Equal(t, testAddress, body["sender"])
	assert.Equal(t, "1.000000", body["amount"])
	assert.Equal(t, "Payment for services", body["memo"])
	assert.Equal(t, true, body["created_recipient_account"])
	assert.Equal(t, "1.500000", body["balance"])
	assert.Equal(t, "2025-03-04T05:06:07Z", body["confirmed_at"])
	assert.Equal(t, "https://explorer.solana.com/tx/"+testSignature, body["explorer_url"])
}

func TestSendTransfer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not connected", transfer.ErrWalletNotConnected, http.StatusConflict},
		{"in progress", transfer.ErrTransferInProgress, http.StatusConflict},
		{"insufficient funds", transfer.ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{"insufficient fee", transfer.ErrInsufficientFee, http.StatusUnprocessableEntity},
		{"wrapped funds", fmt.Errorf("%w: sender has no token account", transfer.ErrInsufficientFunds), http.StatusUnprocessableEntity},
		{"on-chain failure", fmt.Errorf("transaction x not confirmed: %w", solana.ErrTransactionFailed), http.StatusBadGateway},
		{"expired", fmt.Errorf("transaction x not confirmed: %w", solana.ErrBlockhashExpired), http.StatusBadGateway},
		{"rpc error", errors.New("failed to send transaction: 429"), http.StatusBadGateway},
		{"decimals mismatch", fmt.Errorf("%w: mint has 9, configured 6", transfer.ErrDecimalsMismatch), http.StatusInternalServerError},
		{"client went away", context.Canceled, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockService()
			svc.sendErr = tt.err
			h := New(":0", svc, nil, nil, testLogger()).Handler()

			w := do(t, h, "POST", "/api/v1/transfers")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.err.Error(), decode(t, w)["error"])
		})
	}
}

func TestListTransfers(t *testing.T) {
	memo := "Payment for services"
	sig := testSignature
	store := &mockStore{
		transfers: []*db.Transfer{
			{
				ID:        "0d6d5a4c-3d4b-4b8e-9c43-2f5d1c7e9a10",
				Network:   "mainnet",
				Sender:    testAddress,
				Recipient: "Cr24upCtnEmpLaWzXhopcVPJrkE4daZYnVtUq2y7zAgS",
				TokenMint: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB",
				Amount:    1_000_000,
				Decimals:  6,
				Memo:      &memo,
				Signature: &sig,
				Status:    db.StatusConfirmed,
				CreatedAt: time.Now(),
			},
		},
	}
	h := New(":0", newMockService(), store, nil, testLogger()).Handler()

	w := do(t, h, "GET", "/api/v1/transfers?sender="+testAddress+"&limit=10&offset=5")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, db.ListTransfersParams{Sender: testAddress, Limit: 10, Offset: 5}, store.lastParams)

	var body struct {
		Transfers []transferResponse `json:"transfers"`
		Count     int                `json:"count"`
		Limit     int                `json:"limit"`
		Offset    int                `json:"offset"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, 10, body.Limit)
	require.Len(t, body.Transfers, 1)
	assert.Equal(t, "1.000000", body.Transfers[0].Amount)
	assert.Equal(t, db.StatusConfirmed, body.Transfers[0].Status)
}

func TestListTransfers_InvalidParams(t *testing.T) {
	h := New(":0", newMockService(), &mockStore{}, nil, testLogger()).Handler()

	tests := []struct {
		query   string
		wantErr string
	}{
		{"limit=abc", "invalid limit"},
		{"limit=0", "limit must be at least 1"},
		{"limit=5000", "limit cannot exceed 1000"},
		{"offset=-1", "offset cannot be negative"},
		{"offset=x", "invalid offset"},
		{"sender=0OIl", "invalid address format"},
		{"sender=" + strings.Repeat("A", 200), "address too long"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := do(t, h, "GET", "/api/v1/transfers?"+tt.query)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decode(t, w)["error"], tt.wantErr)
		})
	}
}

func TestListTransfers_StoreError(t *testing.T) {
	h := New(":0", newMockService(), &mockStore{err: errors.New("connection refused")}, nil, testLogger()).Handler()

	w := do(t, h, "GET", "/api/v1/transfers")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal server error", decode(t, w)["error"])
}

func TestGetTransfer(t *testing.T) {
	store := &mockStore{transfers: []*db.Transfer{{ID: "abc", Status: db.StatusFailed, Decimals: 6}}}
	h := New(":0", newMockService(), store, nil, testLogger()).Handler()

	w := do(t, h, "GET", "/api/v1/transfers/abc")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "failed", decode(t, w)["status"])

	w = do(t, h, "GET", "/api/v1/transfers/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryRoutesNeedStore(t *testing.T) {
	h := New(":0", newMockService(), nil, nil, testLogger()).Handler()

	w := do(t, h, "GET", "/api/v1/transfers")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "only POST is routed without a store")
}

func TestHealthAndCORS(t *testing.T) {
	h := New(":0", newMockService(), nil, nil, testLogger()).Handler()

	w := do(t, h, "GET", "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = do(t, h, "OPTIONS", "/api/v1/transfers")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCORS_AllowedOrigins(t *testing.T) {
	h := New(":0", newMockService(), nil, nil, testLogger()).
		WithAllowedOrigins([]string{"https://pay.example.com"}).
		Handler()

	w := doFrom(t, h, "GET", "/api/v1/state", map[string]string{"Origin": "https://pay.example.com"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://pay.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Values("Vary"), "Origin")

	w = doFrom(t, h, "GET", "/api/v1/state", map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCrossOriginSendRejected(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"foreign origin", map[string]string{"Origin": "https://evil.example"}},
		{"cross-site fetch metadata", map[string]string{"Sec-Fetch-Site": "cross-site"}},
		{"same-site subdomain", map[string]string{"Sec-Fetch-Site": "same-site", "Origin": "https://sub.example.com"}},
	}

	for _, tt := range tests {
		for _, path := range []string{"/api/v1/transfers", "/send", "/api/v1/wallet/connect"} {
			t.Run(tt.name+" "+path, func(t *testing.T) {
				svc := newMockService()
				w := doFrom(t, newPageHandler(t, svc), "POST", path, tt.headers)

				assert.Equal(t, http.StatusForbidden, w.Code)
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
				assert.Equal(t, 0, svc.sendCalls)
				assert.Equal(t, 0, svc.connectCalls)
			})
		}
	}
}

func TestSameOriginSendAllowed(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		headers map[string]string
	}{
		{"same-origin fetch metadata", nil, map[string]string{"Sec-Fetch-Site": "same-origin"}},
		{"origin matches host", nil, map[string]string{"Origin": "http://example.com"}},
		{"no browser headers", nil, nil},
		{"trusted origin", []string{"https://pay.example.com"}, map[string]string{
			"Origin":         "https://pay.example.com",
			"Sec-Fetch-Site": "cross-site",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockService()
			svc.sendResult = &transfer.Result{Signature: solanago.MustSignatureFromBase58(testSignature)}
			h := New(":0", svc, nil, nil, testLogger()).WithAllowedOrigins(tt.origins).Handler()

			w := doFrom(t, h, "POST", "/api/v1/transfers", tt.headers)
			assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
			assert.Equal(t, 1, svc.sendCalls)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	h := New(":0", newMockService(), nil, m, testLogger()).Handler()

	w := do(t, h, "GET", "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)

	h = New(":0", newMockService(), nil, nil, testLogger()).Handler()
	w = do(t, h, "GET", "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExplorerURL(t *testing.T) {
	assert.Equal(t, "https://explorer.solana.com/tx/abc", explorerURL("abc", "mainnet"))
	assert.Equal(t, "https://explorer.solana.com/tx/abc?cluster=devnet", explorerURL("abc", "devnet"))
}
