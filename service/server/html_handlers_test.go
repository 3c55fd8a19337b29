package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/tokensend/service/solana"
	"github.com/brojonat/tokensend/service/transfer"
)

func newPageHandler(t *testing.T, svc TransferService) http.Handler {
	t.Helper()
	s := New(":0", svc, nil, nil, testLogger())
	require.NoError(t, s.WithTemplates())
	return s.Handler()
}

// flashFrom returns the flash cookie a form handler set.
func flashFrom(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == flashCookie {
			v, err := url.QueryUnescape(c.Value)
			require.NoError(t, err)
			return v
		}
	}
	t.Fatal("no flash cookie set")
	return ""
}

func TestIndexPage_Disconnected(t *testing.T) {
	h := newPageHandler(t, newMockService())

	w := do(t, h, "GET", "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "<title>Send USDT on Solana</title>")
	assert.Contains(t, body, `action="/connect"`)
	assert.NotContains(t, body, "balance:")
	assert.Contains(t, body, `type="submit" disabled`)
	assert.Contains(t, body, "Send 1 USDT")
	assert.Contains(t, body, `src="data:image/png;base64,`)
	assert.Contains(t, body, `href="solana:Cr24upCtnEmpLaWzXhopcVPJrkE4daZYnVtUq2y7zAgS?`)
}

func TestIndexPage_Connected(t *testing.T) {
	svc := newMockService()
	require.NoError(t, svc.Connect(context.Background()))
	h := newPageHandler(t, svc)

	body := do(t, h, "GET", "/").Body.String()
	assert.Contains(t, body, "Your USDT balance: 2.500000 USDT")
	assert.Contains(t, body, testAddress)
	assert.Contains(t, body, `action="/disconnect"`)
	assert.NotContains(t, body, `type="submit" disabled`)
}

func TestIndexPage_Loading(t *testing.T) {
	svc := newMockService()
	balance := solana.TokenAmount{Amount: 5_000_000, Decimals: 6}
	svc.state = transfer.State{Connected: true, Address: testAddress, Balance: &balance, Loading: true}
	h := newPageHandler(t, svc)

	body := do(t, h, "GET", "/").Body.String()
	assert.Contains(t, body, "Sending...")
	assert.Contains(t, body, `type="submit" disabled`)
}

func TestIndexPage_ShowsAndClearsFlash(t *testing.T) {
	h := newPageHandler(t, newMockService())

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: flashCookie, Value: url.QueryEscape("error|Connect a wallet first!")})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Contains(t, w.Body.String(), `<div class="flash error">Connect a wallet first!</div>`)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, flashCookie, cookies[0].Name)
	assert.Less(t, cookies[0].MaxAge, 0)
}

func TestIndexPage_UnknownPath(t *testing.T) {
	h := newPageHandler(t, newMockService())
	assert.Equal(t, http.StatusNotFound, do(t, h, "GET", "/nope").Code)
}

func TestConnectForm(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc := newMockService()
		w := do(t, newPageHandler(t, svc), "POST", "/connect")

		assert.Equal(t, http.StatusSeeOther, w.Code)
		assert.Equal(t, "/", w.Header().Get("Location"))
		assert.Equal(t, "info|Wallet connected", flashFrom(t, w))
		assert.True(t, svc.State().Connected)
	})

	t.Run("error", func(t *testing.T) {
		svc := newMockService()
		svc.connectErr = errors.New("no keypair configured")
		w := do(t, newPageHandler(t, svc), "POST", "/connect")

		assert.Equal(t, http.StatusSeeOther, w.Code)
		assert.Equal(t, "error|no keypair configured", flashFrom(t, w))
	})
}

func TestDisconnectForm(t *testing.T) {
	svc := newMockService()
	require.NoError(t, svc.Connect(context.Background()))

	w := do(t, newPageHandler(t, svc), "POST", "/disconnect")
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "info|Wallet disconnected", flashFrom(t, w))
	assert.False(t, svc.State().Connected)
}

func TestSendForm(t *testing.T) {
	sig := solanago.MustSignatureFromBase58(testSignature)

	tests := []struct {
		name      string
		result    *transfer.Result
		err       error
		wantFlash string
	}{
		{
			name:      "confirmed",
			result:    &transfer.Result{Signature: sig},
			wantFlash: "success|Transaction confirmed! Signature: " + testSignature,
		},
		{
			name:      "not connected",
			err:       transfer.ErrWalletNotConnected,
			wantFlash: "error|Connect a wallet first!",
		},
		{
			name:      "no fee balance",
			err:       transfer.ErrInsufficientFee,
			wantFlash: "error|Not enough SOL to pay the fee!",
		},
		{
			name:      "insufficient funds",
			err:       transfer.ErrInsufficientFunds,
			wantFlash: "error|Insufficient funds to send!",
		},
		{
			name:      "in progress",
			err:       transfer.ErrTransferInProgress,
			wantFlash: "error|" + transfer.ErrTransferInProgress.Error(),
		},
		{
			name:      "chain failure",
			err:       errors.New("transaction expired"),
			wantFlash: "error|Send failed: transaction expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockService()
			svc.sendResult = tt.result
			svc.sendErr = tt.err

			w := do(t, newPageHandler(t, svc), "POST", "/send")
			assert.Equal(t, http.StatusSeeOther, w.Code)
			assert.Equal(t, tt.wantFlash, flashFrom(t, w))
			assert.Equal(t, 1, svc.sendCalls)
		})
	}
}

func TestFlashRoundTrip(t *testing.T) {
	w := httptest.NewRecorder()
	setFlash(w, "success", "a|b; c=d")

	req := httptest.NewRequest("GET", "/", nil)
	for _, c := range w.Result().Cookies() {
		req.AddCookie(c)
	}

	f := popFlash(httptest.NewRecorder(), req)
	require.NotNil(t, f)
	assert.Equal(t, "success", f.Kind)
	assert.Equal(t, "a|b; c=d", f.Message)

	assert.Nil(t, popFlash(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil)))

	bad := httptest.NewRequest("GET", "/", nil)
	bad.AddCookie(&http.Cookie{Name: flashCookie, Value: "nodelimiter"})
	assert.Nil(t, popFlash(httptest.NewRecorder(), bad))
}
