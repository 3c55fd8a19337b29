package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// State is the wallet session as reported by the server.
type State struct {
	Connected bool    `json:"connected"`
	Address   string  `json:"address,omitempty"`
	Balance   *string `json:"balance"` // nil until the server has fetched it
	Loading   bool    `json:"loading"`
	CanSend   bool    `json:"can_send"`
	Network   string  `json:"network"`
	TokenMint string  `json:"token_mint"`
	Symbol    string  `json:"symbol"`
	Recipient string  `json:"recipient"`
	Amount    string  `json:"amount"`
	Memo      string  `json:"memo,omitempty"`
}

// SendResult is a confirmed transfer.
type SendResult struct {
	ID                      string    `json:"id"`
	Signature               string    `json:"signature"`
	Sender                  string    `json:"sender"`
	Recipient               string    `json:"recipient"`
	Amount                  string    `json:"amount"`
	Memo                    string    `json:"memo,omitempty"`
	CreatedRecipientAccount bool      `json:"created_recipient_account"`
	ConfirmedAt             time.Time `json:"confirmed_at"`
	Balance                 *string   `json:"balance,omitempty"`
	ExplorerURL             string    `json:"explorer_url"`
}

// Transfer is a recorded transfer attempt from the server's history.
type Transfer struct {
	ID                      string     `json:"id"`
	Network                 string     `json:"network"`
	Sender                  string     `json:"sender"`
	Recipient               string     `json:"recipient"`
	TokenMint               string     `json:"token_mint"`
	Amount                  string     `json:"amount"`
	Memo                    *string    `json:"memo,omitempty"`
	Signature               *string    `json:"signature,omitempty"`
	Status                  string     `json:"status"` // confirmed or failed
	Error                   *string    `json:"error,omitempty"`
	CreatedRecipientAccount bool       `json:"created_recipient_account"`
	CreatedAt               time.Time  `json:"created_at"`
	ConfirmedAt             *time.Time `json:"confirmed_at,omitempty"`
}

// PaymentRequest is a Solana Pay request for the server's configured transfer.
type PaymentRequest struct {
	ID         string    `json:"id"`
	Recipient  string    `json:"recipient"`
	Network    string    `json:"network"`
	Amount     string    `json:"amount"`
	Symbol     string    `json:"symbol"`
	TokenMint  string    `json:"token_mint"`
	Memo       string    `json:"memo,omitempty"`
	Reference  string    `json:"reference"`
	PaymentURL string    `json:"payment_url"`
	QRCodeData string    `json:"qr_code_data"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListTransfersOptions filters the transfer history.
type ListTransfersOptions struct {
	Sender string
	Limit  int
	Offset int
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed: %s", e.Message)
}

// Client is the HTTP client for the tokensend server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new tokensend client. Sends block until the transfer
// is confirmed, so the default timeout is generous.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// State returns the current wallet session.
func (c *Client) State(ctx context.Context) (*State, error) {
	var state State
	if err := c.do(ctx, "GET", "/api/v1/state", http.StatusOK, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Connect asks the server to connect its wallet and fetch the balance.
func (c *Client) Connect(ctx context.Context) (*State, error) {
	var state State
	if err := c.do(ctx, "POST", "/api/v1/wallet/connect", http.StatusOK, &state); err != nil {
		return nil, err
	}
	c.logger.Debug("wallet connected", "address", state.Address)
	return &state, nil
}

// Disconnect asks the server to disconnect its wallet.
func (c *Client) Disconnect(ctx context.Context) (*State, error) {
	var state State
	if err := c.do(ctx, "POST", "/api/v1/wallet/disconnect", http.StatusOK, &state); err != nil {
		return nil, err
	}
	c.logger.Debug("wallet disconnected")
	return &state, nil
}

// RefreshBalance asks the server to re-read the token balance.
func (c *Client) RefreshBalance(ctx context.Context) (*State, error) {
	var state State
	if err := c.do(ctx, "POST", "/api/v1/balance/refresh", http.StatusOK, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Send sends the configured transfer and returns once it is confirmed.
func (c *Client) Send(ctx context.Context) (*SendResult, error) {
	var result SendResult
	if err := c.do(ctx, "POST", "/api/v1/transfers", http.StatusCreated, &result); err != nil {
		return nil, err
	}
	c.logger.Debug("transfer confirmed", "signature", result.Signature)
	return &result, nil
}

// ListTransfers returns recorded transfer attempts, newest first.
func (c *Client) ListTransfers(ctx context.Context, opts ListTransfersOptions) ([]*Transfer, error) {
	query := url.Values{}
	if opts.Sender != "" {
		query.Set("sender", opts.Sender)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/api/v1/transfers"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var listResp struct {
		Transfers []*Transfer `json:"transfers"`
	}
	if err := c.do(ctx, "GET", path, http.StatusOK, &listResp); err != nil {
		return nil, err
	}
	return listResp.Transfers, nil
}

// GetTransfer returns one recorded transfer attempt.
func (c *Client) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	var t Transfer
	if err := c.do(ctx, "GET", "/api/v1/transfers/"+url.PathEscape(id), http.StatusOK, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PaymentRequest returns a Solana Pay request for the configured transfer.
func (c *Client) PaymentRequest(ctx context.Context) (*PaymentRequest, error) {
	var pr PaymentRequest
	if err := c.do(ctx, "GET", "/api/v1/payment-request", http.StatusOK, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// Health checks the server health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// do sends a request without a body and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, wantStatus int, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("status %d: %s", resp.StatusCode, string(body)),
		}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
