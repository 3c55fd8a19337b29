package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/brojonat/tokensend/service/db"
	"github.com/brojonat/tokensend/service/solana"
	"github.com/brojonat/tokensend/service/transfer"
)

const maxAddressLength = 100 // Solana addresses are 44 chars, give buffer

// Valid Solana address characters: base58 (no 0, O, I, l)
var validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)

// stateResponse is the JSON form of the wallet session.
type stateResponse struct {
	Connected bool    `json:"connected"`
	Address   string  `json:"address,omitempty"`
	Balance   *string `json:"balance"` // null until fetched
	Loading   bool    `json:"loading"`
	CanSend   bool    `json:"can_send"`
	Network   string  `json:"network"`
	TokenMint string  `json:"token_mint"`
	Symbol    string  `json:"symbol"`
	Recipient string  `json:"recipient"`
	Amount    string  `json:"amount"`
	Memo      string  `json:"memo,omitempty"`
}

func stateToResponse(state transfer.State, cfg transfer.Config) stateResponse {
	resp := stateResponse{
		Connected: state.Connected,
		Address:   state.Address,
		Loading:   state.Loading,
		CanSend:   state.CanSend,
		Network:   cfg.Network,
		TokenMint: cfg.Mint.String(),
		Symbol:    cfg.Symbol,
		Recipient: cfg.Recipient.String(),
		Amount:    cfg.DisplayAmount(),
		Memo:      cfg.Memo,
	}
	if state.Balance != nil {
		b := state.Balance.String()
		resp.Balance = &b
	}
	return resp
}

// sendResponse is the JSON form of a confirmed transfer.
type sendResponse struct {
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

func resultToResponse(result *transfer.Result, network string) sendResponse {
	resp := sendResponse{
		ID:                      result.ID,
		Signature:               result.Signature.String(),
		Sender:                  result.Sender.String(),
		Recipient:               result.Recipient.String(),
		Amount:                  result.Amount.String(),
		Memo:                    result.Memo,
		CreatedRecipientAccount: result.CreatedRecipientAccount,
		ConfirmedAt:             result.ConfirmedAt,
		ExplorerURL:             explorerURL(result.Signature.String(), network),
	}
	if result.Balance != nil {
		b := result.Balance.String()
		resp.Balance = &b
	}
	return resp
}

// transferResponse is the JSON form of a stored transfer attempt.
type transferResponse struct {
	ID                      string     `json:"id"`
	Network                 string     `json:"network"`
	Sender                  string     `json:"sender"`
	Recipient               string     `json:"recipient"`
	TokenMint               string     `json:"token_mint"`
	Amount                  string     `json:"amount"`
	Memo                    *string    `json:"memo,omitempty"`
	Signature               *string    `json:"signature,omitempty"`
	Status                  string     `json:"status"`
	Error                   *string    `json:"error,omitempty"`
	CreatedRecipientAccount bool       `json:"created_recipient_account"`
	CreatedAt               time.Time  `json:"created_at"`
	ConfirmedAt             *time.Time `json:"confirmed_at,omitempty"`
}

func transferToResponse(t *db.Transfer) transferResponse {
	amount := solana.TokenAmount{Amount: uint64(t.Amount), Decimals: uint8(t.Decimals)}
	return transferResponse{
		ID:                      t.ID,
		Network:                 t.Network,
		Sender:                  t.Sender,
		Recipient:               t.Recipient,
		TokenMint:               t.TokenMint,
		Amount:                  amount.String(),
		Memo:                    t.Memo,
		Signature:               t.Signature,
		Status:                  t.Status,
		Error:                   t.Error,
		CreatedRecipientAccount: t.CreatedRecipientAccount,
		CreatedAt:               t.CreatedAt,
		ConfirmedAt:             t.ConfirmedAt,
	}
}

// explorerURL links a transaction on the public Solana explorer.
func explorerURL(signature, network string) string {
	u := "https://explorer.solana.com/tx/" + signature
	if network != "" && network != "mainnet" {
		u += "?cluster=" + network
	}
	return u
}

// sendErrorStatus maps a send failure to an HTTP status code.
func sendErrorStatus(err error) int {
	switch {
	case errors.Is(err, transfer.ErrWalletNotConnected), errors.Is(err, transfer.ErrTransferInProgress):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrInsufficientFunds), errors.Is(err, transfer.ErrInsufficientFee):
		return http.StatusUnprocessableEntity
	case errors.Is(err, transfer.ErrDecimalsMismatch):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// handleGetState returns a handler that reports the wallet session.
// GET /api/v1/state
func handleGetState(svc TransferService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, stateToResponse(svc.State(), svc.Config()), http.StatusOK)
	})
}

// handleConnect returns a handler that connects the wallet and fetches its balance.
// POST /api/v1/wallet/connect
func handleConnect(svc TransferService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Connect(r.Context()); err != nil {
			logger.ErrorContext(r.Context(), "failed to connect wallet", "error", err)
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, stateToResponse(svc.State(), svc.Config()), http.StatusOK)
	})
}

// handleDisconnect returns a handler that disconnects the wallet.
// POST /api/v1/wallet/disconnect
func handleDisconnect(svc TransferService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svc.Disconnect()
		logger.DebugContext(r.Context(), "wallet disconnected via API")
		writeJSON(w, stateToResponse(svc.State(), svc.Config()), http.StatusOK)
	})
}

// handleRefreshBalance returns a handler that re-reads the token balance.
// A failed read shows up as a zero balance, same as on connect.
// POST /api/v1/balance/refresh
func handleRefreshBalance(svc TransferService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !svc.State().Connected {
			writeError(w, transfer.ErrWalletNotConnected.Error(), http.StatusConflict)
			return
		}
		if _, err := svc.FetchBalance(r.Context()); err != nil {
			logger.WarnContext(r.Context(), "balance refresh failed", "error", err)
		}
		writeJSON(w, stateToResponse(svc.State(), svc.Config()), http.StatusOK)
	})
}

// handleSendTransfer returns a handler that sends the configured transfer and
// waits for confirmation.
// POST /api/v1/transfers
func handleSendTransfer(svc TransferService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.Send(r.Context())
		if err != nil {
			status := sendErrorStatus(err)
			if status >= http.StatusInternalServerError {
				logger.ErrorContext(r.Context(), "transfer failed", "error", err)
			} else {
				logger.DebugContext(r.Context(), "transfer rejected", "error", err)
			}
			writeError(w, err.Error(), status)
			return
		}

		writeJSON(w, resultToResponse(result, svc.Config().Network), http.StatusCreated)
	})
}

// handleListTransfers returns a handler that lists stored transfer attempts.
// GET /api/v1/transfers?sender={address}&limit={n}&offset={n}
func handleListTransfers(store TransferStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		sender := query.Get("sender")

		if sender != "" {
			if err := validateAddress(sender); err != nil {
				logger.Debug("invalid address", "address", sender, "error", err)
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		// Parse limit (default 50, max 1000)
		limit := int32(50)
		if limitStr := query.Get("limit"); limitStr != "" {
			var parsedLimit int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsedLimit); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedLimit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsedLimit > 1000 {
				writeError(w, "limit cannot exceed 1000", http.StatusBadRequest)
				return
			}
			limit = int32(parsedLimit)
		}

		// Parse offset (default 0)
		offset := int32(0)
		if offsetStr := query.Get("offset"); offsetStr != "" {
			var parsedOffset int
			if _, err := fmt.Sscanf(offsetStr, "%d", &parsedOffset); err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedOffset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
			offset = int32(parsedOffset)
		}

		transfers, err := store.ListTransfers(r.Context(), db.ListTransfersParams{
			Sender: sender,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			logger.Error("failed to list transfers", "sender", sender, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]transferResponse, len(transfers))
		for i := range transfers {
			resp[i] = transferToResponse(transfers[i])
		}

		writeJSON(w, map[string]interface{}{
			"transfers": resp,
			"count":     len(resp),
			"limit":     limit,
			"offset":    offset,
		}, http.StatusOK)
	})
}

// handleGetTransfer returns a handler that retrieves one transfer attempt.
// GET /api/v1/transfers/{id}
func handleGetTransfer(store TransferStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		t, err := store.GetTransfer(r.Context(), id)
		if errors.Is(err, db.ErrTransferNotFound) {
			writeError(w, "transfer not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get transfer", "id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, transferToResponse(t), http.StatusOK)
	})
}

// handlePaymentRequest returns a handler that builds a Solana Pay request
// for the configured transfer, so a mobile wallet can make the same payment.
// GET /api/v1/payment-request
func handlePaymentRequest(svc TransferService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := generatePaymentRequest(svc.Config())
		if err != nil {
			logger.Error("failed to generate payment request", "error", err)
			writeError(w, "failed to generate payment request", http.StatusInternalServerError)
			return
		}
		writeJSON(w, req, http.StatusOK)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress checks that address looks like a base58 Solana address.
func validateAddress(address string) error {
	if len(address) > maxAddressLength {
		return fmt.Errorf("address too long: maximum length is %d characters", maxAddressLength)
	}
	if !validAddressRegex.MatchString(address) {
		return fmt.Errorf("invalid address format: must contain only valid base58 characters")
	}
	return nil
}
