package server

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/brojonat/tokensend/service/transfer"
)

const (
	paymentLabel   = "tokensend"
	paymentMessage = "Payment for services"
)

// PaymentRequest is a Solana Pay transfer request for the configured transfer.
type PaymentRequest struct {
	ID         string    `json:"id"`
	Recipient  string    `json:"recipient"`
	Network    string    `json:"network"`
	Amount     string    `json:"amount"` // token units, e.g. "1"
	Symbol     string    `json:"symbol"`
	TokenMint  string    `json:"token_mint"`
	Memo       string    `json:"memo,omitempty"`
	Reference  string    `json:"reference"`    // lets the payer's transaction be found by account key
	PaymentURL string    `json:"payment_url"`  // solana: URL for wallet apps
	QRCodeData string    `json:"qr_code_data"` // base64 PNG, empty if rendering failed
	CreatedAt  time.Time `json:"created_at"`
}

// generatePaymentRequest builds a payment request with a fresh reference key.
func generatePaymentRequest(cfg transfer.Config) (PaymentRequest, error) {
	reference := solanago.NewWallet().PublicKey().String()
	amount := cfg.DisplayAmount()

	paymentURL := buildSolanaPayURL(cfg.Recipient.String(), amount, cfg.Mint.String(), reference, cfg.Memo)

	qrCodeData, err := generateQRCode(paymentURL)
	if err != nil {
		return PaymentRequest{}, err
	}

	return PaymentRequest{
		ID:         uuid.New().String(),
		Recipient:  cfg.Recipient.String(),
		Network:    cfg.Network,
		Amount:     amount,
		Symbol:     cfg.Symbol,
		TokenMint:  cfg.Mint.String(),
		Memo:       cfg.Memo,
		Reference:  reference,
		PaymentURL: paymentURL,
		QRCodeData: qrCodeData,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// buildSolanaPayURL creates a Solana Pay transfer request URL.
// Format: solana:{recipient}?amount={amount}&spl-token={mint}&reference={ref}&label={label}&message={message}&memo={memo}
func buildSolanaPayURL(recipient, amount, tokenMint, reference, memo string) string {
	params := url.Values{}
	params.Set("amount", amount)
	params.Set("label", paymentLabel)
	params.Set("message", paymentMessage)
	if tokenMint != "" {
		params.Set("spl-token", tokenMint)
	}
	if reference != "" {
		params.Set("reference", reference)
	}
	if memo != "" {
		params.Set("memo", memo)
	}

	// Wallets expect URI component encoding, where a space is %20 not +.
	// A literal + is already escaped as %2B by Encode.
	query := strings.ReplaceAll(params.Encode(), "+", "%20")
	return fmt.Sprintf("solana:%s?%s", recipient, query)
}

// generateQRCode creates a QR code image from a payment URL and returns it as base64-encoded PNG.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}

	return base64.StdEncoding.EncodeToString(png), nil
}
