package transfer

import (
	"fmt"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"

	"github.com/brojonat/tokensend/service/config"
	"github.com/brojonat/tokensend/service/solana"
)

// Config describes the one transfer this service sends.
type Config struct {
	Network        string
	Mint           solanago.PublicKey
	Symbol         string
	Recipient      solanago.PublicKey
	Amount         solana.TokenAmount
	Memo           string
	MinFeeLamports uint64
	MaxRetries     uint
	ConfirmTimeout time.Duration
}

// ConfigFromEnv converts the application config into a transfer Config.
func ConfigFromEnv(cfg *config.Config) (Config, error) {
	mint, err := solanago.PublicKeyFromBase58(cfg.TokenMintAddress)
	if err != nil {
		return Config{}, fmt.Errorf("invalid token mint: %w", err)
	}
	recipient, err := solanago.PublicKeyFromBase58(cfg.RecipientAddress)
	if err != nil {
		return Config{}, fmt.Errorf("invalid recipient: %w", err)
	}
	amount, err := solana.ParseTokenAmount(cfg.TransferAmount, cfg.TokenDecimals)
	if err != nil {
		return Config{}, fmt.Errorf("invalid transfer amount: %w", err)
	}
	if amount.Amount == 0 {
		return Config{}, fmt.Errorf("transfer amount must be greater than zero")
	}

	return Config{
		Network:        cfg.SolanaNetwork,
		Mint:           mint,
		Symbol:         cfg.TokenSymbol,
		Recipient:      recipient,
		Amount:         amount,
		Memo:           cfg.TransferMemo,
		MinFeeLamports: cfg.MinFeeLamports,
		MaxRetries:     cfg.SendMaxRetries,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, nil
}

// DisplayAmount renders the transfer amount without trailing zeros, e.g. "1"
// or "0.5", for labels such as "Send 1 USDT".
func (c Config) DisplayAmount() string {
	s := c.Amount.String()
	if c.Amount.Decimals == 0 {
		return s
	}
	for s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	return strings.TrimSuffix(s, ".")
}
