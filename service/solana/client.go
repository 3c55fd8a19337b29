package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/brojonat/tokensend/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	// ErrTransactionFailed means the transaction landed but the runtime
	// rejected it. The on-chain error is wrapped.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrBlockhashExpired means the network passed the blockhash's last
	// valid block height without confirming the transaction.
	ErrBlockhashExpired = errors.New("blockhash expired before confirmation")
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetTokenAccountBalance(
		ctx context.Context,
		account solana.PublicKey,
		commitment rpc.CommitmentType,
	) (*rpc.GetTokenAccountBalanceResult, error)

	GetBalance(
		ctx context.Context,
		account solana.PublicKey,
		commitment rpc.CommitmentType,
	) (*rpc.GetBalanceResult, error)

	GetAccountInfo(
		ctx context.Context,
		account solana.PublicKey,
	) (*rpc.GetAccountInfoResult, error)

	GetLatestBlockhash(
		ctx context.Context,
		commitment rpc.CommitmentType,
	) (*rpc.GetLatestBlockhashResult, error)

	GetBlockHeight(
		ctx context.Context,
		commitment rpc.CommitmentType,
	) (uint64, error)

	SendTransactionWithOpts(
		ctx context.Context,
		transaction *solana.Transaction,
		opts rpc.TransactionOpts,
	) (solana.Signature, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		transactionSignatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)
}

// Client provides the token operations this service needs on top of RPC:
// account resolution, balances, sending and confirmation.
type Client struct {
	rpc          RPCClient
	logger       *slog.Logger
	metrics      *metrics.Metrics
	endpoint     string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)
	commitment   rpc.CommitmentType
	pollInterval time.Duration
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling (e.g., "mainnet", "devnet", or RPC hostname).
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:          rpcClient,
		logger:       logger,
		metrics:      m,
		endpoint:     endpoint,
		commitment:   rpc.CommitmentConfirmed,
		pollInterval: 2 * time.Second,
	}
}

// WithConfirmPollInterval sets how often ConfirmTransaction polls signature
// status.
func (c *Client) WithConfirmPollInterval(d time.Duration) *Client {
	if d > 0 {
		c.pollInterval = d
	}
	return c
}

// SendOptions control how a signed transaction is submitted.
type SendOptions struct {
	SkipPreflight bool
	MaxRetries    uint // how many times the RPC node rebroadcasts
}

// observe records metrics for one RPC call.
func (c *Client) observe(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

// ResolveTokenAccount derives the owner's associated token account for mint
// and reports whether it exists on chain.
func (c *Client) ResolveTokenAccount(ctx context.Context, owner, mint solana.PublicKey) (TokenAccount, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return TokenAccount{}, fmt.Errorf("failed to derive associated token account: %w", err)
	}

	account := TokenAccount{Address: ata, Owner: owner, Mint: mint}

	start := time.Now()
	_, err = c.rpc.GetAccountInfo(ctx, ata)
	if errors.Is(err, rpc.ErrNotFound) {
		c.observe("GetAccountInfo", start, nil)
		c.logger.DebugContext(ctx, "associated token account does not exist",
			"owner", owner.String(),
			"mint", mint.String(),
			"ata", ata.String(),
		)
		return account, nil
	}
	c.observe("GetAccountInfo", start, err)
	if err != nil {
		return TokenAccount{}, fmt.Errorf("failed to get account info for %s: %w", ata, err)
	}

	account.Exists = true
	return account, nil
}

// TokenBalance returns the balance of the owner's associated token account.
func (c *Client) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (TokenAmount, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return TokenAmount{}, fmt.Errorf("failed to derive associated token account: %w", err)
	}

	start := time.Now()
	result, err := c.rpc.GetTokenAccountBalance(ctx, ata, c.commitment)
	c.observe("GetTokenAccountBalance", start, err)
	if err != nil {
		return TokenAmount{}, fmt.Errorf("failed to get token account balance for %s: %w", ata, err)
	}
	if result == nil || result.Value == nil {
		return TokenAmount{}, fmt.Errorf("empty token balance response for %s", ata)
	}

	amount, err := strconv.ParseUint(result.Value.Amount, 10, 64)
	if err != nil {
		return TokenAmount{}, fmt.Errorf("invalid token amount %q: %w", result.Value.Amount, err)
	}

	balance := TokenAmount{Amount: amount, Decimals: result.Value.Decimals}
	c.logger.DebugContext(ctx, "fetched token balance",
		"owner", owner.String(),
		"mint", mint.String(),
		"balance", balance.String(),
	)
	return balance, nil
}

// NativeBalance returns the owner's balance in lamports.
func (c *Client) NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	start := time.Now()
	result, err := c.rpc.GetBalance(ctx, owner, c.commitment)
	c.observe("GetBalance", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance for %s: %w", owner, err)
	}
	if result == nil {
		return 0, fmt.Errorf("empty balance response for %s", owner)
	}

	if c.metrics != nil {
		c.metrics.SetNativeBalance(owner.String(), result.Value)
	}
	return result.Value, nil
}

// LatestBlockhash returns a recent blockhash and its expiry height.
func (c *Client) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	start := time.Now()
	result, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	c.observe("GetLatestBlockhash", start, err)
	if err != nil {
		return Blockhash{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if result == nil || result.Value == nil {
		return Blockhash{}, fmt.Errorf("empty latest blockhash response")
	}

	return Blockhash{
		Hash:                 result.Value.Blockhash,
		LastValidBlockHeight: result.Value.LastValidBlockHeight,
	}, nil
}

// SendTransaction submits a signed transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction, opts SendOptions) (solana.Signature, error) {
	maxRetries := opts.MaxRetries
	txOpts := rpc.TransactionOpts{
		SkipPreflight:       opts.SkipPreflight,
		PreflightCommitment: c.commitment,
		MaxRetries:          &maxRetries,
	}

	start := time.Now()
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, txOpts)
	c.observe("SendTransaction", start, err)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to send transaction", "error", err)
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.InfoContext(ctx, "transaction sent",
		"signature", sig.String(),
		"max_retries", maxRetries,
		"skip_preflight", opts.SkipPreflight,
	)
	return sig, nil
}

// ConfirmTransaction blocks until the signature reaches confirmed (or
// finalized) commitment, the transaction fails, the blockhash expires, or
// ctx is done.
func (c *Client) ConfirmTransaction(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if c.metrics != nil {
			c.metrics.RecordConfirmationPoll(c.endpoint)
		}

		start := time.Now()
		statuses, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		c.observe("GetSignatureStatuses", start, err)
		if err != nil {
			c.logger.WarnContext(ctx, "failed to get signature status",
				"signature", sig.String(),
				"error", err,
			)
		} else if statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: %v", ErrTransactionFailed, status.Err)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				c.logger.InfoContext(ctx, "transaction confirmed",
					"signature", sig.String(),
					"slot", status.Slot,
					"status", string(status.ConfirmationStatus),
				)
				return nil
			}
		}

		start = time.Now()
		height, err := c.rpc.GetBlockHeight(ctx, c.commitment)
		c.observe("GetBlockHeight", start, err)
		if err == nil && height > lastValidBlockHeight {
			return fmt.Errorf("%w: block height %d > %d", ErrBlockhashExpired, height, lastValidBlockHeight)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
