// Package transfer holds the wallet session state and sends the configured
// token transfer: balance check, fee check, build, sign, send, confirm.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/brojonat/tokensend/service/db"
	"github.com/brojonat/tokensend/service/metrics"
	natspkg "github.com/brojonat/tokensend/service/nats"
	"github.com/brojonat/tokensend/service/solana"
	"github.com/brojonat/tokensend/service/wallet"
)

var (
	ErrWalletNotConnected = errors.New("connect a wallet first")
	ErrInsufficientFunds  = errors.New("insufficient token balance")
	ErrTransferInProgress = errors.New("a transfer is already in progress")
	ErrInsufficientFee    = errors.New("insufficient SOL for fees")
	ErrDecimalsMismatch   = errors.New("token decimals do not match the configured amount")
)

// Chain is the subset of the Solana client the service needs.
type Chain interface {
	ResolveTokenAccount(ctx context.Context, owner, mint solanago.PublicKey) (solana.TokenAccount, error)
	TokenBalance(ctx context.Context, owner, mint solanago.PublicKey) (solana.TokenAmount, error)
	NativeBalance(ctx context.Context, owner solanago.PublicKey) (uint64, error)
	LatestBlockhash(ctx context.Context) (solana.Blockhash, error)
	SendTransaction(ctx context.Context, tx *solanago.Transaction, opts solana.SendOptions) (solanago.Signature, error)
	ConfirmTransaction(ctx context.Context, sig solanago.Signature, lastValidBlockHeight uint64) error
}

// Recorder persists transfer attempts.
type Recorder interface {
	CreateTransfer(ctx context.Context, params db.CreateTransferParams) (*db.Transfer, error)
}

// Publisher announces transfer attempts.
type Publisher interface {
	PublishTransfer(ctx context.Context, event *natspkg.TransferEvent) error
}

// Result describes a confirmed transfer.
type Result struct {
	ID                      string
	Signature               solanago.Signature
	Sender                  solanago.PublicKey
	Recipient               solanago.PublicKey
	Amount                  solana.TokenAmount
	Memo                    string
	CreatedRecipientAccount bool
	ConfirmedAt             time.Time
	Balance                 *solana.TokenAmount // balance after the refresh, nil if not connected anymore
}

// State is the session as the page sees it.
type State struct {
	Connected bool
	Address   string
	Balance   *solana.TokenAmount // nil until fetched
	Loading   bool
	CanSend   bool
}

// Service owns the wallet session: the last fetched balance and the loading
// flag that serializes sends.
type Service struct {
	chain   Chain
	wallet  wallet.Connector
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	recorder  Recorder
	publisher Publisher

	mu      sync.RWMutex
	balance *solana.TokenAmount

	loading atomic.Bool
}

// NewService creates a transfer service. If metrics is nil, no metrics will
// be recorded.
func NewService(chain Chain, conn wallet.Connector, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		chain:   chain,
		wallet:  conn,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// WithRecorder stores every send attempt through r.
func (s *Service) WithRecorder(r Recorder) *Service {
	s.recorder = r
	return s
}

// WithPublisher announces every send attempt through p.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// Config returns the transfer configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Connect connects the wallet and fetches its balance.
func (s *Service) Connect(ctx context.Context) error {
	if err := s.wallet.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect wallet: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SetWalletConnected(true)
	}

	// A failed fetch leaves a zero balance behind, which is what the page shows.
	_, _ = s.FetchBalance(ctx)
	return nil
}

// Disconnect forgets the wallet and its balance.
func (s *Service) Disconnect() {
	s.mu.Lock()
	s.wallet.Disconnect()
	s.balance = nil
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetWalletConnected(false)
	}
}

// Balance returns the last fetched balance, or nil if none was fetched for
// the current connection.
func (s *Service) Balance() *solana.TokenAmount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.balance == nil {
		return nil
	}
	b := *s.balance
	return &b
}

// storeBalance stores b if owner is still the connected wallet. Disconnect
// holds the same lock, so a late fetch cannot outlive the connection.
func (s *Service) storeBalance(owner solanago.PublicKey, b solana.TokenAmount) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.wallet.PublicKey(); !ok || !current.Equals(owner) {
		return false
	}
	s.balance = &b
	return true
}

// FetchBalance reads the connected wallet's token balance and stores it.
// It does nothing while disconnected. A failed read stores a zero balance
// and returns the error.
func (s *Service) FetchBalance(ctx context.Context) (*solana.TokenAmount, error) {
	owner, ok := s.wallet.PublicKey()
	if !ok {
		return nil, nil
	}

	balance, err := s.chain.TokenBalance(ctx, owner, s.cfg.Mint)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to fetch balance",
			"wallet", owner.String(),
			"mint", s.cfg.Mint.String(),
			"error", err,
		)
		balance = solana.TokenAmount{Decimals: s.cfg.Amount.Decimals}
	} else if balance.Decimals != s.cfg.Amount.Decimals {
		s.logger.ErrorContext(ctx, "token decimals mismatch, sends are disabled",
			"mint", s.cfg.Mint.String(),
			"chain_decimals", balance.Decimals,
			"configured_decimals", s.cfg.Amount.Decimals,
		)
	}

	// The wallet may have been disconnected or swapped while we were waiting.
	if !s.storeBalance(owner, balance) {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.SetTokenBalance(owner.String(), s.cfg.Mint.String(), balance.Float64())
	}
	return &balance, err
}

// HasFeeBalance reports whether the connected wallet holds at least
// MinFeeLamports. It is false while disconnected or when the balance cannot
// be read.
func (s *Service) HasFeeBalance(ctx context.Context) bool {
	owner, ok := s.wallet.PublicKey()
	if !ok {
		return false
	}

	lamports, err := s.chain.NativeBalance(ctx, owner)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to check SOL balance",
			"wallet", owner.String(),
			"error", err,
		)
		return false
	}
	return lamports >= s.cfg.MinFeeLamports
}

// State returns a snapshot of the session.
func (s *Service) State() State {
	owner, connected := s.wallet.PublicKey()
	balance := s.Balance()
	loading := s.loading.Load()

	state := State{
		Connected: connected,
		Balance:   balance,
		Loading:   loading,
		CanSend:   connected && balance != nil && !loading,
	}
	if connected {
		state.Address = owner.String()
	}
	return state
}

// attempt collects what is known about one send as it progresses.
type attempt struct {
	id             string
	sender         solanago.PublicKey
	signature      *solanago.Signature
	createdAccount bool
	confirmedAt    *time.Time
}

// Send transfers the configured amount to the configured recipient and
// waits for confirmation. Only one send runs at a time.
func (s *Service) Send(ctx context.Context) (*Result, error) {
	owner, ok := s.wallet.PublicKey()
	if !ok {
		s.recordRejected()
		return nil, ErrWalletNotConnected
	}

	balance := s.Balance()
	if balance == nil {
		s.recordRejected()
		return nil, ErrInsufficientFunds
	}
	if balance.Decimals != s.cfg.Amount.Decimals {
		s.recordRejected()
		return nil, fmt.Errorf("%w: mint has %d, configured %d",
			ErrDecimalsMismatch, balance.Decimals, s.cfg.Amount.Decimals)
	}
	if balance.Amount < s.cfg.Amount.Amount {
		s.recordRejected()
		return nil, ErrInsufficientFunds
	}

	if !s.loading.CompareAndSwap(false, true) {
		s.recordRejected()
		return nil, ErrTransferInProgress
	}
	defer s.loading.Store(false)

	a := &attempt{id: uuid.NewString(), sender: owner}
	logger := s.logger.With("transfer_id", a.id, "sender", owner.String())
	start := time.Now()

	logger.InfoContext(ctx, "sending transfer",
		"recipient", s.cfg.Recipient.String(),
		"amount", s.cfg.Amount.String(),
		"mint", s.cfg.Mint.String(),
	)

	err := s.send(ctx, logger, a)

	status := db.StatusConfirmed
	if err != nil {
		status = db.StatusFailed
		logger.ErrorContext(ctx, "transfer failed", "error", err)
	}
	if s.metrics != nil {
		s.metrics.RecordTransfer(s.cfg.Mint.String(), status, time.Since(start).Seconds())
	}
	s.report(context.WithoutCancel(ctx), logger, a, status, err)

	if err != nil {
		return nil, err
	}

	result := &Result{
		ID:                      a.id,
		Signature:               *a.signature,
		Sender:                  owner,
		Recipient:               s.cfg.Recipient,
		Amount:                  s.cfg.Amount,
		Memo:                    s.cfg.Memo,
		CreatedRecipientAccount: a.createdAccount,
		ConfirmedAt:             *a.confirmedAt,
	}
	result.Balance, _ = s.FetchBalance(ctx)

	logger.InfoContext(ctx, "transfer confirmed",
		"signature", result.Signature.String(),
		"duration", time.Since(start),
	)
	return result, nil
}

// Preview builds and signs the transfer without sending it, after the same
// fee and token account checks Send runs.
func (s *Service) Preview(ctx context.Context) (*solanago.Transaction, error) {
	owner, ok := s.wallet.PublicKey()
	if !ok {
		return nil, ErrWalletNotConnected
	}
	p, err := s.prepare(ctx, s.logger, owner)
	if err != nil {
		return nil, err
	}
	return p.tx, nil
}

// prepared is a signed transaction ready to send.
type prepared struct {
	tx             *solanago.Transaction
	blockhash      solana.Blockhash
	createdAccount bool
}

func (s *Service) prepare(ctx context.Context, logger *slog.Logger, sender solanago.PublicKey) (*prepared, error) {
	if !s.HasFeeBalance(ctx) {
		return nil, ErrInsufficientFee
	}

	blockhash, err := s.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	var source, destination solana.TokenAccount
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		destination, err = s.chain.ResolveTokenAccount(gctx, s.cfg.Recipient, s.cfg.Mint)
		return err
	})
	g.Go(func() error {
		var err error
		source, err = s.chain.ResolveTokenAccount(gctx, sender, s.cfg.Mint)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to resolve token accounts: %w", err)
	}
	if !source.Exists {
		return nil, fmt.Errorf("%w: sender has no token account for %s", ErrInsufficientFunds, s.cfg.Mint)
	}

	createdAccount := !destination.Exists
	if createdAccount {
		logger.InfoContext(ctx, "recipient token account missing, creating it",
			"recipient", s.cfg.Recipient.String(),
			"token_account", destination.Address.String(),
		)
	}

	tx, err := solana.BuildTransferTransaction(solana.TransferParams{
		Owner:             sender,
		Source:            source.Address,
		Destination:       destination.Address,
		Recipient:         s.cfg.Recipient,
		Mint:              s.cfg.Mint,
		CreateDestination: createdAccount,
		Amount:            s.cfg.Amount.Amount,
		Memo:              s.cfg.Memo,
		RecentBlockhash:   blockhash.Hash,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	if err := s.wallet.SignTransaction(ctx, tx); err != nil {
		if errors.Is(err, wallet.ErrNotConnected) {
			return nil, ErrWalletNotConnected
		}
		return nil, err
	}

	return &prepared{tx: tx, blockhash: blockhash, createdAccount: createdAccount}, nil
}

func (s *Service) send(ctx context.Context, logger *slog.Logger, a *attempt) error {
	p, err := s.prepare(ctx, logger, a.sender)
	if err != nil {
		return err
	}
	a.createdAccount = p.createdAccount
	tx, blockhash := p.tx, p.blockhash

	sig, err := s.chain.SendTransaction(ctx, tx, solana.SendOptions{MaxRetries: s.cfg.MaxRetries})
	if err != nil {
		return err
	}
	a.signature = &sig

	confirmCtx := ctx
	if s.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		confirmCtx, cancel = context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
		defer cancel()
	}
	if err := s.chain.ConfirmTransaction(confirmCtx, sig, blockhash.LastValidBlockHeight); err != nil {
		return fmt.Errorf("transaction %s not confirmed: %w", sig, err)
	}

	now := time.Now().UTC()
	a.confirmedAt = &now
	return nil
}

func (s *Service) recordRejected() {
	if s.metrics != nil {
		s.metrics.RecordTransfer(s.cfg.Mint.String(), "rejected", 0)
	}
}

// report stores and announces the attempt. Failures here are logged and
// never change the outcome of the send.
func (s *Service) report(ctx context.Context, logger *slog.Logger, a *attempt, status string, sendErr error) {
	if s.recorder == nil && s.publisher == nil {
		return
	}

	params := db.CreateTransferParams{
		ID:                      a.id,
		Network:                 s.cfg.Network,
		Sender:                  a.sender.String(),
		Recipient:               s.cfg.Recipient.String(),
		TokenMint:               s.cfg.Mint.String(),
		Amount:                  int64(s.cfg.Amount.Amount),
		Decimals:                int16(s.cfg.Amount.Decimals),
		Status:                  status,
		CreatedRecipientAccount: a.createdAccount,
		ConfirmedAt:             a.confirmedAt,
	}
	if s.cfg.Memo != "" {
		memo := s.cfg.Memo
		params.Memo = &memo
	}
	if a.signature != nil {
		sig := a.signature.String()
		params.Signature = &sig
	}
	if sendErr != nil {
		msg := sendErr.Error()
		params.Error = &msg
	}

	record := transferFromParams(params)
	if s.recorder != nil {
		stored, err := s.recorder.CreateTransfer(ctx, params)
		if err != nil {
			logger.ErrorContext(ctx, "failed to record transfer", "error", err)
		} else {
			record = stored
		}
	}

	if s.publisher != nil {
		if err := s.publisher.PublishTransfer(ctx, natspkg.FromDBTransfer(record)); err != nil {
			logger.ErrorContext(ctx, "failed to publish transfer event", "error", err)
		}
	}
}

func transferFromParams(p db.CreateTransferParams) *db.Transfer {
	return &db.Transfer{
		ID:                      p.ID,
		Network:                 p.Network,
		Sender:                  p.Sender,
		Recipient:               p.Recipient,
		TokenMint:               p.TokenMint,
		Amount:                  p.Amount,
		Decimals:                p.Decimals,
		Memo:                    p.Memo,
		Signature:               p.Signature,
		Status:                  p.Status,
		Error:                   p.Error,
		CreatedRecipientAccount: p.CreatedRecipientAccount,
		CreatedAt:               time.Now().UTC(),
		ConfirmedAt:             p.ConfirmedAt,
	}
}

var (
	_ Chain     = (*solana.Client)(nil)
	_ Recorder  = (*db.Store)(nil)
	_ Publisher = (natspkg.Publisher)(nil)
)
