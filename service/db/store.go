package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/tokensend/service/metrics"
)

// ErrTransferNotFound is returned when no transfer matches the lookup.
var ErrTransferNotFound = errors.New("transfer not found")

// Transfer statuses.
const (
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS transfers (
    id               UUID PRIMARY KEY,
    network          TEXT        NOT NULL,
    sender           TEXT        NOT NULL,
    recipient        TEXT        NOT NULL,
    token_mint       TEXT        NOT NULL,
    amount           BIGINT      NOT NULL,
    decimals         SMALLINT    NOT NULL,
    memo             TEXT,
    signature        TEXT,
    status           TEXT        NOT NULL,
    error            TEXT,
    created_recipient_account BOOLEAN NOT NULL DEFAULT FALSE,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    confirmed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS transfers_sender_created_at_idx ON transfers (sender, created_at DESC);
`

const transferColumns = `id, network, sender, recipient, token_mint, amount, decimals, memo,
	signature, status, error, created_recipient_account, created_at, confirmed_at`

// Store provides database operations for transfer history.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Transfer is one send attempt, successful or not.
type Transfer struct {
	ID                      string
	Network                 string // "mainnet", "devnet" or "testnet"
	Sender                  string
	Recipient               string
	TokenMint               string
	Amount                  int64 // base units
	Decimals                int16
	Memo                    *string
	Signature               *string // nil when the transaction never reached the network
	Status                  string
	Error                   *string
	CreatedRecipientAccount bool
	CreatedAt               time.Time
	ConfirmedAt             *time.Time
}

// CreateTransferParams contains the parameters for recording a transfer.
type CreateTransferParams struct {
	ID                      string
	Network                 string
	Sender                  string
	Recipient               string
	TokenMint               string
	Amount                  int64
	Decimals                int16
	Memo                    *string
	Signature               *string
	Status                  string
	Error                   *string
	CreatedRecipientAccount bool
	ConfirmedAt             *time.Time
}

// ListTransfersParams contains filter and pagination parameters.
// An empty Sender lists transfers from every wallet.
type ListTransfersParams struct {
	Sender string
	Limit  int32
	Offset int32
}

func (s *Store) observe(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	if errors.Is(err, pgx.ErrNoRows) {
		err = nil
	}
	s.metrics.RecordDBQuery(operation, "transfers", time.Since(start).Seconds(), err)
}

// EnsureSchema creates the transfers table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreateTransfer inserts a transfer record.
func (s *Store) CreateTransfer(ctx context.Context, params CreateTransferParams) (*Transfer, error) {
	id, err := pgUUIDFromString(params.ID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO transfers (id, network, sender, recipient, token_mint, amount, decimals, memo,
			signature, status, error, created_recipient_account, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+transferColumns,
		id,
		params.Network,
		params.Sender,
		params.Recipient,
		params.TokenMint,
		params.Amount,
		params.Decimals,
		pgtextFromStringPtr(params.Memo),
		pgtextFromStringPtr(params.Signature),
		params.Status,
		pgtextFromStringPtr(params.Error),
		params.CreatedRecipientAccount,
		pgtimestamptzFromTimePtr(params.ConfirmedAt),
	)

	transfer, err := scanTransfer(row)
	s.observe("create_transfer", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transfer: %w", err)
	}
	return transfer, nil
}

// GetTransfer retrieves a transfer by ID.
func (s *Store) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	pgID, err := pgUUIDFromString(id)
	if err != nil {
		return nil, ErrTransferNotFound
	}

	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, pgID)

	transfer, err := scanTransfer(row)
	s.observe("get_transfer", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return transfer, nil
}

// ListTransfers returns transfers newest first.
func (s *Store) ListTransfers(ctx context.Context, params ListTransfersParams) ([]*Transfer, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE ($1 = '' OR sender = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		params.Sender, limit, params.Offset,
	)
	if err != nil {
		s.observe("list_transfers", start, err)
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}

	transfers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Transfer, error) {
		return scanTransfer(row)
	})
	s.observe("list_transfers", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transfers: %w", err)
	}
	return transfers, nil
}

// CountTransfers counts transfers, optionally for one sender.
func (s *Store) CountTransfers(ctx context.Context, sender string) (int64, error) {
	start := time.Now()
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transfers WHERE ($1 = '' OR sender = $1)`, sender,
	).Scan(&count)
	s.observe("count_transfers", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to count transfers: %w", err)
	}
	return count, nil
}

func scanTransfer(row pgx.Row) (*Transfer, error) {
	var (
		t           Transfer
		id          pgtype.UUID
		memo        pgtype.Text
		signature   pgtype.Text
		errText     pgtype.Text
		createdAt   pgtype.Timestamptz
		confirmedAt pgtype.Timestamptz
	)

	err := row.Scan(
		&id,
		&t.Network,
		&t.Sender,
		&t.Recipient,
		&t.TokenMint,
		&t.Amount,
		&t.Decimals,
		&memo,
		&signature,
		&t.Status,
		&errText,
		&t.CreatedRecipientAccount,
		&createdAt,
		&confirmedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ID = uuidString(id)
	t.Memo = stringPtrFromPgtext(memo)
	t.Signature = stringPtrFromPgtext(signature)
	t.Error = stringPtrFromPgtext(errText)
	t.CreatedAt = createdAt.Time
	t.ConfirmedAt = timePtrFromPgtimestamptz(confirmedAt)
	return &t, nil
}

// Helper functions for converting between Go types and pgtype

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgtimestamptzFromTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtrFromPgtimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func pgUUIDFromString(s string) (pgtype.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("invalid transfer id %q: %w", s, err)
	}
	return pgtype.UUID{Bytes: u, Valid: true}, nil
}

func uuidString(u pgtype.UUID) string {
	if !u.Valid {
		return ""
	}
	return uuid.UUID(u.Bytes).String()
}
