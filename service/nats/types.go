package nats

import (
	"time"

	"github.com/brojonat/tokensend/service/db"
)

// TransferEvent is published to "transfers.{sender}" after every send
// attempt.
type TransferEvent struct {
	ID      string `json:"id"`
	Network string `json:"network"`

	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`

	TokenMint string `json:"token_mint"`
	Amount    int64  `json:"amount"` // base units
	Decimals  int16  `json:"decimals"`
	Memo      string `json:"memo,omitempty"`

	Signature string `json:"signature,omitempty"`
	Status    string `json:"status"` // confirmed, failed
	Error     string `json:"error,omitempty"`

	CreatedRecipientAccount bool `json:"created_recipient_account"`

	Timestamp   time.Time  `json:"timestamp"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	PublishedAt time.Time  `json:"published_at"`
}

// FromDBTransfer converts a transfer record to a TransferEvent for publishing.
func FromDBTransfer(t *db.Transfer) *TransferEvent {
	event := &TransferEvent{
		ID:                      t.ID,
		Network:                 t.Network,
		Sender:                  t.Sender,
		Recipient:               t.Recipient,
		TokenMint:               t.TokenMint,
		Amount:                  t.Amount,
		Decimals:                t.Decimals,
		Status:                  t.Status,
		CreatedRecipientAccount: t.CreatedRecipientAccount,
		Timestamp:               t.CreatedAt,
		ConfirmedAt:             t.ConfirmedAt,
		PublishedAt:             time.Now().UTC(),
	}

	if t.Memo != nil {
		event.Memo = *t.Memo
	}
	if t.Signature != nil {
		event.Signature = *t.Signature
	}
	if t.Error != nil {
		event.Error = *t.Error
	}

	return event
}
