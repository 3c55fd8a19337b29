// Package wallet supplies the signing wallet the rest of the service talks to.
package wallet

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// ErrNotConnected is returned by operations that need a connected wallet.
var ErrNotConnected = errors.New("wallet not connected")

// Connector is a wallet connection. Implementations must be safe for
// concurrent use.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	// PublicKey returns the connected wallet's address. The bool is false
	// while disconnected.
	PublicKey() (solana.PublicKey, bool)
	// SignTransaction adds the wallet's signature to tx.
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}
