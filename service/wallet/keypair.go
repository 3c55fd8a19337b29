package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/brojonat/tokensend/service/config"
)

// KeypairConnector is a Connector backed by a local Solana keypair, read
// either from a solana-keygen JSON file or from a base58 secret key.
// The key is only held in memory between Connect and Disconnect.
type KeypairConnector struct {
	keypairPath string
	privateKey  string
	logger      *slog.Logger

	mu  sync.RWMutex
	key *solana.PrivateKey
}

// NewKeypairFileConnector creates a connector that loads a solana-keygen JSON
// file on Connect.
func NewKeypairFileConnector(path string, logger *slog.Logger) *KeypairConnector {
	return &KeypairConnector{keypairPath: path, logger: logger}
}

// NewPrivateKeyConnector creates a connector from a base58-encoded secret key.
func NewPrivateKeyConnector(privateKey string, logger *slog.Logger) *KeypairConnector {
	return &KeypairConnector{privateKey: strings.TrimSpace(privateKey), logger: logger}
}

// NewConnectorFromConfig picks the key source set in cfg. With neither set,
// Connect fails with "no keypair configured".
func NewConnectorFromConfig(cfg *config.Config, logger *slog.Logger) *KeypairConnector {
	if cfg.WalletPrivateKey != "" {
		return NewPrivateKeyConnector(cfg.WalletPrivateKey, logger)
	}
	return NewKeypairFileConnector(cfg.WalletKeypairPath, logger)
}

// Connect loads the keypair. Connecting an already connected wallet is a
// no-op.
func (k *KeypairConnector) Connect(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.key != nil {
		return nil
	}

	key, err := k.load()
	if err != nil {
		return err
	}
	k.key = &key

	k.logger.InfoContext(ctx, "wallet connected", "address", key.PublicKey().String())
	return nil
}

func (k *KeypairConnector) load() (solana.PrivateKey, error) {
	switch {
	case k.keypairPath != "":
		key, err := solana.PrivateKeyFromSolanaKeygenFile(k.keypairPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read keypair file %s: %w", k.keypairPath, err)
		}
		return key, nil
	case k.privateKey != "":
		key, err := solana.PrivateKeyFromBase58(k.privateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		return key, nil
	default:
		return nil, errors.New("no keypair configured")
	}
}

// Disconnect forgets the loaded key.
func (k *KeypairConnector) Disconnect() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.key == nil {
		return
	}
	address := k.key.PublicKey().String()
	k.key = nil
	k.logger.Info("wallet disconnected", "address", address)
}

func (k *KeypairConnector) Connected() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key != nil
}

func (k *KeypairConnector) PublicKey() (solana.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.key == nil {
		return solana.PublicKey{}, false
	}
	return k.key.PublicKey(), true
}

// SignTransaction signs tx with the loaded key. The key must be one of the
// transaction's required signers.
func (k *KeypairConnector) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	k.mu.RLock()
	key := k.key
	k.mu.RUnlock()

	if key == nil {
		return ErrNotConnected
	}
	if tx == nil {
		return errors.New("transaction is nil")
	}

	pub := key.PublicKey()
	signed, err := tx.Sign(func(signer solana.PublicKey) *solana.PrivateKey {
		if signer.Equals(pub) {
			return key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}

	k.logger.DebugContext(ctx, "transaction signed",
		"address", pub.String(),
		"signatures", len(signed),
	)
	return nil
}

var _ Connector = (*KeypairConnector)(nil)
