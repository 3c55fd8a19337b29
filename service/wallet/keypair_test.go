package wallet

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/tokensend/service/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeKeygenFile writes key in solana-keygen's JSON byte-array format.
func writeKeygenFile(t *testing.T, key solana.PrivateKey) string {
	t.Helper()

	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func testTransaction(t *testing.T, payer solana.PublicKey) *solana.Transaction {
	t.Helper()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			solana.NewInstruction(
				solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"),
				solana.AccountMetaSlice{},
				[]byte("hello"),
			),
		},
		solana.MustHashFromBase58("5NzX7jrPWeTkGsDnVnszdEa7T3Yyr3nSgyc78z3CwjWQ"),
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)
	return tx
}

func TestKeypairConnector_FromFile(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	path := writeKeygenFile(t, key)

	conn := NewKeypairFileConnector(path, discardLogger())
	assert.False(t, conn.Connected())

	_, ok := conn.PublicKey()
	assert.False(t, ok)

	require.NoError(t, conn.Connect(context.Background()))
	assert.True(t, conn.Connected())

	pub, ok := conn.PublicKey()
	require.True(t, ok)
	assert.Equal(t, key.PublicKey(), pub)
}

func TestKeypairConnector_FromBase58(t *testing.T) {
	key := solana.NewWallet().PrivateKey

	conn := NewPrivateKeyConnector(" "+key.String()+"\n", discardLogger())
	require.NoError(t, conn.Connect(context.Background()))

	pub, ok := conn.PublicKey()
	require.True(t, ok)
	assert.Equal(t, key.PublicKey(), pub)
}

func TestKeypairConnector_ConnectErrors(t *testing.T) {
	tests := []struct {
		name    string
		conn    *KeypairConnector
		wantErr string
	}{
		{
			name:    "missing file",
			conn:    NewKeypairFileConnector(filepath.Join(t.TempDir(), "nope.json"), discardLogger()),
			wantErr: "failed to read keypair file",
		},
		{
			name:    "garbage secret",
			conn:    NewPrivateKeyConnector("not-base58-0OIl", discardLogger()),
			wantErr: "invalid private key",
		},
		{
			name:    "short secret",
			conn:    NewPrivateKeyConnector(solana.NewWallet().PublicKey().String(), discardLogger()),
			wantErr: "invalid private key: invalid private key size",
		},
		{
			name:    "nothing configured",
			conn:    NewPrivateKeyConnector("", discardLogger()),
			wantErr: "no keypair configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.conn.Connect(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.False(t, tt.conn.Connected())
		})
	}
}

func TestNewConnectorFromConfig(t *testing.T) {
	key := solana.NewWallet().PrivateKey

	t.Run("private key wins", func(t *testing.T) {
		conn := NewConnectorFromConfig(&config.Config{WalletPrivateKey: key.String()}, discardLogger())
		require.NoError(t, conn.Connect(context.Background()))
		pub, _ := conn.PublicKey()
		assert.Equal(t, key.PublicKey(), pub)
	})

	t.Run("keypair file", func(t *testing.T) {
		path := writeKeygenFile(t, key)
		conn := NewConnectorFromConfig(&config.Config{WalletKeypairPath: path}, discardLogger())
		require.NoError(t, conn.Connect(context.Background()))
		assert.True(t, conn.Connected())
	})

	t.Run("nothing configured", func(t *testing.T) {
		conn := NewConnectorFromConfig(&config.Config{}, discardLogger())
		assert.ErrorContains(t, conn.Connect(context.Background()), "no keypair configured")
	})
}

func TestKeypairConnector_ConnectTwiceIsNoop(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	path := writeKeygenFile(t, key)
	conn := NewKeypairFileConnector(path, discardLogger())

	require.NoError(t, conn.Connect(context.Background()))

	// The file is gone, so a second load would fail.
	require.NoError(t, os.Remove(path))
	require.NoError(t, conn.Connect(context.Background()))
	assert.True(t, conn.Connected())
}

func TestKeypairConnector_Disconnect(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	conn := NewPrivateKeyConnector(key.String(), discardLogger())
	require.NoError(t, conn.Connect(context.Background()))

	conn.Disconnect()
	assert.False(t, conn.Connected())
	_, ok := conn.PublicKey()
	assert.False(t, ok)

	// Disconnecting twice is fine.
	conn.Disconnect()

	err := conn.SignTransaction(context.Background(), testTransaction(t, key.PublicKey()))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestKeypairConnector_SignTransaction(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	conn := NewPrivateKeyConnector(key.String(), discardLogger())
	require.NoError(t, conn.Connect(context.Background()))

	tx := testTransaction(t, key.PublicKey())
	require.NoError(t, conn.SignTransaction(context.Background(), tx))

	require.Len(t, tx.Signatures, 1)
	assert.NoError(t, tx.VerifySignatures())
}

func TestKeypairConnector_SignForOtherPayer(t *testing.T) {
	conn := NewPrivateKeyConnector(solana.NewWallet().PrivateKey.String(), discardLogger())
	require.NoError(t, conn.Connect(context.Background()))

	tx := testTransaction(t, solana.NewWallet().PublicKey())
	err := conn.SignTransaction(context.Background(), tx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to sign transaction")
}

func TestKeypairConnector_ConcurrentAccess(t *testing.T) {
	conn := NewPrivateKeyConnector(solana.NewWallet().PrivateKey.String(), discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = conn.Connect(context.Background())
		}()
		go func() {
			defer wg.Done()
			conn.PublicKey()
			conn.Connected()
		}()
	}
	wg.Wait()

	assert.True(t, conn.Connected())
}
