package solana

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// TokenAmount is an SPL token quantity in base units together with the
// mint's decimals.
type TokenAmount struct {
	Amount   uint64
	Decimals uint8
}

// String renders the amount in token units with exactly Decimals fraction
// digits, e.g. 1500000 with 6 decimals is "1.500000".
func (a TokenAmount) String() string {
	if a.Decimals == 0 {
		return strconv.FormatUint(a.Amount, 10)
	}
	digits := strconv.FormatUint(a.Amount, 10)
	d := int(a.Decimals)
	if len(digits) <= d {
		digits = strings.Repeat("0", d-len(digits)+1) + digits
	}
	return digits[:len(digits)-d] + "." + digits[len(digits)-d:]
}

// Float64 returns the amount in token units. Precision is lost for very
// large amounts; use it for display and metrics only.
func (a TokenAmount) Float64() float64 {
	return float64(a.Amount) / math.Pow10(int(a.Decimals))
}

// ParseTokenAmount converts a decimal string in token units ("1", "0.25")
// into a TokenAmount with the given decimals. More fraction digits than the
// mint supports is an error rather than a silent truncation.
func ParseTokenAmount(s string, decimals uint8) (TokenAmount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TokenAmount{}, fmt.Errorf("empty amount")
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" && (!hasFrac || frac == "") {
		return TokenAmount{}, fmt.Errorf("invalid amount %q", s)
	}
	if len(frac) > int(decimals) {
		return TokenAmount{}, fmt.Errorf("amount %q has more than %d fraction digits", s, decimals)
	}
	if whole == "" {
		whole = "0"
	}

	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return TokenAmount{}, fmt.Errorf("invalid amount %q", s)
		}
	}

	amount, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return TokenAmount{}, fmt.Errorf("amount %q out of range: %w", s, err)
	}
	return TokenAmount{Amount: amount, Decimals: decimals}, nil
}

// TokenAccount is an owner's associated token account for a mint.
type TokenAccount struct {
	Address solana.PublicKey
	Owner   solana.PublicKey
	Mint    solana.PublicKey
	Exists  bool
}

// Blockhash is a recent blockhash and the last block height at which a
// transaction referencing it is still valid.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// TransferSummary is what DescribeTransaction extracts from a token transfer
// transaction. This is our domain model, independent of the wire format.
type TransferSummary struct {
	Version        string // "legacy" or "v0"
	FeePayer       solana.PublicKey
	Blockhash      solana.Hash
	Amount         uint64
	Source         solana.PublicKey // source token account
	Destination    solana.PublicKey // destination token account
	Authority      solana.PublicKey // owner that signs the transfer
	TokenMint      *solana.PublicKey
	Memo           *string
	CreatesAccount bool // an associated token account is created first
	Instructions   int
}
