package solana

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
)

// Well-known Solana program IDs
var (
	// SystemProgramID is the native SOL transfer program
	SystemProgramID = solana.SystemProgramID

	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	// AssociatedTokenProgramID derives and creates associated token accounts
	AssociatedTokenProgramID = solana.MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

	// MemoProgramIDSPL is the SPL Memo program (most common)
	MemoProgramIDSPL = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

	// MemoProgramIDLegacy is the legacy memo program (v1)
	MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")
)

// Token Program instruction types
const (
	TokenProgramTransferInstruction        = uint8(3)
	TokenProgramTransferCheckedInstruction = uint8(12)
)

// TransferParams describes the one transfer this service submits.
type TransferParams struct {
	Owner             solana.PublicKey // wallet that owns the source account and pays fees
	Source            solana.PublicKey // owner's token account
	Destination       solana.PublicKey // recipient's token account
	Recipient         solana.PublicKey // recipient wallet, needed when Destination must be created
	Mint              solana.PublicKey
	CreateDestination bool
	Amount            uint64
	Memo              string
	RecentBlockhash   solana.Hash
}

// BuildTransferInstructions returns the instructions for a token transfer
// followed by a memo: [create destination ATA], Transfer, Memo.
func BuildTransferInstructions(params TransferParams) ([]solana.Instruction, error) {
	if params.Owner.IsZero() {
		return nil, fmt.Errorf("owner is required")
	}
	if params.Amount == 0 {
		return nil, fmt.Errorf("amount must be greater than zero")
	}

	instructions := make([]solana.Instruction, 0, 3)

	if params.CreateDestination {
		if params.Recipient.IsZero() || params.Mint.IsZero() {
			return nil, fmt.Errorf("recipient and mint are required to create the destination account")
		}
		create, err := associatedtokenaccount.NewCreateInstruction(
			params.Owner,
			params.Recipient,
			params.Mint,
		).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("failed to build create account instruction: %w", err)
		}
		instructions = append(instructions, create)
	}

	transfer, err := token.NewTransferInstruction(
		params.Amount,
		params.Source,
		params.Destination,
		params.Owner,
		nil,
	).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer instruction: %w", err)
	}
	instructions = append(instructions, transfer)

	if params.Memo != "" {
		instructions = append(instructions, NewMemoInstruction(params.Memo))
	}

	return instructions, nil
}

// NewMemoInstruction builds an SPL Memo instruction with no accounts.
func NewMemoInstruction(memo string) solana.Instruction {
	return solana.NewInstruction(MemoProgramIDSPL, solana.AccountMetaSlice{}, []byte(memo))
}

// BuildTransferTransaction assembles the transfer and memo instructions into
// a single unsigned v0 transaction paid for by the owner.
func BuildTransferTransaction(params TransferParams) (*solana.Transaction, error) {
	instructions, err := BuildTransferInstructions(params)
	if err != nil {
		return nil, err
	}

	tx, err := solana.NewTransaction(
		instructions,
		params.RecentBlockhash,
		solana.TransactionPayer(params.Owner),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	tx.Message.SetVersion(solana.MessageVersionV0)

	return tx, nil
}

// DescribeTransaction extracts transfer details from a transaction's
// instructions: amount, token accounts, authority, mint (TransferChecked
// only) and memo.
func DescribeTransaction(tx *solana.Transaction) (*TransferSummary, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction is nil")
	}

	accountKeys := tx.Message.AccountKeys
	if len(accountKeys) == 0 {
		return nil, fmt.Errorf("transaction has no account keys")
	}

	summary := &TransferSummary{
		Version:      "legacy",
		FeePayer:     accountKeys[0],
		Blockhash:    tx.Message.RecentBlockhash,
		Instructions: len(tx.Message.Instructions),
	}
	if tx.Message.GetVersion() == solana.MessageVersionV0 {
		summary.Version = "v0"
	}

	foundTransfer := false
	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			return nil, fmt.Errorf("program index %d out of bounds", instruction.ProgramIDIndex)
		}
		programID := accountKeys[instruction.ProgramIDIndex]

		switch {
		case programID.Equals(AssociatedTokenProgramID):
			summary.CreatesAccount = true

		case programID.Equals(TokenProgramID) || programID.Equals(Token2022ProgramID):
			if err := parseTokenTransfer(instruction, accountKeys, summary); err != nil {
				return nil, err
			}
			foundTransfer = true

		case programID.Equals(MemoProgramIDSPL) || programID.Equals(MemoProgramIDLegacy):
			if memo := parseMemo(instruction.Data); memo != "" {
				summary.Memo = &memo
			}
		}
	}

	if !foundTransfer {
		return nil, fmt.Errorf("transaction contains no token transfer")
	}

	return summary, nil
}

// parseTokenTransfer fills amount, accounts and mint from an SPL Token
// Transfer or TransferChecked instruction.
func parseTokenTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey, summary *TransferSummary) error {
	if len(instruction.Data) == 0 {
		return fmt.Errorf("empty token instruction data")
	}

	account := func(i int) (solana.PublicKey, error) {
		if i >= len(instruction.Accounts) {
			return solana.PublicKey{}, fmt.Errorf("token instruction missing account %d", i)
		}
		idx := instruction.Accounts[i]
		if int(idx) >= len(accountKeys) {
			return solana.PublicKey{}, fmt.Errorf("account index %d out of bounds", idx)
		}
		return accountKeys[idx], nil
	}

	switch instruction.Data[0] {
	case TokenProgramTransferInstruction:
		// [0] = 3, [1..9] = amount; accounts: [source, destination, authority]
		if len(instruction.Data) < 9 {
			return fmt.Errorf("transfer instruction data too short")
		}
		summary.Amount = binary.LittleEndian.Uint64(instruction.Data[1:9])
		var err error
		if summary.Source, err = account(0); err != nil {
			return err
		}
		if summary.Destination, err = account(1); err != nil {
			return err
		}
		if summary.Authority, err = account(2); err != nil {
			return err
		}
		return nil

	case TokenProgramTransferCheckedInstruction:
		// [0] = 12, [1..9] = amount, [9] = decimals
		// accounts: [source, mint, destination, authority]
		if len(instruction.Data) < 10 {
			return fmt.Errorf("transferChecked instruction data too short")
		}
		summary.Amount = binary.LittleEndian.Uint64(instruction.Data[1:9])
		var err error
		if summary.Source, err = account(0); err != nil {
			return err
		}
		mint, err := account(1)
		if err != nil {
			return err
		}
		summary.TokenMint = &mint
		if summary.Destination, err = account(2); err != nil {
			return err
		}
		if summary.Authority, err = account(3); err != nil {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unknown token instruction type: %d", instruction.Data[0])
	}
}

// parseMemo extracts the memo text from a Memo Program instruction.
// Some wallets base64 encode the memo; those are decoded when the result is
// printable UTF-8.
func parseMemo(data []byte) string {
	memo := string(data)

	if decoded, err := base64.StdEncoding.DecodeString(memo); err == nil && len(decoded) > 0 {
		if isValidUTF8(decoded) {
			return string(decoded)
		}
	}

	return memo
}

// isValidUTF8 rejects invalid sequences and NUL bytes.
func isValidUTF8(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}
