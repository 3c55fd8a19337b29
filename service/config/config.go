package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
)

// Defaults match the public mainnet-beta cluster and the USDT mint.
const (
	DefaultServerAddr    = "127.0.0.1:8080"
	DefaultRPCURL        = "https://api.mainnet-beta.solana.com"
	DefaultTokenMint     = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
	DefaultRecipient     = "Cr24upCtnEmpLaWzXhopcVPJrkE4daZYnVtUq2y7zAgS"
	DefaultTransferMemo  = "Payment for services"
	DefaultMinFeeLamport = 5000
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr     string
	LogLevel       string
	AllowedOrigins []string // extra origins allowed to call the API from a browser

	// Solana configuration
	SolanaRPCURL  string
	SolanaNetwork string

	// Token being transferred
	TokenMintAddress string
	TokenSymbol      string
	TokenDecimals    uint8

	// The hard-coded transfer
	RecipientAddress string
	TransferAmount   string // human units, e.g. "1" or "0.5"
	TransferMemo     string
	MinFeeLamports   uint64
	SendMaxRetries   uint

	// Confirmation polling
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration

	// Wallet configuration. At most one of the two key sources may be set.
	WalletKeypairPath string
	WalletPrivateKey  string
	WalletAutoConnect bool

	// Optional integrations; empty disables them.
	DatabaseURL string
	NATSURL     string
}

// LoadDotEnv loads variables from the given .env file into the process
// environment. A missing file is not an error. Variables already present in
// the environment are never overwritten.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", DefaultServerAddr)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	origins, err := parseOrigins("ALLOWED_ORIGINS")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.AllowedOrigins = origins
	}

	// Solana configuration
	cfg.SolanaRPCURL = getEnvOrDefault("SOLANA_RPC_URL", DefaultRPCURL)
	cfg.SolanaNetwork = getEnvOrDefault("SOLANA_NETWORK", "mainnet")

	// Token configuration
	cfg.TokenMintAddress = getEnvOrDefault("TOKEN_MINT_ADDRESS", DefaultTokenMint)
	cfg.TokenSymbol = getEnvOrDefault("TOKEN_SYMBOL", "USDT")

	decimals, err := parseInt("TOKEN_DECIMALS", 6)
	if err != nil {
		errs = append(errs, err)
	} else if decimals < 0 || decimals > 18 {
		errs = append(errs, fmt.Errorf("TOKEN_DECIMALS must be between 0 and 18, got %d", decimals))
	} else {
		cfg.TokenDecimals = uint8(decimals)
	}

	// Transfer configuration
	cfg.RecipientAddress = getEnvOrDefault("RECIPIENT_ADDRESS", DefaultRecipient)
	cfg.TransferAmount = getEnvOrDefault("TRANSFER_AMOUNT", "1")
	cfg.TransferMemo = getEnvOrDefault("TRANSFER_MEMO", DefaultTransferMemo)

	minFee, err := parseInt("MIN_FEE_LAMPORTS", DefaultMinFeeLamport)
	if err != nil {
		errs = append(errs, err)
	} else if minFee < 0 {
		errs = append(errs, fmt.Errorf("MIN_FEE_LAMPORTS cannot be negative"))
	} else {
		cfg.MinFeeLamports = uint64(minFee)
	}

	maxRetries, err := parseInt("SEND_MAX_RETRIES", 5)
	if err != nil {
		errs = append(errs, err)
	} else if maxRetries < 0 {
		errs = append(errs, fmt.Errorf("SEND_MAX_RETRIES cannot be negative"))
	} else {
		cfg.SendMaxRetries = uint(maxRetries)
	}

	// Confirmation configuration
	confirmTimeout, err := parseDuration("CONFIRM_TIMEOUT", "90s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmTimeout = confirmTimeout
	}

	pollInterval, err := parseDuration("CONFIRM_POLL_INTERVAL", "2s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmPollInterval = pollInterval
	}

	// Wallet configuration
	cfg.WalletKeypairPath = os.Getenv("WALLET_KEYPAIR_PATH")
	cfg.WalletPrivateKey = os.Getenv("WALLET_PRIVATE_KEY")
	autoConnect, err := parseBool("WALLET_AUTO_CONNECT", true)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.WalletAutoConnect = autoConnect
	}

	// Optional integrations
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.SolanaNetwork != "mainnet" && c.SolanaNetwork != "devnet" && c.SolanaNetwork != "testnet" {
		errs = append(errs, fmt.Errorf("SolanaNetwork must be one of mainnet, devnet, testnet, got %q", c.SolanaNetwork))
	}

	if _, err := solana.PublicKeyFromBase58(c.TokenMintAddress); err != nil {
		errs = append(errs, fmt.Errorf("TokenMintAddress is invalid: %w", err))
	}

	if _, err := solana.PublicKeyFromBase58(c.RecipientAddress); err != nil {
		errs = append(errs, fmt.Errorf("RecipientAddress is invalid: %w", err))
	}

	if c.TransferAmount == "" {
		errs = append(errs, fmt.Errorf("TransferAmount is required"))
	}

	if c.WalletKeypairPath != "" && c.WalletPrivateKey != "" {
		errs = append(errs, fmt.Errorf("only one of WalletKeypairPath and WalletPrivateKey may be set"))
	}

	if c.ConfirmPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmPollInterval must be positive"))
	}

	if c.ConfirmTimeout < c.ConfirmPollInterval {
		errs = append(errs, fmt.Errorf("ConfirmTimeout (%v) cannot be less than ConfirmPollInterval (%v)",
			c.ConfirmTimeout, c.ConfirmPollInterval))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// HasWallet reports whether a wallet key source is configured.
func (c *Config) HasWallet() bool {
	return c.WalletKeypairPath != "" || c.WalletPrivateKey != ""
}

// getEnvOrDefault returns the environment variable value or a default if not set.
// parseOrigins reads a comma-separated list of scheme://host[:port] origins.
func parseOrigins(key string) ([]string, error) {
	value := os.Getenv(key)
	if value == "" {
		return nil, nil
	}
	var origins []string
	for _, raw := range strings.Split(value, ",") {
		origin := strings.TrimRight(strings.TrimSpace(raw), "/")
		if origin == "" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" || u.Path != "" || u.RawQuery != "" {
			return nil, fmt.Errorf("invalid origin %q in %s: expected scheme://host[:port]", raw, key)
		}
		origins = append(origins, origin)
	}
	return origins, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}
