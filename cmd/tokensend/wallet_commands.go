package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/tokensend/service/config"
	"github.com/brojonat/tokensend/service/db"
	"github.com/brojonat/tokensend/service/solana"
	"github.com/brojonat/tokensend/service/transfer"
	"github.com/brojonat/tokensend/service/wallet"
)

func walletCommands() *cli.Command {
	return &cli.Command{
		Name:  "wallet",
		Usage: "Talk to Solana directly with a local keypair",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "keypair",
				Aliases: []string{"k"},
				Usage:   "Path to a solana-keygen JSON keypair",
				EnvVars: []string{"WALLET_KEYPAIR_PATH"},
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC URL",
				EnvVars: []string{"SOLANA_RPC_URL"},
			},
		},
		Subcommands: []*cli.Command{
			walletAddressCommand(),
			walletBalanceCommand(),
			walletSendCommand(),
		},
	}
}

// localSession is a transfer service wired straight to the RPC node.
type localSession struct {
	cfg  *config.Config
	svc  *transfer.Service
	conn *wallet.KeypairConnector
}

func newLocalSession(c *cli.Context) (*localSession, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if path := c.String("keypair"); path != "" {
		cfg.WalletKeypairPath = path
		cfg.WalletPrivateKey = ""
	}
	if rpcURL := c.String("rpc-url"); rpcURL != "" {
		cfg.SolanaRPCURL = rpcURL
	}

	transferCfg, err := transfer.ConfigFromEnv(cfg)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	chain := solana.NewClient(solana.NewRPCClient(cfg.SolanaRPCURL), cfg.SolanaRPCURL, nil, logger).
		WithConfirmPollInterval(cfg.ConfirmPollInterval)
	conn := wallet.NewConnectorFromConfig(cfg, logger)

	return &localSession{
		cfg:  cfg,
		svc:  transfer.NewService(chain, conn, transferCfg, nil, logger),
		conn: conn,
	}, nil
}

func walletAddressCommand() *cli.Command {
	return &cli.Command{
		Name:  "address",
		Usage: "Print the wallet's public key",
		Action: func(c *cli.Context) error {
			sess, err := newLocalSession(c)
			if err != nil {
				return err
			}
			if err := sess.conn.Connect(context.Background()); err != nil {
				return err
			}
			pub, _ := sess.conn.PublicKey()

			if wantJSON(c) {
				return output(c, map[string]string{"address": pub.String()})
			}
			fmt.Println(pub.String())
			return nil
		},
	}
}

func walletBalanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "Show the token and SOL balance of the wallet",
		Action: func(c *cli.Context) error {
			sess, err := newLocalSession(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := sess.svc.Connect(ctx); err != nil {
				return err
			}
			state := sess.svc.State()
			feeOK := sess.svc.HasFeeBalance(ctx)
			transferCfg := sess.svc.Config()

			balance := "0"
			if state.Balance != nil {
				balance = state.Balance.String()
			}

			if wantJSON(c) {
				return output(c, map[string]interface{}{
					"address":      state.Address,
					"balance":      balance,
					"symbol":       transferCfg.Symbol,
					"token_mint":   transferCfg.Mint.String(),
					"can_pay_fees": feeOK,
				})
			}

			fmt.Printf("Address:  %s\n", state.Address)
			fmt.Printf("Balance:  %s %s\n", balance, transferCfg.Symbol)
			if feeOK {
				fmt.Println("Fees:     enough SOL to pay fees")
			} else {
				fmt.Printf("Fees:     less than %d lamports, sends will be rejected\n", transferCfg.MinFeeLamports)
			}
			return nil
		},
	}
}

func walletSendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Send the configured transfer from the local keypair",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Build and sign the transaction, print it, and do not send",
			},
			&cli.BoolFlag{
				Name:  "record",
				Usage: "Store the attempt in the database given by --database-url",
			},
		},
		Action: func(c *cli.Context) error {
			sess, err := newLocalSession(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), sess.cfg.ConfirmTimeout+time.Minute)
			defer cancel()

			if c.Bool("record") {
				dbURL := c.String("database-url")
				if dbURL == "" {
					return fmt.Errorf("--record requires --database-url or DATABASE_URL")
				}
				pool, err := pgxpool.New(ctx, dbURL)
				if err != nil {
					return fmt.Errorf("failed to connect to database: %w", err)
				}
				defer pool.Close()
				store := db.NewStore(pool, nil)
				if err := store.EnsureSchema(ctx); err != nil {
					return err
				}
				sess.svc.WithRecorder(store)
			}

			if err := sess.svc.Connect(ctx); err != nil {
				return err
			}

			if c.Bool("dry-run") {
				tx, err := sess.svc.Preview(ctx)
				if err != nil {
					return fmt.Errorf("dry run failed: %w", err)
				}
				summary, err := solana.DescribeTransaction(tx)
				if err != nil {
					return err
				}
				if wantJSON(c) {
					return output(c, summary)
				}
				printSummary(summary, sess.svc.Config())
				return nil
			}

			result, err := sess.svc.Send(ctx)
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}

			if wantJSON(c) {
				return output(c, map[string]interface{}{
					"id":                        result.ID,
					"signature":                 result.Signature.String(),
					"sender":                    result.Sender.String(),
					"recipient":                 result.Recipient.String(),
					"amount":                    result.Amount.String(),
					"created_recipient_account": result.CreatedRecipientAccount,
					"confirmed_at":              result.ConfirmedAt,
				})
			}

			fmt.Printf("✓ Transaction confirmed: %s\n", result.Signature)
			if result.Balance != nil {
				fmt.Printf("  Remaining balance: %s %s\n", result.Balance.String(), sess.svc.Config().Symbol)
			}
			return nil
		},
	}
}

func printSummary(s *solana.TransferSummary, cfg transfer.Config) {
	amount := solana.TokenAmount{Amount: s.Amount, Decimals: cfg.Amount.Decimals}
	fmt.Printf("Version:        %s\n", s.Version)
	fmt.Printf("Fee payer:      %s\n", s.FeePayer)
	fmt.Printf("Authority:      %s\n", s.Authority)
	fmt.Printf("Source:         %s\n", s.Source)
	fmt.Printf("Destination:    %s\n", s.Destination)
	fmt.Printf("Amount:         %s %s\n", amount.String(), cfg.Symbol)
	fmt.Printf("Instructions:   %d\n", s.Instructions)
	if s.CreatesAccount {
		fmt.Println("Creates the recipient token account")
	}
	if s.Memo != nil {
		fmt.Printf("Memo:           %s\n", *s.Memo)
	}
}
