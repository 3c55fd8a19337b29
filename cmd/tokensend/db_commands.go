package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/tokensend/service/db"
	"github.com/brojonat/tokensend/service/solana"
)

func listTransfersCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transfers",
		Usage:   "List recorded transfer attempts",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "sender",
				Usage: "Only show transfers from this address",
			},
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (confirmed, failed)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   50,
				Usage:   "Maximum number of transfers",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()
			sender := c.String("sender")
			transfers, err := store.ListTransfers(ctx, db.ListTransfersParams{
				Sender: sender,
				Limit:  int32(c.Int("limit")),
			})
			if err != nil {
				return fmt.Errorf("failed to list transfers: %w", err)
			}

			// Filter by status if specified
			statusFilter := c.String("status")
			if statusFilter != "" {
				filtered := make([]*db.Transfer, 0)
				for _, t := range transfers {
					if t.Status == statusFilter {
						filtered = append(filtered, t)
					}
				}
				transfers = filtered
			}

			if wantJSON(c) {
				return output(c, transfers)
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSENDER\tAMOUNT\tSIGNATURE\tCREATED")
			for _, t := range transfers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID,
					t.Status,
					t.Sender,
					formatAmount(t),
					formatOptional(t.Signature),
					t.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			total, err := store.CountTransfers(ctx, sender)
			if err != nil {
				return fmt.Errorf("failed to count transfers: %w", err)
			}
			fmt.Fprintf(os.Stderr, "\nShowing %d of %d transfers\n", len(transfers), total)
			return nil
		},
	}
}

func getTransferCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transfer",
		Usage:     "Get transfer details",
		Aliases:   []string{"get"},
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transfer id")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			t, err := store.GetTransfer(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transfer: %w", err)
			}

			if wantJSON(c) {
				return output(c, t)
			}

			fmt.Printf("ID:          %s\n", t.ID)
			fmt.Printf("Status:      %s\n", t.Status)
			fmt.Printf("Network:     %s\n", t.Network)
			fmt.Printf("Sender:      %s\n", t.Sender)
			fmt.Printf("Recipient:   %s\n", t.Recipient)
			fmt.Printf("Token:       %s\n", t.TokenMint)
			fmt.Printf("Amount:      %s\n", formatAmount(t))
			fmt.Printf("Memo:        %s\n", formatOptional(t.Memo))
			fmt.Printf("Signature:   %s\n", formatOptional(t.Signature))
			if t.Error != nil {
				fmt.Printf("Error:       %s\n", *t.Error)
			}
			fmt.Printf("Created ATA: %v\n", t.CreatedRecipientAccount)
			fmt.Printf("Created:     %s\n", t.CreatedAt.Format(time.RFC3339))
			if t.ConfirmedAt != nil {
				fmt.Printf("Confirmed:   %s\n", t.ConfirmedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the transfers table if it does not exist",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.EnsureSchema(context.Background()); err != nil {
				return err
			}
			fmt.Println("✓ Schema is up to date")
			return nil
		},
	}
}

// getStore creates a database store from --database-url.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}

func formatAmount(t *db.Transfer) string {
	return solana.TokenAmount{Amount: uint64(t.Amount), Decimals: uint8(t.Decimals)}.String()
}
