package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/tokensend/client"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for a running tokensend server",
		Subcommands: []*cli.Command{
			stateCommand(),
			connectCommand(),
			disconnectCommand(),
			refreshBalanceCommand(),
			sendCommand(),
			transfersCommand(),
			transferCommand(),
			paymentRequestCommand(),
		},
	}
}

// newAPIClient builds a client for --server-url. Sends wait for confirmation
// on the server, so the timeout has to cover that.
func newAPIClient(c *cli.Context, timeout time.Duration) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), &http.Client{Timeout: timeout}, logger)
}

func stateCommand() *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "Show the wallet session",
		Action: func(c *cli.Context) error {
			state, err := newAPIClient(c, 30*time.Second).State(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get state: %w", err)
			}
			if wantJSON(c) {
				return output(c, state)
			}
			printState(state)
			return nil
		},
	}
}

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Connect the server's wallet and fetch its balance",
		Action: func(c *cli.Context) error {
			state, err := newAPIClient(c, 30*time.Second).Connect(context.Background())
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			if wantJSON(c) {
				return output(c, state)
			}
			printState(state)
			return nil
		},
	}
}

func disconnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "disconnect",
		Usage: "Disconnect the server's wallet",
		Action: func(c *cli.Context) error {
			state, err := newAPIClient(c, 30*time.Second).Disconnect(context.Background())
			if err != nil {
				return fmt.Errorf("failed to disconnect: %w", err)
			}
			if wantJSON(c) {
				return output(c, state)
			}
			printState(state)
			return nil
		},
	}
}

func refreshBalanceCommand() *cli.Command {
	return &cli.Command{
		Name:    "balance",
		Aliases: []string{"refresh"},
		Usage:   "Re-read the token balance",
		Action: func(c *cli.Context) error {
			state, err := newAPIClient(c, 30*time.Second).RefreshBalance(context.Background())
			if err != nil {
				return fmt.Errorf("failed to refresh balance: %w", err)
			}
			if wantJSON(c) {
				return output(c, state)
			}
			printState(state)
			return nil
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Send the configured transfer and wait for confirmation",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   3 * time.Minute,
				Usage:   "How long to wait for the server to confirm",
			},
		},
		Action: func(c *cli.Context) error {
			timeout := c.Duration("timeout")
			cl := newAPIClient(c, timeout)

			if !wantJSON(c) {
				fmt.Fprintf(os.Stderr, "Sending transfer, waiting up to %v for confirmation...\n", timeout)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			result, err := cl.Send(ctx)
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}

			if wantJSON(c) {
				return output(c, result)
			}
			printSendResult(result)
			return nil
		},
	}
}

func transfersCommand() *cli.Command {
	return &cli.Command{
		Name:    "transfers",
		Aliases: []string{"ls"},
		Usage:   "List recorded transfer attempts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "sender",
				Usage: "Only show transfers from this address",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   20,
				Usage:   "Maximum number of transfers to retrieve (1-1000)",
			},
			&cli.IntFlag{
				Name:    "offset",
				Aliases: []string{"o"},
				Usage:   "Number of transfers to skip",
			},
			&cli.StringSliceFlag{
				Name:  "must-jq",
				Usage: "jq filter that must evaluate to true for a transfer to be shown (repeatable)",
			},
		},
		Action: func(c *cli.Context) error {
			limit := c.Int("limit")
			offset := c.Int("offset")
			if limit < 1 || limit > 1000 {
				return fmt.Errorf("limit must be between 1 and 1000")
			}
			if offset < 0 {
				return fmt.Errorf("offset cannot be negative")
			}

			filters, err := compileFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			transfers, err := newAPIClient(c, 30*time.Second).ListTransfers(context.Background(), client.ListTransfersOptions{
				Sender: c.String("sender"),
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				return fmt.Errorf("failed to list transfers: %w", err)
			}

			filtered := make([]*client.Transfer, 0, len(transfers))
			for _, t := range transfers {
				ok, err := matchesJQ(t, filters)
				if err != nil {
					return err
				}
				if ok {
					filtered = append(filtered, t)
				}
			}

			if wantJSON(c) {
				return output(c, filtered)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSENDER\tAMOUNT\tSIGNATURE\tCREATED")
			for _, t := range filtered {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID,
					t.Status,
					t.Sender,
					t.Amount,
					formatOptional(t.Signature),
					t.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transfers\n", len(filtered))
			return nil
		},
	}
}

func transferCommand() *cli.Command {
	return &cli.Command{
		Name:      "transfer",
		Aliases:   []string{"get"},
		Usage:     "Show one recorded transfer attempt",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transfer id")
			}

			t, err := newAPIClient(c, 30*time.Second).GetTransfer(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transfer: %w", err)
			}

			if wantJSON(c) {
				return output(c, t)
			}

			fmt.Printf("ID:         %s\n", t.ID)
			fmt.Printf("Status:     %s\n", t.Status)
			fmt.Printf("Network:    %s\n", t.Network)
			fmt.Printf("Sender:     %s\n", t.Sender)
			fmt.Printf("Recipient:  %s\n", t.Recipient)
			fmt.Printf("Amount:     %s\n", t.Amount)
			fmt.Printf("Memo:       %s\n", formatOptional(t.Memo))
			fmt.Printf("Signature:  %s\n", formatOptional(t.Signature))
			if t.Error != nil {
				fmt.Printf("Error:      %s\n", *t.Error)
			}
			fmt.Printf("Created:    %s\n", t.CreatedAt.Format(time.RFC3339))
			if t.ConfirmedAt != nil {
				fmt.Printf("Confirmed:  %s\n", t.ConfirmedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func paymentRequestCommand() *cli.Command {
	return &cli.Command{
		Name:  "pay-request",
		Usage: "Print a Solana Pay URL for the configured transfer",
		Action: func(c *cli.Context) error {
			pr, err := newAPIClient(c, 30*time.Second).PaymentRequest(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get payment request: %w", err)
			}

			if wantJSON(c) {
				return output(c, pr)
			}

			fmt.Printf("Send %s %s to %s\n", pr.Amount, pr.Symbol, pr.Recipient)
			fmt.Printf("Reference: %s\n", pr.Reference)
			fmt.Println(pr.PaymentURL)
			return nil
		},
	}
}

func printState(state *client.State) {
	if !state.Connected {
		fmt.Println("Wallet:   not connected")
	} else {
		fmt.Printf("Wallet:   %s\n", state.Address)
	}
	if state.Balance != nil {
		fmt.Printf("Balance:  %s %s\n", *state.Balance, state.Symbol)
	}
	fmt.Printf("Transfer: %s %s to %s\n", state.Amount, state.Symbol, state.Recipient)
	switch {
	case state.Loading:
		fmt.Println("Status:   sending...")
	case state.CanSend:
		fmt.Println("Status:   ready to send")
	default:
		fmt.Println("Status:   cannot send")
	}
}

func printSendResult(result *client.SendResult) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("✓ Transaction Confirmed")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Signature:   %s\n", result.Signature)
	fmt.Printf("From:        %s\n", result.Sender)
	fmt.Printf("To:          %s\n", result.Recipient)
	fmt.Printf("Amount:      %s\n", result.Amount)
	if result.Memo != "" {
		fmt.Printf("Memo:        %s\n", result.Memo)
	}
	if result.CreatedRecipientAccount {
		fmt.Println("Created recipient token account")
	}
	if result.Balance != nil {
		fmt.Printf("Balance:     %s\n", *result.Balance)
	}
	fmt.Printf("Confirmed:   %s\n", result.ConfirmedAt.Format(time.RFC3339))
	fmt.Printf("Explorer:    %s\n", result.ExplorerURL)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}
