package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/coreyrab/statickit/internal/credits"
)

var flagHistoryLimit int

func newCreditsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Show the credit balance and usage",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "balance",
		Short: "Show the remaining credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreditsBalance(cmd.Context(), app)
		},
	})

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recent charges and grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreditsHistory(cmd.Context(), app)
		},
	}
	historyCmd.Flags().IntVarP(&flagHistoryLimit, "limit", "n", 20, "number of entries")
	cmd.AddCommand(historyCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "price <model> <size> <usd>",
		Short: "Override the per-image price of a model",
		Long: `Override the USD list price used to compute credits for one model and size.
Use "" as the size to set the model's default price.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreditsPrice(app, args[0], args[1], args[2])
		},
	})
	return cmd
}

func runCreditsBalance(ctx context.Context, app *App) error {
	e, err := app.openLocal(ctx)
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	balance, err := e.ledger.Balance(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Balance: %s credits ($%.2f)\n", humanize.Comma(int64(balance)), float64(balance)*credits.USDPerCredit)
	return nil
}

func runCreditsHistory(ctx context.Context, app *App) error {
	e, err := app.openLocal(ctx)
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	entries, err := e.ledger.History(ctx, flagHistoryLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(app.Out, "No usage recorded.")
		return nil
	}

	w := tabwriter.NewWriter(app.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tOPERATION\tMODEL\tCREDITS")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%+d\n", humanize.Time(entry.CreatedAt), entry.Operation, entry.Model, entry.Delta)
	}
	return w.Flush()
}

func runCreditsPrice(app *App, model, size, usd string) error {
	price, err := strconv.ParseFloat(usd, 64)
	if err != nil || price < 0 {
		return fmt.Errorf("invalid price %q", usd)
	}
	cfg, err := app.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureWorkDir(); err != nil {
		return err
	}
	if err := credits.SetPrice(app.pricingPath(cfg), model, size, price); err != nil {
		return err
	}
	calc, err := app.calculator(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "%s %s now costs %d credit(s) per edit\n", model, size, calc.ImageCredits(credits.OpEdit, model, size, 1))
	return nil
}
