package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"credit_ledger/internal/money"
	"credit_ledger/internal/pricing"
)

var pricesCmd = &cobra.Command{
	Use:   "prices",
	Short: "Manage model prices",
}

var pricesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Upsert every model in a pricing file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read pricing file: %w", err)
		}
		prices, err := pricing.ParseFile(data)
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		n, err := db.NewPriceRepository().Import(ctx, prices)
		if err != nil {
			return err
		}
		logger.Info("Prices imported", "file", args[0], "models", n)
		return nil
	},
}

var pricesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the stored prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		rows, err := db.NewPriceRepository().List(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MODEL\tPRICE/TOKEN ($)\tFEE (bps)\tUPDATED")
		for _, p := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.ModelID, money.ToDollars(p.PricePerToken), p.FeeBasisPoints, p.UpdatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

func init() {
	pricesCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "PostgreSQL URL (default $DATABASE_URL)")
	pricesCmd.AddCommand(pricesImportCmd, pricesListCmd)
}
