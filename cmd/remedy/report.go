package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/remedyops/remedy/internal/metrics"
	"github.com/remedyops/remedy/internal/storage/sqlite"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the weekly remediation summary",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		store, err := sqlite.New(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
			os.Exit(2)
		}
		defer store.Close()

		out, err := metrics.WeeklyReport(context.Background(), store, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		fmt.Print(out)
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
}
