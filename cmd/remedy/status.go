package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/storage/sqlite"
	"github.com/remedyops/remedy/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent failures, open circuits, and pending approvals",
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
		ctx := context.Background()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Remedy Status ==="))

		failures, err := store.ListFailures(ctx, storage.FailureFilter{
			Since: time.Now().Add(-24 * time.Hour),
			Limit: 20,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}

		fmt.Printf("%s\n", yellow("Failures (last 24h):"))
		if len(failures) == 0 {
			fmt.Printf("  %s\n", gray("No failures detected"))
		}
		for _, f := range failures {
			icon, paint := green("●"), green
			switch f.Status {
			case types.StatusFailed, types.StatusRolledBack:
				icon, paint = red("●"), red
			case types.StatusDetected, types.StatusAnalyzed, types.StatusGated, types.StatusPROpen:
				icon, paint = yellow("●"), yellow
			}
			fmt.Printf("  %s %s %s %s\n", icon, f.FailureID, f.Repository, paint(string(f.Status)))
			fmt.Printf("    %s\n", gray(truncateLine(f.FailureReason, 80)))
		}
		fmt.Println()

		open, err := store.ListCircuits(ctx, types.CircuitOpen)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		fmt.Printf("%s\n", yellow("Open circuits:"))
		if len(open) == 0 {
			fmt.Printf("  %s\n", gray("None"))
		}
		for _, c := range open {
			fmt.Printf("  %s %s/%s (%d failures)\n", red("✗"), c.Repository, c.Branch, c.FailureCount)
			fmt.Printf("    %s\n", gray(truncateLine(c.ErrorPattern, 80)))
		}
		fmt.Println()

		pending, err := store.ListPendingApprovals(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		fmt.Printf("%s\n", yellow("Pending approvals:"))
		if len(pending) == 0 {
			fmt.Printf("  %s\n", gray("None"))
		}
		for _, r := range pending {
			fmt.Printf("  %s %s PR #%d expires %s\n", yellow("⧗"), r.Repository, r.PRNumber,
				r.ExpiresAt.Local().Format("2006-01-02 15:04"))
		}
		fmt.Println()
	},
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
