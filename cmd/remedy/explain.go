package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/remedyops/remedy/internal/explain"
	"github.com/remedyops/remedy/internal/storage/sqlite"
)

var explainCmd = &cobra.Command{
	Use:   "explain <failure-id>",
	Short: "Show the full decision chain for a failure",
	Long: `Print a human-readable narrative of every decision the agent made for
one failure: the classification, the pattern matches it considered, the
safety gate verdict, and the alternatives it rejected at each step.`,
	Args: cobra.ExactArgs(1),
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

		svc, err := explain.New(store)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		out, err := svc.Explain(context.Background(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(out)
	},
}

func init() {
	rootCmd.AddCommand(explainCmd)
}
