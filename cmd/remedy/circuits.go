package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/remedyops/remedy/internal/circuit"
	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/storage/sqlite"
	"github.com/remedyops/remedy/internal/types"
)

var circuitsCmd = &cobra.Command{
	Use:   "circuits",
	Short: "List circuit breakers",
	Run: func(cmd *cobra.Command, args []string) {
		stateFlag, _ := cmd.Flags().GetString("state")

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

		state := types.CircuitState(stateFlag)
		switch state {
		case types.CircuitOpen, types.CircuitHalfOpen, types.CircuitClosed:
		default:
			fmt.Fprintf(os.Stderr, "Error: invalid state %q (open, half_open, closed)\n", stateFlag)
			os.Exit(1)
		}

		circuits, err := store.ListCircuits(context.Background(), state)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		if len(circuits) == 0 {
			fmt.Printf("%s\n", gray(fmt.Sprintf("No %s circuits", state)))
			return
		}
		for _, c := range circuits {
			icon := green("●")
			switch c.State {
			case types.CircuitOpen:
				icon = red("●")
			case types.CircuitHalfOpen:
				icon = yellow("●")
			}
			fmt.Printf("%s %s/%s %s (%d failures)\n", icon, c.Repository, c.Branch, c.State, c.FailureCount)
			fmt.Printf("  Signature: %s\n", c.Signature)
			fmt.Printf("  Pattern:   %s\n", gray(truncateLine(c.ErrorPattern, 100)))
			if c.AutoResetAt != nil {
				fmt.Printf("  Auto-reset: %s\n", c.AutoResetAt.Local().Format("2006-01-02 15:04"))
			}
			fmt.Println()
		}
	},
}

var circuitsResetCmd = &cobra.Command{
	Use:   "reset <signature>",
	Short: "Manually close an open circuit",
	Args:  cobra.ExactArgs(1),
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

		breaker, err := circuit.New(circuit.Config{Storage: store, Clock: clock.Real{}})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		operator := os.Getenv("USER")
		if operator == "" {
			operator = "operator"
		}
		if err := breaker.ManualReset(context.Background(), args[0], operator); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Circuit %s reset by %s\n", green("✓"), args[0], operator)
	},
}

func init() {
	rootCmd.AddCommand(circuitsCmd)
	circuitsCmd.AddCommand(circuitsResetCmd)
	circuitsCmd.Flags().String("state", "open", "Circuit state to list: open, half_open, or closed")
}
