package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	dbPath  string
)

var rootCmd = &cobra.Command{
	Use:   "remedy",
	Short: "Autonomous CI failure remediation agent",
	Long: `Remedy watches CI workflows for failures, classifies them with an LLM,
and opens remediation pull requests for the fixes it can safely make on
its own. Risky changes are parked behind a human approval checkpoint,
and every merged fix is health-checked and rolled back if it makes
things worse.

Common commands:
  remedy run                  Start the agent
  remedy status               Show recent failures and open circuits
  remedy explain <failure-id> Show the full decision chain for a failure
  remedy circuits             Inspect and reset circuit breakers
  remedy doctor               Check configuration and environment health`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "remedy.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the SQLite database (overrides REMEDY_DB_PATH)")
}
