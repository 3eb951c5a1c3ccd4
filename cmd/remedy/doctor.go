package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/remedyops/remedy/internal/storage/sqlite"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration and environment health",
	Long: `Run health checks to diagnose common configuration and environment
issues before starting the agent.

This command checks:
- Configuration file syntax and value ranges
- Required environment variables (GitHub token, Anthropic API key)
- Slack credentials if a channel is configured
- Database accessibility

Exit codes:
  0 - All checks passed
  1 - One or more checks failed
  2 - Critical failures that prevent the agent from running`,
	Run: func(cmd *cobra.Command, args []string) {
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()

		fmt.Printf("Running Remedy health checks...\n\n")

		var failures []string
		var warnings []string

		fmt.Printf("%s Configuration\n", cyan("→"))
		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("  %s %v\n", red("✗"), err)
			fmt.Printf("\n%s Critical failures prevent Remedy from running\n", red("✗"))
			os.Exit(2)
		}
		fmt.Printf("  %s Configuration valid (%d repositories)\n", green("✓"), len(cfg.Repositories))

		fmt.Printf("%s Credentials\n", cyan("→"))
		if cfg.VCSToken == "" {
			failures = append(failures, "GITHUB_TOKEN (or REMEDY_GITHUB_TOKEN) is not set")
			fmt.Printf("  %s GitHub token missing\n", red("✗"))
		} else {
			fmt.Printf("  %s GitHub token present\n", green("✓"))
		}
		if cfg.LLMKey == "" {
			failures = append(failures, "ANTHROPIC_API_KEY is not set")
			fmt.Printf("  %s Anthropic API key missing\n", red("✗"))
		} else {
			fmt.Printf("  %s Anthropic API key present\n", green("✓"))
		}
		if cfg.SlackChannel != "" && cfg.SlackToken == "" {
			warnings = append(warnings, "slack_channel configured but SLACK_BOT_TOKEN is not set")
			fmt.Printf("  %s Slack channel configured without SLACK_BOT_TOKEN\n", yellow("⚠"))
		} else if cfg.SlackChannel != "" {
			fmt.Printf("  %s Slack credentials present\n", green("✓"))
		}

		fmt.Printf("%s Database\n", cyan("→"))
		store, err := sqlite.New(cfg.DBPath)
		if err != nil {
			failures = append(failures, fmt.Sprintf("cannot open database %s: %v", cfg.DBPath, err))
			fmt.Printf("  %s Cannot open %s\n", red("✗"), cfg.DBPath)
		} else {
			store.Close()
			fmt.Printf("  %s Database accessible at %s\n", green("✓"), cfg.DBPath)
		}

		fmt.Printf("%s Reviewer pools\n", cyan("→"))
		uncovered := 0
		for _, repo := range cfg.Repositories {
			o, ok := cfg.Overrides[repo]
			if !ok || len(o.Reviewers.Senior)+len(o.Reviewers.Team) == 0 {
				uncovered++
			}
		}
		if uncovered > 0 {
			warnings = append(warnings, fmt.Sprintf("%d repositories have no reviewer pools; gated fixes get no reviewer requests", uncovered))
			fmt.Printf("  %s %d repositories without reviewer pools\n", yellow("⚠"), uncovered)
		} else {
			fmt.Printf("  %s All repositories have reviewer pools\n", green("✓"))
		}

		fmt.Println()
		for _, w := range warnings {
			fmt.Printf("%s %s\n", yellow("⚠"), w)
		}
		if len(failures) > 0 {
			for _, f := range failures {
				fmt.Printf("%s %s\n", red("✗"), f)
			}
			fmt.Printf("\n%s %d check(s) failed\n", red("✗"), len(failures))
			os.Exit(1)
		}
		fmt.Printf("%s All checks passed\n", green("✓"))
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
