package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/remedyops/remedy/internal/ai"
	"github.com/remedyops/remedy/internal/approval"
	"github.com/remedyops/remedy/internal/audit"
	"github.com/remedyops/remedy/internal/blast"
	"github.com/remedyops/remedy/internal/circuit"
	"github.com/remedyops/remedy/internal/classifier"
	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/config"
	"github.com/remedyops/remedy/internal/dashboard"
	"github.com/remedyops/remedy/internal/dryrun"
	"github.com/remedyops/remedy/internal/executor"
	"github.com/remedyops/remedy/internal/gates"
	"github.com/remedyops/remedy/internal/healthcheck"
	"github.com/remedyops/remedy/internal/metrics"
	"github.com/remedyops/remedy/internal/notify"
	"github.com/remedyops/remedy/internal/orchestrator"
	"github.com/remedyops/remedy/internal/patterns"
	"github.com/remedyops/remedy/internal/personality"
	"github.com/remedyops/remedy/internal/poller"
	"github.com/remedyops/remedy/internal/snapshot"
	"github.com/remedyops/remedy/internal/storage/sqlite"
	"github.com/remedyops/remedy/internal/vcs"
)

var runDryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the remediation agent",
	Long: `Start the full control loop: poll the configured repositories for CI
failures, classify each one, and drive safe fixes through to a pull
request with a post-merge health check.

The dashboard and Prometheus metrics are served on the configured
listen address (default :8484).

With --dry-run every write to GitHub and Slack is simulated and a
report of the actions that would have been taken is printed on exit.

Exit codes:
  0   - Clean shutdown
  1   - Invalid configuration
  2   - Startup failure
  130 - Interrupted`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if runDryRun {
			cfg.DryRun = true
		}
		if err := cfg.ValidateSecrets(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		agent, err := buildAgent(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		defer agent.store.Close()

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		fmt.Printf("\n%s Remedy agent starting\n\n", green("✓"))
		fmt.Printf("  Repositories: %s\n", cyan(fmt.Sprintf("%v", cfg.Repositories)))
		fmt.Printf("  Database:     %s\n", cyan(cfg.DBPath))
		fmt.Printf("  Dashboard:    %s\n", cyan("http://localhost"+cfg.ListenAddr))
		if cfg.DryRun {
			fmt.Printf("  Mode:         %s\n", yellow("DRY RUN (no writes to GitHub or Slack)"))
		}
		fmt.Println()

		srv := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: agent.dash.Router(agent.registry.Handler()),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "Error: dashboard server failed: %v\n", err)
			}
		}()

		runErr := agent.orch.Run(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: dashboard shutdown: %v\n", err)
		}

		if cfg.DryRun && agent.recorder != nil {
			fmt.Println()
			fmt.Print(agent.recorder.Report())
		}

		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
			os.Exit(2)
		}
		if ctx.Err() != nil {
			fmt.Printf("\n%s Interrupted, shutting down\n", yellow("⚠"))
			os.Exit(130)
		}
	},
}

// agent bundles everything run needs to hold on to after wiring.
type agent struct {
	store    *sqlite.Store
	orch     *orchestrator.Orchestrator
	dash     *dashboard.Server
	registry *metrics.Registry
	recorder *dryrun.Recorder
}

func buildAgent(ctx context.Context, cfg *config.Config) (*agent, error) {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	clk := clock.Real{}

	gh, err := vcs.NewGitHub(ctx, cfg.VCSToken)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}
	var vcsClient vcs.Client = gh

	var notifier notify.Notifier = notify.Noop{}
	if cfg.SlackToken != "" && cfg.SlackChannel != "" {
		slack, err := notify.NewSlack(cfg.SlackToken, cfg.SlackChannel)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create Slack notifier: %w", err)
		}
		notifier = slack
	}

	var recorder *dryrun.Recorder
	if cfg.DryRun {
		recorder = dryrun.NewRecorder()
		vcsClient = dryrun.NewVCS(vcsClient, recorder)
		notifier = dryrun.NewNotifier(recorder)
	}

	registry := metrics.New()

	var embedder ai.Embedder = ai.LocalEmbedder{}
	if cfg.EmbeddingEndpoint != "" {
		embedder = ai.NewRemoteEmbedder(cfg.EmbeddingEndpoint, cfg.LLMKey, "")
	}
	memory, err := patterns.New(patterns.Config{Storage: store, Embedder: embedder})
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := memory.Warm(ctx); err != nil {
		store.Close()
		return nil, err
	}

	profiler, err := personality.New(store, clk)
	if err != nil {
		store.Close()
		return nil, err
	}

	model := ai.NewAnthropicClient(ai.AnthropicConfig{Model: cfg.Model})
	cls, err := classifier.New(classifier.Config{
		Model:    model,
		Memory:   memory,
		Profiler: profiler,
		Storage:  store,
		Clock:    clk,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	breaker, err := circuit.New(circuit.Config{
		Storage:    store,
		Clock:      clk,
		Threshold:  cfg.CircuitThreshold,
		ResetAfter: cfg.CircuitResetAfter(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	gate, err := gates.New(gates.Config{
		Breaker:   breaker,
		Estimator: blast.New(dependentsFromConfig(cfg)),
		Policies:  policiesFromConfig(cfg),
		DryRun:    cfg.DryRun,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	snapshots, err := snapshot.New(snapshot.Config{
		Storage:   store,
		VCS:       vcsClient,
		Clock:     clk,
		Retention: cfg.SnapshotRetention(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	auditor, err := audit.New(store, clk)
	if err != nil {
		store.Close()
		return nil, err
	}

	exec, err := executor.New(executor.Config{
		Storage:          store,
		VCS:              vcsClient,
		Classifier:       cls,
		Snapshots:        snapshots,
		Audit:            auditor,
		Clock:            clk,
		HealthCheckDelay: cfg.HealthCheckDelay(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	approvals, err := approval.New(approval.Config{
		Storage:   store,
		VCS:       vcsClient,
		Notifier:  notifier,
		Audit:     auditor,
		Clock:     clk,
		Timeout:   cfg.ApprovalTimeout(),
		Reviewers: reviewersFromConfig(cfg),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	checker, err := healthcheck.New(healthcheck.Config{
		Storage:   store,
		VCS:       vcsClient,
		Snapshots: snapshots,
		Breaker:   breaker,
		Memory:    memory,
		Notifier:  notifier,
		Audit:     auditor,
		Clock:     clk,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	pol, err := poller.New(poller.Config{
		Storage:  store,
		VCS:      vcsClient,
		Notifier: notifier,
		Audit:    auditor,
		Clock:    clk,
		Interval: cfg.PollingInterval(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	alerter, err := metrics.NewAlerter(store, notifier, clk, 0)
	if err != nil {
		store.Close()
		return nil, err
	}

	dash, err := dashboard.New(dashboard.Config{
		Storage:      store,
		Memory:       memory,
		Profiler:     profiler,
		Clock:        clk,
		Repositories: cfg.Repositories,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Storage:      store,
		Notifier:     notifier,
		Classifier:   cls,
		Gate:         gate,
		Breaker:      breaker,
		Executor:     exec,
		Approvals:    approvals,
		Checker:      checker,
		Snapshots:    snapshots,
		Poller:       pol,
		Alerter:      alerter,
		Registry:     registry,
		Memory:       memory,
		Audit:        auditor,
		Clock:        clk,
		Repositories: cfg.Repositories,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &agent{
		store:    store,
		orch:     orch,
		dash:     dash,
		registry: registry,
		recorder: recorder,
	}, nil
}

func loadConfig() (*config.Config, error) {
	path := cfgPath
	if _, err := os.Stat(path); os.IsNotExist(err) && !rootCmd.PersistentFlags().Changed("config") {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func policiesFromConfig(cfg *config.Config) map[string]gates.RepoPolicy {
	policies := make(map[string]gates.RepoPolicy, len(cfg.Repositories))
	for _, repo := range cfg.Repositories {
		p := gates.RepoPolicy{
			Protected:     cfg.IsProtected(repo),
			RiskThreshold: cfg.RiskThresholdFor(repo),
		}
		if o, ok := cfg.Overrides[repo]; ok {
			p.AppSourceGlobs = o.AppSourceGlobs
		}
		policies[repo] = p
	}
	return policies
}

func reviewersFromConfig(cfg *config.Config) map[string]approval.Reviewers {
	out := make(map[string]approval.Reviewers)
	for repo, o := range cfg.Overrides {
		if len(o.Reviewers.Senior)+len(o.Reviewers.Team) > 0 {
			out[repo] = approval.Reviewers{Senior: o.Reviewers.Senior, Team: o.Reviewers.Team}
		}
	}
	return out
}

func dependentsFromConfig(cfg *config.Config) map[string]int {
	out := make(map[string]int)
	for repo, o := range cfg.Overrides {
		if o.Dependents > 0 {
			out[repo] = o.Dependents
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Simulate all writes and print a report on exit")
}
