// Package orchestrator drives each failure through the remediation state
// machine and owns the control loop's scheduling.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/remedyops/remedy/internal/approval"
	"github.com/remedyops/remedy/internal/audit"
	"github.com/remedyops/remedy/internal/blast"
	"github.com/remedyops/remedy/internal/circuit"
	"github.com/remedyops/remedy/internal/classifier"
	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/executor"
	"github.com/remedyops/remedy/internal/gates"
	"github.com/remedyops/remedy/internal/healthcheck"
	"github.com/remedyops/remedy/internal/metrics"
	"github.com/remedyops/remedy/internal/notify"
	"github.com/remedyops/remedy/internal/patterns"
	"github.com/remedyops/remedy/internal/poller"
	"github.com/remedyops/remedy/internal/snapshot"
	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
)

const (
	// sweepInterval paces the health check and approval sweeps.
	sweepInterval = 30 * time.Second
	// jobInterval paces the metric-threshold evaluator.
	jobInterval = 15 * time.Minute
	// cleanupInterval paces snapshot cleanup.
	cleanupInterval = 24 * time.Hour
)

// Orchestrator wires the decision services into the control loop.
type Orchestrator struct {
	instanceID string

	store      storage.Storage
	notifier   notify.Notifier
	classifier *classifier.Classifier
	gate       *gates.SafetyGate
	breaker    *circuit.Breaker
	executor   *executor.Executor
	approvals  *approval.Manager
	checker    *healthcheck.Checker
	snapshots  *snapshot.Manager
	poller     *poller.Poller
	alerter    *metrics.Alerter
	registry   *metrics.Registry
	memory     *patterns.Memory
	audit      *audit.Recorder
	clock      clock.Clock

	repositories []string
	workers      int

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex

	queue chan *types.Failure
}

// Config configures the orchestrator.
type Config struct {
	Storage      storage.Storage
	Notifier     notify.Notifier
	Classifier   *classifier.Classifier
	Gate         *gates.SafetyGate
	Breaker      *circuit.Breaker
	Executor     *executor.Executor
	Approvals    *approval.Manager
	Checker      *healthcheck.Checker
	Snapshots    *snapshot.Manager
	Poller       *poller.Poller
	Alerter      *metrics.Alerter
	Registry     *metrics.Registry
	Memory       *patterns.Memory
	Audit        *audit.Recorder
	Clock        clock.Clock
	Repositories []string
	Workers      int
}

// New creates the orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Storage == nil:
		return nil, fmt.Errorf("storage is required")
	case cfg.Classifier == nil:
		return nil, fmt.Errorf("classifier is required")
	case cfg.Gate == nil:
		return nil, fmt.Errorf("safety gate is required")
	case cfg.Breaker == nil:
		return nil, fmt.Errorf("circuit breaker is required")
	case cfg.Executor == nil:
		return nil, fmt.Errorf("executor is required")
	case cfg.Approvals == nil:
		return nil, fmt.Errorf("approval manager is required")
	case cfg.Checker == nil:
		return nil, fmt.Errorf("health checker is required")
	case cfg.Snapshots == nil:
		return nil, fmt.Errorf("snapshot manager is required")
	case cfg.Audit == nil:
		return nil, fmt.Errorf("audit recorder is required")
	case len(cfg.Repositories) == 0:
		return nil, fmt.Errorf("at least one repository is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Noop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = max(2*runtime.NumCPU(), 8)
	}
	return &Orchestrator{
		instanceID:   uuid.New().String(),
		store:        cfg.Storage,
		notifier:     cfg.Notifier,
		classifier:   cfg.Classifier,
		gate:         cfg.Gate,
		breaker:      cfg.Breaker,
		executor:     cfg.Executor,
		approvals:    cfg.Approvals,
		checker:      cfg.Checker,
		snapshots:    cfg.Snapshots,
		poller:       cfg.Poller,
		alerter:      cfg.Alerter,
		registry:     cfg.Registry,
		memory:       cfg.Memory,
		audit:        cfg.Audit,
		clock:        cfg.Clock,
		repositories: cfg.Repositories,
		workers:      cfg.Workers,
		repoLocks:    make(map[string]*sync.Mutex),
		queue:        make(chan *types.Failure, 64),
	}, nil
}

// Run starts the pollers, the worker pool, and the background loops, blocking
// until ctx cancels. In-flight steps finish their current transition before
// exiting.
func (o *Orchestrator) Run(ctx context.Context) error {
	stalled, err := o.Recover(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Feed recovered failures back through the workers. Runs as its own
	// goroutine so a full queue cannot stall startup.
	if len(stalled) > 0 {
		g.Go(func() error {
			for _, f := range stalled {
				select {
				case <-ctx.Done():
					return nil
				case o.queue <- f:
				}
			}
			return nil
		})
	}

	if o.poller != nil {
		for _, repo := range o.repositories {
			repo := repo
			g.Go(func() error {
				err := o.poller.Run(ctx, repo, o.queue)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		}
	}

	for i := 0; i < o.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case f := <-o.queue:
					if err := o.Process(ctx, f); err != nil && !errors.Is(err, context.Canceled) {
						_ = o.audit.RecordError(ctx, audit.ActorAgent, "process_failure", f.FailureID, err, nil)
					}
				}
			}
		})
	}

	g.Go(func() error { return o.sweepLoop(ctx) })
	g.Go(func() error { return o.backgroundJobs(ctx) })

	return g.Wait()
}

// Recover surveys work left pending by a previous run and returns the
// failures that need to go back through the pipeline. Health checks and
// approvals are picked up by the sweeps; failures stranded before their PR
// opened are re-enqueued by Run.
func (o *Orchestrator) Recover(ctx context.Context) ([]*types.Failure, error) {
	pendingChecks, err := o.store.ListPendingHealthChecks(ctx)
	if err != nil {
		return nil, err
	}
	pendingApprovals, err := o.store.ListPendingApprovals(ctx)
	if err != nil {
		return nil, err
	}

	var stalled []*types.Failure
	for _, status := range []types.FailureStatus{types.StatusDetected, types.StatusAnalyzed, types.StatusGated} {
		fs, err := o.store.ListFailures(ctx, storage.FailureFilter{Status: status})
		if err != nil {
			return nil, err
		}
		for _, f := range fs {
			// A gated failure with a PR is waiting on its approval sweep.
			if f.Status == types.StatusGated && f.PRNumber > 0 {
				continue
			}
			stalled = append(stalled, f)
		}
	}

	if len(pendingChecks)+len(pendingApprovals)+len(stalled) == 0 {
		return nil, nil
	}
	return stalled, o.audit.Record(ctx, audit.ActorSystem, "startup_recovery", "", types.OutcomePending, map[string]string{
		"instance_id":           o.instanceID,
		"pending_health_checks": fmt.Sprintf("%d", len(pendingChecks)),
		"pending_approvals":     fmt.Sprintf("%d", len(pendingApprovals)),
		"stalled_failures":      fmt.Sprintf("%d", len(stalled)),
	})
}

// Process drives one failure from detected to its next resting state. Holds
// the repository lock for the duration so per-repo ordering is preserved.
func (o *Orchestrator) Process(ctx context.Context, f *types.Failure) error {
	lock := o.repoLock(f.Repository)
	lock.Lock()
	defer lock.Unlock()

	if o.registry != nil {
		o.registry.FailuresDetected.Inc()
	}

	c, err := o.breaker.OnFailure(ctx, f.Repository, f.Branch, f.FailureReason)
	if err != nil {
		return fmt.Errorf("circuit bookkeeping failed: %w", err)
	}
	if justOpened(c) {
		if err := o.notifier.CriticalAlert(ctx, "Circuit opened",
			fmt.Sprintf("%s %s: %s", c.Repository, c.Branch, c.ErrorPattern)); err != nil {
			slog.Warn("circuit alert not delivered", "repository", c.Repository, "error", err)
		}
	}
	// An open circuit blocks before any model call is spent.
	if c.State == types.CircuitOpen {
		return o.fail(ctx, f, "circuit_open", "blocked without analysis: circuit is open")
	}

	a, err := o.classifier.Classify(ctx, f)
	if err != nil {
		if failErr := o.fail(ctx, f, "classification_error", err.Error()); failErr != nil {
			return failErr
		}
		return nil
	}
	if err := o.store.StoreAnalysis(ctx, a); err != nil {
		return fmt.Errorf("failed to persist analysis: %w", err)
	}
	if o.registry != nil {
		o.registry.LLMLatency.Observe(float64(a.ResponseLatencyMS))
	}
	if err := o.store.UpdateFailureStatus(ctx, f.FailureID, types.StatusAnalyzed, ""); err != nil {
		return err
	}
	f.Status = types.StatusAnalyzed

	// Developer-class failures route to humans, never to a PR.
	if a.ErrorType == types.ErrorTypeDeveloper {
		return o.escalateToDeveloper(ctx, f, a)
	}

	decision, assessment, err := o.gate.Evaluate(ctx, f, a)
	if err != nil {
		return fmt.Errorf("gate evaluation failed: %w", err)
	}
	if err := o.recordGateDecision(ctx, f, decision, assessment); err != nil {
		return err
	}
	if err := o.store.UpdateFailureStatus(ctx, f.FailureID, types.StatusGated, decision.Reason); err != nil {
		return err
	}
	f.Status = types.StatusGated
	if err := o.notifier.AnalysisComplete(ctx, f, a, decision); err != nil {
		slog.Warn("analysis notification not delivered", "failure_id", f.FailureID, "error", err)
	}

	switch decision.Verdict {
	case types.VerdictBlock:
		o.breaker.ReleaseTrial(f.Repository, f.Branch, f.FailureReason)
		return o.fail(ctx, f, decision.Reason, "blocked by safety gate")

	case types.VerdictRequireApproval:
		return o.executeGated(ctx, f, a, decision)

	case types.VerdictAutoApply, types.VerdictSimulated:
		return o.executeAllowed(ctx, f, a)

	default:
		return fmt.Errorf("unknown gate verdict %q", decision.Verdict)
	}
}

// executeAllowed runs the auto-apply path: PR now, health check now.
func (o *Orchestrator) executeAllowed(ctx context.Context, f *types.Failure, a *types.Analysis) error {
	res, err := o.executor.Execute(ctx, f, a)
	if err != nil {
		o.breaker.ReleaseTrial(f.Repository, f.Branch, f.FailureReason)
		if failErr := o.fail(ctx, f, "execution_error", err.Error()); failErr != nil {
			return failErr
		}
		return nil
	}
	if err := o.store.UpdateFailureStatus(ctx, f.FailureID, types.StatusPROpen, ""); err != nil {
		return err
	}
	f.Status = types.StatusPROpen
	if o.registry != nil {
		o.registry.RemediationsOpened.Inc()
	}
	if _, err := o.executor.ScheduleHealthCheck(ctx, f, res.SnapshotID); err != nil {
		return err
	}
	return nil
}

// executeGated opens the PR but parks it behind an approval checkpoint. The
// health check is armed only once a human approves.
func (o *Orchestrator) executeGated(ctx context.Context, f *types.Failure, a *types.Analysis, decision *types.GateDecision) error {
	res, err := o.executor.Execute(ctx, f, a)
	if err != nil {
		o.breaker.ReleaseTrial(f.Repository, f.Branch, f.FailureReason)
		if failErr := o.fail(ctx, f, "execution_error", err.Error()); failErr != nil {
			return failErr
		}
		return nil
	}
	if _, err := o.approvals.Request(ctx, f, a, res.Branch, decision.Reason); err != nil {
		o.breaker.ReleaseTrial(f.Repository, f.Branch, f.FailureReason)
		return fmt.Errorf("failed to request approval: %w", err)
	}
	// The failure stays gated until the approval sweep resolves it.
	return nil
}

// SweepApprovals polls every pending approval once and advances resolved
// ones. Called periodically and from tests.
func (o *Orchestrator) SweepApprovals(ctx context.Context) error {
	pending, err := o.store.ListPendingApprovals(ctx)
	if err != nil {
		return err
	}
	for _, req := range pending {
		status, err := o.approvals.Poll(ctx, req)
		if err != nil {
			continue
		}
		if status == types.ApprovalPending {
			continue
		}
		if err := o.resolveApproval(ctx, req, status); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) resolveApproval(ctx context.Context, req *types.ApprovalRequest, status types.ApprovalStatus) error {
	f, err := o.store.GetFailure(ctx, req.FailureID)
	if err != nil {
		return err
	}

	switch status {
	case types.ApprovalApproved:
		if err := o.store.UpdateFailureStatus(ctx, f.FailureID, types.StatusPROpen, "approval granted"); err != nil {
			return err
		}
		f.Status = types.StatusPROpen
		if o.registry != nil {
			o.registry.RemediationsOpened.Inc()
		}
		snap, err := o.latestSnapshotFor(ctx, f.FailureID)
		if err != nil {
			return err
		}
		_, err = o.executor.ScheduleHealthCheck(ctx, f, snap)
		return err

	case types.ApprovalRejected, types.ApprovalExpired:
		o.breaker.ReleaseTrial(f.Repository, f.Branch, f.FailureReason)
		if f.PRNumber > 0 {
			_ = o.approvals.ClosePR(ctx, f)
		}
		reason := "approval_rejected"
		if status == types.ApprovalExpired {
			reason = "approval_expired"
			if err := o.notifier.CriticalAlert(ctx, "Approval timed out",
				fmt.Sprintf("%s PR #%d expired unanswered", f.Repository, f.PRNumber)); err != nil {
				slog.Warn("expiry alert not delivered", "failure_id", f.FailureID, "error", err)
			}
		}
		return o.fail(ctx, f, reason, "approval checkpoint did not pass")
	}
	return nil
}

// SweepHealthChecks executes every due health check. Called periodically and
// from tests.
func (o *Orchestrator) SweepHealthChecks(ctx context.Context) error {
	due, err := o.checker.Due(ctx)
	if err != nil {
		return err
	}
	for _, hc := range due {
		passed, err := o.checker.Execute(ctx, hc)
		if err != nil {
			_ = o.audit.RecordError(ctx, audit.ActorAgent, "health_check", hc.RemediationID, err, nil)
			continue
		}
		if o.registry != nil {
			if passed {
				o.registry.RemediationsSucceeded.Inc()
			} else {
				o.registry.Rollbacks.Inc()
			}
		}
		if err := o.recordOutcomeMetric(ctx, hc.RemediationID, passed); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.SweepHealthChecks(ctx); err != nil && !errors.Is(err, context.Canceled) {
				_ = o.audit.RecordError(ctx, audit.ActorSystem, "health_check_sweep", "", err, nil)
			}
			if err := o.SweepApprovals(ctx); err != nil && !errors.Is(err, context.Canceled) {
				_ = o.audit.RecordError(ctx, audit.ActorSystem, "approval_sweep", "", err, nil)
			}
			o.refreshGauges(ctx)
		}
	}
}

// backgroundJobs runs the periodic maintenance work: metric thresholds every
// tick, snapshot cleanup daily, the weekly report on Monday mornings.
func (o *Orchestrator) backgroundJobs(ctx context.Context) error {
	ticker := time.NewTicker(jobInterval)
	defer ticker.Stop()

	var lastCleanup time.Time
	var lastReport time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := o.clock.Now()
			if o.alerter != nil {
				if _, err := o.alerter.Evaluate(ctx); err != nil && !errors.Is(err, context.Canceled) {
					_ = o.audit.RecordError(ctx, audit.ActorSystem, "metric_evaluation", "", err, nil)
				}
			}
			if now.Sub(lastCleanup) >= cleanupInterval {
				if _, err := o.snapshots.Cleanup(ctx); err == nil {
					lastCleanup = now
				}
			}
			if reportDue(now, lastReport) {
				if report, err := metrics.WeeklyReport(ctx, o.store, now); err == nil {
					if err := o.notifier.WeeklyReport(ctx, report); err == nil {
						lastReport = now
					}
				}
			}
		}
	}
}

// reportDue fires once per Monday at or after 09:00 local.
func reportDue(now, last time.Time) bool {
	if now.Weekday() != time.Monday || now.Hour() < 9 {
		return false
	}
	ny, nw := now.ISOWeek()
	ly, lw := last.ISOWeek()
	return last.IsZero() || ny != ly || nw != lw
}

func (o *Orchestrator) refreshGauges(ctx context.Context) {
	if o.registry == nil {
		return
	}
	if open, err := o.store.ListCircuits(ctx, types.CircuitOpen); err == nil {
		o.registry.CircuitsOpen.Set(float64(len(open)))
	}
	if o.memory != nil {
		o.registry.PatternsTotal.Set(float64(o.memory.Statistics().Total))
	}
}

// escalateToDeveloper finishes a developer-class failure: notify, audit,
// terminal state, no PR.
func (o *Orchestrator) escalateToDeveloper(ctx context.Context, f *types.Failure, a *types.Analysis) error {
	o.breaker.ReleaseTrial(f.Repository, f.Branch, f.FailureReason)
	if err := o.notifier.DeveloperEscalation(ctx, f, a); err != nil {
		slog.Warn("escalation notification not delivered", "failure_id", f.FailureID, "error", err)
	}
	if err := o.store.UpdateFailureStatus(ctx, f.FailureID, types.StatusDeveloperNotified, "developer-class failure"); err != nil {
		return err
	}
	f.Status = types.StatusDeveloperNotified
	return o.audit.Record(ctx, audit.ActorAgent, "developer_escalation", f.FailureID, types.OutcomeSuccess, map[string]string{
		"category":   a.Category,
		"confidence": fmt.Sprintf("%d", a.Confidence),
	})
}

// fail moves a failure to the failed terminal state with a stable reason.
func (o *Orchestrator) fail(ctx context.Context, f *types.Failure, reason, detail string) error {
	if err := o.store.UpdateFailureStatus(ctx, f.FailureID, types.StatusFailed, reason); err != nil {
		return err
	}
	f.Status = types.StatusFailed
	f.StatusReason = reason
	return o.audit.Record(ctx, audit.ActorAgent, "remediation_failed", f.FailureID, types.OutcomeFailure, map[string]string{
		"reason": reason,
		"detail": detail,
	})
}

func (o *Orchestrator) recordGateDecision(ctx context.Context, f *types.Failure, d *types.GateDecision, assessment *blast.Assessment) error {
	chosen := fmt.Sprintf("%s (%s)", d.Verdict, d.Reason)
	if d.Reason == "" {
		chosen = string(d.Verdict)
	}
	if assessment != nil {
		chosen += fmt.Sprintf(" blast=%.1f/%s", assessment.Score, assessment.Level)
	}
	record := &types.DecisionRecord{
		FailureID: f.FailureID,
		Kind:      types.DecisionSafetyGate,
		Chosen:    chosen,
		CreatedAt: o.clock.Now(),
	}
	for _, outcome := range d.Outcomes {
		if !outcome.Passed {
			record.Alternatives = append(record.Alternatives, types.Alternative{
				Option:          outcome.Gate,
				RejectionReason: outcome.Reason,
			})
		}
	}
	return o.store.AppendDecision(ctx, record)
}

// recordOutcomeMetric writes the per-failure latency and outcome record.
func (o *Orchestrator) recordOutcomeMetric(ctx context.Context, failureID string, success bool) error {
	f, err := o.store.GetFailure(ctx, failureID)
	if err != nil {
		return err
	}
	a, err := o.store.GetAnalysis(ctx, failureID)
	if err != nil {
		return nil
	}
	now := o.clock.Now()
	if err := o.store.StoreMetric(ctx, &types.RemediationMetric{
		MetricID:          failureID + "-outcome",
		FailureID:         failureID,
		Repository:        f.Repository,
		Category:          a.Category,
		RiskScore:         a.RiskScore,
		AnalysisLatencyMS: a.ResponseLatencyMS,
		TotalLatencyMS:    now.Sub(f.DetectedAt).Milliseconds(),
		Success:           success,
		RecordedAt:        now,
	}); err != nil {
		return err
	}
	// A verified fix confirms the predicted category; a rollback refutes it.
	actual := a.Category
	if !success {
		actual = "remediation_failed"
	}
	return o.classifier.RecordFeedback(ctx, failureID, a.Category, actual)
}

// latestSnapshotFor finds the active snapshot of a remediation.
func (o *Orchestrator) latestSnapshotFor(ctx context.Context, failureID string) (string, error) {
	snap, err := o.store.GetSnapshotByRemediation(ctx, failureID)
	if err != nil {
		return "", fmt.Errorf("no snapshot for remediation %s: %w", failureID, err)
	}
	return snap.SnapshotID, nil
}

func (o *Orchestrator) repoLock(repository string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.repoLocks[repository]
	if !ok {
		lock = &sync.Mutex{}
		o.repoLocks[repository] = lock
	}
	return lock
}

func justOpened(c *types.Circuit) bool {
	if c.State != types.CircuitOpen || len(c.History) == 0 || c.LastFailureAt == nil {
		return false
	}
	last := c.History[len(c.History)-1]
	return last.To == types.CircuitOpen && last.At.Equal(*c.LastFailureAt)
}
