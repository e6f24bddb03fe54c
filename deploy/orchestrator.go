package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/rollout/environment"
	"github.com/GoCodeAlone/rollout/featureflag"
	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/migration"
)

var tracer = otel.Tracer("github.com/GoCodeAlone/rollout/deploy")

const (
	// DefaultDwell is how long each canary step carries traffic before the
	// target is probed again.
	DefaultDwell = 30 * time.Second

	// DefaultStartupWait is how long a freshly started environment gets
	// before its first health probe.
	DefaultStartupWait = 30 * time.Second
)

// Phase is the orchestrator state.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseCanaryStepping    Phase = "canary-stepping"
	PhaseSwitchComplete    Phase = "switch-complete"
	PhaseSwitchFailed      Phase = "switch-failed"
	PhaseEmergencyRollback Phase = "emergency-rollback"
	PhaseDeploying         Phase = "deploying"
)

// TrafficController applies traffic splits. *traffic.Controller satisfies it.
type TrafficController interface {
	SetSplit(ctx context.Context, split environment.Split) error
	Current() environment.Split
}

// HealthChecker probes one environment and records the result.
// *health.Monitor satisfies it.
type HealthChecker interface {
	CheckHealth(ctx context.Context, env environment.Name) bool
}

// Migrator applies pending schema migrations. *migration.Runner satisfies it.
type Migrator interface {
	Migrate(ctx context.Context, targetVersion string) error
}

// MigratorFunc adapts a function to Migrator.
type MigratorFunc func(ctx context.Context, targetVersion string) error

func (f MigratorFunc) Migrate(ctx context.Context, targetVersion string) error {
	return f(ctx, targetVersion)
}

// FlagLookup answers boolean feature flags. *featureflag.Service satisfies it.
type FlagLookup interface {
	Enabled(ctx context.Context, key string) bool
}

// Observer is notified of phase changes and finished operations.
type Observer interface {
	PhaseChanged(p Phase)
	OperationFinished(kind Kind, status string, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) PhaseChanged(Phase)                           {}
func (nopObserver) OperationFinished(Kind, string, time.Duration) {}

// Options configures an Orchestrator. Zero values take the defaults; Dwell,
// StartupWait and Sleep exist for tests.
type Options struct {
	Strategy    SwitchStrategy // default: canary 10/30/50/70/90
	Dwell       time.Duration
	StartupWait time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error

	Process  ProcessController // default: NopProcessController
	Rollback ExternalRollback  // default: LogRollback

	// Migrator, when set, runs before every deploy. With Flags set it only
	// runs while the pre-deploy-migrations flag is on.
	Migrator Migrator
	Flags    FlagLookup

	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Orchestrator runs switches, emergency rollbacks and deploys against the
// shared environment registry. At most one of them is in flight at a time.
type Orchestrator struct {
	registry    *environment.Registry
	traffic     TrafficController
	health      HealthChecker
	strategy    SwitchStrategy
	dwell       time.Duration
	startupWait time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	process     ProcessController
	rollback    ExternalRollback
	migrator    Migrator
	flags       FlagLookup
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	busy  bool
	phase Phase
	last  *Result
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(registry *environment.Registry, traffic TrafficController, health HealthChecker, opts Options) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		traffic:     traffic,
		health:      health,
		strategy:    opts.Strategy,
		dwell:       opts.Dwell,
		startupWait: opts.StartupWait,
		sleep:       opts.Sleep,
		process:     opts.Process,
		rollback:    opts.Rollback,
		migrator:    opts.Migrator,
		flags:       opts.Flags,
		observer:    opts.Observer,
		logger:      opts.Logger,
		now:         opts.Now,
		phase:       PhaseIdle,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.strategy == nil {
		o.strategy = NewCanaryStrategy()
	}
	if o.dwell <= 0 {
		o.dwell = DefaultDwell
	}
	if o.startupWait <= 0 {
		o.startupWait = DefaultStartupWait
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	if o.process == nil {
		o.process = NopProcessController{Logger: o.logger}
	}
	if o.rollback == nil {
		o.rollback = LogRollback{Logger: o.logger}
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// PerformSwitch moves all traffic to target with the default strategy. An
// empty target means the inactive environment.
func (o *Orchestrator) PerformSwitch(ctx context.Context, target environment.Name) (*Result, error) {
	return o.PerformSwitchWith(ctx, target, nil)
}

// PerformSwitchWith is PerformSwitch with an explicit strategy; nil selects
// the default. The target must be healthy before any traffic moves. If it
// turns unhealthy at a canary step, traffic is put back on the last split
// that was confirmed healthy and a *SwitchError is returned.
func (o *Orchestrator) PerformSwitchWith(ctx context.Context, target environment.Name, strategy SwitchStrategy) (res *Result, err error) {
	if strategy == nil {
		strategy = o.strategy
	}
	if err := o.begin(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "deploy.switch",
		trace.WithAttributes(attribute.String("deploy.strategy", strategy.Name())))
	res = o.newResult(KindSwitch)
	res.Strategy = strategy.Name()
	defer func() {
		o.release(res, err)
		endSpan(span, err)
	}()

	active := o.registry.Active()
	if target == "" {
		target = active.Other()
	}
	if _, err := environment.ParseName(string(target)); err != nil {
		return res, err
	}
	res.Environment = target
	span.SetAttributes(attribute.String("deploy.target", string(target)))

	if target == active {
		return res, fmt.Errorf("%w: %s", ErrAlreadyActive, target)
	}
	if !o.health.CheckHealth(ctx, target) {
		o.setPhase(PhaseSwitchFailed)
		o.logger.Warn("switch aborted, target unhealthy", "target", target)
		return res, fmt.Errorf("%w: %s", ErrTargetUnhealthy, target)
	}

	o.setPhase(PhaseCanaryStepping)
	o.logger.Info("switch starting", "target", target, "strategy", strategy.Name(), "from", res.From)
	if err := o.shift(ctx, res, target, strategy.Steps(target)); err != nil {
		o.setPhase(PhaseSwitchFailed)
		o.logger.Error("switch failed", "target", target, "error", err)
		return res, err
	}
	o.setPhase(PhaseSwitchComplete)
	res.Message = fmt.Sprintf("%s is now active", target)
	o.logger.Info("switch complete", "active", target)
	return res, nil
}

// EmergencyRollback moves all traffic to the inactive environment at once if
// it is healthy. Otherwise it calls the external rollback and leaves traffic
// alone; the returned error then matches ErrBothUnhealthy.
func (o *Orchestrator) EmergencyRollback(ctx context.Context) (res *Result, err error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "deploy.emergency_rollback")
	res = o.newResult(KindEmergencyRollback)
	res.Strategy = NewBlueGreenStrategy().Name()
	defer func() {
		o.release(res, err)
		endSpan(span, err)
	}()

	o.setPhase(PhaseEmergencyRollback)
	active := o.registry.Active()
	standby := active.Other()
	res.Environment = standby
	o.logger.Warn("emergency rollback", "active", active, "standby", standby)

	if o.health.CheckHealth(ctx, standby) {
		if err := o.shift(ctx, res, standby, nil); err != nil {
			o.setPhase(PhaseSwitchFailed)
			o.logger.Error("emergency rollback failed", "standby", standby, "error", err)
			return res, err
		}
		o.setPhase(PhaseSwitchComplete)
		res.Message = fmt.Sprintf("rolled back to %s", standby)
		o.logger.Info("emergency rollback complete", "active", standby)
		return res, nil
	}

	reason := fmt.Sprintf("active environment %s and standby %s are both unhealthy", active, standby)
	o.logger.Error("escalating to external rollback", "reason", reason)
	err = ErrBothUnhealthy
	if trigErr := o.rollback.TriggerExternalRollback(ctx, reason); trigErr != nil {
		err = errors.Join(ErrBothUnhealthy, fmt.Errorf("trigger external rollback: %w", trigErr))
	}
	o.setPhase(PhaseSwitchFailed)
	res.Status = StatusEscalated
	res.Message = reason
	return res, err
}

// Deploy replaces the processes of the inactive environment env with
// version and records it once the environment passes a health probe.
// Traffic is not changed.
func (o *Orchestrator) Deploy(ctx context.Context, env environment.Name, version, image string) (res *Result, err error) {
	if _, err := environment.ParseName(string(env)); err != nil {
		return nil, err
	}
	if version == "" {
		return nil, errors.New("deploy: version is required")
	}
	if err := o.begin(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "deploy.deploy", trace.WithAttributes(
		attribute.String("deploy.environment", string(env)),
		attribute.String("deploy.version", version)))
	res = o.newResult(KindDeploy)
	res.Environment = env
	res.Version = version
	defer func() {
		o.release(res, err)
		endSpan(span, err)
	}()

	if env == o.registry.Active() {
		return res, fmt.Errorf("%w: %s", ErrDeployToActive, env)
	}

	previous := o.Phase()
	o.setPhase(PhaseDeploying)
	defer o.setPhase(previous)

	if err := o.migrate(ctx); err != nil {
		return res, err
	}

	o.logger.Info("deploying", "env", env, "version", version, "image", image)
	if err := o.process.Stop(ctx, env); err != nil {
		return res, fmt.Errorf("stop %s: %w", env, err)
	}
	if err := o.process.Start(ctx, env, version, image); err != nil {
		return res, fmt.Errorf("start %s: %w", env, err)
	}

	o.logger.Info("waiting for startup", "env", env, "wait", o.startupWait)
	if err := o.sleep(ctx, o.startupWait); err != nil {
		return res, fmt.Errorf("wait for %s startup: %w", env, err)
	}
	if !o.health.CheckHealth(ctx, env) {
		return res, fmt.Errorf("%w: %s after deploying %s", ErrTargetUnhealthy, env, version)
	}
	if err := o.registry.SetDeployed(ctx, env, version, o.now()); err != nil {
		return res, err
	}
	res.Message = fmt.Sprintf("deployed %s to %s", version, env)
	o.logger.Info("deploy complete", "env", env, "version", version)
	return res, nil
}

// HandleUnhealthy reacts to a health.Event from the monitor. When the
// auto-emergency-rollback flag is on it runs EmergencyRollback; otherwise
// it only logs.
func (o *Orchestrator) HandleUnhealthy(ctx context.Context, ev health.Event) {
	if ev.Environment != o.registry.Active() {
		return
	}
	if o.flags == nil || !o.flags.Enabled(ctx, featureflag.AutoEmergencyRollback) {
		o.logger.Warn("active environment unhealthy, automatic rollback disabled",
			"env", ev.Environment, "error", ev.Err)
		return
	}

	o.logger.Warn("active environment unhealthy, starting emergency rollback",
		"env", ev.Environment, "error", ev.Err)
	if _, err := o.EmergencyRollback(ctx); err != nil {
		if errors.Is(err, ErrSwitchInProgress) {
			o.logger.Info("emergency rollback skipped, another operation is in flight")
			return
		}
		o.logger.Error("automatic emergency rollback failed", "error", err)
	}
}

// SetSplit applies a manual split, refusing while a switch is running.
func (o *Orchestrator) SetSplit(ctx context.Context, split environment.Split) error {
	if err := o.begin(); err != nil {
		return err
	}
	defer o.unlock()
	return o.traffic.SetSplit(ctx, split)
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Split returns the committed traffic split.
func (o *Orchestrator) Split() environment.Split { return o.traffic.Current() }

// LastResult returns a copy of the most recent finished operation, or nil.
func (o *Orchestrator) LastResult() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return nil
	}
	cp := *o.last
	cp.Steps = append([]StepResult(nil), o.last.Steps...)
	return &cp
}

// Report is a point-in-time view of the orchestrator.
type Report struct {
	Phase        Phase                `json:"phase"`
	InProgress   bool                 `json:"in_progress"`
	Active       environment.Name     `json:"active"`
	Split        environment.Split    `json:"split"`
	Environments []environment.Status `json:"environments"`
	LastResult   *Result              `json:"last_result,omitempty"`
}

// Snapshot returns the current Report.
func (o *Orchestrator) Snapshot() Report {
	st := o.registry.Snapshot()
	o.mu.Lock()
	phase, busy := o.phase, o.busy
	o.mu.Unlock()

	envs := make([]environment.Status, 0, len(environment.Names))
	for _, n := range environment.Names {
		envs = append(envs, *st.Environments[n])
	}
	return Report{
		Phase:        phase,
		InProgress:   busy,
		Active:       st.ActiveEnvironment,
		Split:        o.traffic.Current(),
		Environments: envs,
		LastResult:   o.LastResult(),
	}
}

// shift walks steps and then sends all traffic to target and activates it.
func (o *Orchestrator) shift(ctx context.Context, res *Result, target environment.Name, steps []environment.Split) error {
	confirmed := o.traffic.Current()
	for i, step := range steps {
		o.logger.Info("applying canary step", "target", target, "step", i+1, "of", len(steps), "split", step)
		if err := o.traffic.SetSplit(ctx, step); err != nil {
			// A failed apply leaves the previous split in place.
			return &SwitchError{Target: target, Step: i + 1, Attempted: step, LastConfirmed: confirmed, Err: err}
		}

		healthy := false
		waitErr := o.sleep(ctx, o.dwell)
		if waitErr == nil {
			healthy = o.health.CheckHealth(ctx, target)
		}
		res.Steps = append(res.Steps, StepResult{Split: step, Healthy: healthy, AppliedAt: o.now()})
		if healthy {
			confirmed = step
			continue
		}

		cause := waitErr
		if cause == nil {
			cause = ErrTargetUnhealthy
		}
		o.logger.Warn("canary step failed, restoring last confirmed split",
			"target", target, "split", step, "restore", confirmed, "error", cause)
		if err := o.traffic.SetSplit(context.WithoutCancel(ctx), confirmed); err != nil {
			cause = errors.Join(cause, fmt.Errorf("restore %s: %w", confirmed, err))
		}
		return &SwitchError{Target: target, Step: i + 1, Attempted: step, LastConfirmed: confirmed, Err: cause}
	}

	final := environment.All(target)
	if err := o.traffic.SetSplit(ctx, final); err != nil {
		return &SwitchError{Target: target, Step: len(steps) + 1, Attempted: final, LastConfirmed: confirmed, Err: err}
	}
	if err := o.registry.Activate(ctx, target); err != nil {
		return fmt.Errorf("activate %s: %w", target, err)
	}
	return nil
}

func (o *Orchestrator) migrate(ctx context.Context) error {
	if o.migrator == nil {
		return nil
	}
	if o.flags != nil && !o.flags.Enabled(ctx, featureflag.PreDeployMigrations) {
		o.logger.Info("pre-deploy migrations disabled by flag")
		return nil
	}
	err := o.migrator.Migrate(ctx, "")
	if errors.Is(err, migration.ErrLockNotAcquired) {
		o.logger.Info("migrations are running elsewhere, continuing deploy")
		return nil
	}
	if err != nil {
		return fmt.Errorf("pre-deploy migrations: %w", err)
	}
	return nil
}

func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return ErrSwitchInProgress
	}
	o.busy = true
	return nil
}

func (o *Orchestrator) unlock() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	changed := o.phase != p
	o.phase = p
	o.mu.Unlock()
	if changed {
		o.observer.PhaseChanged(p)
	}
}

func (o *Orchestrator) newResult(kind Kind) *Result {
	return &Result{
		ID:        uuid.NewString(),
		Kind:      kind,
		From:      o.traffic.Current(),
		StartedAt: o.now(),
	}
}

// release completes res and frees the orchestrator.
func (o *Orchestrator) release(res *Result, err error) {
	res.CompletedAt = o.now()
	res.To = o.traffic.Current()
	if res.Status == "" {
		res.Status = StatusSuccess
		if err != nil {
			res.Status = StatusFailed
			res.Message = err.Error()
		}
	}

	o.mu.Lock()
	o.busy = false
	o.last = res
	o.mu.Unlock()
	o.observer.OperationFinished(res.Kind, res.Status, res.CompletedAt.Sub(res.StartedAt))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
