package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/logger"
)

// ConfirmationToken must be passed to Destroy for any destructive run.
const ConfirmationToken = "destroy-bootstrap-resources"

// Orchestrator bootstraps and tears down environments.
type Orchestrator struct {
	settings    Settings
	registry    *AccountRegistry
	planes      PlaneFactory
	prober      *Prober
	locker      Locker
	guards      []Guard
	retry       *retrier
	policy      RetryPolicy
	sleep       sleepFunc
	clock       Clock
	newRunID    func() string
	store       *ManifestStore
	parallelism int
	l           *logger.Logger
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithLocker sets the advisory bootstrap lock.
func WithLocker(l Locker) Option {
	return func(o *Orchestrator) {
		o.locker = l
	}
}

// WithGuards adds trust-policy guards evaluated after the built-in guard.
func WithGuards(g ...Guard) Option {
	return func(o *Orchestrator) {
		o.guards = append(o.guards, g...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *Orchestrator) {
		o.l = l
	}
}

// WithRetryPolicy sets the retry bounds of control-plane calls.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithSleep replaces the backoff sleep. Tests use it to avoid real delays.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = f
	}
}

// WithClock sets the clock used for manifest timestamps.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithRunIDs sets the run identifier generator.
func WithRunIDs(f func() string) Option {
	return func(o *Orchestrator) {
		o.newRunID = f
	}
}

// WithManifestStore persists every generated manifest.
func WithManifestStore(s *ManifestStore) Option {
	return func(o *Orchestrator) {
		o.store = s
	}
}

// WithParallelism bounds how many environments BootstrapAll runs at once.
func WithParallelism(n int) Option {
	return func(o *Orchestrator) {
		o.parallelism = n
	}
}

// New creates an Orchestrator. Settings and every registered environment are
// validated before any control-plane client is built.
func New(settings Settings, registry *AccountRegistry, planes PlaneFactory, opts ...Option) (*Orchestrator, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	for _, name := range registry.Names() {
		env, _ := registry.Lookup(name)
		if err := settings.ValidateEnvironment(env); err != nil {
			return nil, err
		}
	}
	if settings.KeyDeletionWindowDays == 0 {
		settings.KeyDeletionWindowDays = 30
	}

	o := &Orchestrator{
		settings:    settings,
		registry:    registry,
		planes:      planes,
		locker:      nopLocker{},
		guards:      []Guard{BuiltinGuard{}},
		policy:      DefaultRetryPolicy,
		clock:       systemClock{},
		newRunID:    func() string { return uuid.New().String() },
		parallelism: 4,
		l:           logger.DefaultLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.retry = newRetrier(o.policy, o.sleep, o.l)
	o.prober = &Prober{settings: settings, retry: o.retry, l: o.l}
	return o, nil
}

// Prober returns the orchestrator's prober.
func (o *Orchestrator) Prober() *Prober { return o.prober }

// Settings returns the validated settings.
func (o *Orchestrator) Settings() Settings { return o.settings }

// Status returns the recorded status of an environment.
func (o *Orchestrator) Status(name string) EnvironmentStatus { return o.registry.Status(name) }

type nopLocker struct{}

func (nopLocker) Acquire(context.Context, LockRequest) (Lease, error) { return nil, nil }

type runIDKey struct{}

func withRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

func runIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// creationTags are the tags applied to resources created by this run.
func (o *Orchestrator) creationTags(ctx context.Context, base Tags) Tags {
	tags := base.merged(nil)
	if id := runIDFrom(ctx); id != "" {
		tags[TagRunID] = id
	}
	return tags
}

func (o *Orchestrator) envLogger(env Environment, runID string) *logger.Logger {
	return o.l.With(
		slog.String("environment", env.Name),
		slog.String("account_id", env.AccountID),
		slog.String("region", env.Region),
		slog.String("run_id", runID),
	)
}

// plane builds the control plane of env and checks that its credentials
// belong to env's account before anything else happens.
func (o *Orchestrator) plane(ctx context.Context, env Environment) (ControlPlane, error) {
	plane, err := o.planes.ForTarget(ctx, env.Target())
	if err != nil {
		return nil, err
	}
	account, err := retryValue(ctx, o.retry, "sts:GetCallerIdentity", plane.CallerAccount)
	if err != nil {
		return nil, err
	}
	if account != env.AccountID {
		return nil, Errorf(KindAccessDenied,
			"credentials resolve to account %s but environment %s is bound to account %s", account, env.Name, env.AccountID).
			WithAction("sts:GetCallerIdentity").WithRetrySafe(true)
	}
	return plane, nil
}

func (o *Orchestrator) acquire(ctx context.Context, env Environment, runID, operation string, l *logger.Logger) (Lease, error) {
	lease, err := o.locker.Acquire(ctx, LockRequest{
		Environment: env.Name,
		AccountID:   env.AccountID,
		RunID:       runID,
		Operation:   operation,
	})
	switch {
	case err == nil:
		return lease, nil
	case IsKind(err, KindLocked):
		return nil, err
	case isContextError(err):
		return nil, cancelled(err)
	default:
		// The lock is advisory; probing before every create is what keeps
		// concurrent runs safe.
		l.Warn("advisory lock unavailable, continuing without it", slog.Any("error", err))
		return nil, nil
	}
}

func (o *Orchestrator) release(lease Lease, l *logger.Logger) {
	if lease == nil {
		return
	}
	if err := lease.Release(context.Background()); err != nil {
		l.Warn("failed to release advisory lock", slog.Any("error", err))
	}
}

// BootstrapOptions controls a bootstrap run.
type BootstrapOptions struct {
	// RotateExternalToken allows replacing the external token on existing roles.
	RotateExternalToken bool
}

// BootstrapResult is the outcome of a successful bootstrap.
type BootstrapResult struct {
	Environment Environment `json:"environment"`
	RunID       string      `json:"run_id"`
	Provider    ProviderRef `json:"provider"`
	Roles       []RoleRef   `json:"roles"`
	Backend     BackendRef  `json:"backend"`
	Manifest    *Manifest   `json:"manifest"`
}

// Bootstrap provisions env: trust provider, then role chain, then backend.
// It is idempotent; a run against a fully bootstrapped environment only
// corrects drift.
func (o *Orchestrator) Bootstrap(ctx context.Context, name string, opts BootstrapOptions) (*BootstrapResult, error) {
	env, err := o.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	runID := o.newRunID()
	l := o.envLogger(env, runID)
	ctx = withRunID(ctx, runID)

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	lease, err := o.acquire(ctx, env, runID, "bootstrap", l)
	if err != nil {
		return nil, err
	}
	defer o.release(lease, l)

	plane, err := o.plane(ctx, env)
	if err != nil {
		return nil, err
	}

	l.Info("bootstrap started", slog.String("trust_model", string(o.settings.TrustModel)))
	restore := o.transition(env.Name, StatusBootstrapping)
	defer func() { restore() }()

	provider, err := o.EnsureTrustProvider(ctx, plane, env)
	if err != nil {
		return nil, err
	}
	roles, err := o.ensureRoleChain(ctx, plane, env, provider, opts)
	if err != nil {
		return nil, err
	}
	backend, err := o.EnsureBackend(ctx, plane, env)
	if err != nil {
		return nil, err
	}
	o.registry.SetStatus(env.Name, StatusReady)
	env.Status = StatusReady
	restore = func() {}

	manifest, err := o.report(ctx, plane, env)
	if err != nil {
		return nil, err
	}
	l.Info("bootstrap complete",
		slog.String("bucket", backend.Bucket),
		slog.Int("roles", len(roles)))
	return &BootstrapResult{
		Environment: env,
		RunID:       runID,
		Provider:    provider,
		Roles:       roles,
		Backend:     backend,
		Manifest:    manifest,
	}, nil
}

// transition moves name to a transient status. The returned func puts back
// the status recorded before it.
func (o *Orchestrator) transition(name string, status EnvironmentStatus) func() {
	prev := o.registry.Status(name)
	o.registry.SetStatus(name, status)
	return func() { o.registry.SetStatus(name, prev) }
}

// EnvironmentResult is the per-environment outcome of BootstrapAll.
type EnvironmentResult struct {
	Environment string
	Result      *BootstrapResult
	Err         error
}

// BootstrapAll bootstraps environments in parallel. Environments do not share
// cancellation: one environment failing, or panicking, does not stop the
// others.
func (o *Orchestrator) BootstrapAll(ctx context.Context, names []string, opts BootstrapOptions) []EnvironmentResult {
	results := make([]EnvironmentResult, len(names))
	var g errgroup.Group
	if o.parallelism > 0 {
		g.SetLimit(o.parallelism)
	}
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = o.bootstrapIsolated(ctx, name, opts)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) bootstrapIsolated(ctx context.Context, name string, opts BootstrapOptions) (res EnvironmentResult) {
	res.Environment = name
	defer func() {
		if r := recover(); r != nil {
			o.l.Error("bootstrap panicked",
				slog.String("environment", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			res.Result = nil
			res.Err = Errorf(KindInternal, "bootstrap of %s panicked: %v", name, r)
		}
	}()
	res.Result, res.Err = o.Bootstrap(ctx, name, opts)
	return res
}

// DestroyOptions controls a teardown.
type DestroyOptions struct {
	// Force allows purging buckets that still hold objects.
	Force bool
	// DryRun only enumerates what would be deleted.
	DryRun bool
	// Confirmation must equal ConfirmationToken unless DryRun is set.
	Confirmation string
}

// TeardownReport lists what a teardown did, or would do in a dry run.
type TeardownReport struct {
	Environment string            `json:"environment"`
	RunID       string            `json:"run_id"`
	DryRun      bool              `json:"dry_run"`
	Plan        *Plan             `json:"plan,omitempty"`
	Outcomes    []ResourceOutcome `json:"outcomes,omitempty"`
}

// Destroy tears env down by walking the reverse dependency graph. It returns a
// *TeardownError when any resource is not Absent afterwards.
func (o *Orchestrator) Destroy(ctx context.Context, name string, opts DestroyOptions) (*TeardownReport, error) {
	env, err := o.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !opts.DryRun && opts.Confirmation != ConfirmationToken {
		return nil, ErrValidation(fmt.Sprintf("destroy requires the confirmation token %q", ConfirmationToken)).
			WithRetrySafe(true)
	}
	runID := o.newRunID()
	l := o.envLogger(env, runID)
	ctx = withRunID(ctx, runID)

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	if !opts.DryRun {
		lease, err := o.acquire(ctx, env, runID, "destroy", l)
		if err != nil {
			return nil, err
		}
		defer o.release(lease, l)
	}

	plane, err := o.plane(ctx, env)
	if err != nil {
		return nil, err
	}

	t := &teardown{o: o, plane: plane, env: env, force: opts.Force, l: l}
	plan, err := t.plan(ctx)
	if err != nil {
		return nil, err
	}
	report := &TeardownReport{Environment: env.Name, RunID: runID, DryRun: opts.DryRun, Plan: plan.public(env.Name)}
	if opts.DryRun {
		l.Info("teardown dry run", slog.Int("actions", len(plan.nodes)))
		return report, nil
	}

	l.Info("teardown started", slog.Bool("force", opts.Force))
	restore := o.transition(env.Name, StatusTearingDown)
	defer func() { restore() }()
	report.Outcomes = t.execute(ctx, plan)

	if terr := teardownFailure(env.Name, report.Outcomes); terr != nil {
		l.Error("teardown incomplete", slog.Any("error", terr))
		return report, terr
	}
	o.registry.SetStatus(env.Name, StatusUnbootstrapped)
	restore = func() {}
	l.Info("teardown complete")
	if o.store != nil {
		if _, err := o.report(ctx, plane, env); err != nil {
			l.Warn("failed to write post-teardown manifest", slog.Any("error", err))
		}
	}
	return report, nil
}

// Report regenerates the manifest of env from live probes.
func (o *Orchestrator) Report(ctx context.Context, name string) (*Manifest, error) {
	env, err := o.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	plane, err := o.plane(ctx, env)
	if err != nil {
		return nil, err
	}
	return o.report(ctx, plane, env)
}

func (o *Orchestrator) report(ctx context.Context, plane ControlPlane, env Environment) (*Manifest, error) {
	snap, err := o.Snapshot(ctx, plane, env)
	if err != nil {
		return nil, err
	}
	env.Status = snap.observedStatus(o.registry.Status(env.Name))
	m := Project(env, o.settings, snap, o.clock.Now())
	if o.store != nil {
		if err := o.store.Write(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}
