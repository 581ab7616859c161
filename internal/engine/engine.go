// Package engine wires the components together and runs the control loops.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/policygate/policygate/internal/approval"
	"github.com/policygate/policygate/internal/classifier"
	"github.com/policygate/policygate/internal/config"
	"github.com/policygate/policygate/internal/fixer"
	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/lock"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/netutil"
	"github.com/policygate/policygate/internal/normalizer"
	"github.com/policygate/policygate/internal/notify"
	"github.com/policygate/policygate/internal/observability/logging"
	otelobs "github.com/policygate/policygate/internal/observability/otel"
	"github.com/policygate/policygate/internal/rollout"
	"github.com/policygate/policygate/internal/router"
	"github.com/policygate/policygate/internal/runner"
	"github.com/policygate/policygate/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const component = "engine"

// Engine owns every component. Construct with New, call Start once, then
// Run the loops.
type Engine struct {
	cfg *config.Config

	Store      *store.Store
	Ledger     *ledger.Ledger
	Classifier *classifier.Classifier
	Normalizer *normalizer.Normalizer
	Applier    *router.Applier
	Machine    *approval.Machine
	Router     *router.Router
	Rollouts   *rollout.Controller

	evaluators map[models.Source]normalizer.Evaluator
	locks      *lock.Manager
}

type options struct {
	fixer    fixer.Fixer
	notifier notify.Notifier
	now      func() time.Time
	runner   runner.CommandRunner
}

// Option overrides a collaborator, mostly for tests
type Option func(*options)

// WithFixer replaces the configured fixer command
func WithFixer(f fixer.Fixer) Option {
	return func(o *options) { o.fixer = f }
}

// WithNotifier replaces the configured notifier
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithClock overrides time.Now in every component
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRunner replaces the process runner for evaluators and the fixer
func WithRunner(r runner.CommandRunner) Option {
	return func(o *options) { o.runner = r }
}

// ErrNoFixer is returned by fix attempts when no fixer is configured
var ErrNoFixer = errors.New("no fixer command configured")

func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Engine, err error) {
	o := options{now: time.Now, runner: &runner.DefaultRunner{}}
	for _, opt := range opts {
		opt(&o)
	}
	log := logging.From(ctx)

	storeCfg := store.DefaultConfig(cfg.DataDir)
	if cfg.InMemory {
		storeCfg = store.InMemoryConfig()
	}
	st, err := store.Open(storeCfg, log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	l, err := ledger.Open(ctx, st, ledger.WithClock(o.now))
	if err != nil {
		return nil, err
	}

	table, err := classifier.Load(cfg.Classifier.TablePath, cfg.Classifier.Preset)
	if err != nil {
		return nil, fmt.Errorf("decision table: %w", err)
	}

	if o.fixer == nil {
		o.fixer = commandFixer(cfg.Fixer, o.runner)
	}
	if o.notifier == nil {
		o.notifier = notifierFor(cfg.Notify)
	}

	locks := lock.NewManager()
	applier := router.NewApplier(o.fixer, l,
		router.WithRateLimit(cfg.Fixer.RateLimit, cfg.Fixer.Burst),
		router.WithRetryBackoff(cfg.Fixer.RetryBackoff),
	)
	machine := approval.New(st, l, applier,
		approval.WithClock(o.now),
		approval.WithLocks(locks),
		approval.WithNotifier(o.notifier),
		approval.WithConfig(cfg.Approval),
	)
	cls := classifier.New(table)

	e := &Engine{
		cfg:        cfg,
		Store:      st,
		Ledger:     l,
		Classifier: cls,
		Normalizer: normalizer.New(st, l, cfg.Normalizer.Options(), normalizer.WithClock(o.now), normalizer.WithLocks(locks)),
		Applier:    applier,
		Machine:    machine,
		Router:     router.New(cls, machine, applier, l, router.WithNotifier(o.notifier), router.WithWorkers(cfg.Router.Workers)),
		Rollouts: rollout.New(st, l,
			rollout.WithClock(o.now),
			rollout.WithNotifier(o.notifier),
			rollout.WithDefaultRule(cfg.Rollout.Defaults),
		),
		evaluators: map[models.Source]normalizer.Evaluator{},
		locks:      locks,
	}
	for source, c := range map[models.Source]config.CommandConfig{
		models.SourceCIPlan:           cfg.Evaluators.CI,
		models.SourceClusterAdmission: cfg.Evaluators.Cluster,
	} {
		if c.Command == "" {
			continue
		}
		argv, err := runner.ParseCommand(c.Command)
		if err != nil {
			return nil, fmt.Errorf("%s evaluator: %w", source, err)
		}
		e.evaluators[source] = &normalizer.CommandEvaluator{
			Runner:  o.runner,
			Argv:    argv,
			Timeout: c.Timeout,
			Backoff: cfg.Evaluators.Backoff,
		}
	}
	return e, nil
}

func commandFixer(cfg config.FixerConfig, r runner.CommandRunner) fixer.Fixer {
	if cfg.Command == "" {
		return fixer.Func(func(context.Context, fixer.Request) (*fixer.Result, error) {
			return nil, ErrNoFixer
		})
	}
	argv, err := runner.ParseCommand(cfg.Command)
	if err != nil {
		return fixer.Func(func(context.Context, fixer.Request) (*fixer.Result, error) {
			return nil, fmt.Errorf("fixer command: %w", err)
		})
	}
	return &fixer.CommandFixer{Runner: r, Argv: argv, Timeout: cfg.Timeout}
}

func notifierFor(cfg config.NotifyConfig) notify.Notifier {
	if cfg.Webhook == "" {
		return notify.LogNotifier{}
	}
	return notify.Multi{
		notify.LogNotifier{},
		&notify.WebhookNotifier{
			URL:     cfg.Webhook,
			Headers: cfg.Headers,
			Client:  netutil.NewClient(cfg.Client()),
		},
	}
}

// Start restores state left by a previous process
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Ledger.Verify(ctx); err != nil {
		return fmt.Errorf("activity ledger: %w", err)
	}
	if err := e.Rollouts.Load(ctx); err != nil {
		return err
	}
	return e.Machine.Recover(ctx)
}

// Run blocks running the expiry sweep, rollout evaluation and decision
// table reload until ctx is done or a loop fails
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Machine.Run(gctx) })
	g.Go(func() error { return e.Rollouts.Run(gctx, e.cfg.Rollout.EvaluationInterval) })
	if e.cfg.Classifier.Watch && e.cfg.Classifier.TablePath != "" {
		g.Go(func() error {
			return e.Classifier.Watch(gctx, e.cfg.Classifier.TablePath, e.cfg.Classifier.Debounce)
		})
	}
	err := g.Wait()
	e.Machine.Wait()
	return err
}

// Close waits for running executions and closes the store
func (e *Engine) Close() error {
	e.Machine.Wait()
	return e.Store.Close()
}

// Report is the outcome of one ingested batch
type Report struct {
	Source   models.Source    `json:"source"`
	Target   string           `json:"target"`
	New      int              `json:"new"`
	Seen     int              `json:"seen"`
	Reopened int              `json:"reopened"`
	Resolved int              `json:"resolved"`
	Routed   []router.Outcome `json:"routed"`
	Rollouts []rollout.Change `json:"rollouts,omitempty"`
}

// Ingest normalizes a raw batch, routes what needs a decision and feeds
// the new counts to the rollout controller. Ingests of one source+target
// run one at a time from normalization through routing, so a violation is
// never routed twice.
func (e *Engine) Ingest(ctx context.Context, source models.Source, target string, raw []byte) (_ *Report, err error) {
	ctx, finish := otelobs.Start(ctx, "policygate.ingest",
		attribute.String("policygate.source", string(source)),
		attribute.String("policygate.target", target),
	)
	defer finish(&err)

	if !source.Valid() {
		return nil, fmt.Errorf("unknown source %q", source)
	}
	owner := "ingest-" + uuid.NewString()
	release, err := e.locks.Acquire(ctx, owner, normalizer.ScanKey(source, target))
	if err != nil {
		return nil, fmt.Errorf("ingest %s %q: %w", source, target, err)
	}
	defer release()
	ctx = lock.WithOwner(ctx, owner)

	var res *normalizer.Result
	switch source {
	case models.SourceCIPlan:
		res, err = e.Normalizer.IngestCI(ctx, target, raw)
	case models.SourceClusterAdmission:
		res, err = e.Normalizer.IngestCluster(ctx, target, raw)
	default:
		return nil, fmt.Errorf("unknown source %q", source)
	}
	if err != nil {
		return nil, err
	}

	toRoute, err := e.unrouted(ctx, res)
	if err != nil {
		return nil, err
	}
	outcomes, err := e.Router.Route(ctx, toRoute)
	if err != nil {
		return nil, err
	}
	changes, err := e.Rollouts.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	return &Report{
		Source:   res.Source,
		Target:   res.Target,
		New:      len(res.New),
		Seen:     len(res.Seen),
		Reopened: len(res.Reopened),
		Resolved: len(res.Resolved),
		Routed:   outcomes,
		Rollouts: changes,
	}, nil
}

// unrouted is every new or reopened violation, plus re-observed ones that
// never got a proposal (a crash between ingest and routing)
func (e *Engine) unrouted(ctx context.Context, res *normalizer.Result) ([]*models.Violation, error) {
	out := res.Routable()
	for _, v := range res.Seen {
		ps, err := e.Store.ListProposals(ctx, store.ProposalFilter{ViolationID: v.ID})
		if err != nil {
			return nil, err
		}
		if len(ps) == 0 {
			out = append(out, v)
		}
	}
	return out, nil
}

// Scan runs the configured evaluator for source and ingests its output
func (e *Engine) Scan(ctx context.Context, source models.Source, target string) (*Report, error) {
	ev, ok := e.evaluators[source]
	if !ok {
		return nil, fmt.Errorf("no %s evaluator configured", source)
	}
	if target == "" {
		target = e.defaultTarget(source)
	}
	raw, err := ev.Evaluate(ctx)
	if err != nil {
		// A failed evaluator is never a clean scan
		logging.From(ctx).Error(component, "evaluator failed", "source", source, "target", target, "error", err)
		return nil, err
	}
	return e.Ingest(ctx, source, target, raw)
}

func (e *Engine) defaultTarget(source models.Source) string {
	var t string
	switch source {
	case models.SourceCIPlan:
		t = e.cfg.Evaluators.CI.Target
	case models.SourceClusterAdmission:
		t = e.cfg.Evaluators.Cluster.Target
	}
	if strings.TrimSpace(t) == "" {
		return string(source)
	}
	return t
}
