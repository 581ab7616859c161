package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/notify"
	"github.com/policygate/policygate/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

type harness struct {
	c        *Controller
	store    *store.Store
	ledger   *ledger.Ledger
	clock    *fakeClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig(), nil)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	clock := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	l, err := ledger.Open(context.Background(), st, ledger.WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	n := &recordingNotifier{}
	return &harness{
		c:        New(st, l, WithClock(clock.Now), WithNotifier(n)),
		store:    st,
		ledger:   l,
		clock:    clock,
		notifier: n,
	}
}

// open stores n open violations of policy in env
func (h *harness) open(t *testing.T, policy string, env models.Environment, from, n int) {
	t.Helper()
	var vs []*models.Violation
	for i := from; i < from+n; i++ {
		vs = append(vs, &models.Violation{
			ID:          fmt.Sprintf("%s-%s-%d", policy, env, i),
			Source:      models.SourceClusterAdmission,
			Target:      "cluster",
			RuleID:      policy,
			Severity:    models.SeverityMedium,
			Environment: env,
			Resource:    models.ResourceRef{Kind: "Pod", Namespace: string(env), Name: fmt.Sprint(i)},
		})
	}
	if err := h.store.PutViolations(context.Background(), vs); err != nil {
		t.Fatal(err)
	}
}

func TestRegister_StartsInDryRunWithBaseline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "K8sRequiredLabels", models.EnvironmentStaging, 0, 4)
	h.open(t, "K8sRequiredLabels", models.EnvironmentProduction, 0, 9)

	r, err := h.c.Register(ctx, "K8sRequiredLabels", models.EnvironmentStaging, nil, "ops")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if r.Stage != models.StageDryRun || r.ViolationBaseline != 4 {
		t.Errorf("stage=%s baseline=%d", r.Stage, r.ViolationBaseline)
	}
	if r.PromotionRule != models.DefaultPromotionRule() {
		t.Errorf("rule = %+v", r.PromotionRule)
	}
	if _, err := h.c.Register(ctx, "K8sRequiredLabels", models.EnvironmentStaging, nil, "ops"); !errors.Is(err, ErrRegistered) {
		t.Errorf("second register: %v", err)
	}
	if got := h.c.Stage("K8sRequiredLabels", models.EnvironmentProduction); got != models.StageDryRun {
		t.Errorf("unregistered stage = %s", got)
	}
}

func TestObserve_SpikeInWarnRollsBackToDryRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const policy = "K8sPSPPrivilegedContainer"
	env := models.EnvironmentStaging

	if _, err := h.c.Register(ctx, policy, env, nil, "ops"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.c.Observe(ctx, policy, env, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := h.c.Promote(ctx, policy, env, "ops"); err != nil {
		t.Fatal(err)
	}
	r, _ := h.c.Get(policy, env)
	if r.Stage != models.StageWarn || r.ViolationBaseline != 10 {
		t.Fatalf("after promote: stage=%s baseline=%d", r.Stage, r.ViolationBaseline)
	}

	ch, err := h.c.Observe(ctx, policy, env, 25)
	if err != nil {
		t.Fatal(err)
	}
	if ch == nil || ch.Rollback == nil {
		t.Fatal("spike did not trigger a rollback")
	}
	if ch.From != models.StageWarn || ch.To != models.StageDryRun || !ch.Automatic {
		t.Errorf("change = %+v", ch)
	}
	if ch.Rollback.Delta() != 15 {
		t.Errorf("delta = %d, want 15", ch.Rollback.Delta())
	}

	r, _ = h.c.Get(policy, env)
	if r.Stage != models.StageDryRun || r.ViolationBaseline != 25 {
		t.Errorf("after rollback: stage=%s baseline=%d", r.Stage, r.ViolationBaseline)
	}
	if len(h.notifier.sent) != 1 || h.notifier.sent[0].Kind != notify.KindRollback {
		t.Errorf("alerts = %+v", h.notifier.sent)
	}
	entries, _ := h.ledger.Query(ctx, ledger.Query{Kinds: []models.ActivityKind{models.ActivityRolloutRollback}})
	if len(entries) != 1 || entries[0].Details["delta"] == nil {
		t.Errorf("rollback ledger entries = %+v", entries)
	}
}

func TestObserve_SmallIncreaseIsNotASpike(t *testing.T) {
	tests := []struct {
		name     string
		baseline int
		observed int
		want     bool
	}{
		{"below ceiling", 10, 20, false},
		{"above ceiling", 10, 21, true},
		{"zero baseline under min delta", 0, 4, false},
		{"zero baseline at min delta", 0, 5, true},
		{"decrease", 10, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := models.PolicyRollout{
				Stage:                 models.StageWarn,
				ViolationBaseline:     tt.baseline,
				ViolationCountInStage: tt.observed,
				PromotionRule:         models.DefaultPromotionRule(),
			}
			if got := spiked(r); got != tt.want {
				t.Errorf("spiked = %v, want %v", got, tt.want)
			}
			r.Stage = models.StageDryRun
			if spiked(r) {
				t.Error("DRYRUN never rolls back")
			}
		})
	}
}

func TestRollback_FromDenyLandsOnWarn(t *testing.T) {
	for _, automatic := range []bool{false, true} {
		t.Run(fmt.Sprintf("automatic=%v", automatic), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			const policy = "no-public-buckets"
			env := models.EnvironmentProduction

			if _, err := h.c.Register(ctx, policy, env, nil, "ops"); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 2; i++ {
				if _, err := h.c.Promote(ctx, policy, env, "ops"); err != nil {
					t.Fatal(err)
				}
			}
			if s := h.c.Stage(policy, env); s != models.StageDeny {
				t.Fatalf("stage = %s, want DENY", s)
			}

			var (
				ch  *Change
				err error
			)
			if automatic {
				ch, err = h.c.Observe(ctx, policy, env, 50)
			} else {
				ch, err = h.c.Rollback(ctx, policy, env, "ops", "")
			}
			if err != nil {
				t.Fatal(err)
			}
			if ch == nil || ch.To != models.StageWarn {
				t.Fatalf("change = %+v, want DENY -> WARN", ch)
			}
			if s := h.c.Stage(policy, env); s != models.StageWarn {
				t.Errorf("stage = %s, want WARN", s)
			}
		})
	}
}

func TestStageBounds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.c.Register(ctx, "p", models.EnvironmentNonProd, nil, "ops"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.c.Rollback(ctx, "p", models.EnvironmentNonProd, "ops", ""); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("rollback at DRYRUN: %v", err)
	}
	h.c.Promote(ctx, "p", models.EnvironmentNonProd, "ops")
	h.c.Promote(ctx, "p", models.EnvironmentNonProd, "ops")
	if _, err := h.c.Promote(ctx, "p", models.EnvironmentNonProd, "ops"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("promote at DENY: %v", err)
	}
	if _, err := h.c.Promote(ctx, "missing", models.EnvironmentNonProd, "ops"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("promote missing: %v", err)
	}
}

func TestEvaluate_PromotesAfterDwell(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "quiet", models.EnvironmentStaging, 0, 3)
	h.open(t, "noisy", models.EnvironmentStaging, 0, 3)
	for _, p := range []string{"quiet", "noisy"} {
		if _, err := h.c.Register(ctx, p, models.EnvironmentStaging, nil, "ops"); err != nil {
			t.Fatal(err)
		}
	}

	h.clock.Advance(6 * 24 * time.Hour)
	changes, err := h.c.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 0 {
		t.Fatalf("promoted before dwell: %+v", changes)
	}

	// noisy grows, but not enough to spike
	h.open(t, "noisy", models.EnvironmentStaging, 3, 2)
	h.clock.Advance(2 * 24 * time.Hour)
	changes, err = h.c.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].PolicyID != "quiet" || changes[0].To != models.StageWarn {
		t.Fatalf("changes = %+v, want quiet -> WARN", changes)
	}
	if s := h.c.Stage("noisy", models.EnvironmentStaging); s != models.StageDryRun {
		t.Errorf("noisy stage = %s", s)
	}

	r, _ := h.c.Get("quiet", models.EnvironmentStaging)
	if !r.StageEnteredAt.Equal(h.clock.Now()) || r.ViolationBaseline != 3 {
		t.Errorf("stage entry not reset: %+v", r)
	}
}

func TestRefresh_RollsBackOnIngestSpike(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "p", models.EnvironmentStaging, 0, 10)
	if _, err := h.c.Register(ctx, "p", models.EnvironmentStaging, nil, "ops"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.c.Promote(ctx, "p", models.EnvironmentStaging, "ops"); err != nil {
		t.Fatal(err)
	}

	h.open(t, "p", models.EnvironmentStaging, 10, 15)
	changes, err := h.c.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].Kind != ChangeRollback || changes[0].To != models.StageDryRun {
		t.Errorf("changes = %+v", changes)
	}
}

func TestLoad_RestoresPersistedRollouts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.c.Register(ctx, "p", models.EnvironmentStaging, nil, "ops"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.c.Promote(ctx, "p", models.EnvironmentStaging, "ops"); err != nil {
		t.Fatal(err)
	}

	restarted := New(h.store, h.ledger, WithClock(h.clock.Now))
	if err := restarted.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if s := restarted.Stage("p", models.EnvironmentStaging); s != models.StageWarn {
		t.Errorf("restored stage = %s, want WARN", s)
	}
}

func TestSnapshotReadsDuringWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.c.Register(ctx, "p", models.EnvironmentStaging, nil, "ops"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				r, ok := h.c.Get("p", models.EnvironmentStaging)
				if !ok {
					t.Error("rollout vanished")
					return
				}
				if _, err := models.ParseStage(string(r.Stage)); err != nil {
					t.Errorf("torn read: %+v", r)
					return
				}
				_ = h.c.List()
			}
		}()
	}
	for i := 0; i < 50; i++ {
		if _, err := h.c.Observe(ctx, "p", models.EnvironmentStaging, i%3); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()
}
