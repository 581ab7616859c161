package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTransitionCounter(t *testing.T) {
	before := testutil.ToFloat64(transitions.WithLabelValues("pending", "expired"))
	Transition("pending", "expired")
	Transition("pending", "expired")
	after := testutil.ToFloat64(transitions.WithLabelValues("pending", "expired"))

	if after-before != 2 {
		t.Errorf("transition counter delta = %v, want 2", after-before)
	}
}

func TestViolationIngestedIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(violationsIngested.WithLabelValues("ci_plan", "new"))
	ViolationIngested("ci_plan", "new", 0)
	ViolationIngested("ci_plan", "new", 3)
	after := testutil.ToFloat64(violationsIngested.WithLabelValues("ci_plan", "new"))

	if after-before != 3 {
		t.Errorf("ingested delta = %v, want 3", after-before)
	}
}

func TestExecutingGauge(t *testing.T) {
	before := testutil.ToFloat64(executing)
	ExecutingInc()
	ExecutingInc()
	ExecutingDec()
	if got := testutil.ToFloat64(executing) - before; got != 1 {
		t.Errorf("executing gauge delta = %v, want 1", got)
	}
}

func TestRolloutChangeTrigger(t *testing.T) {
	before := testutil.ToFloat64(rolloutChanges.WithLabelValues("rollback", "auto"))
	RolloutChange("rollback", true)
	if got := testutil.ToFloat64(rolloutChanges.WithLabelValues("rollback", "auto")) - before; got != 1 {
		t.Errorf("auto rollback delta = %v, want 1", got)
	}
}
