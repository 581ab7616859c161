package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/policygate/policygate/internal/models"
)

func sampleProposal() *models.RemediationProposal {
	exp := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	return &models.RemediationProposal{
		ID:           "rp-1",
		ViolationIDs: []string{"v-abc"},
		RuleID:       "CKV_AWS_20",
		Severity:     models.SeverityCritical,
		Environment:  models.EnvironmentProduction,
		RiskScore:    100,
		Decision:     models.DecisionEscalate,
		ExpiresAt:    &exp,
		Diff:         []byte("--- a/x\n+++ b/x\n"),
	}
}

func TestWebhookNotifier_Delivers(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Token") != "s3cret" {
			t.Errorf("missing custom header")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := &WebhookNotifier{URL: srv.URL, Headers: map[string]string{"X-Token": "s3cret"}}
	n := ForProposal(KindReviewRequested, sampleProposal(), "review needed")
	if err := w.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if got.ProposalID != "rp-1" || got.Kind != KindReviewRequested {
		t.Errorf("unexpected payload: %+v", got)
	}
	if got.Risk == nil || got.Risk.Decision != models.DecisionEscalate || got.Risk.Score != 100 {
		t.Errorf("risk assessment = %+v", got.Risk)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*sampleProposal().ExpiresAt) {
		t.Errorf("expiry = %v", got.ExpiresAt)
	}
	if string(got.Diff) != "--- a/x\n+++ b/x\n" {
		t.Errorf("diff = %q", got.Diff)
	}
}

func TestWebhookNotifier_RetriesServerErrorsOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &WebhookNotifier{URL: srv.URL, Backoff: time.Millisecond}
	if err := w.Notify(context.Background(), Notification{Kind: KindExpired}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestWebhookNotifier_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	w := &WebhookNotifier{URL: srv.URL, Backoff: time.Millisecond}
	err := w.Notify(context.Background(), Notification{Kind: KindExpired})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

type failing struct{ err error }

func (f failing) Notify(context.Context, Notification) error { return f.err }

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	m := Multi{LogNotifier{}, failing{boom}}
	if err := m.Notify(context.Background(), Notification{Kind: KindRollback}); !errors.Is(err, boom) {
		t.Errorf("expected joined boom, got %v", err)
	}
	if err := (Multi{LogNotifier{}}).Notify(context.Background(), Notification{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
