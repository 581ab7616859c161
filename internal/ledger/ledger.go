// Package ledger is the append-only activity record of every decision,
// state transition and executed action.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/policygate/policygate/internal/fingerprint"
	"github.com/policygate/policygate/internal/metrics"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/observability"
)

// Recorder is what the other components write through
type Recorder interface {
	Record(ctx context.Context, e models.ActivityEntry) error
}

// Backend persists entries
type Backend interface {
	AppendActivity(ctx context.Context, e *models.ActivityEntry) error
	LastActivity(ctx context.Context) (*models.ActivityEntry, error)
	ScanActivity(ctx context.Context, fn func(e *models.ActivityEntry) bool) error
}

// Ledger serializes appends so that sequence numbers and the hash chain
// stay gap free.
type Ledger struct {
	backend Backend
	now     func() time.Time

	mu       sync.Mutex
	seq      uint64
	lastHash string
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open resumes the chain from the last persisted entry
func Open(ctx context.Context, backend Backend, opts ...Option) (*Ledger, error) {
	l := &Ledger{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	last, err := backend.LastActivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: resume: %w", err)
	}
	if last != nil {
		l.seq = last.Seq
		l.lastHash = last.Hash
	}
	return l, nil
}

// Record appends e. Seq, PrevHash and Hash are assigned here; Timestamp
// defaults to now. A failure means the durable log is unavailable and must
// be treated as fatal by the caller.
func (l *Ledger) Record(ctx context.Context, e models.ActivityEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.OpID == "" {
		e.OpID = observability.OpID(ctx)
	}
	e.Seq = l.seq + 1
	e.PrevHash = l.lastHash
	e.Hash = ""

	hash, err := entryHash(&e)
	if err != nil {
		return fmt.Errorf("ledger: hash entry: %w", err)
	}
	e.Hash = hash

	// Detach from the caller's context: a cancelled request must not leave
	// a decision unrecorded.
	if err := l.backend.AppendActivity(context.WithoutCancel(ctx), &e); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	l.seq = e.Seq
	l.lastHash = e.Hash
	metrics.LedgerEntry(string(e.Kind))
	return nil
}

// Len is the number of recorded entries
func (l *Ledger) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func entryHash(e *models.ActivityEntry) (string, error) {
	c := *e
	c.Hash = ""
	return fingerprint.HashJSON(c)
}

// VerifyError pinpoints the first broken link
type VerifyError struct {
	Seq    uint64
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("ledger: entry %d: %s", e.Seq, e.Reason)
}

// Verify walks the whole chain and checks sequence continuity and hashes
func (l *Ledger) Verify(ctx context.Context) error {
	var (
		expectSeq uint64 = 1
		prevHash  string
		verr      error
	)
	err := l.backend.ScanActivity(ctx, func(e *models.ActivityEntry) bool {
		if e.Seq != expectSeq {
			verr = &VerifyError{Seq: e.Seq, Reason: fmt.Sprintf("expected seq %d", expectSeq)}
			return false
		}
		if e.PrevHash != prevHash {
			verr = &VerifyError{Seq: e.Seq, Reason: "prev_hash does not match previous entry"}
			return false
		}
		got, err := entryHash(e)
		if err != nil {
			verr = &VerifyError{Seq: e.Seq, Reason: err.Error()}
			return false
		}
		if got != e.Hash {
			verr = &VerifyError{Seq: e.Seq, Reason: "content hash mismatch"}
			return false
		}
		prevHash = e.Hash
		expectSeq++
		return true
	})
	if err != nil {
		return err
	}
	return verr
}
