package receipt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"
	"time"

	"github.com/policygate/policygate/internal/observability"
)

// MaxErrorLength bounds error strings in receipts
const MaxErrorLength = 2048

// Session collects facts about one command run until Finish
type Session struct {
	ctx     context.Context
	start   time.Time
	command string
	args    []string

	mu   sync.Mutex
	opts []Option
}

// Start a session. Finish is a no-op when ctx carries no writer.
func Start(ctx context.Context, cmd string, args []string) *Session {
	return &Session{
		ctx:     ctx,
		start:   time.Now(),
		command: cmd,
		args:    args,
	}
}

// Option fills in part of the receipt
type Option func(*Receipt)

// Add records options to apply at Finish. Safe on a nil session.
func (s *Session) Add(opts ...Option) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.opts = append(s.opts, opts...)
	s.mu.Unlock()
}

// WithConfig pins the config file by hash
func WithConfig(path string) Option {
	return func(r *Receipt) {
		if path == "" {
			return
		}
		ref := &FileRef{Path: path}
		if hash, err := fileSHA256(path); err == nil {
			ref.SHA256 = hash
		}
		r.Config = ref
	}
}

func WithIngest(sum IngestSummary) Option {
	return func(r *Receipt) {
		r.Ingest = &sum
	}
}

func WithProposal(ref ProposalRef) Option {
	return func(r *Receipt) {
		r.Proposals = append(r.Proposals, ref)
	}
}

func WithRollout(ref RolloutRef) Option {
	return func(r *Receipt) {
		r.Rollouts = append(r.Rollouts, ref)
	}
}

func WithLedger(entries int, exported string) Option {
	return func(r *Receipt) {
		r.Ledger = &LedgerSummary{Entries: entries, Exported: exported}
	}
}

// Finish writes the receipt with the outcome of the command
func (s *Session) Finish(err error, opts ...Option) error {
	w := writerFrom(s.ctx)
	if w == nil {
		return nil
	}

	args, redacted := RedactArgs(s.args)
	r := Receipt{
		SchemaVersion: SchemaVersion,
		OpID:          observability.OpID(s.ctx),
		TsStart:       s.start.UTC().Format(time.RFC3339Nano),
		TsEnd:         time.Now().UTC().Format(time.RFC3339Nano),
		Command:       s.command,
		Args:          args,
		ArgsRedacted:  redacted,
		Result:        Result{Status: "success"},
	}
	if err != nil {
		r.Result = Result{Status: "fail", Error: truncateError(err.Error())}
	}

	s.mu.Lock()
	all := append(append([]Option(nil), s.opts...), opts...)
	s.mu.Unlock()
	for _, opt := range all {
		opt(&r)
	}
	return w.Write(r)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func truncateError(s string) string {
	if len(s) <= MaxErrorLength {
		return s
	}
	return s[:MaxErrorLength-3] + "..."
}
