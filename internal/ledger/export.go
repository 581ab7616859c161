package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/policygate/policygate/internal/models"
)

// Mode write strategy for export files
type Mode string

const (
	// ModeOverwrite truncates the file before writing.
	ModeOverwrite Mode = "overwrite"
	// ModeAppend appends to an existing export.
	ModeAppend Mode = "append"
)

// Writer emits entries as JSONL, one object per line
type Writer interface {
	Write(e models.ActivityEntry) error
	Close() error
}

type jsonlWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewWriter wraps any io.Writer
func NewWriter(w io.Writer) Writer {
	return &jsonlWriter{w: w}
}

// NewFileWriter opens path in the given mode, creating parent directories
func NewFileWriter(path string, mode string) (Writer, error) {
	m := Mode(mode)
	if m != ModeOverwrite && m != ModeAppend {
		m = ModeOverwrite // default
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for export: %w", err)
		}
	}

	flag := os.O_CREATE | os.O_WRONLY
	if m == ModeAppend {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open export file: %w", err)
	}
	return &jsonlWriter{w: f, closer: f}, nil
}

func (w *jsonlWriter) Write(e models.ActivityEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %d: %w", e.Seq, err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("failed to write entry %d: %w", e.Seq, err)
	}
	return nil
}

func (w *jsonlWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// Export writes every entry matching q and returns how many were written
func (l *Ledger) Export(ctx context.Context, w Writer, q Query) (int, error) {
	entries, err := l.Query(ctx, q)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if err := w.Write(e); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}
