package receipt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type Writer interface {
	Write(r Receipt) error
	Close() error
}

// Mode is how a receipt file is written
type Mode string

const (
	// ModeOverwrite keeps only the latest receipt as a single JSON document
	ModeOverwrite Mode = "overwrite"
	// ModeAppend keeps a JSONL history of runs
	ModeAppend Mode = "append"
)

type fileWriter struct {
	mu   sync.Mutex
	file *os.File
	mode Mode
}

// NewWriter opens path, creating parent directories. Unknown modes overwrite.
func NewWriter(path string, mode string) (Writer, error) {
	m := Mode(mode)
	if m != ModeAppend {
		m = ModeOverwrite
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create receipt directory: %w", err)
		}
	}

	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if m == ModeAppend {
		flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open receipt file: %w", err)
	}
	return &fileWriter{file: f, mode: m}, nil
}

func (w *fileWriter) Write(r Receipt) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	data = append(data, '\n')
	if w.mode == ModeOverwrite {
		if err := w.file.Truncate(0); err != nil {
			return err
		}
		if _, err := w.file.Seek(0, 0); err != nil {
			return err
		}
	}
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("write receipt: %w", err)
	}
	return nil
}

func (w *fileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
