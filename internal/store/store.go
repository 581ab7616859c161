// Package store persists the engine tables in an embedded BadgerDB.
//
// Four logical tables share one keyspace, separated by prefix:
//
//	violations/<id>
//	proposals/<id>
//	rollouts/<policy_id>@<environment>
//	activity/<seq, zero padded>
//
// plus the secondary indexes described in index.go.
//
// All tables survive restart. Writes that must be atomic (a whole
// normalized batch, a read-modify-write of one proposal) run in a single
// Badger transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/observability/logging"
)

const (
	prefixViolation = "violations/"
	prefixProposal  = "proposals/"
	prefixRollout   = "rollouts/"
	prefixActivity  = "activity/"
)

// maxConflictRetries bounds optimistic retries on badger.ErrConflict
const maxConflictRetries = 8

// Config for the embedded database
type Config struct {
	Path           string        `yaml:"path"`
	InMemory       bool          `yaml:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// DefaultConfig is durable: synchronous writes, periodic value log GC.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig for tests
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store wraps the database handle
type Store struct {
	db     *badger.DB
	log    logging.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// badgerLogger adapts our Logger to badger.Logger
type badgerLogger struct {
	log logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error("badger", fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn("badger", fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug("badger", fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug("badger", fmt.Sprintf(format, args...))
}

// Open creates or opens the database. log may be nil.
func Open(cfg Config, log logging.Logger) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("store: path is required for persistent database")
	}
	if log == nil {
		log = logging.Nop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("store: create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{log: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger database: %w", err)
	}

	s := &Store{db: db, log: log, stop: make(chan struct{})}
	if err := s.ensureIndexes(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		s.wg.Add(1)
		go s.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *Store) gcLoop(interval time.Duration, ratio float64) {
	defer s.wg.Done()
	if ratio <= 0 {
		ratio = 0.5
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for {
				// RunValueLogGC returns ErrNoRewrite once nothing is left to collect
				if err := s.db.RunValueLogGC(ratio); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.log.Warn("store", "value log gc failed", "error", err)
					}
					break
				}
			}
		}
	}
}

// Close stops background GC and closes the database
func (s *Store) Close() error {
	var err error
	s.closed.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func putJSON(txn *badger.Txn, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

// getJSON wraps models.ErrNotFound when the key is missing
func getJSON(txn *badger.Txn, key string, v interface{}) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", key, models.ErrNotFound)
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// scanPrefix decodes every value under prefix in key order. fn returning
// false stops the iteration.
func scanPrefix(txn *badger.Txn, prefix string, reverse bool, fn func(val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	start := []byte(prefix)
	if reverse {
		start = append([]byte(prefix), 0xFF)
	}
	for it.Seek(start); it.ValidForPrefix([]byte(prefix)); it.Next() {
		var cont bool
		err := it.Item().Value(func(val []byte) error {
			var ferr error
			cont, ferr = fn(val)
			return ferr
		})
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on conflicts
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("store: giving up after %d conflicting transactions: %w", maxConflictRetries, err)
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}
