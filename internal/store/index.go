package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/policygate/policygate/internal/models"
)

// Secondary indexes. Keys carry no value; the record is read from its
// table. Entries can go stale (a violation moving to another target) so
// lookups still apply the filter to what they load.
//
//	violations_by_target/<source>|<target>\x00<violation id>
//	proposals_by_violation/<violation id>\x00<proposal id>
const (
	indexViolationByTarget   = "violations_by_target/"
	indexProposalByViolation = "proposals_by_violation/"

	metaIndexVersion = "meta/index_version"
	indexVersion     = "1"
)

func targetIndexPrefix(source models.Source, target string) string {
	return indexViolationByTarget + string(source) + "|" + target + "\x00"
}

func violationIndexKey(v *models.Violation) string {
	return targetIndexPrefix(v.Source, v.Target) + v.ID
}

func proposalIndexPrefix(violationID string) string {
	return indexProposalByViolation + violationID + "\x00"
}

func indexViolation(txn *badger.Txn, v *models.Violation) error {
	return txn.Set([]byte(violationIndexKey(v)), nil)
}

func indexProposal(txn *badger.Txn, p *models.RemediationProposal) error {
	for _, vid := range p.ViolationIDs {
		if err := txn.Set([]byte(proposalIndexPrefix(vid)+p.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

// scanIndex calls fn with the id suffix of every key under prefix
func scanIndex(txn *badger.Txn, prefix string, fn func(id string) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		id := strings.TrimPrefix(string(it.Item().Key()), prefix)
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// ensureIndexes backfills the indexes of a database written before they
// existed. It runs once per database; the version marker records it.
func (s *Store) ensureIndexes() error {
	var current string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaIndexVersion))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		current = string(v)
		return err
	})
	if err != nil || current == indexVersion {
		return err
	}

	var keys []string
	err = s.db.View(func(txn *badger.Txn) error {
		if err := scanPrefix(txn, prefixViolation, false, func(val []byte) (bool, error) {
			var v models.Violation
			if err := json.Unmarshal(val, &v); err != nil {
				return false, err
			}
			keys = append(keys, violationIndexKey(&v))
			return true, nil
		}); err != nil {
			return err
		}
		return scanPrefix(txn, prefixProposal, false, func(val []byte) (bool, error) {
			var p models.RemediationProposal
			if err := json.Unmarshal(val, &p); err != nil {
				return false, err
			}
			for _, vid := range p.ViolationIDs {
				keys = append(keys, proposalIndexPrefix(vid)+p.ID)
			}
			return true, nil
		})
	})
	if err != nil {
		return fmt.Errorf("store: read tables for reindex: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Set([]byte(k), nil); err != nil {
			return err
		}
	}
	if err := wb.Set([]byte(metaIndexVersion), []byte(indexVersion)); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("store: write indexes: %w", err)
	}
	if len(keys) > 0 {
		s.log.Info("store", "secondary indexes rebuilt", "entries", len(keys))
	}
	return nil
}
