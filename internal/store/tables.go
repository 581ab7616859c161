package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/policygate/policygate/internal/models"
)

// ViolationFilter narrows ListViolations. Zero values match everything.
type ViolationFilter struct {
	Source   models.Source
	Target   string
	RuleID   string
	OpenOnly bool
}

func (f ViolationFilter) match(v *models.Violation) bool {
	if f.Source != "" && v.Source != f.Source {
		return false
	}
	if f.Target != "" && v.Target != f.Target {
		return false
	}
	if f.RuleID != "" && v.RuleID != f.RuleID {
		return false
	}
	if f.OpenOnly && !v.Open() {
		return false
	}
	return true
}

// PutViolations writes the batch atomically: either every record lands or none.
func (s *Store) PutViolations(ctx context.Context, vs []*models.Violation) error {
	if len(vs) == 0 {
		return nil
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		for _, v := range vs {
			if err := putJSON(txn, prefixViolation+v.ID, v); err != nil {
				return err
			}
			if err := indexViolation(txn, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: put %d violations: %w", len(vs), err)
	}
	return nil
}

func (s *Store) GetViolation(ctx context.Context, id string) (*models.Violation, error) {
	var v models.Violation
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixViolation+id, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListViolations uses the target index when both Source and Target are set
func (s *Store) ListViolations(ctx context.Context, f ViolationFilter) ([]*models.Violation, error) {
	var out []*models.Violation
	keep := func(v *models.Violation) {
		if f.match(v) {
			out = append(out, v)
		}
	}
	err := s.view(ctx, func(txn *badger.Txn) error {
		if f.Source != "" && f.Target != "" {
			return scanIndex(txn, targetIndexPrefix(f.Source, f.Target), func(id string) error {
				var v models.Violation
				if err := getJSON(txn, prefixViolation+id, &v); err != nil {
					if errors.Is(err, models.ErrNotFound) {
						return nil
					}
					return err
				}
				keep(&v)
				return nil
			})
		}
		return scanPrefix(txn, prefixViolation, false, func(val []byte) (bool, error) {
			var v models.Violation
			if err := json.Unmarshal(val, &v); err != nil {
				return false, err
			}
			keep(&v)
			return true, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list violations: %w", err)
	}
	return out, nil
}

// ProposalFilter narrows ListProposals. Zero values match everything.
type ProposalFilter struct {
	States      []models.ProposalState
	ViolationID string
	Resource    string
}

func (f ProposalFilter) match(p *models.RemediationProposal) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, p.State) {
		return false
	}
	if f.ViolationID != "" && !slices.Contains(p.ViolationIDs, f.ViolationID) {
		return false
	}
	if f.Resource != "" && !slices.Contains(p.Resources, f.Resource) {
		return false
	}
	return true
}

// CreateProposal fails if the id is already taken
func (s *Store) CreateProposal(ctx context.Context, p *models.RemediationProposal) error {
	key := prefixProposal + p.ID
	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == nil {
			return fmt.Errorf("proposal %s already exists", p.ID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := putJSON(txn, key, p); err != nil {
			return err
		}
		return indexProposal(txn, p)
	})
	if err != nil {
		return fmt.Errorf("store: create proposal: %w", err)
	}
	return nil
}

func (s *Store) GetProposal(ctx context.Context, id string) (*models.RemediationProposal, error) {
	var p models.RemediationProposal
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixProposal+id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProposal applies fn to the stored proposal inside one transaction.
// If fn returns an error nothing is written and the error is returned as is.
func (s *Store) UpdateProposal(ctx context.Context, id string, fn func(p *models.RemediationProposal) error) (*models.RemediationProposal, error) {
	var result *models.RemediationProposal
	err := s.update(ctx, func(txn *badger.Txn) error {
		var p models.RemediationProposal
		if err := getJSON(txn, prefixProposal+id, &p); err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		result = &p
		if err := putJSON(txn, prefixProposal+id, &p); err != nil {
			return err
		}
		return indexProposal(txn, &p)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListProposals uses the violation index when ViolationID is set. The
// result is ordered by creation time.
func (s *Store) ListProposals(ctx context.Context, f ProposalFilter) ([]*models.RemediationProposal, error) {
	var out []*models.RemediationProposal
	keep := func(p *models.RemediationProposal) {
		if f.match(p) {
			out = append(out, p)
		}
	}
	err := s.view(ctx, func(txn *badger.Txn) error {
		if f.ViolationID != "" {
			return scanIndex(txn, proposalIndexPrefix(f.ViolationID), func(id string) error {
				var p models.RemediationProposal
				if err := getJSON(txn, prefixProposal+id, &p); err != nil {
					if errors.Is(err, models.ErrNotFound) {
						return nil
					}
					return err
				}
				keep(&p)
				return nil
			})
		}
		return scanPrefix(txn, prefixProposal, false, func(val []byte) (bool, error) {
			var p models.RemediationProposal
			if err := json.Unmarshal(val, &p); err != nil {
				return false, err
			}
			keep(&p)
			return true, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list proposals: %w", err)
	}
	slices.SortFunc(out, func(a, b *models.RemediationProposal) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *Store) PutRollout(ctx context.Context, r *models.PolicyRollout) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, prefixRollout+r.Key(), r)
	})
	if err != nil {
		return fmt.Errorf("store: put rollout %s: %w", r.Key(), err)
	}
	return nil
}

func (s *Store) ListRollouts(ctx context.Context) ([]*models.PolicyRollout, error) {
	var out []*models.PolicyRollout
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixRollout, false, func(val []byte) (bool, error) {
			var r models.PolicyRollout
			if err := json.Unmarshal(val, &r); err != nil {
				return false, err
			}
			out = append(out, &r)
			return true, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list rollouts: %w", err)
	}
	return out, nil
}

func activityKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", prefixActivity, seq)
}

// AppendActivity refuses to overwrite an existing sequence number
func (s *Store) AppendActivity(ctx context.Context, e *models.ActivityEntry) error {
	key := activityKey(e.Seq)
	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == nil {
			return fmt.Errorf("activity seq %d already written", e.Seq)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return putJSON(txn, key, e)
	})
	if err != nil {
		return fmt.Errorf("store: append activity: %w", err)
	}
	return nil
}

// LastActivity returns nil, nil for an empty log
func (s *Store) LastActivity(ctx context.Context) (*models.ActivityEntry, error) {
	var last *models.ActivityEntry
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixActivity, true, func(val []byte) (bool, error) {
			var e models.ActivityEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return false, err
			}
			last = &e
			return false, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: last activity: %w", err)
	}
	return last, nil
}

// ScanActivity walks the log in sequence order until fn returns false
func (s *Store) ScanActivity(ctx context.Context, fn func(e *models.ActivityEntry) bool) error {
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixActivity, false, func(val []byte) (bool, error) {
			var e models.ActivityEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return false, err
			}
			return fn(&e), nil
		})
	})
	if err != nil {
		return fmt.Errorf("store: scan activity: %w", err)
	}
	return nil
}
