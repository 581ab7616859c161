package approval

import (
	"fmt"

	"github.com/policygate/policygate/internal/models"
)

// edges lists every allowed move. executing -> pending is the single
// re-queue path and is capped by RemediationProposal.Retries.
var edges = map[models.ProposalState][]models.ProposalState{
	models.StateProposed:  {models.StatePending, models.StateExecuting, models.StateRejected},
	models.StatePending:   {models.StateApproved, models.StateRejected, models.StateExpired},
	models.StateApproved:  {models.StateExecuting, models.StateRejected},
	models.StateExecuting: {models.StateCompleted, models.StatePending, models.StateRejected},
}

// CanTransition reports whether from -> to is an allowed edge
func CanTransition(from, to models.ProposalState) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkPath validates a chain of hops starting at from
func checkPath(from models.ProposalState, path ...models.ProposalState) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s", models.ErrTerminal, from)
	}
	cur := from
	for _, next := range path {
		if !CanTransition(cur, next) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, cur, next)
		}
		cur = next
	}
	return nil
}
