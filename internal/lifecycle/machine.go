// Package lifecycle implements the position state machine: the transition
// whitelist, its validation errors, and the manager that applies transitions
// together with their audit rows in a single storage transaction.
package lifecycle

import (
	"fmt"

	"github.com/davemott/paperledger/internal/models"
)

// AllowedTransitions returns the set of states reachable from the given
// state. The zero status stands for "not yet created"; terminal states have
// no outgoing edges. The switch is exhaustive over the closed status enum so
// a new state cannot be added without deciding its edges here.
func AllowedTransitions(from models.Status) []models.Status {
	switch from {
	case "":
		return []models.Status{models.StatusPending, models.StatusOpen}
	case models.StatusPending:
		return []models.Status{models.StatusOpen, models.StatusPartiallyFilled, models.StatusCanceled}
	case models.StatusPartiallyFilled:
		return []models.Status{models.StatusOpen, models.StatusCanceled}
	case models.StatusOpen:
		return []models.Status{models.StatusClosing, models.StatusClosed, models.StatusExpired, models.StatusCanceled}
	case models.StatusClosing:
		return []models.Status{models.StatusClosed, models.StatusOpen}
	case models.StatusClosed, models.StatusExpired, models.StatusCanceled:
		return nil
	default:
		return nil
	}
}

// CanTransition reports whether the edge from -> to is in the whitelist.
func CanTransition(from, to models.Status) bool {
	for _, s := range AllowedTransitions(from) {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError signals an attempt to apply an edge outside the
// whitelist. It is a programming or data-integrity signal and must never be
// silently swallowed.
type InvalidTransitionError struct {
	From    models.Status
	To      models.Status
	Allowed []models.Status
}

func (e *InvalidTransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "(none)"
	}
	return fmt.Sprintf("invalid transition %s -> %s (allowed: %v)", from, e.To, e.Allowed)
}

// validate checks the edge and returns a typed error without mutating
// anything on failure.
func validate(from, to models.Status) error {
	if !to.Valid() {
		return &InvalidTransitionError{From: from, To: to, Allowed: AllowedTransitions(from)}
	}
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to, Allowed: AllowedTransitions(from)}
	}
	return nil
}
