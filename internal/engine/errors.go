package engine

import (
	"errors"
	"fmt"
)

// InvalidTransitionError indicates a state machine rule violation on a
// mission or redemption request.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// UnauthorizedError indicates a role or ownership check failed.
type UnauthorizedError struct {
	AgentID string
	Action  string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("agent %s not authorized to %s", e.AgentID, e.Action)
}

// InsufficientPointsError indicates a spend that would drive the balance
// negative. Nothing is mutated when it is returned.
type InsufficientPointsError struct {
	AgentID string
	Balance int
	Cost    int
}

func (e InsufficientPointsError) Error() string {
	return fmt.Sprintf("agent %s has %d points, needs %d", e.AgentID, e.Balance, e.Cost)
}

// ValidationError indicates malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ErrAlreadyRedeemed is returned when a vault card is no longer available
// at commit time; the loser of a concurrent redeem race sees it.
var ErrAlreadyRedeemed = errors.New("vault card already redeemed")

// ErrConcurrentModification is returned on an optimistic version mismatch.
// It is transient; callers may retry with backoff.
var ErrConcurrentModification = errors.New("concurrent modification, retry")
