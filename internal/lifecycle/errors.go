package lifecycle

import (
	"fmt"

	"northstar/internal/domain"
)

// InvalidTransitionError indicates the target status is not reachable from the
// current one. Conflict marks the concurrent-update case where the source
// status changed between load and commit.
type InvalidTransitionError struct {
	From     domain.Status
	To       domain.Status
	Conflict bool
}

func (e InvalidTransitionError) Error() string {
	if e.Conflict {
		return fmt.Sprintf("request status changed concurrently; cannot transition from %s to %s", e.From, e.To)
	}
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

// ForbiddenError indicates the actor's role or ownership does not permit the
// operation.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string {
	return e.Reason
}

// ValidationError indicates malformed create/update input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
