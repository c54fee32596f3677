package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStalePlan is returned when a saved plan no longer matches the state
	// it is being applied to.
	ErrStalePlan = errors.New("plan is stale: state changed since it was created")

	ErrPreventDestroy = errors.New("resource has preventDestroy set")
)

// Issue is one problem found in a DesiredState.
type Issue struct {
	Address string
	Message string
}

func (i Issue) String() string {
	if i.Address == "" {
		return i.Message
	}
	return i.Address + ": " + i.Message
}

// ValidationError reports an internally inconsistent DesiredState. It is
// returned before any provider is contacted.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.String()
	}
	return fmt.Sprintf("invalid configuration (%d issue(s)): %s", len(e.Issues), strings.Join(msgs, "; "))
}

// ReconciliationError is a provider failure while converging one resource.
// The provider error is kept verbatim.
type ReconciliationError struct {
	Address string
	Action  string
	Err     error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("%s %s: %v", strings.ToLower(e.Action), e.Address, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}
