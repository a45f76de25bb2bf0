package engine

import "fmt"

// ValidationError marks malformed or missing input the caller can fix.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// UnknownActionError is returned when a referenced action does not exist.
type UnknownActionError struct {
	ActionID string
}

func (e UnknownActionError) Error() string {
	return fmt.Sprintf("action %s not found", e.ActionID)
}

// UnknownContextError is returned for context types outside the enumerated
// set or contexts that were never written to.
type UnknownContextError struct {
	ContextType string
}

func (e UnknownContextError) Error() string {
	return fmt.Sprintf("unknown context type %s", e.ContextType)
}

// CyclicDependencyError rejects a dependency edge that would close a cycle.
// The command appends nothing; the log is unchanged.
type CyclicDependencyError struct {
	ActionID          string
	DependsOnActionID string
}

func (e CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.ActionID, e.DependsOnActionID)
}

// ComposeError reports the step at which a compose sequence stopped. Events
// appended by earlier steps stay in the log; undo is a compensating
// retraction issued by the caller.
type ComposeError struct {
	Step string
	Err  error
}

func (e ComposeError) Error() string {
	return fmt.Sprintf("compose failed at %s: %v", e.Step, e.Err)
}

func (e ComposeError) Unwrap() error { return e.Err }
