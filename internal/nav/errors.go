package nav

import (
	"fmt"
	"strings"
	"time"
)

// PathMissingError means no satisfiable path exists between two views. The
// navigator's current-view state is left untouched.
type PathMissingError struct {
	From, To string
}

func (e *PathMissingError) Error() string {
	return fmt.Sprintf("no navigable path from %s to %s", e.From, e.To)
}

// PageNotSafeError means the page-safe polling budget ran out.
type PageNotSafeError struct {
	Budget time.Duration
	Cause  error
}

func (e *PageNotSafeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("page did not become safe within %s: %v", e.Budget, e.Cause)
	}
	return fmt.Sprintf("page did not become safe within %s", e.Budget)
}

func (e *PageNotSafeError) Unwrap() error { return e.Cause }

// UnknownLandingError means a transition completed but none of its declared
// targets recognized the resulting page. The current view is cleared before
// this is raised.
type UnknownLandingError struct {
	Transition string
	Candidates []string
}

func (e *UnknownLandingError) Error() string {
	return fmt.Sprintf("landed on an unknown page after %s (expected one of: %s)",
		e.Transition, strings.Join(e.Candidates, ", "))
}

// UnresolvedTargetError is raised at graph build when a transition names a
// view that is not registered.
type UnresolvedTargetError struct {
	Source     string
	Transition string
	Target     string
}

func (e *UnresolvedTargetError) Error() string {
	return fmt.Sprintf("transition %s.%s names unknown view %q", e.Source, e.Transition, e.Target)
}
