package browser

import "fmt"

// NoSuchElementError is returned when a locator resolves to nothing. It is
// recoverable by design: visibility predicates treat it as a negative answer.
type NoSuchElementError struct {
	Locator string
}

func (e *NoSuchElementError) Error() string {
	return fmt.Sprintf("could not find an element %s", e.Locator)
}

// Retryable reports false; retrying the same dead locator does not help.
func (e *NoSuchElementError) Retryable() bool { return false }

// StaleElementError is returned when an element handle no longer belongs to
// the current document, typically after a partial page update.
type StaleElementError struct {
	Locator string
}

func (e *StaleElementError) Error() string {
	return fmt.Sprintf("element %s is stale", e.Locator)
}

// Retryable reports true; re-resolving the locator usually yields a fresh
// handle.
func (e *StaleElementError) Retryable() bool { return true }

// MoveTargetOutOfBoundsError is returned when the pointer cannot be moved onto
// an element, usually because it sits outside the viewport.
type MoveTargetOutOfBoundsError struct {
	Locator string
}

func (e *MoveTargetOutOfBoundsError) Error() string {
	return fmt.Sprintf("move target %s is out of bounds", e.Locator)
}

// NoAlertPresentError is returned by alert operations when no dialog is open.
type NoAlertPresentError struct{}

func (e *NoAlertPresentError) Error() string { return "no alert present" }
