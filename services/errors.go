package services

import "fmt"

// Typed errors shared across the rangelab services. Callers branch on these kinds to
// decide whether an operation should be surfaced, retried later, or swallowed:
//
//   ValidationError   - malformed input or unknown lab/session; never retried
//   ConflictError     - an active session already exists for the user; not retried
//   CapacityError     - concurrency cap or port pool exhausted; retry later
//   NotFoundError     - referenced session/flag/template doesn't exist
//   OwnershipError    - caller doesn't own the referenced session
//   LimitError        - a per-session quota (e.g. extensions) is exhausted
//   ProvisioningError - hypervisor create/start failure; fatal to the session
//   InjectionError    - flag delivery failure; diagnostic only, never fatal
//   TimeoutError      - a bounded wait elapsed

type ValidationError struct{ Msg string }

func (e ValidationError) Error() string { return e.Msg }

type ConflictError struct{ Msg string }

func (e ConflictError) Error() string { return e.Msg }

type CapacityError struct{ Msg string }

func (e CapacityError) Error() string { return e.Msg }

type NotFoundError struct{ Msg string }

func (e NotFoundError) Error() string { return e.Msg }

type OwnershipError struct{ Msg string }

func (e OwnershipError) Error() string { return e.Msg }

type LimitError struct{ Msg string }

func (e LimitError) Error() string { return e.Msg }

type ProvisioningError struct {
	Msg   string
	Cause error
}

func (e ProvisioningError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

type InjectionError struct {
	Msg   string
	Cause error
}

func (e InjectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

type TimeoutError struct{ Msg string }

func (e TimeoutError) Error() string { return e.Msg }

// IsCapacityError reports whether err is a CapacityError.
func IsCapacityError(err error) bool {
	_, ok := err.(CapacityError)
	return ok
}

// IsNotFoundError reports whether err is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(NotFoundError)
	return ok
}

// IsConflictError reports whether err is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(ConflictError)
	return ok
}

// IsTimeoutError reports whether err is a TimeoutError.
func IsTimeoutError(err error) bool {
	_, ok := err.(TimeoutError)
	return ok
}
