package shared

import "errors"

var (
	// ErrValidation indicates bad input or a request that violates a business rule.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the resource is no longer in the expected state.
	ErrConflict = errors.New("conflict")
	// ErrAuthorization indicates the caller lacks the required permission.
	ErrAuthorization = errors.New("permission denied")
	// ErrDependency indicates a repository or collaborator failure.
	ErrDependency = errors.New("dependency failure")
	// ErrPendingExists is returned when a target already has an unresolved proposal.
	// It matches ErrValidation through errors.Is.
	ErrPendingExists = &kindError{msg: "pending change already exists for target", kind: ErrValidation}
)

type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool { return target == e.kind }

// ErrInvalidCredentials indicates login failure.
var ErrInvalidCredentials = errors.New("invalid credentials")
