package types

import (
	"errors"
	"fmt"
)

// Error classes. Every specific error below wraps exactly one class, so
// callers can match either the class or the specific condition with
// errors.Is.
var (
	ErrValidation    = errors.New("validation failed")
	ErrIntegrity     = errors.New("integrity violation")
	ErrNotFound      = errors.New("not found")
	ErrConfiguration = errors.New("configuration error")
)

// Validation errors. Raised before any write is attempted.
var (
	ErrInvalidName   = fmt.Errorf("%w: name must not be empty", ErrValidation)
	ErrDuplicateName = fmt.Errorf("%w: duplicate name", ErrValidation)
	ErrInvalidOwner  = fmt.Errorf("%w: task must have exactly one owner", ErrValidation)
	ErrInvalidStatus = fmt.Errorf("%w: invalid status value", ErrValidation)
	ErrSelfBlock     = fmt.Errorf("%w: task cannot block itself", ErrValidation)
	ErrSelfFollow    = fmt.Errorf("%w: phase cannot follow itself", ErrValidation)
	ErrCrossProject  = fmt.Errorf("%w: reference crosses project boundary", ErrValidation)
)

// Integrity errors. Raised when an operation would orphan a row or break
// the project tree.
var (
	ErrCycle       = fmt.Errorf("%w: would create a cycle in the project tree", ErrIntegrity)
	ErrHasChildren = fmt.Errorf("%w: project has child projects", ErrIntegrity)
	ErrHasPhases   = fmt.Errorf("%w: project has phases", ErrIntegrity)
	ErrHasTasks    = fmt.Errorf("%w: root project has tasks", ErrIntegrity)
	ErrBlockerLoop = fmt.Errorf("%w: blocker edge would close a loop", ErrIntegrity)
)

// Lookup errors for operations that require existence.
var (
	ErrProjectNotFound = fmt.Errorf("%w: project", ErrNotFound)
	ErrPhaseNotFound   = fmt.Errorf("%w: phase", ErrNotFound)
	ErrTaskNotFound    = fmt.Errorf("%w: task", ErrNotFound)
	ErrNoSuchDomain    = fmt.Errorf("%w: domain", ErrNotFound)
)

// Lifecycle errors.
var (
	ErrDetached    = errors.New("record is detached from the store")
	ErrStoreClosed = errors.New("store is closed")
)
