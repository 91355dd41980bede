package domain

import "errors"

var (
	// ErrNotFound indicates the requested aggregate does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a state change that the aggregate's
	// lifecycle does not permit.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotDraft indicates a mutation attempted outside draft status.
	ErrNotDraft = errors.New("deposition is not in draft")

	// ErrFileRequirements indicates the deposition does not satisfy its
	// convention's file requirements.
	ErrFileRequirements = errors.New("file requirements not met")

	// ErrForbidden indicates the caller identity does not satisfy the
	// handler's authorization policy.
	ErrForbidden = errors.New("forbidden")
)
