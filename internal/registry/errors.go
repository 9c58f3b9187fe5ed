package registry

import "errors"

var (
	// ErrAdmission wraps every registration precondition failure.
	ErrAdmission = errors.New("admission rejected")
	// ErrLocked is returned when stake withdrawal is attempted inside a lock window.
	ErrLocked = errors.New("oracle is locked")
	// ErrNoEligibleOracles is returned when selection filters match nothing.
	ErrNoEligibleOracles = errors.New("no eligible oracles")

	ErrUnauthorized  = errors.New("unauthorized caller")
	ErrNotFound      = errors.New("oracle not found")
	ErrNotActive     = errors.New("oracle not active")
	ErrInvalidConfig = errors.New("invalid registry config")
	ErrInvalidParams = errors.New("invalid selection parameters")
)
