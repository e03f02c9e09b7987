package prescription

import "errors"

var (
	ErrPrescriptionNotFound    = errors.New("prescription not found")
	ErrInvalidStatusTransition = errors.New("invalid prescription status transition")
	ErrNoRefillsRemaining      = errors.New("prescription has no refills remaining")
	ErrVersionConflict         = errors.New("prescription was modified concurrently")
	ErrInvalidDuration         = errors.New("duration must look like \"7 days\", \"2 weeks\" or \"3 months\"")
)
