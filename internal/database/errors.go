package database

import "errors"

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrJobNotFound         = errors.New("calendar sync job not found")
	// ErrJobNotClaimed is returned when a worker writes to a job it no longer holds.
	ErrJobNotClaimed  = errors.New("calendar sync job is not held by this worker")
	ErrNoJobAvailable = errors.New("no calendar sync job available")
)
