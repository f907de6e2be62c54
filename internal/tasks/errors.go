package tasks

import "errors"

var (
	ErrTaskNotFound = errors.New("task not found")
	// ErrAlreadyFinalized is returned by Complete when the task's charge is
	// already settled. Reconciliation treats the same condition as a no-op.
	ErrAlreadyFinalized = errors.New("credits already finalized for task")
	// ErrProviderTimeout is recorded on tasks that passed their deadline.
	ErrProviderTimeout   = errors.New("provider did not finish before the deadline")
	ErrInvalidTask       = errors.New("invalid task")
	ErrInvalidTransition = errors.New("invalid task transition")
)
