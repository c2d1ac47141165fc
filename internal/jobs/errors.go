package jobs

import "errors"

var (
	// ErrJobNotFound is returned when no job matches the given UUID.
	ErrJobNotFound = errors.New("job not found")

	// ErrNoJobAvailable is returned by Claim when no pending job
	// matches the runner's advertised types.
	ErrNoJobAvailable = errors.New("no job available")

	// ErrInvalidClaimToken is the ownership error: the caller no
	// longer owns the job. Never retried.
	ErrInvalidClaimToken = errors.New("invalid claim token")

	// ErrInvalidSuccessPayload is the protocol error: a malformed or
	// incomplete success payload. Terminal, no retry consumed.
	ErrInvalidSuccessPayload = errors.New("invalid success payload")

	// ErrJobNotProcessing is returned when a runner callback targets a
	// job that is not in processing state anymore.
	ErrJobNotProcessing = errors.New("job is not in processing state")

	// ErrJobTerminal is returned when cancelling a job that already
	// reached a terminal state.
	ErrJobTerminal = errors.New("job already reached a terminal state")

	// ErrJobNotCancellable is returned when cancelling a non-terminal
	// job in a state that does not allow it, such as waiting on its
	// parent.
	ErrJobNotCancellable = errors.New("job cannot be cancelled in its current state")
)
