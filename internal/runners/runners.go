// Package runners tracks the pool of registered worker processes,
// their credentials and their liveness.
package runners

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidRegistrationToken is returned when a runner tries to
	// register with an unknown or revoked token.
	ErrInvalidRegistrationToken = errors.New("invalid registration token")

	// ErrRunnerNotFound is returned when no runner matches the given
	// credential.
	ErrRunnerNotFound = errors.New("runner not found")
)

// Runner is a registered worker process.
type Runner struct {
	ID          int64
	Name        string
	Description string
	// Token is the shared secret the runner presents on every call.
	Token string
	IP    string
	// LastContact only moves forward, and is written at most once per
	// contact interval.
	LastContact         time.Time
	RegistrationTokenID *int64
	CreatedAt           time.Time
}

// RegistrationToken is a pre-shared secret authorizing a new runner to
// self-register.
type RegistrationToken struct {
	ID        int64
	Token     string
	CreatedAt time.Time
}

// Store persists runners and registration tokens.
type Store interface {
	CreateRegistrationToken(ctx context.Context, token string) (*RegistrationToken, error)
	GetRegistrationToken(ctx context.Context, token string) (*RegistrationToken, error)
	RevokeRegistrationToken(ctx context.Context, token string) error

	CreateRunner(ctx context.Context, runner *Runner) error
	GetRunnerByToken(ctx context.Context, token string) (*Runner, error)
	DeleteRunner(ctx context.Context, id int64) error

	// UpdateRunnerContact stamps last_contact and the source address.
	// last_contact never moves backwards.
	UpdateRunnerContact(ctx context.Context, id int64, ip string) error
}
