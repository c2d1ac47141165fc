package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Transition is a conditional state change applied as a single
// compare-and-set update. The update only wins when the job is still in
// one of the From states (and, for runner-driven paths, still carries
// the expected claim token).
type Transition struct {
	From []State
	To   State

	// RequireToken enables the ownership check. Nil means a privileged
	// caller (watchdog, admin cancel) that must not be token-gated.
	RequireToken *string

	SetError    *string
	SetResult   json.RawMessage
	IncFailures bool
	// ClearClaim drops the claim token and runner, making the job
	// claimable again.
	ClearClaim bool
}

// Store persists runner jobs.
type Store interface {
	Create(ctx context.Context, job *Job) error
	GetByUUID(ctx context.Context, jobUUID uuid.UUID) (*Job, error)
	GetByID(ctx context.Context, id int64) (*Job, error)

	// ClaimNext atomically claims the best matching pending job for
	// the runner: priority descending, then FIFO. Returns
	// ErrNoJobAvailable when nothing matches.
	ClaimNext(ctx context.Context, runnerID int64, types []Type, claimToken string) (*Job, error)

	// RefreshProgress updates progress (when non-nil) and
	// last_update_at, gated on the claim token. Reports whether the
	// row was won.
	RefreshProgress(ctx context.Context, id int64, claimToken string, progress *int) (bool, error)

	// Transition applies tr and reports whether the row was won.
	Transition(ctx context.Context, id int64, tr Transition) (bool, error)

	ListChildren(ctx context.Context, parentID int64) ([]*Job, error)

	// ListStalled returns processing jobs of the given types whose
	// last update is older than the cutoff.
	ListStalled(ctx context.Context, types []Type, olderThan time.Time) ([]*Job, error)

	List(ctx context.Context, opts ListOptions) ([]*Job, error)
}

// ListOptions filters the admin job listing.
type ListOptions struct {
	States []State
	Limit  int
	Offset int
}

// PendingCounts is a snapshot of a video's pending-work counters.
type PendingCounts struct {
	Transcode     int
	Move          int
	Transcription int
}

// Total is the authoritative "all work done" signal: the video may
// leave its processing state only when Total reaches zero.
func (c PendingCounts) Total() int {
	return c.Transcode + c.Move + c.Transcription
}

// InfoStore tracks per-video pending-work counters.
type InfoStore interface {
	// Increment adds n to the given counter, creating the row on
	// first use.
	Increment(ctx context.Context, videoUUID uuid.UUID, counter Counter, n int) error

	// Decrement subtracts one from the given counter on behalf of a
	// finished job. At most one decrement per job ever lands, a
	// repeated call for the same job is a no-op. Reports whether this
	// call performed the decrement, plus the counts after the update.
	Decrement(ctx context.Context, videoUUID uuid.UUID, counter Counter, jobID int64) (bool, PendingCounts, error)

	Get(ctx context.Context, videoUUID uuid.UUID) (PendingCounts, error)
}

// TxStores bundles the job and counter stores bound to a single
// transaction.
type TxStores struct {
	Jobs  Store
	Infos InfoStore
}

// TxRunner runs fn inside one transaction, committing when fn returns
// nil and rolling everything back otherwise.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx TxStores) error) error
}
