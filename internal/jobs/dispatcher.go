package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// NewClaimToken mints the opaque credential a runner must present on
// every callback for a claimed job.
func NewClaimToken() string {
	return "ptrjt-" + uuid.NewString()
}

// PostProcessEnqueuer schedules the durable post-processing of a
// completed job. The runner has already been told "done" by then, so
// the post-processing must survive coordinator crashes and retries.
type PostProcessEnqueuer interface {
	EnqueuePostProcess(ctx context.Context, jobUUID uuid.UUID) error
}

// Dispatcher drives the job state machine on behalf of runners, admins
// and the stall watchdog.
type Dispatcher struct {
	logger      *slog.Logger
	store       Store
	handlers    HandlerSet
	postProc    PostProcessEnqueuer
	maxFailures int
}

func NewDispatcher(logger *slog.Logger, store Store, handlers HandlerSet, postProc PostProcessEnqueuer, maxFailures int) *Dispatcher {
	return &Dispatcher{
		logger:      logger,
		store:       store,
		handlers:    handlers,
		postProc:    postProc,
		maxFailures: maxFailures,
	}
}

// Claim hands the best matching pending job to the requesting runner.
// Exactly one concurrent claim per job can succeed, the store claim is
// a single conditional update. Returns ErrNoJobAvailable when nothing
// matches the runner's advertised types.
func (d *Dispatcher) Claim(ctx context.Context, runnerID int64, acceptedTypes []Type) (*Job, error) {
	types := make([]Type, 0, len(acceptedTypes))
	for _, t := range acceptedTypes {
		if t.IsValid() {
			types = append(types, t)
		}
	}
	if len(types) == 0 {
		// An omitted list means "anything". A list of only unknown
		// types matches nothing: never hand a runner a job type it did
		// not ask for.
		if len(acceptedTypes) > 0 {
			return nil, ErrNoJobAvailable
		}
		types = AllTypes
	}

	job, err := d.store.ClaimNext(ctx, runnerID, types, NewClaimToken())
	if err != nil {
		return nil, err
	}

	d.logger.Info("runner claimed job",
		"job", job.UUID, "type", job.Type, "runnerID", runnerID)
	return job, nil
}

// ReportProgress refreshes the job's liveness stamp. Live jobs may
// attach an update payload carrying produced or rotated segments.
func (d *Dispatcher) ReportProgress(ctx context.Context, jobUUID uuid.UUID, claimToken string, progress *int, update json.RawMessage) error {
	job, err := d.ownedJob(ctx, jobUUID, claimToken)
	if err != nil {
		return err
	}

	if len(update) > 0 {
		if updater, ok := d.handlers.Get(job.Type).(ProgressUpdater); ok {
			if err := updater.OnUpdate(ctx, job, update); err != nil {
				return err
			}
		}
	}

	ok, err := d.store.RefreshProgress(ctx, job.ID, claimToken, progress)
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race against an abort or a steal.
		return ErrInvalidClaimToken
	}
	return nil
}

// ReportSuccess validates the runner's payload and completes the job.
// A malformed payload is a protocol violation: the job goes straight
// to errored without consuming a retry.
func (d *Dispatcher) ReportSuccess(ctx context.Context, jobUUID uuid.UUID, claimToken string, rawPayload json.RawMessage) error {
	job, err := d.store.GetByUUID(ctx, jobUUID)
	if err != nil {
		return err
	}

	// A success report retried after a post-processing hiccup: the job
	// already completed, just make sure post-processing is scheduled.
	if job.State == StateCompleted && job.ClaimToken != nil && *job.ClaimToken == claimToken {
		return d.postProc.EnqueuePostProcess(ctx, job.UUID)
	}

	if err := checkOwnership(job, claimToken); err != nil {
		return err
	}

	handler := d.handlers.Get(job.Type)
	result, err := handler.ValidateSuccess(rawPayload)
	if err != nil {
		d.logger.Error("runner sent an invalid success payload",
			"job", job.UUID, "type", job.Type, "err", err)
		msg := err.Error()
		won, terr := d.store.Transition(ctx, job.ID, Transition{
			From:         []State{StateProcessing},
			To:           StateErrored,
			RequireToken: &claimToken,
			SetError:     &msg,
		})
		if terr != nil {
			return terr
		}
		if won {
			if ferr := handler.OnTerminalFailure(ctx, job); ferr != nil {
				d.logger.Error("terminal failure hook failed", "job", job.UUID, "err", ferr)
			}
			if cerr := d.cascadeParentError(ctx, job.ID); cerr != nil {
				d.logger.Error("failed to cascade parent error", "job", job.UUID, "err", cerr)
			}
		}
		return err
	}

	won, err := d.store.Transition(ctx, job.ID, Transition{
		From:         []State{StateProcessing},
		To:           StateCompleted,
		RequireToken: &claimToken,
		SetResult:    result,
	})
	if err != nil {
		return err
	}
	if !won {
		return ErrInvalidClaimToken
	}

	d.logger.Info("job completed", "job", job.UUID, "type", job.Type)
	return d.postProc.EnqueuePostProcess(ctx, job.UUID)
}

// ReportFailure counts an execution error against the retry ceiling.
// Below the ceiling the job is re-enqueued with fresh claim
// eligibility, at the ceiling it is terminally errored.
func (d *Dispatcher) ReportFailure(ctx context.Context, jobUUID uuid.UUID, claimToken string, message string) error {
	job, err := d.ownedJob(ctx, jobUUID, claimToken)
	if err != nil {
		return err
	}

	if job.Failures+1 < d.maxFailures {
		won, err := d.store.Transition(ctx, job.ID, Transition{
			From:         []State{StateProcessing},
			To:           StatePending,
			RequireToken: &claimToken,
			IncFailures:  true,
			ClearClaim:   true,
		})
		if err != nil {
			return err
		}
		if !won {
			return ErrInvalidClaimToken
		}
		d.logger.Warn("job failed, re-enqueued",
			"job", job.UUID, "type", job.Type, "failures", job.Failures+1, "message", message)
		return nil
	}

	won, err := d.store.Transition(ctx, job.ID, Transition{
		From:         []State{StateProcessing},
		To:           StateErrored,
		RequireToken: &claimToken,
		IncFailures:  true,
		SetError:     &message,
	})
	if err != nil {
		return err
	}
	if !won {
		return ErrInvalidClaimToken
	}

	d.logger.Error("job errored after exhausting retries",
		"job", job.UUID, "type", job.Type, "message", message)

	handler := d.handlers.Get(job.Type)
	if ferr := handler.OnTerminalFailure(ctx, job); ferr != nil {
		d.logger.Error("terminal failure hook failed", "job", job.UUID, "err", ferr)
	}
	return d.cascadeParentError(ctx, job.ID)
}

// Abandon lets a runner give a processing job back without consuming a
// retry, e.g. on graceful runner shutdown.
func (d *Dispatcher) Abandon(ctx context.Context, jobUUID uuid.UUID, claimToken string, reason string) error {
	job, err := d.ownedJob(ctx, jobUUID, claimToken)
	if err != nil {
		return err
	}

	won, err := d.store.Transition(ctx, job.ID, Transition{
		From:         []State{StateProcessing},
		To:           StatePending,
		RequireToken: &claimToken,
		ClearClaim:   true,
	})
	if err != nil {
		return err
	}
	if !won {
		return ErrInvalidClaimToken
	}
	d.logger.Info("runner abandoned job", "job", job.UUID, "reason", reason)
	return nil
}

// Cancel marks a non-terminal job cancelled. Cancellation is
// cooperative: a runner already executing notices on its next report.
func (d *Dispatcher) Cancel(ctx context.Context, jobUUID uuid.UUID) error {
	job, err := d.store.GetByUUID(ctx, jobUUID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return ErrJobTerminal
	}
	if job.State != StatePending && job.State != StateProcessing {
		return ErrJobNotCancellable
	}

	won, err := d.store.Transition(ctx, job.ID, Transition{
		From: []State{StatePending, StateProcessing},
		To:   StateCancelled,
	})
	if err != nil {
		return err
	}
	if !won {
		return ErrJobNotCancellable
	}

	d.logger.Info("job cancelled", "job", job.UUID, "type", job.Type)

	handler := d.handlers.Get(job.Type)
	if ferr := handler.OnTerminalFailure(ctx, job); ferr != nil {
		d.logger.Error("terminal failure hook failed", "job", job.UUID, "err", ferr)
	}
	return d.cascadeParentError(ctx, job.ID)
}

// Abort is the privileged error path used by the stall watchdog. It
// bypasses the claim-token check but stays advisory: a job that
// concurrently reached a terminal state is left alone.
func (d *Dispatcher) Abort(ctx context.Context, jobUUID uuid.UUID, reason string) error {
	job, err := d.store.GetByUUID(ctx, jobUUID)
	if err != nil {
		return err
	}
	if job.State != StateProcessing {
		return nil
	}

	if job.Failures+1 < d.maxFailures {
		won, err := d.store.Transition(ctx, job.ID, Transition{
			From:        []State{StateProcessing},
			To:          StatePending,
			IncFailures: true,
			ClearClaim:  true,
		})
		if err != nil {
			return err
		}
		if won {
			d.logger.Warn("job aborted, re-enqueued",
				"job", job.UUID, "type", job.Type, "reason", reason)
		}
		return nil
	}

	msg := reason
	won, err := d.store.Transition(ctx, job.ID, Transition{
		From:        []State{StateProcessing},
		To:          StateErrored,
		IncFailures: true,
		SetError:    &msg,
	})
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	d.logger.Error("job aborted after exhausting retries",
		"job", job.UUID, "type", job.Type, "reason", reason)

	handler := d.handlers.Get(job.Type)
	if ferr := handler.OnTerminalFailure(ctx, job); ferr != nil {
		d.logger.Error("terminal failure hook failed", "job", job.UUID, "err", ferr)
	}
	return d.cascadeParentError(ctx, job.ID)
}

// PromoteChildren moves the direct dependents of a completed parent
// from waiting-for-parent-job to pending.
func (d *Dispatcher) PromoteChildren(ctx context.Context, parentID int64) error {
	children, err := d.store.ListChildren(ctx, parentID)
	if err != nil {
		return err
	}
	for _, child := range children {
		won, err := d.store.Transition(ctx, child.ID, Transition{
			From: []State{StateWaitingForParentJob},
			To:   StatePending,
		})
		if err != nil {
			return err
		}
		if won {
			d.logger.Info("dependent job is now pending",
				"job", child.UUID, "type", child.Type)
		}
	}
	return nil
}

// cascadeParentError walks the dependency chain below a terminally
// failed job: every waiting descendant will never get its input, so it
// is terminal by construction.
func (d *Dispatcher) cascadeParentError(ctx context.Context, parentID int64) error {
	children, err := d.store.ListChildren(ctx, parentID)
	if err != nil {
		return err
	}
	for _, child := range children {
		won, err := d.store.Transition(ctx, child.ID, Transition{
			From: []State{StateWaitingForParentJob},
			To:   StateParentErrored,
		})
		if err != nil {
			return err
		}
		if !won {
			continue
		}
		d.logger.Warn("job will never run, its parent failed",
			"job", child.UUID, "type", child.Type)

		handler := d.handlers.Get(child.Type)
		if ferr := handler.OnTerminalFailure(ctx, child); ferr != nil {
			d.logger.Error("terminal failure hook failed", "job", child.UUID, "err", ferr)
		}
		if err := d.cascadeParentError(ctx, child.ID); err != nil {
			return err
		}
	}
	return nil
}

// ownedJob loads a job and pre-checks state and ownership. The
// authoritative check stays in the conditional store update.
func (d *Dispatcher) ownedJob(ctx context.Context, jobUUID uuid.UUID, claimToken string) (*Job, error) {
	job, err := d.store.GetByUUID(ctx, jobUUID)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(job, claimToken); err != nil {
		return nil, err
	}
	return job, nil
}

func checkOwnership(job *Job, claimToken string) error {
	if job.State != StateProcessing {
		return fmt.Errorf("%w: job %s is %s", ErrJobNotProcessing, job.UUID, job.State)
	}
	if job.ClaimToken == nil || *job.ClaimToken != claimToken {
		return ErrInvalidClaimToken
	}
	return nil
}
