package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// PostProcessArgs schedules the post-processing of a completed runner
// job. This is used as the River job args payload.
type PostProcessArgs struct {
	JobUUID uuid.UUID `json:"jobUuid"`
}

// Kind returns the job kind identifier for River.
func (PostProcessArgs) Kind() string {
	return "runner-job-post-process"
}

// RiverEnqueuer inserts post-processing jobs into River.
type RiverEnqueuer struct {
	Client *river.Client[pgx.Tx]
}

func (e *RiverEnqueuer) EnqueuePostProcess(ctx context.Context, jobUUID uuid.UUID) error {
	_, err := e.Client.Insert(ctx, PostProcessArgs{JobUUID: jobUUID}, nil)
	return err
}

// PostProcessWorker runs the handler post-processing for completed
// jobs. River retries it on failure, so the runner is never asked to
// redo finished work because a coordinator-side step crashed.
type PostProcessWorker struct {
	river.WorkerDefaults[PostProcessArgs]

	Logger     *slog.Logger
	Store      Store
	Handlers   HandlerSet
	Dispatcher *Dispatcher
}

func (w *PostProcessWorker) Work(ctx context.Context, rjob *river.Job[PostProcessArgs]) error {
	job, err := w.Store.GetByUUID(ctx, rjob.Args.JobUUID)
	if errors.Is(err, ErrJobNotFound) {
		// Record pruned meanwhile, nothing left to do.
		return nil
	} else if err != nil {
		return err
	}

	if job.State != StateCompleted {
		w.Logger.Warn("skipping post-processing, job is not completed",
			"job", job.UUID, "state", job.State)
		return nil
	}

	handler := w.Handlers.Get(job.Type)
	if err := handler.OnComplete(ctx, job); err != nil {
		return err
	}

	return w.Dispatcher.PromoteChildren(ctx, job.ID)
}
