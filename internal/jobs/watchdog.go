package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// StallReason is the fixed abort reason the watchdog attaches to jobs
// whose runner went silent.
const StallReason = "stalled job"

// Watchdog periodically aborts processing jobs whose owning runner has
// gone silent past a category-specific threshold. VOD encoders can
// legitimately stay quiet for a long time between progress ticks, live
// jobs cannot or the stream desyncs.
type Watchdog struct {
	logger     *slog.Logger
	store      Store
	dispatcher *Dispatcher

	vodTimeout  time.Duration
	liveTimeout time.Duration
	schedule    string
}

func NewWatchdog(logger *slog.Logger, store Store, dispatcher *Dispatcher, vodTimeout, liveTimeout time.Duration, schedule string) *Watchdog {
	return &Watchdog{
		logger:      logger,
		store:       store,
		dispatcher:  dispatcher,
		vodTimeout:  vodTimeout,
		liveTimeout: liveTimeout,
		schedule:    schedule,
	}
}

// Schedule registers the sweep on the given cron engine.
func (w *Watchdog) Schedule(engine *cron.Cron) error {
	_, err := engine.AddFunc(w.schedule, func() {
		if err := w.Sweep(context.Background()); err != nil {
			w.logger.Error("stall sweep failed", "err", err)
		}
	})
	return err
}

// Sweep runs one pass over both staleness categories. Aborting is
// idempotent, a job completing concurrently with the sweep is left
// alone by the dispatcher's compare-and-set.
func (w *Watchdog) Sweep(ctx context.Context) error {
	now := time.Now()

	var liveTypes, vodTypes []Type
	for _, t := range AllTypes {
		if t.IsLive() {
			liveTypes = append(liveTypes, t)
		} else {
			vodTypes = append(vodTypes, t)
		}
	}

	if err := w.sweepCategory(ctx, liveTypes, now.Add(-w.liveTimeout)); err != nil {
		return err
	}
	return w.sweepCategory(ctx, vodTypes, now.Add(-w.vodTimeout))
}

func (w *Watchdog) sweepCategory(ctx context.Context, types []Type, cutoff time.Time) error {
	stalled, err := w.store.ListStalled(ctx, types, cutoff)
	if err != nil {
		return err
	}
	for _, job := range stalled {
		w.logger.Warn("aborting stalled job",
			"job", job.UUID, "type", job.Type, "lastUpdateAt", job.LastUpdateAt)
		if err := w.dispatcher.Abort(ctx, job.UUID, StallReason); err != nil {
			w.logger.Error("failed to abort stalled job", "job", job.UUID, "err", err)
		}
	}
	return nil
}
