package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// JobRequest describes one job to enqueue.
type JobRequest struct {
	Type     Type
	Payload  any
	Private  PrivatePayload
	Priority int
}

// Builder translates high-level transcoding requests into concrete
// jobs, honoring sequential dependencies and keeping the per-video
// pending counters in step with what was enqueued.
type Builder struct {
	logger *slog.Logger
	tx     TxRunner
}

func NewBuilder(logger *slog.Logger, tx TxRunner) *Builder {
	return &Builder{logger: logger, tx: tx}
}

func (b *Builder) newJob(req JobRequest, state State, parentID *int64) (*Job, error) {
	if !req.Type.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrPanicInvalidType, req.Type)
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	private, err := json.Marshal(req.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private payload: %w", err)
	}
	return &Job{
		Type:           req.Type,
		State:          state,
		Payload:        payload,
		PrivatePayload: private,
		Priority:       req.Priority,
		ParentID:       parentID,
	}, nil
}

// countWork bumps the counters in the same transaction as the job
// inserts, so a claimable job always has its counter contribution in
// place and a failed insert leaves no orphaned increment behind.
func (b *Builder) countWork(ctx context.Context, infos InfoStore, reqs []JobRequest) error {
	type key struct {
		video   uuid.UUID
		counter Counter
	}
	added := map[key]int{}
	for _, req := range reqs {
		counter := req.Type.PendingCounter()
		if counter == CounterNone {
			continue
		}
		added[key{req.Private.VideoUUID, counter}]++
	}
	for k, n := range added {
		if err := infos.Increment(ctx, k.video, k.counter, n); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) createJobs(ctx context.Context, tx TxStores, reqs []JobRequest) ([]*Job, error) {
	if err := b.countWork(ctx, tx.Infos, reqs); err != nil {
		return nil, err
	}

	created := make([]*Job, 0, len(reqs))
	for _, req := range reqs {
		job, err := b.newJob(req, StatePending, nil)
		if err != nil {
			return nil, err
		}
		if err := tx.Jobs.Create(ctx, job); err != nil {
			return nil, err
		}
		b.logger.Info("enqueued job", "job", job.UUID, "type", job.Type)
		created = append(created, job)
	}
	return created, nil
}

func (b *Builder) createSequentialJobs(ctx context.Context, tx TxStores, reqs []JobRequest) ([]*Job, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if err := b.countWork(ctx, tx.Infos, reqs); err != nil {
		return nil, err
	}

	created := make([]*Job, 0, len(reqs))
	var parentID *int64
	for i, req := range reqs {
		state := StateWaitingForParentJob
		if i == 0 {
			state = StatePending
		}
		job, err := b.newJob(req, state, parentID)
		if err != nil {
			return nil, err
		}
		if err := tx.Jobs.Create(ctx, job); err != nil {
			return nil, err
		}
		b.logger.Info("enqueued job", "job", job.UUID, "type", job.Type, "state", job.State)
		created = append(created, job)
		id := job.ID
		parentID = &id
	}
	return created, nil
}

// CreateJob enqueues a single immediately claimable job.
func (b *Builder) CreateJob(ctx context.Context, req JobRequest) (*Job, error) {
	created, err := b.CreateJobs(ctx, []JobRequest{req})
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

// CreateJobs enqueues a flat set of independent jobs, all pending.
func (b *Builder) CreateJobs(ctx context.Context, reqs []JobRequest) ([]*Job, error) {
	var created []*Job
	err := b.tx.InTx(ctx, func(tx TxStores) error {
		var err error
		created, err = b.createJobs(ctx, tx, reqs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateSequentialJobs enqueues an ordered flow: the first entry is
// pending, every later entry waits on the previous one.
func (b *Builder) CreateSequentialJobs(ctx context.Context, reqs []JobRequest) ([]*Job, error) {
	var created []*Job
	err := b.tx.InTx(ctx, func(tx TxStores) error {
		var err error
		created, err = b.createSequentialJobs(ctx, tx, reqs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// VODBuildOptions describes a "transcode this video" request.
type VODBuildOptions struct {
	VideoUUID    uuid.UUID
	IsNewVideo   bool
	InputFileURL string
	// Resolutions to produce, one flow per entry.
	Resolutions []int
	FPS         int
	// HLS additionally produces an HLS rendition per resolution,
	// sequenced after the web video transcode of that resolution.
	HLS bool
	// Transcribe additionally enqueues a caption track job.
	Transcribe bool
	Language   string
	// DeleteInputFile marks the uploaded original for removal once the
	// first transcode of it succeeds.
	DeleteInputFile string
	Priority        int
}

// BuildVODJobs fans a video out into per-resolution flows plus an
// optional transcription job. The whole fan-out commits atomically: a
// failure mid-way leaves neither jobs nor counter increments behind.
func (b *Builder) BuildVODJobs(ctx context.Context, opts VODBuildOptions) ([]*Job, error) {
	if len(opts.Resolutions) == 0 {
		return nil, fmt.Errorf("at least one resolution is required")
	}

	private := PrivatePayload{
		VideoUUID:  opts.VideoUUID,
		IsNewVideo: opts.IsNewVideo,
	}

	var created []*Job
	err := b.tx.InTx(ctx, func(tx TxStores) error {
		created = nil
		for i, resolution := range opts.Resolutions {
			webReq := JobRequest{
				Type: TypeVODWebVideoTranscoding,
				Payload: VODWebVideoTranscodingPayload{
					InputFileURL: opts.InputFileURL,
					Resolution:   resolution,
					FPS:          opts.FPS,
				},
				Private:  private,
				Priority: opts.Priority,
			}
			// Only the first flow may delete the uploaded original.
			if i == 0 {
				webReq.Private.DeleteInputFile = opts.DeleteInputFile
			}

			if opts.HLS {
				hlsReq := JobRequest{
					Type: TypeVODHLSTranscoding,
					Payload: VODHLSTranscodingPayload{
						InputFileURL: opts.InputFileURL,
						Resolution:   resolution,
						FPS:          opts.FPS,
					},
					Private:  private,
					Priority: opts.Priority,
				}
				flow, err := b.createSequentialJobs(ctx, tx, []JobRequest{webReq, hlsReq})
				if err != nil {
					return err
				}
				created = append(created, flow...)
			} else {
				flow, err := b.createJobs(ctx, tx, []JobRequest{webReq})
				if err != nil {
					return err
				}
				created = append(created, flow...)
			}
		}

		if opts.Transcribe {
			flow, err := b.createJobs(ctx, tx, []JobRequest{{
				Type: TypeVideoTranscription,
				Payload: TranscriptionPayload{
					InputFileURL: opts.InputFileURL,
					Language:     opts.Language,
				},
				Private:  private,
				Priority: opts.Priority,
			}})
			if err != nil {
				return err
			}
			created = append(created, flow...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// BuildLiveJob enqueues the long-running live RTMP to HLS transcode
// for a live session.
func (b *Builder) BuildLiveJob(ctx context.Context, videoUUID uuid.UUID, payload LiveRTMPHLSTranscodingPayload, priority int) (*Job, error) {
	return b.CreateJob(ctx, JobRequest{
		Type:     TypeLiveRTMPHLSTranscoding,
		Payload:  payload,
		Private:  PrivatePayload{VideoUUID: videoUUID},
		Priority: priority,
	})
}

// BuildStudioJob enqueues an ordered edit-task transcode.
func (b *Builder) BuildStudioJob(ctx context.Context, videoUUID uuid.UUID, inputFileURL string, tasks []StudioTask, priority int) (*Job, error) {
	if err := ValidateStudioTasks(tasks); err != nil {
		return nil, err
	}
	return b.CreateJob(ctx, JobRequest{
		Type: TypeVideoStudioTranscoding,
		Payload: VideoStudioTranscodingPayload{
			InputFileURL: inputFileURL,
			Tasks:        tasks,
		},
		Private:  PrivatePayload{VideoUUID: videoUUID},
		Priority: priority,
	})
}
