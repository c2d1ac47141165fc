package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ObjectStore is the file placement boundary used by handler
// post-processing.
type ObjectStore interface {
	// SaveFile uploads a local file under the given key and returns
	// its locator.
	SaveFile(ctx context.Context, localPath, key string) (string, error)
	Remove(ctx context.Context, key string) error
}

// FederationNotifier is invoked once a video's pending-work counters
// drain to zero.
type FederationNotifier interface {
	NotifyVideoUpdated(ctx context.Context, videoUUID uuid.UUID) error
}

// SegmentTracker records live HLS segment digests for the public
// integrity manifest.
type SegmentTracker interface {
	AddSegment(sessionID, segmentPath string) error
	RemoveSegment(sessionID, segmentPath string)
	Cleanup(sessionID string)
}

// Handler is the per-job-type contract: validate what the runner
// reports and run the type-specific post-processing.
type Handler interface {
	Type() Type

	// ValidateSuccess checks a runner success payload and returns its
	// normalized form, which is stored on the job record so
	// post-processing can resume from the record alone. A failure here
	// is a protocol violation, not a retryable error.
	ValidateSuccess(raw json.RawMessage) (json.RawMessage, error)

	// OnComplete runs the post-processing for a completed job. It must
	// be idempotent: it is retried independently of the job record.
	OnComplete(ctx context.Context, job *Job) error

	// OnTerminalFailure releases per-video bookkeeping once a job
	// reaches errored, parent-errored or cancelled.
	OnTerminalFailure(ctx context.Context, job *Job) error
}

// ProgressUpdater is implemented by handlers that consume mid-flight
// update payloads, currently only live transcoding.
type ProgressUpdater interface {
	OnUpdate(ctx context.Context, job *Job, update json.RawMessage) error
}

// HandlerDeps bundles the collaborators shared by every handler.
type HandlerDeps struct {
	Logger   *slog.Logger
	Store    Store
	Infos    InfoStore
	Objects  ObjectStore
	Notifier FederationNotifier
	Live     SegmentTracker

	// VideoLocks serializes file placement per video. Held only for
	// the duration of the file operation.
	VideoLocks *KeyedMutex
}

// HandlerSet is the closed lookup from job type to handler. The type
// set is fixed at build time, no dynamic registration.
type HandlerSet map[Type]Handler

// NewHandlerSet wires one handler per job type.
func NewHandlerSet(deps HandlerDeps) HandlerSet {
	set := HandlerSet{}
	for _, h := range []Handler{
		NewVODWebVideoHandler(deps),
		NewVODHLSHandler(deps),
		NewVODAudioMergeHandler(deps),
		NewVideoStudioHandler(deps),
		NewLiveRTMPHLSHandler(deps),
		NewTranscriptionHandler(deps),
	} {
		set[h.Type()] = h
	}
	return set
}

// Get panics on an unknown type: the enumeration is closed and a miss
// is a programming error.
func (s HandlerSet) Get(t Type) Handler {
	h, ok := s[t]
	if !ok {
		panic(fmt.Errorf("%w: %q", ErrPanicInvalidType, t))
	}
	return h
}

// finishVideoWork decrements the video's pending counter at most once
// per job and, on the drain to zero, notifies the federation layer.
// The decrement is a single conditional update, so exactly one job per
// video observes the zero crossing and a retried post-processing run
// never drains the counter again.
func finishVideoWork(ctx context.Context, deps HandlerDeps, job *Job, videoUUID uuid.UUID) error {
	counter := job.Type.PendingCounter()
	if counter == CounterNone {
		return nil
	}

	settled, counts, err := deps.Infos.Decrement(ctx, videoUUID, counter, job.ID)
	if err != nil {
		return err
	}
	if !settled || counts.Total() > 0 {
		return nil
	}

	deps.Logger.Info("video has no more pending work, notifying federation",
		"videoUUID", videoUUID)
	if err := deps.Notifier.NotifyVideoUpdated(ctx, videoUUID); err != nil {
		return fmt.Errorf("failed to notify federation for video %s: %w", videoUUID, err)
	}
	return nil
}
