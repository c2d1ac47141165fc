package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
)

// vodHandler carries the post-processing shared by every VOD variant:
// place the produced files, delete the superseded input when
// instructed, and settle the video's pending counter.
type vodHandler struct {
	deps HandlerDeps
}

func storageKey(videoUUID, localPath string) string {
	return fmt.Sprintf("videos/%s/%s", videoUUID, filepath.Base(localPath))
}

// completeWithFiles moves the runner-produced files into object
// storage. The per-video lock is held only for the file operations, a
// caption move and a transcode finishing together must not interleave
// on the same video's files.
func (h *vodHandler) completeWithFiles(ctx context.Context, job *Job, producedFiles []string) error {
	priv, err := job.DecodePrivatePayload()
	if err != nil {
		return fmt.Errorf("failed to decode private payload of job %s: %w", job.UUID, err)
	}

	videoKey := priv.VideoUUID.String()
	h.deps.VideoLocks.Lock(videoKey)

	for _, file := range producedFiles {
		locator, err := h.deps.Objects.SaveFile(ctx, file, storageKey(videoKey, file))
		if err != nil {
			h.deps.VideoLocks.Unlock(videoKey)
			return fmt.Errorf("failed to store produced file %q: %w", file, err)
		}
		h.deps.Logger.Debug("stored produced file", "job", job.UUID, "locator", locator)
	}

	if priv.DeleteInputFile != "" {
		if err := h.deps.Objects.Remove(ctx, priv.DeleteInputFile); err != nil {
			h.deps.VideoLocks.Unlock(videoKey)
			return fmt.Errorf("failed to delete superseded input %q: %w", priv.DeleteInputFile, err)
		}
	}

	h.deps.VideoLocks.Unlock(videoKey)

	return finishVideoWork(ctx, h.deps, job, priv.VideoUUID)
}

func (h *vodHandler) OnTerminalFailure(ctx context.Context, job *Job) error {
	priv, err := job.DecodePrivatePayload()
	if err != nil {
		return fmt.Errorf("failed to decode private payload of job %s: %w", job.UUID, err)
	}
	return finishVideoWork(ctx, h.deps, job, priv.VideoUUID)
}

// VODWebVideoHandler handles classic mp4 web video transcodes.
type VODWebVideoHandler struct {
	vodHandler
}

func NewVODWebVideoHandler(deps HandlerDeps) *VODWebVideoHandler {
	return &VODWebVideoHandler{vodHandler{deps: deps}}
}

func (h *VODWebVideoHandler) Type() Type { return TypeVODWebVideoTranscoding }

func (h *VODWebVideoHandler) ValidateSuccess(raw json.RawMessage) (json.RawMessage, error) {
	var success VODWebVideoTranscodingSuccess
	if err := json.Unmarshal(raw, &success); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSuccessPayload, err)
	}
	if success.VideoFile == "" {
		return nil, fmt.Errorf("%w: missing videoFile", ErrInvalidSuccessPayload)
	}
	return json.Marshal(success)
}

func (h *VODWebVideoHandler) OnComplete(ctx context.Context, job *Job) error {
	var result VODWebVideoTranscodingSuccess
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return fmt.Errorf("failed to decode result of job %s: %w", job.UUID, err)
	}
	return h.completeWithFiles(ctx, job, []string{result.VideoFile})
}

// VODHLSHandler handles HLS rendition transcodes.
type VODHLSHandler struct {
	vodHandler
}

func NewVODHLSHandler(deps HandlerDeps) *VODHLSHandler {
	return &VODHLSHandler{vodHandler{deps: deps}}
}

func (h *VODHLSHandler) Type() Type { return TypeVODHLSTranscoding }

func (h *VODHLSHandler) ValidateSuccess(raw json.RawMessage) (json.RawMessage, error) {
	var success VODHLSTranscodingSuccess
	if err := json.Unmarshal(raw, &success); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSuccessPayload, err)
	}
	if success.VideoFile == "" {
		return nil, fmt.Errorf("%w: missing videoFile", ErrInvalidSuccessPayload)
	}
	if success.ResolutionPlaylistFile == "" {
		return nil, fmt.Errorf("%w: missing resolutionPlaylistFile", ErrInvalidSuccessPayload)
	}
	return json.Marshal(success)
}

func (h *VODHLSHandler) OnComplete(ctx context.Context, job *Job) error {
	var result VODHLSTranscodingSuccess
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return fmt.Errorf("failed to decode result of job %s: %w", job.UUID, err)
	}
	return h.completeWithFiles(ctx, job, []string{result.VideoFile, result.ResolutionPlaylistFile})
}

// VODAudioMergeHandler handles still image plus audio merges.
type VODAudioMergeHandler struct {
	vodHandler
}

func NewVODAudioMergeHandler(deps HandlerDeps) *VODAudioMergeHandler {
	return &VODAudioMergeHandler{vodHandler{deps: deps}}
}

func (h *VODAudioMergeHandler) Type() Type { return TypeVODAudioMergeTranscoding }

func (h *VODAudioMergeHandler) ValidateSuccess(raw json.RawMessage) (json.RawMessage, error) {
	var success VODAudioMergeTranscodingSuccess
	if err := json.Unmarshal(raw, &success); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSuccessPayload, err)
	}
	if success.VideoFile == "" {
		return nil, fmt.Errorf("%w: missing videoFile", ErrInvalidSuccessPayload)
	}
	return json.Marshal(success)
}

func (h *VODAudioMergeHandler) OnComplete(ctx context.Context, job *Job) error {
	var result VODAudioMergeTranscodingSuccess
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return fmt.Errorf("failed to decode result of job %s: %w", job.UUID, err)
	}
	return h.completeWithFiles(ctx, job, []string{result.VideoFile})
}

// VideoStudioHandler handles ordered edit-task transcodes.
type VideoStudioHandler struct {
	vodHandler
}

func NewVideoStudioHandler(deps HandlerDeps) *VideoStudioHandler {
	return &VideoStudioHandler{vodHandler{deps: deps}}
}

func (h *VideoStudioHandler) Type() Type { return TypeVideoStudioTranscoding }

func (h *VideoStudioHandler) ValidateSuccess(raw json.RawMessage) (json.RawMessage, error) {
	var success VideoStudioTranscodingSuccess
	if err := json.Unmarshal(raw, &success); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSuccessPayload, err)
	}
	if success.VideoFile == "" {
		return nil, fmt.Errorf("%w: missing videoFile", ErrInvalidSuccessPayload)
	}
	return json.Marshal(success)
}

func (h *VideoStudioHandler) OnComplete(ctx context.Context, job *Job) error {
	var result VideoStudioTranscodingSuccess
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return fmt.Errorf("failed to decode result of job %s: %w", job.UUID, err)
	}
	return h.completeWithFiles(ctx, job, []string{result.VideoFile})
}

// ValidateStudioTasks rejects a build request with unknown or empty
// edit steps before any job is enqueued.
func ValidateStudioTasks(tasks []StudioTask) error {
	if len(tasks) == 0 {
		return fmt.Errorf("studio transcoding requires at least one task")
	}
	for _, task := range tasks {
		switch task.Name {
		case StudioTaskCut, StudioTaskAddIntro, StudioTaskAddOutro, StudioTaskAddWatermark:
		default:
			return fmt.Errorf("unknown studio task %q", task.Name)
		}
	}
	return nil
}
