package jobs

import (
	"context"
	"encoding/json"
	"fmt"
)

// LiveRTMPHLSHandler handles the long-running live RTMP to HLS
// transcode. Unlike the VOD variants it consumes mid-flight update
// payloads: every produced or rotated segment is applied to the live
// segment integrity store.
type LiveRTMPHLSHandler struct {
	deps HandlerDeps
}

func NewLiveRTMPHLSHandler(deps HandlerDeps) *LiveRTMPHLSHandler {
	return &LiveRTMPHLSHandler{deps: deps}
}

func (h *LiveRTMPHLSHandler) Type() Type { return TypeLiveRTMPHLSTranscoding }

// ValidateSuccess accepts the empty payload: a live job ending
// successfully simply means the stream ended.
func (h *LiveRTMPHLSHandler) ValidateSuccess(raw json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (h *LiveRTMPHLSHandler) OnUpdate(ctx context.Context, job *Job, update json.RawMessage) error {
	var payload LiveRTMPHLSTranscodingUpdate
	if err := json.Unmarshal(update, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSuccessPayload, err)
	}

	priv, err := job.DecodePrivatePayload()
	if err != nil {
		return fmt.Errorf("failed to decode private payload of job %s: %w", job.UUID, err)
	}
	sessionID := priv.VideoUUID.String()

	if payload.VideoChunkFile != "" {
		if err := h.deps.Live.AddSegment(sessionID, payload.VideoChunkFile); err != nil {
			return fmt.Errorf("failed to record segment digest: %w", err)
		}
	}
	for _, removed := range payload.RemovedVideoChunkFiles {
		h.deps.Live.RemoveSegment(sessionID, removed)
	}
	return nil
}

func (h *LiveRTMPHLSHandler) OnComplete(ctx context.Context, job *Job) error {
	return h.cleanupSession(job)
}

func (h *LiveRTMPHLSHandler) OnTerminalFailure(ctx context.Context, job *Job) error {
	return h.cleanupSession(job)
}

func (h *LiveRTMPHLSHandler) cleanupSession(job *Job) error {
	priv, err := job.DecodePrivatePayload()
	if err != nil {
		return fmt.Errorf("failed to decode private payload of job %s: %w", job.UUID, err)
	}
	h.deps.Live.Cleanup(priv.VideoUUID.String())
	h.deps.Logger.Info("live session ended, segment manifest dropped",
		"job", job.UUID, "videoUUID", priv.VideoUUID)
	return nil
}
