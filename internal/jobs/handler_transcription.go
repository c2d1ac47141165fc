package jobs

import (
	"context"
	"encoding/json"
	"fmt"
)

// TranscriptionHandler handles caption track generation jobs.
type TranscriptionHandler struct {
	vodHandler
}

func NewTranscriptionHandler(deps HandlerDeps) *TranscriptionHandler {
	return &TranscriptionHandler{vodHandler{deps: deps}}
}

func (h *TranscriptionHandler) Type() Type { return TypeVideoTranscription }

func (h *TranscriptionHandler) ValidateSuccess(raw json.RawMessage) (json.RawMessage, error) {
	var success TranscriptionSuccess
	if err := json.Unmarshal(raw, &success); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSuccessPayload, err)
	}
	if success.VTTFile == "" {
		return nil, fmt.Errorf("%w: missing vttFile", ErrInvalidSuccessPayload)
	}
	return json.Marshal(success)
}

func (h *TranscriptionHandler) OnComplete(ctx context.Context, job *Job) error {
	var result TranscriptionSuccess
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return fmt.Errorf("failed to decode result of job %s: %w", job.UUID, err)
	}
	return h.completeWithFiles(ctx, job, []string{result.VTTFile})
}
