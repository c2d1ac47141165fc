package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/streamkit/transcode-coordinator/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listOnlyStore records the options handed to List. The other store
// methods are never reached by the listing handler.
type listOnlyStore struct {
	gotOpts jobs.ListOptions
	list    []*jobs.Job
}

func (s *listOnlyStore) List(ctx context.Context, opts jobs.ListOptions) ([]*jobs.Job, error) {
	s.gotOpts = opts
	return s.list, nil
}

func (s *listOnlyStore) Create(ctx context.Context, job *jobs.Job) error { return nil }

func (s *listOnlyStore) GetByUUID(ctx context.Context, jobUUID uuid.UUID) (*jobs.Job, error) {
	return nil, jobs.ErrJobNotFound
}

func (s *listOnlyStore) GetByID(ctx context.Context, id int64) (*jobs.Job, error) {
	return nil, jobs.ErrJobNotFound
}

func (s *listOnlyStore) ClaimNext(ctx context.Context, runnerID int64, types []jobs.Type, claimToken string) (*jobs.Job, error) {
	return nil, jobs.ErrNoJobAvailable
}

func (s *listOnlyStore) RefreshProgress(ctx context.Context, id int64, claimToken string, progress *int) (bool, error) {
	return false, nil
}

func (s *listOnlyStore) Transition(ctx context.Context, id int64, tr jobs.Transition) (bool, error) {
	return false, nil
}

func (s *listOnlyStore) ListChildren(ctx context.Context, parentID int64) ([]*jobs.Job, error) {
	return nil, nil
}

func (s *listOnlyStore) ListStalled(ctx context.Context, types []jobs.Type, olderThan time.Time) ([]*jobs.Job, error) {
	return nil, nil
}

func TestListJobsQueryParameters(t *testing.T) {
	store := &listOnlyStore{list: []*jobs.Job{{
		UUID:      uuid.New(),
		Type:      jobs.TypeVODWebVideoTranscoding,
		State:     jobs.StatePending,
		Payload:   json.RawMessage(`{}`),
		CreatedAt: time.Now(),
	}}}
	s := &Server{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		jobStore: store,
	}

	rec := httptest.NewRecorder()
	s.handleListJobs(rec, httptest.NewRequest("GET", "/api/v1/jobs?state=pending&limit=5&offset=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []jobs.State{jobs.StatePending}, store.gotOpts.States)
	assert.Equal(t, 5, store.gotOpts.Limit)
	assert.Equal(t, 10, store.gotOpts.Offset)

	var body struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)

	// Absent or malformed parameters fall back to the defaults.
	rec = httptest.NewRecorder()
	s.handleListJobs(rec, httptest.NewRequest("GET", "/api/v1/jobs?limit=banana", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, store.gotOpts.States)
	assert.Equal(t, 100, store.gotOpts.Limit)
	assert.Zero(t, store.gotOpts.Offset)
}
