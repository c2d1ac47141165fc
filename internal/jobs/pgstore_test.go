package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/streamkit/transcode-coordinator/internal/db"
)

// startPostgres spins up a throwaway postgres and returns a migrated
// pool.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "coordinator",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/coordinator", host, port.Port())
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.MigrateUp(ctx, pool))
	return pool
}

func insertPendingJob(t *testing.T, store *PGStore, videoUUID uuid.UUID, priority int) *Job {
	t.Helper()
	payload, err := json.Marshal(VODWebVideoTranscodingPayload{
		InputFileURL: "https://origin.example.com/input.mp4",
		Resolution:   720,
	})
	require.NoError(t, err)
	private, err := json.Marshal(PrivatePayload{VideoUUID: videoUUID})
	require.NoError(t, err)

	job := &Job{
		Type:           TypeVODWebVideoTranscoding,
		State:          StatePending,
		Payload:        payload,
		PrivatePayload: private,
		Priority:       priority,
	}
	require.NoError(t, store.Create(context.Background(), job))
	return job
}

func TestPGStoreExclusiveClaim(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	pool := startPostgres(t)
	store := NewPGStore(pool)
	ctx := context.Background()

	created := insertPendingJob(t, store, uuid.New(), 0)

	// Many runners race for the single pending job, exactly one wins.
	const racers = 20
	var wg sync.WaitGroup
	winners := make(chan *Job, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(runnerID int64) {
			defer wg.Done()
			job, err := store.ClaimNext(ctx, runnerID, AllTypes, NewClaimToken())
			if err == nil {
				winners <- job
			} else {
				assert.ErrorIs(t, err, ErrNoJobAvailable)
			}
		}(int64(i + 1))
	}
	wg.Wait()
	close(winners)

	var claimed []*Job
	for job := range winners {
		claimed = append(claimed, job)
	}
	require.Len(t, claimed, 1)
	assert.Equal(t, created.UUID, claimed[0].UUID)
	assert.Equal(t, StateProcessing, claimed[0].State)
	require.NotNil(t, claimed[0].ClaimToken)
	require.NotNil(t, claimed[0].StartedAt)

	job, err := store.GetByUUID(ctx, created.UUID)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, job.State)
}

func TestPGStoreClaimOrderingAndTransitions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	pool := startPostgres(t)
	store := NewPGStore(pool)
	ctx := context.Background()

	low := insertPendingJob(t, store, uuid.New(), 0)
	high := insertPendingJob(t, store, uuid.New(), 10)

	first, err := store.ClaimNext(ctx, 1, AllTypes, NewClaimToken())
	require.NoError(t, err)
	assert.Equal(t, high.UUID, first.UUID)

	second, err := store.ClaimNext(ctx, 1, AllTypes, NewClaimToken())
	require.NoError(t, err)
	assert.Equal(t, low.UUID, second.UUID)

	_, err = store.ClaimNext(ctx, 1, AllTypes, NewClaimToken())
	assert.ErrorIs(t, err, ErrNoJobAvailable)

	// The completion update is gated on the claim token.
	wrong := "ptrjt-wrong"
	won, err := store.Transition(ctx, first.ID, Transition{
		From:         []State{StateProcessing},
		To:           StateCompleted,
		RequireToken: &wrong,
		SetResult:    json.RawMessage(`{"videoFile":"a.mp4"}`),
	})
	require.NoError(t, err)
	assert.False(t, won)

	won, err = store.Transition(ctx, first.ID, Transition{
		From:         []State{StateProcessing},
		To:           StateCompleted,
		RequireToken: first.ClaimToken,
		SetResult:    json.RawMessage(`{"videoFile":"a.mp4"}`),
	})
	require.NoError(t, err)
	assert.True(t, won)

	job, err := store.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	require.NotNil(t, job.Progress)
	assert.Equal(t, 100, *job.Progress)
	require.NotNil(t, job.FinishedAt)
	assert.JSONEq(t, `{"videoFile":"a.mp4"}`, string(job.Result))

	// Requeue clears the claim so the job is claimable again.
	won, err = store.Transition(ctx, second.ID, Transition{
		From:         []State{StateProcessing},
		To:           StatePending,
		RequireToken: second.ClaimToken,
		IncFailures:  true,
		ClearClaim:   true,
	})
	require.NoError(t, err)
	assert.True(t, won)

	job, err = store.GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, job.State)
	assert.Equal(t, 1, job.Failures)
	assert.Nil(t, job.ClaimToken)
	assert.Nil(t, job.RunnerID)
}

func TestPGInfoStoreCounters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	pool := startPostgres(t)
	infos := NewPGInfoStore(pool)
	store := NewPGStore(pool)
	ctx := context.Background()
	videoUUID := uuid.New()

	// Unknown videos read as zero.
	counts, err := infos.Get(ctx, videoUUID)
	require.NoError(t, err)
	assert.Zero(t, counts.Total())

	jobA := insertPendingJob(t, store, videoUUID, 0)
	jobB := insertPendingJob(t, store, videoUUID, 0)
	jobC := insertPendingJob(t, store, videoUUID, 0)

	require.NoError(t, infos.Increment(ctx, videoUUID, CounterTranscode, 2))
	require.NoError(t, infos.Increment(ctx, videoUUID, CounterTranscription, 1))

	counts, err = infos.Get(ctx, videoUUID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Transcode)
	assert.Equal(t, 1, counts.Transcription)
	assert.Equal(t, 3, counts.Total())

	settled, counts, err := infos.Decrement(ctx, videoUUID, CounterTranscode, jobA.ID)
	require.NoError(t, err)
	assert.True(t, settled)
	assert.Equal(t, 2, counts.Total())

	// The same job decrementing again is a no-op: a retried
	// post-processing run must not drain the counter twice.
	settled, counts, err = infos.Decrement(ctx, videoUUID, CounterTranscode, jobA.ID)
	require.NoError(t, err)
	assert.False(t, settled)
	assert.Equal(t, 2, counts.Total())

	settled, _, err = infos.Decrement(ctx, videoUUID, CounterTranscode, jobB.ID)
	require.NoError(t, err)
	assert.True(t, settled)
	settled, counts, err = infos.Decrement(ctx, videoUUID, CounterTranscription, jobC.ID)
	require.NoError(t, err)
	assert.True(t, settled)
	assert.Zero(t, counts.Total())

	// Decrement floors at zero instead of going negative.
	jobD := insertPendingJob(t, store, videoUUID, 0)
	settled, counts, err = infos.Decrement(ctx, videoUUID, CounterTranscode, jobD.ID)
	require.NoError(t, err)
	assert.True(t, settled)
	assert.Zero(t, counts.Transcode)
}

func TestPGTxRunnerRollsBack(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	pool := startPostgres(t)
	runner := NewPGTxRunner(pool)
	ctx := context.Background()
	videoUUID := uuid.New()

	boom := errors.New("boom")
	err := runner.InTx(ctx, func(tx TxStores) error {
		if err := tx.Infos.Increment(ctx, videoUUID, CounterTranscode, 1); err != nil {
			return err
		}
		payload, err := json.Marshal(VODWebVideoTranscodingPayload{
			InputFileURL: "https://origin.example.com/input.mp4",
			Resolution:   720,
		})
		if err != nil {
			return err
		}
		private, err := json.Marshal(PrivatePayload{VideoUUID: videoUUID})
		if err != nil {
			return err
		}
		if err := tx.Jobs.Create(ctx, &Job{
			Type:           TypeVODWebVideoTranscoding,
			State:          StatePending,
			Payload:        payload,
			PrivatePayload: private,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Neither the job nor the counter increment survived the rollback.
	counts, err := NewPGInfoStore(pool).Get(ctx, videoUUID)
	require.NoError(t, err)
	assert.Zero(t, counts.Total())

	list, err := NewPGStore(pool).List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
}
