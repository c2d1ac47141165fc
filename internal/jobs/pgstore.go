package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, uuid, type, state, payload, private_payload, result,
	priority, failures, progress, error, parent_id, claim_token, runner_id,
	last_update_at, started_at, finished_at, created_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// store code runs on the pool or inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore is the postgres-backed job store.
type PGStore struct {
	db querier
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{db: pool}
}

// PGTxRunner groups store calls into one postgres transaction.
type PGTxRunner struct {
	pool *pgxpool.Pool
}

func NewPGTxRunner(pool *pgxpool.Pool) *PGTxRunner {
	return &PGTxRunner{pool: pool}
}

func (r *PGTxRunner) InTx(ctx context.Context, fn func(tx TxStores) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(TxStores{Jobs: &PGStore{db: tx}, Infos: &PGInfoStore{db: tx}})
	})
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.UUID, &j.Type, &j.State, &j.Payload, &j.PrivatePayload, &j.Result,
		&j.Priority, &j.Failures, &j.Progress, &j.Error, &j.ParentID, &j.ClaimToken, &j.RunnerID,
		&j.LastUpdateAt, &j.StartedAt, &j.FinishedAt, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PGStore) Create(ctx context.Context, job *Job) error {
	if job.UUID == uuid.Nil {
		job.UUID = uuid.New()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO runner_jobs (uuid, type, state, payload, private_payload, priority, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		job.UUID, job.Type, job.State, job.Payload, job.PrivatePayload, job.Priority, job.ParentID,
	).Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *PGStore) GetByUUID(ctx context.Context, jobUUID uuid.UUID) (*Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM runner_jobs WHERE uuid = $1`, jobUUID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobUUID, err)
	}
	return job, nil
}

func (s *PGStore) GetByID(ctx context.Context, id int64) (*Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM runner_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load job %d: %w", id, err)
	}
	return job, nil
}

// ClaimNext is the sole serialization point for concurrent claims: the
// inner SELECT takes a row lock with SKIP LOCKED so exactly one caller
// wins each pending job.
func (s *PGStore) ClaimNext(ctx context.Context, runnerID int64, types []Type, claimToken string) (*Job, error) {
	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}

	job, err := scanJob(s.db.QueryRow(ctx, `
		UPDATE runner_jobs SET
			state = $1,
			claim_token = $2,
			runner_id = $3,
			progress = 0,
			started_at = now(),
			last_update_at = now()
		WHERE id = (
			SELECT id FROM runner_jobs
			WHERE state = $4 AND type = ANY($5)
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		StateProcessing, claimToken, runnerID, StatePending, typeStrs,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoJobAvailable
	} else if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

func (s *PGStore) RefreshProgress(ctx context.Context, id int64, claimToken string, progress *int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE runner_jobs SET progress = COALESCE($1, progress), last_update_at = now()
		WHERE id = $2 AND state = $3 AND claim_token = $4`,
		progress, id, StateProcessing, claimToken,
	)
	if err != nil {
		return false, fmt.Errorf("failed to refresh job progress: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) Transition(ctx context.Context, id int64, tr Transition) (bool, error) {
	sets := []string{"state = $1"}
	args := []any{tr.To, id}
	next := 3

	addSet := func(expr string, value any) {
		sets = append(sets, fmt.Sprintf(expr, next))
		args = append(args, value)
		next++
	}

	if tr.SetError != nil {
		addSet("error = $%d", *tr.SetError)
	}
	if tr.SetResult != nil {
		addSet("result = $%d", tr.SetResult)
	}
	if tr.IncFailures {
		sets = append(sets, "failures = failures + 1")
	}
	if tr.ClearClaim {
		sets = append(sets, "claim_token = NULL", "runner_id = NULL")
	}
	if tr.To.IsTerminal() {
		sets = append(sets, "finished_at = now()")
	}
	if tr.To == StateCompleted {
		sets = append(sets, "progress = 100")
	}

	fromStrs := make([]string, len(tr.From))
	for i, st := range tr.From {
		fromStrs[i] = string(st)
	}
	conds := []string{"id = $2", fmt.Sprintf("state = ANY($%d)", next)}
	args = append(args, fromStrs)
	next++

	if tr.RequireToken != nil {
		conds = append(conds, fmt.Sprintf("claim_token = $%d", next))
		args = append(args, *tr.RequireToken)
		next++
	}

	query := "UPDATE runner_jobs SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(conds, " AND ")

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition job %d to %s: %w", id, tr.To, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) ListChildren(ctx context.Context, parentID int64) ([]*Job, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM runner_jobs WHERE parent_id = $1 ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PGStore) ListStalled(ctx context.Context, types []Type, olderThan time.Time) ([]*Job, error) {
	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM runner_jobs
		WHERE state = $1 AND type = ANY($2) AND last_update_at < $3`,
		StateProcessing, typeStrs, olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PGStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM runner_jobs`
	args := []any{}
	if len(opts.States) > 0 {
		stateStrs := make([]string, len(opts.States))
		for i, st := range opts.States {
			stateStrs[i] = string(st)
		}
		query += ` WHERE state = ANY($1)`
		args = append(args, stateStrs)
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, opts.Limit, opts.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}
	return out, nil
}

// PGInfoStore is the postgres-backed per-video counter store.
type PGInfoStore struct {
	db querier
}

func NewPGInfoStore(pool *pgxpool.Pool) *PGInfoStore {
	return &PGInfoStore{db: pool}
}

// counterColumn guards against anything but the closed counter set
// reaching the SQL text.
func counterColumn(counter Counter) (string, error) {
	switch counter {
	case CounterTranscode, CounterMove, CounterTranscription:
		return string(counter), nil
	default:
		return "", fmt.Errorf("unknown pending counter %q", counter)
	}
}

func (s *PGInfoStore) Increment(ctx context.Context, videoUUID uuid.UUID, counter Counter, n int) error {
	col, err := counterColumn(counter)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO video_job_infos (video_uuid, %[1]s) VALUES ($1, $2)
		ON CONFLICT (video_uuid)
		DO UPDATE SET %[1]s = video_job_infos.%[1]s + $2, updated_at = now()`, col),
		videoUUID, n,
	)
	if err != nil {
		return fmt.Errorf("failed to increment %s for video %s: %w", col, videoUUID, err)
	}
	return nil
}

// Decrement flips the job's settle flag and decrements the counter in
// one statement. A job whose flag is already set decrements nothing,
// so post-processing retries never drain a counter twice.
func (s *PGInfoStore) Decrement(ctx context.Context, videoUUID uuid.UUID, counter Counter, jobID int64) (bool, PendingCounts, error) {
	col, err := counterColumn(counter)
	if err != nil {
		return false, PendingCounts{}, err
	}
	var counts PendingCounts
	err = s.db.QueryRow(ctx, fmt.Sprintf(`
		WITH settled AS (
			UPDATE runner_jobs SET counter_settled = TRUE
			WHERE id = $2 AND NOT counter_settled
			RETURNING id
		)
		UPDATE video_job_infos
		SET %[1]s = GREATEST(%[1]s - 1, 0), updated_at = now()
		WHERE video_uuid = $1 AND EXISTS (SELECT 1 FROM settled)
		RETURNING pending_transcode, pending_move, pending_transcription`, col),
		videoUUID, jobID,
	).Scan(&counts.Transcode, &counts.Move, &counts.Transcription)
	if errors.Is(err, pgx.ErrNoRows) {
		counts, err := s.Get(ctx, videoUUID)
		return false, counts, err
	} else if err != nil {
		return false, PendingCounts{}, fmt.Errorf("failed to decrement %s for video %s: %w", col, videoUUID, err)
	}
	return true, counts, nil
}

func (s *PGInfoStore) Get(ctx context.Context, videoUUID uuid.UUID) (PendingCounts, error) {
	var counts PendingCounts
	err := s.db.QueryRow(ctx, `
		SELECT pending_transcode, pending_move, pending_transcription
		FROM video_job_infos WHERE video_uuid = $1`,
		videoUUID,
	).Scan(&counts.Transcode, &counts.Move, &counts.Transcription)
	if errors.Is(err, pgx.ErrNoRows) {
		return PendingCounts{}, nil
	} else if err != nil {
		return PendingCounts{}, fmt.Errorf("failed to load counters for video %s: %w", videoUUID, err)
	}
	return counts, nil
}
