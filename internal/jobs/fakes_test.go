package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeStore is an in-memory Store with the same conditional-update
// semantics as the postgres store.
type fakeStore struct {
	mu   sync.Mutex
	seq  int64
	byID map[int64]*Job

	// failCreateAfter, when positive, makes Create fail once the store
	// already holds that many jobs. Exercises rollback paths.
	failCreateAfter int
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[int64]*Job{}}
}

func copyJob(j *Job) *Job {
	cp := *j
	return &cp
}

func (s *fakeStore) Create(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreateAfter > 0 && len(s.byID) >= s.failCreateAfter {
		return fmt.Errorf("insert failed")
	}
	s.seq++
	job.ID = s.seq
	if job.UUID == uuid.Nil {
		job.UUID = uuid.New()
	}
	// Monotonic creation stamps so FIFO ordering is deterministic.
	job.CreatedAt = time.Unix(0, s.seq)
	s.byID[job.ID] = copyJob(job)
	return nil
}

func (s *fakeStore) GetByUUID(ctx context.Context, jobUUID uuid.UUID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.byID {
		if j.UUID == jobUUID {
			return copyJob(j), nil
		}
	}
	return nil, ErrJobNotFound
}

func (s *fakeStore) GetByID(ctx context.Context, id int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(j), nil
}

func (s *fakeStore) ClaimNext(ctx context.Context, runnerID int64, types []Type, claimToken string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Job
	for _, j := range s.byID {
		if j.State == StatePending && slices.Contains(types, j.Type) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoJobAvailable
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Priority != candidates[b].Priority {
			return candidates[a].Priority > candidates[b].Priority
		}
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})

	j := candidates[0]
	now := time.Now()
	zero := 0
	j.State = StateProcessing
	j.ClaimToken = &claimToken
	j.RunnerID = &runnerID
	j.Progress = &zero
	j.StartedAt = &now
	j.LastUpdateAt = &now
	return copyJob(j), nil
}

func (s *fakeStore) RefreshProgress(ctx context.Context, id int64, claimToken string, progress *int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[id]
	if !ok || j.State != StateProcessing || j.ClaimToken == nil || *j.ClaimToken != claimToken {
		return false, nil
	}
	if progress != nil {
		p := *progress
		j.Progress = &p
	}
	now := time.Now()
	j.LastUpdateAt = &now
	return true, nil
}

func (s *fakeStore) Transition(ctx context.Context, id int64, tr Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[id]
	if !ok || !slices.Contains(tr.From, j.State) {
		return false, nil
	}
	if tr.RequireToken != nil && (j.ClaimToken == nil || *j.ClaimToken != *tr.RequireToken) {
		return false, nil
	}

	j.State = tr.To
	if tr.SetError != nil {
		msg := *tr.SetError
		j.Error = &msg
	}
	if tr.SetResult != nil {
		j.Result = tr.SetResult
	}
	if tr.IncFailures {
		j.Failures++
	}
	if tr.ClearClaim {
		j.ClaimToken = nil
		j.RunnerID = nil
	}
	if tr.To.IsTerminal() {
		now := time.Now()
		j.FinishedAt = &now
	}
	if tr.To == StateCompleted {
		full := 100
		j.Progress = &full
	}
	return true, nil
}

func (s *fakeStore) ListChildren(ctx context.Context, parentID int64) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.byID {
		if j.ParentID != nil && *j.ParentID == parentID {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *fakeStore) ListStalled(ctx context.Context, types []Type, olderThan time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.byID {
		if j.State == StateProcessing && slices.Contains(types, j.Type) &&
			j.LastUpdateAt != nil && j.LastUpdateAt.Before(olderThan) {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

func (s *fakeStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.byID {
		if len(opts.States) > 0 && !slices.Contains(opts.States, j.State) {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

// mustSetLastUpdate rewinds a job's liveness stamp, for watchdog tests.
func (s *fakeStore) mustSetLastUpdate(id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id].LastUpdateAt = &at
}

type fakeInfoStore struct {
	mu      sync.Mutex
	counts  map[uuid.UUID]*PendingCounts
	settled map[int64]bool
}

func newFakeInfoStore() *fakeInfoStore {
	return &fakeInfoStore{
		counts:  map[uuid.UUID]*PendingCounts{},
		settled: map[int64]bool{},
	}
}

func (s *fakeInfoStore) Increment(ctx context.Context, videoUUID uuid.UUID, counter Counter, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counts[videoUUID]
	if !ok {
		c = &PendingCounts{}
		s.counts[videoUUID] = c
	}
	switch counter {
	case CounterTranscode:
		c.Transcode += n
	case CounterMove:
		c.Move += n
	case CounterTranscription:
		c.Transcription += n
	default:
		return fmt.Errorf("unknown pending counter %q", counter)
	}
	return nil
}

func (s *fakeInfoStore) Decrement(ctx context.Context, videoUUID uuid.UUID, counter Counter, jobID int64) (bool, PendingCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counts[videoUUID]
	if !ok {
		return false, PendingCounts{}, fmt.Errorf("no counters for video %s", videoUUID)
	}
	if s.settled[jobID] {
		return false, *c, nil
	}
	dec := func(v int) int {
		if v > 0 {
			return v - 1
		}
		return 0
	}
	switch counter {
	case CounterTranscode:
		c.Transcode = dec(c.Transcode)
	case CounterMove:
		c.Move = dec(c.Move)
	case CounterTranscription:
		c.Transcription = dec(c.Transcription)
	default:
		return false, PendingCounts{}, fmt.Errorf("unknown pending counter %q", counter)
	}
	s.settled[jobID] = true
	return true, *c, nil
}

func (s *fakeInfoStore) Get(ctx context.Context, videoUUID uuid.UUID) (PendingCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counts[videoUUID]; ok {
		return *c, nil
	}
	return PendingCounts{}, nil
}

// fakeTxRunner mimics transactional grouping over the in-memory
// stores: when fn errors, every change it made is rolled back.
type fakeTxRunner struct {
	store *fakeStore
	infos *fakeInfoStore
}

func (r *fakeTxRunner) InTx(ctx context.Context, fn func(tx TxStores) error) error {
	jobsSnap, seqSnap := r.store.snapshot()
	countsSnap, settledSnap := r.infos.snapshot()
	if err := fn(TxStores{Jobs: r.store, Infos: r.infos}); err != nil {
		r.store.restore(jobsSnap, seqSnap)
		r.infos.restore(countsSnap, settledSnap)
		return err
	}
	return nil
}

func (s *fakeStore) snapshot() (map[int64]*Job, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[int64]*Job, len(s.byID))
	for id, j := range s.byID {
		snap[id] = copyJob(j)
	}
	return snap, s.seq
}

func (s *fakeStore) restore(snap map[int64]*Job, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = snap
	s.seq = seq
}

func (s *fakeInfoStore) snapshot() (map[uuid.UUID]*PendingCounts, map[int64]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[uuid.UUID]*PendingCounts, len(s.counts))
	for v, c := range s.counts {
		cp := *c
		counts[v] = &cp
	}
	settled := make(map[int64]bool, len(s.settled))
	for id, done := range s.settled {
		settled[id] = done
	}
	return counts, settled
}

func (s *fakeInfoStore) restore(counts map[uuid.UUID]*PendingCounts, settled map[int64]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = counts
	s.settled = settled
}

type fakeObjectStore struct {
	mu      sync.Mutex
	saved   []string
	removed []string
}

func (s *fakeObjectStore) SaveFile(ctx context.Context, localPath, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, key)
	return "bucket/" + key, nil
}

func (s *fakeObjectStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, key)
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []uuid.UUID
}

func (n *fakeNotifier) NotifyVideoUpdated(ctx context.Context, videoUUID uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, videoUUID)
	return nil
}

type fakeSegmentTracker struct {
	mu      sync.Mutex
	added   map[string][]string
	removed map[string][]string
	cleaned []string
}

func newFakeSegmentTracker() *fakeSegmentTracker {
	return &fakeSegmentTracker{
		added:   map[string][]string{},
		removed: map[string][]string{},
	}
}

func (t *fakeSegmentTracker) AddSegment(sessionID, segmentPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.added[sessionID] = append(t.added[sessionID], segmentPath)
	return nil
}

func (t *fakeSegmentTracker) RemoveSegment(sessionID, segmentPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed[sessionID] = append(t.removed[sessionID], segmentPath)
}

func (t *fakeSegmentTracker) Cleanup(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleaned = append(t.cleaned, sessionID)
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (e *fakeEnqueuer) EnqueuePostProcess(ctx context.Context, jobUUID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enqueued = append(e.enqueued, jobUUID)
	return nil
}

// testEnv bundles a fully wired dispatcher on fakes.
type testEnv struct {
	store      *fakeStore
	infos      *fakeInfoStore
	objects    *fakeObjectStore
	notifier   *fakeNotifier
	segments   *fakeSegmentTracker
	enqueuer   *fakeEnqueuer
	handlers   HandlerSet
	dispatcher *Dispatcher
	builder    *Builder
}

func newTestEnv(maxFailures int) *testEnv {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		store:    newFakeStore(),
		infos:    newFakeInfoStore(),
		objects:  &fakeObjectStore{},
		notifier: &fakeNotifier{},
		segments: newFakeSegmentTracker(),
		enqueuer: &fakeEnqueuer{},
	}
	env.handlers = NewHandlerSet(HandlerDeps{
		Logger:     logger,
		Store:      env.store,
		Infos:      env.infos,
		Objects:    env.objects,
		Notifier:   env.notifier,
		Live:       env.segments,
		VideoLocks: NewKeyedMutex(),
	})
	env.dispatcher = NewDispatcher(logger, env.store, env.handlers, env.enqueuer, maxFailures)
	env.builder = NewBuilder(logger, &fakeTxRunner{store: env.store, infos: env.infos})
	return env
}

// postProcess mimics the durable queue synchronously: run OnComplete
// and promote dependents, exactly what the queue worker does.
func (env *testEnv) postProcess(ctx context.Context, jobUUID uuid.UUID) error {
	job, err := env.store.GetByUUID(ctx, jobUUID)
	if err != nil {
		return err
	}
	if job.State != StateCompleted {
		return nil
	}
	if err := env.handlers.Get(job.Type).OnComplete(ctx, job); err != nil {
		return err
	}
	return env.dispatcher.PromoteChildren(ctx, job.ID)
}
