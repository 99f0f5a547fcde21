package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/docbatch/pkg/log"
)

type Config struct {
	MaxConcurrentJobs int
	MaxRetries        int
	DispatchInterval  time.Duration
	MaxFilesPerJob    int
	ResultSizeLimit   int
	EventBuffer       int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = time.Second
	}
	if c.MaxFilesPerJob <= 0 {
		c.MaxFilesPerJob = 100
	}
	if c.ResultSizeLimit == 0 {
		c.ResultSizeLimit = DefaultResultSizeLimit
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		e.newID = gen
	}
}

func WithBus(bus *Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithNextCleanup reports the next scheduled cleanup sweep in Stats.
func WithNextCleanup(next func() *time.Time) Option {
	return func(e *Engine) {
		e.nextCleanup = next
	}
}

func WithLastCleanup(last func() *time.Time) Option {
	return func(e *Engine) {
		e.lastCleanup = last
	}
}

// Engine owns the priority lanes, the active set and the dispatch loop.
// The Store is the source of truth for every job; each mutation is a
// load-modify-save unit under a per-job lock.
type Engine struct {
	cfg      Config
	store    Store
	registry *Registry
	bus      *Bus
	queue    *queue
	counters *counters
	locks    *jobLocks

	maxConcurrent atomic.Int32
	maxRetries    atomic.Int32

	now         func() time.Time
	newID       func() string
	nextCleanup func() *time.Time
	lastCleanup func() *time.Time
	sweep       singleflight.Group

	wake     chan struct{}
	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewEngine(cfg Config, store Store, registry *Registry, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	if registry == nil {
		registry = NewRegistry()
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		registry: registry,
		queue:    newQueue(),
		locks:    newJobLocks(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = NewBus(cfg.EventBuffer)
	}
	e.counters = newCounters(e.now())
	e.maxConcurrent.Store(int32(cfg.MaxConcurrentJobs))
	e.maxRetries.Store(int32(cfg.MaxRetries))
	return e
}

// SetMaxConcurrentJobs changes the concurrency bound for future dispatches.
func (e *Engine) SetMaxConcurrentJobs(n int) {
	if n <= 0 {
		return
	}
	e.maxConcurrent.Store(int32(n))
	e.signal()
}

// SetMaxRetries changes the retry budget given to jobs created afterwards.
func (e *Engine) SetMaxRetries(n int) {
	if n < 0 {
		return
	}
	e.maxRetries.Store(int32(n))
}

func (e *Engine) Subscribe(name EventName, handler Handler) func() {
	return e.bus.Subscribe(name, handler)
}

func (e *Engine) Bus() *Bus {
	return e.bus
}

// Recover re-inserts persisted work into the lanes. CREATED and QUEUED jobs
// keep their creation order; jobs caught mid-flight by a crash are reset to
// QUEUED and resume from their first unfinished file.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	loaded, err := e.store.LoadAll(ctx)
	if err != nil {
		return 0, WrapError(err, ErrJobExecution, "load jobs from store")
	}

	recovered := 0
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		e.counters.seed(raw)

		switch raw.Status {
		case StatusCreated, StatusQueued, StatusProcessing:
		default:
			continue
		}

		job, err := e.mutate(ctx, raw.ID, func(j *Job) error {
			if j.Status == StatusQueued {
				return errUnchanged
			}
			if j.Status == StatusProcessing {
				for i := range j.Files {
					if j.Files[i].Status == FileProcessing {
						j.Files[i].Status = FilePending
					}
				}
				log.Warn("Job %s was processing at shutdown; restarting from first unfinished file", j.ID)
			}
			j.Status = StatusQueued
			return nil
		}, nil)
		if err != nil {
			log.Error("Failed to recover job %s: %v", raw.ID, err)
			continue
		}
		e.queue.push(job.ID, job.Priority)
		recovered++
		e.publish(EventJobQueued, job, nil, "recovered")
	}
	if recovered > 0 {
		log.Info("Recovered %d queued jobs from store", recovered)
		e.signal()
	}
	return recovered, nil
}

// Start launches the dispatch loop. It returns immediately.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	go e.loop(loopCtx)
}

// Stop ends the dispatch loop and waits for running executors until ctx
// expires. In-flight processing calls are never interrupted by the engine.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		e.mu.Lock()
		cancel, loopDone := e.cancel, e.loopDone
		e.mu.Unlock()
		if cancel != nil {
			cancel()
			<-loopDone
		}

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		e.bus.Close()
	})
	return err
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)
	ticker := time.NewTicker(e.cfg.DispatchInterval)
	defer ticker.Stop()

	e.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
		e.dispatch(ctx)
	}
}

// dispatch hands queued ids to executors while there is capacity.
func (e *Engine) dispatch(ctx context.Context) {
	for {
		id, ok := e.queue.popNext(int(e.maxConcurrent.Load()))
		if !ok {
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.run(context.WithoutCancel(ctx), id)
		}()
	}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Job, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	now := e.now()
	maxRetries := int(e.maxRetries.Load())
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityMedium
	}

	job := &Job{
		ID:                e.newID(),
		TenantID:          req.TenantID,
		UserID:            req.UserID,
		Name:              strings.TrimSpace(req.Name),
		Status:            StatusCreated,
		Priority:          priority,
		DocumentType:      req.DocumentType,
		MaxRetries:        maxRetries,
		Files:             make([]FileEntry, 0, len(req.Files)),
		TotalFiles:        len(req.Files),
		ProcessingOptions: req.ProcessingOptions,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, in := range req.Files {
		source := strings.TrimSpace(in.Source)
		name := strings.TrimSpace(in.Name)
		if name == "" {
			name = filepath.Base(source)
		}
		job.Files = append(job.Files, FileEntry{
			ID:                   e.newID(),
			Source:               source,
			Name:                 name,
			DocumentTypeOverride: in.DocumentType,
			Status:               FilePending,
		})
	}
	if job.Name == "" {
		job.Name = fmt.Sprintf("Batch %s", now.Format("2006-01-02 15:04:05"))
	}

	if err := e.store.Save(ctx, job); err != nil {
		return nil, WrapError(err, ErrJobExecution, "persist new job")
	}
	e.counters.jobCreated(job.TotalFiles)
	log.Info("Created job %s (%s) with %d files, priority %s", job.ID, job.Name, job.TotalFiles, job.Priority)
	e.publish(EventJobCreated, job, nil, "")

	if req.AutoQueue {
		return e.Queue(ctx, job.ID)
	}
	return cloneJob(job), nil
}

func (e *Engine) validate(req CreateRequest) error {
	if len(req.Files) == 0 {
		return NewError(ErrValidation, "at least one file is required")
	}
	if len(req.Files) > e.cfg.MaxFilesPerJob {
		return NewError(ErrValidation, fmt.Sprintf("too many files: %d exceeds limit %d", len(req.Files), e.cfg.MaxFilesPerJob)).
			WithContext("limit", e.cfg.MaxFilesPerJob)
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return NewError(ErrValidation, fmt.Sprintf("invalid priority %q", req.Priority))
	}
	if req.DocumentType != "" && !req.DocumentType.Valid() {
		return NewError(ErrValidation, fmt.Sprintf("invalid document type %q", req.DocumentType))
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return NewError(ErrValidation, "max_retries must not be negative")
	}
	for i, f := range req.Files {
		if strings.TrimSpace(f.Source) == "" {
			return NewError(ErrValidation, fmt.Sprintf("file %d: source is required", i)).WithContext("index", i)
		}
		if f.DocumentType != "" && !f.DocumentType.Valid() {
			return NewError(ErrValidation, fmt.Sprintf("file %d: invalid document type %q", i, f.DocumentType)).WithContext("index", i)
		}
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, id string) (*Job, error) {
	return e.store.Load(ctx, id)
}

func (e *Engine) List(ctx context.Context, filter ListFilter) ([]*Job, int, error) {
	return e.store.List(ctx, filter)
}

// Queue moves a CREATED or PAUSED job into its priority lane.
func (e *Engine) Queue(ctx context.Context, id string) (*Job, error) {
	job, err := e.mutate(ctx, id, func(j *Job) error {
		if j.Status != StatusCreated && j.Status != StatusPaused {
			return invalidTransition("queue", j)
		}
		j.Status = StatusQueued
		return nil
	}, func(j *Job) {
		e.queue.push(j.ID, j.Priority)
	})
	if err != nil {
		return nil, err
	}
	e.signal()
	e.publish(EventJobQueued, job, nil, "")
	return job, nil
}

// Pause stops a job before its next file. A file already in flight finishes.
func (e *Engine) Pause(ctx context.Context, id string) (*Job, error) {
	job, err := e.mutate(ctx, id, func(j *Job) error {
		if j.Status != StatusProcessing && j.Status != StatusQueued {
			return invalidTransition("pause", j)
		}
		j.Status = StatusPaused
		return nil
	}, func(j *Job) {
		e.queue.remove(j.ID)
	})
	if err != nil {
		return nil, err
	}
	log.Info("Paused job %s", id)
	e.publish(EventJobPaused, job, nil, "")
	return job, nil
}

func (e *Engine) Resume(ctx context.Context, id string) (*Job, error) {
	job, err := e.mutate(ctx, id, func(j *Job) error {
		if j.Status != StatusPaused {
			return invalidTransition("resume", j)
		}
		j.Status = StatusQueued
		return nil
	}, func(j *Job) {
		e.queue.push(j.ID, j.Priority)
	})
	if err != nil {
		return nil, err
	}
	log.Info("Resumed job %s", id)
	e.signal()
	e.publish(EventJobResumed, job, nil, "")
	return job, nil
}

// Cancel skips every unfinished file. A file in flight still records its
// own outcome when it returns.
func (e *Engine) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := e.mutate(ctx, id, func(j *Job) error {
		if j.Status.Terminal() {
			return invalidTransition("cancel", j)
		}
		for i := range j.Files {
			if j.Files[i].Status == FilePending || j.Files[i].Status == FileProcessing {
				j.Files[i].Status = FileSkipped
			}
		}
		now := e.now()
		j.Status = StatusCancelled
		j.CompletedAt = &now
		return nil
	}, func(j *Job) {
		e.queue.remove(j.ID)
	})
	if err != nil {
		return nil, err
	}
	e.counters.jobFinished(StatusCancelled)
	log.Info("Cancelled job %s", id)
	e.publish(EventJobCancelled, job, nil, "")
	return job, nil
}

// Delete removes a job that is not currently processing.
func (e *Engine) Delete(ctx context.Context, id string) error {
	unlock := e.locks.lock(id)
	defer unlock()

	job, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == StatusProcessing {
		return invalidTransition("delete", job)
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.queue.forget(id)
	log.Info("Deleted job %s", id)
	e.publish(EventJobDeleted, job, nil, "")
	return nil
}

// Cleanup deletes terminal jobs that finished more than maxAge ago.
// Concurrent calls share a single sweep.
func (e *Engine) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	v, err, _ := e.sweep.Do("cleanup", func() (any, error) {
		all, err := e.store.LoadAll(ctx)
		if err != nil {
			return 0, err
		}
		cutoff := e.now().Add(-maxAge)
		deleted := 0
		for _, j := range all {
			if !j.Status.Terminal() {
				continue
			}
			finished := j.UpdatedAt
			if j.CompletedAt != nil {
				finished = *j.CompletedAt
			}
			if !finished.Before(cutoff) {
				continue
			}
			if err := e.Delete(ctx, j.ID); err != nil {
				if !IsErrorType(err, ErrNotFound) {
					log.Error("Cleanup failed to delete job %s: %v", j.ID, err)
				}
				continue
			}
			deleted++
		}
		if deleted > 0 {
			log.Info("Cleanup removed %d jobs finished before %s", deleted, cutoff.Format(time.RFC3339))
		}
		return deleted, nil
	})
	if err != nil {
		return 0, WrapError(err, ErrJobExecution, "cleanup sweep")
	}
	return v.(int), nil
}

func (e *Engine) Stats() Stats {
	s := e.counters.snapshot(e.now())
	s.Queue = e.queue.depth()
	s.QueueDepth = s.Queue.Total()
	s.ActiveJobs = e.queue.activeCount()
	s.MaxConcurrentJobs = int(e.maxConcurrent.Load())
	if e.nextCleanup != nil {
		s.NextCleanup = e.nextCleanup()
	}
	if e.lastCleanup != nil {
		s.LastCleanup = e.lastCleanup()
	}
	return s
}

// QueuedIDs returns the waiting ids of each lane, head first.
func (e *Engine) QueuedIDs() map[Priority][]string {
	return e.queue.snapshot()
}

var (
	// errUnchanged aborts a mutation without saving and without error.
	errUnchanged = errors.New("unchanged")
	// errStopped signals that the job left PROCESSING under the executor.
	errStopped = errors.New("job no longer processing")
)

// mutate loads id, applies fn and saves the result while holding the job's
// lock. after runs under the same lock once the save succeeded.
func (e *Engine) mutate(ctx context.Context, id string, fn func(*Job) error, after func(*Job)) (*Job, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	job, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		if errors.Is(err, errUnchanged) {
			return cloneJob(job), nil
		}
		return nil, err
	}
	job.UpdatedAt = e.now()
	if err := e.store.Save(ctx, job); err != nil {
		return nil, WrapError(err, ErrJobExecution, "persist job").WithContext("job_id", id)
	}
	if after != nil {
		after(job)
	}
	return cloneJob(job), nil
}

func (e *Engine) publish(name EventName, job *Job, file *FileEntry, msg string) {
	ev := Event{Name: name, Message: msg, At: e.now()}
	if job != nil {
		ev.JobID = job.ID
		ev.Job = cloneJob(job)
	}
	if file != nil {
		f := *file
		ev.File = &f
	}
	e.bus.Publish(ev)
}

// jobLocks serializes mutations of the same job id.
type jobLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newJobLocks() *jobLocks {
	return &jobLocks{locks: make(map[string]*refLock)}
}

func (l *jobLocks) lock(id string) func() {
	l.mu.Lock()
	rl, ok := l.locks[id]
	if !ok {
		rl = &refLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
