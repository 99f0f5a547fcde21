package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// gate blocks processing calls until opened.
type gate struct {
	once sync.Once
	ch   chan struct{}
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) open() { g.once.Do(func() { close(g.ch) }) }

func (g *gate) wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

func registryWith(fn ProcessFunc) *Registry {
	r := NewRegistry()
	r.Register(DocumentGeneric, fn)
	return r
}

func okProcessor(_ context.Context, f FileEntry, _ *Job) (any, error) {
	return map[string]any{"name": f.Name}, nil
}

func newTestEngine(t *testing.T, store Store, registry *Registry, cfg Config, opts ...Option) *Engine {
	t.Helper()
	if cfg.DispatchInterval == 0 {
		cfg.DispatchInterval = 10 * time.Millisecond
	}
	e := NewEngine(cfg, store, registry, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func files(names ...string) []FileInput {
	in := make([]FileInput, 0, len(names))
	for _, n := range names {
		in = append(in, FileInput{Source: "/inbox/" + n})
	}
	return in
}

func waitStatus(t *testing.T, e *Engine, id string, want Status) *Job {
	t.Helper()
	var last *Job
	require.Eventually(t, func() bool {
		j, err := e.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return j.Status == want
	}, waitFor, tick, "job %s never reached %s", id, want)
	return last
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(e *Engine) *eventLog {
	l := &eventLog{}
	e.Subscribe(EventAll, func(ev Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) count(name EventName, jobID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Name == name && (jobID == "" || ev.JobID == jobID) {
			n++
		}
	}
	return n
}

func (l *eventLog) byName(name EventName) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func TestEngine_Create_Validation(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), registryWith(okProcessor), Config{MaxFilesPerJob: 2})
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{name: "no files", req: CreateRequest{}},
		{name: "too many files", req: CreateRequest{Files: files("a.pdf", "b.pdf", "c.pdf")}},
		{name: "bad priority", req: CreateRequest{Priority: "URGENT", Files: files("a.pdf")}},
		{name: "bad document type", req: CreateRequest{DocumentType: "WORD", Files: files("a.pdf")}},
		{name: "empty source", req: CreateRequest{Files: []FileInput{{Source: " "}}}},
		{name: "negative retries", req: CreateRequest{MaxRetries: intPtr(-1), Files: files("a.pdf")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Create(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, IsErrorType(err, ErrValidation), "got %v", err)
		})
	}
}

func intPtr(v int) *int { return &v }

func TestEngine_Create_Defaults(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), registryWith(okProcessor), Config{MaxRetries: 4})

	job, err := e.Create(context.Background(), CreateRequest{Files: files("q3-statement.pdf")})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, job.Status)
	assert.Equal(t, PriorityMedium, job.Priority)
	assert.Equal(t, 4, job.MaxRetries)
	assert.True(t, strings.HasPrefix(job.Name, "Batch "))
	require.Len(t, job.Files, 1)
	assert.Equal(t, "q3-statement.pdf", job.Files[0].Name)
	assert.Equal(t, FilePending, job.Files[0].Status)
	assert.NotEmpty(t, job.Files[0].ID)
	assert.Equal(t, 1, job.TotalFiles)
	assert.Equal(t, 0, job.Progress)
}

func TestEngine_Queue_RejectsAlreadyQueuedJob(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), registryWith(okProcessor), Config{})
	ctx := context.Background()

	job, err := e.Create(ctx, CreateRequest{Files: files("a.pdf"), AutoQueue: true})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)

	_, err = e.Queue(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrInvalidStateTransition))
	assert.Equal(t, []string{job.ID}, e.QueuedIDs()[PriorityMedium])
}

func TestEngine_UnknownJob(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), registryWith(okProcessor), Config{})
	ctx := context.Background()

	_, err := e.Get(ctx, "missing")
	assert.True(t, IsErrorType(err, ErrNotFound))
	_, err = e.Queue(ctx, "missing")
	assert.True(t, IsErrorType(err, ErrNotFound))
	_, err = e.Cancel(ctx, "missing")
	assert.True(t, IsErrorType(err, ErrNotFound))
	err = e.Delete(ctx, "missing")
	assert.True(t, IsErrorType(err, ErrNotFound))
}

func TestEngine_Recover_RequeuesInOriginalLanesAndOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	first := NewEngine(Config{}, store, registryWith(okProcessor), WithIDGenerator(sequentialIDs("job")))

	j1, err := first.Create(ctx, CreateRequest{Name: "low-1", Priority: PriorityLow, Files: files("a.pdf"), AutoQueue: true})
	require.NoError(t, err)
	j2, err := first.Create(ctx, CreateRequest{Name: "high", Priority: PriorityHigh, Files: files("b.pdf")})
	require.NoError(t, err)
	j3, err := first.Create(ctx, CreateRequest{Name: "low-2", Priority: PriorityLow, Files: files("c.pdf"), AutoQueue: true})
	require.NoError(t, err)
	done, err := first.Create(ctx, CreateRequest{Name: "done", Files: files("d.pdf")})
	require.NoError(t, err)
	_, err = first.Cancel(ctx, done.ID)
	require.NoError(t, err)

	// A fresh engine over the same store plays the part of a restarted process.
	second := newTestEngine(t, store, registryWith(okProcessor), Config{})
	n, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	lanes := second.QueuedIDs()
	assert.Equal(t, []string{j2.ID}, lanes[PriorityHigh])
	assert.Empty(t, lanes[PriorityMedium])
	assert.Equal(t, []string{j1.ID, j3.ID}, lanes[PriorityLow])

	recovered, err := second.Get(ctx, j2.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, recovered.Status)

	stats := second.Stats()
	assert.Equal(t, 4, stats.TotalJobs)
	assert.Equal(t, 1, stats.CancelledJobs)
}

func TestEngine_Recover_ResumesInterruptedJobFromFirstUnfinishedFile(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Save(ctx, &Job{
		ID:             "crashed",
		Name:           "crashed",
		Status:         StatusProcessing,
		Priority:       PriorityMedium,
		MaxRetries:     1,
		TotalFiles:     3,
		ProcessedFiles: 1,
		Progress:       33,
		CreatedAt:      now,
		UpdatedAt:      now,
		StartedAt:      &now,
		Files: []FileEntry{
			{ID: "f1", Name: "a.pdf", Source: "/inbox/a.pdf", Status: FileCompleted},
			{ID: "f2", Name: "b.pdf", Source: "/inbox/b.pdf", Status: FileProcessing},
			{ID: "f3", Name: "c.pdf", Source: "/inbox/c.pdf", Status: FilePending},
		},
	}))

	var mu sync.Mutex
	var seen []string
	e := newTestEngine(t, store, registryWith(func(_ context.Context, f FileEntry, _ *Job) (any, error) {
		mu.Lock()
		seen = append(seen, f.ID)
		mu.Unlock()
		return nil, nil
	}), Config{})

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := e.Get(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, FilePending, job.Files[1].Status)

	e.Start(ctx)
	job = waitStatus(t, e, "crashed", StatusCompleted)

	mu.Lock()
	assert.Equal(t, []string{"f2", "f3"}, seen)
	mu.Unlock()
	assert.Equal(t, 3, job.ProcessedFiles)
	assert.Equal(t, 100, job.Progress)
}

func TestEngine_DispatchesHighPriorityFirst(t *testing.T) {
	var mu sync.Mutex
	var order []string
	e := newTestEngine(t, NewMemoryStore(), registryWith(func(_ context.Context, _ FileEntry, j *Job) (any, error) {
		mu.Lock()
		order = append(order, j.Name)
		mu.Unlock()
		return nil, nil
	}), Config{MaxConcurrentJobs: 1})
	ctx := context.Background()

	low, err := e.Create(ctx, CreateRequest{Name: "low", Priority: PriorityLow, Files: files("a.pdf"), AutoQueue: true})
	require.NoError(t, err)
	high, err := e.Create(ctx, CreateRequest{Name: "high", Priority: PriorityHigh, Files: files("b.pdf"), AutoQueue: true})
	require.NoError(t, err)

	e.Start(ctx)
	waitStatus(t, e, low.ID, StatusCompleted)
	waitStatus(t, e, high.ID, StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestEngine_RespectsMaxConcurrentJobs(t *testing.T) {
	var running, peak atomic.Int32
	e := newTestEngine(t, NewMemoryStore(), registryWith(func(context.Context, FileEntry, *Job) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}), Config{MaxConcurrentJobs: 2})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		j, err := e.Create(ctx, CreateRequest{Files: files("a.pdf", "b.pdf"), AutoQueue: true})
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}

	e.Start(ctx)
	for _, id := range ids {
		waitStatus(t, e, id, StatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, e.Stats().ActiveJobs)
}

func TestEngine_RetriesFailedFileOnLaterPasses(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, NewMemoryStore(), registryWith(func(context.Context, FileEntry, *Job) (any, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("extractor unavailable")
		}
		return map[string]any{"ok": true}, nil
	}), Config{})
	events := recordEvents(e)
	ctx := context.Background()

	job, err := e.Create(ctx, CreateRequest{
		Files:      files("quarterly-financial.pdf"),
		MaxRetries: intPtr(2),
		AutoQueue:  true,
	})
	require.NoError(t, err)

	e.Start(ctx)
	job = waitStatus(t, e, job.ID, StatusCompleted)

	f := job.Files[0]
	assert.Equal(t, FileCompleted, f.Status)
	assert.Equal(t, DocumentFinancial, f.DocumentType)
	assert.Equal(t, 2, f.RetryCount)
	assert.Nil(t, f.Error)
	assert.JSONEq(t, `{"ok":true}`, string(f.Result))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, job.ProcessedFiles)
	assert.Equal(t, 0, job.FailedFiles)

	require.Eventually(t, func() bool {
		return events.count(EventJobCompleted, job.ID) == 1
	}, waitFor, tick)
	assert.Equal(t, 3, events.count(EventJobStarted, job.ID), "one dispatch per attempt")
	assert.Equal(t, 0, events.count(EventFileError, job.ID), "retries are not permanent failures")
}

// hookClock runs hook on every reading of the clock.
type hookClock struct {
	*fakeClock
	hook func()
}

func (c *hookClock) Now() time.Time {
	now := c.fakeClock.Now()
	if c.hook != nil {
		c.hook()
	}
	return now
}

func TestEngine_StopWhileRequeuedForRetryLeavesLanesEmpty(t *testing.T) {
	tests := []struct {
		name string
		stop func(context.Context, *Engine, string) error
		want Status
	}{
		{
			name: "pause",
			stop: func(ctx context.Context, e *Engine, id string) error {
				_, err := e.Pause(ctx, id)
				return err
			},
			want: StatusPaused,
		},
		{
			name: "cancel",
			stop: func(ctx context.Context, e *Engine, id string) error {
				_, err := e.Cancel(ctx, id)
				return err
			},
			want: StatusCancelled,
		},
		{
			name: "delete",
			stop: func(ctx context.Context, e *Engine, id string) error {
				return e.Delete(ctx, id)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			clock := &hookClock{fakeClock: newFakeClock()}
			var calls atomic.Int32
			e := newTestEngine(t, store, registryWith(func(context.Context, FileEntry, *Job) (any, error) {
				if calls.Add(1) == 1 {
					return nil, errors.New("ocr backend busy")
				}
				return nil, nil
			}), Config{}, WithClock(clock.Now))
			ctx := context.Background()

			job, err := e.Create(ctx, CreateRequest{
				Files:      files("scan.pdf"),
				MaxRetries: intPtr(1),
				AutoQueue:  true,
			})
			require.NoError(t, err)

			// Fires once the pass has saved the job back to QUEUED for a retry.
			var fired atomic.Bool
			var stopErr error
			clock.hook = func() {
				j, err := store.Load(ctx, job.ID)
				if err != nil || j.Status != StatusQueued || j.Files[0].RetryCount == 0 {
					return
				}
				if fired.CompareAndSwap(false, true) {
					stopErr = tt.stop(ctx, e, job.ID)
				}
			}

			id, ok := e.queue.popNext(1)
			require.True(t, ok)
			require.Equal(t, job.ID, id)
			e.run(ctx, id)

			require.True(t, fired.Load())
			require.NoError(t, stopErr)
			assert.Equal(t, int32(1), calls.Load())
			for p, ids := range e.QueuedIDs() {
				assert.Empty(t, ids, "lane %s", p)
			}
			stats := e.Stats()
			assert.Zero(t, stats.QueueDepth)
			assert.Zero(t, stats.ActiveJobs)

			got, err := e.Get(ctx, job.ID)
			if tt.want == "" {
				assert.True(t, IsErrorType(err, ErrNotFound))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestEngine_PartialFailureCompletesJob(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	e := newTestEngine(t, NewMemoryStore(), registryWith(func(_ context.Context, f FileEntry, _ *Job) (any, error) {
		mu.Lock()
		attempts[f.Name]++
		mu.Unlock()
		if strings.HasPrefix(f.Name, "bad") {
			return nil, errors.New("corrupt file")
		}
		return nil, nil
	}), Config{})
	events := recordEvents(e)
	ctx := context.Background()

	job, err := e.Create(ctx, CreateRequest{
		Files:      files("a.pdf", "bad-1.pdf", "b.pdf", "bad-2.pdf", "c.pdf"),
		MaxRetries: intPtr(1),
		AutoQueue:  true,
	})
	require.NoError(t, err)

	e.Start(ctx)
	job = waitStatus(t, e, job.ID, StatusCompleted)

	assert.Equal(t, 5, job.TotalFiles)
	assert.Equal(t, 5, job.ProcessedFiles)
	assert.Equal(t, 2, job.FailedFiles)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.Summary)
	assert.InDelta(t, 60.0, job.Summary.SuccessRate, 0.001)
	require.NotNil(t, job.CompletedAt)

	for _, f := range job.Files {
		if strings.HasPrefix(f.Name, "bad") {
			assert.Equal(t, FileFailed, f.Status)
			assert.Equal(t, 2, f.RetryCount, "maxRetries+1 attempts")
			require.NotNil(t, f.Error)
			assert.Contains(t, f.Error.Message, "corrupt file")
		} else {
			assert.Equal(t, FileCompleted, f.Status)
		}
	}

	mu.Lock()
	assert.Equal(t, 2, attempts["bad-1.pdf"], "permanently failed file is never retried again")
	assert.Equal(t, 1, attempts["a.pdf"])
	mu.Unlock()

	require.Eventually(t, func() bool {
		return events.count(EventFileError, job.ID) == 2 && events.count(EventNotification, job.ID) == 1
	}, waitFor, tick)

	stats := e.Stats()
	assert.Equal(t, 1, stats.CompletedJobs)
	assert.Equal(t, 5, stats.ProcessedFiles)
	assert.Equal(t, 2, stats.FailedFiles)
	assert.InDelta(t, 60.0, stats.SuccessRate, 0.001)
}

func TestEngine_AllFilesFailingFailsJob(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), registryWith(func(context.Context, FileEntry, *Job) (any, error) {
		return nil, errors.New("unreadable")
	}), Config{})
	events := recordEvents(e)
	ctx := context.Background()

	job, err := e.Create(ctx, CreateRequest{
		Files:      files("a.pdf", "b.pdf", "c.pdf", "d.pdf", "e.pdf"),
		MaxRetries: intPtr(0),
		AutoQueue:  true,
	})
	require.NoError(t, err)

	e.Start(ctx)
	job = waitStatus(t, e, job.ID, StatusFailed)
	assert.Equal(t, 5, job.FailedFiles)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.Summary)
	assert.Zero(t, job.Summary.SuccessRate)

	require.Eventually(t, func() bool {
		return events.count(EventJobFailed, job.ID) == 1
	}, waitFor, tick)
	assert.Equal(t, 0, events.count(EventJobCompleted, job.ID))
}

func TestEngine_ProgressMatchesProcessedFiles(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), registryWith(okProcessor), Config{})
	events := recordEvents(e)
	ctx := context.Background()

	job, err := e.Create(ctx, CreateRequest{Files: files("a.pdf", "b.pdf", "c.pdf"), AutoQueue: true})
	require.NoError(t, err)
	e.Start(ctx)
	waitStatus(t, e, job.ID, StatusCompleted)

	require.Eventually(t, func() bool {
		return events.count(EventFileProcessed, job.ID) == 3
	}, waitFor, tick)
	for _, ev := range events.byName(EventFileProcessed) {
		want := int(math.Round(float64(ev.Job.ProcessedFiles) / float64(ev.Job.TotalFiles) * 100))
		assert.Equal(t, want, ev.Job.Progress)
		assert.LessOrEqual(t, ev.Job.ProcessedFiles, ev.Job.TotalFiles)
		assert.LessOrEqual(t, ev.Job.FailedFiles, ev.Job.ProcessedFiles)
	}
}

func TestEngine_CancelDuringProcessing(t *testing.T) {
	g := newGate()
	started := make(chan struct{}, 1)
	e := newTestEngine(t, NewMemoryStore(), registryWith(func(ctx context.Context, f FileEntry, _ *Job) (any, error) {
		if f.Name == "b.pdf" {
			started <- struct{}{}
			if err := g.wait(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}), Config{})
	t.Cleanup(g.open)
	events := recordEvents(e)
	ctx := context.Background()

	job, err := e.Create(ctx, CreateRequest{Files: files("a.pdf", "b.pdf", "c.pdf", "d.pdf", "e.pdf"), AutoQueue: true})
	require.NoError(t, err)
	e.Start(ctx)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("second file never started")
	}

	cancelled, err := e.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)
	g.open()

	var final *Job
	require.Eventually(t, func() bool {
		j, err := e.Get(ctx, job.ID)
		if err != nil {
			return false
		}
		final = j
		return j.Files[1].Status == FileCompleted && e.Stats().ActiveJobs == 0
	}, waitFor, tick)

	assert.Equal(t, StatusCancelled, final.Status)
	assert.Equal(t, FileCompleted, final.Files[0].Status)
	for _, f := range final.Files[2:] {
		assert.Equal(t, FileSkipped, f.Status, f.Name)
	}
	assert.Equal(t, 2, final.ProcessedFiles)

	_, err = e.Cancel(ctx, job.ID)
	assert.True(t, IsErrorType(err, ErrInvalidStateTransition))
	require.Eventually(t, func() bool {
		return events.count(EventJobCancelled, job.ID) == 1
	}, waitFor, tick)
	assert.Equal(t, 0, events.count(EventJobCompleted, job.ID))
}

func TestEngine_PauseAndResume(t *testing.T) {
	g := newGate()
	started := make(chan struct{}, 1)
	var calls atomic.Int32
	e := newTestEngine(t, NewMemoryStore(), registryWith(func(ctx context.Context, f FileEntry, _ *Job) (any, error) {
		calls.Add(1)
		if f.Name == "a.pdf" {
			select {
			case started <- struct{}{}:
			default:
			}
			if err := g.wait(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}), Config{})
	t.Cleanup(g.open)
	ctx := context.Background()

	job, err := e.Create(ctx, CreateRequest{Files: files("a.pdf", "b.pdf", "c.pdf"), AutoQueue: true})
	require.NoError(t, err)
	e.Start(ctx)
	<-started

	paused, err := e.Pause(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)
	g.open()

	require.Eventually(t, func() bool {
		j, err := e.Get(ctx, job.ID)
		return err == nil && j.Files[0].Status == FileCompleted && e.Stats().ActiveJobs == 0
	}, waitFor, tick)

	j, err := e.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, j.Status)
	assert.Equal(t, FilePending, j.Files[1].Status)
	assert.Equal(t, int32(1), calls.Load())

	_, err = e.Pause(ctx, job.ID)
	assert.True(t, IsErrorType(err, ErrInvalidStateTransition))

	_, err = e.Resume(ctx, job.ID)
	require.NoError(t, err)
	j = waitStatus(t, e, job.ID, StatusCompleted)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, j.ProcessedFiles)
}

func TestEngine_QueuePausedJob(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), registryWith(okProcessor), Config{})
	ctx := context.Background()

	job, err := e.Create(ctx, CreateRequest{Priority: PriorityHigh, Files: files("a.pdf"), AutoQueue: true})
	require.NoError(t, err)
	_, err = e.Pause(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, e.QueuedIDs()[PriorityHigh])

	_, err = e.Queue(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, e.QueuedIDs()[PriorityHigh])

	_, err = e.Resume(ctx, job.ID)
	assert.True(t, IsErrorType(err, ErrInvalidStateTransition))
}

func TestEngine_DeleteRefusesProcessingJob(t *testing.T) {
	g := newGate()
	started := make(chan struct{}, 1)
	e := newTestEngine(t, NewMemoryStore(), registryWith(func(ctx context.Context, _ FileEntry, _ *Job) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		return nil, g.wait(ctx)
	}), Config{})
	t.Cleanup(g.open)
	events := recordEvents(e)
	ctx := context.Background()

	job, err := e.Create(ctx, CreateRequest{Files: files("a.pdf"), AutoQueue: true})
	require.NoError(t, err)
	e.Start(ctx)
	<-started

	err = e.Delete(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrInvalidStateTransition))

	g.open()
	waitStatus(t, e, job.ID, StatusCompleted)
	require.NoError(t, e.Delete(ctx, job.ID))

	_, err = e.Get(ctx, job.ID)
	assert.True(t, IsErrorType(err, ErrNotFound))
	require.Eventually(t, func() bool {
		return events.count(EventJobDeleted, job.ID) == 1
	}, waitFor, tick)
}

func TestEngine_DeleteQueuedJobLeavesLanes(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), registryWith(okProcessor), Config{})
	ctx := context.Background()

	job, err := e.Create(ctx, CreateRequest{Files: files("a.pdf"), AutoQueue: true})
	require.NoError(t, err)
	require.NoError(t, e.Delete(ctx, job.ID))
	assert.Equal(t, 0, e.Stats().QueueDepth)
}

func TestEngine_PanickingProcessorFailsFile(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), registryWith(func(context.Context, FileEntry, *Job) (any, error) {
		panic("nil pointer in parser")
	}), Config{})
	ctx := context.Background()

	job, err := e.Create(ctx, CreateRequest{Files: files("a.pdf"), MaxRetries: intPtr(0), AutoQueue: true})
	require.NoError(t, err)
	e.Start(ctx)

	job = waitStatus(t, e, job.ID, StatusFailed)
	require.NotNil(t, job.Files[0].Error)
	assert.Contains(t, job.Files[0].Error.Message, "nil pointer in parser")
	assert.Nil(t, job.Error, "a file failure is not a job execution error")
}

func TestEngine_MissingProcessorFailsFile(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), NewRegistry(), Config{})
	ctx := context.Background()

	job, err := e.Create(ctx, CreateRequest{Files: files("a.pdf"), MaxRetries: intPtr(0), AutoQueue: true})
	require.NoError(t, err)
	e.Start(ctx)

	job = waitStatus(t, e, job.ID, StatusFailed)
	assert.Equal(t, FileFailed, job.Files[0].Status)
}

// failingStore fails the first Save that matches failOn.
type failingStore struct {
	*MemoryStore
	failed atomic.Bool
	failOn func(*Job) bool
}

func (s *failingStore) Save(ctx context.Context, job *Job) error {
	if s.failOn(job) && s.failed.CompareAndSwap(false, true) {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, job)
}

func TestEngine_StoreFailureFailsJob(t *testing.T) {
	store := &failingStore{
		MemoryStore: NewMemoryStore(),
		failOn: func(j *Job) bool {
			return j.Status == StatusProcessing && len(j.Files) > 0 && j.Files[0].Status == FileCompleted
		},
	}
	var calls atomic.Int32
	e := newTestEngine(t, store, registryWith(func(context.Context, FileEntry, *Job) (any, error) {
		calls.Add(1)
		return nil, nil
	}), Config{})
	events := recordEvents(e)
	ctx := context.Background()

	job, err := e.Create(ctx, CreateRequest{Files: files("a.pdf", "b.pdf"), AutoQueue: true})
	require.NoError(t, err)
	e.Start(ctx)

	job = waitStatus(t, e, job.ID, StatusFailed)
	require.NotNil(t, job.Error)
	assert.Contains(t, job.Error.Message, "disk full")
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, int32(1), calls.Load(), "execution errors are not retried")

	require.Eventually(t, func() bool {
		return events.count(EventJobError, job.ID) == 1
	}, waitFor, tick)
}

func TestEngine_StoreFailureKeepsPausedJob(t *testing.T) {
	store := &failingStore{
		MemoryStore: NewMemoryStore(),
		failOn: func(j *Job) bool {
			return j.Status == StatusPaused && len(j.Files) > 0 && j.Files[0].Status == FileCompleted
		},
	}
	g := newGate()
	var calls atomic.Int32
	e := newTestEngine(t, store, registryWith(func(ctx context.Context, _ FileEntry, _ *Job) (any, error) {
		calls.Add(1)
		return nil, g.wait(ctx)
	}), Config{})
	events := recordEvents(e)
	ctx := context.Background()

	job, err := e.Create(ctx, CreateRequest{Files: files("contract.pdf"), AutoQueue: true})
	require.NoError(t, err)
	e.Start(ctx)
	waitStatus(t, e, job.ID, StatusProcessing)

	_, err = e.Pause(ctx, job.ID)
	require.NoError(t, err)
	g.open()

	require.Eventually(t, func() bool {
		return events.count(EventJobError, job.ID) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return e.Stats().ActiveJobs == 0
	}, waitFor, tick)

	got, err := e.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.CompletedAt)

	_, err = e.Resume(ctx, job.ID)
	require.NoError(t, err)
	got = waitStatus(t, e, job.ID, StatusCompleted)
	assert.Equal(t, FileCompleted, got.Files[0].Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEngine_Cleanup(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, NewMemoryStore(), registryWith(okProcessor), Config{}, WithClock(clock.Now))
	ctx := context.Background()

	old, err := e.Create(ctx, CreateRequest{Files: files("a.pdf")})
	require.NoError(t, err)
	_, err = e.Cancel(ctx, old.ID)
	require.NoError(t, err)
	waiting, err := e.Create(ctx, CreateRequest{Files: files("b.pdf")})
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)

	recent, err := e.Create(ctx, CreateRequest{Files: files("c.pdf")})
	require.NoError(t, err)
	_, err = e.Cancel(ctx, recent.ID)
	require.NoError(t, err)

	n, err := e.Cleanup(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.Get(ctx, old.ID)
	assert.True(t, IsErrorType(err, ErrNotFound))
	_, err = e.Get(ctx, waiting.ID)
	assert.NoError(t, err, "non-terminal jobs are never swept")
	_, err = e.Get(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestEngine_StatsUptimeAndQueue(t *testing.T) {
	clock := newFakeClock()
	next := clock.Now().Add(time.Hour)
	last := clock.Now().Add(-time.Hour)
	e := newTestEngine(t, NewMemoryStore(), registryWith(okProcessor), Config{MaxConcurrentJobs: 2},
		WithClock(clock.Now),
		WithNextCleanup(func() *time.Time { return &next }),
		WithLastCleanup(func() *time.Time { return &last }))
	ctx := context.Background()

	_, err := e.Create(ctx, CreateRequest{Priority: PriorityHigh, Files: files("a.pdf", "b.pdf"), AutoQueue: true})
	require.NoError(t, err)
	_, err = e.Create(ctx, CreateRequest{Priority: PriorityLow, Files: files("c.pdf"), AutoQueue: true})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	s := e.Stats()
	assert.Equal(t, 2, s.TotalJobs)
	assert.Equal(t, 3, s.TotalFiles)
	assert.Equal(t, LaneDepth{High: 1, Low: 1}, s.Queue)
	assert.Equal(t, 2, s.QueueDepth)
	assert.Equal(t, 2, s.MaxConcurrentJobs)
	assert.Equal(t, "2m 0s", s.Uptime)
	require.NotNil(t, s.NextCleanup)
	assert.Equal(t, next, *s.NextCleanup)
	require.NotNil(t, s.LastCleanup)
	assert.Equal(t, last, *s.LastCleanup)

	e.SetMaxConcurrentJobs(5)
	assert.Equal(t, 5, e.Stats().MaxConcurrentJobs)
}
