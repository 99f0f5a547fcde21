package jobs

import (
	"math"
	"sync"
	"time"
)

type Stats struct {
	TotalJobs           int        `json:"total_jobs"`
	CompletedJobs       int        `json:"completed_jobs"`
	FailedJobs          int        `json:"failed_jobs"`
	CancelledJobs       int        `json:"cancelled_jobs"`
	TotalFiles          int        `json:"total_files"`
	ProcessedFiles      int        `json:"processed_files"`
	FailedFiles         int        `json:"failed_files"`
	SuccessRate         float64    `json:"success_rate"`
	ThroughputPerMinute float64    `json:"throughput_per_minute"`
	Queue               LaneDepth  `json:"queue"`
	QueueDepth          int        `json:"queue_depth"`
	ActiveJobs          int        `json:"active_jobs"`
	MaxConcurrentJobs   int        `json:"max_concurrent_jobs"`
	StartedAt           time.Time  `json:"started_at"`
	UptimeSeconds       int64      `json:"uptime_seconds"`
	Uptime              string     `json:"uptime"`
	NextCleanup         *time.Time `json:"next_cleanup,omitempty"`
	LastCleanup         *time.Time `json:"last_cleanup,omitempty"`
}

// counters are the running totals behind Stats.
type counters struct {
	mu        sync.Mutex
	startedAt time.Time

	totalJobs      int
	completedJobs  int
	failedJobs     int
	cancelledJobs  int
	totalFiles     int
	processedFiles int
	failedFiles    int

	// filesSinceStart feeds throughput; seeded totals are excluded.
	filesSinceStart int
}

func newCounters(now time.Time) *counters {
	return &counters{startedAt: now}
}

// seed folds a job loaded at startup into the totals.
func (c *counters) seed(job *Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalJobs++
	c.totalFiles += job.TotalFiles
	c.processedFiles += job.ProcessedFiles
	c.failedFiles += job.FailedFiles
	switch job.Status {
	case StatusCompleted:
		c.completedJobs++
	case StatusFailed:
		c.failedJobs++
	case StatusCancelled:
		c.cancelledJobs++
	}
}

func (c *counters) jobCreated(files int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalJobs++
	c.totalFiles += files
}

func (c *counters) fileDone(failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processedFiles++
	c.filesSinceStart++
	if failed {
		c.failedFiles++
	}
}

func (c *counters) jobFinished(status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch status {
	case StatusCompleted:
		c.completedJobs++
	case StatusFailed:
		c.failedJobs++
	case StatusCancelled:
		c.cancelledJobs++
	}
}

func (c *counters) snapshot(now time.Time) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	uptime := now.Sub(c.startedAt)
	s := Stats{
		TotalJobs:      c.totalJobs,
		CompletedJobs:  c.completedJobs,
		FailedJobs:     c.failedJobs,
		CancelledJobs:  c.cancelledJobs,
		TotalFiles:     c.totalFiles,
		ProcessedFiles: c.processedFiles,
		FailedFiles:    c.failedFiles,
		StartedAt:      c.startedAt,
		UptimeSeconds:  int64(uptime / time.Second),
		Uptime:         FormatDuration(uptime),
	}
	if c.processedFiles > 0 {
		rate := float64(c.processedFiles-c.failedFiles) / float64(c.processedFiles) * 100
		s.SuccessRate = math.Round(rate*100) / 100
	}
	if minutes := uptime.Minutes(); minutes > 0 {
		s.ThroughputPerMinute = math.Round(float64(c.filesSinceStart)/minutes*100) / 100
	}
	return s
}
