package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MimeLyc/docbatch/internal/jobs"
)

// Source is the part of the engine the collector observes.
type Source interface {
	Subscribe(name jobs.EventName, handler jobs.Handler) func()
	Stats() jobs.Stats
}

type Collector struct {
	registry *prometheus.Registry

	JobEvents   *prometheus.CounterVec
	FileResults *prometheus.CounterVec
	QueueDepth  *prometheus.GaugeVec
	ActiveJobs  prometheus.Gauge
	MaxJobs     prometheus.Gauge
	JobDuration prometheus.Histogram
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		JobEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docbatch_job_events_total",
			Help: "Job lifecycle events by name",
		}, []string{"event"}),
		FileResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docbatch_files_total",
			Help: "Files that reached a final outcome",
		}, []string{"outcome", "document_type"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docbatch_queue_depth",
			Help: "Jobs waiting per priority lane",
		}, []string{"priority"}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docbatch_active_jobs",
			Help: "Jobs currently held by an executor",
		}),
		MaxJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docbatch_max_concurrent_jobs",
			Help: "Configured concurrency bound",
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "docbatch_job_duration_seconds",
			Help:    "Wall time from first dispatch to completion",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
}

// Attach subscribes to every event of src. The returned function detaches.
func (c *Collector) Attach(src Source) func() {
	c.refresh(src.Stats())
	return src.Subscribe(jobs.EventAll, func(ev jobs.Event) {
		c.observe(ev)
		c.refresh(src.Stats())
	})
}

func (c *Collector) observe(ev jobs.Event) {
	switch ev.Name {
	case jobs.EventFileProcessed:
		c.FileResults.WithLabelValues("completed", fileType(ev)).Inc()
	case jobs.EventFileError:
		c.FileResults.WithLabelValues("failed", fileType(ev)).Inc()
	case jobs.EventNotification:
		return
	case jobs.EventJobCompleted, jobs.EventJobFailed:
		if ev.Job != nil && ev.Job.Summary != nil {
			c.JobDuration.Observe((time.Duration(ev.Job.Summary.DurationMs) * time.Millisecond).Seconds())
		}
	}
	c.JobEvents.WithLabelValues(string(ev.Name)).Inc()
}

func fileType(ev jobs.Event) string {
	if ev.File == nil || ev.File.DocumentType == "" {
		return "unknown"
	}
	return string(ev.File.DocumentType)
}

func (c *Collector) refresh(s jobs.Stats) {
	c.QueueDepth.WithLabelValues(string(jobs.PriorityHigh)).Set(float64(s.Queue.High))
	c.QueueDepth.WithLabelValues(string(jobs.PriorityMedium)).Set(float64(s.Queue.Medium))
	c.QueueDepth.WithLabelValues(string(jobs.PriorityLow)).Set(float64(s.Queue.Low))
	c.ActiveJobs.Set(float64(s.ActiveJobs))
	c.MaxJobs.Set(float64(s.MaxConcurrentJobs))
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
