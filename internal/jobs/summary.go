package jobs

import (
	"fmt"
	"math"
	"time"
)

// FormatDuration renders d as "Ns", "Nm Ns", "Nh Nm Ns" or "Nd Nh Nm Ns",
// dropping zero leading units.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func successRate(job *Job) float64 {
	if job.TotalFiles <= 0 {
		return 0
	}
	rate := float64(job.ProcessedFiles-job.FailedFiles) / float64(job.TotalFiles) * 100
	return math.Round(rate*100) / 100
}

func buildSummary(job *Job, now time.Time) *Summary {
	start := job.CreatedAt
	if job.StartedAt != nil {
		start = *job.StartedAt
	}
	end := now
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	duration := end.Sub(start)

	s := &Summary{
		DurationMs:        duration.Milliseconds(),
		DurationFormatted: FormatDuration(duration),
		TotalFiles:        job.TotalFiles,
		ProcessedFiles:    job.ProcessedFiles,
		FailedFiles:       job.FailedFiles,
		SuccessRate:       successRate(job),
		DocumentTypes:     make(map[DocumentType]int),
	}
	for _, f := range job.Files {
		if f.Status == FileSkipped {
			s.SkippedFiles++
		}
		t := f.DocumentType
		if t == "" {
			t = ResolveDocumentType(f, job.DocumentType)
		}
		s.DocumentTypes[t]++
	}
	return s
}
