package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/MimeLyc/docbatch/internal/jobs"
)

// Both stores keep the full job as one JSON document next to the columns
// they query on, so a job is always written and read as a unit.

func encodeJob(job *jobs.Job) ([]byte, error) {
	if job == nil {
		return nil, fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return nil, jobs.NewError(jobs.ErrValidation, "job id is required")
	}
	return json.Marshal(job)
}

func decodeJob(data []byte) (*jobs.Job, error) {
	var job jobs.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

func notFound(id string) error {
	return jobs.NewError(jobs.ErrNotFound, fmt.Sprintf("job %s not found", id)).WithContext("job_id", id)
}
