package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MimeLyc/docbatch/pkg/log"
)

type fileOutcome int

const (
	outcomeCompleted fileOutcome = iota
	outcomeRetry
	outcomeFailed
)

// run executes one dispatch pass of job id. Files are visited in list order,
// one at a time.
func (e *Engine) run(ctx context.Context, id string) {
	defer func() {
		e.queue.release(id)
		e.signal()
	}()

	job, err := e.mutate(ctx, id, func(j *Job) error {
		if j.Status != StatusQueued {
			return errStopped
		}
		now := e.now()
		j.Status = StatusProcessing
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		return nil
	}, nil)
	if err != nil {
		if errors.Is(err, errStopped) || IsErrorType(err, ErrNotFound) {
			log.Debug("Skipping dispatch of job %s: %v", id, err)
			return
		}
		e.failJob(ctx, id, err)
		return
	}
	log.Info("Started job %s (%d/%d files done)", id, job.ProcessedFiles, job.TotalFiles)
	e.publish(EventJobStarted, job, nil, "")

	for i := range job.Files {
		stop, err := e.processFile(ctx, id, i)
		if err != nil {
			e.failJob(ctx, id, err)
			return
		}
		if stop {
			log.Info("Job %s left processing before file %d; stopping pass", id, i+1)
			return
		}
	}

	if err := e.finishPass(ctx, id); err != nil && !errors.Is(err, errStopped) && !IsErrorType(err, ErrNotFound) {
		e.failJob(ctx, id, err)
	}
}

// processFile runs the processing function for file i of job id and records
// the outcome. stop reports that the job is no longer PROCESSING.
func (e *Engine) processFile(ctx context.Context, id string, i int) (bool, error) {
	var (
		snapshot *Job
		file     FileEntry
		skipped  bool
	)
	_, err := e.mutate(ctx, id, func(j *Job) error {
		if j.Status != StatusProcessing {
			return errStopped
		}
		if i >= len(j.Files) {
			return NewError(ErrJobExecution, fmt.Sprintf("file index %d out of range", i))
		}
		f := &j.Files[i]
		if f.Status.Done() {
			skipped = true
			return errUnchanged
		}
		now := e.now()
		f.Status = FileProcessing
		f.DocumentType = ResolveDocumentType(*f, j.DocumentType)
		f.StartedAt = &now
		snapshot = cloneJob(j)
		file = *f
		return nil
	}, nil)
	switch {
	case errors.Is(err, errStopped), IsErrorType(err, ErrNotFound):
		return true, nil
	case err != nil:
		return false, err
	case skipped:
		return false, nil
	}

	result, procErr := e.invoke(ctx, file, snapshot)

	var (
		outcome fileOutcome
		updated FileEntry
	)
	job, err := e.mutate(ctx, id, func(j *Job) error {
		if i >= len(j.Files) {
			return NewError(ErrJobExecution, fmt.Sprintf("file index %d out of range", i))
		}
		f := &j.Files[i]
		now := e.now()
		if procErr == nil {
			f.Status = FileCompleted
			f.Result = result
			f.Error = nil
			f.CompletedAt = &now
			j.ProcessedFiles++
			outcome = outcomeCompleted
		} else {
			f.RetryCount++
			f.Error = &FileError{
				Message:    procErr.Error(),
				Timestamp:  now,
				RetryCount: f.RetryCount,
			}
			if f.RetryCount > j.MaxRetries {
				f.Status = FileFailed
				f.CompletedAt = &now
				j.FailedFiles++
				j.ProcessedFiles++
				outcome = outcomeFailed
			} else {
				f.Status = FilePending
				if j.Status == StatusCancelled {
					f.Status = FileSkipped
				}
				outcome = outcomeRetry
			}
		}
		j.recomputeProgress()
		updated = *f
		return nil
	}, nil)
	if err != nil {
		if IsErrorType(err, ErrNotFound) {
			return true, nil
		}
		return false, err
	}

	switch outcome {
	case outcomeCompleted:
		e.counters.fileDone(false)
		log.Info("Job %s: file %s processed as %s (%d%%)", id, updated.Name, updated.DocumentType, job.Progress)
		e.publish(EventFileProcessed, job, &updated, "")
	case outcomeFailed:
		e.counters.fileDone(true)
		log.Error("Job %s: file %s failed permanently after %d attempts: %v", id, updated.Name, updated.RetryCount, procErr)
		e.publish(EventFileError, job, &updated, procErr.Error())
	case outcomeRetry:
		log.Warn("Job %s: file %s failed (attempt %d of %d), will retry on next pass: %v",
			id, updated.Name, updated.RetryCount, job.MaxRetries+1, procErr)
	}
	return job.Status != StatusProcessing, nil
}

// invoke calls the registered function and caps its result. Any failure,
// including a panic, is a FileProcessingError.
func (e *Engine) invoke(ctx context.Context, file FileEntry, job *Job) (json.RawMessage, error) {
	fn, err := e.registry.Lookup(file.DocumentType)
	if err != nil {
		return nil, err
	}
	var result any
	err = safeExecute(func() error {
		var callErr error
		result, callErr = fn(ctx, file, job)
		return callErr
	})
	if err != nil {
		if IsErrorType(err, ErrFileProcessing) {
			return nil, err
		}
		return nil, WrapError(err, ErrFileProcessing, fmt.Sprintf("process %s", file.Name)).
			WithContext("file_id", file.ID)
	}
	capped, err := CapResult(result, e.cfg.ResultSizeLimit)
	if err != nil {
		return nil, WrapError(err, ErrFileProcessing, "encode result").WithContext("file_id", file.ID)
	}
	return capped, nil
}

// finishPass either finalizes the job or, when files still await a retry,
// puts it back to QUEUED for a fresh pass.
func (e *Engine) finishPass(ctx context.Context, id string) error {
	requeue := false
	job, err := e.mutate(ctx, id, func(j *Job) error {
		if j.Status != StatusProcessing {
			return errStopped
		}
		// A pass that leaves retries pending re-enqueues the job.
		if j.hasPendingFiles() {
			j.Status = StatusQueued
			requeue = true
			return nil
		}
		now := e.now()
		if j.FailedFiles == j.TotalFiles {
			j.Status = StatusFailed
		} else {
			j.Status = StatusCompleted
		}
		j.CompletedAt = &now
		j.Summary = buildSummary(j, now)
		return nil
	}, func(j *Job) {
		// The id is still active, so this push waits for release and a
		// concurrent remove or forget can cancel it.
		if requeue {
			e.queue.push(j.ID, j.Priority)
		}
	})
	if err != nil {
		return err
	}

	if requeue {
		log.Info("Job %s has files awaiting retry; requeued in %s lane", id, job.Priority)
		e.publish(EventJobQueued, job, nil, "retry")
		return nil
	}

	e.counters.jobFinished(job.Status)
	msg := fmt.Sprintf("Job %s %s: %d/%d files succeeded in %s",
		job.Name, statusVerb(job.Status), job.ProcessedFiles-job.FailedFiles, job.TotalFiles, job.Summary.DurationFormatted)
	if job.Status == StatusFailed {
		log.Error("%s", msg)
		e.publish(EventJobFailed, job, nil, msg)
	} else {
		log.Info("%s", msg)
		e.publish(EventJobCompleted, job, nil, msg)
	}
	e.publish(EventNotification, job, nil, msg)
	return nil
}

// failJob records a failure outside the per-file loop. It is never retried.
// Only a QUEUED or PROCESSING job is moved to FAILED; a job that was paused
// or stopped in the meantime keeps its status.
func (e *Engine) failJob(ctx context.Context, id string, cause error) {
	jobErr := cause
	if !IsErrorType(cause, ErrJobExecution) {
		jobErr = WrapError(cause, ErrJobExecution, "job execution failed").WithContext("job_id", id)
	}
	log.Error("Job %s failed: %v", id, jobErr)

	unlock := e.locks.lock(id)
	job, err := e.store.Load(ctx, id)
	if err == nil && (job.Status == StatusProcessing || job.Status == StatusQueued) {
		now := e.now()
		job.Status = StatusFailed
		job.Error = &JobError{Message: jobErr.Error(), Timestamp: now}
		job.CompletedAt = &now
		job.UpdatedAt = now
		job.Summary = buildSummary(job, now)
		if saveErr := e.store.Save(ctx, job); saveErr != nil {
			log.Error("Failed to persist failure of job %s: %v", id, saveErr)
		}
		e.queue.remove(id)
		e.counters.jobFinished(StatusFailed)
	} else if err == nil {
		log.Warn("Job %s is %s; not marking it failed", id, job.Status)
	}
	unlock()

	if job == nil {
		job = &Job{ID: id}
	}
	e.publish(EventJobError, job, nil, jobErr.Error())
	e.publish(EventNotification, job, nil, fmt.Sprintf("Job %s failed: %v", id, jobErr))
}

func statusVerb(s Status) string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return string(s)
	}
}
