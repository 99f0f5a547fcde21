package jobs

import (
	"encoding/json"
	"math"
	"time"
)

type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusQueued, StatusProcessing, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type FileStatus string

const (
	FilePending    FileStatus = "PENDING"
	FileProcessing FileStatus = "PROCESSING"
	FileCompleted  FileStatus = "COMPLETED"
	FileFailed     FileStatus = "FAILED"
	FileSkipped    FileStatus = "SKIPPED"
)

// Done reports whether the file needs no further processing.
func (s FileStatus) Done() bool {
	return s == FileCompleted || s == FileFailed || s == FileSkipped
}

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

type DocumentType string

const (
	DocumentPDF       DocumentType = "PDF"
	DocumentExcel     DocumentType = "EXCEL"
	DocumentPortfolio DocumentType = "PORTFOLIO"
	DocumentFinancial DocumentType = "FINANCIAL"
	DocumentGeneric   DocumentType = "GENERIC"
)

func (d DocumentType) Valid() bool {
	switch d {
	case DocumentPDF, DocumentExcel, DocumentPortfolio, DocumentFinancial, DocumentGeneric:
		return true
	}
	return false
}

type FileError struct {
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
}

type FileEntry struct {
	ID                   string          `json:"id"`
	Source               string          `json:"source"`
	Name                 string          `json:"name"`
	DocumentType         DocumentType    `json:"document_type,omitempty"`
	DocumentTypeOverride DocumentType    `json:"document_type_override,omitempty"`
	Status               FileStatus      `json:"status"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                *FileError      `json:"error,omitempty"`
	RetryCount           int             `json:"retry_count"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// JobError records a failure outside the per-file loop.
type JobError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Summary struct {
	DurationMs        int64                `json:"duration_ms"`
	DurationFormatted string               `json:"duration_formatted"`
	TotalFiles        int                  `json:"total_files"`
	ProcessedFiles    int                  `json:"processed_files"`
	FailedFiles       int                  `json:"failed_files"`
	SkippedFiles      int                  `json:"skipped_files"`
	SuccessRate       float64              `json:"success_rate"`
	DocumentTypes     map[DocumentType]int `json:"document_types"`
}

type Job struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id,omitempty"`
	UserID            string         `json:"user_id,omitempty"`
	Name              string         `json:"name"`
	Status            Status         `json:"status"`
	Priority          Priority       `json:"priority"`
	DocumentType      DocumentType   `json:"document_type,omitempty"`
	MaxRetries        int            `json:"max_retries"`
	Files             []FileEntry    `json:"files"`
	TotalFiles        int            `json:"total_files"`
	ProcessedFiles    int            `json:"processed_files"`
	FailedFiles       int            `json:"failed_files"`
	Progress          int            `json:"progress"`
	ProcessingOptions map[string]any `json:"processing_options,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Summary           *Summary       `json:"summary,omitempty"`
	Error             *JobError      `json:"error,omitempty"`
}

func (j *Job) recomputeProgress() {
	if j.TotalFiles <= 0 {
		j.Progress = 0
		return
	}
	j.Progress = int(math.Round(float64(j.ProcessedFiles) / float64(j.TotalFiles) * 100))
}

// HasDocumentType reports whether any file resolved or was pinned to t.
func (j *Job) HasDocumentType(t DocumentType) bool {
	if j.DocumentType == t {
		return true
	}
	for _, f := range j.Files {
		if f.DocumentType == t || f.DocumentTypeOverride == t {
			return true
		}
	}
	return false
}

func (j *Job) hasPendingFiles() bool {
	for _, f := range j.Files {
		if !f.Status.Done() {
			return true
		}
	}
	return false
}

// CreateRequest describes a new job.
type CreateRequest struct {
	TenantID          string         `json:"tenant_id"`
	UserID            string         `json:"user_id"`
	Name              string         `json:"name"`
	Priority          Priority       `json:"priority"`
	DocumentType      DocumentType   `json:"document_type"`
	MaxRetries        *int           `json:"max_retries"`
	Files             []FileInput    `json:"files"`
	ProcessingOptions map[string]any `json:"processing_options"`
	AutoQueue         bool           `json:"auto_queue"`
}

type FileInput struct {
	Source       string       `json:"source"`
	Name         string       `json:"name"`
	DocumentType DocumentType `json:"document_type"`
}

type SortField string

const (
	SortCreatedAt SortField = "created_at"
	SortUpdatedAt SortField = "updated_at"
)

type ListFilter struct {
	Statuses     []Status
	TenantID     string
	UserID       string
	DocumentType DocumentType
	SortBy       SortField
	Ascending    bool
	Offset       int
	Limit        int
}

func (f ListFilter) matches(j *Job) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if j.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TenantID != "" && j.TenantID != f.TenantID {
		return false
	}
	if f.UserID != "" && j.UserID != f.UserID {
		return false
	}
	if f.DocumentType != "" && !j.HasDocumentType(f.DocumentType) {
		return false
	}
	return true
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	tmp.Files = make([]FileEntry, len(job.Files))
	for i, f := range job.Files {
		if f.Result != nil {
			f.Result = append(json.RawMessage(nil), f.Result...)
		}
		if f.Error != nil {
			e := *f.Error
			f.Error = &e
		}
		f.StartedAt = cloneTime(f.StartedAt)
		f.CompletedAt = cloneTime(f.CompletedAt)
		tmp.Files[i] = f
	}
	if job.ProcessingOptions != nil {
		tmp.ProcessingOptions = make(map[string]any, len(job.ProcessingOptions))
		for k, v := range job.ProcessingOptions {
			tmp.ProcessingOptions[k] = v
		}
	}
	tmp.StartedAt = cloneTime(job.StartedAt)
	tmp.CompletedAt = cloneTime(job.CompletedAt)
	if job.Summary != nil {
		s := *job.Summary
		s.DocumentTypes = make(map[DocumentType]int, len(job.Summary.DocumentTypes))
		for k, v := range job.Summary.DocumentTypes {
			s.DocumentTypes[k] = v
		}
		tmp.Summary = &s
	}
	if job.Error != nil {
		e := *job.Error
		tmp.Error = &e
	}
	return &tmp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
