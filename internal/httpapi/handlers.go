package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/docbatch/internal/config"
	"github.com/MimeLyc/docbatch/internal/jobs"
	"github.com/MimeLyc/docbatch/pkg/file"
	"github.com/MimeLyc/docbatch/pkg/log"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// createJobRequest lets a caller name a directory instead of listing files.
type createJobRequest struct {
	jobs.CreateRequest
	Directory     string     `json:"directory"`
	ModifiedAfter *time.Time `json:"modified_after"`
}

type listJobsResponse struct {
	Jobs   []*jobs.Job `json:"jobs"`
	Total  int         `json:"total"`
	Offset int         `json:"offset"`
	Limit  int         `json:"limit"`
}

type queueResponse struct {
	High   []string `json:"high"`
	Medium []string `json:"medium"`
	Low    []string `json:"low"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter, err := parseListFilter(r.URL.Query())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		list, total, err := s.engine.List(r.Context(), filter)
		if err != nil {
			writeJobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, listJobsResponse{
			Jobs:   list,
			Total:  total,
			Offset: filter.Offset,
			Limit:  filter.Limit,
		})
	case http.MethodPost:
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if req.Directory != "" {
			var since time.Time
			if req.ModifiedAfter != nil {
				since = *req.ModifiedAfter
			}
			paths, err := file.FindRecentAfter(req.Directory, since)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("read directory: %v", err))
				return
			}
			for _, p := range paths {
				req.Files = append(req.Files, jobs.FileInput{Source: p})
			}
		}

		job, err := s.engine.Create(r.Context(), req.CreateRequest)
		if err != nil {
			writeJobError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleJob serves /api/jobs/{id} and /api/jobs/{id}/{action}.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if decoded, err := url.PathUnescape(id); err == nil {
		id = decoded
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}

	if action == "" {
		switch r.Method {
		case http.MethodGet:
			job, err := s.engine.Get(r.Context(), id)
			if err != nil {
				writeJobError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, job)
		case http.MethodDelete:
			if err := s.engine.Delete(r.Context(), id); err != nil {
				writeJobError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"deleted": true,
				"id":      id,
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	var op func(context.Context, string) (*jobs.Job, error)
	switch action {
	case "queue":
		op = s.engine.Queue
	case "pause":
		op = s.engine.Pause
	case "resume":
		op = s.engine.Resume
	case "cancel":
		op = s.engine.Cancel
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	job, err := op(r.Context(), id)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	lanes := s.engine.QueuedIDs()
	writeJSON(w, http.StatusOK, queueResponse{
		High:   nonNil(lanes[jobs.PriorityHigh]),
		Medium: nonNil(lanes[jobs.PriorityMedium]),
		Low:    nonNil(lanes[jobs.PriorityLow]),
	})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
	})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := s.settings.GetRuntimeSettings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var req config.RuntimeSettings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		saved, err := s.settings.UpdateRuntimeSettings(req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if s.apply != nil {
			if err := s.apply(saved); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func parseListFilter(q url.Values) (jobs.ListFilter, error) {
	filter := jobs.ListFilter{
		TenantID: q.Get("tenant_id"),
		UserID:   q.Get("user_id"),
		SortBy:   jobs.SortCreatedAt,
		Limit:    defaultListLimit,
	}

	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			status := jobs.Status(part)
			if !status.Valid() {
				return filter, fmt.Errorf("unknown status %q", part)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	if v := q.Get("document_type"); v != "" {
		dt := jobs.DocumentType(strings.ToUpper(v))
		if !dt.Valid() {
			return filter, fmt.Errorf("unknown document_type %q", v)
		}
		filter.DocumentType = dt
	}

	switch v := q.Get("sort"); v {
	case "", string(jobs.SortCreatedAt):
	case string(jobs.SortUpdatedAt):
		filter.SortBy = jobs.SortUpdatedAt
	default:
		return filter, fmt.Errorf("unknown sort field %q", v)
	}

	switch v := strings.ToLower(q.Get("order")); v {
	case "", "desc":
	case "asc":
		filter.Ascending = true
	default:
		return filter, fmt.Errorf("order must be asc or desc")
	}

	var err error
	if filter.Offset, err = queryInt(q, "offset", 0); err != nil {
		return filter, err
	}
	if filter.Limit, err = queryInt(q, "limit", defaultListLimit); err != nil {
		return filter, err
	}
	if filter.Limit == 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return filter, nil
}

func queryInt(q url.Values, key string, def int) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

// writeJobError maps engine error kinds onto status codes.
func writeJobError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "INTERNAL"
	var jobErr *jobs.Error
	if errors.As(err, &jobErr) {
		kind = jobErr.Type.String()
		switch jobErr.Type {
		case jobs.ErrValidation:
			status = http.StatusBadRequest
		case jobs.ErrNotFound:
			status = http.StatusNotFound
		case jobs.ErrInvalidStateTransition:
			status = http.StatusConflict
		}
	}
	if status == http.StatusInternalServerError {
		log.Error("Request failed: %v", err)
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"type":  kind,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
