package jobs

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Store is the durable record of every job. Save must be atomic: readers
// never observe a partially written job.
type Store interface {
	Save(ctx context.Context, job *Job) error
	// Load returns an ErrNotFound error for unknown ids.
	Load(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error
	// LoadAll returns every job in creation order.
	LoadAll(ctx context.Context) ([]*Job, error)
	List(ctx context.Context, filter ListFilter) ([]*Job, int, error)
}

// DefaultResultSizeLimit caps a serialized file result before it is stored.
const DefaultResultSizeLimit = 10 * 1024

type truncatedResult struct {
	Truncated     bool               `json:"truncated"`
	OriginalBytes int                `json:"original_bytes"`
	Counts        map[string]int     `json:"counts,omitempty"`
	Numbers       map[string]float64 `json:"numbers,omitempty"`
}

// CapResult serializes result and replaces it with a stub when it exceeds
// limit bytes. The stub keeps the length of every top-level array and every
// top-level number so counts survive truncation.
func CapResult(result any, limit int) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	var raw json.RawMessage
	switch v := result.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		if json.Valid(v) {
			raw = v
			break
		}
		b, err := json.Marshal(string(v))
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		b, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if limit <= 0 || len(raw) <= limit {
		return raw, nil
	}

	stub := truncatedResult{Truncated: true, OriginalBytes: len(raw)}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err == nil {
		for k, v := range fields {
			var arr []json.RawMessage
			if err := json.Unmarshal(v, &arr); err == nil {
				if stub.Counts == nil {
					stub.Counts = make(map[string]int)
				}
				stub.Counts[k] = len(arr)
				continue
			}
			var n float64
			if err := json.Unmarshal(v, &n); err == nil {
				if stub.Numbers == nil {
					stub.Numbers = make(map[string]float64)
				}
				stub.Numbers[k] = n
			}
		}
	} else {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err == nil {
			stub.Counts = map[string]int{"items": len(arr)}
		}
	}
	return json.Marshal(stub)
}

// FilterJobs applies filter matching, sorting and pagination to an already
// loaded job set. It returns the page and the total number of matches.
func FilterJobs(all []*Job, filter ListFilter) ([]*Job, int) {
	matched := make([]*Job, 0, len(all))
	for _, j := range all {
		if j != nil && filter.matches(j) {
			matched = append(matched, j)
		}
	}

	key := func(j *Job) int64 {
		if filter.SortBy == SortUpdatedAt {
			return j.UpdatedAt.UnixNano()
		}
		return j.CreatedAt.UnixNano()
	}
	sort.SliceStable(matched, func(a, b int) bool {
		if filter.Ascending {
			return key(matched[a]) < key(matched[b])
		}
		return key(matched[a]) > key(matched[b])
	})

	total := len(matched)
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], total
}

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) Save(_ context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return NewError(ErrValidation, "job id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		m.order = append(m.order, job.ID)
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneJob(job), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return notFound(id)
	}
	delete(m.jobs, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) LoadAll(_ context.Context) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := make([]*Job, 0, len(m.order))
	for _, id := range m.order {
		ret = append(ret, cloneJob(m.jobs[id]))
	}
	return ret, nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Job, int, error) {
	all, err := m.LoadAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	page, total := FilterJobs(all, filter)
	return page, total, nil
}
