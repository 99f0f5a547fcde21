package jobs

import "sync"

// LaneDepth is the number of ids waiting in each priority lane.
type LaneDepth struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

func (d LaneDepth) Total() int {
	return d.High + d.Medium + d.Low
}

// queue owns the three priority lanes and the set of ids currently held by
// an executor. An id is in at most one lane, and never in a lane while it is
// active.
type queue struct {
	mu     sync.Mutex
	lanes  map[Priority][]string
	where  map[string]Priority
	active map[string]struct{}
	// requeue holds active ids to push back into their lane once released.
	requeue map[string]Priority
}

var laneOrder = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

func newQueue() *queue {
	return &queue{
		lanes: map[Priority][]string{
			PriorityHigh:   nil,
			PriorityMedium: nil,
			PriorityLow:    nil,
		},
		where:   make(map[string]Priority),
		active:  make(map[string]struct{}),
		requeue: make(map[string]Priority),
	}
}

// push appends id to the tail of its lane. If the id is still active the
// push is deferred until release. It reports false when the id was already
// waiting somewhere.
func (q *queue) push(id string, p Priority) bool {
	if !p.Valid() {
		p = PriorityMedium
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.where[id]; ok {
		return false
	}
	if _, ok := q.active[id]; ok {
		if _, pending := q.requeue[id]; pending {
			return false
		}
		q.requeue[id] = p
		return true
	}
	q.lanes[p] = append(q.lanes[p], id)
	q.where[id] = p
	return true
}

// popNext moves the next id into the active set, honoring strict lane
// priority. It returns false when every lane is empty or limit active ids
// are already held.
func (q *queue) popNext(limit int) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit > 0 && len(q.active) >= limit {
		return "", false
	}
	for _, p := range laneOrder {
		lane := q.lanes[p]
		if len(lane) == 0 {
			continue
		}
		id := lane[0]
		lane[0] = ""
		q.lanes[p] = lane[1:]
		delete(q.where, id)
		q.active[id] = struct{}{}
		return id, true
	}
	return "", false
}

// remove drops id from its lane and cancels any deferred push.
func (q *queue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.requeue, id)
	p, ok := q.where[id]
	if !ok {
		return false
	}
	lane := q.lanes[p]
	for i, v := range lane {
		if v == id {
			q.lanes[p] = append(lane[:i:i], lane[i+1:]...)
			break
		}
	}
	delete(q.where, id)
	return true
}

// forget drops every trace of id, including its active slot.
func (q *queue) forget(id string) {
	q.remove(id)
	q.mu.Lock()
	delete(q.active, id)
	q.mu.Unlock()
}

// release removes id from the active set. A deferred push places it at the
// tail of its lane in the same critical section.
func (q *queue) release(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, id)
	p, ok := q.requeue[id]
	if !ok {
		return false
	}
	delete(q.requeue, id)
	if _, ok := q.where[id]; ok {
		return false
	}
	q.lanes[p] = append(q.lanes[p], id)
	q.where[id] = p
	return true
}

func (q *queue) isActive(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[id]
	return ok
}

func (q *queue) isQueued(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.where[id]
	return ok
}

func (q *queue) activeCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

func (q *queue) depth() LaneDepth {
	q.mu.Lock()
	defer q.mu.Unlock()
	return LaneDepth{
		High:   len(q.lanes[PriorityHigh]),
		Medium: len(q.lanes[PriorityMedium]),
		Low:    len(q.lanes[PriorityLow]),
	}
}

// snapshot returns a copy of each lane, head first.
func (q *queue) snapshot() map[Priority][]string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ret := make(map[Priority][]string, len(q.lanes))
	for p, lane := range q.lanes {
		ret[p] = append([]string(nil), lane...)
	}
	return ret
}
