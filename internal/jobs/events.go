package jobs

import (
	"sync"
	"time"

	"github.com/MimeLyc/docbatch/pkg/log"
)

type EventName string

const (
	EventJobCreated    EventName = "jobCreated"
	EventJobQueued     EventName = "jobQueued"
	EventJobStarted    EventName = "jobStarted"
	EventFileProcessed EventName = "fileProcessed"
	EventFileError     EventName = "fileError"
	EventJobCompleted  EventName = "jobCompleted"
	EventJobFailed     EventName = "jobFailed"
	EventJobCancelled  EventName = "jobCancelled"
	EventJobPaused     EventName = "jobPaused"
	EventJobResumed    EventName = "jobResumed"
	EventJobDeleted    EventName = "jobDeleted"
	EventJobError      EventName = "jobError"
	EventNotification  EventName = "notification"

	// EventAll subscribes a handler to every event.
	EventAll EventName = "*"
)

// Event is a point-in-time copy of a job transition.
type Event struct {
	Name    EventName  `json:"name"`
	JobID   string     `json:"job_id"`
	Job     *Job       `json:"job,omitempty"`
	File    *FileEntry `json:"file,omitempty"`
	Message string     `json:"message,omitempty"`
	At      time.Time  `json:"at"`
}

type Handler func(Event)

type subscriber struct {
	id      uint64
	name    EventName
	handler Handler
	ch      chan Event
	done    chan struct{}
}

// Bus fans events out to subscribers. Every subscriber has its own buffered
// channel and goroutine, so Publish never waits on a handler; events that do
// not fit the buffer are dropped.
type Bus struct {
	buffer int

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		buffer: buffer,
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscribe registers handler for name and returns a function that removes it.
func (b *Bus) Subscribe(name EventName, handler Handler) func() {
	b.mu.Lock()
	if b.closed || handler == nil {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		name:    name,
		handler: handler,
		ch:      make(chan Event, b.buffer),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.loop()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
}

func (s *subscriber) loop() {
	defer close(s.done)
	for ev := range s.ch {
		s.deliver(ev)
	}
}

func (s *subscriber) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Event handler for %s panicked: %v", ev.Name, r)
		}
	}()
	s.handler(ev)
}

func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.name != EventAll && sub.name != ev.Name {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn("Dropping %s event for job %s: subscriber buffer full", ev.Name, ev.JobID)
		}
	}
}

// Close stops delivery and waits for in-flight handlers to return.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for id, sub := range b.subs {
		close(sub.ch)
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
}
