package progress

import (
	"log/slog"
	"sync"
)

const defaultSubscriberBuffer = 16

// Hub fans progress events out to in-process subscribers keyed by job id.
// Publishing never blocks: a subscriber that cannot keep up loses events
// instead of slowing the producer down.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Event
	nextID int
	buffer int
	logger *slog.Logger
}

// NewHub returns a hub whose subscriber channels buffer up to buffer events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[string]map[int]chan Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers interest in one job's events. The returned channel is
// closed when the job publishes a terminal event or when the cancel function
// runs, whichever comes first.
func (h *Hub) Subscribe(jobID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	ch := make(chan Event, h.buffer)
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[int]chan Event)
	}
	h.subs[jobID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		set, ok := h.subs[jobID]
		if !ok {
			return
		}
		if sub, ok := set[id]; ok {
			delete(set, id)
			close(sub)
		}
		if len(set) == 0 {
			delete(h.subs, jobID)
		}
	}
	return ch, cancel
}

// Publish delivers ev to the job's subscribers, dropping it for any whose
// buffer is full. A terminal event closes the job's subscriptions after
// delivery.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[ev.JobID]
	for id, ch := range set {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("Dropping progress event for slow subscriber",
				slog.String("job_id", ev.JobID),
				slog.Int("subscriber", id),
			)
		}
	}

	if ev.Status.Terminal() && set != nil {
		for id, ch := range set {
			delete(set, id)
			close(ch)
		}
		delete(h.subs, ev.JobID)
	}
}

// Subscribers reports how many subscriptions a job currently has.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}
