// Package progress implements the publish-subscribe channel that carries
// dataset processing events to websocket clients. Delivery is
// best-effort: subscribers only see events published after they attach,
// and a subscriber that cannot accept an event within the send timeout
// is dropped.
package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names a processing lifecycle event.
type EventType string

const (
	EventProcessingStarted  EventType = "processing_started"
	EventBatchProgress      EventType = "batch_progress"
	EventIndexSyncProgress  EventType = "index_sync_progress"
	EventProcessingComplete EventType = "processing_complete"
	EventError              EventType = "error"
)

// Event is one typed progress message.
type Event struct {
	Type          EventType `json:"type"`
	FileID        int64     `json:"file_id"`
	ProcessedRows int64     `json:"processed_rows,omitempty"`
	CurrentBatch  int       `json:"current_batch,omitempty"`
	TotalRows     int64     `json:"total_rows,omitempty"`
	IndexSynced   bool      `json:"index_synced,omitempty"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

const (
	// sendTimeout is how long Publish waits on one subscriber before
	// disconnecting it.
	defaultSendTimeout = 5 * time.Second
	// subscriberBuffer absorbs short bursts without blocking Publish.
	subscriberBuffer = 16
)

// Subscriber receives events for one dataset until closed.
type Subscriber struct {
	fileID int64
	events chan Event

	closeOnce sync.Once
}

// Events is the receive side; it is closed when the subscriber is
// dropped or unsubscribed.
func (s *Subscriber) Events() <-chan Event { return s.events }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.events) })
}

// Hub fans events out to the subscribers of each dataset.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int64]map[*Subscriber]bool
	sendTimeout time.Duration
	logger      zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[int64]map[*Subscriber]bool),
		sendTimeout: defaultSendTimeout,
		logger:      logger,
	}
}

// Subscribe attaches a new subscriber to fileID's event stream.
func (h *Hub) Subscribe(fileID int64) *Subscriber {
	sub := &Subscriber{fileID: fileID, events: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	if h.subscribers[fileID] == nil {
		h.subscribers[fileID] = make(map[*Subscriber]bool)
	}
	h.subscribers[fileID][sub] = true
	h.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if subs := h.subscribers[sub.fileID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, sub.fileID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Publish delivers ev to every current subscriber of ev.FileID. A
// subscriber that cannot accept within the send timeout is disconnected;
// the event is dropped for it and delivery to the others continues.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.subscribers[ev.FileID]))
	for sub := range h.subscribers[ev.FileID] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.events <- ev:
		default:
			timer := time.NewTimer(h.sendTimeout)
			select {
			case sub.events <- ev:
				timer.Stop()
			case <-timer.C:
				h.logger.Warn().Int64("file_id", ev.FileID).
					Msg("slow progress subscriber dropped")
				h.Unsubscribe(sub)
			}
		}
	}
}

// SubscriberCount reports the current subscribers for a dataset; used by
// the readiness probe and tests.
func (h *Hub) SubscriberCount(fileID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[fileID])
}
