// Package progress decouples byte streaming from observability: an
// instrumented reader publishes download progress onto a process-wide
// broadcast bus that admin clients subscribe to.
package progress

import (
	"log/slog"
	"sync"
)

// Event is one download progress observation. Terminal marks the last event
// of a transaction's response: ReadBytes == TotalBytes on full delivery,
// less on abort.
type Event struct {
	Name          string `json:"event"`
	TransactionID string `json:"transaction_id"`
	FilePath      string `json:"file_path"`
	ReadBytes     int64  `json:"read_bytes"`
	TotalBytes    int64  `json:"total_bytes"`
	Terminal      bool   `json:"-"`
}

// EventDownloadProgress is the only event name emitted today.
const EventDownloadProgress = "download_progress"

// DefaultBufferSize is the per-subscriber ring capacity.
const DefaultBufferSize = 256

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full loses the event. The hot path must never wait on
// admin clients.
type Bus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	bufSize int
}

// NewBus creates a Bus with the given per-subscriber buffer capacity.
// Zero or negative means DefaultBufferSize.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		subs:    make(map[int]chan Event),
		bufSize: bufSize,
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
// The channel is closed by Unsubscribe.
func (b *Bus) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufSize)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe releases a subscription and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers the event to every subscriber that has buffer room.
// Events for slow subscribers are dropped silently.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			slog.Debug("dropped progress event for slow subscriber",
				"subscriber", id,
				"transaction_id", evt.TransactionID,
			)
		}
	}
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
