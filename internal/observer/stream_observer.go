package observer

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/anime-shed/card-scanner-go/internal/logger"
)

// StreamObserver fans widget events out to live subscribers, such as
// websocket clients. A subscriber that falls behind loses events rather
// than blocking the scan.
type StreamObserver struct {
	mu          sync.RWMutex
	subscribers map[string]chan WidgetEvent
	buffer      int
}

// NewStreamObserver creates a stream observer with the given per-subscriber buffer
func NewStreamObserver(buffer int) *StreamObserver {
	if buffer <= 0 {
		buffer = 32
	}
	return &StreamObserver{
		subscribers: make(map[string]chan WidgetEvent),
		buffer:      buffer,
	}
}

// Subscribe registers a new listener. The returned cancel func must be called
// once the listener is gone; it closes the channel.
func (o *StreamObserver) Subscribe() (string, <-chan WidgetEvent, func()) {
	id := uuid.NewString()
	ch := make(chan WidgetEvent, o.buffer)

	o.mu.Lock()
	o.subscribers[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return id, ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subscribers, id)
			close(ch)
			o.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live listeners
func (o *StreamObserver) Subscribers() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subscribers)
}

func (o *StreamObserver) OnEvent(ctx context.Context, event WidgetEvent) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for id, ch := range o.subscribers {
		select {
		case ch <- event:
		default:
			logger.WithField("subscriber", id).WithField("event_type", event.EventType).
				Warn("Dropping event for slow subscriber")
		}
	}
}

func (o *StreamObserver) GetObserverName() string {
	return "stream_observer"
}
