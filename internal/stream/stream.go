// Package stream fans history records out to live subscribers.
package stream

import (
	"context"
	"sync"

	"chorus.org/internal/history"
)

// Hub fan-outs history records to all active subscribers (SSE clients).
// It implements history.Sink.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan history.Record
	next   int
	buffer int
}

// New initialises an empty hub. Each subscriber buffers up to buffer records.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[int]chan history.Record), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive records.
// The channel is closed when the provided context ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan history.Record {
	ch := make(chan history.Record, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs rec to all subscribers. Slow subscribers miss records.
func (h *Hub) Publish(rec history.Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Emit(_ context.Context, rec history.Record) error {
	h.Publish(rec)
	return nil
}
