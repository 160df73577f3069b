package event

import "sync"

// Buffer is a pausable event queue feeding the processing pipeline.
// Events published while the buffer is paused are retained, not dropped,
// and drain in order on resume.
type Buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*SecurityEvent
	paused bool
	closed bool
}

// NewBuffer creates an empty, running buffer.
func NewBuffer() *Buffer {
	b := &Buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish appends an event to the queue. Returns false after Close.
func (b *Buffer) Publish(evt *SecurityEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.queue = append(b.queue, evt)
	b.cond.Broadcast()
	return true
}

// Next blocks until an event is available and the buffer is not paused,
// then removes and returns it. Returns nil once the buffer is closed and
// drained.
func (b *Buffer) Next() *SecurityEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if len(b.queue) > 0 && !b.paused {
			evt := b.queue[0]
			b.queue = b.queue[1:]
			return evt
		}
		if b.closed && len(b.queue) == 0 {
			return nil
		}
		if b.closed && b.paused {
			// Closing unpauses so the remaining queue can drain.
			b.paused = false
			continue
		}
		b.cond.Wait()
	}
}

// Pause stops delivery. Publishing continues to queue.
func (b *Buffer) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Resume restarts delivery of queued and future events.
func (b *Buffer) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
	b.cond.Broadcast()
}

// Paused reports whether delivery is paused.
func (b *Buffer) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Len returns the number of queued events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops accepting new events. Queued events remain deliverable.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}
