// Package driverclient is the device side of the location channel: it
// throttles GPS samples, keeps the connection warm and buffers what could
// not be delivered.
package driverclient

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

const DefaultBufferSize = 100

// Buffer holds undelivered samples oldest first. When full the oldest sample
// is evicted.
type Buffer struct {
	mu    sync.Mutex
	cap   int
	items []models.LocationSample
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Buffer{cap: capacity}
}

// Add appends s and reports whether an older sample was evicted.
func (b *Buffer) Add(s models.LocationSample) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.cap {
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
		evicted = true
	}
	b.items = append(b.items, s)
	return evicted
}

// Snapshot copies the current contents.
func (b *Buffer) Snapshot() []models.LocationSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.LocationSample, len(b.items))
	copy(out, b.items)
	return out
}

// Confirm drops every sample up to the last one of a delivered snapshot.
// Matching is by timestamp, so samples added while the snapshot was in
// flight survive even if eviction shifted the buffer.
func (b *Buffer) Confirm(delivered []models.LocationSample) {
	if len(delivered) == 0 {
		return
	}
	last := delivered[len(delivered)-1].Timestamp
	b.mu.Lock()
	defer b.mu.Unlock()
	i := 0
	for i < len(b.items) && !b.items[i].Timestamp.After(last) {
		i++
	}
	b.items = append(b.items[:0], b.items[i:]...)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
