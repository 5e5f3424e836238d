package bus

import (
	"sync"
	"sync/atomic"

	"github.com/jkaberg/ev-charge-tracker/internal/telemetry"
)

// Bus fans samples out to every subscriber. Past samples are not replayed.
// Safe for concurrent publishers and subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan *telemetry.Sample
	dropped     atomic.Uint64
}

func New() *Bus { return &Bus{} }

// Subscribe returns a channel receiving every future sample. buffer bounds
// how far the subscriber may fall behind before samples are skipped; the
// engine wants a deep buffer, the publisher only the latest sample.
func (b *Bus) Subscribe(buffer int) <-chan *telemetry.Sample {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *telemetry.Sample, buffer)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Publish never blocks. A subscriber with a full buffer misses this sample
// and gets the next one.
func (b *Bus) Publish(s *telemetry.Sample) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- s:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscriber channel. Publish must not be called after.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
