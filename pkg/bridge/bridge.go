// Package bridge carries probe signals from the page realm to the
// coordinator. It stands in for the CustomEvent channel: dispatch is
// synchronous and never blocks, delivery is at most once, and payloads
// cross as encoded copies so neither side shares memory with the other.
package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

// EventName is the DOM event type used on the shared element.
const EventName = "privacy-sensor:signal"

// Bridge is a bounded, drop-on-full signal channel.
type Bridge struct {
	log    *logrus.Logger
	events chan []byte

	mu     sync.RWMutex
	closed bool

	dispatched atomic.Int64
	dropped    atomic.Int64
}

// New creates a bridge buffering up to size undelivered payloads.
func New(size int, log *logrus.Logger) *Bridge {
	if size <= 0 {
		size = 64
	}
	return &Bridge{log: log, events: make(chan []byte, size)}
}

// Dispatch encodes sig and hands it to the listener without blocking.
// It reports whether the payload was queued.
func (b *Bridge) Dispatch(sig *types.DetectionSignal) bool {
	data, err := Encode(sig)
	if err != nil {
		b.log.WithError(err).Debug("Failed to encode signal")
		return false
	}
	return b.DispatchRaw(data)
}

// DispatchRaw queues an already encoded detail payload.
func (b *Bridge) DispatchRaw(data []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.events <- data:
		b.dispatched.Add(1)
		return true
	default:
		b.dropped.Add(1)
		b.log.Debug("Bridge full, dropping signal")
		return false
	}
}

// Events is the listener side of the bridge.
func (b *Bridge) Events() <-chan []byte {
	return b.events
}

// Close stops accepting payloads and closes the listener channel.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.events)
}

// Stats returns dispatched and dropped counts.
func (b *Bridge) Stats() (dispatched, dropped int64) {
	return b.dispatched.Load(), b.dropped.Load()
}
