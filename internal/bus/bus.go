// Package bus fans agent events out to every connected chat surface.
package bus

import (
	"sync"

	"github.com/xkilldash9x/agentxen/api/schemas"
	"go.uber.org/zap"
)

const defaultBufferSize = 64

// Bus is a best-effort broadcaster. Publishing never blocks and never fails:
// a subscriber whose buffer is full misses the message.
type Bus struct {
	logger     *zap.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[chan schemas.SurfaceMessage]struct{}
	isShutdown  bool
}

// New initializes a Bus. A non-positive bufferSize selects the default.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		logger:      logger.Named("ui_bus"),
		bufferSize:  bufferSize,
		subscribers: make(map[chan schemas.SurfaceMessage]struct{}),
	}
}

// Publish delivers msg to every current subscriber. With no subscribers, or
// after Shutdown, it does nothing.
func (b *Bus) Publish(msg schemas.SurfaceMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.isShutdown {
		return
	}
	for ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			b.logger.Debug("Subscriber buffer full; dropping broadcast.", zap.String("type", string(msg.Type)))
		}
	}
}

// Subscribe registers a new listener. The returned function removes it and
// closes the channel; calling it more than once is safe.
func (b *Bus) Subscribe() (<-chan schemas.SurfaceMessage, func()) {
	ch := make(chan schemas.SurfaceMessage, b.bufferSize)

	b.mu.Lock()
	if b.isShutdown {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[ch]; ok {
				delete(b.subscribers, ch)
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Shutdown closes every subscriber channel. Later publishes are dropped and
// later subscriptions receive an already-closed channel.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isShutdown {
		return
	}
	b.isShutdown = true
	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[chan schemas.SurfaceMessage]struct{})
}
