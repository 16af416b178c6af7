// Package events is the in-process fan-out of record state transitions.
//
// Subscribers register per owner (program id); publishers do not block on
// slow consumers. Delivery is best-effort: when a subscriber's buffer is
// full, its oldest event is dropped. Consumers needing authoritative state
// re-read the store.
package events

import (
	"context"
	"sync"
)

const defaultBuffer = 64

type subscriber[T any] struct {
	ownerId string
	ch      chan T
}

type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[*subscriber[T]]struct{}

	// Buffer is each subscriber's channel capacity. Zero means a default.
	Buffer int
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subscribers: map[*subscriber[T]]struct{}{}}
}

// Subscribe registers for events of one owner. The returned cancel func
// unregisters and closes the channel; it is also called when ctx ends.
func (b *Bus[T]) Subscribe(ctx context.Context, ownerId string) (<-chan T, func()) {
	buffer := b.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber[T]{ownerId: ownerId, ch: make(chan T, buffer)}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}

	stop := context.AfterFunc(ctx, cancel)
	return sub.ch, func() { stop(); cancel() }
}

// Publish delivers the event to every subscriber of ownerId, dropping the
// oldest buffered event of a subscriber that cannot keep up.
func (b *Bus[T]) Publish(ownerId string, event T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.ownerId != ownerId {
			continue
		}
		for {
			select {
			case sub.ch <- event:
			default:
				select {
				case <-sub.ch: // make room
				default:
				}
				continue
			}
			break
		}
	}
}
