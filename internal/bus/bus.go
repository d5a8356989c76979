// Package bus implements the in-process event bus: a bounded
// single-producer/multi-consumer fan-out from the capture handler to
// listeners (the subscription engine, and any future auditor), grounded
// on the handler-registry-plus-bounded-semaphore shape used elsewhere in
// this codebase's event-listening infrastructure.
package bus

import (
	"context"
	"sync"
)

// RequestCaptured is the sole event this process publishes today: a
// capture committed successfully.
type RequestCaptured struct {
	CaptureID string
	TenantID  string
}

// Handler processes one published event. Handlers run concurrently,
// bounded by the bus's semaphore, and return nothing: any failure is the
// handler's own to report, and nothing reaches the publisher.
type Handler func(ctx context.Context, evt RequestCaptured)

const defaultHandlerConcurrency = 32

// Bus is a topic-less fan-out (this process has exactly one topic) but
// keeps the registration/semaphore shape general in case a second event
// type is added later.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	sem      chan struct{}
}

// New builds a Bus with the given bounded handler concurrency.
func New(concurrency int) *Bus {
	if concurrency <= 0 {
		concurrency = defaultHandlerConcurrency
	}
	return &Bus{sem: make(chan struct{}, concurrency)}
}

// Subscribe registers h to receive every future Publish call.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish fans evt out to every registered handler. Publish itself never
// blocks on a slow handler for longer than it takes to acquire a
// semaphore slot; handlers run in their own goroutine and buffer against
// the semaphore, matching spec §5's "Publish is non-blocking; subscribers
// buffer."
func (b *Bus) Publish(ctx context.Context, evt RequestCaptured) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		b.sem <- struct{}{}
		go func() {
			defer func() { <-b.sem }()
			h(ctx, evt)
		}()
	}
}
