// Package serial guarantees at most one in-flight execution per key,
// coalescing bursts down to the most recent submission.
package serial

import (
	"context"
	"log/slog"
	"sync"
)

// Processor executes keyed work items with per-key mutual exclusion. A
// submission that arrives while its key is busy is parked as the key's
// single pending item, overwriting any previously parked one; it runs as
// soon as the in-flight execution completes. Intermediate items are
// dropped on purpose: for re-download style work only the latest matters.
//
// Execution failures are logged and absorbed so a failed item can never
// wedge its key's slot.
type Processor[K comparable, V any] struct {
	run    func(ctx context.Context, key K, item V) error
	logger *slog.Logger

	mu    sync.Mutex
	slots map[K]*pending[V]
	wg    sync.WaitGroup
}

type pending[V any] struct {
	item *V
	ctx  context.Context
}

// New builds a processor around run. A nil logger falls back to
// slog.Default.
func New[K comparable, V any](run func(ctx context.Context, key K, item V) error, logger *slog.Logger) *Processor[K, V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor[K, V]{
		run:    run,
		logger: logger,
		slots:  map[K]*pending[V]{},
	}
}

// Submit hands item to the key's slot. When the key is idle the execution
// starts immediately in its own goroutine; otherwise item supersedes any
// parked submission for the key. Submit never blocks on the execution.
func (p *Processor[K, V]) Submit(ctx context.Context, key K, item V) {
	p.mu.Lock()
	if slot, busy := p.slots[key]; busy {
		slot.item = &item
		slot.ctx = ctx
		p.mu.Unlock()
		return
	}
	p.slots[key] = &pending[V]{}
	p.wg.Add(1)
	p.mu.Unlock()
	go p.process(ctx, key, item)
}

func (p *Processor[K, V]) process(ctx context.Context, key K, item V) {
	defer p.wg.Done()
	for {
		if err := p.run(ctx, key, item); err != nil {
			p.logger.Warn("serial: execution failed",
				slog.Any("key", key),
				slog.String("error", err.Error()))
		}
		p.mu.Lock()
		slot := p.slots[key]
		if slot == nil || slot.item == nil {
			delete(p.slots, key)
			p.mu.Unlock()
			return
		}
		item = *slot.item
		ctx = slot.ctx
		slot.item = nil
		p.mu.Unlock()
	}
}

// Busy reports whether an execution is currently in flight for key.
func (p *Processor[K, V]) Busy(key K) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, busy := p.slots[key]
	return busy
}

// Wait blocks until every slot has drained. Submissions racing with Wait
// are not guaranteed to be observed; callers stop submitting first.
func (p *Processor[K, V]) Wait() {
	p.wg.Wait()
}
