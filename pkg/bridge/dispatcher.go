// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"

	"github.com/rs/zerolog"
)

const dispatchQueueSize = 512

// orgDispatchKey is the dispatch key for all of an organization's
// portal traffic, whichever side it came from. Sharing one key keeps
// a message and the edit or reaction that follows it in order.
func orgDispatchKey(org string) string {
	return "org/" + normalizeOrg(org)
}

// dispatcher serializes work per key. Each key gets its own worker
// goroutine with a bounded queue, so a slow or failing organization
// cannot stall traffic for the others. Tasks for the same key run in
// submission order.
type dispatcher struct {
	log zerolog.Logger

	mu      sync.Mutex
	workers map[string]chan func()
	closed  bool
	wg      sync.WaitGroup
}

func newDispatcher(log zerolog.Logger) *dispatcher {
	return &dispatcher{
		log:     log.With().Str("component", "dispatcher").Logger(),
		workers: make(map[string]chan func()),
	}
}

// Submit queues a task for a key. Tasks are dropped with a warning
// when the key's queue is full or the dispatcher is closed.
func (d *dispatcher) Submit(key string, task func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warn().Str("key", key).Msg("Dispatcher closed, dropping task")
		return
	}
	queue, ok := d.workers[key]
	if !ok {
		queue = make(chan func(), dispatchQueueSize)
		d.workers[key] = queue
		d.wg.Add(1)
		go d.run(queue)
	}
	// The send stays under the lock so Close cannot close the channel
	// between the closed check and the send.
	select {
	case queue <- task:
	default:
		d.log.Warn().Str("key", key).Msg("Queue full, dropping task")
	}
	d.mu.Unlock()
}

func (d *dispatcher) run(queue chan func()) {
	defer d.wg.Done()
	for task := range queue {
		task()
	}
}

// Close stops accepting tasks and waits for queued tasks to drain.
func (d *dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, queue := range d.workers {
		close(queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
