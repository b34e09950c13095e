// Package worker runs blocking jobs off the event loop on a bounded pool.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

var ErrStopped = errors.New("dispatcher stopped")

// Dispatcher accepts tasks without blocking and feeds them, in FIFO order,
// to at most n concurrent workers.
type Dispatcher struct {
	workers int

	mu      sync.Mutex
	pending *queue.Queue
	stopped bool
	wake    chan struct{}
}

func New(workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		workers: workers,
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
	}
}

// Submit enqueues task. It never blocks; it fails only after Run returned.
func (d *Dispatcher) Submit(task func()) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	d.pending.Add(task)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending is the number of tasks not yet handed to a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Length()
}

func (d *Dispatcher) NumWorkers() int { return d.workers }

// Run hands tasks to the pool until ctx is done, then runs what is still
// queued and waits for every worker to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	p := pool.New().WithMaxGoroutines(d.workers)
	log.Info().Str("module", "worker").Int("workers", d.workers).Msg("dispatcher started")
	for {
		if task, ok := d.next(); ok {
			p.Go(guard(task))
			continue
		}
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.stopped = true
			d.mu.Unlock()
			for {
				task, ok := d.next()
				if !ok {
					break
				}
				p.Go(guard(task))
			}
			p.Wait()
			log.Info().Str("module", "worker").Msg("dispatcher stopped")
			return nil
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) next() (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending.Length() == 0 {
		return nil, false
	}
	return d.pending.Remove().(func()), true
}

func guard(task func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("module", "worker").Interface("panic", r).Msg("task panicked")
			}
		}()
		task()
	}
}
