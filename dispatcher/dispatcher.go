// File: dispatcher/dispatcher.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dispatcher executes non-direct handlers on named worker queues and acts on
// their outcome: finished handlers are finalised by the factory, requeued
// ones go back to the tail of the queue they came from.

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/momentics/hioload-rest/api"
	"github.com/momentics/hioload-rest/internal/concurrency"
	"github.com/momentics/hioload-rest/internal/logging"
	"github.com/momentics/hioload-rest/rest"
)

// DefaultWorkers is the STANDARD queue size when none is configured.
const DefaultWorkers = 4

// Config maps queue names to worker counts.
type Config struct {
	Queues map[string]int
}

// DefaultConfig returns a single STANDARD queue.
func DefaultConfig() Config {
	return Config{Queues: map[string]int{api.StandardQueue: DefaultWorkers}}
}

// thread identifies one worker of one queue.
type thread struct {
	id    int
	queue string
}

func (t *thread) ID() int       { return t.id }
func (t *thread) Queue() string { return t.queue }

type workQueue struct {
	name    string
	exec    *concurrency.Executor
	threads []*thread
}

// Dispatcher implements api.Dispatcher.
type Dispatcher struct {
	factory *rest.HandlerFactory
	log     *logging.Logger
	metrics api.Metrics
	queues  map[string]*workQueue

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ api.Dispatcher = (*Dispatcher)(nil)

// New starts the workers of every configured queue. A STANDARD queue is
// always present.
func New(cfg Config, factory *rest.HandlerFactory, log *logging.Logger, metrics api.Metrics) (*Dispatcher, error) {
	if factory == nil {
		return nil, api.ErrConfiguration.Wrap(errors.New("dispatcher requires a handler factory"))
	}
	if metrics == nil {
		metrics = api.NopMetrics{}
	}
	queues := make(map[string]int, len(cfg.Queues)+1)
	for name, n := range cfg.Queues {
		if n < 1 {
			return nil, api.ErrConfiguration.WithContext("dispatcher.queues."+name, n).
				Wrap(errors.New("queue needs at least one worker"))
		}
		queues[name] = n
	}
	if _, ok := queues[api.StandardQueue]; !ok {
		queues[api.StandardQueue] = DefaultWorkers
	}

	d := &Dispatcher{
		factory: factory,
		log:     log,
		metrics: metrics,
		queues:  make(map[string]*workQueue, len(queues)),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	for name, n := range queues {
		q := &workQueue{name: name}
		for i := 0; i < n; i++ {
			q.threads = append(q.threads, &thread{id: i, queue: name})
		}
		q.exec = concurrency.NewExecutor(n, func(worker int, r any) {
			d.metrics.Add("dispatcher.panics", 1)
			d.log.Err().Str("queue", name).Int("worker", worker).Str("panic", fmt.Sprint(r)).Log("dispatcher worker panicked")
		})
		d.queues[name] = q
		log.Info().Str("queue", name).Int("workers", n).Log("dispatcher queue started")
	}
	return d, nil
}

// Queues returns the queue names in sorted order.
func (d *Dispatcher) Queues() []string {
	out := make([]string, 0, len(d.queues))
	for name := range d.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs a direct handler inline on the calling goroutine and hands
// every other handler to its queue. A direct handler that asks to be
// requeued continues on its queue.
func (d *Dispatcher) Dispatch(h api.Handler) error {
	if !h.IsDirect() {
		return d.Submit(h)
	}
	d.metrics.Add("dispatcher.direct", 1)
	if rest.Run(d.ctx, d.factory, h) {
		return d.Submit(h)
	}
	return nil
}

// Submit queues h on the queue it names, falling back to STANDARD for
// unknown names.
func (d *Dispatcher) Submit(h api.Handler) error {
	q := d.queueFor(h)
	err := q.exec.Submit(func(worker int) { d.run(q, worker, h) })
	if err != nil {
		return api.ErrQueueClosed.WithContext("queue", q.name).Wrap(err)
	}
	d.metrics.Add("dispatcher.submitted."+h.Type().String(), 1)
	return nil
}

func (d *Dispatcher) queueFor(h api.Handler) *workQueue {
	if q, ok := d.queues[h.Queue()]; ok {
		return q
	}
	d.metrics.Add("dispatcher.unknown_queue", 1)
	d.log.Debug().Str("queue", h.Queue()).Log("unknown queue, using STANDARD")
	return d.queues[api.StandardQueue]
}

func (d *Dispatcher) run(q *workQueue, worker int, h api.Handler) {
	h.SetDispatcherThread(q.threads[worker])
	if !rest.Run(d.ctx, d.factory, h) {
		return
	}
	d.metrics.Add("dispatcher.requeued", 1)
	if err := q.exec.Submit(func(w int) { d.run(q, w, h) }); err != nil {
		// the queue is closing; the handler cannot make progress
		d.factory.Finalize(h, api.StatusFailed, api.ErrQueueClosed.WithContext("queue", q.name).Wrap(err))
	}
}

// Stats returns executor statistics per queue.
func (d *Dispatcher) Stats() map[string]map[string]int64 {
	out := make(map[string]map[string]int64, len(d.queues))
	for name, q := range d.queues {
		out[name] = q.exec.Stats()
	}
	return out
}

// Close cancels the context passed to Execute, stops intake and waits for
// the workers to drain their queues.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.cancel()
		for _, q := range d.queues {
			q.exec.Close()
		}
		d.log.Info().Log("dispatcher closed")
	})
}
