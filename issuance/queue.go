package issuance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/atomic"

	"github.com/ruteri/certificate-ledger/interfaces"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("orchestrator closed")

type job struct {
	ctx  context.Context
	run  func(context.Context) error
	done chan error

	// claimed is taken by whichever side gets to the job first: the worker
	// before running it, or a caller giving up while it is still queued.
	claimed atomic.Bool
}

// signerQueue serializes ledger submissions of one signing identity so the
// identity never has more than one transaction in flight.
type signerQueue struct {
	identity common.Address
	jobs     chan *job

	// pending counts jobs promised to this queue but not yet received by its
	// worker. It is only raised under the map entry lock, so a worker that
	// observes zero there can retire without stranding a job.
	pending atomic.Int64
}

// enqueue reserves a slot on the queue of identity, starting its worker if
// none is running. The caller must either send a job or call release.
func (o *Orchestrator) enqueue(identity common.Address) *signerQueue {
	q, _ := o.queues.Compute(identity, func(q *signerQueue, loaded bool) (*signerQueue, bool) {
		if !loaded {
			q = &signerQueue{identity: identity, jobs: make(chan *job, o.cfg.QueueDepth)}
			o.wg.Add(1)
			go o.work(q)
		}
		q.pending.Inc()
		return q, false
	})
	return q
}

func (q *signerQueue) release() { q.pending.Dec() }

// retire drops q from the queue map if nothing is promised to it.
func (o *Orchestrator) retire(q *signerQueue) bool {
	retired := false
	o.queues.Compute(q.identity, func(cur *signerQueue, loaded bool) (*signerQueue, bool) {
		if !loaded || cur != q || q.pending.Load() > 0 {
			return cur, false
		}
		retired = true
		return cur, true
	})
	return retired
}

// work runs the jobs of one identity in order. The worker exits on Close or
// after IdleTimeout without work, so at most one goroutine per recently
// active identity is alive.
func (o *Orchestrator) work(q *signerQueue) {
	defer o.wg.Done()

	idle := time.NewTimer(o.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-o.stop:
			return
		case j := <-q.jobs:
			q.release()
			if j.claimed.CompareAndSwap(false, true) {
				if err := j.ctx.Err(); err != nil {
					j.done <- err
				} else {
					j.done <- j.run(j.ctx)
				}
			}
			idle.Reset(o.cfg.IdleTimeout)
		case <-idle.C:
			if o.retire(q) {
				o.log.Debug("Signer queue retired", slog.String("identity", q.identity.Hex()))
				return
			}
			idle.Reset(o.cfg.IdleTimeout)
		}
	}
}

// serialize runs fn on the worker of identity and waits for it to finish.
// A caller whose ctx ends while its job is still queued leaves at once; once
// the worker has started fn, the caller waits for it since fn observes ctx.
func (o *Orchestrator) serialize(ctx context.Context, identity common.Address, fn func(context.Context) error) error {
	if o.closed.Load() {
		return ErrClosed
	}

	j := &job{ctx: ctx, run: fn, done: make(chan error, 1)}
	q := o.enqueue(identity)
	select {
	case q.jobs <- j:
	case <-ctx.Done():
		q.release()
		return ctx.Err()
	case <-o.stop:
		q.release()
		return ErrClosed
	}

	done := ctx.Done()
	for {
		select {
		case err := <-j.done:
			return err
		case <-done:
			if j.claimed.CompareAndSwap(false, true) {
				return ctx.Err()
			}
			done = nil
		case <-o.stop:
			return o.closedWhileQueued(j)
		}
	}
}

// closedWhileQueued settles a job interrupted by Close. A job the worker never
// started is simply closed; one it started may still land on the ledger, so the
// caller is told to reconcile.
func (o *Orchestrator) closedWhileQueued(j *job) error {
	select {
	case err := <-j.done:
		return err
	default:
	}
	if j.claimed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return &interfaces.TimeoutError{Pending: true}
}
