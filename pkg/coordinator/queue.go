package coordinator

import (
	"context"

	"github.com/wilhg/savestate/pkg/errmodel"
)

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan struct{}
	err  error

	// guarded by Coordinator.mu
	started   bool
	cancelled bool
}

type gameQueue struct {
	jobs []*job
}

// run executes fn on gameID's queue and waits for it.
func (c *Coordinator) run(ctx context.Context, gameID string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j := &job{ctx: ctx, fn: fn, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errmodel.System("closed", "coordinator is closed", map[string]any{"game_id": gameID}, nil)
	}
	q, ok := c.queues[gameID]
	if !ok {
		q = &gameQueue{}
		c.queues[gameID] = q
		c.wg.Add(1)
		go c.work(gameID, q)
	}
	q.jobs = append(q.jobs, j)
	c.mu.Unlock()

	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		c.mu.Lock()
		if !j.started {
			j.cancelled = true
			c.mu.Unlock()
			return ctx.Err()
		}
		c.mu.Unlock()
		<-j.done
		return j.err
	}
}

// work drains q and exits once it is empty.
func (c *Coordinator) work(gameID string, q *gameQueue) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(q.jobs) == 0 {
			delete(c.queues, gameID)
			c.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		if j.cancelled {
			c.mu.Unlock()
			continue
		}
		if err := j.ctx.Err(); err != nil {
			c.mu.Unlock()
			j.err = err
			close(j.done)
			continue
		}
		j.started = true
		c.mu.Unlock()

		c.sweepMu.RLock()
		j.err = j.fn(context.WithoutCancel(j.ctx))
		c.sweepMu.RUnlock()
		close(j.done)
	}
}
