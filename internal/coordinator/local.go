package coordinator

import (
	"github.com/nemanja-m/gobatch/internal/pool"
)

// local runs the job on a pool inside the coordinator process.
type local struct {
	c    *Coordinator
	pool *pool.Pool
	// ready is set when the last pull has been answered.
	ready bool
}

func newLocal(c *Coordinator) *local {
	l := &local{c: c}
	l.pool = pool.New(c.ctx, pool.Config{
		Loop:    c.loop,
		Job:     c.job,
		Owner:   l,
		Logger:  c.logger,
		Metrics: c.metrics,
	})
	return l
}

func (l *local) Start() error { return nil }

func (l *local) Workers() int { return 0 }

func (l *local) Dispatch(units []any, _ int) {
	l.ready = true
	l.pool.Enqueue(units...)
	l.Process()
}

// enqueue queues added input without answering a pull.
func (l *local) enqueue(units []any) {
	l.pool.Enqueue(units...)
	l.Process()
}

func (l *local) Pulled(int) {}

func (l *local) Ack(int, uint64) {}

func (l *local) Waiting() []int { return nil }

func (l *local) Drained() bool { return l.pool.Drained() }

func (l *local) Counts() (retries, failures int64) { return l.pool.Counts() }

func (l *local) Close() {}

// Process keeps the pool supplied: it asks for more input once the queue
// drops below one round of instances, then starts what it can.
func (l *local) Process() {
	if l.c.finished {
		return
	}
	opts := l.c.job.Options
	if l.ready && l.pool.Pending() < opts.Max*opts.Take*opts.WorkerInputMult {
		l.ready = false
		l.c.PullInput(-1)
	}
	l.pool.Fill()
	if l.pool.Drained() {
		l.c.Notify()
	}
}

func (l *local) Flush() {
	l.c.Output(l.pool.TakeOutput())
}

func (l *local) Add(v any, dontFlatten bool) {
	l.c.AddInput(v, dontFlatten)
}

func (l *local) Exit(err error) {
	l.c.Fail(err)
}
