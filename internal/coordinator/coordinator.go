// Package coordinator drives a job: it pulls input, hands it to the local
// pool or to worker processes, routes results to the output sink and decides
// when the job is complete.
//
// Like the pool, a Coordinator belongs to an event loop and all exported
// methods must be called from it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nemanja-m/gobatch/internal/eventloop"
	"github.com/nemanja-m/gobatch/internal/metrics"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
	"github.com/nemanja-m/gobatch/pkg/core"
)

// Dispatcher delivers input to whatever executes it: the local pool or a set
// of worker processes.
type Dispatcher interface {
	Start() error
	Workers() int
	// Dispatch hands units to worker, or spreads them when worker < 0.
	Dispatch(units []any, worker int)
	// Pulled records a pull request from worker.
	Pulled(worker int)
	// Ack records a completion report for input sequence seq.
	Ack(worker int, seq uint64)
	// Waiting lists workers with unanswered pull requests.
	Waiting() []int
	// Drained reports whether every assigned unit has been processed.
	Drained() bool
	// Counts returns retry and failure totals observed by the dispatcher.
	Counts() (retries, failures int64)
	Close()
}

// CompleteFunc receives the outcome of a run exactly once.
type CompleteFunc func(stats core.Stats, err error)

type Config struct {
	Loop       *eventloop.Loop
	Job        *core.Job
	Logger     logging.Logger
	Metrics    *metrics.Metrics
	OnComplete CompleteFunc
}

type Coordinator struct {
	ctx        context.Context
	loop       *eventloop.Loop
	job        *core.Job
	logger     logging.Logger
	metrics    *metrics.Metrics
	onComplete CompleteFunc
	dispatcher Dispatcher

	// fetcher serializes input source calls so answers arrive in request order.
	fetcher     *eventloop.Loop
	fetchCtx    context.Context
	stopFetcher context.CancelFunc

	offset    int
	fetching  int
	exhausted bool
	added     []any

	complete   bool
	completing bool
	finished   bool

	poll        *eventloop.Ticker
	globalTimer *eventloop.Timer

	started     time.Time
	inputUnits  int64
	outputUnits int64
}

func New(ctx context.Context, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		ctx:        ctx,
		loop:       cfg.Loop,
		job:        cfg.Job,
		logger:     logger.With("job", cfg.Job.Name),
		metrics:    cfg.Metrics,
		onComplete: cfg.OnComplete,
	}
}

// UseLocal runs the job in this process.
func (c *Coordinator) UseLocal() {
	c.dispatcher = newLocal(c)
}

// UseWorkers runs the job on worker processes reachable through send.
func (c *Coordinator) UseWorkers(n int, send SendFunc, load map[string]any, runID string) {
	c.dispatcher = newRemote(c, n, send, load, runID)
}

func (c *Coordinator) Start() {
	// A worker may have failed the job before it started.
	if c.finished {
		return
	}
	c.started = time.Now()
	if c.dispatcher == nil {
		c.UseLocal()
	}

	fetchCtx, cancel := context.WithCancel(c.ctx)
	c.fetcher = eventloop.New()
	c.fetchCtx = fetchCtx
	c.stopFetcher = cancel
	go func() { _ = c.fetcher.Run(fetchCtx) }()

	if d := c.job.Options.JobTimeout(); d > 0 {
		c.globalTimer = c.loop.AfterFunc(d, func() {
			c.finish(fmt.Errorf("%w after %s", core.ErrGlobalTimeout, d))
		})
	}

	c.logger.Debug("Job started", "workers", c.dispatcher.Workers())
	if err := c.dispatcher.Start(); err != nil {
		c.Fail(err)
		return
	}
	c.PullInput(-1)
}

// Complete reports whether the job has been declared complete.
func (c *Coordinator) Complete() bool { return c.complete }

func (c *Coordinator) pullCount(worker int) int {
	opts := c.job.Options
	n := opts.Max * opts.Take
	if w := c.dispatcher.Workers(); w > 0 {
		n *= opts.WorkerInputMult
		if worker < 0 {
			n *= w
		}
	}
	if opts.Limit > 0 {
		n = min(n, max(opts.Limit-c.offset, 0))
	}
	return n
}

// PullInput requests more input, earmarked for worker when worker >= 0.
// Dynamically added input is served before the source is asked again.
func (c *Coordinator) PullInput(worker int) {
	if c.finished || c.completing {
		return
	}

	if len(c.added) > 0 {
		n := min(c.pullCount(worker), len(c.added))
		if n == 0 {
			n = len(c.added)
		}
		units := c.added[:n:n]
		c.added = c.added[n:]
		c.Input(units, worker)
		return
	}

	count := c.pullCount(worker)
	if c.exhausted || count == 0 {
		c.exhausted = true
		c.awaitCompletion()
		return
	}

	offset := c.offset
	c.offset += count
	c.fetching++
	c.logger.Debug("Pulling input", "offset", offset, "count", count, "worker", worker)

	source, ctx := c.job.Input, c.fetchCtx
	c.fetcher.Post(func() {
		units, err := source.Fetch(ctx, offset, count)
		c.loop.Post(func() { c.handleFetch(worker, units, err) })
	})
}

func (c *Coordinator) handleFetch(worker int, units []any, err error) {
	c.fetching--
	if c.finished {
		return
	}

	eof := errors.Is(err, io.EOF)
	if err != nil && !eof {
		c.Fail(fmt.Errorf("input source: %w", err))
		return
	}

	if len(units) > 0 {
		c.inputUnits += int64(len(units))
		c.metrics.Pulled(len(units))
		c.Input(units, worker)
	}
	if eof || len(units) == 0 {
		c.exhausted = true
		c.awaitCompletion()
	}
}

// Input hands units to the dispatcher and clears the completion flag.
func (c *Coordinator) Input(units []any, worker int) {
	c.complete = false
	c.dispatcher.Dispatch(units, worker)
}

// AddInput queues input produced by a running instance. Locally it goes
// straight to the pool; with workers it is kept here and redistributed.
func (c *Coordinator) AddInput(v any, dontFlatten bool) {
	if c.finished {
		return
	}
	units := core.Units(v, !dontFlatten)
	if len(units) == 0 {
		return
	}
	c.complete = false
	if l, ok := c.dispatcher.(*local); ok {
		l.enqueue(units)
		return
	}
	c.added = append(c.added, units...)
}

// PullFromWorker answers a pull message.
func (c *Coordinator) PullFromWorker(worker int) {
	c.dispatcher.Pulled(worker)
	if !c.complete {
		c.PullInput(worker)
	}
}

// WorkerComplete applies a worker's completion report and its final output.
func (c *Coordinator) WorkerComplete(worker int, seq uint64, units []any) {
	c.Output(units)
	c.dispatcher.Ack(worker, seq)
	c.Notify()
}

// Output routes a batch of results through reduce, when defined, to the sink.
func (c *Coordinator) Output(batch []any) {
	if c.finished || len(batch) == 0 {
		return
	}

	out := batch
	if c.job.Reduce != nil {
		reduced, err := c.job.Reduce(c.ctx, batch)
		if err != nil {
			c.Fail(fmt.Errorf("reduce: %w", err))
			return
		}
		out = reduced
	}
	c.write(out)
}

func (c *Coordinator) write(units []any) {
	if len(units) == 0 {
		return
	}
	if err := c.job.Output.Write(units); err != nil {
		c.Fail(fmt.Errorf("output: %w", err))
		return
	}
	c.outputUnits += int64(len(units))
	c.metrics.Written(len(units))
}

func (c *Coordinator) isComplete() bool {
	return c.exhausted && c.fetching == 0 && len(c.added) == 0 && c.dispatcher.Drained()
}

// awaitCompletion declares completion or starts polling for it.
func (c *Coordinator) awaitCompletion() {
	if c.finished || c.completing {
		return
	}
	if c.isComplete() {
		c.onCompleted()
		return
	}
	if c.poll == nil {
		c.poll = c.loop.Every(c.job.Options.PollInterval(), c.checkComplete)
	}
}

// Notify re-evaluates completion between polls.
func (c *Coordinator) Notify() {
	if c.poll != nil {
		c.checkComplete()
	}
}

func (c *Coordinator) checkComplete() {
	if c.finished || c.completing {
		return
	}

	if len(c.added) > 0 {
		if waiting := c.dispatcher.Waiting(); len(waiting) > 0 {
			for _, w := range waiting {
				c.PullInput(w)
			}
		} else {
			c.PullInput(-1)
		}
	}

	if c.isComplete() {
		c.onCompleted()
	}
}

// onCompleted runs the complete hook, then finishes the job.
func (c *Coordinator) onCompleted() {
	c.complete = true
	c.completing = true
	c.stopTimers()
	c.logger.Debug("Input drained", "pulled", c.inputUnits)

	if c.job.Complete == nil {
		c.finish(nil)
		return
	}

	emit := func(units ...any) {
		c.loop.Post(func() {
			if !c.finished {
				c.write(units)
			}
		})
	}
	go func() {
		err := c.job.Complete(c.ctx, emit)
		if err != nil {
			err = fmt.Errorf("complete: %w", err)
		}
		c.loop.Post(func() { c.finish(err) })
	}()
}

// Fail terminates the job with err.
func (c *Coordinator) Fail(err error) {
	c.finish(err)
}

func (c *Coordinator) finish(err error) {
	if c.finished {
		return
	}
	c.finished = true
	c.stopTimers()
	if c.stopFetcher != nil {
		c.stopFetcher()
	}

	if f, ok := c.job.Output.(core.Flusher); ok {
		if flushErr := f.Flush(); flushErr != nil && err == nil {
			err = fmt.Errorf("flush output: %w", flushErr)
		}
	}
	if c.dispatcher != nil {
		c.dispatcher.Close()
	}

	stats := c.Stats()
	if err != nil {
		c.logger.Error("Job failed", "error", err)
	} else if c.job.Options.Benchmark {
		c.logger.Info("Benchmark", "stats", stats.String())
	} else {
		c.logger.Debug("Job complete", "elapsed", stats.Elapsed)
	}

	if c.onComplete != nil {
		c.onComplete(stats, err)
	}
}

func (c *Coordinator) stopTimers() {
	c.globalTimer.Stop()
	c.globalTimer = nil
	c.poll.Stop()
	c.poll = nil
}

func (c *Coordinator) Stats() core.Stats {
	stats := core.Stats{
		Elapsed:     time.Since(c.started),
		InputUnits:  c.inputUnits,
		OutputUnits: c.outputUnits,
	}
	if rc, ok := c.job.Input.(core.ReadCounter); ok {
		stats.BytesRead = rc.BytesRead()
	}
	if wc, ok := c.job.Output.(core.WriteCounter); ok {
		stats.BytesWritten = wc.BytesWritten()
	}
	if c.dispatcher != nil {
		stats.Retries, stats.Failures = c.dispatcher.Counts()
	}
	return stats
}
