// Package pool runs the instances of one job inside one process.
//
// A Pool is owned by an event loop. Every exported method must be called on
// that loop; processing functions run on their own goroutines and report
// back by posting to it.
package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nemanja-m/gobatch/internal/eventloop"
	"github.com/nemanja-m/gobatch/internal/metrics"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
	"github.com/nemanja-m/gobatch/pkg/core"
)

// Owner is the job runtime the pool reports to.
type Owner interface {
	// Flush is called after output was appended.
	Flush()
	// Process is called when an instance was recycled.
	Process()
	// Add receives input injected by a running instance.
	Add(v any, dontFlatten bool)
	// Exit aborts the job.
	Exit(err error)
}

type Config struct {
	Loop    *eventloop.Loop
	Job     *core.Job
	Owner   Owner
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

type Pool struct {
	ctx     context.Context
	loop    *eventloop.Loop
	job     *core.Job
	owner   Owner
	logger  logging.Logger
	metrics *metrics.Metrics

	pending  []any
	output   []any
	inFlight int
	idle     []*instance
	created  int

	// attempts counts retries per input batch hash.
	attempts map[uint64]int
	retries  int64
	failures int64
}

func New(ctx context.Context, cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pool{
		ctx:      ctx,
		loop:     cfg.Loop,
		job:      cfg.Job,
		owner:    cfg.Owner,
		logger:   logger,
		metrics:  cfg.Metrics,
		attempts: make(map[uint64]int),
	}
}

// Enqueue appends units to the pending input queue.
func (p *Pool) Enqueue(units ...any) {
	p.pending = append(p.pending, units...)
}

func (p *Pool) Pending() int { return len(p.pending) }

func (p *Pool) InFlight() int { return p.inFlight }

// Idle is the number of instances waiting for reuse.
func (p *Pool) Idle() int { return len(p.idle) }

func (p *Pool) OutputLen() int { return len(p.output) }

// TakeOutput returns the pending output and clears it.
func (p *Pool) TakeOutput() []any {
	out := p.output
	p.output = nil
	return out
}

// Drained reports whether no input is pending and no instance is running.
func (p *Pool) Drained() bool {
	return len(p.pending) == 0 && p.inFlight == 0
}

// Counts returns the number of retry requests and permanent failures so far.
func (p *Pool) Counts() (retries, failures int64) {
	return p.retries, p.failures
}

// Fill spawns instances until the pool is full or out of input.
func (p *Pool) Fill() int {
	n := 0
	for p.Spawn() {
		n++
	}
	return n
}

// Spawn starts one instance if input is pending and fewer than max are running.
func (p *Pool) Spawn() bool {
	opts := p.job.Options
	if len(p.pending) == 0 || p.inFlight >= opts.Max {
		return false
	}

	inst := p.acquire()
	n := min(opts.Take, len(p.pending))
	inst.assigned = slices.Clone(p.pending[:n])
	clear(p.pending[:n])
	p.pending = p.pending[n:]

	inst.input = any(inst.assigned)
	if opts.Take == 1 && n == 1 {
		inst.input = inst.assigned[0]
	}

	inst.gen++
	inst.state = stateRunning
	inst.started = time.Now()
	ctx, cancel := context.WithCancel(p.ctx)
	inst.cancel = cancel

	if d := opts.InstanceTimeout(); d > 0 {
		gen := inst.gen
		inst.timer = p.loop.AfterFunc(d, func() { p.expire(inst, gen) })
	}

	p.inFlight++
	p.metrics.Started()

	h := &handle{pool: p, inst: inst, gen: inst.gen, ctx: ctx}
	go p.execute(h, inst.input)
	return true
}

func (p *Pool) acquire() *instance {
	if n := len(p.idle); n > 0 {
		inst := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return inst
	}
	p.created++
	return &instance{id: p.created}
}

func (p *Pool) execute(h *handle, input any) {
	res := call(func() core.Result { return p.job.Run(h, input) })
	if res.Kind != core.ResultPending {
		h.settle(res)
	}
}

// call converts a panic into a failure result.
func call(fn func() core.Result) (res core.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = core.Fail(&core.PanicError{Value: r})
		}
	}()
	return fn()
}

// settle applies a result reported through h. Results from a stale handle,
// for example after a timeout, are dropped.
func (p *Pool) settle(h *handle, res core.Result) {
	inst := h.inst
	if inst.gen != h.gen {
		return
	}

	switch inst.state {
	case stateRunning:
		switch res.Kind {
		case core.ResultEmit:
			p.complete(inst, res.Value, "emit")
		case core.ResultSkip:
			p.complete(inst, nil, "skip")
		case core.ResultRetry:
			p.retry(inst)
		case core.ResultFail:
			p.fail(inst, res.Err)
		}
	case stateFailed:
		switch res.Kind {
		case core.ResultEmit:
			p.complete(inst, res.Value, inst.outcome)
		case core.ResultFail:
			p.owner.Exit(fmt.Errorf("failure handler of job %q: %w", p.job.Name, res.Err))
			p.complete(inst, nil, inst.outcome)
		default:
			p.complete(inst, nil, inst.outcome)
		}
	}
}

func (p *Pool) expire(inst *instance, gen uint64) {
	if inst.gen != gen || inst.state != stateRunning {
		return
	}
	p.logger.Debug("Instance timed out", "job", p.job.Name, "instance", inst.id)
	p.fail(inst, core.ErrTimeout)
}

func (p *Pool) complete(inst *instance, result any, outcome string) {
	p.disarm(inst)
	inst.state = stateCompleted

	if units := core.Units(result, p.job.Options.Flatten); len(units) > 0 {
		p.output = append(p.output, units...)
		p.owner.Flush()
	}

	p.metrics.Settled(outcome, time.Since(inst.started))
	p.release(inst)
}

func (p *Pool) retry(inst *instance) {
	p.disarm(inst)
	p.retries++
	p.metrics.Retried()

	if limit := p.job.Options.Retries; limit >= 0 {
		key, err := core.Hash(inst.assigned)
		if err != nil {
			p.fail(inst, err)
			return
		}
		p.attempts[key]++
		if attempts := p.attempts[key]; attempts > limit {
			delete(p.attempts, key)
			p.fail(inst, fmt.Errorf("%w: gave up after %d retries", core.ErrRetriesExhausted, limit))
			return
		}
	}

	inst.state = stateRetrying
	p.pending = append(slices.Clone(inst.assigned), p.pending...)
	p.metrics.Settled("retry", time.Since(inst.started))
	p.release(inst)
}

func (p *Pool) fail(inst *instance, reason error) {
	p.disarm(inst)
	inst.state = stateFailed
	inst.gen++
	p.failures++

	inst.outcome = "fail"
	if errors.Is(reason, core.ErrTimeout) {
		inst.outcome = "timeout"
	}

	if p.job.Fail == nil {
		p.logger.Debug("Input failed", "job", p.job.Name, "reason", core.Reason(reason))
		p.complete(inst, nil, inst.outcome)
		return
	}

	h := &handle{pool: p, inst: inst, gen: inst.gen, ctx: p.ctx}
	input := inst.input
	go func() {
		res := call(func() core.Result { return p.job.Fail(h, input, reason) })
		if res.Kind != core.ResultPending {
			h.settle(res)
		}
	}()
}

func (p *Pool) disarm(inst *instance) {
	inst.timer.Stop()
	inst.timer = nil
	if inst.cancel != nil {
		inst.cancel()
		inst.cancel = nil
	}
}

// release decrements the in-flight count and returns inst to the idle pool,
// after the configured wait.
func (p *Pool) release(inst *instance) {
	recycle := func() {
		inst.state = stateIdle
		inst.assigned = nil
		inst.input = nil
		p.inFlight--
		p.idle = append(p.idle, inst)
		p.owner.Process()
	}

	if d := p.job.Options.RecycleDelay(); d > 0 {
		p.loop.AfterFunc(d, recycle)
		return
	}
	recycle()
}
