package pool

import (
	"context"
	"time"

	"github.com/nemanja-m/gobatch/internal/eventloop"
	"github.com/nemanja-m/gobatch/pkg/core"
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateCompleted
	stateRetrying
	stateFailed
)

type instance struct {
	id int
	// gen changes whenever a new run or failure handler starts, which
	// invalidates handles given out earlier.
	gen      uint64
	state    state
	assigned []any
	input    any
	outcome  string
	started  time.Time
	timer    *eventloop.Timer
	cancel   context.CancelFunc
}

// handle is the core.Instance given to one run of an instance.
type handle struct {
	pool *Pool
	inst *instance
	gen  uint64
	ctx  context.Context
}

func (h *handle) Context() context.Context { return h.ctx }

func (h *handle) Options() core.Options { return h.pool.job.Options }

func (h *handle) Emit(v any) { h.settle(core.Emit(v)) }

func (h *handle) Skip() { h.settle(core.Skip()) }

func (h *handle) Retry() { h.settle(core.Retry()) }

func (h *handle) Fail(reason error) { h.settle(core.Fail(reason)) }

func (h *handle) Add(units any) { h.add(units, false) }

func (h *handle) AddUnit(v any) { h.add(v, true) }

func (h *handle) Exit(err error) {
	h.pool.loop.Post(func() { h.pool.owner.Exit(err) })
}

func (h *handle) Debug(msg string, args ...any) {
	h.pool.logger.Debug(msg, append([]any{"job", h.pool.job.Name, "instance", h.inst.id}, args...)...)
}

func (h *handle) Status(msg string, args ...any) {
	h.pool.logger.Info(msg, append([]any{"job", h.pool.job.Name, "instance", h.inst.id}, args...)...)
}

func (h *handle) settle(res core.Result) {
	h.pool.loop.Post(func() { h.pool.settle(h, res) })
}

// add forwards input only while the instance is still working on the batch
// the handle was issued for.
func (h *handle) add(v any, dontFlatten bool) {
	h.pool.loop.Post(func() {
		live := h.inst.state == stateRunning || h.inst.state == stateFailed
		if h.inst.gen != h.gen || !live {
			h.pool.logger.Warn("Dropped input added by a settled instance", "job", h.pool.job.Name)
			return
		}
		h.pool.owner.Add(v, dontFlatten)
	})
}
