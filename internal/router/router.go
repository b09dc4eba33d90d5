// Package router applies protocol messages to the job runtimes of a process.
//
// In the coordinator process messages come from workers and drive a
// Coordinator; in a worker process they come from the coordinator and drive
// a Worker. Input for a job whose Init hook is still running is held until
// the job is loaded. Any other message addressed to a job that is not known
// yet is requeued after a short delay.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nemanja-m/gobatch/internal/coordinator"
	"github.com/nemanja-m/gobatch/internal/eventloop"
	"github.com/nemanja-m/gobatch/internal/metrics"
	"github.com/nemanja-m/gobatch/internal/protocol"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
	"github.com/nemanja-m/gobatch/pkg/core"
)

const (
	DefaultRequeueDelay = 100 * time.Millisecond
	DefaultMaxRequeue   = 50
)

type Role int

const (
	RoleCoordinator Role = iota
	RoleWorker
)

func (r Role) String() string {
	if r == RoleWorker {
		return "worker"
	}
	return "coordinator"
}

// Resolver builds the runnable job named by a load message, with the
// coordinator's options applied.
type Resolver func(name string, options map[string]any) (*core.Job, error)

type Config struct {
	Loop    *eventloop.Loop
	Role    Role
	Logger  logging.Logger
	Metrics *metrics.Metrics

	// Resolve, Send and OnExit are used in the worker role only.
	Resolve Resolver
	Send    func(protocol.Message) error
	OnExit  func()

	RequeueDelay time.Duration
	MaxRequeue   int
}

type Router struct {
	ctx     context.Context
	loop    *eventloop.Loop
	role    Role
	logger  logging.Logger
	metrics *metrics.Metrics

	resolve Resolver
	send    func(protocol.Message) error
	onExit  func()

	requeueDelay time.Duration
	maxRequeue   int

	coordinators map[string]*coordinator.Coordinator
	workers      map[string]*coordinator.Worker
	loading      map[string]*loadingJob
}

// loadingJob holds the messages that arrive while a job's Init hook runs.
type loadingJob struct {
	held []protocol.Message
}

func New(ctx context.Context, cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Router{
		ctx:          ctx,
		loop:         cfg.Loop,
		role:         cfg.Role,
		logger:       logger,
		metrics:      cfg.Metrics,
		resolve:      cfg.Resolve,
		send:         cfg.Send,
		onExit:       cfg.OnExit,
		requeueDelay: cfg.RequeueDelay,
		maxRequeue:   cfg.MaxRequeue,
		coordinators: make(map[string]*coordinator.Coordinator),
		workers:      make(map[string]*coordinator.Worker),
		loading:      make(map[string]*loadingJob),
	}
	if r.requeueDelay <= 0 {
		r.requeueDelay = DefaultRequeueDelay
	}
	if r.maxRequeue <= 0 {
		r.maxRequeue = DefaultMaxRequeue
	}
	return r
}

// Attach makes a coordinator reachable by the name of its job.
func (r *Router) Attach(name string, c *coordinator.Coordinator) {
	r.coordinators[name] = c
}

// Receive parses a decoded frame and posts it to the loop. A frame that is
// not a valid message is returned as an error, which ends the stream it came
// from. It is safe to call from any goroutine.
func (r *Router) Receive(v any) error {
	msg, err := protocol.Parse(v)
	if err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	r.loop.Post(func() { r.Dispatch(msg) })
	return nil
}

// Dispatch applies msg. It must be called on the loop.
func (r *Router) Dispatch(msg protocol.Message) {
	r.dispatch(msg, 0)
}

func (r *Router) dispatch(msg protocol.Message, attempt int) {
	if !r.legal(msg.Tag) {
		r.logger.Warn("Ignoring message not meant for this role", "tag", msg.Tag, "role", r.role)
		return
	}

	var ready bool
	if r.role == RoleCoordinator {
		ready = r.toCoordinator(msg)
	} else {
		ready = r.toWorker(msg)
	}
	if !ready {
		r.requeue(msg, attempt)
	}
}

func (r *Router) legal(tag protocol.Tag) bool {
	switch tag {
	case protocol.TagLoad, protocol.TagInput, protocol.TagExit:
		return r.role == RoleWorker
	case protocol.TagPull, protocol.TagOutput, protocol.TagAdd, protocol.TagComplete, protocol.TagErr:
		return r.role == RoleCoordinator
	}
	return false
}

func (r *Router) requeue(msg protocol.Message, attempt int) {
	if attempt >= r.maxRequeue {
		r.logger.Error("Dropping message for unknown job", "tag", msg.Tag, "job", msg.Job, "attempts", attempt)
		return
	}
	r.logger.Debug("Job not ready, requeueing message", "tag", msg.Tag, "job", msg.Job)
	r.loop.AfterFunc(r.requeueDelay, func() { r.dispatch(msg, attempt+1) })
}

// toCoordinator reports false when the job has no coordinator yet.
func (r *Router) toCoordinator(msg protocol.Message) bool {
	c, ok := r.coordinators[msg.Job]
	if !ok {
		return false
	}

	switch msg.Tag {
	case protocol.TagPull:
		c.PullFromWorker(msg.Worker)
	case protocol.TagOutput:
		c.Output(msg.Units)
	case protocol.TagAdd:
		c.AddInput(msg.Value, msg.DontFlatten)
	case protocol.TagComplete:
		c.WorkerComplete(msg.Worker, msg.Seq, msg.Units)
	case protocol.TagErr:
		c.Fail(fmt.Errorf("worker %d: %w", msg.Worker, errors.New(msg.Err)))
	}
	return true
}

// toWorker reports false when the message is for a job this worker does
// not know yet.
func (r *Router) toWorker(msg protocol.Message) bool {
	switch msg.Tag {
	case protocol.TagLoad:
		r.load(msg)
		return true
	case protocol.TagExit:
		if r.onExit != nil {
			r.onExit()
		}
		return true
	}

	w, ok := r.workers[msg.Job]
	if !ok {
		if l := r.loading[msg.Job]; l != nil {
			l.held = append(l.held, msg)
			return true
		}
		return false
	}
	w.Input(msg.Units, msg.Seq)
	return true
}

// load resolves the job and runs its Init hook off the loop. Input arriving
// in the meantime is held and replayed in order once the job is loaded.
func (r *Router) load(msg protocol.Message) {
	if r.loading[msg.Job] != nil || r.workers[msg.Job] != nil {
		return
	}

	if r.resolve == nil {
		r.reportErr(msg, fmt.Errorf("%w: %s", core.ErrJobNotFound, msg.Job))
		return
	}
	job, err := r.resolve(msg.Job, msg.Options)
	if err != nil {
		r.reportErr(msg, err)
		return
	}

	logger := r.logger.With("run_id", msg.RunID)
	r.loading[msg.Job] = &loadingJob{}
	go func() {
		var err error
		if job.Init != nil {
			err = job.Init(r.ctx, job.Options)
		}
		r.loop.Post(func() {
			held := r.loading[msg.Job].held
			delete(r.loading, msg.Job)
			if err != nil {
				r.reportErr(msg, fmt.Errorf("init: %w", err))
				return
			}
			r.workers[msg.Job] = coordinator.NewWorker(r.ctx, coordinator.WorkerConfig{
				Loop:    r.loop,
				Job:     job,
				ID:      msg.Worker,
				Send:    r.send,
				Logger:  logger,
				Metrics: r.metrics,
			})
			logger.Debug("Job loaded", "job", msg.Job, "worker", msg.Worker, "held", len(held))
			for _, m := range held {
				r.dispatch(m, 0)
			}
		})
	}()
}

func (r *Router) reportErr(msg protocol.Message, err error) {
	r.logger.Error("Failed to load job", "job", msg.Job, "error", err)
	if r.send == nil {
		return
	}
	_ = r.send(protocol.Message{Tag: protocol.TagErr, Job: msg.Job, Worker: msg.Worker, Err: err.Error()})
}
