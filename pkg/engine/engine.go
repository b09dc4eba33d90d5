// Package engine runs jobs. A process started by a user runs the coordinator
// role through Run; the worker processes it forks re-execute the same binary
// and end up in Serve.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nemanja-m/gobatch/internal/coordinator"
	"github.com/nemanja-m/gobatch/internal/eventloop"
	"github.com/nemanja-m/gobatch/internal/health"
	"github.com/nemanja-m/gobatch/internal/metrics"
	"github.com/nemanja-m/gobatch/internal/protocol"
	"github.com/nemanja-m/gobatch/internal/router"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
	"github.com/nemanja-m/gobatch/internal/transport"
	"github.com/nemanja-m/gobatch/pkg/core"
	"github.com/nemanja-m/gobatch/pkg/jobs"
	"github.com/nemanja-m/gobatch/pkg/stream"
)

// workerExitTimeout bounds how long Run waits for workers after sending exit.
const workerExitTimeout = 5 * time.Second

type Config struct {
	Logger logging.Logger
	// Options is applied on top of the job's own options.
	Options map[string]any
	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string
	Health      health.Config
	// WatchSignals kills the workers and exits on termination signals.
	WatchSignals bool
}

// Report describes a finished run.
type Report struct {
	RunID string
	Stats core.Stats
}

type Engine struct {
	cfg    Config
	logger logging.Logger
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// IsWorker reports whether this process was forked as a worker.
func IsWorker() bool {
	_, ok := transport.ChildIndex()
	return ok
}

// Prepare resolves def with opts applied and fills in the default input,
// output and directory recursion.
func Prepare(def core.Definition, opts map[string]any) (*core.Job, error) {
	job, err := def.WithOptions(opts).Resolve()
	if err != nil {
		return nil, err
	}
	if job.Options.Recurse {
		job.Run = stream.Recurse(job.Run)
	}
	return job, nil
}

// Run executes def in the coordinator role and blocks until it completes.
func (e *Engine) Run(ctx context.Context, def core.Definition) (*Report, error) {
	job, err := Prepare(def, e.cfg.Options)
	if err != nil {
		return nil, err
	}
	if job.Input == nil {
		job.Input = stream.Stdin()
	}
	if job.Output == nil {
		job.Output = stream.Stdout()
	}

	runID := uuid.NewString()
	logger := e.logger.With("run_id", runID)

	// Workers live as long as the caller's context, not the run's, so they
	// get a chance to honor the exit message.
	workerCtx := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return nil, err
	}

	services, svcCtx := errgroup.WithContext(ctx)
	if e.cfg.MetricsAddr != "" {
		services.Go(func() error { return metrics.Serve(svcCtx, e.cfg.MetricsAddr, reg, logger) })
	}
	var hs *health.Server
	if e.cfg.Health.Addr != "" {
		hs = health.NewServer(e.cfg.Health, logger)
		services.Go(hs.Start)
		defer hs.Stop()
	}

	if job.Init != nil {
		if err := job.Init(ctx, job.Options); err != nil {
			return nil, fmt.Errorf("init job %q: %w", job.Name, err)
		}
	}

	loop := eventloop.New()
	go func() { _ = loop.Run(ctx) }()
	defer func() {
		loop.Stop()
		<-loop.Done()
	}()

	done := make(chan error, 1)
	var stats core.Stats
	c := coordinator.New(ctx, coordinator.Config{
		Loop:    loop,
		Job:     job,
		Logger:  logger,
		Metrics: m,
		OnComplete: func(s core.Stats, err error) {
			stats = s
			done <- err
		},
	})
	r := router.New(ctx, router.Config{
		Loop:    loop,
		Role:    router.RoleCoordinator,
		Logger:  logger,
		Metrics: m,
	})

	var group *transport.Group
	if n := job.Options.Fork; n > 0 {
		var err error
		group, err = e.connectWorkers(workerCtx, n, job, runID, c, r, loop, logger)
		if err != nil {
			return nil, err
		}
		defer e.stopWorkers(group, logger)
		go func() {
			select {
			case err := <-group.Failures():
				loop.Post(func() { c.Fail(err) })
			case <-ctx.Done():
			}
		}()
		if e.cfg.WatchSignals {
			group.WatchSignals(ctx)
		}
	} else {
		c.UseLocal()
	}

	if hs != nil {
		hs.SetRunning(true)
	}
	loop.Post(func() {
		r.Attach(job.Name, c)
		c.Start()
	})

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		runErr = ctx.Err()
	}
	if hs != nil {
		hs.SetRunning(false)
	}
	if closer, ok := job.Input.(interface{ Close() error }); ok {
		_ = closer.Close()
	}

	cancel()
	if err := services.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Side service failed", "error", err)
	}

	if runErr != nil {
		return nil, runErr
	}
	return &Report{RunID: runID, Stats: stats}, nil
}

// connectWorkers forks n workers and routes their messages to r.
func (e *Engine) connectWorkers(
	ctx context.Context,
	n int,
	job *core.Job,
	runID string,
	c *coordinator.Coordinator,
	r *router.Router,
	loop *eventloop.Loop,
	logger logging.Logger,
) (*transport.Group, error) {
	group, events, err := transport.SpawnWorkers(ctx, n, logger)
	if err != nil {
		return nil, err
	}
	framers := make([]*transport.Framer, n)
	for ev := range events {
		framers[ev.Index] = ev.Framer
	}

	load, err := job.Options.Map()
	if err != nil {
		_ = group.Close()
		return nil, err
	}
	c.UseWorkers(n, func(worker int, msg protocol.Message) error {
		return framers[worker].Send(msg.Tuple())
	}, load, runID)

	for i, framer := range framers {
		go func() {
			// A channel that ends before the coordinator has finished means
			// the worker is gone. Fail is a no-op after a clean finish.
			err := framer.Listen(r.Receive)
			if err != nil {
				err = fmt.Errorf("worker %d channel: %w", i, err)
			} else {
				err = fmt.Errorf("worker %d disconnected", i)
			}
			loop.Post(func() { c.Fail(err) })
		}()
	}

	logger.Debug("Workers connected", "count", n)
	return group, nil
}

// stopWorkers waits for workers to honor the exit message, then kills the rest.
func (e *Engine) stopWorkers(group *transport.Group, logger logging.Logger) {
	exited := make(chan error, 1)
	go func() { exited <- group.Wait() }()

	select {
	case err := <-exited:
		if err != nil {
			logger.Warn("Worker exited with error", "error", err)
		}
	case <-time.After(workerExitTimeout):
		logger.Warn("Workers did not exit, killing them")
		_ = group.Close()
	}
}

// Serve runs this process as a worker until the coordinator sends exit or
// the channel to it closes. Jobs are looked up in the jobs registry.
func (e *Engine) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	_, events, err := transport.SpawnWorkers(ctx, 0, e.logger)
	if err != nil {
		return err
	}
	ev, ok := <-events
	if !ok || ev.Kind != transport.ParentConnected {
		return errors.New("not started as a worker")
	}
	framer := ev.Framer
	defer framer.Close()

	logger := e.logger.With("worker", ev.Index)
	loop := eventloop.New()

	r := router.New(ctx, router.Config{
		Loop:   loop,
		Role:   router.RoleWorker,
		Logger: logger,
		Resolve: func(name string, opts map[string]any) (*core.Job, error) {
			def, err := jobs.Get(name)
			if err != nil {
				return nil, err
			}
			return Prepare(def, opts)
		},
		Send:   func(msg protocol.Message) error { return framer.Send(msg.Tuple()) },
		OnExit: loop.Stop,
	})

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- framer.Listen(r.Receive)
		loop.Stop()
	}()

	logger.Debug("Worker started")
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	select {
	case err := <-listenErr:
		return err
	default:
		return nil
	}
}
