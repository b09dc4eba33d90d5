package coordinator

import (
	"context"

	"github.com/nemanja-m/gobatch/internal/eventloop"
	"github.com/nemanja-m/gobatch/internal/metrics"
	"github.com/nemanja-m/gobatch/internal/pool"
	"github.com/nemanja-m/gobatch/internal/protocol"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
	"github.com/nemanja-m/gobatch/pkg/core"
)

type WorkerConfig struct {
	Loop    *eventloop.Loop
	Job     *core.Job
	ID      int
	Send    func(protocol.Message) error
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Worker is the job runtime inside a worker process. It pulls input from the
// coordinator, runs it on a local pool and reports output back.
type Worker struct {
	job    *core.Job
	id     int
	send   func(protocol.Message) error
	logger logging.Logger
	pool   *pool.Pool

	seq      uint64
	ready    bool
	reported bool
	failed   bool
}

func NewWorker(ctx context.Context, cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	w := &Worker{
		job:    cfg.Job,
		id:     cfg.ID,
		send:   cfg.Send,
		logger: logger.With("job", cfg.Job.Name, "worker", cfg.ID),
	}
	w.pool = pool.New(ctx, pool.Config{
		Loop:    cfg.Loop,
		Job:     cfg.Job,
		Owner:   w,
		Logger:  w.logger,
		Metrics: cfg.Metrics,
	})
	return w
}

// Input accepts the assignment numbered seq.
func (w *Worker) Input(units []any, seq uint64) {
	if w.failed {
		return
	}
	w.ready = true
	w.seq = seq
	w.reported = false
	w.pool.Enqueue(units...)
	w.Process()
}

func (w *Worker) Process() {
	if w.failed {
		return
	}

	opts := w.job.Options
	if w.ready && w.pool.Pending() < opts.Max*opts.Take*opts.WorkerInputMult {
		w.ready = false
		w.emit(protocol.Message{Tag: protocol.TagPull, Job: w.job.Name, Worker: w.id})
	}

	w.pool.Fill()

	if w.pool.Drained() && w.seq > 0 && !w.reported {
		w.reported = true
		w.emit(protocol.Message{
			Tag:    protocol.TagComplete,
			Job:    w.job.Name,
			Worker: w.id,
			Units:  w.pool.TakeOutput(),
			Seq:    w.seq,
		})
	}
}

// Flush ships output once a full batch has accumulated; the rest travels
// with the completion report.
func (w *Worker) Flush() {
	if w.pool.OutputLen() < w.job.Options.Max {
		return
	}
	w.emit(protocol.Message{
		Tag:    protocol.TagOutput,
		Job:    w.job.Name,
		Worker: w.id,
		Units:  w.pool.TakeOutput(),
	})
}

func (w *Worker) Add(v any, dontFlatten bool) {
	w.emit(protocol.Message{
		Tag:         protocol.TagAdd,
		Job:         w.job.Name,
		Worker:      w.id,
		Value:       v,
		DontFlatten: dontFlatten,
	})
}

func (w *Worker) Exit(err error) {
	if w.failed {
		return
	}
	w.emit(protocol.Message{Tag: protocol.TagErr, Job: w.job.Name, Worker: w.id, Err: err.Error()})
	w.failed = true
}

func (w *Worker) emit(msg protocol.Message) {
	if err := w.send(msg); err != nil {
		w.logger.Error("Failed to reach coordinator", "tag", msg.Tag, "error", err)
	}
}
