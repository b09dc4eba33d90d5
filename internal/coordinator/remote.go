package coordinator

import (
	"fmt"

	"github.com/nemanja-m/gobatch/internal/protocol"
)

// SendFunc delivers a message to one worker process.
type SendFunc func(worker int, msg protocol.Message) error

type workerState struct {
	// sent is the sequence of the last input assignment, acked the last one
	// the worker reported drained.
	sent  uint64
	acked uint64
	// complete is set when the worker has drained everything assigned.
	complete bool
	pulls    int
}

// remote spreads input over worker processes.
type remote struct {
	c       *Coordinator
	send    SendFunc
	load    map[string]any
	runID   string
	workers []*workerState
}

func newRemote(c *Coordinator, n int, send SendFunc, load map[string]any, runID string) *remote {
	r := &remote{c: c, send: send, load: load, runID: runID}
	r.workers = make([]*workerState, n)
	for i := range r.workers {
		r.workers[i] = &workerState{complete: true}
	}
	return r
}

func (r *remote) Start() error {
	for i := range r.workers {
		err := r.send(i, protocol.Message{
			Tag:     protocol.TagLoad,
			Job:     r.c.job.Name,
			Options: r.load,
			Worker:  i,
			RunID:   r.runID,
		})
		if err != nil {
			return fmt.Errorf("load job on worker %d: %w", i, err)
		}
	}
	return nil
}

func (r *remote) Workers() int { return len(r.workers) }

func (r *remote) Dispatch(units []any, worker int) {
	if worker >= 0 && worker < len(r.workers) {
		r.assign(worker, units)
		return
	}
	for i, part := range Partition(units, len(r.workers)) {
		if len(part) > 0 {
			r.assign(i, part)
		}
	}
}

func (r *remote) assign(worker int, units []any) {
	w := r.workers[worker]
	w.sent++
	w.complete = false
	w.pulls = max(w.pulls-1, 0)

	err := r.send(worker, protocol.Message{
		Tag:   protocol.TagInput,
		Job:   r.c.job.Name,
		Units: units,
		Seq:   w.sent,
	})
	if err != nil {
		r.c.Fail(fmt.Errorf("send input to worker %d: %w", worker, err))
	}
}

func (r *remote) Pulled(worker int) {
	if worker >= 0 && worker < len(r.workers) {
		r.workers[worker].pulls++
	}
}

// Ack accepts a completion report only for the newest assignment; a report
// for an older sequence is superseded by input still in transit.
func (r *remote) Ack(worker int, seq uint64) {
	if worker < 0 || worker >= len(r.workers) {
		return
	}
	w := r.workers[worker]
	if seq == w.sent {
		w.acked = seq
		w.complete = true
	}
}

func (r *remote) Waiting() []int {
	var out []int
	for i, w := range r.workers {
		if w.pulls > 0 {
			out = append(out, i)
		}
	}
	return out
}

func (r *remote) Drained() bool {
	for _, w := range r.workers {
		if !w.complete {
			return false
		}
	}
	return true
}

// Counts is not aggregated across processes; each worker keeps its own.
func (r *remote) Counts() (retries, failures int64) { return 0, 0 }

func (r *remote) Close() {
	for i := range r.workers {
		_ = r.send(i, protocol.Message{Tag: protocol.TagExit})
	}
}
