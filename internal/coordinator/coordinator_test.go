package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nemanja-m/gobatch/internal/eventloop"
	"github.com/nemanja-m/gobatch/internal/protocol"
	"github.com/nemanja-m/gobatch/pkg/core"
)

type outcome struct {
	stats core.Stats
	err   error
}

// sliceSource serves units from memory.
func sliceSource(units ...any) core.Source {
	return core.SourceFunc(func(_ context.Context, offset, count int) ([]any, error) {
		if offset >= len(units) {
			return nil, nil
		}
		return units[offset:min(offset+count, len(units))], nil
	})
}

func numbers(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = i
	}
	return out
}

type capture struct {
	mu    sync.Mutex
	units []any
}

func (c *capture) Write(units []any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units = append(c.units, units...)
	return nil
}

func (c *capture) Units() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.units...)
}

// runLocal executes def in this process and waits for the outcome.
func runLocal(t *testing.T, def core.Definition, input core.Source) ([]any, outcome) {
	t.Helper()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := &capture{}
	job, err := def.WithMethods(core.Methods{Input: input, Output: sink}).Resolve()
	require.NoError(t, err)

	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-loop.Done()
	}()
	go func() { _ = loop.Run(ctx) }()

	done := make(chan outcome, 1)
	loop.Post(func() {
		c := New(ctx, Config{
			Loop: loop,
			Job:  job,
			OnComplete: func(stats core.Stats, err error) {
				done <- outcome{stats, err}
			},
		})
		c.Start()
	})

	select {
	case res := <-done:
		return sink.Units(), res
	case <-time.After(10 * time.Second):
		t.Fatal("job did not complete")
		return nil, outcome{}
	}
}

func echo(_ core.Instance, input any) core.Result { return core.Emit(input) }

func TestCoordinator_LocalEcho(t *testing.T) {
	def := core.NewDefinition("echo", core.Methods{Run: echo}).WithOptions(map[string]any{"complete_poll": 0.01})

	out, res := runLocal(t, def, sliceSource(numbers(25)...))
	require.NoError(t, res.err)
	require.Equal(t, numbers(25), out)
	require.Equal(t, int64(25), res.stats.InputUnits)
	require.Equal(t, int64(25), res.stats.OutputUnits)
}

func TestCoordinator_EmptyInputCompletes(t *testing.T) {
	out, res := runLocal(t, core.NewDefinition("empty", core.Methods{Run: echo}), sliceSource())
	require.NoError(t, res.err)
	require.Empty(t, out)
}

func TestCoordinator_Limit(t *testing.T) {
	def := core.NewDefinition("limited", core.Methods{Run: echo}).
		WithOptions(map[string]any{"limit": 7, "max": 3, "complete_poll": 0.01})

	out, res := runLocal(t, def, sliceSource(numbers(100)...))
	require.NoError(t, res.err)
	require.Len(t, out, 7)
}

func TestCoordinator_ReduceAndCompleteHook(t *testing.T) {
	var mu sync.Mutex
	total := 0
	def := core.NewDefinition("sum", core.Methods{
		Run: echo,
		Reduce: func(_ context.Context, batch []any) ([]any, error) {
			mu.Lock()
			defer mu.Unlock()
			for _, v := range batch {
				total += v.(int)
			}
			return nil, nil
		},
		Complete: func(_ context.Context, emit func(units ...any)) error {
			mu.Lock()
			defer mu.Unlock()
			emit(total)
			return nil
		},
	}).WithOptions(map[string]any{"max": 4, "complete_poll": 0.01})

	out, res := runLocal(t, def, sliceSource(numbers(10)...))
	require.NoError(t, res.err)
	require.Equal(t, []any{45}, out)
}

func TestCoordinator_CompleteHookError(t *testing.T) {
	boom := errors.New("boom")
	def := core.NewDefinition("hook", core.Methods{
		Run:      echo,
		Complete: func(context.Context, func(...any)) error { return boom },
	})

	_, res := runLocal(t, def, sliceSource(1))
	require.ErrorIs(t, res.err, boom)
}

func TestCoordinator_DynamicInput(t *testing.T) {
	// Every unit n adds n-1 until zero.
	def := core.NewDefinition("countdown", core.Methods{
		Run: func(inst core.Instance, input any) core.Result {
			n := input.(int)
			if n > 0 {
				inst.AddUnit(n - 1)
			}
			return core.Emit(n)
		},
	}).WithOptions(map[string]any{"complete_poll": 0.01})

	out, res := runLocal(t, def, sliceSource(3, 2))
	require.NoError(t, res.err)

	got := make([]int, len(out))
	for i, v := range out {
		got[i] = v.(int)
	}
	sort.Ints(got)
	require.Equal(t, []int{0, 0, 1, 1, 2, 2, 3}, got)
}

func TestCoordinator_GlobalTimeout(t *testing.T) {
	def := core.NewDefinition("hang", core.Methods{
		Run: func(inst core.Instance, _ any) core.Result {
			go func() {
				<-inst.Context().Done()
			}()
			return core.Pending()
		},
	}).WithOptions(map[string]any{"global_timeout": 0.05})

	_, res := runLocal(t, def, sliceSource(1))
	require.ErrorIs(t, res.err, core.ErrGlobalTimeout)
}

func TestCoordinator_SourceError(t *testing.T) {
	broken := core.SourceFunc(func(context.Context, int, int) ([]any, error) {
		return nil, errors.New("disk on fire")
	})

	_, res := runLocal(t, core.NewDefinition("broken", core.Methods{Run: echo}), broken)
	require.ErrorContains(t, res.err, "disk on fire")
}

func TestCoordinator_InstanceFailureAbortsJob(t *testing.T) {
	def := core.NewDefinition("abort", core.Methods{
		Run: func(inst core.Instance, _ any) core.Result {
			inst.Exit(errors.New("stop everything"))
			return core.Skip()
		},
	})

	_, res := runLocal(t, def, sliceSource(numbers(5)...))
	require.ErrorContains(t, res.err, "stop everything")
}

type sent struct {
	worker int
	msg    protocol.Message
}

// remoteCoordinator builds a coordinator driving n fake workers.
func remoteCoordinator(t *testing.T, n int, opts map[string]any) (*Coordinator, *[]sent) {
	t.Helper()
	job, err := core.NewDefinition("remote", core.Methods{Run: echo, Output: &capture{}}).WithOptions(opts).Resolve()
	require.NoError(t, err)

	var log []sent
	c := New(context.Background(), Config{Job: job})
	c.UseWorkers(n, func(worker int, msg protocol.Message) error {
		log = append(log, sent{worker, msg})
		return nil
	}, nil, "run")
	return c, &log
}

func TestCoordinator_PullCount(t *testing.T) {
	opts := map[string]any{"max": 2, "take": 3, "worker_input_mult": 2}

	c, _ := remoteCoordinator(t, 3, opts)
	require.Equal(t, 12, c.pullCount(1))
	require.Equal(t, 36, c.pullCount(-1))

	opts["limit"] = 20
	c, _ = remoteCoordinator(t, 3, opts)
	require.Equal(t, 20, c.pullCount(-1))
	c.offset = 15
	require.Equal(t, 5, c.pullCount(-1))
	c.offset = 30
	require.Equal(t, 0, c.pullCount(-1))

	job, err := core.NewDefinition("local", core.Methods{Run: echo}).WithOptions(map[string]any{"max": 2, "take": 3}).Resolve()
	require.NoError(t, err)
	local := New(context.Background(), Config{Job: job})
	local.UseLocal()
	require.Equal(t, 6, local.pullCount(-1))
}

func TestRemote_DispatchPartitionsAndNumbersInput(t *testing.T) {
	c, log := remoteCoordinator(t, 2, nil)

	c.Input([]any{0, 1, 2, 3, 4}, -1)
	require.Len(t, *log, 2)
	require.Equal(t, []any{0, 1, 2}, (*log)[0].msg.Units)
	require.Equal(t, []any{3, 4}, (*log)[1].msg.Units)
	require.Equal(t, uint64(1), (*log)[0].msg.Seq)

	c.Input([]any{5}, 1)
	last := (*log)[2]
	require.Equal(t, 1, last.worker)
	require.Equal(t, uint64(2), last.msg.Seq)
}

func TestRemote_CompletionRequiresLatestSeq(t *testing.T) {
	c, _ := remoteCoordinator(t, 2, nil)
	d := c.dispatcher
	require.True(t, d.Drained())

	c.Input([]any{0, 1}, -1)
	c.Input([]any{2}, 0)
	require.False(t, d.Drained())

	// Worker 0 reports the first assignment while the second is in transit.
	d.Ack(0, 1)
	d.Ack(1, 1)
	require.False(t, d.Drained())

	d.Ack(0, 2)
	require.True(t, d.Drained())
}

func TestRemote_AddedInputWaitsForCompletion(t *testing.T) {
	c, log := remoteCoordinator(t, 2, map[string]any{"max": 1})
	c.exhausted = true

	c.AddInput([]any{"x", "y"}, false)
	require.False(t, c.isComplete())
	require.Empty(t, *log)

	// A pending pull from worker 1 gets the added units.
	c.dispatcher.Pulled(1)
	c.checkComplete()
	require.Len(t, *log, 1)
	require.Equal(t, 1, (*log)[0].worker)
	require.Equal(t, []any{"x"}, (*log)[0].msg.Units)

	c.checkComplete()
	require.Equal(t, []any{"y"}, (*log)[1].msg.Units)
}
