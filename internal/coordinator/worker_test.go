package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/gobatch/internal/eventloop"
	"github.com/nemanja-m/gobatch/internal/protocol"
	"github.com/nemanja-m/gobatch/pkg/core"
)

// startWorker runs a Worker for def and returns the channel of messages it
// sends to the coordinator.
func startWorker(t *testing.T, def core.Definition) (*Worker, *eventloop.Loop, <-chan protocol.Message) {
	t.Helper()
	job, err := def.Resolve()
	require.NoError(t, err)

	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	msgs := make(chan protocol.Message, 64)
	w := NewWorker(ctx, WorkerConfig{
		Loop: loop,
		Job:  job,
		ID:   3,
		Send: func(m protocol.Message) error {
			msgs <- m
			return nil
		},
	})
	return w, loop, msgs
}

func next(t *testing.T, msgs <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case m := <-msgs:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("worker sent nothing")
		return protocol.Message{}
	}
}

func TestWorker_PullsProcessesAndReports(t *testing.T) {
	w, loop, msgs := startWorker(t, core.NewDefinition("echo", core.Methods{Run: echo}).WithOptions(map[string]any{"max": 2}))

	loop.Post(func() { w.Input([]any{"a", "b", "c"}, 1) })

	pull := next(t, msgs)
	require.Equal(t, protocol.TagPull, pull.Tag)
	require.Equal(t, 3, pull.Worker)

	var out []any
	for {
		m := next(t, msgs)
		out = append(out, m.Units...)
		if m.Tag == protocol.TagComplete {
			require.Equal(t, uint64(1), m.Seq)
			break
		}
		require.Equal(t, protocol.TagOutput, m.Tag)
		require.GreaterOrEqual(t, len(m.Units), 2)
	}
	require.ElementsMatch(t, []any{"a", "b", "c"}, out)

	// The next assignment is reported under its own sequence.
	loop.Post(func() { w.Input([]any{"d"}, 2) })
	require.Equal(t, protocol.TagPull, next(t, msgs).Tag)
	done := next(t, msgs)
	require.Equal(t, protocol.TagComplete, done.Tag)
	require.Equal(t, uint64(2), done.Seq)
	require.Equal(t, []any{"d"}, done.Units)
}

func TestWorker_ForwardsAddedInput(t *testing.T) {
	def := core.NewDefinition("adder", core.Methods{
		Run: func(inst core.Instance, input any) core.Result {
			inst.Add([]any{"x", "y"})
			return core.Skip()
		},
	})
	w, loop, msgs := startWorker(t, def)
	loop.Post(func() { w.Input([]any{1}, 1) })

	add := next(t, msgs)
	require.Equal(t, protocol.TagAdd, add.Tag)
	require.Equal(t, []any{"x", "y"}, add.Value)
	require.False(t, add.DontFlatten)
	require.Equal(t, protocol.TagPull, next(t, msgs).Tag)
	require.Equal(t, protocol.TagComplete, next(t, msgs).Tag)
}

func TestWorker_ExitReportsError(t *testing.T) {
	def := core.NewDefinition("quitter", core.Methods{
		Run: func(inst core.Instance, _ any) core.Result {
			inst.Exit(errors.New("bad input"))
			return core.Skip()
		},
	})
	w, loop, msgs := startWorker(t, def)
	loop.Post(func() { w.Input([]any{1}, 1) })

	m := next(t, msgs)
	require.Equal(t, protocol.TagErr, m.Tag)
	require.Equal(t, "bad input", m.Err)

	select {
	case extra := <-msgs:
		t.Fatalf("unexpected message after failure: %v", extra.Tag)
	case <-time.After(50 * time.Millisecond):
	}
}
