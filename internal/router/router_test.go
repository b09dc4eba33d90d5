package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/gobatch/internal/coordinator"
	"github.com/nemanja-m/gobatch/internal/eventloop"
	"github.com/nemanja-m/gobatch/internal/protocol"
	"github.com/nemanja-m/gobatch/pkg/core"
)

func startLoop(t *testing.T) (context.Context, *eventloop.Loop) {
	t.Helper()
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return ctx, loop
}

func receive(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
		return protocol.Message{}
	}
}

func upper(_ core.Instance, input any) core.Result {
	return core.Emit(input.(string) + "!")
}

func TestRouter_WorkerRequeuesInputUntilLoaded(t *testing.T) {
	ctx, loop := startLoop(t)
	sent := make(chan protocol.Message, 16)

	r := New(ctx, Config{
		Loop: loop,
		Role: RoleWorker,
		Resolve: func(name string, opts map[string]any) (*core.Job, error) {
			return core.NewDefinition(name, core.Methods{
				Run: upper,
				Init: func(context.Context, core.Options) error {
					time.Sleep(30 * time.Millisecond)
					return nil
				},
			}).WithOptions(opts).Resolve()
		},
		Send:         func(m protocol.Message) error { sent <- m; return nil },
		RequeueDelay: 5 * time.Millisecond,
	})

	load := protocol.Message{Tag: protocol.TagLoad, Job: "shout", Worker: 1, Options: map[string]any{"max": float64(2)}}
	input := protocol.Message{Tag: protocol.TagInput, Job: "shout", Units: []any{"a"}, Seq: 1}
	require.NoError(t, r.Receive(load.Tuple()))
	require.NoError(t, r.Receive(input.Tuple()))

	require.Equal(t, protocol.TagPull, receive(t, sent).Tag)
	done := receive(t, sent)
	require.Equal(t, protocol.TagComplete, done.Tag)
	require.Equal(t, 1, done.Worker)
	require.Equal(t, []any{"a!"}, done.Units)
}

func TestRouter_WorkerReportsUnknownJob(t *testing.T) {
	ctx, loop := startLoop(t)
	sent := make(chan protocol.Message, 1)

	r := New(ctx, Config{
		Loop: loop,
		Role: RoleWorker,
		Resolve: func(name string, _ map[string]any) (*core.Job, error) {
			return nil, core.ErrJobNotFound
		},
		Send: func(m protocol.Message) error { sent <- m; return nil },
	})
	require.NoError(t, r.Receive(protocol.Message{Tag: protocol.TagLoad, Job: "ghost", Worker: 0}.Tuple()))

	m := receive(t, sent)
	require.Equal(t, protocol.TagErr, m.Tag)
	require.Contains(t, m.Err, "job not found")
}

func TestRouter_WorkerExit(t *testing.T) {
	ctx, loop := startLoop(t)
	exited := make(chan struct{})

	r := New(ctx, Config{Loop: loop, Role: RoleWorker, OnExit: func() { close(exited) }})
	require.NoError(t, r.Receive(protocol.Message{Tag: protocol.TagExit}.Tuple()))

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("exit not handled")
	}
}

func TestRouter_CoordinatorRequeuesUntilAttached(t *testing.T) {
	ctx, loop := startLoop(t)
	job, err := core.NewDefinition("late", core.Methods{Run: upper}).Resolve()
	require.NoError(t, err)

	failed := make(chan error, 1)
	r := New(ctx, Config{Loop: loop, Role: RoleCoordinator, RequeueDelay: 5 * time.Millisecond})

	require.NoError(t, r.Receive(protocol.Message{Tag: protocol.TagErr, Job: "late", Worker: 2, Err: "kaput"}.Tuple()))

	time.Sleep(20 * time.Millisecond)
	loop.Post(func() {
		c := coordinator.New(ctx, coordinator.Config{
			Loop:       loop,
			Job:        job,
			OnComplete: func(_ core.Stats, err error) { failed <- err },
		})
		c.UseWorkers(3, func(int, protocol.Message) error { return nil }, nil, "run")
		r.Attach("late", c)
	})

	select {
	case err := <-failed:
		require.ErrorContains(t, err, "worker 2: kaput")
	case <-time.After(5 * time.Second):
		t.Fatal("error message was not delivered")
	}
}

func TestRouter_IgnoresMessagesForOtherRole(t *testing.T) {
	ctx, loop := startLoop(t)
	sent := make(chan protocol.Message, 1)
	r := New(ctx, Config{
		Loop: loop,
		Role: RoleWorker,
		Send: func(m protocol.Message) error { sent <- m; return nil },
	})

	done := make(chan struct{})
	loop.Post(func() {
		r.Dispatch(protocol.Message{Tag: protocol.TagPull, Job: "x"})
		close(done)
	})
	<-done
	require.Empty(t, sent)
	require.Equal(t, "worker", RoleWorker.String())
}

func TestRouter_WorkerHoldsInputWhileInitOutlastsRequeue(t *testing.T) {
	ctx, loop := startLoop(t)
	sent := make(chan protocol.Message, 16)

	r := New(ctx, Config{
		Loop: loop,
		Role: RoleWorker,
		Resolve: func(name string, opts map[string]any) (*core.Job, error) {
			return core.NewDefinition(name, core.Methods{
				Run: upper,
				Init: func(context.Context, core.Options) error {
					time.Sleep(200 * time.Millisecond)
					return nil
				},
			}).WithOptions(opts).Resolve()
		},
		Send:         func(m protocol.Message) error { sent <- m; return nil },
		RequeueDelay: 5 * time.Millisecond,
		MaxRequeue:   3,
	})

	load := protocol.Message{Tag: protocol.TagLoad, Job: "slow", Worker: 0}
	require.NoError(t, r.Receive(load.Tuple()))
	for seq, unit := range []string{"a", "b"} {
		in := protocol.Message{Tag: protocol.TagInput, Job: "slow", Units: []any{unit}, Seq: uint64(seq + 1)}
		require.NoError(t, r.Receive(in.Tuple()))
	}

	var out []any
	for {
		m := receive(t, sent)
		require.NotEqual(t, protocol.TagErr, m.Tag)
		out = append(out, m.Units...)
		if m.Tag == protocol.TagComplete && m.Seq == 2 {
			break
		}
	}
	require.ElementsMatch(t, []any{"a!", "b!"}, out)
}

func TestRouter_InvalidMessageIsAnError(t *testing.T) {
	ctx, loop := startLoop(t)
	r := New(ctx, Config{Loop: loop, Role: RoleCoordinator})

	require.ErrorIs(t, r.Receive([]any{"shout", "job"}), protocol.ErrUnknownTag)
	require.Error(t, r.Receive("not a tuple"))
}
