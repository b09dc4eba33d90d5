//go:build unix

package transport

import (
	"context"
	"os"
	"sort"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/gobatch/internal/shared/logging"
)

// TestMain turns re-executed copies of the test binary into echo workers.
func TestMain(m *testing.M) {
	if _, ok := ChildIndex(); ok {
		os.Exit(runEchoChild())
	}
	os.Exit(m.Run())
}

func runEchoChild() int {
	_, events, err := SpawnWorkers(context.Background(), 0, logging.Nop())
	if err != nil {
		return 2
	}
	ev := <-events
	err = ev.Framer.Listen(func(v any) error {
		if v == "exit" {
			os.Exit(0)
		}
		return ev.Framer.Send([]any{"echo", ev.Index, v})
	})
	if err != nil {
		return 3
	}
	return 0
}

func TestSpawnWorkers_ChildrenEchoOverPrivateChannels(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	group, events, err := SpawnWorkers(ctx, 2, logging.Nop())
	require.NoError(t, err)

	replies := make(chan []any, 2)
	var framers []*Framer
	for ev := range events {
		require.Equal(t, ChildConnected, ev.Kind)
		framers = append(framers, ev.Framer)
		go func() {
			_ = ev.Framer.Listen(func(v any) error { replies <- v.([]any); return nil })
		}()
		require.NoError(t, ev.Framer.Send(map[string]any{"hello": ev.Index}))
	}
	require.Len(t, framers, 2)

	var got []int
	for range 2 {
		select {
		case reply := <-replies:
			require.Equal(t, "echo", reply[0])
			idx := int(reply[1].(float64))
			require.Equal(t, map[string]any{"hello": float64(idx)}, reply[2])
			got = append(got, idx)
		case <-ctx.Done():
			t.Fatal("no reply from worker")
		}
	}
	sort.Ints(got)
	require.Equal(t, []int{0, 1}, got)

	for _, f := range framers {
		require.NoError(t, f.Send("exit"))
	}
	require.NoError(t, group.Wait())
}

func TestGroup_CloseKillsWorkers(t *testing.T) {
	group, events, err := SpawnWorkers(context.Background(), 1, logging.Nop())
	require.NoError(t, err)
	for range events {
	}

	done := make(chan error, 1)
	go func() { done <- group.Close() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers were not killed")
	}
}

func TestGroup_SignalKillsWorkersAndExits(t *testing.T) {
	group, events, err := SpawnWorkers(context.Background(), 1, logging.Nop())
	require.NoError(t, err)
	for range events {
	}

	exited := make(chan int, 1)
	group.exit = func(code int) { exited <- code }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group.WatchSignals(ctx)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case code := <-exited:
		require.Equal(t, 128+int(syscall.SIGTERM), code)
	case <-time.After(5 * time.Second):
		t.Fatal("signal was not handled")
	}
	require.NoError(t, group.Wait())
}

func TestGroup_HangupKillsWorkersWithoutExiting(t *testing.T) {
	group, events, err := SpawnWorkers(context.Background(), 2, logging.Nop())
	require.NoError(t, err)
	for range events {
	}

	exited := make(chan int, 1)
	group.exit = func(code int) { exited <- code }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group.WatchSignals(ctx)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))

	waited := make(chan error, 1)
	go func() { waited <- group.Wait() }()
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers were not killed")
	}

	select {
	case code := <-exited:
		t.Fatalf("hangup exited the process with code %d", code)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChildIndex(t *testing.T) {
	_, ok := ChildIndex()
	require.False(t, ok)

	t.Setenv(EnvChildID, "3")
	idx, ok := ChildIndex()
	require.True(t, ok)
	require.Equal(t, 3, idx)

	t.Setenv(EnvChildID, "x")
	_, ok = ChildIndex()
	require.False(t, ok)
}
