//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/nemanja-m/gobatch/internal/shared/logging"
)

// EnvChildID marks a worker process and carries its ordinal. Only the
// transport sets it.
const EnvChildID = "GOBATCH_CHILD_ID"

// The inherited channel is the first entry of exec.Cmd.ExtraFiles.
const parentFD = 3

type EventKind int

const (
	ChildConnected EventKind = iota
	ParentConnected
)

func (k EventKind) String() string {
	if k == ParentConnected {
		return "parent connected"
	}
	return "child connected"
}

type Event struct {
	Kind   EventKind
	Index  int
	Framer *Framer
}

// ChildIndex reports the worker ordinal when this process was spawned by
// SpawnWorkers.
func ChildIndex() (int, bool) {
	v, ok := os.LookupEnv(EnvChildID)
	if !ok {
		return -1, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return -1, false
	}
	return i, true
}

// Group tracks the worker processes spawned by this process.
type Group struct {
	logger logging.Logger

	mu      sync.Mutex
	cmds    []*exec.Cmd
	killing bool

	eg     errgroup.Group
	failed chan error
	exit   func(code int)
}

// SpawnWorkers connects this process to its peers. In a coordinator it
// re-executes the current binary n times and emits one ChildConnected event
// per worker. In a worker it emits a single ParentConnected event for the
// inherited channel. The returned channel is closed after the last event.
func SpawnWorkers(ctx context.Context, n int, logger logging.Logger) (*Group, <-chan Event, error) {
	g := &Group{logger: logger, exit: os.Exit}

	if idx, ok := ChildIndex(); ok {
		framer, err := inheritedFramer()
		if err != nil {
			return nil, nil, err
		}
		events := make(chan Event, 1)
		events <- Event{Kind: ParentConnected, Index: idx, Framer: framer}
		close(events)
		return g, events, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve executable: %w", err)
	}

	g.failed = make(chan error, n)
	events := make(chan Event, n)
	for i := range n {
		framer, err := g.spawn(ctx, exe, i)
		if err != nil {
			close(events)
			g.Close()
			return nil, nil, fmt.Errorf("spawn worker %d: %w", i, err)
		}
		events <- Event{Kind: ChildConnected, Index: i, Framer: framer}
	}
	close(events)
	return g, events, nil
}

func (g *Group) spawn(ctx context.Context, exe string, idx int) (*Framer, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])

	parentEnd := os.NewFile(uintptr(fds[0]), fmt.Sprintf("worker-%d", idx))
	childEnd := os.NewFile(uintptr(fds[1]), "parent")
	defer childEnd.Close()

	cmd := exec.CommandContext(ctx, exe, os.Args[1:]...)
	cmd.Env = append(childEnv(), fmt.Sprintf("%s=%d", EnvChildID, idx))
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error {
		g.markKilling()
		return cmd.Process.Kill()
	}

	if err := cmd.Start(); err != nil {
		parentEnd.Close()
		return nil, err
	}

	conn, err := net.FileConn(parentEnd)
	parentEnd.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("wrap channel: %w", err)
	}

	g.mu.Lock()
	g.cmds = append(g.cmds, cmd)
	g.mu.Unlock()

	g.eg.Go(func() error {
		err := cmd.Wait()
		if err != nil && !g.isKilling() {
			g.logger.Warn("Worker process exited", "worker", idx, "error", err)
			err = fmt.Errorf("worker %d: %w", idx, err)
			g.failed <- err
			return err
		}
		g.logger.Debug("Worker process exited", "worker", idx)
		return nil
	})

	return NewFramer(conn), nil
}

func inheritedFramer() (*Framer, error) {
	f := os.NewFile(parentFD, "parent")
	if f == nil {
		return nil, errors.New("inherited channel is missing")
	}
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("open inherited channel: %w", err)
	}
	return NewFramer(conn), nil
}

func childEnv() []string {
	env := os.Environ()
	out := env[:0:0]
	for _, kv := range env {
		if !strings.HasPrefix(kv, EnvChildID+"=") {
			out = append(out, kv)
		}
	}
	return out
}

// WatchSignals kills the workers on SIGINT, SIGTERM, SIGQUIT and SIGHUP.
// Every signal but SIGHUP then exits the process. SIGKILL cannot be caught;
// workers notice the closed channel instead.
func (g *Group) WatchSignals(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				g.logger.Warn("Received signal, stopping workers", "signal", sig.String())
				g.Kill()
				if sig == syscall.SIGHUP {
					continue
				}
				code := 1
				if s, ok := sig.(syscall.Signal); ok {
					code = 128 + int(s)
				}
				g.exit(code)
				return
			}
		}
	}()
}

// Kill terminates every worker that is still running.
func (g *Group) Kill() {
	g.mu.Lock()
	g.killing = true
	cmds := append([]*exec.Cmd(nil), g.cmds...)
	g.mu.Unlock()

	for _, cmd := range cmds {
		// Workers that already exited report os.ErrProcessDone.
		_ = cmd.Process.Kill()
	}
}

// Failures delivers the exit error of every worker that dies without being
// killed by this group.
func (g *Group) Failures() <-chan error {
	return g.failed
}

// Wait blocks until every worker has exited and returns the first
// unexpected exit error.
func (g *Group) Wait() error {
	return g.eg.Wait()
}

// Close kills the remaining workers and waits for them.
func (g *Group) Close() error {
	g.Kill()
	return g.Wait()
}

func (g *Group) markKilling() {
	g.mu.Lock()
	g.killing = true
	g.mu.Unlock()
}

func (g *Group) isKilling() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killing
}
