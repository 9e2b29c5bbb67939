package dispatcher

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/paratest-core/paratest/errors"
	"github.com/paratest-core/paratest/internal/logging"
	"github.com/paratest-core/paratest/internal/protocol"
	"github.com/paratest-core/paratest/shutil"
)

// WorkerHandle is the dispatcher's view of one isolated worker process:
// a framed Envelope connection plus lifecycle control. Launcher
// implementations provide isolation (a real OS process, or an in-process
// goroutine wired over pipes for tests); the dispatcher itself never
// assumes either.
type WorkerHandle interface {
	Send(env *protocol.Envelope) error
	Recv() (*protocol.Envelope, error)
	// RequestStop asks the worker to shut down gracefully; the caller
	// still waits on Wait() for actual exit.
	RequestStop() error
	// Wait blocks until the worker has exited, returning a non-nil error
	// if it exited abnormally (crash) as opposed to a clean shutdown
	// following RequestStop.
	Wait() error
}

// Launcher creates a new isolated worker bound to workerIndex.
type Launcher interface {
	Launch(ctx context.Context, workerIndex int) (WorkerHandle, error)
}

// LauncherFunc adapts a plain function to the Launcher interface.
type LauncherFunc func(ctx context.Context, workerIndex int) (WorkerHandle, error)

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context, workerIndex int) (WorkerHandle, error) {
	return f(ctx, workerIndex)
}

// ProcessLauncher spawns a worker as a real OS subprocess, re-executing
// the current binary with the given argv (e.g. ["paratest", "internal-worker"]),
// wiring stdin/stdout as the control channel.
type ProcessLauncher struct {
	// Path is the executable to run (typically os.Args[0]).
	Path string
	// Args are appended after Path; the worker entrypoint is expected to
	// speak the protocol.Conn framing over stdin/stdout.
	Args []string
}

// Launch implements Launcher.
func (l *ProcessLauncher) Launch(ctx context.Context, workerIndex int) (WorkerHandle, error) {
	launchID := uuid.NewString()
	ctx = logging.SetPrefix(ctx, fmt.Sprintf("[worker %d/%s] ", workerIndex, launchID[:8]))
	logging.Infof(ctx, "launching %s", shutil.EscapeSlice(append([]string{l.Path}, l.Args...)))

	cmd := exec.CommandContext(ctx, l.Path, l.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening worker stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "starting worker process")
	}
	return &processHandle{
		cmd:  cmd,
		conn: protocol.NewConn(stdout, stdin),
		in:   stdin,
	}, nil
}

type processHandle struct {
	cmd  *exec.Cmd
	conn *protocol.Conn
	in   io.WriteCloser
}

func (h *processHandle) Send(env *protocol.Envelope) error { return h.conn.Send(env) }
func (h *processHandle) Recv() (*protocol.Envelope, error)  { return h.conn.Recv() }

func (h *processHandle) RequestStop() error {
	return h.conn.Send(&protocol.Envelope{Stop: &protocol.Stop{}})
}

func (h *processHandle) Wait() error {
	err := h.cmd.Wait()
	if err == nil {
		return nil
	}
	// Any Wait() error is reported as a worker crash. The PID check only
	// selects the message: it notes when the PID is still present after
	// wait(2) returned.
	if exists, perr := process.PidExists(int32(h.cmd.Process.Pid)); perr == nil && exists {
		return errors.WrapKind(errors.KindWorkerCrash, err, "worker process exited abnormally but PID is still alive")
	}
	return errors.WrapKind(errors.KindWorkerCrash, err, "worker process exited abnormally")
}
